package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

var usernameAdjectives = []string{
	"blue", "fast", "cold", "bright", "dark", "sharp", "soft", "wild",
	"calm", "deep", "flat", "free", "glad", "gray", "hard", "high",
	"keen", "kind", "lean", "lone", "long", "loud", "mild", "neat",
	"pale", "plain", "pure", "quick", "rare", "red", "rich", "round",
	"safe", "slim", "slow", "small", "still", "sure", "tall", "tidy",
	"vast", "warm", "wide", "wise", "bold", "brave", "clear", "cool",
	"crisp", "fair", "firm", "fresh", "green", "hazy", "iron", "jade",
	"light", "lush", "noble", "north", "proud", "quiet", "sage", "silver",
	"sleek", "steep", "stone", "storm", "stout", "swift",
}

var usernameNouns = []string{
	"falcon", "river", "pine", "stone", "wolf", "ember", "coast", "drift",
	"arrow", "atlas", "bay", "bear", "bell", "blade", "bloom", "bolt",
	"brook", "cape", "cedar", "cloud", "cove", "crane", "creek", "crest",
	"crow", "dawn", "deer", "dune", "dusk", "eagle", "echo", "elm",
	"fern", "field", "fjord", "flame", "flint", "frost", "gale", "glade",
	"glen", "grove", "hawk", "heath", "hill", "inlet", "iris", "isle",
	"kite", "lake", "lark", "ledge", "lynx", "meadow", "mesa", "moon",
	"moss", "otter", "peak", "raven", "reef", "ridge", "robin", "shore",
	"slope", "snow", "sparrow", "spruce", "stream", "swan",
}

// Letters and digits without look-alikes, plus a few symbols.
const passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789!@#$%^&*"

const generatedPasswordLength = 16

// NewID returns a random UUID string.
func NewID() string {
	return uuid.NewString()
}

// GenerateToken returns 32 random bytes, hex encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateUsername returns an adjective-noun-NNN handle with NNN in 100..999.
func GenerateUsername() (string, error) {
	adj, err := randomIndex(len(usernameAdjectives))
	if err != nil {
		return "", err
	}
	noun, err := randomIndex(len(usernameNouns))
	if err != nil {
		return "", err
	}
	num, err := randomIndex(900)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%d", usernameAdjectives[adj], usernameNouns[noun], num+100), nil
}

// GeneratePassword returns a random 16 character password.
func GeneratePassword() (string, error) {
	out := make([]byte, generatedPasswordLength)
	for i := range out {
		idx, err := randomIndex(len(passwordAlphabet))
		if err != nil {
			return "", err
		}
		out[i] = passwordAlphabet[idx]
	}
	return string(out), nil
}

func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return int(v.Int64()), nil
}
