package server

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=2,p=1$") {
		t.Fatalf("hash = %q", hash)
	}

	other, _ := HashPassword("correct horse")
	if other == hash {
		t.Fatal("hashes must be salted")
	}

	ok, err := VerifyPassword("correct horse", hash)
	if err != nil || !ok {
		t.Fatalf("VerifyPassword = %v, %v", ok, err)
	}
	ok, err = VerifyPassword("wrong", hash)
	if err != nil || ok {
		t.Fatalf("wrong password = %v, %v", ok, err)
	}
}

func TestDummyPasswordHashRunsFullVerification(t *testing.T) {
	hash, err := HashPassword("x")
	if err != nil {
		t.Fatal(err)
	}
	prefix := hash[:strings.LastIndex(hash[:strings.LastIndex(hash, "$")], "$")+1]
	if !strings.HasPrefix(dummyPasswordHash, prefix) {
		t.Fatalf("dummy hash parameters %q drifted from %q", dummyPasswordHash, prefix)
	}

	for _, pw := range []string{"", "secret", "correct horse"} {
		ok, err := VerifyPassword(pw, dummyPasswordHash)
		if err != nil || ok {
			t.Fatalf("VerifyPassword(%q, dummy) = %v, %v", pw, ok, err)
		}
		if verifyUnknownUser(pw) {
			t.Fatalf("verifyUnknownUser(%q) succeeded", pw)
		}
	}
}

func TestVerifyPasswordBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("legacy"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	ok, err := VerifyPassword("legacy", string(hash))
	if err != nil || !ok {
		t.Fatalf("bcrypt verify = %v, %v", ok, err)
	}
	ok, err = VerifyPassword("nope", string(hash))
	if err != nil || ok {
		t.Fatalf("bcrypt mismatch = %v, %v", ok, err)
	}

	long := strings.Repeat("x", 80)
	longHash, err := bcrypt.GenerateFromPassword([]byte(long[:72]), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if ok, err := VerifyPassword(long, string(longHash)); err != nil || !ok {
		t.Fatalf("long bcrypt password = %v, %v", ok, err)
	}
}

func TestVerifyPasswordMalformed(t *testing.T) {
	for _, encoded := range []string{"", "plaintext", "$argon2id$v=19$bad", "$argon2id$v=18$m=1,t=1,p=1$AAAA$AAAA"} {
		if ok, err := VerifyPassword("x", encoded); ok || err == nil {
			t.Errorf("%q: ok=%v err=%v", encoded, ok, err)
		}
	}
}

var usernamePattern = regexp.MustCompile(`^[a-z]+-[a-z]+-[1-9][0-9]{2}$`)

func TestGeneratedCredentials(t *testing.T) {
	for i := 0; i < 50; i++ {
		u, err := GenerateUsername()
		if err != nil {
			t.Fatalf("GenerateUsername: %v", err)
		}
		if !usernamePattern.MatchString(u) {
			t.Fatalf("username %q", u)
		}

		p, err := GeneratePassword()
		if err != nil {
			t.Fatalf("GeneratePassword: %v", err)
		}
		if len(p) != 16 {
			t.Fatalf("password length = %d", len(p))
		}
		for _, r := range p {
			if !strings.ContainsRune(passwordAlphabet, r) {
				t.Fatalf("password %q has %q outside the alphabet", p, r)
			}
		}
	}

	tok, err := GenerateToken()
	if err != nil || len(tok) != 64 {
		t.Fatalf("GenerateToken = %q, %v", tok, err)
	}
}

func TestEnsureSuperadmin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cfg := AdminConfig{SuperadminEmail: "root@example.com", SuperadminInitialPassword: "root-password"}

	if err := EnsureSuperadmin(ctx, cfg, store, testLogger()); err != nil {
		t.Fatalf("EnsureSuperadmin: %v", err)
	}
	u, err := store.GetUserByEmail(ctx, "root@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if u.Role != RoleAdmin || !u.Active() || !usernamePattern.MatchString(u.Username) {
		t.Fatalf("superadmin = %+v", u)
	}
	if ok, _ := VerifyPassword("root-password", u.PasswordHash); !ok {
		t.Fatal("initial password not applied")
	}

	cfg.SuperadminInitialPassword = "changed"
	if err := EnsureSuperadmin(ctx, cfg, store, testLogger()); err != nil {
		t.Fatalf("second EnsureSuperadmin: %v", err)
	}
	again, _ := store.GetUserByEmail(ctx, "root@example.com")
	if again.ID != u.ID || again.PasswordHash != u.PasswordHash {
		t.Fatal("existing superadmin must not be replaced")
	}

	if err := EnsureSuperadmin(ctx, AdminConfig{}, store, testLogger()); err != nil {
		t.Fatalf("no email: %v", err)
	}
	users, _ := store.ListUsers(ctx)
	if len(users) != 1 {
		t.Fatalf("users = %d", len(users))
	}
}
