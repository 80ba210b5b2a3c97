package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	flashCookieName    = "flash"
	flashPWCookieName  = "flash_pw"
	flashMessageTTL    = 30 * time.Second
	flashPasswordTTL   = 300 * time.Second
	flashSigningInfo   = "taskmcp flash signing"
	flashEncryptInfo   = "taskmcp flash encryption"
	flashKindSuccess   = "success"
	flashKindError     = "error"
	flashMessageIssuer = "taskmcp-admin"
)

// Flash is a one-shot message shown on the next admin page.
type Flash struct {
	Kind    string
	Message string
}

type flashClaims struct {
	Kind    string `json:"kind"`
	Message string `json:"msg"`
	jwt.RegisteredClaims
}

type passwordFlash struct {
	UserID    string `json:"uid"`
	Password  string `json:"pw"`
	ExpiresAt int64  `json:"exp"`
}

// FlashCodec signs message cookies (HS256 JWT) and encrypts credential cookies
// (JWE, direct A256GCM). Both keys are derived from one secret.
type FlashCodec struct {
	signKey    []byte
	encryptKey []byte
	secure     bool
	now        func() time.Time
}

// NewFlashCodec derives keys from a hex secret. An empty secret uses a random key,
// which invalidates outstanding cookies on restart.
func NewFlashCodec(secretHex string, secure bool) (*FlashCodec, error) {
	var master []byte
	if secretHex == "" {
		master = make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("read random: %w", err)
		}
	} else {
		var err error
		master, err = hex.DecodeString(secretHex)
		if err != nil {
			return nil, fmt.Errorf("decode flash secret: %w", err)
		}
	}

	signKey, err := deriveKey(master, flashSigningInfo)
	if err != nil {
		return nil, err
	}
	encryptKey, err := deriveKey(master, flashEncryptInfo)
	if err != nil {
		return nil, err
	}
	return &FlashCodec{signKey: signKey, encryptKey: encryptKey, secure: secure, now: time.Now}, nil
}

func deriveKey(master []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// SetMessage stores a signed flash message cookie.
func (fc *FlashCodec) SetMessage(w http.ResponseWriter, kind, msg string) error {
	now := fc.now()
	claims := flashClaims{
		Kind:    kind,
		Message: msg,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    flashMessageIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(flashMessageTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(fc.signKey)
	if err != nil {
		return fmt.Errorf("sign flash: %w", err)
	}
	fc.setCookie(w, flashCookieName, signed, flashMessageTTL)
	return nil
}

// PopMessage reads and clears the flash message cookie.
func (fc *FlashCodec) PopMessage(w http.ResponseWriter, r *http.Request) (Flash, bool) {
	cookie, err := r.Cookie(flashCookieName)
	if err != nil || cookie.Value == "" {
		return Flash{}, false
	}
	fc.setCookie(w, flashCookieName, "", -1)

	var claims flashClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(t *jwt.Token) (any, error) {
		return fc.signKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(flashMessageIssuer),
		jwt.WithTimeFunc(fc.now),
	)
	if err != nil {
		return Flash{}, false
	}
	return Flash{Kind: claims.Kind, Message: claims.Message}, true
}

// SetPassword stores a freshly generated password for userID in an encrypted cookie.
func (fc *FlashCodec) SetPassword(w http.ResponseWriter, userID, password string) error {
	payload, err := json.Marshal(passwordFlash{
		UserID:    userID,
		Password:  password,
		ExpiresAt: fc.now().Add(flashPasswordTTL).Unix(),
	})
	if err != nil {
		return err
	}

	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: fc.encryptKey}, nil)
	if err != nil {
		return fmt.Errorf("init encrypter: %w", err)
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("encrypt password flash: %w", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		return fmt.Errorf("serialize password flash: %w", err)
	}
	fc.setCookie(w, flashPWCookieName, compact, flashPasswordTTL)
	return nil
}

var errFlashMismatch = errors.New("password flash does not match")

// PopPassword reads and clears the encrypted password cookie. It only returns the
// password when the cookie was issued for userID and has not expired.
func (fc *FlashCodec) PopPassword(w http.ResponseWriter, r *http.Request, userID string) (string, error) {
	cookie, err := r.Cookie(flashPWCookieName)
	if err != nil || cookie.Value == "" {
		return "", ErrNotFound
	}
	fc.setCookie(w, flashPWCookieName, "", -1)

	obj, err := jose.ParseEncrypted(cookie.Value)
	if err != nil {
		return "", fmt.Errorf("parse password flash: %w", err)
	}
	plain, err := obj.Decrypt(fc.encryptKey)
	if err != nil {
		return "", fmt.Errorf("decrypt password flash: %w", err)
	}
	var pf passwordFlash
	if err := json.Unmarshal(plain, &pf); err != nil {
		return "", fmt.Errorf("decode password flash: %w", err)
	}
	if pf.UserID != userID || fc.now().Unix() >= pf.ExpiresAt {
		return "", errFlashMismatch
	}
	return pf.Password, nil
}

func (fc *FlashCodec) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	maxAge := int(ttl.Seconds())
	if ttl < 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/admin",
		HttpOnly: true,
		Secure:   fc.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
	})
}
