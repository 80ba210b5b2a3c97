package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testBaseURL     = "https://tasks.example.com"
	testRedirectURI = "https://claude.ai/api/mcp/auth_callback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.DevMode = true
	cfg.Server.PublicURL = testBaseURL
	cfg.Admin.SuperadminEmail = "root@example.com"
	cfg.Admin.SuperadminInitialPassword = "root-password"
	cfg.Admin.FlashSecret = strings.Repeat("ab", 32)
	return cfg
}

func newTestApp(t *testing.T, mutate func(*Config)) (*App, *SQLiteStore) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	store := newTestStore(t)
	app, err := NewApp(context.Background(), cfg, store, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app, store
}

func seedUser(t *testing.T, store UserStore, username, password, role string) User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	now := time.Now()
	u := User{
		ID:           NewID(),
		Name:         strings.ToUpper(username[:1]) + username[1:],
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Confirmed:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func pkcePair(t *testing.T) (verifier, challenge string) {
	t.Helper()
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	verifier = token[:50]
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func postForm(h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// authorizeCode logs in through POST /oauth/authorize and returns the issued code.
func authorizeCode(t *testing.T, h http.Handler, username, password, label, challenge string) string {
	t.Helper()
	w := postForm(h, "/oauth/authorize", url.Values{
		"response_type":         {"code"},
		"client_id":             {"claude-test"},
		"redirect_uri":          {testRedirectURI},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {"st4te"},
		"username":              {username},
		"password":              {password},
		"agent_label":           {label},
	})
	if w.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body = %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if got := loc.Query().Get("state"); got != "st4te" {
		t.Fatalf("state = %q, want st4te", got)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %s", loc)
	}
	return code
}
