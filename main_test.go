package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func newConnectServer(t *testing.T, registerStatus int) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-authorization-server":
			json.NewEncoder(w).Encode(map[string]any{
				"issuer":                           srv.URL,
				"authorization_endpoint":           srv.URL + "/oauth/authorize",
				"token_endpoint":                   srv.URL + "/oauth/token",
				"registration_endpoint":            srv.URL + "/oauth/register",
				"code_challenge_methods_supported": []string{"S256"},
			})
		case "/oauth/register":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(registerStatus)
			if registerStatus != http.StatusCreated {
				w.Write([]byte(`{"error":"invalid_redirect_uri"}`))
				return
			}
			w.Write([]byte(`{"client_id":"claude-test","redirect_uris":["https://claude.ai/api/mcp/auth_callback"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunConnectSuccess(t *testing.T) {
	srv := newConnectServer(t, http.StatusCreated)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := runConnect(context.Background(), srv.URL, "https://claude.ai/api/mcp/auth_callback", logger, srv.Client()); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectRegistrationRejected(t *testing.T) {
	srv := newConnectServer(t, http.StatusBadRequest)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	err := runConnect(context.Background(), srv.URL, "https://evil.example/cb", logger, srv.Client())
	if err == nil || !strings.Contains(err.Error(), "invalid_redirect_uri") {
		t.Fatalf("expected invalid_redirect_uri error, got %v", err)
	}
}

func TestRunConnectMissingBaseURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := runConnect(context.Background(), "", "", logger, nil); err == nil {
		t.Fatalf("expected error for missing base URL")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	input := strings.Join([]string{
		"y",                     // dev mode
		"",                      // listen address
		"http://127.0.0.1:9090", // public URL
		"claude.ai,example.com", // redirect domains
		"root@example.com",      // superadmin
		filepath.Join(t.TempDir(), "db.sqlite"),
	}, "\n") + "\n"

	cfg, err := runSetup(path, bufio.NewReader(strings.NewReader(input)), logger)
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if cfg.BaseURL() != "http://127.0.0.1:9090" {
		t.Fatalf("base url = %q", cfg.BaseURL())
	}
	if len(cfg.OAuth.AllowedRedirectDomains) != 2 {
		t.Fatalf("redirect domains = %v", cfg.OAuth.AllowedRedirectDomains)
	}
	if cfg.Admin.SuperadminEmail != "root@example.com" {
		t.Fatalf("superadmin email = %q", cfg.Admin.SuperadminEmail)
	}
	if len(cfg.Admin.FlashSecret) != 64 {
		t.Fatalf("expected generated 32-byte flash secret, got %d hex chars", len(cfg.Admin.FlashSecret))
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
