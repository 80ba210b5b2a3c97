package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    Store
	Tokens   *TokenService
	Clients  *ClientRegistrar
	Limiter  RateLimiter
	Sessions *SessionManager
	Flash    *FlashCodec
	MCP      *MCPService
	now      func() time.Time
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, store Store, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	limiter, err := NewRateLimiter(cfg.RateLimit, store)
	if err != nil {
		return nil, err
	}

	flash, err := NewFlashCodec(cfg.Admin.FlashSecret, cfg.SecureCookies())
	if err != nil {
		return nil, fmt.Errorf("init flash codec: %w", err)
	}
	if cfg.Admin.FlashSecret == "" {
		logger.Warn("admin.flash_secret not set; flash cookies will not survive a restart")
	}

	tokens := NewTokenService(cfg, store, logger)

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Tokens:   tokens,
		Clients:  NewClientRegistrar(cfg, store, logger),
		Limiter:  limiter,
		Sessions: NewSessionManager(cfg, store, logger),
		Flash:    flash,
		now:      time.Now,
	}
	app.MCP = NewMCPService(store, logger)

	if err := EnsureSuperadmin(ctx, cfg.Admin, store, logger); err != nil {
		return nil, fmt.Errorf("seed superadmin: %w", err)
	}

	return app, nil
}

// OAuthError is an RFC 6749 style error with its HTTP status.
type OAuthError struct {
	Status      int
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// oauthError writes {"error": code, "error_description": desc}, omitting an empty
// description. OAuth errors are never redirected to the client.
func oauthError(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSONStatus(w, status, body)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"ok": true,
		"ts": a.now().UTC().Format(time.RFC3339),
	})
}

// clientKey is the rate limit key for credential-accepting endpoints.
func (a *App) clientKey(r *http.Request) string {
	return ClientIP(r, a.Config.Server.TrustProxyHeaders)
}
