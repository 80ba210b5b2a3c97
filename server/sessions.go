package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "session"

// SessionManager handles cookie-backed admin console sessions.
type SessionManager struct {
	store    SessionStore
	logger   *slog.Logger
	ttl      time.Duration
	secure   bool
	sameSite http.SameSite
	now      func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	ttl := cfg.Admin.SessionTTL
	if ttl <= 0 {
		ttl = DefaultAdminSessionTTL
	}
	return &SessionManager{
		store:    store,
		logger:   logger.With("component", "sessions"),
		ttl:      ttl,
		secure:   cfg.SecureCookies(),
		sameSite: http.SameSiteStrictMode,
		now:      time.Now,
	}
}

// Fetch returns the live session and its user for the request cookie. A missing or
// expired session yields ErrNotFound.
func (sm *SessionManager) Fetch(r *http.Request) (AdminSession, User, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return AdminSession{}, User{}, ErrNotFound
	}
	return sm.store.GetAdminSession(r.Context(), cookie.Value, sm.now())
}

// Create persists a new session for user and sets the cookie.
func (sm *SessionManager) Create(ctx context.Context, w http.ResponseWriter, user User) (AdminSession, error) {
	csrf, err := GenerateToken()
	if err != nil {
		return AdminSession{}, err
	}
	now := sm.now()
	sess := AdminSession{
		ID:        NewID(),
		UserID:    user.ID,
		CSRFToken: csrf,
		ExpiresAt: now.Add(sm.ttl),
		CreatedAt: now,
	}
	if err := sm.store.CreateAdminSession(ctx, sess); err != nil {
		return AdminSession{}, err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return sess, nil
}

// Clear deletes the session behind the request cookie and expires the cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := sm.store.DeleteAdminSession(r.Context(), cookie.Value); err != nil && !errors.Is(err, ErrNotFound) {
			sm.logger.Warn("delete session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
