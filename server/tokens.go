package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrInvalidGrant covers every reason a code or refresh token cannot be exchanged.
	// The wrapped message carries the reason for logs only.
	ErrInvalidGrant = errors.New("invalid_grant")
	// ErrUnauthorized is returned for any bearer token that does not resolve to an active user.
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// CodeRequest carries what the authorization endpoint binds into a code.
type CodeRequest struct {
	UserID        string
	ClientID      string
	CodeChallenge string
	RedirectURI   string
	AgentLabel    string
}

// ExchangeRequest carries the authorization_code grant parameters.
type ExchangeRequest struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientID     string
}

// TokenService issues authorization codes and opaque bearer tokens.
type TokenService struct {
	store           OAuthStore
	logger          *slog.Logger
	codeTTL         time.Duration
	accessTTL       time.Duration
	scope           string
	superadminEmail string
	bindClient      bool
	now             func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store OAuthStore, logger *slog.Logger) *TokenService {
	return &TokenService{
		store:           store,
		logger:          logger.With("component", "tokens"),
		codeTTL:         cfg.OAuth.CodeTTL,
		accessTTL:       cfg.OAuth.AccessTTL,
		scope:           DefaultScope,
		superadminEmail: strings.TrimSpace(cfg.Admin.SuperadminEmail),
		bindClient:      cfg.OAuth.RequireRegisteredClients,
		now:             time.Now,
	}
}

// IssueCode persists a fresh single-use authorization code.
func (ts *TokenService) IssueCode(ctx context.Context, req CodeRequest) (string, error) {
	code, err := GenerateToken()
	if err != nil {
		return "", err
	}
	now := ts.now()
	ac := AuthorizationCode{
		Code:          code,
		UserID:        req.UserID,
		ClientID:      req.ClientID,
		CodeChallenge: req.CodeChallenge,
		RedirectURI:   req.RedirectURI,
		AgentLabel:    strings.TrimSpace(req.AgentLabel),
		ExpiresAt:     now.Add(ts.codeTTL),
		CreatedAt:     now,
	}
	if err := ts.store.SaveAuthCode(ctx, ac); err != nil {
		return "", err
	}
	return code, nil
}

// ExchangeCode redeems an authorization code for the user's only token pair.
func (ts *TokenService) ExchangeCode(ctx context.Context, req ExchangeRequest) (TokenResponse, error) {
	now := ts.now()

	ac, err := ts.store.GetAuthCode(ctx, req.Code)
	if errors.Is(err, ErrNotFound) {
		return TokenResponse{}, fmt.Errorf("%w: code not found", ErrInvalidGrant)
	}
	if err != nil {
		return TokenResponse{}, err
	}
	if ac.Used {
		return TokenResponse{}, fmt.Errorf("%w: code already used", ErrInvalidGrant)
	}
	if !now.Before(ac.ExpiresAt) {
		return TokenResponse{}, fmt.Errorf("%w: code expired at %s", ErrInvalidGrant, ac.ExpiresAt.Format(time.RFC3339))
	}
	if ac.RedirectURI != "" && req.RedirectURI != ac.RedirectURI {
		return TokenResponse{}, fmt.Errorf("%w: redirect_uri mismatch", ErrInvalidGrant)
	}
	if ts.bindClient && ac.ClientID != req.ClientID {
		return TokenResponse{}, fmt.Errorf("%w: client_id mismatch", ErrInvalidGrant)
	}
	if !VerifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
		return TokenResponse{}, fmt.Errorf("%w: PKCE verification failed", ErrInvalidGrant)
	}

	pair, err := ts.newPair(now)
	if err != nil {
		return TokenResponse{}, err
	}
	if err := ts.store.RedeemAuthCode(ctx, req.Code, now, pair); err != nil {
		if errors.Is(err, ErrCodeUnavailable) {
			return TokenResponse{}, fmt.Errorf("%w: code redeemed concurrently", ErrInvalidGrant)
		}
		return TokenResponse{}, err
	}

	ts.logger.Info("issued token", "user_id", ac.UserID, "agent_label", ac.AgentLabel, "expires_at", pair.ExpiresAt)
	return ts.response(pair), nil
}

// Refresh rotates a refresh token into a new pair for the same user and agent label.
func (ts *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	pair, err := ts.newPair(ts.now())
	if err != nil {
		return TokenResponse{}, err
	}
	stored, err := ts.store.RotateRefreshToken(ctx, refreshToken, pair)
	if errors.Is(err, ErrNotFound) {
		return TokenResponse{}, fmt.Errorf("%w: refresh token not found", ErrInvalidGrant)
	}
	if err != nil {
		return TokenResponse{}, err
	}

	ts.logger.Info("refreshed token", "user_id", stored.UserID, "agent_label", stored.AgentLabel)
	return ts.response(stored), nil
}

// Authenticate resolves a bearer token to its principal and records its use.
func (ts *TokenService) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	now := ts.now()
	pair, user, err := ts.store.LookupAccessToken(ctx, token, now)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, fmt.Errorf("%w: invalid or expired token", ErrUnauthorized)
	}
	if err != nil {
		return Principal{}, err
	}
	if user.Disabled {
		return Principal{}, fmt.Errorf("%w: user %s is disabled", ErrUnauthorized, user.Username)
	}
	if !user.Confirmed {
		return Principal{}, fmt.Errorf("%w: user %s is not confirmed", ErrUnauthorized, user.Username)
	}

	if err := ts.store.TouchAccessToken(ctx, token, now); err != nil {
		ts.logger.Warn("failed to update last_used_at", "error", err, "user_id", user.ID)
	}

	label := pair.AgentLabel
	if label == "" {
		label = user.Username
	}
	return Principal{
		User:         user,
		AgentLabel:   label,
		IsSuperadmin: ts.IsSuperadmin(user),
	}, nil
}

// IsSuperadmin reports whether user owns the configured superadmin email.
func (ts *TokenService) IsSuperadmin(user User) bool {
	return ts.superadminEmail != "" && strings.EqualFold(user.Email, ts.superadminEmail)
}

// Revoke deletes every token pair held by the user.
func (ts *TokenService) Revoke(ctx context.Context, userID string) (int64, error) {
	n, err := ts.store.DeleteTokensForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	ts.logger.Info("revoked tokens", "user_id", userID, "count", n)
	return n, nil
}

func (ts *TokenService) newPair(now time.Time) (TokenPair, error) {
	access, err := GenerateToken()
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := GenerateToken()
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		Scope:        ts.scope,
		ExpiresAt:    now.Add(ts.accessTTL),
	}, nil
}

func (ts *TokenService) response(pair TokenPair) TokenResponse {
	return TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	}
}
