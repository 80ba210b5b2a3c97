package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RedirectPolicy is the redirect URI allow-list shared by registration and authorization.
type RedirectPolicy struct {
	domains []string
}

// NewRedirectPolicy builds a policy from bare hostnames.
func NewRedirectPolicy(domains []string) RedirectPolicy {
	clean := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			clean = append(clean, strings.TrimSuffix(d, "."))
		}
	}
	return RedirectPolicy{domains: clean}
}

// Domains returns the allowed hostnames.
func (p RedirectPolicy) Domains() []string {
	return append([]string(nil), p.domains...)
}

// Allowed reports whether uri is an absolute https URL whose host is an allowed
// domain or a subdomain of one.
func (p RedirectPolicy) Allowed(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	if u.Scheme != "https" || u.User != nil || u.Opaque != "" {
		return false
	}
	return p.HostAllowed(u.Hostname())
}

// HostAllowed matches a bare hostname against the allow-list.
func (p RedirectPolicy) HostAllowed(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	for _, d := range p.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// RegistrationRequest is the subset of RFC 7591 client metadata the server reads.
type RegistrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name"`
}

// RegistrationResponse is the client information response. Only fields set through
// the builder are echoed back to the client.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

type registrationBuilder struct {
	resp RegistrationResponse
}

func newRegistrationBuilder(clientID string, issuedAt time.Time) *registrationBuilder {
	return &registrationBuilder{resp: RegistrationResponse{
		ClientID:                clientID,
		ClientIDIssuedAt:        issuedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            []string{},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	}}
}

func (b *registrationBuilder) redirectURIs(uris []string) *registrationBuilder {
	b.resp.RedirectURIs = append([]string{}, uris...)
	return b
}

func (b *registrationBuilder) clientName(name string) *registrationBuilder {
	b.resp.ClientName = strings.TrimSpace(name)
	return b
}

func (b *registrationBuilder) build() RegistrationResponse {
	return b.resp
}

// ClientRegistrar handles dynamic client registration for public clients.
type ClientRegistrar struct {
	policy  RedirectPolicy
	store   OAuthStore
	prefix  string
	persist bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewClientRegistrar builds a registrar from configuration. Clients are persisted only
// when oauth.require_registered_clients is set.
func NewClientRegistrar(cfg Config, store OAuthStore, logger *slog.Logger) *ClientRegistrar {
	prefix := cfg.OAuth.ClientIDPrefix
	if prefix == "" {
		prefix = DefaultClientIDPrefix
	}
	return &ClientRegistrar{
		policy:  NewRedirectPolicy(cfg.OAuth.AllowedRedirectDomains),
		store:   store,
		prefix:  prefix,
		persist: cfg.OAuth.RequireRegisteredClients,
		logger:  logger.With("component", "registrar"),
		now:     time.Now,
	}
}

// Policy exposes the redirect allow-list.
func (cr *ClientRegistrar) Policy() RedirectPolicy {
	return cr.policy
}

// Register validates redirect URIs and issues a fresh client_id.
func (cr *ClientRegistrar) Register(ctx context.Context, req RegistrationRequest) (RegistrationResponse, error) {
	// A client without redirect URIs may still register; the authorize endpoint
	// applies the policy to each redirect it is asked to use.
	if req.RedirectURIs == nil {
		req.RedirectURIs = []string{}
	}
	for _, uri := range req.RedirectURIs {
		if !cr.policy.Allowed(uri) {
			cr.logger.Warn("registration rejected", "redirect_uri", uri)
			return RegistrationResponse{}, &OAuthError{
				Status:      http.StatusBadRequest,
				Code:        "invalid_redirect_uri",
				Description: fmt.Sprintf("redirect_uri not allowed: %s", uri),
			}
		}
	}

	now := cr.now()
	clientID := cr.prefix + uuid.NewString()

	if cr.persist {
		client := Client{
			ClientID:     clientID,
			ClientName:   strings.TrimSpace(req.ClientName),
			RedirectURIs: req.RedirectURIs,
			CreatedAt:    now,
		}
		if err := cr.store.SaveClient(ctx, client); err != nil {
			return RegistrationResponse{}, fmt.Errorf("save client: %w", err)
		}
	}

	cr.logger.Info("client registered", "client_id", clientID, "client_name", req.ClientName, "persisted", cr.persist)

	return newRegistrationBuilder(clientID, now).
		redirectURIs(req.RedirectURIs).
		clientName(req.ClientName).
		build(), nil
}

// CheckClient verifies a client_id/redirect_uri combination when registration is
// enforced. Without enforcement every client_id is accepted as informational.
func (cr *ClientRegistrar) CheckClient(ctx context.Context, clientID, redirectURI string) error {
	if !cr.persist {
		return nil
	}
	if clientID == "" {
		return errors.New("client_id required")
	}
	client, err := cr.store.GetClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("client %q: %w", clientID, err)
	}
	if redirectURI != "" && !client.AllowsRedirect(redirectURI) {
		return fmt.Errorf("redirect_uri not registered for client %q", clientID)
	}
	return nil
}
