// Package client implements the agent side of the taskmcp authorization flow:
// discovery, dynamic client registration and the PKCE authorization code grant.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// AgentConfig configures an Agent.
type AgentConfig struct {
	BaseURL     string
	ClientName  string
	RedirectURI string
	Scopes      []string
	HTTPClient  *http.Client
}

// Metadata is the subset of RFC 8414 authorization server metadata the agent uses.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	ScopesSupported               []string `json:"scopes_supported"`
}

// Registration is the dynamic client registration response.
type Registration struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// Agent drives the OAuth flow against a taskmcp server.
type Agent struct {
	cfg    AgentConfig
	client *http.Client

	mu   sync.Mutex
	meta *Metadata
	reg  *Registration
}

// NewAgent creates an agent with sane defaults.
func NewAgent(cfg AgentConfig) *Agent {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read", "write"}
	}
	return &Agent{cfg: cfg, client: client}
}

// Discover fetches and caches the authorization server metadata.
func (a *Agent) Discover(ctx context.Context) (Metadata, error) {
	a.mu.Lock()
	if a.meta != nil {
		m := *a.meta
		a.mu.Unlock()
		return m, nil
	}
	a.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/.well-known/oauth-authorization-server", nil)
	if err != nil {
		return Metadata{}, err
	}
	req.Header.Set("Accept", "application/json")

	var meta Metadata
	if err := a.do(req, http.StatusOK, &meta); err != nil {
		return Metadata{}, fmt.Errorf("discovery: %w", err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return Metadata{}, errors.New("discovery: metadata missing endpoints")
	}
	if !contains(meta.CodeChallengeMethodsSupported, "S256") {
		return Metadata{}, errors.New("discovery: server does not support S256 PKCE")
	}

	a.mu.Lock()
	a.meta = &meta
	a.mu.Unlock()
	return meta, nil
}

// Register performs dynamic client registration with the configured redirect URI.
func (a *Agent) Register(ctx context.Context) (Registration, error) {
	meta, err := a.Discover(ctx)
	if err != nil {
		return Registration{}, err
	}
	if meta.RegistrationEndpoint == "" {
		return Registration{}, errors.New("register: server does not advertise a registration endpoint")
	}

	body, err := json.Marshal(map[string]any{
		"redirect_uris": []string{a.cfg.RedirectURI},
		"client_name":   a.cfg.ClientName,
	})
	if err != nil {
		return Registration{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return Registration{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var reg Registration
	if err := a.do(req, http.StatusCreated, &reg); err != nil {
		return Registration{}, fmt.Errorf("register: %w", err)
	}

	a.mu.Lock()
	a.reg = &reg
	a.mu.Unlock()
	return reg, nil
}

// OAuth2Config returns the oauth2 configuration for the registered client.
func (a *Agent) OAuth2Config() (*oauth2.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.meta == nil || a.reg == nil {
		return nil, errors.New("agent not registered")
	}
	return &oauth2.Config{
		ClientID: a.reg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   a.meta.AuthorizationEndpoint,
			TokenURL:  a.meta.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: a.cfg.RedirectURI,
		Scopes:      a.cfg.Scopes,
	}, nil
}

// AuthCodeURL returns the authorization URL and the PKCE verifier to keep for Exchange.
func (a *Agent) AuthCodeURL(state string) (string, string, error) {
	conf, err := a.OAuth2Config()
	if err != nil {
		return "", "", err
	}
	verifier := oauth2.GenerateVerifier()
	return conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), verifier, nil
}

// Exchange redeems an authorization code.
func (a *Agent) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	conf, err := a.OAuth2Config()
	if err != nil {
		return nil, err
	}
	return conf.Exchange(a.clientContext(ctx), code, oauth2.VerifierOption(verifier))
}

// TokenSource returns a source that rotates tok through the refresh grant.
func (a *Agent) TokenSource(ctx context.Context, tok *oauth2.Token) (oauth2.TokenSource, error) {
	conf, err := a.OAuth2Config()
	if err != nil {
		return nil, err
	}
	return conf.TokenSource(a.clientContext(ctx), tok), nil
}

// Client returns an HTTP client that authenticates with tok and refreshes it on expiry.
func (a *Agent) Client(ctx context.Context, tok *oauth2.Token) (*http.Client, error) {
	src, err := a.TokenSource(ctx, tok)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(a.clientContext(ctx), src), nil
}

func (a *Agent) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

func (a *Agent) do(req *http.Request, want int, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		var oe struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.Unmarshal(body, &oe) == nil && oe.Error != "" {
			if oe.Description != "" {
				return fmt.Errorf("status %d: %s: %s", resp.StatusCode, oe.Error, oe.Description)
			}
			return fmt.Errorf("status %d: %s", resp.StatusCode, oe.Error)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
