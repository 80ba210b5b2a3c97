package server

import "net/http"

// DiscoveryDocument is a simple alias for discovery metadata.
type DiscoveryDocument map[string]any

// BuildAuthorizationServerMetadata constructs the RFC 8414 document.
func BuildAuthorizationServerMetadata(cfg Config) DiscoveryDocument {
	issuer := cfg.BaseURL()
	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"scopes_supported":                      []string{"read", "write"},
	}
}

// BuildProtectedResourceMetadata constructs the RFC 9728 document.
func BuildProtectedResourceMetadata(cfg Config) DiscoveryDocument {
	base := cfg.BaseURL()
	return DiscoveryDocument{
		"resource":                 base,
		"authorization_servers":    []string{base},
		"bearer_methods_supported": []string{"header"},
		"scopes_supported":         []string{"read", "write"},
	}
}

func (a *App) handleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildAuthorizationServerMetadata(a.Config))
}

func (a *App) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildProtectedResourceMetadata(a.Config))
}
