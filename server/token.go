package server

import (
	"encoding/json"
	"errors"
	"net/http"
)

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	grantType := r.PostForm.Get("grant_type")
	a.Logger.Info("token request", "grant_type", grantType, "ip", ClientIP(r, a.Config.Server.TrustProxyHeaders))

	switch grantType {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, r)
	case "refresh_token":
		a.handleTokenRefresh(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	if code == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "missing code")
		return
	}

	resp, err := a.Tokens.ExchangeCode(r.Context(), ExchangeRequest{
		Code:         code,
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
	})
	if err != nil {
		a.writeGrantError(w, err, code)
		return
	}
	writeTokenResponse(w, resp)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	refresh := r.PostForm.Get("refresh_token")
	if refresh == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
		return
	}

	resp, err := a.Tokens.Refresh(r.Context(), refresh)
	if err != nil {
		a.writeGrantError(w, err, refresh)
		return
	}
	writeTokenResponse(w, resp)
}

// writeGrantError hides the reason behind a bare invalid_grant and logs it with a
// short prefix of the presented secret.
func (a *App) writeGrantError(w http.ResponseWriter, err error, secret string) {
	if errors.Is(err, ErrInvalidGrant) {
		a.Logger.Warn("token exchange failed", "reason", err.Error(), "prefix", secretPrefix(secret))
		oauthError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}
	a.Logger.Error("token exchange error", "error", err)
	oauthError(w, http.StatusInternalServerError, "server_error", "")
}

func writeTokenResponse(w http.ResponseWriter, resp TokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, resp)
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	// An empty or unparseable body registers a client with no metadata.
	var req RegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		a.Logger.Debug("registration body ignored", "error", err)
		req = RegistrationRequest{}
	}

	resp, err := a.Clients.Register(r.Context(), req)
	if err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) {
			oauthError(w, oe.Status, oe.Code, oe.Description)
			return
		}
		a.Logger.Error("client registration failed", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSONStatus(w, http.StatusCreated, resp)
}

func secretPrefix(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
