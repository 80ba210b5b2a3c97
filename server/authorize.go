package server

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
)

// authorizeParams are the OAuth parameters carried through the login form.
type authorizeParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
}

func authorizeParamsFrom(v url.Values) authorizeParams {
	method := v.Get("code_challenge_method")
	if method == "" {
		method = "S256"
	}
	return authorizeParams{
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		ResponseType:        v.Get("response_type"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: method,
		State:               v.Get("state"),
	}
}

// resolvedRedirect falls back to the configured default callback.
func (a *App) resolvedRedirect(p authorizeParams) string {
	if p.RedirectURI != "" {
		return p.RedirectURI
	}
	return a.Config.OAuth.DefaultRedirectURI
}

type loginView struct {
	Params     authorizeParams
	Username   string
	AgentLabel string
	Error      string
}

func (a *App) handleAuthorizeForm(w http.ResponseWriter, r *http.Request) {
	p := authorizeParamsFrom(r.URL.Query())

	if p.ResponseType != "code" || p.CodeChallenge == "" || p.CodeChallengeMethod != "S256" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	redirect := a.resolvedRedirect(p)
	if !a.Clients.Policy().Allowed(redirect) {
		a.Logger.Warn("authorize rejected", "reason", "redirect_uri not allowed", "redirect_uri", redirect)
		http.Error(w, "Invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if err := a.Clients.CheckClient(r.Context(), p.ClientID, redirect); err != nil {
		a.Logger.Warn("authorize rejected", "reason", err.Error())
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	a.renderLogin(w, http.StatusOK, loginView{Params: p})
}

func (a *App) handleAuthorizeSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	p := authorizeParamsFrom(r.PostForm)
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")
	agentLabel := r.PostForm.Get("agent_label")

	user, err := a.Store.FindActiveUser(r.Context(), username)
	ok := false
	switch {
	case err == nil:
		ok, err = VerifyPassword(password, user.PasswordHash)
		if err != nil {
			a.Logger.Error("password verification failed", "error", err, "user_id", user.ID)
		}
	case errors.Is(err, ErrNotFound):
		ok = verifyUnknownUser(password)
	default:
		a.Logger.Error("user lookup failed", "error", err)
	}
	if !ok {
		a.Logger.Warn("authorize login failed", "username", username)
		a.renderLogin(w, http.StatusUnauthorized, loginView{
			Params:     p,
			Username:   username,
			AgentLabel: agentLabel,
			Error:      "Invalid username or password.",
		})
		return
	}

	redirect := a.resolvedRedirect(p)
	if !a.Clients.Policy().Allowed(redirect) {
		a.Logger.Warn("authorize rejected", "reason", "redirect_uri not allowed", "redirect_uri", redirect)
		http.Error(w, "Invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if p.CodeChallenge == "" || p.CodeChallengeMethod != "S256" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := a.Clients.CheckClient(r.Context(), p.ClientID, redirect); err != nil {
		a.Logger.Warn("authorize rejected", "reason", err.Error())
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	code, err := a.Tokens.IssueCode(r.Context(), CodeRequest{
		UserID:        user.ID,
		ClientID:      p.ClientID,
		CodeChallenge: p.CodeChallenge,
		RedirectURI:   redirect,
		AgentLabel:    agentLabel,
	})
	if err != nil {
		a.Logger.Error("issue code failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	target, err := url.Parse(redirect)
	if err != nil {
		http.Error(w, "Invalid redirect_uri", http.StatusBadRequest)
		return
	}
	values := target.Query()
	values.Set("code", code)
	if p.State != "" {
		values.Set("state", p.State)
	}
	target.RawQuery = values.Encode()

	a.Logger.Info("authorize success", "user", user.Username, "redirect_host", target.Host)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (a *App) renderLogin(w http.ResponseWriter, status int, view loginView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render login", "error", err)
	}
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Connect an agent</title>
<style>
* { box-sizing: border-box; margin: 0; padding: 0; }
body { font-family: system-ui, sans-serif; background: #f5f5f5; display: flex; align-items: center; justify-content: center; min-height: 100vh; }
.card { background: #fff; border: 1px solid #e5e7eb; border-radius: 8px; padding: 2rem; width: 100%; max-width: 380px; }
h1 { font-size: 1.25rem; margin-bottom: 0.5rem; }
p { color: #6b7280; font-size: 0.875rem; margin-bottom: 1.5rem; }
label { display: block; font-size: 0.875rem; font-weight: 500; margin-bottom: 0.25rem; }
input { width: 100%; border: 1px solid #d1d5db; border-radius: 6px; padding: 0.5rem 0.75rem; margin-bottom: 1rem; }
button { width: 100%; background: #2563eb; color: #fff; border: none; border-radius: 6px; padding: 0.625rem; cursor: pointer; }
.error { background: #fef2f2; border: 1px solid #fecaca; color: #dc2626; padding: 0.5rem 0.75rem; border-radius: 6px; margin-bottom: 1rem; }
</style>
</head>
<body>
<div class="card">
  <h1>Connect an agent</h1>
  <p>Sign in to authorize your agent.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST" action="/oauth/authorize">
    <input type="hidden" name="client_id" value="{{.Params.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.Params.RedirectURI}}">
    <input type="hidden" name="response_type" value="code">
    <input type="hidden" name="code_challenge" value="{{.Params.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.Params.CodeChallengeMethod}}">
    <input type="hidden" name="state" value="{{.Params.State}}">
    <label for="username">Username</label>
    <input id="username" name="username" type="text" value="{{.Username}}" autocomplete="username" required>
    <label for="password">Password</label>
    <input id="password" name="password" type="password" autocomplete="current-password" required>
    <label for="agent_label">Connection name (optional)</label>
    <input id="agent_label" name="agent_label" type="text" value="{{.AgentLabel}}" placeholder="e.g. Work laptop">
    <button type="submit">Authorize</button>
  </form>
</div>
</body>
</html>`))
