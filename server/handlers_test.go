package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func exchange(t *testing.T, h http.Handler, code, verifier string) *httptest.ResponseRecorder {
	t.Helper()
	return postForm(h, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {"claude-test"},
	})
}

func decodeToken(t *testing.T, w *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", w.Code, w.Body.String())
	}
	var tr TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return tr
}

func oauthErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body["error"]
}

func bearerGet(h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func mcpPost(h http.Handler, token, session, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if session != "" {
		req.Header.Set("Mcp-Session-Id", session)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const initializeRequest = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`

func TestOAuthFlowEndToEnd(t *testing.T) {
	app, store := newTestApp(t, nil)
	h := app.Routes()
	seedUser(t, store, "alice", "secret", RoleMember)

	reg := httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(`{"redirect_uris":["`+testRedirectURI+`"],"client_name":"Claude"}`))
	reg.Header.Set("Content-Type", "application/json")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, reg)
	if rw.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rw.Code, rw.Body.String())
	}
	var regResp RegistrationResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &regResp); err != nil {
		t.Fatalf("decode registration: %v", err)
	}
	if !strings.HasPrefix(regResp.ClientID, "claude-") || regResp.TokenEndpointAuthMethod != "none" {
		t.Fatalf("registration = %+v", regResp)
	}

	verifier, challenge := pkcePair(t)
	code := authorizeCode(t, h, "alice", "secret", "Work laptop", challenge)
	tr := decodeToken(t, exchange(t, h, code, verifier))
	if tr.TokenType != "Bearer" || tr.ExpiresIn != 3600 || tr.Scope != "read write" {
		t.Fatalf("token response = %+v", tr)
	}

	if w := exchange(t, h, code, verifier); w.Code != http.StatusBadRequest || oauthErrorCode(t, w) != "invalid_grant" {
		t.Fatalf("replayed code: status = %d body = %s", w.Code, w.Body.String())
	}

	w := mcpPost(h, tr.AccessToken, "", initializeRequest)
	if w.Code != http.StatusOK {
		t.Fatalf("initialize status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "taskmcp") {
		t.Fatalf("initialize body = %s", w.Body.String())
	}

	refreshed := decodeToken(t, postForm(h, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tr.RefreshToken},
	}))
	if refreshed.AccessToken == tr.AccessToken {
		t.Fatal("refresh returned the same access token")
	}
	if w := mcpPost(h, tr.AccessToken, "", initializeRequest); w.Code != http.StatusUnauthorized {
		t.Fatalf("rotated-out token status = %d", w.Code)
	}
	if w := mcpPost(h, refreshed.AccessToken, "", initializeRequest); w.Code != http.StatusOK {
		t.Fatalf("refreshed token status = %d", w.Code)
	}
}

func TestMCPToolCallOverHTTP(t *testing.T) {
	app, store := newTestApp(t, nil)
	h := app.Routes()
	seedUser(t, store, "alice", "secret", RoleMember)

	verifier, challenge := pkcePair(t)
	tr := decodeToken(t, exchange(t, h, authorizeCode(t, h, "alice", "secret", "cli", challenge), verifier))

	init := mcpPost(h, tr.AccessToken, "", initializeRequest)
	if init.Code != http.StatusOK {
		t.Fatalf("initialize status = %d", init.Code)
	}
	session := init.Header().Get("Mcp-Session-Id")

	call := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"whoami","arguments":{}}}`
	w := mcpPost(h, tr.AccessToken, session, call)
	if w.Code != http.StatusOK {
		t.Fatalf("tools/call status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `\"agent_label\": \"cli\"`) {
		t.Fatalf("whoami body = %s", w.Body.String())
	}

	entries, err := store.ListActivity(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListActivity: %v", err)
	}
	if len(entries) != 1 || entries[0].ToolName != "whoami" || entries[0].AgentLabel != "cli" {
		t.Fatalf("activity = %+v", entries)
	}
}

func TestSecondLoginInvalidatesFirstToken(t *testing.T) {
	app, store := newTestApp(t, nil)
	h := app.Routes()
	seedUser(t, store, "alice", "secret", RoleMember)

	v1, c1 := pkcePair(t)
	first := decodeToken(t, exchange(t, h, authorizeCode(t, h, "alice", "secret", "one", c1), v1))
	v2, c2 := pkcePair(t)
	second := decodeToken(t, exchange(t, h, authorizeCode(t, h, "alice", "secret", "two", c2), v2))

	if w := mcpPost(h, first.AccessToken, "", initializeRequest); w.Code != http.StatusUnauthorized {
		t.Fatalf("first token status = %d, want 401", w.Code)
	}
	if w := mcpPost(h, second.AccessToken, "", initializeRequest); w.Code != http.StatusOK {
		t.Fatalf("second token status = %d, want 200", w.Code)
	}
}

func TestExpiredCodeRejected(t *testing.T) {
	app, store := newTestApp(t, nil)
	h := app.Routes()
	seedUser(t, store, "alice", "secret", RoleMember)

	verifier, challenge := pkcePair(t)
	code := authorizeCode(t, h, "alice", "secret", "", challenge)

	later := time.Now().Add(6 * time.Minute)
	app.Tokens.now = func() time.Time { return later }
	w := exchange(t, h, code, verifier)
	if w.Code != http.StatusBadRequest || oauthErrorCode(t, w) != "invalid_grant" {
		t.Fatalf("expired code: status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	app, _ := newTestApp(t, nil)
	h := app.Routes()

	tests := []struct {
		name string
		form url.Values
		want string
	}{
		{"unsupported grant", url.Values{"grant_type": {"password"}}, "unsupported_grant_type"},
		{"missing grant", url.Values{}, "unsupported_grant_type"},
		{"missing code", url.Values{"grant_type": {"authorization_code"}}, "invalid_request"},
		{"missing refresh", url.Values{"grant_type": {"refresh_token"}}, "invalid_request"},
		{"unknown refresh", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"nope"}}, "invalid_grant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postForm(h, "/oauth/token", tt.form)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", w.Code)
			}
			if got := oauthErrorCode(t, w); got != tt.want {
				t.Fatalf("error = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTokenEndpointRateLimited(t *testing.T) {
	app, _ := newTestApp(t, nil)
	h := app.Routes()

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"nope"}}
	for i := 0; i < 10; i++ {
		if w := postForm(h, "/oauth/token", form); w.Code != http.StatusBadRequest {
			t.Fatalf("request %d status = %d", i+1, w.Code)
		}
	}
	w := postForm(h, "/oauth/token", form)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if !strings.Contains(w.Body.String(), "Too many requests") {
		t.Fatalf("body = %q", w.Body.String())
	}

	// Unlimited endpoints stay reachable.
	if w := bearerGet(h, "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
}

func TestAuthorizeEndpointRateLimited(t *testing.T) {
	app, store := newTestApp(t, nil)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	limiter := NewFixedWindowLimiter(10, time.Minute)
	limiter.now = clock.now
	app.Limiter = limiter
	h := app.Routes()
	seedUser(t, store, "alice", "secret", RoleMember)
	_, challenge := pkcePair(t)

	form := url.Values{
		"response_type":  {"code"},
		"redirect_uri":   {testRedirectURI},
		"code_challenge": {challenge},
		"username":       {"alice"},
		"password":       {"wrong"},
	}
	for i := 0; i < 10; i++ {
		if w := postForm(h, "/oauth/authorize", form); w.Code != http.StatusUnauthorized {
			t.Fatalf("request %d status = %d", i+1, w.Code)
		}
	}
	w := postForm(h, "/oauth/authorize", form)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q", got)
	}

	// The login form itself is not limited.
	if w := bearerGet(h, "/oauth/authorize?"+url.Values{
		"response_type":  {"code"},
		"redirect_uri":   {testRedirectURI},
		"code_challenge": {challenge},
	}.Encode(), ""); w.Code != http.StatusOK {
		t.Fatalf("GET authorize status = %d", w.Code)
	}

	clock.advance(time.Minute)
	form.Set("password", "secret")
	if w := postForm(h, "/oauth/authorize", form); w.Code != http.StatusFound {
		t.Fatalf("after window status = %d, want 302", w.Code)
	}
}

func TestAuthorizeForm(t *testing.T) {
	app, _ := newTestApp(t, nil)
	h := app.Routes()
	_, challenge := pkcePair(t)

	base := url.Values{
		"response_type":  {"code"},
		"client_id":      {"claude-test"},
		"redirect_uri":   {testRedirectURI},
		"code_challenge": {challenge},
		"state":          {"xyz"},
	}
	w := bearerGet(h, "/oauth/authorize?"+base.Encode(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `value="xyz"`) {
		t.Fatal("state not carried into the form")
	}

	bad := []func(url.Values){
		func(v url.Values) { v.Set("response_type", "token") },
		func(v url.Values) { v.Del("code_challenge") },
		func(v url.Values) { v.Set("code_challenge_method", "plain") },
		func(v url.Values) { v.Set("redirect_uri", "https://evil.example.com/cb") },
		func(v url.Values) { v.Set("redirect_uri", "http://claude.ai/cb") },
	}
	for i, mutate := range bad {
		v := url.Values{}
		for k, vals := range base {
			v[k] = append([]string(nil), vals...)
		}
		mutate(v)
		if w := bearerGet(h, "/oauth/authorize?"+v.Encode(), ""); w.Code != http.StatusBadRequest {
			t.Fatalf("case %d status = %d, want 400", i, w.Code)
		}
	}
}

func TestAuthorizeSubmitFailures(t *testing.T) {
	app, store := newTestApp(t, nil)
	h := app.Routes()
	u := seedUser(t, store, "alice", "secret", RoleMember)
	_, challenge := pkcePair(t)

	form := url.Values{
		"response_type":  {"code"},
		"redirect_uri":   {testRedirectURI},
		"code_challenge": {challenge},
		"username":       {"alice"},
		"password":       {"wrong"},
	}
	w := postForm(h, "/oauth/authorize", form)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "Invalid username or password.") {
		t.Fatalf("bad password: status = %d", w.Code)
	}

	form.Set("username", "nobody")
	w = postForm(h, "/oauth/authorize", form)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "Invalid username or password.") {
		t.Fatalf("unknown user: status = %d", w.Code)
	}
	form.Set("username", "alice")

	if err := store.SetUserDisabled(context.Background(), u.ID, true); err != nil {
		t.Fatalf("SetUserDisabled: %v", err)
	}
	form.Set("password", "secret")
	if w := postForm(h, "/oauth/authorize", form); w.Code != http.StatusUnauthorized {
		t.Fatalf("disabled user status = %d", w.Code)
	}
	if err := store.SetUserDisabled(context.Background(), u.ID, false); err != nil {
		t.Fatalf("SetUserDisabled: %v", err)
	}

	form.Set("redirect_uri", "https://evil.example.com/cb")
	if w := postForm(h, "/oauth/authorize", form); w.Code != http.StatusBadRequest {
		t.Fatalf("bad redirect status = %d", w.Code)
	}

	form.Del("redirect_uri")
	w = postForm(h, "/oauth/authorize", form)
	if w.Code != http.StatusFound {
		t.Fatalf("default redirect status = %d, body = %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, testRedirectURI+"?code=") {
		t.Fatalf("Location = %q", loc)
	}
}

func TestRegisterErrors(t *testing.T) {
	app, _ := newTestApp(t, nil)
	h := app.Routes()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"foreign domain", `{"redirect_uris":["https://evil.example.com/cb"]}`, "invalid_redirect_uri"},
		{"plain http", `{"redirect_uris":["http://claude.ai/cb"]}`, "invalid_redirect_uri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", w.Code)
			}
			if got := oauthErrorCode(t, w); got != tt.want {
				t.Fatalf("error = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegisterWithoutRedirects(t *testing.T) {
	app, _ := newTestApp(t, nil)
	h := app.Routes()

	for _, body := range []string{``, `redirect_uris=x`, `{}`, `{"client_name":"x"}`, `{"redirect_uris":[]}`} {
		req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("body %q: status = %d: %s", body, w.Code, w.Body.String())
		}
		var got struct {
			ClientID     string          `json:"client_id"`
			RedirectURIs json.RawMessage `json:"redirect_uris"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got.ClientID == "" {
			t.Fatalf("body %q: missing client_id", body)
		}
		if string(got.RedirectURIs) != "[]" {
			t.Fatalf("body %q: redirect_uris = %s, want []", body, got.RedirectURIs)
		}
	}
}

func TestRegisteredClientsEnforced(t *testing.T) {
	app, store := newTestApp(t, func(c *Config) { c.OAuth.RequireRegisteredClients = true })
	h := app.Routes()
	seedUser(t, store, "alice", "secret", RoleMember)
	_, challenge := pkcePair(t)

	form := url.Values{
		"response_type":  {"code"},
		"client_id":      {"claude-unknown"},
		"redirect_uri":   {testRedirectURI},
		"code_challenge": {challenge},
		"username":       {"alice"},
		"password":       {"secret"},
	}
	if w := postForm(h, "/oauth/authorize", form); w.Code != http.StatusBadRequest {
		t.Fatalf("unregistered client status = %d", w.Code)
	}

	resp, err := app.Clients.Register(context.Background(), RegistrationRequest{RedirectURIs: []string{testRedirectURI}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	form.Set("client_id", resp.ClientID)
	if w := postForm(h, "/oauth/authorize", form); w.Code != http.StatusFound {
		t.Fatalf("registered client status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestDiscoveryDocuments(t *testing.T) {
	app, _ := newTestApp(t, nil)
	h := app.Routes()

	w := bearerGet(h, "/.well-known/oauth-authorization-server", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var as map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &as); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if as["issuer"] != testBaseURL || as["token_endpoint"] != testBaseURL+"/oauth/token" {
		t.Fatalf("metadata = %v", as)
	}
	methods, _ := as["code_challenge_methods_supported"].([]any)
	if len(methods) != 1 || methods[0] != "S256" {
		t.Fatalf("code_challenge_methods_supported = %v", methods)
	}

	for _, path := range []string{"/.well-known/oauth-protected-resource", "/.well-known/oauth-protected-resource/mcp"} {
		w := bearerGet(h, path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, w.Code)
		}
		var pr map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &pr); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if pr["resource"] != testBaseURL {
			t.Fatalf("%s resource = %v", path, pr["resource"])
		}
	}
}

func TestHealth(t *testing.T) {
	app, _ := newTestApp(t, nil)
	w := bearerGet(app.Routes(), "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
	if _, err := time.Parse(time.RFC3339, body["ts"].(string)); err != nil {
		t.Fatalf("ts: %v", err)
	}
}
