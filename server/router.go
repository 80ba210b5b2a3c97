package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: discovery, OAuth endpoints, the bearer-gated MCP
// transports and the admin console.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/health", a.handleHealth)

	r.Get("/.well-known/oauth-authorization-server", a.handleAuthorizationServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", a.handleProtectedResourceMetadata)
	r.Get("/.well-known/oauth-protected-resource/*", a.handleProtectedResourceMetadata)

	limited := RateLimit(a.Limiter, a.clientKey, a.Logger)
	r.Route("/oauth", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Get("/authorize", a.handleAuthorizeForm)
		r.With(limited).Post("/authorize", a.handleAuthorizeSubmit)
		r.With(limited).Post("/token", a.handleToken)
	})

	base := a.Config.BaseURL()
	sse, message := a.MCP.SSEHandlers(base, "/mcp")
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(a.Tokens, base, a.Logger))
		r.Handle("/mcp", a.MCP.StreamableHandler("/mcp"))
		r.Get("/mcp/sse", sse.ServeHTTP)
		r.Post("/mcp/message", message.ServeHTTP)
	})

	r.Route("/admin", a.adminRoutes)

	return r
}
