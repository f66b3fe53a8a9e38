package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the authorization server, the
// tool protocol endpoint and operational endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(a.Metrics.Middleware)
	r.Use(CORSMiddleware(a.Config.InferCORSOrigins()))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(DefaultHSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.Metrics.Handler())

	r.Get("/.well-known/oauth-authorization-server", a.handleDiscovery)
	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/oauth-protected-resource", a.handleProtectedResource)

	r.Group(func(r chi.Router) {
		if a.Limiter != nil {
			r.Use(RateLimitMiddleware(a.Limiter, a.Config.Server.TrustProxyHeaders, a.Metrics.RateLimited))
		}
		r.Get("/authorize", a.handleAuthorize)
		r.Get("/callback/{provider}", a.handleCallback)
		r.Post("/token", a.handleToken)

		if a.Dev != nil {
			r.Get("/dev/consent", a.handleDevConsentForm)
			r.Post("/dev/consent", a.handleDevConsentSubmit)
		}
	})

	r.Get("/auth/session", a.handleSessionStatus)
	r.Post("/auth/logout", a.handleLogout)

	r.Post("/mcp", a.handleMCPPost)
	r.Get("/mcp", a.handleMCPStream)
	r.Delete("/mcp", a.handleMCPDelete)

	if a.Workflow != nil {
		r.Handle(workflowPrefix+"/*", a.Workflow)
	}

	return r
}
