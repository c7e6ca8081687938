package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the forward-auth, OIDC and admin endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.Metrics.Handler())

	ep := a.Config.Endpoints
	auth := a.Config.Auth
	r.Get(ep.Root+"/auth", a.handleAuth)
	r.Get(ep.Root+"/me", a.handleMe)
	r.Get(ep.Root+"/login", a.redirectTo(auth.LoginHandler))
	r.Get(ep.Root+"/logout", a.handleRootLogout)
	r.Get(ep.Root+"/token", a.redirectTo(auth.TokenHandler))

	r.Get(ep.OIDC+"/login", a.handleLogin)
	r.Get(ep.OIDC+"/callback", a.handleCallback)
	r.Get(ep.OIDC+"/logout", a.handleLogout)
	r.Get(ep.OIDC+"/token", a.handleToken)
	r.Get(ep.OIDC+"/token/redirect", a.handleTokenRedirect)

	r.Get(ep.Info+"/query", a.handleInfoQuery)

	if a.Admin != nil {
		r.Route(ep.Manager, a.adminRoutes)
	}

	return r
}
