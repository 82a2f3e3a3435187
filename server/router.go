package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: the auth actions under {mount}/auth,
// the proxy catch-all under {mount}, and 404 for everything else. chi
// matches path segments, not string prefixes, so a mount of /api/mal can
// never capture /api/malicious.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware)
	}

	r.Route(a.Config.Server.MountPath, func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Get("/"+actionSignIn, a.handleAuthAction(actionSignIn))
			r.Get("/"+actionSignOut, a.handleAuthAction(actionSignOut))
			r.Get("/"+actionCallback, a.handleAuthAction(actionCallback))
			r.Get("/"+actionToken, a.handleAuthAction(actionToken))
			r.Get("/"+actionSession, a.handleAuthAction(actionSession))
			r.NotFound(a.handleUnknownAuthAction)
		})

		r.Handle("/*", a.proxyHandler())
	})

	return r
}

// proxyHandler routes non-auth requests through the interception hook when
// one is configured, else straight to the forwarder.
func (a *App) proxyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Hooks.OnProxyRequest != nil {
			a.Hooks.OnProxyRequest(w, r, a.Proxy)
			return
		}
		a.Proxy.ServeHTTP(w, r)
	}
}
