package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/", a.handleIndex)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Get("/logout", a.handleLogout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Get("/user", a.handleUser)

		r.Get("/logs", a.handleLogs)
		r.Post("/logs", a.handleClearLogs)
		r.Post("/logs/clear", a.handleClearLogs)

		r.Route("/platform", func(r chi.Router) {
			r.Get("/profile", a.handlePlatformProfile)
			r.Get("/storage/instances", a.handlePlatformInstances)
			r.Get("/storage/instances/{instanceId}", a.handlePlatformInstance)
			r.Get("/storage/instances/{instanceId}/dataelements", a.handlePlatformDataElements)
			r.Get("/storage/instances/{instanceId}/events", a.handlePlatformEvents)
		})

		r.Route("/app", func(r chi.Router) {
			r.Get("/metadata", a.handleAppMetadata)
			r.Get("/instances", a.handleAppInstances)
			r.Post("/instances", a.handleAppInstances)
		})

		// Older paths kept for existing bookmarks and scripts.
		r.Get("/altinn/profile", a.handlePlatformProfile)
		r.Get("/altinn/instances", a.handlePlatformInstances)
	})

	return r
}
