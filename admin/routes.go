package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	// Liveness stays open for health checks
	r.Get("/healthz", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(chiAuthMiddleware)

		r.Get("/stats", handlers.handleStats)
		r.Get("/options", handlers.handleOptions)
		r.Get("/threads", handlers.handleThreads)
		r.Get("/segments", handlers.handleSegments)
		r.Post("/collect", handlers.handleCollect)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}
