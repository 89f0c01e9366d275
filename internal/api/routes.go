package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.With(h.deps.Limiter.Middleware).Post("/reconnect", h.Reconnect)
			r.Get("/stats", h.Stats)
			r.Get("/ws", h.WebSocket)

			r.Route("/entities/{entity}/{id}", func(r chi.Router) {
				r.Get("/", h.GetEntity)
				r.Put("/", h.PutEntity)
				r.Patch("/", h.PatchEntity)
				r.Delete("/", h.DeleteEntity)
			})
		})
	})

	return r
}
