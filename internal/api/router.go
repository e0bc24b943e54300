package api

import (
	"net/http"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg *config.Config, handler *Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", handler.HealthCheck)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(handler.store))
			r.Use(AuditMiddleware(handler.store))
			r.Use(RateLimitMiddleware(cfg.RateLimits.RequestsPerMinute))

			r.Post("/submissions/evaluate", handler.EvaluateSubmission)
			r.Get("/submissions/{id}/flags", handler.ListFlags)

			r.Post("/fraud/fast-check", handler.FastCheck)
			r.Get("/fraud/checks", handler.ListFraudChecks)
			r.Get("/fraud/checks/{id}", handler.GetFraudCheck)

			r.Post("/fraud/slow-checks", handler.QueueSlowCheck)
			r.Get("/fraud/slow-checks", handler.ListSlowChecks)
			r.Get("/fraud/slow-checks/{id}", handler.GetSlowCheck)

			r.Get("/audit", handler.GetAuditLogs)
		})

		// Admin routes (API key management)
		// In production, these should be protected differently
		r.Route("/admin", func(r chi.Router) {
			r.Post("/keys", handler.CreateAPIKey)
			r.Get("/keys", handler.ListAPIKeys)
			r.Delete("/keys/{id}", handler.DeleteAPIKey)
		})
	})

	return r
}
