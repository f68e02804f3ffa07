package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/observatoryhq/observatory/internal/api/handler"
	mw "github.com/observatoryhq/observatory/internal/api/middleware"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	Analyze *handler.Analyze
	Batch   *handler.Batch

	HealthHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
// Every analysis route sits behind the admission gate: credential resolution
// first, then the rate limiter.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", deps.HealthHandler)

	// Admission-controlled routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/analyze", deps.Analyze.Submit)
		r.Get("/api/v1/analyze/{jobID}", deps.Analyze.Poll)
		r.Delete("/api/v1/analyze/{jobID}", deps.Analyze.Cancel)

		r.Post("/api/v1/analyze/batch", deps.Batch.Submit)
		r.Get("/api/v1/analyze/batch/{batchID}", deps.Batch.Status)
		r.Delete("/api/v1/analyze/batch/{batchID}", deps.Batch.Cancel)
		r.Patch("/api/v1/analyze/batch/{batchID}/priority", deps.Batch.Reprioritize)

		r.Get("/api/v1/queue/stats", deps.Batch.Stats)
	})

	return r
}
