package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/pixelforge/pixelforge/internal/api/middleware"
	"github.com/pixelforge/pixelforge/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	FilesHandler  http.HandlerFunc

	SubmitJobHandler http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	ListJobsHandler  http.HandlerFunc
	DeleteJobHandler http.HandlerFunc

	StreamHandler http.HandlerFunc

	GetToolHandler http.HandlerFunc

	GetBalanceHandler http.HandlerFunc
	ListLedgerHandler http.HandlerFunc

	CreateKeyHandler    http.HandlerFunc
	GrantCreditsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes: health, and stored media gated by URL signature.
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Get("/files/*", orNotImplemented(deps.FilesHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.DeleteJobHandler))

		r.Get("/api/v1/stream", orNotImplemented(deps.StreamHandler))
		r.Get("/api/v1/jobs/{jobID}/stream", orNotImplemented(deps.StreamHandler))

		r.Get("/api/v1/tools/{slug}", orNotImplemented(deps.GetToolHandler))

		r.Get("/api/v1/credits", orNotImplemented(deps.GetBalanceHandler))
		r.Get("/api/v1/credits/ledger", orNotImplemented(deps.ListLedgerHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Post("/api/v1/admin/credits", orNotImplemented(deps.GrantCreditsHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
