package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/promptbatch/promptbatch/internal/api/middleware"
	"github.com/promptbatch/promptbatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJob  http.HandlerFunc
	GetJob     http.HandlerFunc
	ListJobs   http.HandlerFunc
	CancelJob  http.HandlerFunc
	ListTasks  http.HandlerFunc
	GetResult  http.HandlerFunc
	IngestFile http.HandlerFunc
	GetFile    http.HandlerFunc

	CreatePrompt http.HandlerFunc
	GetPrompt    http.HandlerFunc
	ListModels   http.HandlerFunc

	RefreshModels   http.HandlerFunc
	SetModelEnabled http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJob))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))
		r.Get("/api/v1/jobs/{jobID}/tasks", orNotImplemented(deps.ListTasks))
		r.Get("/api/v1/jobs/{jobID}/result", orNotImplemented(deps.GetResult))

		r.Post("/api/v1/files", orNotImplemented(deps.IngestFile))
		r.Get("/api/v1/files/{fileID}", orNotImplemented(deps.GetFile))

		r.Post("/api/v1/prompts", orNotImplemented(deps.CreatePrompt))
		r.Get("/api/v1/prompts/{promptID}", orNotImplemented(deps.GetPrompt))

		r.Get("/api/v1/models", orNotImplemented(deps.ListModels))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/models/refresh", orNotImplemented(deps.RefreshModels))
			r.Put("/api/v1/admin/models/{name}", orNotImplemented(deps.SetModelEnabled))
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
