package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/kiranshivaraju/tfsbridge/internal/api/middleware"
	"github.com/kiranshivaraju/tfsbridge/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler    http.HandlerFunc
	PreChainHandler  http.HandlerFunc
	PreBuildHandler  http.HandlerFunc
	PostBuildHandler http.HandlerFunc
	PostChainHandler http.HandlerFunc
	PublishHandler   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/hooks", func(r chi.Router) {
			r.Post("/pre-chain", orNotImplemented(deps.PreChainHandler))
			r.Post("/pre-build", orNotImplemented(deps.PreBuildHandler))
			r.Post("/post-build", orNotImplemented(deps.PostBuildHandler))
			r.Post("/post-chain", orNotImplemented(deps.PostChainHandler))
		})

		// Asynchronous delivery through the broker, when one is configured.
		r.Post("/api/v1/events", orNotImplemented(deps.PublishHandler))
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
