package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// allowedOrigins configures CORS; an empty list disables cross-origin access.
func NewRouter(svc Service, authEnabled bool, token string, sseHandler http.Handler, allowedOrigins []string) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Use(AuthMiddleware(authEnabled, token))

	// Vault-scoped reads.
	r.Get("/vaults/{vaultID}/artifacts", h.ListArtifacts)
	r.Get("/vaults/{vaultID}/search", h.Search)

	// Artifacts.
	r.Get("/artifacts/{artifactID}", h.GetArtifact)
	r.Delete("/artifacts/{artifactID}", h.DeleteArtifact)
	r.Post("/artifacts/{artifactID}/parse", h.Reparse)
	r.Get("/artifacts/{artifactID}/jobs", h.ListJobs)

	// Jobs.
	r.Get("/jobs/{jobID}", h.GetJob)
	r.Get("/jobs/{jobID}/chunks", h.ListChunks)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
