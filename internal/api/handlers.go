package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/myvault/internal/docservice"
	"github.com/starford/myvault/internal/models"
)

// Service is the domain layer behind the API.
type Service interface {
	ListArtifacts(ctx context.Context, vaultID string, limit, offset int) (docservice.ArtifactPage, error)
	GetArtifact(ctx context.Context, id string) (docservice.ArtifactDetail, error)
	RemoveArtifact(ctx context.Context, id string) (models.Artifact, error)
	Reparse(ctx context.Context, id string) (models.ProcessingJob, error)
	ListJobs(ctx context.Context, artifactID string) ([]models.ProcessingJob, error)
	GetJob(ctx context.Context, id string) (models.ProcessingJob, error)
	ListChunks(ctx context.Context, jobID string) ([]models.StructuredChunk, error)
	Search(ctx context.Context, vaultID, query string, limit int) ([]models.SearchHit, error)
}

// Handler holds API route handlers.
type Handler struct {
	svc Service
}

// NewHandler creates a new Handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// ListArtifacts handles GET /api/vaults/{vaultID}/artifacts.
//
//	@Summary		List a vault's artifacts, newest first
//	@Tags			artifacts
//	@Produce		json
//	@Param			vaultID	path		string	true	"Vault ID"
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	ArtifactListResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/vaults/{vaultID}/artifacts [get]
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	page, err := h.svc.ListArtifacts(r.Context(), chi.URLParam(r, "vaultID"), limit, offset)
	if err != nil {
		writeError(w, "list artifacts", err)
		return
	}
	writeJSON(w, http.StatusOK, ArtifactListResponse{Artifacts: page.Items, Total: page.Total})
}

// GetArtifact handles GET /api/artifacts/{artifactID}.
//
//	@Summary		Get an artifact with its latest job
//	@Tags			artifacts
//	@Produce		json
//	@Param			artifactID	path		string	true	"Artifact ID"
//	@Success		200			{object}	ArtifactDetail
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/artifacts/{artifactID} [get]
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetArtifact(r.Context(), chi.URLParam(r, "artifactID"))
	if err != nil {
		writeError(w, "get artifact", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeleteArtifact handles DELETE /api/artifacts/{artifactID}.
//
//	@Summary		Remove an artifact, its blob and derived data
//	@Tags			artifacts
//	@Param			artifactID	path	string	true	"Artifact ID"
//	@Success		204			"Artifact removed"
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/artifacts/{artifactID} [delete]
func (h *Handler) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.RemoveArtifact(r.Context(), chi.URLParam(r, "artifactID")); err != nil {
		writeError(w, "delete artifact", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reparse handles POST /api/artifacts/{artifactID}/parse.
//
// A pending job is answered with 202, a finished one with 200. A failed
// parse still returns the failed job.
//
//	@Summary		Submit an artifact for parsing again
//	@Tags			jobs
//	@Produce		json
//	@Param			artifactID	path		string	true	"Artifact ID"
//	@Success		200			{object}	models.ProcessingJob
//	@Success		202			{object}	models.ProcessingJob
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/artifacts/{artifactID}/parse [post]
func (h *Handler) Reparse(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Reparse(r.Context(), chi.URLParam(r, "artifactID"))
	if err != nil && job.ID == "" {
		writeError(w, "reparse", err)
		return
	}
	status := http.StatusOK
	if job.Status == models.JobPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, job)
}

// ListJobs handles GET /api/artifacts/{artifactID}/jobs.
//
//	@Summary		List an artifact's processing jobs, oldest first
//	@Tags			jobs
//	@Produce		json
//	@Param			artifactID	path		string	true	"Artifact ID"
//	@Success		200			{object}	JobListResponse
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/artifacts/{artifactID}/jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.ListJobs(r.Context(), chi.URLParam(r, "artifactID"))
	if err != nil {
		writeError(w, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs})
}

// GetJob handles GET /api/jobs/{jobID}.
//
//	@Summary		Get a processing job
//	@Tags			jobs
//	@Produce		json
//	@Param			jobID	path		string	true	"Job ID"
//	@Success		200		{object}	models.ProcessingJob
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/jobs/{jobID} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListChunks handles GET /api/jobs/{jobID}/chunks.
//
//	@Summary		List a completed job's chunks in order
//	@Tags			jobs
//	@Produce		json
//	@Param			jobID	path		string	true	"Job ID"
//	@Success		200		{object}	ChunkListResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/jobs/{jobID}/chunks [get]
func (h *Handler) ListChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := h.svc.ListChunks(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, "list chunks", err)
		return
	}
	writeJSON(w, http.StatusOK, ChunkListResponse{Chunks: chunks})
}

// Search handles GET /api/vaults/{vaultID}/search.
//
//	@Summary		Full-text search across a vault's parsed artifacts
//	@Tags			search
//	@Produce		json
//	@Param			vaultID	path		string	true	"Vault ID"
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/vaults/{vaultID}/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.Search(r.Context(), chi.URLParam(r, "vaultID"), q, limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}
