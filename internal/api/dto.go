package api

import (
	"github.com/starford/myvault/internal/docservice"
	"github.com/starford/myvault/internal/models"
)

// ArtifactDetail is an artifact with its latest job (aliased from the domain layer).
type ArtifactDetail = docservice.ArtifactDetail

// ArtifactListResponse wraps paginated artifact listings.
type ArtifactListResponse struct {
	Artifacts []models.Artifact `json:"artifacts" validate:"required"`
	Total     int               `json:"total" example:"42" validate:"required"`
}

// JobListResponse wraps the jobs of one artifact.
type JobListResponse struct {
	Jobs []models.ProcessingJob `json:"jobs" validate:"required"`
}

// ChunkListResponse wraps the ordered chunks of one job.
type ChunkListResponse struct {
	Chunks []models.StructuredChunk `json:"chunks" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []models.SearchHit `json:"results" validate:"required"`
}
