package docservice

import (
	"context"
	"errors"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/metrics"
	"github.com/starford/myvault/internal/models"
)

// ArtifactDetail is an artifact with its most recent job.
type ArtifactDetail struct {
	models.Artifact
	LatestJob *models.ProcessingJob `json:"latest_job,omitempty"`
}

// ArtifactPage is one page of a vault's artifacts.
type ArtifactPage struct {
	Items []models.Artifact `json:"items"`
	Total int               `json:"total"`
}

// ListArtifacts returns a page of a vault's artifacts, newest first.
func (s *Service) ListArtifacts(ctx context.Context, vaultID string, limit, offset int) (ArtifactPage, error) {
	if _, err := s.store.GetVault(ctx, vaultID); err != nil {
		return ArtifactPage{}, err
	}
	items, err := s.store.ListArtifacts(ctx, vaultID, limit, offset)
	if err != nil {
		return ArtifactPage{}, err
	}
	total, err := s.store.CountArtifacts(ctx, vaultID)
	if err != nil {
		return ArtifactPage{}, err
	}
	return ArtifactPage{Items: items, Total: total}, nil
}

// GetArtifact returns an artifact and its latest job, if any.
func (s *Service) GetArtifact(ctx context.Context, id string) (ArtifactDetail, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return ArtifactDetail{}, err
	}
	d := ArtifactDetail{Artifact: a}
	j, err := s.store.LatestJob(ctx, id)
	switch {
	case err == nil:
		d.LatestJob = &j
	case !errors.Is(err, apperr.ErrNotFound):
		return ArtifactDetail{}, err
	}
	return d, nil
}

// ListJobs returns an artifact's job history, oldest first.
func (s *Service) ListJobs(ctx context.Context, artifactID string) ([]models.ProcessingJob, error) {
	if _, err := s.store.GetArtifact(ctx, artifactID); err != nil {
		return nil, err
	}
	return s.store.ListJobs(ctx, artifactID)
}

// GetJob returns one job.
func (s *Service) GetJob(ctx context.Context, id string) (models.ProcessingJob, error) {
	return s.store.GetJob(ctx, id)
}

// ListChunks returns a job's chunks in order.
func (s *Service) ListChunks(ctx context.Context, jobID string) ([]models.StructuredChunk, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListChunks(ctx, jobID)
}

// Search runs a full-text query within one vault.
func (s *Service) Search(ctx context.Context, vaultID, query string, limit int) ([]models.SearchHit, error) {
	if _, err := s.store.GetVault(ctx, vaultID); err != nil {
		return nil, err
	}
	return s.searcher.Search(ctx, vaultID, query, limit)
}

func recordOutcome(out Outcome) {
	metrics.InboundEvents.WithLabelValues(string(out.Reply)).Inc()
}
