// Package search derives searchable text from parse output and serves
// vault-scoped full-text queries.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/starford/myvault/internal/models"
)

// Separator joins chunk contents in a search entry.
const Separator = "\n\n"

// Text concatenates chunk contents in index order. It does not modify chunks.
func Text(chunks []models.StructuredChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	ordered := slices.Clone(chunks)
	slices.SortStableFunc(ordered, func(a, b models.StructuredChunk) int {
		return a.Index - b.Index
	})
	parts := make([]string, len(ordered))
	for i, c := range ordered {
		parts[i] = c.Content
	}
	return strings.Join(parts, Separator)
}

// Store is the metadata the indexer reads and writes.
type Store interface {
	ListChunks(ctx context.Context, jobID string) ([]models.StructuredChunk, error)
	UpsertSearchEntry(ctx context.Context, e models.SearchEntry) error
	LatestCompletedJobs(ctx context.Context) ([]models.ProcessingJob, error)
	Search(ctx context.Context, vaultID, query string, limit int) ([]models.SearchHit, error)
}

// Indexer maintains search entries.
type Indexer struct {
	store  Store
	logger *slog.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(store Store, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{store: store, logger: logger}
}

// Index recomputes and upserts the search entry for a completed job.
func (ix *Indexer) Index(ctx context.Context, job models.ProcessingJob) (models.SearchEntry, error) {
	if job.Status != models.JobCompleted {
		return models.SearchEntry{}, fmt.Errorf("search: job %s is %s, not completed", job.ID, job.Status)
	}
	chunks, err := ix.store.ListChunks(ctx, job.ID)
	if err != nil {
		return models.SearchEntry{}, fmt.Errorf("search: load chunks: %w", err)
	}
	e := models.SearchEntry{
		ArtifactID: job.ArtifactID,
		VaultID:    job.VaultID,
		JobID:      job.ID,
		Text:       Text(chunks),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := ix.store.UpsertSearchEntry(ctx, e); err != nil {
		return models.SearchEntry{}, fmt.Errorf("search: upsert entry: %w", err)
	}
	return e, nil
}

// Reindex rebuilds the search entry of every artifact from its latest
// completed job and returns how many entries were written.
func (ix *Indexer) Reindex(ctx context.Context) (int, error) {
	jobs, err := ix.store.LatestCompletedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("search: list completed jobs: %w", err)
	}
	n := 0
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := ix.Index(ctx, j); err != nil {
			ix.logger.Warn("reindex: skip", slog.String("job_id", j.ID), slog.String("error", err.Error()))
			continue
		}
		n++
	}
	ix.logger.Info("reindex complete", slog.Int("entries", n))
	return n, nil
}

// Search runs a full-text query within one vault.
func (ix *Indexer) Search(ctx context.Context, vaultID, query string, limit int) ([]models.SearchHit, error) {
	return ix.store.Search(ctx, vaultID, query, limit)
}
