package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSearchEntry(ctx context.Context, tx *sql.Tx, e models.SearchEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO search_entries (artifact_id, vault_id, job_id, text, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(artifact_id) DO UPDATE SET
			vault_id   = excluded.vault_id,
			job_id     = excluded.job_id,
			text       = excluded.text,
			updated_at = excluded.updated_at
	`, e.ArtifactID, e.VaultID, e.JobID, e.Text, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("metastore: upsert search entry: %w", err)
	}
	// FTS upsert (no-op when FTS5 tag is absent).
	return ftsUpsert(ctx, tx, e.ArtifactID, e.VaultID, e.Text)
}

// UpsertSearchEntry inserts or replaces the search entry of an artifact.
func (s *Store) UpsertSearchEntry(ctx context.Context, e models.SearchEntry) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM artifacts WHERE artifact_id = ?`, e.ArtifactID).Scan(&exists); err != nil {
		return fmt.Errorf("metastore: check artifact: %w", err)
	}
	if exists == 0 {
		return apperr.ErrNotFound
	}
	if err := upsertSearchEntry(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSearchEntry returns the search entry of an artifact.
func (s *Store) GetSearchEntry(ctx context.Context, artifactID string) (models.SearchEntry, error) {
	var e models.SearchEntry
	err := s.conn.QueryRowContext(ctx, `
		SELECT artifact_id, vault_id, job_id, text, updated_at
		FROM search_entries WHERE artifact_id = ?
	`, artifactID).Scan(&e.ArtifactID, &e.VaultID, &e.JobID, &e.Text, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SearchEntry{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.SearchEntry{}, fmt.Errorf("metastore: get search entry: %w", err)
	}
	return e, nil
}

func scanHits(rows *sql.Rows) ([]models.SearchHit, error) {
	defer rows.Close()
	out := []models.SearchHit{}
	for rows.Next() {
		var h models.SearchHit
		if err := rows.Scan(&h.ArtifactID, &h.FileName, &h.Snippet); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
