package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/models"
)

const artifactColumns = `artifact_id, vault_id, blob_ref, file_name, file_type, size_bytes, content_hash, uploaded_via, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (models.Artifact, error) {
	var a models.Artifact
	err := row.Scan(&a.ID, &a.VaultID, &a.BlobRef, &a.FileName, &a.FileType,
		&a.SizeBytes, &a.ContentHash, &a.UploadedVia, &a.CreatedAt)
	return a, err
}

// InsertArtifact records an artifact whose blob has already been written.
//
// When dedupKey is non-empty and another artifact already holds it, the
// existing artifact is returned with created=false and nothing is inserted.
func (s *Store) InsertArtifact(ctx context.Context, a models.Artifact, dedupKey string) (models.Artifact, bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Artifact{}, false, fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	key := sql.NullString{String: dedupKey, Valid: dedupKey != ""}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING
	`, a.ID, a.VaultID, a.BlobRef, a.FileName, a.FileType, a.SizeBytes,
		a.ContentHash, a.UploadedVia, a.CreatedAt, key)
	if err != nil {
		return models.Artifact{}, false, fmt.Errorf("metastore: insert artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Artifact{}, false, fmt.Errorf("metastore: insert artifact: %w", err)
	}
	if n == 1 {
		if err := tx.Commit(); err != nil {
			return models.Artifact{}, false, fmt.Errorf("metastore: commit artifact: %w", err)
		}
		return a, true, nil
	}

	existing, err := scanArtifact(tx.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE dedup_key = ?`, dedupKey))
	if err != nil {
		return models.Artifact{}, false, fmt.Errorf("metastore: fetch duplicate artifact: %w", err)
	}
	return existing, false, tx.Commit()
}

// FindArtifactByDedupKey returns the artifact holding key, or apperr.ErrNotFound.
func (s *Store) FindArtifactByDedupKey(ctx context.Context, key string) (models.Artifact, error) {
	a, err := scanArtifact(s.conn.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE dedup_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Artifact{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Artifact{}, fmt.Errorf("metastore: find artifact: %w", err)
	}
	return a, nil
}

// GetArtifact returns the artifact with the given id.
func (s *Store) GetArtifact(ctx context.Context, id string) (models.Artifact, error) {
	a, err := scanArtifact(s.conn.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Artifact{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Artifact{}, fmt.Errorf("metastore: get artifact: %w", err)
	}
	return a, nil
}

// ArtifactByBlobRef returns the artifact referencing ref.
func (s *Store) ArtifactByBlobRef(ctx context.Context, ref string) (models.Artifact, error) {
	a, err := scanArtifact(s.conn.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE blob_ref = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Artifact{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Artifact{}, fmt.Errorf("metastore: artifact by blob: %w", err)
	}
	return a, nil
}

// ListArtifacts returns a vault's artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context, vaultID string, limit, offset int) ([]models.Artifact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE vault_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, vaultID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("metastore: list artifacts: %w", err)
	}
	defer rows.Close()

	out := []models.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountArtifacts returns the number of artifacts in a vault.
func (s *Store) CountArtifacts(ctx context.Context, vaultID string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT count(*) FROM artifacts WHERE vault_id = ?`, vaultID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("metastore: count artifacts: %w", err)
	}
	return n, nil
}

// RemoveArtifact deletes an artifact with its chunks and search entry, and
// fails any pending job for it, in one transaction. The removed artifact and
// the jobs that were failed are returned so the caller can clean up the blob
// and notify listeners.
func (s *Store) RemoveArtifact(ctx context.Context, id, reason string) (models.Artifact, []models.ProcessingJob, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Artifact{}, nil, fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	a, err := scanArtifact(tx.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Artifact{}, nil, apperr.ErrNotFound
	}
	if err != nil {
		return models.Artifact{}, nil, fmt.Errorf("metastore: get artifact: %w", err)
	}

	pending, err := queryJobs(ctx, tx, `WHERE artifact_id = ? AND status = 'pending'`, id)
	if err != nil {
		return models.Artifact{}, nil, err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', last_error = ?, finished_at = ?
		WHERE artifact_id = ? AND status = 'pending'
	`, reason, now, id); err != nil {
		return models.Artifact{}, nil, fmt.Errorf("metastore: fail pending jobs: %w", err)
	}
	for i := range pending {
		pending[i].Status = models.JobFailed
		pending[i].LastError = reason
		pending[i].FinishedAt = &now
	}

	if err := ftsDelete(ctx, tx, id); err != nil {
		return models.Artifact{}, nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM search_entries WHERE artifact_id = ?`, id); err != nil {
		return models.Artifact{}, nil, fmt.Errorf("metastore: delete search entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE artifact_id = ?`, id); err != nil {
		return models.Artifact{}, nil, fmt.Errorf("metastore: delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE artifact_id = ?`, id); err != nil {
		return models.Artifact{}, nil, fmt.Errorf("metastore: delete artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Artifact{}, nil, fmt.Errorf("metastore: commit removal: %w", err)
	}
	return a, pending, nil
}

// BlobRefs returns every artifact's blob reference keyed by artifact id.
func (s *Store) BlobRefs(ctx context.Context) (map[string]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT artifact_id, blob_ref FROM artifacts`)
	if err != nil {
		return nil, fmt.Errorf("metastore: blob refs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, ref string
		if err := rows.Scan(&id, &ref); err != nil {
			return nil, err
		}
		out[id] = ref
	}
	return out, rows.Err()
}
