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

const jobColumns = `job_id, artifact_id, vault_id, status, attempt_count, raw_response, last_error, created_at, finished_at`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanJob(row rowScanner) (models.ProcessingJob, error) {
	var (
		j        models.ProcessingJob
		raw      []byte
		finished sql.NullTime
	)
	err := row.Scan(&j.ID, &j.ArtifactID, &j.VaultID, &j.Status, &j.AttemptCount,
		&raw, &j.LastError, &j.CreatedAt, &finished)
	if err != nil {
		return j, err
	}
	if len(raw) > 0 {
		j.RawResponse = raw
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return j, nil
}

func queryJobs(ctx context.Context, q querier, where string, args ...any) ([]models.ProcessingJob, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("metastore: query jobs: %w", err)
	}
	defer rows.Close()

	out := []models.ProcessingJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func getJob(ctx context.Context, q querier, id string) (models.ProcessingJob, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProcessingJob{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.ProcessingJob{}, fmt.Errorf("metastore: get job: %w", err)
	}
	return j, nil
}

// CreateJob inserts a pending job for an existing artifact. If the artifact
// already has a pending job, that job is returned with created=false.
func (s *Store) CreateJob(ctx context.Context, j models.ProcessingJob) (models.ProcessingJob, bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT count(*) FROM artifacts WHERE artifact_id = ?`, j.ArtifactID).Scan(&exists)
	if err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("metastore: check artifact: %w", err)
	}
	if exists == 0 {
		return models.ProcessingJob{}, false, apperr.ErrNotFound
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, artifact_id, vault_id, status, attempt_count, last_error, created_at)
		VALUES (?, ?, ?, 'pending', 0, '', ?)
		ON CONFLICT(artifact_id) WHERE status = 'pending' DO NOTHING
	`, j.ID, j.ArtifactID, j.VaultID, j.CreatedAt)
	if err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("metastore: insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("metastore: insert job: %w", err)
	}

	created := n == 1
	var out models.ProcessingJob
	if created {
		out, err = getJob(ctx, tx, j.ID)
	} else {
		out, err = scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE artifact_id = ? AND status = 'pending'`, j.ArtifactID))
	}
	if err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("metastore: fetch job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("metastore: commit job: %w", err)
	}
	return out, created, nil
}

// RecordAttempt increments a pending job's attempt count and stores the
// attempt's error message (empty on success). It returns apperr.ErrConflict
// when the job is no longer pending.
func (s *Store) RecordAttempt(ctx context.Context, jobID, lastErr string) (models.ProcessingJob, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET attempt_count = attempt_count + 1, last_error = ?
		WHERE job_id = ? AND status = 'pending'
	`, lastErr, jobID)
	if err != nil {
		return models.ProcessingJob{}, fmt.Errorf("metastore: record attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ProcessingJob{}, apperr.ErrConflict
	}
	return getJob(ctx, s.conn, jobID)
}

// CompleteJob marks a pending job completed and writes its chunks and the
// artifact's search entry in the same transaction. If the job is no longer
// pending or its artifact has been removed, nothing is written and
// apperr.ErrDiscarded is returned.
func (s *Store) CompleteJob(ctx context.Context, jobID string, raw []byte, chunks []models.StructuredChunk, text string) (models.ProcessingJob, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.ProcessingJob{}, fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', raw_response = ?, last_error = '', finished_at = ?
		WHERE job_id = ? AND status = 'pending'
		  AND EXISTS (SELECT 1 FROM artifacts a WHERE a.artifact_id = jobs.artifact_id)
	`, raw, now, jobID)
	if err != nil {
		return models.ProcessingJob{}, fmt.Errorf("metastore: complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ProcessingJob{}, apperr.ErrDiscarded
	}

	job, err := getJob(ctx, tx, jobID)
	if err != nil {
		return models.ProcessingJob{}, err
	}

	if len(chunks) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO chunks (chunk_id, artifact_id, job_id, idx, content, blocks) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return models.ProcessingJob{}, fmt.Errorf("metastore: prepare chunk insert: %w", err)
		}
		defer stmt.Close()
		for _, c := range chunks {
			blocks := string(c.Blocks)
			if blocks == "" {
				blocks = "[]"
			}
			if _, err := stmt.ExecContext(ctx, c.ID, job.ArtifactID, jobID, c.Index, c.Content, blocks); err != nil {
				return models.ProcessingJob{}, fmt.Errorf("metastore: insert chunk: %w", err)
			}
		}
	}

	entry := models.SearchEntry{
		ArtifactID: job.ArtifactID,
		VaultID:    job.VaultID,
		JobID:      jobID,
		Text:       text,
		UpdatedAt:  now,
	}
	if err := upsertSearchEntry(ctx, tx, entry); err != nil {
		return models.ProcessingJob{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.ProcessingJob{}, fmt.Errorf("metastore: commit completion: %w", err)
	}
	return job, nil
}

// FailJob marks a pending job failed. It returns apperr.ErrConflict when the
// job is already terminal.
func (s *Store) FailJob(ctx context.Context, jobID, reason string) (models.ProcessingJob, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', last_error = ?, finished_at = ?
		WHERE job_id = ? AND status = 'pending'
	`, reason, time.Now().UTC(), jobID)
	if err != nil {
		return models.ProcessingJob{}, fmt.Errorf("metastore: fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ProcessingJob{}, apperr.ErrConflict
	}
	return getJob(ctx, s.conn, jobID)
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(ctx context.Context, id string) (models.ProcessingJob, error) {
	return getJob(ctx, s.conn, id)
}

// ListJobs returns an artifact's jobs in creation order.
func (s *Store) ListJobs(ctx context.Context, artifactID string) ([]models.ProcessingJob, error) {
	return queryJobs(ctx, s.conn, `WHERE artifact_id = ? ORDER BY rowid`, artifactID)
}

// LatestJob returns the most recently created job of an artifact.
func (s *Store) LatestJob(ctx context.Context, artifactID string) (models.ProcessingJob, error) {
	jobs, err := queryJobs(ctx, s.conn, `WHERE artifact_id = ? ORDER BY rowid DESC LIMIT 1`, artifactID)
	if err != nil {
		return models.ProcessingJob{}, err
	}
	if len(jobs) == 0 {
		return models.ProcessingJob{}, apperr.ErrNotFound
	}
	return jobs[0], nil
}

// StalePendingJobs returns pending jobs created before the cutoff.
func (s *Store) StalePendingJobs(ctx context.Context, before time.Time) ([]models.ProcessingJob, error) {
	return queryJobs(ctx, s.conn, `WHERE status = 'pending' AND created_at < ? ORDER BY rowid`, before)
}

// ResubmitCandidates returns artifacts that have no job or whose latest job
// failed, and which have fewer than maxJobs jobs in total.
func (s *Store) ResubmitCandidates(ctx context.Context, maxJobs, limit int) ([]models.Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT a.artifact_id, a.vault_id, a.blob_ref, a.file_name, a.file_type,
		       a.size_bytes, a.content_hash, a.uploaded_via, a.created_at
		FROM artifacts a
		WHERE (SELECT count(*) FROM jobs WHERE artifact_id = a.artifact_id) < ?
		  AND COALESCE(
		        (SELECT status FROM jobs WHERE artifact_id = a.artifact_id ORDER BY rowid DESC LIMIT 1),
		        'failed') = 'failed'
		ORDER BY a.created_at
		LIMIT ?
	`, maxJobs, limit)
	if err != nil {
		return nil, fmt.Errorf("metastore: resubmit candidates: %w", err)
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

// LatestCompletedJobs returns, for every existing artifact, its most recent
// completed job.
func (s *Store) LatestCompletedJobs(ctx context.Context) ([]models.ProcessingJob, error) {
	return queryJobs(ctx, s.conn, `
		WHERE rowid IN (
			SELECT MAX(j.rowid) FROM jobs j
			JOIN artifacts a ON a.artifact_id = j.artifact_id
			WHERE j.status = 'completed'
			GROUP BY j.artifact_id
		)
		ORDER BY rowid`)
}

// ListChunks returns a job's chunks in index order.
func (s *Store) ListChunks(ctx context.Context, jobID string) ([]models.StructuredChunk, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT chunk_id, artifact_id, job_id, idx, content, blocks
		FROM chunks WHERE job_id = ? ORDER BY idx
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("metastore: list chunks: %w", err)
	}
	defer rows.Close()

	out := []models.StructuredChunk{}
	for rows.Next() {
		var (
			c      models.StructuredChunk
			blocks string
		)
		if err := rows.Scan(&c.ID, &c.ArtifactID, &c.JobID, &c.Index, &c.Content, &blocks); err != nil {
			return nil, err
		}
		c.Blocks = []byte(blocks)
		out = append(out, c)
	}
	return out, rows.Err()
}
