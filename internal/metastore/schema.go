// Package metastore provides the SQLite-backed metadata store for vaults,
// artifacts, processing jobs, structured chunks and search entries.
package metastore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS vaults (
	vault_id   TEXT PRIMARY KEY,
	tenant_key TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_vaults_tenant_key ON vaults(tenant_key);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id  TEXT PRIMARY KEY,
	vault_id     TEXT NOT NULL REFERENCES vaults(vault_id),
	blob_ref     TEXT NOT NULL,
	file_name    TEXT NOT NULL DEFAULT '',
	file_type    TEXT NOT NULL DEFAULT '',
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	dedup_key    TEXT,
	uploaded_via TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_vault ON artifacts(vault_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_dedup ON artifacts(dedup_key);
CREATE INDEX IF NOT EXISTS idx_artifacts_blob ON artifacts(blob_ref);

CREATE TABLE IF NOT EXISTS jobs (
	job_id        TEXT PRIMARY KEY,
	artifact_id   TEXT NOT NULL,
	vault_id      TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
	attempt_count INTEGER NOT NULL DEFAULT 0,
	raw_response  BLOB,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	finished_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_artifact ON jobs(artifact_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_pending ON jobs(artifact_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id    TEXT PRIMARY KEY,
	artifact_id TEXT NOT NULL REFERENCES artifacts(artifact_id) ON DELETE CASCADE,
	job_id      TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	blocks      TEXT NOT NULL DEFAULT '[]',
	UNIQUE(job_id, idx)
);

CREATE TABLE IF NOT EXISTS search_entries (
	artifact_id TEXT PRIMARY KEY REFERENCES artifacts(artifact_id) ON DELETE CASCADE,
	vault_id    TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	text        TEXT NOT NULL DEFAULT '',
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_vault ON search_entries(vault_id);
`

// Store wraps a sql.DB with metadata operations.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("metastore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("metastore: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("metastore: apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("metastore: apply fts schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// New wraps an already-open connection without touching the schema.
func New(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}
