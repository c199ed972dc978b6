//go:build sqlite_fts5

package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/myvault/internal/models"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS search_fts USING fts5(
			artifact_id UNINDEXED,
			vault_id UNINDEXED,
			text,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(ctx context.Context, tx execer, artifactID, vaultID, text string) error {
	_, _ = tx.ExecContext(ctx, `DELETE FROM search_fts WHERE artifact_id = ?`, artifactID)
	_, err := tx.ExecContext(ctx, `INSERT INTO search_fts (artifact_id, vault_id, text) VALUES (?, ?, ?)`,
		artifactID, vaultID, text)
	if err != nil {
		return fmt.Errorf("metastore: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(ctx context.Context, tx execer, artifactID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM search_fts WHERE artifact_id = ?`, artifactID)
	if err != nil {
		return fmt.Errorf("metastore: delete fts: %w", err)
	}
	return nil
}

// matchQuery quotes every whitespace-separated term as an FTS5 string so
// operators and punctuation in user input are searched as text. Terms are
// ANDed.
func matchQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

// Search performs an FTS5 full-text search within one vault.
func (s *Store) Search(ctx context.Context, vaultID, query string, limit int) ([]models.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.SearchHit{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT f.artifact_id,
		       a.file_name,
		       snippet(search_fts, 2, '<b>', '</b>', '...', 32)
		FROM search_fts f
		JOIN artifacts a ON a.artifact_id = f.artifact_id
		WHERE search_fts MATCH ? AND f.vault_id = ?
		ORDER BY rank
		LIMIT ?
	`, matchQuery(query), vaultID, limit)
	if err != nil {
		return nil, fmt.Errorf("metastore: search: %w", err)
	}
	return scanHits(rows)
}
