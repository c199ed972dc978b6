//go:build !sqlite_fts5

package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/myvault/internal/models"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; full-text search uses LIKE fallback on search_entries.text.
	return nil
}

func ftsUpsert(_ context.Context, _ execer, _, _, _ string) error {
	// Text is already stored in search_entries; nothing extra to do.
	return nil
}

func ftsDelete(_ context.Context, _ execer, _ string) error { return nil }

// likeEscaper makes LIKE wildcards in user input match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search performs a LIKE-based search within one vault (fallback when FTS5
// is not compiled in).
func (s *Store) Search(ctx context.Context, vaultID, query string, limit int) ([]models.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.SearchHit{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	like := "%" + likeEscaper.Replace(query) + "%"
	rows, err := s.conn.QueryContext(ctx, `
		SELECT e.artifact_id, a.file_name, substr(e.text, 1, 200)
		FROM search_entries e
		JOIN artifacts a ON a.artifact_id = e.artifact_id
		WHERE e.vault_id = ? AND e.text LIKE ? ESCAPE '\'
		ORDER BY e.updated_at DESC
		LIMIT ?
	`, vaultID, like, limit)
	if err != nil {
		return nil, fmt.Errorf("metastore: search: %w", err)
	}
	return scanHits(rows)
}
