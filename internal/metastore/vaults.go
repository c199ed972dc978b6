package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/models"
)

// UpsertVault inserts v unless a vault for the same tenant key exists, and
// returns whichever row owns the tenant key afterwards. Insert and fetch run
// in one immediate transaction, so concurrent first contacts converge on a
// single row.
func (s *Store) UpsertVault(ctx context.Context, v models.Vault) (models.Vault, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Vault{}, fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vaults (vault_id, tenant_key, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_key) DO NOTHING
	`, v.ID, v.TenantKey, v.CreatedAt)
	if err != nil {
		return models.Vault{}, fmt.Errorf("metastore: upsert vault: %w", err)
	}

	var out models.Vault
	err = tx.QueryRowContext(ctx,
		`SELECT vault_id, tenant_key, created_at FROM vaults WHERE tenant_key = ?`, v.TenantKey,
	).Scan(&out.ID, &out.TenantKey, &out.CreatedAt)
	if err != nil {
		return models.Vault{}, fmt.Errorf("metastore: fetch vault: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Vault{}, fmt.Errorf("metastore: commit vault: %w", err)
	}
	return out, nil
}

// GetVault returns the vault with the given id.
func (s *Store) GetVault(ctx context.Context, id string) (models.Vault, error) {
	var out models.Vault
	err := s.conn.QueryRowContext(ctx,
		`SELECT vault_id, tenant_key, created_at FROM vaults WHERE vault_id = ?`, id,
	).Scan(&out.ID, &out.TenantKey, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Vault{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Vault{}, fmt.Errorf("metastore: get vault: %w", err)
	}
	return out, nil
}
