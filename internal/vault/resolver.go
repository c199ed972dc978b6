// Package vault maps tenant keys to vaults.
package vault

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/models"
)

// Store is the metadata operation the resolver needs.
type Store interface {
	UpsertVault(ctx context.Context, v models.Vault) (models.Vault, error)
}

// Resolver returns the single vault of a tenant, creating it on first contact.
type Resolver struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger, now: time.Now}
}

// Resolve returns the vault for tenantKey. Every call for the same key yields
// the same vault id, including concurrent first contacts.
func (r *Resolver) Resolve(ctx context.Context, tenantKey string) (models.Vault, error) {
	const op = "vault.Resolve"

	tenantKey = strings.TrimSpace(tenantKey)
	if tenantKey == "" {
		return models.Vault{}, apperr.Validation(op, "tenant key is required")
	}

	candidate := models.Vault{
		ID:        uuid.NewString(),
		TenantKey: tenantKey,
		CreatedAt: r.now().UTC(),
	}
	v, err := r.store.UpsertVault(ctx, candidate)
	if err != nil {
		r.logger.Error("vault resolution failed", slog.String("error", err.Error()))
		return models.Vault{}, apperr.E(apperr.KindResolution, op, err)
	}
	if v.ID == candidate.ID {
		r.logger.Info("vault created", slog.String("vault_id", v.ID))
	}
	return v, nil
}
