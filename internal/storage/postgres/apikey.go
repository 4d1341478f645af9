package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-orders/internal/domain/auth"
)

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository provides API key lookups backed by PostgreSQL.
type APIKeyRepository struct {
	conn
}

// FindByHash looks up an active API key by its HMAC-SHA256 hash.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	var k auth.APIKeyInfo
	err := r.q(ctx).QueryRow(ctx, `
		SELECT id, key_hash, name, customer_id, role
		FROM api_keys WHERE key_hash = $1 AND active`, hash,
	).Scan(&k.ID, &k.KeyHash, &k.Name, &k.CustomerID, &k.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("finding api key by hash: %w", auth.ErrKeyNotFound)
		}
		return nil, fmt.Errorf("finding api key by hash: %w", err)
	}
	return &k, nil
}

// Upsert inserts or rotates an API key.
func (r *APIKeyRepository) Upsert(ctx context.Context, k auth.APIKeyInfo) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO api_keys (id, key_hash, name, customer_id, role, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (id) DO UPDATE
		SET key_hash = EXCLUDED.key_hash, name = EXCLUDED.name,
		    customer_id = EXCLUDED.customer_id, role = EXCLUDED.role, active = TRUE`,
		k.ID, k.KeyHash, k.Name, k.CustomerID, k.Role,
	)
	if err != nil {
		return fmt.Errorf("upserting api key %q: %w", k.ID, err)
	}
	return nil
}
