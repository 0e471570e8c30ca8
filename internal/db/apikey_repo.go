package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"calsync/internal/types"
)

// APIKeyRepository provides data access for the api_keys table. Keys are
// looked up by a searchable sha256 hash of the presented secret; the bcrypt
// hash stored alongside is what actually authenticates.
type APIKeyRepository struct {
	db DBTX
}

// NewAPIKeyRepository creates a new APIKeyRepository backed by the given
// database connection (pool or transaction).
func NewAPIKeyRepository(db DBTX) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// GetByLookupHash returns the non-revoked key matching the lookup hash.
func (r *APIKeyRepository) GetByLookupHash(ctx context.Context, lookupHash string) (*types.APIKey, error) {
	var k types.APIKey
	err := r.db.QueryRow(ctx,
		`SELECT id, owner_id, lookup_hash, secret_hash, created_at, revoked_at
		 FROM api_keys
		 WHERE lookup_hash = $1 AND revoked_at IS NULL`,
		lookupHash,
	).Scan(&k.ID, &k.OwnerID, &k.LookupHash, &k.SecretHash, &k.CreatedAt, &k.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeAuthKeyInvalid, "api key not recognized", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query api key", err)
	}
	return &k, nil
}
