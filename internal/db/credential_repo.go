package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"calsync/internal/types"
)

// CredentialRepository provides data access for the oauth_credentials table.
// One row exists per (owner_id, provider); refreshes overwrite the row in
// place. Concurrent refreshes are a tolerated last-writer-wins race: both
// refreshed tokens are valid at the provider, and whichever write lands
// last is the one subsequent reads use.
type CredentialRepository struct {
	db DBTX
}

// NewCredentialRepository creates a new CredentialRepository backed by the
// given database connection (pool or transaction).
func NewCredentialRepository(db DBTX) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Get returns the credential for (ownerID, provider).
// Returns ErrCodeCredentialMissing when no row exists: the owner has never
// completed the consent flow, or the credential was removed out of band.
func (r *CredentialRepository) Get(ctx context.Context, ownerID string, provider types.Provider) (*types.Credential, error) {
	var (
		cred         types.Credential
		accessToken  string
		refreshToken *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT owner_id, provider, access_token, refresh_token, scopes, expiry, updated_at
		 FROM oauth_credentials
		 WHERE owner_id = $1 AND provider = $2`,
		ownerID, provider,
	).Scan(
		&cred.OwnerID,
		&cred.Provider,
		&accessToken,
		&refreshToken,
		&cred.Scopes,
		&cred.Expiry,
		&cred.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeCredentialMissing,
			"no provider credential stored for owner", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query credential", err)
	}
	cred.AccessToken = types.SecretString(accessToken)
	if refreshToken != nil {
		cred.RefreshToken = types.SecretString(*refreshToken)
	}
	return &cred, nil
}

// UpdateToken persists a refreshed access token and expiry. The write is a
// single UPDATE so the new token and its expiry become visible atomically;
// a reader never observes a new token with a stale expiry.
//
// The refresh token is intentionally not touched here: providers only
// reissue it on consent, and overwriting it with an empty value on a
// routine refresh would orphan the credential.
func (r *CredentialRepository) UpdateToken(ctx context.Context, ownerID string, provider types.Provider, accessToken types.SecretString, expiry time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE oauth_credentials
		 SET access_token = $3, expiry = $4, updated_at = NOW()
		 WHERE owner_id = $1 AND provider = $2`,
		ownerID, provider, accessToken.Unmask(), expiry,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to persist refreshed token", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeCredentialMissing,
			"credential disappeared during refresh", nil)
	}
	return nil
}

// Upsert stores a full credential, replacing any prior row for the same
// (owner, provider). Used by the consent callback flow that lives outside
// this engine; kept here so the store has exactly one writer package.
func (r *CredentialRepository) Upsert(ctx context.Context, cred *types.Credential) error {
	var refreshToken *string
	if cred.HasRefreshToken() {
		s := cred.RefreshToken.Unmask()
		refreshToken = &s
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO oauth_credentials (owner_id, provider, access_token, refresh_token, scopes, expiry, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (owner_id, provider) DO UPDATE
		   SET access_token = EXCLUDED.access_token,
		       refresh_token = COALESCE(EXCLUDED.refresh_token, oauth_credentials.refresh_token),
		       scopes = EXCLUDED.scopes,
		       expiry = EXCLUDED.expiry,
		       updated_at = NOW()`,
		cred.OwnerID, cred.Provider, cred.AccessToken.Unmask(), refreshToken, cred.Scopes, cred.Expiry,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert credential", err)
	}
	return nil
}
