package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"

	"calsync/internal/types"
)

// APIKeyStore abstracts API key lookup. Satisfied by *db.APIKeyRepository.
type APIKeyStore interface {
	GetByLookupHash(ctx context.Context, lookupHash string) (*types.APIKey, error)
}

// KeyVerifier authenticates presented API keys. Lookup uses a sha256 hash
// (searchable in the database, unlike bcrypt which is salted); the bcrypt
// hash stored on the row is what actually authenticates the secret.
type KeyVerifier struct {
	store APIKeyStore
}

// NewKeyVerifier creates a KeyVerifier backed by the given store.
func NewKeyVerifier(store APIKeyStore) *KeyVerifier {
	return &KeyVerifier{store: store}
}

// LookupHash returns the hex sha256 of a presented key.
func LookupHash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// Verify resolves and authenticates a presented API key, returning the
// owning key record. Unknown and mismatched keys are indistinguishable to
// the caller; both return ErrCodeAuthKeyInvalid.
func (v *KeyVerifier) Verify(ctx context.Context, presented string) (*types.APIKey, error) {
	if presented == "" {
		return nil, types.NewAppError(types.ErrCodeAuthKeyMissing, "api key required", nil)
	}
	key, err := v.store.GetByLookupHash(ctx, LookupHash(presented))
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(presented)); err != nil {
		return nil, types.NewAppError(types.ErrCodeAuthKeyInvalid, "api key not recognized", err)
	}
	return key, nil
}
