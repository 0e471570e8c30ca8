// Package auth implements provider credential lifecycle management and API
// key verification for the calendar sync engine.
package auth

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"calsync/internal/types"
)

// DefaultRefreshSkew is how long before expiry an access token is treated
// as already expired. Refreshing early absorbs clock drift between this
// process and the provider, plus the latency of whatever call the token is
// about to authorize.
const DefaultRefreshSkew = 120 * time.Second

// CredentialStore abstracts the credential persistence operations the token
// manager needs. Satisfied by *db.CredentialRepository.
type CredentialStore interface {
	// Get returns the stored credential for (ownerID, provider).
	Get(ctx context.Context, ownerID string, provider types.Provider) (*types.Credential, error)
	// UpdateToken atomically persists a refreshed access token and expiry.
	UpdateToken(ctx context.Context, ownerID string, provider types.Provider, accessToken types.SecretString, expiry time.Time) error
}

// TokenRefresher abstracts the refresh-grant exchange for testability.
// Production uses the oauth2Refresher backed by golang.org/x/oauth2.
type TokenRefresher interface {
	// Refresh exchanges the credential's refresh token for a new access
	// token and expiry.
	Refresh(ctx context.Context, cred *types.Credential) (types.SecretString, time.Time, error)
}

// oauth2Refresher performs the refresh grant against the provider's token
// endpoint via golang.org/x/oauth2.
type oauth2Refresher struct {
	conf *oauth2.Config
}

func (r *oauth2Refresher) Refresh(ctx context.Context, cred *types.Credential) (types.SecretString, time.Time, error) {
	seed := &oauth2.Token{
		RefreshToken: cred.RefreshToken.Unmask(),
	}
	// A TokenSource seeded with only a refresh token always exchanges it,
	// which is exactly what the caller already decided to do.
	tok, err := r.conf.TokenSource(ctx, seed).Token()
	if err != nil {
		// A rejected refresh grant means the token was revoked or the
		// consent lapsed; retrying cannot fix it.
		if rErr, ok := err.(*oauth2.RetrieveError); ok && rErr.Response != nil && rErr.Response.StatusCode < 500 {
			return "", time.Time{}, types.NewAppError(types.ErrCodeCredentialRevoked,
				"provider rejected the refresh token; owner must reconnect", err)
		}
		return "", time.Time{}, types.NewAppError(types.ErrCodeUpstreamUnavailable,
			"token refresh failed", err)
	}
	return types.SecretString(tok.AccessToken), tok.Expiry.UTC(), nil
}

// TokenManagerConfig holds the configuration for creating a TokenManager.
type TokenManagerConfig struct {
	Store        CredentialStore
	ClientID     string
	ClientSecret types.SecretString
	RedirectURL  string
	RefreshSkew  time.Duration
	Logger       *slog.Logger

	// Refresher overrides the oauth2-backed refresher for testing.
	Refresher TokenRefresher
	// Now overrides the clock for testing.
	Now func() time.Time
}

// TokenManager hands out currently-valid access tokens, transparently
// refreshing credentials that are within the skew window of expiry.
//
// Concurrent callers may both observe a credential as expiring and both
// refresh it. That race is tolerated as last-writer-wins: both refreshes
// succeed independently at the provider and neither resulting token is
// invalidated, so no locking is used, only idempotent overwrite.
type TokenManager struct {
	store     CredentialStore
	refresher TokenRefresher
	skew      time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewTokenManager creates a TokenManager with the given configuration.
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	skew := cfg.RefreshSkew
	if skew == 0 {
		skew = DefaultRefreshSkew
	}
	refresher := cfg.Refresher
	if refresher == nil {
		refresher = &oauth2Refresher{
			conf: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret.Unmask(),
				RedirectURL:  cfg.RedirectURL,
				Endpoint:     google.Endpoint,
			},
		}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TokenManager{
		store:     cfg.Store,
		refresher: refresher,
		skew:      skew,
		logger:    logger,
		now:       now,
	}
}

// ValidAccessToken returns an access token guaranteed to outlive the skew
// window. A token expiring within the skew is refreshed and the refreshed
// credential is persisted before the token is returned, so a crash after
// return never leaves the store behind the provider.
//
// Returns ErrCodeCredentialExpired (fatal class) when the access token is
// inside the skew window and no refresh token exists: only re-consent can
// recover that, so it must surface to a human rather than retry.
func (m *TokenManager) ValidAccessToken(ctx context.Context, ownerID string, provider types.Provider) (types.SecretString, error) {
	cred, err := m.store.Get(ctx, ownerID, provider)
	if err != nil {
		return "", err
	}

	if m.now().Add(m.skew).Before(cred.Expiry) {
		return cred.AccessToken, nil
	}

	if !cred.HasRefreshToken() {
		return "", types.NewAppError(types.ErrCodeCredentialExpired,
			"access token expired and no refresh token stored; owner must reconnect", nil)
	}

	access, expiry, err := m.refresher.Refresh(ctx, cred)
	if err != nil {
		return "", err
	}

	if err := m.store.UpdateToken(ctx, ownerID, provider, access, expiry); err != nil {
		return "", err
	}

	m.logger.InfoContext(ctx, "access token refreshed",
		"owner_id", ownerID,
		"provider", string(provider),
		"expiry", expiry,
	)
	return access, nil
}
