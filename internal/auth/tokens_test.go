package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/types"
)

// mockCredentialStore implements CredentialStore for testing.
type mockCredentialStore struct {
	cred *types.Credential
	err  error

	updatedToken  types.SecretString
	updatedExpiry time.Time
	updateCalls   int
	updateErr     error
}

func (m *mockCredentialStore) Get(_ context.Context, _ string, _ types.Provider) (*types.Credential, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.cred, nil
}

func (m *mockCredentialStore) UpdateToken(_ context.Context, _ string, _ types.Provider, accessToken types.SecretString, expiry time.Time) error {
	m.updateCalls++
	m.updatedToken = accessToken
	m.updatedExpiry = expiry
	return m.updateErr
}

// mockRefresher implements TokenRefresher for testing.
type mockRefresher struct {
	token  types.SecretString
	expiry time.Time
	err    error
	calls  int
}

func (m *mockRefresher) Refresh(_ context.Context, _ *types.Credential) (types.SecretString, time.Time, error) {
	m.calls++
	if m.err != nil {
		return "", time.Time{}, m.err
	}
	return m.token, m.expiry, nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(store *mockCredentialStore, refresher *mockRefresher) *TokenManager {
	return NewTokenManager(TokenManagerConfig{
		Store:       store,
		ClientID:    "client-id",
		RefreshSkew: 120 * time.Second,
		Refresher:   refresher,
		Now:         func() time.Time { return testNow },
	})
}

func TestValidAccessToken_FreshTokenReturnedWithoutRefresh(t *testing.T) {
	store := &mockCredentialStore{cred: &types.Credential{
		OwnerID:      "owner-1",
		Provider:     types.ProviderGoogle,
		AccessToken:  "live-token",
		RefreshToken: "refresh-token",
		Expiry:       testNow.Add(time.Hour),
	}}
	refresher := &mockRefresher{}
	m := newTestManager(store, refresher)

	token, err := m.ValidAccessToken(context.Background(), "owner-1", types.ProviderGoogle)
	require.NoError(t, err)

	assert.Equal(t, "live-token", token.Unmask())
	assert.Equal(t, 0, refresher.calls)
	assert.Equal(t, 0, store.updateCalls)
}

func TestValidAccessToken_RefreshesInsideSkewWindow(t *testing.T) {
	// 60s of life left against a 120s skew: the token is still technically
	// valid but must be treated as expired.
	store := &mockCredentialStore{cred: &types.Credential{
		OwnerID:      "owner-1",
		Provider:     types.ProviderGoogle,
		AccessToken:  "stale-token",
		RefreshToken: "refresh-token",
		Expiry:       testNow.Add(60 * time.Second),
	}}
	refresher := &mockRefresher{
		token:  "new-token",
		expiry: testNow.Add(time.Hour),
	}
	m := newTestManager(store, refresher)

	token, err := m.ValidAccessToken(context.Background(), "owner-1", types.ProviderGoogle)
	require.NoError(t, err)

	assert.Equal(t, "new-token", token.Unmask())
	assert.Equal(t, 1, refresher.calls)

	// The refreshed token is persisted before it is handed out.
	assert.Equal(t, 1, store.updateCalls)
	assert.Equal(t, "new-token", store.updatedToken.Unmask())
	assert.Equal(t, testNow.Add(time.Hour), store.updatedExpiry)
}

func TestValidAccessToken_PersistFailurePropagates(t *testing.T) {
	store := &mockCredentialStore{
		cred: &types.Credential{
			OwnerID:      "owner-1",
			Provider:     types.ProviderGoogle,
			AccessToken:  "stale-token",
			RefreshToken: "refresh-token",
			Expiry:       testNow.Add(-time.Minute),
		},
		updateErr: types.NewAppError(types.ErrCodeInternalDB, "write failed", nil),
	}
	refresher := &mockRefresher{token: "new-token", expiry: testNow.Add(time.Hour)}
	m := newTestManager(store, refresher)

	_, err := m.ValidAccessToken(context.Background(), "owner-1", types.ProviderGoogle)
	require.Error(t, err)
	assert.Equal(t, types.ClassRetryable, types.ClassOf(err))
}

func TestValidAccessToken_ExpiredWithoutRefreshToken(t *testing.T) {
	store := &mockCredentialStore{cred: &types.Credential{
		OwnerID:     "owner-1",
		Provider:    types.ProviderGoogle,
		AccessToken: "dead-token",
		Expiry:      testNow.Add(-time.Hour),
	}}
	refresher := &mockRefresher{}
	m := newTestManager(store, refresher)

	_, err := m.ValidAccessToken(context.Background(), "owner-1", types.ProviderGoogle)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeCredentialExpired, appErr.Code)
	assert.Equal(t, types.ClassFatal, appErr.Class())
	assert.Equal(t, 0, refresher.calls)
}

func TestValidAccessToken_MissingCredential(t *testing.T) {
	store := &mockCredentialStore{
		err: types.NewAppError(types.ErrCodeCredentialMissing, "no credential", nil),
	}
	m := newTestManager(store, &mockRefresher{})

	_, err := m.ValidAccessToken(context.Background(), "owner-1", types.ProviderGoogle)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeCredentialMissing, appErr.Code)
}
