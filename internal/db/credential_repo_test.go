package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"calsync/internal/types"
)

func TestCredentialRepository_Get_Success(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewCredentialRepository(dbm)

	refresh := "refresh-secret"
	row := &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*string) = "owner-1"
		*dest[1].(*types.Provider) = types.ProviderGoogle
		*dest[2].(*string) = "access-secret"
		*dest[3].(**string) = &refresh
		*dest[4].(*[]string) = []string{"https://www.googleapis.com/auth/calendar"}
		*dest[5].(*time.Time) = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		return nil
	}}
	dbm.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	cred, err := repo.Get(context.Background(), "owner-1", types.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", cred.OwnerID)
	assert.Equal(t, "access-secret", cred.AccessToken.Unmask())
	assert.Equal(t, "refresh-secret", cred.RefreshToken.Unmask())
	assert.True(t, cred.HasRefreshToken())
}

func TestCredentialRepository_Get_NilRefreshToken(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewCredentialRepository(dbm)

	row := &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*string) = "owner-1"
		*dest[2].(*string) = "access-secret"
		return nil
	}}
	dbm.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	cred, err := repo.Get(context.Background(), "owner-1", types.ProviderGoogle)
	require.NoError(t, err)
	assert.False(t, cred.HasRefreshToken())
	assert.Empty(t, cred.RefreshToken.Unmask())
}

func TestCredentialRepository_Get_Missing(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewCredentialRepository(dbm)

	row := &mockRow{scanErr: pgx.ErrNoRows}
	dbm.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := repo.Get(context.Background(), "owner-9", types.ProviderGoogle)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeCredentialMissing, appErr.Code)
}

func TestCredentialRepository_UpdateToken_Success(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewCredentialRepository(dbm)

	var gotArgs []any
	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			gotArgs = args.Get(2).([]any)
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	expiry := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	err := repo.UpdateToken(context.Background(), "owner-1", types.ProviderGoogle, types.SecretString("new-token"), expiry)
	require.NoError(t, err)

	// The unmasked token must reach the driver, not the redacted form.
	require.Len(t, gotArgs, 4)
	assert.Equal(t, "new-token", gotArgs[2])
	assert.Equal(t, expiry, gotArgs[3])
}

func TestCredentialRepository_UpdateToken_RowGone(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewCredentialRepository(dbm)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.UpdateToken(context.Background(), "owner-1", types.ProviderGoogle, types.SecretString("new-token"), time.Now())

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeCredentialMissing, appErr.Code)
}

func TestCredentialRepository_Upsert_OmitsEmptyRefreshToken(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewCredentialRepository(dbm)

	var gotArgs []any
	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			gotArgs = args.Get(2).([]any)
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Upsert(context.Background(), &types.Credential{
		OwnerID:     "owner-1",
		Provider:    types.ProviderGoogle,
		AccessToken: types.SecretString("access-secret"),
		Expiry:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// A nil refresh token lets COALESCE keep whatever the row already holds.
	require.Len(t, gotArgs, 6)
	assert.Nil(t, gotArgs[3])
}
