package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/types"
)

type archivedRow struct {
	job        *types.SyncJob
	compressed []byte
}

type mockArchiveStore struct {
	finished []*types.SyncJob

	archived   []archivedRow
	insertErrs map[int64]error

	deletedIDs []int64
}

func (m *mockArchiveStore) ListFinishedBefore(_ context.Context, _ time.Time, _ int) ([]*types.SyncJob, error) {
	return m.finished, nil
}

func (m *mockArchiveStore) InsertArchived(_ context.Context, job *types.SyncJob, compressedPayload []byte) error {
	if err := m.insertErrs[job.ID]; err != nil {
		return err
	}
	m.archived = append(m.archived, archivedRow{job: job, compressed: compressedPayload})
	return nil
}

func (m *mockArchiveStore) DeleteByIDs(_ context.Context, ids []int64) (int64, error) {
	// Deletion must never reach a job whose archive copy failed.
	m.deletedIDs = append(m.deletedIDs, ids...)
	return int64(len(ids)), nil
}

func finishedJob(id int64, payload string) *types.SyncJob {
	at := tickNow.Add(-30 * 24 * time.Hour)
	return &types.SyncJob{
		ID:         id,
		OwnerID:    "owner-1",
		Provider:   types.ProviderGoogle,
		Kind:       types.JobPullChanges,
		Status:     types.JobSucceeded,
		Payload:    []byte(payload),
		FinishedAt: &at,
	}
}

func newTestMaintainer(t *testing.T, archive *mockArchiveStore, watches *mockWatchStore) *Maintainer {
	t.Helper()
	m, err := NewMaintainer(MaintainerConfig{
		Archive: archive,
		Watches: watches,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return tickNow },
	})
	require.NoError(t, err)
	return m
}

func TestMaintenance_ArchivesThenDeletes(t *testing.T) {
	payload := `{"kind":"pull_changes","owner_id":"owner-1","channel_id":"chan-1"}`
	archive := &mockArchiveStore{
		finished: []*types.SyncJob{finishedJob(1, payload), finishedJob(2, payload)},
	}
	watches := &mockWatchStore{purged: 3}
	m := newTestMaintainer(t, archive, watches)

	result, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.JobsArchived)
	assert.Equal(t, int64(3), result.WatchesPurged)
	assert.Equal(t, []int64{1, 2}, archive.deletedIDs)

	// The archived payload is a faithful zstd frame of the original.
	require.Len(t, archive.archived, 2)
	decoder, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer decoder.Close()
	restored, err := decoder.DecodeAll(archive.archived[0].compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, string(restored))
}

func TestMaintenance_FailedArchiveCopyIsNotDeleted(t *testing.T) {
	archive := &mockArchiveStore{
		finished: []*types.SyncJob{finishedJob(1, `{}`), finishedJob(2, `{}`)},
		insertErrs: map[int64]error{
			1: types.NewAppError(types.ErrCodeInternalDB, "archive insert failed", nil),
		},
	}
	m := newTestMaintainer(t, archive, &mockWatchStore{})

	result, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.JobsArchived)
	assert.Equal(t, []int64{2}, archive.deletedIDs)
}

func TestMaintenance_NothingToArchive(t *testing.T) {
	archive := &mockArchiveStore{}
	watches := &mockWatchStore{}
	m := newTestMaintainer(t, archive, watches)

	result, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.JobsArchived)
	assert.Empty(t, archive.deletedIDs)
	assert.Equal(t, tickNow.Add(-7*24*time.Hour), watches.purgeCutoff)
}
