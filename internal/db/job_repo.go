package db

import (
	"context"
	"time"

	"calsync/internal/types"
)

// jobColumns is the canonical column list for sync_jobs scans.
const jobColumns = `id, owner_id, provider, kind, status, payload, last_error,
	created_at, started_at, finished_at`

// JobRepository provides data access for the sync_jobs table, the durable
// queue decoupling notification receipt from processing.
//
// The contract producers and the runner share:
//   - rows are append-only from the producer side (Enqueue);
//   - status transitions are monotonic (pending -> running -> terminal) and
//     each transition is a single UPDATE, so every reader observes it
//     atomically;
//   - a terminal row is never resurrected; a retry is a fresh Enqueue.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a new JobRepository backed by the given database
// connection (pool or transaction).
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// Enqueue validates the payload against the kind and inserts a pending job.
// Returns the new job id. Validation failures surface synchronously to the
// producer; nothing invalid ever reaches the queue.
func (r *JobRepository) Enqueue(ctx context.Context, ownerID string, provider types.Provider, kind types.JobKind, payload types.JobPayload) (int64, error) {
	data, err := types.EncodeJobPayload(kind, payload)
	if err != nil {
		return 0, err
	}

	var id int64
	err = r.db.QueryRow(ctx,
		`INSERT INTO sync_jobs (owner_id, provider, kind, status, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING id`,
		ownerID, provider, kind, types.JobPending, data,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to enqueue sync job", err)
	}
	return id, nil
}

// ClaimBatch atomically claims up to limit pending jobs, marking them
// running and stamping started_at. FOR UPDATE SKIP LOCKED keeps concurrent
// workers from ever claiming the same row; the subquery-with-UPDATE keeps
// the claim and the status flip in one statement so no reader sees a
// half-claimed job.
func (r *JobRepository) ClaimBatch(ctx context.Context, limit int) ([]*types.SyncJob, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE sync_jobs
		 SET status = $1, started_at = NOW()
		 WHERE id IN (
		   SELECT id FROM sync_jobs
		   WHERE status = $2
		   ORDER BY created_at ASC
		   LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		types.JobRunning, types.JobPending, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim job batch", err)
	}
	defer rows.Close()

	var jobs []*types.SyncJob
	for rows.Next() {
		var job types.SyncJob
		if err := rows.Scan(
			&job.ID, &job.OwnerID, &job.Provider, &job.Kind, &job.Status,
			&job.Payload, &job.LastError, &job.CreatedAt, &job.StartedAt, &job.FinishedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan claimed job", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate claimed jobs", err)
	}
	return jobs, nil
}

// MarkSucceeded transitions a running job to succeeded.
func (r *JobRepository) MarkSucceeded(ctx context.Context, id int64) error {
	return r.finish(ctx, id, types.JobSucceeded, nil)
}

// MarkFailed transitions a running job to failed, recording the error text.
func (r *JobRepository) MarkFailed(ctx context.Context, id int64, jobErr error) error {
	var msg *string
	if jobErr != nil {
		s := jobErr.Error()
		msg = &s
	}
	return r.finish(ctx, id, types.JobFailed, msg)
}

// finish applies a terminal transition. The WHERE status = 'running' guard
// enforces monotonicity at the database: a row that already reached a
// terminal state, or was never claimed, is not touched.
func (r *JobRepository) finish(ctx context.Context, id int64, status types.JobStatus, errMsg *string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sync_jobs
		 SET status = $2, last_error = $3, finished_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, status, errMsg, types.JobRunning,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish sync job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob,
			"sync job not running; terminal states are never overwritten", nil)
	}
	return nil
}

// CountPending returns the current queue depth.
func (r *JobRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_jobs WHERE status = $1`,
		types.JobPending,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count pending jobs", err)
	}
	return n, nil
}

// ListFinishedBefore returns terminal jobs that finished before the cutoff,
// bounded by limit. Used by maintenance to feed the archive pass.
func (r *JobRepository) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.SyncJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM sync_jobs
		 WHERE status IN ($1, $2) AND finished_at < $3
		 ORDER BY finished_at ASC
		 LIMIT $4`,
		types.JobSucceeded, types.JobFailed, cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list finished jobs", err)
	}
	defer rows.Close()

	var jobs []*types.SyncJob
	for rows.Next() {
		var job types.SyncJob
		if err := rows.Scan(
			&job.ID, &job.OwnerID, &job.Provider, &job.Kind, &job.Status,
			&job.Payload, &job.LastError, &job.CreatedAt, &job.StartedAt, &job.FinishedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan finished job", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate finished jobs", err)
	}
	return jobs, nil
}

// InsertArchived writes a compressed copy of a terminal job into
// sync_jobs_archive. The payload is zstd-compressed by the caller.
func (r *JobRepository) InsertArchived(ctx context.Context, job *types.SyncJob, compressedPayload []byte) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sync_jobs_archive
		   (id, owner_id, provider, kind, status, payload_zstd, last_error,
		    created_at, started_at, finished_at, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, job.OwnerID, job.Provider, job.Kind, job.Status, compressedPayload,
		job.LastError, job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to archive sync job", err)
	}
	return nil
}

// DeleteByIDs removes archived source rows from the live table.
func (r *JobRepository) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM sync_jobs WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived jobs", err)
	}
	return tag.RowsAffected(), nil
}
