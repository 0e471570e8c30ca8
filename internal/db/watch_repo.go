package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"calsync/internal/types"
)

// watchColumns is the canonical column list for watch_channels scans.
const watchColumns = `channel_id, secret, owner_id, provider, calendar_id, scope,
	resource_id, expiration, sync_cursor, last_notified_at, created_at, updated_at`

// WatchRepository provides data access for the watch_channels table.
// The table holds at most one active channel per (owner, calendar, scope):
// Replace overwrites the prior tuple row, and the replaced channel id
// simply stops resolving, which is how stale webhook deliveries become
// silent no-ops.
type WatchRepository struct {
	db DBTX
}

// NewWatchRepository creates a new WatchRepository backed by the given
// database connection (pool or transaction).
func NewWatchRepository(db DBTX) *WatchRepository {
	return &WatchRepository{db: db}
}

func scanWatch(row pgx.Row) (*types.WatchChannel, error) {
	var (
		w      types.WatchChannel
		secret string
	)
	err := row.Scan(
		&w.ChannelID,
		&secret,
		&w.OwnerID,
		&w.Provider,
		&w.CalendarID,
		&w.Scope,
		&w.ResourceID,
		&w.Expiration,
		&w.SyncCursor,
		&w.LastNotifiedAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Secret = types.SecretString(secret)
	return &w, nil
}

// GetByChannelID returns the watch with the given locally generated channel
// id. Returns ErrCodeNotFoundWatch when the channel is unknown, which the
// webhook ingestor treats as a normal stale-channel delivery.
func (r *WatchRepository) GetByChannelID(ctx context.Context, channelID string) (*types.WatchChannel, error) {
	w, err := scanWatch(r.db.QueryRow(ctx,
		`SELECT `+watchColumns+` FROM watch_channels WHERE channel_id = $1`,
		channelID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundWatch, "unknown watch channel", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query watch channel", err)
	}
	return w, nil
}

// GetForTuple returns the active channel for (owner, calendar, scope), or
// ErrCodeNotFoundWatch when none exists yet.
func (r *WatchRepository) GetForTuple(ctx context.Context, ownerID, calendarID string, scope types.WatchScope) (*types.WatchChannel, error) {
	w, err := scanWatch(r.db.QueryRow(ctx,
		`SELECT `+watchColumns+`
		 FROM watch_channels
		 WHERE owner_id = $1 AND calendar_id = $2 AND scope = $3`,
		ownerID, calendarID, scope,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundWatch, "no watch channel for calendar", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query watch channel", err)
	}
	return w, nil
}

// ListActive returns all channels that have not yet expired, ordered by
// expiration so the scheduler's capped safety-net pulls favor the channels
// closest to lapsing.
func (r *WatchRepository) ListActive(ctx context.Context, now time.Time) ([]*types.WatchChannel, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+watchColumns+`
		 FROM watch_channels
		 WHERE expiration > $1
		 ORDER BY expiration ASC`,
		now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active watch channels", err)
	}
	defer rows.Close()

	var watches []*types.WatchChannel
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan watch channel", err)
		}
		watches = append(watches, w)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate watch channels", err)
	}
	return watches, nil
}

// ListForOwner returns all of an owner's channels, expired ones included;
// the renewal path re-arms every tuple the owner holds.
func (r *WatchRepository) ListForOwner(ctx context.Context, ownerID string) ([]*types.WatchChannel, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+watchColumns+`
		 FROM watch_channels
		 WHERE owner_id = $1
		 ORDER BY calendar_id, scope`,
		ownerID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list owner watch channels", err)
	}
	defer rows.Close()

	var watches []*types.WatchChannel
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan watch channel", err)
		}
		watches = append(watches, w)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate watch channels", err)
	}
	return watches, nil
}

// Replace persists a freshly created channel, overwriting any prior row for
// the same (owner, calendar, scope) tuple. Called only after the provider
// has confirmed the new channel, so a crash between create and persist
// leaves the old row (and its still-working channel) in place.
func (r *WatchRepository) Replace(ctx context.Context, w *types.WatchChannel) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO watch_channels
		   (channel_id, secret, owner_id, provider, calendar_id, scope,
		    resource_id, expiration, sync_cursor, last_notified_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, NOW(), NOW())
		 ON CONFLICT (owner_id, calendar_id, scope) DO UPDATE
		   SET channel_id = EXCLUDED.channel_id,
		       secret = EXCLUDED.secret,
		       resource_id = EXCLUDED.resource_id,
		       expiration = EXCLUDED.expiration,
		       sync_cursor = EXCLUDED.sync_cursor,
		       last_notified_at = NULL,
		       updated_at = NOW()`,
		w.ChannelID, w.Secret.Unmask(), w.OwnerID, w.Provider, w.CalendarID, w.Scope,
		w.ResourceID, w.Expiration, w.SyncCursor,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to persist watch channel", err)
	}
	return nil
}

// UpdateCursor stores the cursor returned by a successful pull.
func (r *WatchRepository) UpdateCursor(ctx context.Context, channelID, cursor string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE watch_channels SET sync_cursor = $2, updated_at = NOW() WHERE channel_id = $1`,
		channelID, cursor,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update sync cursor", err)
	}
	if tag.RowsAffected() == 0 {
		// The channel was replaced mid-pull. Normal; the cursor belongs to
		// the dead channel and the new one fetched its own.
		return types.NewAppError(types.ErrCodeNotFoundWatch, "watch channel replaced during pull", nil)
	}
	return nil
}

// TouchNotified stamps the receipt of a webhook delivery.
func (r *WatchRepository) TouchNotified(ctx context.Context, channelID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE watch_channels SET last_notified_at = $2, updated_at = NOW() WHERE channel_id = $1`,
		channelID, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to stamp webhook receipt", err)
	}
	return nil
}

// DistinctOwnerScopes returns every (owner, scope) pair holding at least
// one channel. The scheduler enqueues one renewal per pair each tick.
func (r *WatchRepository) DistinctOwnerScopes(ctx context.Context) (map[string][]types.WatchScope, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT owner_id, scope FROM watch_channels ORDER BY owner_id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list watch owners", err)
	}
	defer rows.Close()

	result := make(map[string][]types.WatchScope)
	for rows.Next() {
		var (
			ownerID string
			scope   types.WatchScope
		)
		if err := rows.Scan(&ownerID, &scope); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan watch owner", err)
		}
		result[ownerID] = append(result[ownerID], scope)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate watch owners", err)
	}
	return result, nil
}

// DeleteExpiredBefore removes rows whose channels lapsed before the cutoff.
// Maintenance only; live replacement goes through Replace.
func (r *WatchRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM watch_channels WHERE expiration < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge expired watch channels", err)
	}
	return tag.RowsAffected(), nil
}
