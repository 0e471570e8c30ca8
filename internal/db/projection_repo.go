package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"calsync/internal/types"
)

// ProjectionRepository provides data access for the event_projections
// table: the stored mapping from one internal event to its external
// calendar representations. The external ids in this table are the durable
// idempotency key for the upsert engine.
type ProjectionRepository struct {
	db DBTX
}

// NewProjectionRepository creates a new ProjectionRepository backed by the
// given database connection (pool or transaction).
func NewProjectionRepository(db DBTX) *ProjectionRepository {
	return &ProjectionRepository{db: db}
}

// Get returns the projection for an internal event, or nil (no error) when
// the event has never been projected. Callers branch on nil to pick the
// create path, so absence is not an error here.
func (r *ProjectionRepository) Get(ctx context.Context, eventID string) (*types.EventProjection, error) {
	var p types.EventProjection
	err := r.db.QueryRow(ctx,
		`SELECT event_id, org_event_id, resource_event_id, org_html_link, resource_html_link,
		        status, last_error, last_synced_at, updated_at
		 FROM event_projections
		 WHERE event_id = $1`,
		eventID,
	).Scan(
		&p.EventID,
		&p.OrgEventID,
		&p.ResourceEventID,
		&p.OrgHTMLLink,
		&p.ResourceHTMLLink,
		&p.Status,
		&p.LastError,
		&p.LastSyncedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query event projection", err)
	}
	return &p, nil
}

// Save upserts a projection row. org_event_id and resource_event_id are
// written exactly as given: callers are responsible for never passing nil
// over a previously stored id unless the id is known stale, which is what
// keeps a failed re-sync from orphaning a working calendar entry.
func (r *ProjectionRepository) Save(ctx context.Context, p *types.EventProjection) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO event_projections
		   (event_id, org_event_id, resource_event_id, org_html_link, resource_html_link,
		    status, last_error, last_synced_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (event_id) DO UPDATE
		   SET org_event_id = EXCLUDED.org_event_id,
		       resource_event_id = EXCLUDED.resource_event_id,
		       org_html_link = EXCLUDED.org_html_link,
		       resource_html_link = EXCLUDED.resource_html_link,
		       status = EXCLUDED.status,
		       last_error = EXCLUDED.last_error,
		       last_synced_at = EXCLUDED.last_synced_at,
		       updated_at = NOW()`,
		p.EventID, p.OrgEventID, p.ResourceEventID, p.OrgHTMLLink, p.ResourceHTMLLink,
		p.Status, p.LastError, p.LastSyncedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save event projection", err)
	}
	return nil
}

// TouchSynced stamps a projection as confirmed-synced at the given time.
// Used by the pull path when the change feed echoes an event the engine
// itself projected. Missing rows are ignored: the feed also carries events
// created directly on the calendar.
func (r *ProjectionRepository) TouchSynced(ctx context.Context, eventID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE event_projections
		 SET status = $2, last_synced_at = $3, updated_at = $3
		 WHERE event_id = $1`,
		eventID, types.ProjectionSynced, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to touch projection sync time", err)
	}
	return nil
}

// ClearByExternalID detaches a projection from an external event the
// provider reports deleted. Whichever column holds the id is nulled; the
// next upsert for the affected event takes the create path.
func (r *ProjectionRepository) ClearByExternalID(ctx context.Context, externalID string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE event_projections
		 SET org_html_link = CASE WHEN org_event_id = $1 THEN NULL ELSE org_html_link END,
		     org_event_id = CASE WHEN org_event_id = $1 THEN NULL ELSE org_event_id END,
		     resource_html_link = CASE WHEN resource_event_id = $1 THEN NULL ELSE resource_html_link END,
		     resource_event_id = CASE WHEN resource_event_id = $1 THEN NULL ELSE resource_event_id END,
		     updated_at = $2
		 WHERE org_event_id = $1 OR resource_event_id = $1`,
		externalID, at,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to clear projection external id", err)
	}
	return tag.RowsAffected(), nil
}
