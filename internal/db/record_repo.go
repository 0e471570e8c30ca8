package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"calsync/internal/types"
)

// RecordRepository is the read-side adapter over the application's record
// store (events and resources). The record store belongs to the wider
// business application; the sync engine only reads the columns it projects
// onto external calendars, and never writes here.
type RecordRepository struct {
	db DBTX
}

// NewRecordRepository creates a new RecordRepository backed by the given
// database connection (pool or transaction).
func NewRecordRepository(db DBTX) *RecordRepository {
	return &RecordRepository{db: db}
}

// GetEvent returns one internal event by id. event_time_minutes is the
// nullable time-of-day column (minutes since midnight); NULL marks an
// all-day event.
func (r *RecordRepository) GetEvent(ctx context.Context, eventID string) (*types.InternalEvent, error) {
	var (
		e           types.InternalEvent
		timeMinutes *int
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, owner_id, business_name, event_date, event_time_minutes, duration_minutes,
		        timezone, location, contact_name, contact_email, notes,
		        resource_id, attendee_emails
		 FROM events
		 WHERE id = $1`,
		eventID,
	).Scan(
		&e.ID,
		&e.OwnerID,
		&e.BusinessName,
		&e.EventDate,
		&timeMinutes,
		&e.DurationMinutes,
		&e.Timezone,
		&e.Location,
		&e.ContactName,
		&e.ContactEmail,
		&e.Notes,
		&e.ResourceID,
		&e.AttendeeEmails,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "internal event not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query internal event", err)
	}
	if timeMinutes != nil {
		d := time.Duration(*timeMinutes) * time.Minute
		e.EventTime = &d
	}
	return &e, nil
}

// GetResource returns one bookable resource by id.
func (r *RecordRepository) GetResource(ctx context.Context, resourceID string) (*types.Resource, error) {
	var res types.Resource
	err := r.db.QueryRow(ctx,
		`SELECT id, owner_id, name, COALESCE(calendar_id, '')
		 FROM resources
		 WHERE id = $1`,
		resourceID,
	).Scan(&res.ID, &res.OwnerID, &res.Name, &res.CalendarID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundOwner, "resource not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query resource", err)
	}
	return &res, nil
}
