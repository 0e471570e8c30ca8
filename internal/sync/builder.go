// Package sync implements the calendar upsert engine: projecting internal
// event records onto provider calendars idempotently, with the stored
// external ids as the idempotency keys.
package sync

import (
	"fmt"
	"strings"
	"time"

	"calsync/internal/external"
	"calsync/internal/types"
)

// EventTagKey is the private extended property carrying the internal event
// id on every projected event. The pull path matches on it to recognize the
// engine's own events in the change feed.
const EventTagKey = "calsync_event_id"

// BuildProviderEvent maps an internal event record onto the provider's wire
// shape. The description carries only booking coordinates (location and
// contact); free-form notes stay internal.
//
// All-day events use exclusive date ranges, so a one-day event ends on the
// following date. Timed events resolve the start instant in the event's
// timezone and run for the recorded duration.
func BuildProviderEvent(e *types.InternalEvent, sendInvites bool) (*external.Event, error) {
	start, end, err := eventBounds(e)
	if err != nil {
		return nil, err
	}

	out := &external.Event{
		Summary:     e.BusinessName,
		Description: buildDescription(e),
		Location:    e.Location,
		Start:       start,
		End:         end,
		ExtendedProperties: &external.ExtendedProperties{
			Private: map[string]string{EventTagKey: e.ID},
		},
	}

	if sendInvites {
		for _, email := range e.AttendeeEmails {
			out.Attendees = append(out.Attendees, external.EventAttendee{Email: email})
		}
	}
	return out, nil
}

func eventBounds(e *types.InternalEvent) (*external.EventDateTime, *external.EventDateTime, error) {
	if e.AllDay() {
		day := e.EventDate.Format("2006-01-02")
		next := e.EventDate.AddDate(0, 0, 1).Format("2006-01-02")
		return &external.EventDateTime{Date: day}, &external.EventDateTime{Date: next}, nil
	}

	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("event %s has unrecognized timezone %q", e.ID, e.Timezone), err)
	}

	startAt := time.Date(e.EventDate.Year(), e.EventDate.Month(), e.EventDate.Day(),
		0, 0, 0, 0, loc).Add(*e.EventTime)
	duration := time.Duration(e.DurationMinutes) * time.Minute
	if duration <= 0 {
		duration = time.Hour
	}
	endAt := startAt.Add(duration)

	return &external.EventDateTime{
			DateTime: startAt.Format(time.RFC3339),
			TimeZone: e.Timezone,
		}, &external.EventDateTime{
			DateTime: endAt.Format(time.RFC3339),
			TimeZone: e.Timezone,
		}, nil
}

// buildDescription assembles the event body from the fields safe to expose
// on a shared calendar. Notes are deliberately excluded.
func buildDescription(e *types.InternalEvent) string {
	var lines []string
	if e.Location != "" {
		lines = append(lines, "Location: "+e.Location)
	}
	if e.ContactName != "" {
		lines = append(lines, "Contact: "+e.ContactName)
	}
	if e.ContactEmail != "" {
		lines = append(lines, "Email: "+e.ContactEmail)
	}
	return strings.Join(lines, "\n")
}
