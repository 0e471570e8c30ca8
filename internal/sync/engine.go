package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"calsync/internal/external"
	"calsync/internal/types"
)

// TokenSource abstracts the token manager.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, ownerID string, provider types.Provider) (types.SecretString, error)
}

// RecordStore is the read-side view of the event records being projected.
// Satisfied by *db.RecordRepository.
type RecordStore interface {
	GetEvent(ctx context.Context, eventID string) (*types.InternalEvent, error)
	GetResource(ctx context.Context, resourceID string) (*types.Resource, error)
}

// ProjectionStore persists event-to-external-id correlations. Satisfied by
// *db.ProjectionRepository.
type ProjectionStore interface {
	Get(ctx context.Context, eventID string) (*types.EventProjection, error)
	Save(ctx context.Context, p *types.EventProjection) error
}

// ProviderEvents abstracts the provider event calls. Satisfied by
// *external.GoogleCalendarClient.
type ProviderEvents interface {
	InsertEvent(ctx context.Context, token types.SecretString, calendarID string, event *external.Event, sendUpdates types.SendUpdates) (*external.Event, error)
	UpdateEvent(ctx context.Context, token types.SecretString, calendarID, eventID string, event *external.Event, sendUpdates types.SendUpdates) (*external.Event, error)
}

// EngineConfig holds the configuration for creating an Engine.
type EngineConfig struct {
	Tokens      TokenSource
	Records     RecordStore
	Projections ProjectionStore
	Provider    ProviderEvents
	// OrgCalendarID is the organization-wide calendar every event is
	// projected onto.
	OrgCalendarID string
	Logger        *slog.Logger

	// Now overrides the clock for testing.
	Now func() time.Time
}

// Engine projects internal events onto provider calendars. Each event has
// up to two targets: the organization calendar (always) and the calendar of
// the event's resource (when one is configured). The targets are
// independent: a failure on one never blocks or rolls back the other.
type Engine struct {
	tokens      TokenSource
	records     RecordStore
	projections ProjectionStore
	provider    ProviderEvents
	orgCalendar string
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates an Engine with the given configuration.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		tokens:      cfg.Tokens,
		records:     cfg.Records,
		projections: cfg.Projections,
		provider:    cfg.Provider,
		orgCalendar: cfg.OrgCalendarID,
		logger:      logger,
		now:         now,
	}
}

// UpsertEvent projects one event onto its target calendars. The stored
// external ids decide create versus update: with an id on file the engine
// updates by id, so re-running the same upsert never duplicates the event.
//
// The projection row is saved after the attempt regardless of outcome. Ids
// won on this or any earlier pass are kept even when the pass fails; the
// only thing that clears an id is the provider reporting the event gone,
// which makes the id stale by definition and routes the next pass through
// the create branch.
func (e *Engine) UpsertEvent(ctx context.Context, ownerID, eventID string, sendInvites bool) error {
	event, err := e.records.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}

	proj, err := e.projections.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if proj == nil {
		proj = &types.EventProjection{EventID: eventID}
	}

	token, err := e.tokens.ValidAccessToken(ctx, ownerID, types.ProviderGoogle)
	if err != nil {
		return err
	}

	orgBody, err := BuildProviderEvent(event, sendInvites)
	if err != nil {
		return err
	}

	orgUpdates := types.SendUpdatesNone
	if sendInvites {
		orgUpdates = types.SendUpdatesAll
	}
	orgErr := e.upsertTarget(ctx, token, e.orgCalendar, orgBody, orgUpdates, &proj.OrgEventID, &proj.OrgHTMLLink)

	// The resource copy is an operational mirror; it never carries
	// attendees or fans out invites.
	var resErr error
	resourceAttempted := false
	if calendarID := e.resourceCalendar(ctx, event); calendarID != "" {
		resourceAttempted = true
		resBody, berr := BuildProviderEvent(event, false)
		if berr != nil {
			resErr = berr
		} else {
			resErr = e.upsertTarget(ctx, token, calendarID, resBody, types.SendUpdatesNone, &proj.ResourceEventID, &proj.ResourceHTMLLink)
		}
	}

	// One target landing is enough for the projection to count as synced;
	// the other target's failure still fails the job, and the retry repairs
	// only the missing side because its counterpart now has an id on file.
	outcome := errors.Join(orgErr, resErr)
	synced := orgErr == nil || (resourceAttempted && resErr == nil)
	if synced {
		proj.Status = types.ProjectionSynced
		proj.LastError = nil
		at := e.now()
		proj.LastSyncedAt = &at
		if outcome != nil {
			e.logger.WarnContext(ctx, "event projected to only one of its calendars",
				"event_id", eventID, "error", outcome)
		}
	} else {
		proj.Status = types.ProjectionError
		msg := outcome.Error()
		proj.LastError = &msg
	}

	if saveErr := e.projections.Save(ctx, proj); saveErr != nil {
		// External ids won this pass are lost locally, but the provider
		// still carries the event tag, so the pull path can reconcile.
		return saveErr
	}
	return outcome
}

// upsertTarget applies one event body to one calendar, maintaining the
// external id and link slots in place. A stale id (provider says the event
// is gone) is cleared so the next pass creates instead of retrying a doomed
// update.
func (e *Engine) upsertTarget(ctx context.Context, token types.SecretString, calendarID string, body *external.Event, sendUpdates types.SendUpdates, externalID, htmlLink **string) error {
	if *externalID != nil {
		updated, err := e.provider.UpdateEvent(ctx, token, calendarID, **externalID, body, sendUpdates)
		if err == nil {
			setLink(htmlLink, updated)
			return nil
		}
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeProviderEventGone {
			return err
		}
		e.logger.WarnContext(ctx, "external event vanished; clearing stale id",
			"calendar_id", calendarID,
			"external_id", **externalID,
		)
		*externalID = nil
		*htmlLink = nil
		return err
	}

	created, err := e.provider.InsertEvent(ctx, token, calendarID, body, sendUpdates)
	if err != nil {
		return err
	}
	*externalID = &created.ID
	setLink(htmlLink, created)
	return nil
}

// setLink refreshes a stored browser link from a provider write response.
// An empty link in the response leaves the stored one untouched.
func setLink(slot **string, event *external.Event) {
	if event != nil && event.HTMLLink != "" {
		link := event.HTMLLink
		*slot = &link
	}
}

// resourceCalendar resolves the event's second target, if any. Events
// without a resource, and resources without a calendar, have only the
// organization target; a failed resource lookup is logged and treated the
// same way so a broken resource row cannot wedge the org projection.
func (e *Engine) resourceCalendar(ctx context.Context, event *types.InternalEvent) string {
	if event.ResourceID == nil {
		return ""
	}
	resource, err := e.records.GetResource(ctx, *event.ResourceID)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to resolve event resource",
			"event_id", event.ID,
			"resource_id", *event.ResourceID,
			"error", err,
		)
		return ""
	}
	return resource.CalendarID
}
