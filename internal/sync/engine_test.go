package sync

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/external"
	"calsync/internal/types"
)

type mockTokenSource struct {
	token types.SecretString
	err   error
}

func (m *mockTokenSource) ValidAccessToken(_ context.Context, _ string, _ types.Provider) (types.SecretString, error) {
	return m.token, m.err
}

type mockRecordStore struct {
	event       *types.InternalEvent
	eventErr    error
	resource    *types.Resource
	resourceErr error
}

func (m *mockRecordStore) GetEvent(_ context.Context, _ string) (*types.InternalEvent, error) {
	return m.event, m.eventErr
}

func (m *mockRecordStore) GetResource(_ context.Context, _ string) (*types.Resource, error) {
	if m.resourceErr != nil {
		return nil, m.resourceErr
	}
	return m.resource, nil
}

type mockProjectionStore struct {
	proj   *types.EventProjection
	getErr error

	saved   *types.EventProjection
	saveErr error
}

func (m *mockProjectionStore) Get(_ context.Context, _ string) (*types.EventProjection, error) {
	return m.proj, m.getErr
}

func (m *mockProjectionStore) Save(_ context.Context, p *types.EventProjection) error {
	m.saved = p
	return m.saveErr
}

type providerCall struct {
	op          string
	calendarID  string
	eventID     string
	sendUpdates types.SendUpdates
	attendees   int
}

// mockProviderEvents records every insert/update and answers from per-calendar
// canned results.
type mockProviderEvents struct {
	calls []providerCall

	insertID   string
	insertErrs map[string]error
	updateErrs map[string]error
}

func (m *mockProviderEvents) InsertEvent(_ context.Context, _ types.SecretString, calendarID string, event *external.Event, sendUpdates types.SendUpdates) (*external.Event, error) {
	m.calls = append(m.calls, providerCall{op: "insert", calendarID: calendarID, sendUpdates: sendUpdates, attendees: len(event.Attendees)})
	if err := m.insertErrs[calendarID]; err != nil {
		return nil, err
	}
	id := m.insertID
	if id == "" {
		id = "created-" + calendarID
	}
	return &external.Event{ID: id, HTMLLink: "https://calendar.example.com/event?eid=" + id}, nil
}

func (m *mockProviderEvents) UpdateEvent(_ context.Context, _ types.SecretString, calendarID, eventID string, event *external.Event, sendUpdates types.SendUpdates) (*external.Event, error) {
	m.calls = append(m.calls, providerCall{op: "update", calendarID: calendarID, eventID: eventID, sendUpdates: sendUpdates, attendees: len(event.Attendees)})
	if err := m.updateErrs[calendarID]; err != nil {
		return nil, err
	}
	return &external.Event{ID: eventID, HTMLLink: "https://calendar.example.com/event?eid=" + eventID}, nil
}

var engineNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine(records *mockRecordStore, projections *mockProjectionStore, provider *mockProviderEvents) *Engine {
	return NewEngine(EngineConfig{
		Tokens:        &mockTokenSource{token: "access-token"},
		Records:       records,
		Projections:   projections,
		Provider:      provider,
		OrgCalendarID: "org-calendar",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           func() time.Time { return engineNow },
	})
}

func strPtr(s string) *string { return &s }

func TestUpsertEvent_FreshEventCreatesBothTargets(t *testing.T) {
	records := &mockRecordStore{
		event:    timedEvent(),
		resource: &types.Resource{ID: "res-1", CalendarID: "res-calendar"},
	}
	projections := &mockProjectionStore{}
	provider := &mockProviderEvents{}
	e := newTestEngine(records, projections, provider)

	err := e.UpsertEvent(context.Background(), "owner-1", "event-1", false)
	require.NoError(t, err)

	require.Len(t, provider.calls, 2)
	assert.Equal(t, "insert", provider.calls[0].op)
	assert.Equal(t, "org-calendar", provider.calls[0].calendarID)
	assert.Equal(t, "insert", provider.calls[1].op)
	assert.Equal(t, "res-calendar", provider.calls[1].calendarID)

	saved := projections.saved
	require.NotNil(t, saved)
	assert.Equal(t, "created-org-calendar", *saved.OrgEventID)
	assert.Equal(t, "created-res-calendar", *saved.ResourceEventID)
	assert.Equal(t, types.ProjectionSynced, saved.Status)
	require.NotNil(t, saved.LastSyncedAt)
	assert.Equal(t, engineNow, *saved.LastSyncedAt)
	assert.Nil(t, saved.LastError)
	require.NotNil(t, saved.OrgHTMLLink)
	assert.Equal(t, "https://calendar.example.com/event?eid=created-org-calendar", *saved.OrgHTMLLink)
	require.NotNil(t, saved.ResourceHTMLLink)
	assert.Equal(t, "https://calendar.example.com/event?eid=created-res-calendar", *saved.ResourceHTMLLink)
}

func TestUpsertEvent_ExistingIDsUpdateInPlace(t *testing.T) {
	records := &mockRecordStore{
		event:    timedEvent(),
		resource: &types.Resource{ID: "res-1", CalendarID: "res-calendar"},
	}
	projections := &mockProjectionStore{
		proj: &types.EventProjection{
			EventID:         "event-1",
			OrgEventID:      strPtr("org-ext-1"),
			ResourceEventID: strPtr("res-ext-1"),
		},
	}
	provider := &mockProviderEvents{}
	e := newTestEngine(records, projections, provider)

	err := e.UpsertEvent(context.Background(), "owner-1", "event-1", false)
	require.NoError(t, err)

	require.Len(t, provider.calls, 2)
	assert.Equal(t, "update", provider.calls[0].op)
	assert.Equal(t, "org-ext-1", provider.calls[0].eventID)
	assert.Equal(t, "update", provider.calls[1].op)
	assert.Equal(t, "res-ext-1", provider.calls[1].eventID)

	// Re-running the upsert keeps the same external ids.
	assert.Equal(t, "org-ext-1", *projections.saved.OrgEventID)
	assert.Equal(t, "res-ext-1", *projections.saved.ResourceEventID)
}

func TestUpsertEvent_SendInvitesOnlyOnOrgTarget(t *testing.T) {
	records := &mockRecordStore{
		event:    timedEvent(),
		resource: &types.Resource{ID: "res-1", CalendarID: "res-calendar"},
	}
	provider := &mockProviderEvents{}
	e := newTestEngine(records, &mockProjectionStore{}, provider)

	err := e.UpsertEvent(context.Background(), "owner-1", "event-1", true)
	require.NoError(t, err)

	require.Len(t, provider.calls, 2)
	org, res := provider.calls[0], provider.calls[1]
	assert.Equal(t, types.SendUpdatesAll, org.sendUpdates)
	assert.Equal(t, 1, org.attendees)
	assert.Equal(t, types.SendUpdatesNone, res.sendUpdates)
	assert.Zero(t, res.attendees)
}

func TestUpsertEvent_OrgFailureStillAttemptsResource(t *testing.T) {
	records := &mockRecordStore{
		event:    timedEvent(),
		resource: &types.Resource{ID: "res-1", CalendarID: "res-calendar"},
	}
	projections := &mockProjectionStore{
		proj: &types.EventProjection{EventID: "event-1", OrgEventID: strPtr("org-ext-1")},
	}
	provider := &mockProviderEvents{
		updateErrs: map[string]error{
			"org-calendar": types.NewAppError(types.ErrCodeUpstreamUnavailable, "org target down", nil),
		},
	}
	e := newTestEngine(records, projections, provider)

	err := e.UpsertEvent(context.Background(), "owner-1", "event-1", false)
	require.Error(t, err)

	// The resource target still ran.
	require.Len(t, provider.calls, 2)
	assert.Equal(t, "res-calendar", provider.calls[1].calendarID)

	// One target landing is enough to count as synced; the org failure
	// travels on the returned error, not the projection row.
	saved := projections.saved
	require.NotNil(t, saved)
	assert.Equal(t, types.ProjectionSynced, saved.Status)
	assert.Nil(t, saved.LastError)
	require.NotNil(t, saved.LastSyncedAt)

	// A transient failure never clears an id already on file.
	require.NotNil(t, saved.OrgEventID)
	assert.Equal(t, "org-ext-1", *saved.OrgEventID)
	// The resource side succeeded and won its id.
	require.NotNil(t, saved.ResourceEventID)
}

func TestUpsertEvent_ResourceFailureStillMarksSynced(t *testing.T) {
	records := &mockRecordStore{
		event:    timedEvent(),
		resource: &types.Resource{ID: "res-1", CalendarID: "res-calendar"},
	}
	projections := &mockProjectionStore{
		proj: &types.EventProjection{
			EventID:    "event-1",
			OrgEventID: strPtr("org-ext-1"),
			Status:     types.ProjectionError,
			LastError:  strPtr("earlier pass failed"),
		},
	}
	provider := &mockProviderEvents{
		insertErrs: map[string]error{
			"res-calendar": types.NewAppError(types.ErrCodeUpstreamUnavailable, "resource target down", nil),
		},
	}
	e := newTestEngine(records, projections, provider)

	err := e.UpsertEvent(context.Background(), "owner-1", "event-1", false)
	require.Error(t, err)

	saved := projections.saved
	require.NotNil(t, saved)
	assert.Equal(t, types.ProjectionSynced, saved.Status)
	assert.Nil(t, saved.LastError)
	require.NotNil(t, saved.LastSyncedAt)
	assert.Equal(t, engineNow, *saved.LastSyncedAt)
	assert.Equal(t, "org-ext-1", *saved.OrgEventID)
	assert.Nil(t, saved.ResourceEventID)
}

func TestUpsertEvent_BothTargetsFailingMarksError(t *testing.T) {
	records := &mockRecordStore{
		event:    timedEvent(),
		resource: &types.Resource{ID: "res-1", CalendarID: "res-calendar"},
	}
	projections := &mockProjectionStore{}
	provider := &mockProviderEvents{
		insertErrs: map[string]error{
			"org-calendar": types.NewAppError(types.ErrCodeUpstreamUnavailable, "org target down", nil),
			"res-calendar": types.NewAppError(types.ErrCodeUpstreamUnavailable, "resource target down", nil),
		},
	}
	e := newTestEngine(records, projections, provider)

	err := e.UpsertEvent(context.Background(), "owner-1", "event-1", false)
	require.Error(t, err)

	saved := projections.saved
	require.NotNil(t, saved)
	assert.Equal(t, types.ProjectionError, saved.Status)
	require.NotNil(t, saved.LastError)
	assert.Contains(t, *saved.LastError, "org target down")
	assert.Contains(t, *saved.LastError, "resource target down")
	assert.Nil(t, saved.LastSyncedAt)
}

func TestUpsertEvent_ProviderEventGoneClearsStaleID(t *testing.T) {
	records := &mockRecordStore{event: timedEvent()}
	records.event.ResourceID = nil
	projections := &mockProjectionStore{
		proj: &types.EventProjection{
			EventID:     "event-1",
			OrgEventID:  strPtr("org-ext-1"),
			OrgHTMLLink: strPtr("https://calendar.example.com/event?eid=org-ext-1"),
		},
	}
	provider := &mockProviderEvents{
		updateErrs: map[string]error{
			"org-calendar": types.NewAppError(types.ErrCodeProviderEventGone, "event deleted upstream", nil),
		},
	}
	e := newTestEngine(records, projections, provider)

	err := e.UpsertEvent(context.Background(), "owner-1", "event-1", false)
	require.Error(t, err)

	saved := projections.saved
	require.NotNil(t, saved)
	assert.Nil(t, saved.OrgEventID)
	assert.Nil(t, saved.OrgHTMLLink)
	assert.Equal(t, types.ProjectionError, saved.Status)
}

func TestUpsertEvent_NoResourceSkipsSecondTarget(t *testing.T) {
	records := &mockRecordStore{event: timedEvent()}
	records.event.ResourceID = nil
	provider := &mockProviderEvents{}
	e := newTestEngine(records, &mockProjectionStore{}, provider)

	err := e.UpsertEvent(context.Background(), "owner-1", "event-1", false)
	require.NoError(t, err)
	require.Len(t, provider.calls, 1)
	assert.Equal(t, "org-calendar", provider.calls[0].calendarID)
}

func TestUpsertEvent_BrokenResourceLookupOnlyCostsMirror(t *testing.T) {
	records := &mockRecordStore{
		event:       timedEvent(),
		resourceErr: types.NewAppError(types.ErrCodeInternalDB, "resource query failed", nil),
	}
	projections := &mockProjectionStore{}
	provider := &mockProviderEvents{}
	e := newTestEngine(records, projections, provider)

	err := e.UpsertEvent(context.Background(), "owner-1", "event-1", false)
	require.NoError(t, err)

	require.Len(t, provider.calls, 1)
	assert.Equal(t, types.ProjectionSynced, projections.saved.Status)
}
