package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/types"
)

type mockWatchCreator struct {
	channel *types.WatchChannel
	err     error

	ownerIDs    []string
	calendarIDs []string
	scopes      []types.WatchScope
}

func (m *mockWatchCreator) CreateOrRenew(_ context.Context, ownerID, calendarID string, scope types.WatchScope) (*types.WatchChannel, error) {
	m.ownerIDs = append(m.ownerIDs, ownerID)
	m.calendarIDs = append(m.calendarIDs, calendarID)
	m.scopes = append(m.scopes, scope)
	return m.channel, m.err
}

type mockSyncWatchStore struct {
	channels []*types.WatchChannel
	err      error
}

func (m *mockSyncWatchStore) ListForOwner(_ context.Context, _ string) ([]*types.WatchChannel, error) {
	return m.channels, m.err
}

func newSyncHandler(watches *mockWatchCreator, store *mockSyncWatchStore, jobs *mockEnqueuer, waker *mockWaker) *SyncHandler {
	var w WorkerWaker
	if waker != nil {
		w = waker
	}
	return NewSyncHandler(watches, store, jobs, w, "primary", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func authedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	ctx := types.WithActor(req.Context(), types.Actor{
		ID:      "key-1",
		OwnerID: "owner-1",
		Source:  "api_key",
	})
	return req.WithContext(ctx)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateWatch_EstablishesChannelForActor(t *testing.T) {
	watches := &mockWatchCreator{channel: &types.WatchChannel{
		ChannelID:  "chan-1",
		Secret:     "channel-secret",
		CalendarID: "primary",
		Scope:      types.ScopeOrganization,
		ResourceID: "resource-1",
		Expiration: time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
	}}
	h := newSyncHandler(watches, &mockSyncWatchStore{}, &mockEnqueuer{}, nil)

	req := authedRequest(http.MethodPost, "/v1/sync/watches",
		`{"calendar_id":"primary","scope":"organization"}`)
	rec := httptest.NewRecorder()
	h.CreateWatch(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"owner-1"}, watches.ownerIDs)
	assert.Equal(t, []types.WatchScope{types.ScopeOrganization}, watches.scopes)

	// The channel secret never leaves the service.
	assert.NotContains(t, rec.Body.String(), "channel-secret")
	var resp struct {
		Data WatchResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chan-1", resp.Data.ChannelID)
	assert.Equal(t, "resource-1", resp.Data.ResourceID)
}

func TestCreateWatch_OmittedCalendarUsesDefault(t *testing.T) {
	watches := &mockWatchCreator{channel: &types.WatchChannel{
		ChannelID:  "chan-1",
		CalendarID: "primary",
		Scope:      types.ScopeOrganization,
		Expiration: time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
	}}
	h := newSyncHandler(watches, &mockSyncWatchStore{}, &mockEnqueuer{}, nil)

	req := authedRequest(http.MethodPost, "/v1/sync/watches", `{"scope":"organization"}`)
	rec := httptest.NewRecorder()
	h.CreateWatch(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"primary"}, watches.calendarIDs)
}

func TestCreateWatch_InvalidScopeRejected(t *testing.T) {
	watches := &mockWatchCreator{}
	h := newSyncHandler(watches, &mockSyncWatchStore{}, &mockEnqueuer{}, nil)

	req := authedRequest(http.MethodPost, "/v1/sync/watches",
		`{"calendar_id":"primary","scope":"galactic"}`)
	rec := httptest.NewRecorder()
	h.CreateWatch(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, watches.ownerIDs)
}

func TestCreateWatch_MissingActorUnauthorized(t *testing.T) {
	h := newSyncHandler(&mockWatchCreator{}, &mockSyncWatchStore{}, &mockEnqueuer{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sync/watches",
		strings.NewReader(`{"calendar_id":"primary","scope":"organization"}`))
	rec := httptest.NewRecorder()
	h.CreateWatch(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpsertEvent_EnqueuesAndAcknowledges(t *testing.T) {
	jobs := &mockEnqueuer{}
	waker := &mockWaker{}
	h := newSyncHandler(&mockWatchCreator{}, &mockSyncWatchStore{}, jobs, waker)

	req := authedRequest(http.MethodPost, "/v1/sync/events/event-7", `{"send_invites":true}`)
	req = withURLParam(req, "eventID", "event-7")
	rec := httptest.NewRecorder()
	h.UpsertEvent(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, types.JobUpsertEvent, jobs.kinds[0])
	p, ok := jobs.jobs[0].(*types.UpsertEventPayload)
	require.True(t, ok)
	assert.Equal(t, "event-7", p.EventID)
	assert.Equal(t, "owner-1", p.OwnerID)
	assert.True(t, p.SendInvites)

	var resp struct {
		Data EnqueuedResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Data.JobID)
	assert.Len(t, waker.msgs, 1)
}

func TestUpsertEvent_BodyOptional(t *testing.T) {
	jobs := &mockEnqueuer{}
	h := newSyncHandler(&mockWatchCreator{}, &mockSyncWatchStore{}, jobs, nil)

	req := authedRequest(http.MethodPost, "/v1/sync/events/event-7", "")
	req = withURLParam(req, "eventID", "event-7")
	rec := httptest.NewRecorder()
	h.UpsertEvent(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	p, ok := jobs.jobs[0].(*types.UpsertEventPayload)
	require.True(t, ok)
	assert.False(t, p.SendInvites)
}

func TestSyncRunNow_FansOutPerChannel(t *testing.T) {
	store := &mockSyncWatchStore{channels: []*types.WatchChannel{
		{ChannelID: "chan-a", OwnerID: "owner-1", Provider: types.ProviderGoogle},
		{ChannelID: "chan-b", OwnerID: "owner-1", Provider: types.ProviderGoogle},
	}}
	jobs := &mockEnqueuer{}
	waker := &mockWaker{}
	h := newSyncHandler(&mockWatchCreator{}, store, jobs, waker)

	req := authedRequest(http.MethodPost, "/v1/sync/run-now", "")
	rec := httptest.NewRecorder()
	h.RunNow(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		Data RunNowResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.JobsEnqueued)

	require.Len(t, jobs.jobs, 2)
	for _, j := range jobs.jobs {
		p, ok := j.(*types.PullChangesPayload)
		require.True(t, ok)
		assert.Equal(t, "run_now", p.Reason)
	}
	require.Len(t, waker.msgs, 1)
	assert.Equal(t, 2, waker.msgs[0].BatchLimit)
}

func TestSyncRunNow_NoChannelsNoWake(t *testing.T) {
	waker := &mockWaker{}
	h := newSyncHandler(&mockWatchCreator{}, &mockSyncWatchStore{}, &mockEnqueuer{}, waker)

	req := authedRequest(http.MethodPost, "/v1/sync/run-now", "")
	rec := httptest.NewRecorder()
	h.RunNow(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, waker.msgs)
}
