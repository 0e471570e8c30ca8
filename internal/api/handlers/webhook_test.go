package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/types"
)

type mockWebhookWatchStore struct {
	watch    *types.WatchChannel
	notified []string
}

func (m *mockWebhookWatchStore) GetByChannelID(_ context.Context, channelID string) (*types.WatchChannel, error) {
	if m.watch == nil || m.watch.ChannelID != channelID {
		return nil, types.NewAppError(types.ErrCodeNotFoundWatch, "no watch channel", nil)
	}
	return m.watch, nil
}

func (m *mockWebhookWatchStore) TouchNotified(_ context.Context, channelID string, _ time.Time) error {
	m.notified = append(m.notified, channelID)
	return nil
}

type mockEnqueuer struct {
	jobs   []types.JobPayload
	owners []string
	kinds  []types.JobKind
	err    error
}

func (m *mockEnqueuer) Enqueue(_ context.Context, ownerID string, _ types.Provider, kind types.JobKind, payload types.JobPayload) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.owners = append(m.owners, ownerID)
	m.kinds = append(m.kinds, kind)
	m.jobs = append(m.jobs, payload)
	return int64(len(m.jobs)), nil
}

type mockWaker struct {
	msgs []types.WakeMessage
	err  error
}

func (m *mockWaker) Wake(_ context.Context, msg types.WakeMessage) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

func knownWatch() *types.WatchChannel {
	return &types.WatchChannel{
		ChannelID:  "chan-1",
		Secret:     "channel-secret",
		OwnerID:    "owner-1",
		Provider:   types.ProviderGoogle,
		CalendarID: "primary",
		Scope:      types.ScopeOrganization,
	}
}

func deliver(h *WebhookHandler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/calendar", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.Receive(rec, req)
	return rec
}

func TestWebhook_ValidDeliveryEnqueuesPull(t *testing.T) {
	store := &mockWebhookWatchStore{watch: knownWatch()}
	jobs := &mockEnqueuer{}
	waker := &mockWaker{}
	h := NewWebhookHandler(store, jobs, waker, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := deliver(h, map[string]string{
		headerChannelID:     "chan-1",
		headerChannelToken:  "channel-secret",
		headerResourceID:    "resource-1",
		headerResourceState: "exists",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, []string{"chan-1"}, store.notified)

	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, types.JobPullChanges, jobs.kinds[0])
	assert.Equal(t, "owner-1", jobs.owners[0])
	p, ok := jobs.jobs[0].(*types.PullChangesPayload)
	require.True(t, ok)
	assert.Equal(t, "chan-1", p.ChannelID)
	assert.Equal(t, "exists", p.ResourceState)
	assert.Equal(t, "webhook", p.Reason)

	require.Len(t, waker.msgs, 1)
	assert.Equal(t, "webhook", waker.msgs[0].Reason)
}

func TestWebhook_SyncStateConfirmsWithoutEnqueue(t *testing.T) {
	store := &mockWebhookWatchStore{watch: knownWatch()}
	jobs := &mockEnqueuer{}
	h := NewWebhookHandler(store, jobs, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := deliver(h, map[string]string{
		headerChannelID:     "chan-1",
		headerChannelToken:  "channel-secret",
		headerResourceState: "sync",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"chan-1"}, store.notified)
	assert.Empty(t, jobs.jobs)
}

func TestWebhook_UnknownChannelAbsorbed(t *testing.T) {
	jobs := &mockEnqueuer{}
	h := NewWebhookHandler(&mockWebhookWatchStore{}, jobs, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := deliver(h, map[string]string{
		headerChannelID:     "never-heard-of-it",
		headerChannelToken:  "whatever",
		headerResourceState: "exists",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, jobs.jobs)
}

func TestWebhook_BadSecretAbsorbed(t *testing.T) {
	store := &mockWebhookWatchStore{watch: knownWatch()}
	jobs := &mockEnqueuer{}
	h := NewWebhookHandler(store, jobs, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := deliver(h, map[string]string{
		headerChannelID:     "chan-1",
		headerChannelToken:  "wrong-secret",
		headerResourceState: "exists",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, jobs.jobs)
	assert.Empty(t, store.notified)
}

func TestWebhook_MissingChannelIDAbsorbed(t *testing.T) {
	jobs := &mockEnqueuer{}
	h := NewWebhookHandler(&mockWebhookWatchStore{}, jobs, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := deliver(h, map[string]string{headerResourceState: "exists"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, jobs.jobs)
}

func TestWebhook_EnqueueFailureStillReturns200(t *testing.T) {
	store := &mockWebhookWatchStore{watch: knownWatch()}
	jobs := &mockEnqueuer{err: types.NewAppError(types.ErrCodeInternalDB, "insert failed", nil)}
	h := NewWebhookHandler(store, jobs, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := deliver(h, map[string]string{
		headerChannelID:     "chan-1",
		headerChannelToken:  "channel-secret",
		headerResourceState: "exists",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
}
