// Package handlers contains the HTTP handler implementations for the sync
// service API: the provider webhook ingestor, the scheduler entrypoints,
// and the user-facing sync triggers.
package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"calsync/internal/types"
)

// Provider notification headers on inbound webhook deliveries.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
)

// WebhookWatchStore defines the watch reads and stamps the ingestor needs.
type WebhookWatchStore interface {
	GetByChannelID(ctx context.Context, channelID string) (*types.WatchChannel, error)
	TouchNotified(ctx context.Context, channelID string, at time.Time) error
}

// JobEnqueuer defines the queue write contract shared by the producers.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, ownerID string, provider types.Provider, kind types.JobKind, payload types.JobPayload) (int64, error)
}

// WorkerWaker nudges the worker after an enqueue. Optional everywhere it
// appears; a nil waker just means the worker finds the job on its next poll.
type WorkerWaker interface {
	Wake(ctx context.Context, msg types.WakeMessage) error
}

// WebhookHandler ingests provider push notifications.
//
// The endpoint always returns 200 with an empty body, whatever it thinks of
// the delivery. The provider retries non-2xx responses with backoff and
// eventually suspends misbehaving endpoints, so signaling rejection costs
// availability and reveals which channel ids exist. Deliveries that fail
// validation are absorbed and logged; deliveries that pass enqueue a pull
// job and return without touching the provider.
type WebhookHandler struct {
	watches WebhookWatchStore
	jobs    JobEnqueuer
	waker   WorkerWaker
	logger  *slog.Logger
	now     func() time.Time
}

// NewWebhookHandler creates a WebhookHandler. waker may be nil.
func NewWebhookHandler(watches WebhookWatchStore, jobs JobEnqueuer, waker WorkerWaker, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		watches: watches,
		jobs:    jobs,
		waker:   waker,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes mounts the webhook route. No auth middleware: the secret
// check is per-channel, inside Receive.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/calendar", h.Receive)
}

// Receive handles one push notification delivery.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := r.Header.Get(headerChannelID)
	state := r.Header.Get(headerResourceState)

	// Every path below returns 200 with an empty body.
	defer w.WriteHeader(http.StatusOK)

	if channelID == "" {
		h.logger.WarnContext(ctx, "webhook delivery without channel id absorbed")
		return
	}

	watch, err := h.watches.GetByChannelID(ctx, channelID)
	if err != nil {
		// Unknown channels are routine: replaced channels keep delivering
		// until the provider stops them or they expire.
		h.logger.InfoContext(ctx, "webhook for unknown channel absorbed",
			"channel_id", channelID, "resource_state", state)
		return
	}

	presented := r.Header.Get(headerChannelToken)
	if subtle.ConstantTimeCompare([]byte(watch.Secret.Unmask()), []byte(presented)) != 1 {
		h.logger.WarnContext(ctx, "webhook with bad channel secret absorbed",
			"channel_id", channelID)
		return
	}

	if err := h.watches.TouchNotified(ctx, channelID, h.now()); err != nil {
		h.logger.WarnContext(ctx, "failed to stamp webhook receipt",
			"channel_id", channelID, "error", err)
	}

	// The initial "sync" delivery confirms the channel; there is nothing to
	// pull yet.
	if state == "sync" {
		h.logger.InfoContext(ctx, "watch channel confirmed", "channel_id", channelID)
		return
	}

	jobID, err := h.jobs.Enqueue(ctx, watch.OwnerID, watch.Provider, types.JobPullChanges, &types.PullChangesPayload{
		OwnerID:       watch.OwnerID,
		ChannelID:     channelID,
		ResourceState: state,
		Reason:        "webhook",
	})
	if err != nil {
		// Still 200: the scheduler's safety-net pull covers the miss.
		h.logger.ErrorContext(ctx, "failed to enqueue pull job for webhook",
			"channel_id", channelID, "error", err)
		return
	}

	h.logger.InfoContext(ctx, "webhook accepted",
		"channel_id", channelID,
		"owner_id", watch.OwnerID,
		"resource_id", r.Header.Get(headerResourceID),
		"resource_state", state,
		"job_id", jobID,
	)

	if h.waker != nil {
		if err := h.waker.Wake(ctx, types.WakeMessage{
			TraceID:     types.GetRequestID(ctx),
			BatchLimit:  1,
			Reason:      "webhook",
			RequestedAt: h.now(),
		}); err != nil {
			h.logger.WarnContext(ctx, "failed to wake worker; job waits for poll", "error", err)
		}
	}
}
