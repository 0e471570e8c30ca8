package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"calsync/internal/core"
	"calsync/internal/types"
)

// WatchCreator establishes or renews watch channels. Satisfied by
// *watch.Manager.
type WatchCreator interface {
	CreateOrRenew(ctx context.Context, ownerID, calendarID string, scope types.WatchScope) (*types.WatchChannel, error)
}

// SyncWatchStore lists an owner's channels for the run-now fan-out.
type SyncWatchStore interface {
	ListForOwner(ctx context.Context, ownerID string) ([]*types.WatchChannel, error)
}

// CreateWatchRequest is the request body for POST /v1/sync/watches.
// CalendarID may be omitted; the watch then targets the configured default
// calendar.
type CreateWatchRequest struct {
	CalendarID string `json:"calendar_id,omitempty"`
	Scope      string `json:"scope" validate:"required,oneof=organization resource"`
}

// WatchResponse describes an established channel. The channel secret is
// never returned; it only travels to the provider.
type WatchResponse struct {
	ChannelID  string    `json:"channel_id"`
	CalendarID string    `json:"calendar_id"`
	Scope      string    `json:"scope"`
	ResourceID string    `json:"resource_id"`
	Expiration time.Time `json:"expiration"`
}

// UpsertEventRequest is the request body for POST /v1/sync/events/{eventID}.
type UpsertEventRequest struct {
	SendInvites bool `json:"send_invites"`
}

// EnqueuedResponse acknowledges deferred work.
type EnqueuedResponse struct {
	JobID int64 `json:"job_id"`
}

// RunNowResponse reports the manual pull fan-out.
type RunNowResponse struct {
	JobsEnqueued int `json:"jobs_enqueued"`
}

// SyncHandler exposes the user-facing trigger surface: connecting watches,
// requesting event upserts, and forcing an immediate pull. Mutating calendar
// work is never done inline; it is enqueued and acknowledged with 202 so
// the API's latency stays decoupled from the provider's.
type SyncHandler struct {
	watches         WatchCreator
	store           SyncWatchStore
	jobs            JobEnqueuer
	waker           WorkerWaker
	defaultCalendar string
	validator       *core.Validator
	logger          *slog.Logger
}

// NewSyncHandler creates a SyncHandler. waker may be nil. defaultCalendar
// is the calendar watched when a create request names none.
func NewSyncHandler(watches WatchCreator, store SyncWatchStore, jobs JobEnqueuer, waker WorkerWaker, defaultCalendar string, v *core.Validator, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	return &SyncHandler{
		watches:         watches,
		store:           store,
		jobs:            jobs,
		waker:           waker,
		defaultCalendar: defaultCalendar,
		validator:       v,
		logger:          logger,
	}
}

// RegisterRoutes mounts the sync trigger routes. Callers apply the API key
// middleware to the group.
func (h *SyncHandler) RegisterRoutes(r chi.Router) {
	r.Post("/sync/watches", h.CreateWatch)
	r.Post("/sync/events/{eventID}", h.UpsertEvent)
	r.Post("/sync/run-now", h.RunNow)
}

// CreateWatch handles POST /v1/sync/watches. Channel establishment talks to
// the provider synchronously: the caller needs to know whether their
// connection works, and the operation is rare enough that inline latency is
// acceptable.
func (h *SyncHandler) CreateWatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	var req CreateWatchRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	calendarID := req.CalendarID
	if calendarID == "" {
		calendarID = h.defaultCalendar
	}

	channel, err := h.watches.CreateOrRenew(r.Context(), actor.OwnerID, calendarID, types.WatchScope(req.Scope))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: WatchResponse{
		ChannelID:  channel.ChannelID,
		CalendarID: channel.CalendarID,
		Scope:      string(channel.Scope),
		ResourceID: channel.ResourceID,
		Expiration: channel.Expiration,
	}})
}

// UpsertEvent handles POST /v1/sync/events/{eventID}.
func (h *SyncHandler) UpsertEvent(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	eventID := chi.URLParam(r, "eventID")

	// The body is optional; an absent one means no invite fan-out.
	var req UpsertEventRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	jobID, err := h.jobs.Enqueue(r.Context(), actor.OwnerID, types.ProviderGoogle, types.JobUpsertEvent, &types.UpsertEventPayload{
		OwnerID:     actor.OwnerID,
		EventID:     eventID,
		SendInvites: req.SendInvites,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.wake(r.Context(), "event_trigger", 1)
	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: EnqueuedResponse{JobID: jobID}})
}

// RunNow handles POST /v1/sync/run-now: one manual pull per channel the
// caller holds, without waiting for the next scheduler tick.
func (h *SyncHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	channels, err := h.store.ListForOwner(r.Context(), actor.OwnerID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	enqueued := 0
	for _, ch := range channels {
		_, err := h.jobs.Enqueue(r.Context(), ch.OwnerID, ch.Provider, types.JobPullChanges, &types.PullChangesPayload{
			OwnerID:   ch.OwnerID,
			ChannelID: ch.ChannelID,
			Reason:    "run_now",
		})
		if err != nil {
			h.logger.ErrorContext(r.Context(), "failed to enqueue manual pull",
				"channel_id", ch.ChannelID, "error", err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		h.wake(r.Context(), "run_now", enqueued)
	}
	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: RunNowResponse{JobsEnqueued: enqueued}})
}

func (h *SyncHandler) wake(ctx context.Context, reason string, batch int) {
	if h.waker == nil {
		return
	}
	err := h.waker.Wake(ctx, types.WakeMessage{
		TraceID:     types.GetRequestID(ctx),
		BatchLimit:  batch,
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		h.logger.WarnContext(ctx, "failed to wake worker; jobs wait for poll", "error", err)
	}
}
