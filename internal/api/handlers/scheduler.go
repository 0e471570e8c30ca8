package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"calsync/internal/core"
	"calsync/internal/scheduler"
	"calsync/internal/types"
)

// Ticker runs one scheduler pass. Satisfied by *scheduler.Scheduler.
type Ticker interface {
	Tick(ctx context.Context, queuePull bool) (*scheduler.TickResult, error)
}

// Maintainer runs one maintenance pass. Satisfied by *scheduler.Maintainer.
type Maintainer interface {
	Run(ctx context.Context) (*scheduler.MaintenanceResult, error)
}

// maxWakeBatch caps the batch hint a run-now trigger may request.
const maxWakeBatch = 100

// TickRequest is the optional request body for POST
// /v1/internal/scheduler/tick. QueuePull defaults to true; a false value
// restricts the pass to channel renewals.
type TickRequest struct {
	QueuePull *bool `json:"queue_pull,omitempty"`
}

// TriggerRequest is the optional request body for POST
// /v1/internal/trigger/run-now.
type TriggerRequest struct {
	BatchLimit int    `json:"batch_limit,omitempty" validate:"min=0,max=100"`
	Reason     string `json:"reason,omitempty" validate:"max=100"`
}

// TriggerResponse acknowledges a wake dispatch.
type TriggerResponse struct {
	Woken      bool `json:"woken"`
	BatchLimit int  `json:"batch_limit"`
}

// SchedulerHandler exposes the cron entrypoints and the run-now trigger.
// The external cron owns the cadence; these endpoints run one pass
// synchronously and report what it did. Callers must pass the shared-secret
// middleware, which the route registrar wiring applies.
type SchedulerHandler struct {
	ticker     Ticker
	maintainer Maintainer
	waker      WorkerWaker
	validator  *core.Validator
	logger     *slog.Logger
}

// NewSchedulerHandler creates a SchedulerHandler. waker may be nil, in which
// case run-now reports the system is running on poll cadence only.
func NewSchedulerHandler(ticker Ticker, maintainer Maintainer, waker WorkerWaker, logger *slog.Logger) *SchedulerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerHandler{
		ticker:     ticker,
		maintainer: maintainer,
		waker:      waker,
		validator:  core.NewValidator(),
		logger:     logger,
	}
}

// RegisterRoutes mounts the scheduler routes.
func (h *SchedulerHandler) RegisterRoutes(r chi.Router) {
	r.Post("/scheduler/tick", h.Tick)
	r.Post("/scheduler/maintenance", h.Maintenance)
	r.Post("/trigger/run-now", h.RunNow)
}

// Tick handles POST /v1/internal/scheduler/tick.
func (h *SchedulerHandler) Tick(w http.ResponseWriter, r *http.Request) {
	queuePull := true
	if r.ContentLength != 0 {
		var req TickRequest
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if req.QueuePull != nil {
			queuePull = *req.QueuePull
		}
	}

	result, err := h.ticker.Tick(r.Context(), queuePull)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// Maintenance handles POST /v1/internal/scheduler/maintenance.
func (h *SchedulerHandler) Maintenance(w http.ResponseWriter, r *http.Request) {
	result, err := h.maintainer.Run(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// RunNow handles POST /v1/internal/trigger/run-now: sends a wake message so
// the worker drains the queue immediately instead of on its next poll. With
// no wake queue configured this degrades gracefully: the response says the
// worker was not woken, and pending jobs wait out the poll interval.
func (h *SchedulerHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if err := h.validator.ValidateStruct(req); err != nil {
			core.Error(w, r, err)
			return
		}
	}
	batch := req.BatchLimit
	if batch <= 0 || batch > maxWakeBatch {
		batch = maxWakeBatch
	}
	reason := req.Reason
	if reason == "" {
		reason = "run_now"
	}

	if h.waker == nil {
		core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: TriggerResponse{
			Woken:      false,
			BatchLimit: batch,
		}})
		return
	}

	err := h.waker.Wake(r.Context(), types.WakeMessage{
		TraceID:     types.GetRequestID(r.Context()),
		BatchLimit:  batch,
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeUpstreamUnavailable,
			"failed to dispatch wake message", err))
		return
	}
	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: TriggerResponse{
		Woken:      true,
		BatchLimit: batch,
	}})
}
