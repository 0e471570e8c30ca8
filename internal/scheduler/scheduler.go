// Package scheduler implements the periodic safety net: renewing watch
// channels before they lapse and enqueueing capped pull jobs so missed
// webhooks only delay a sync until the next tick, never lose it.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"calsync/internal/types"
)

// JobStore abstracts the queue writes the scheduler performs. Satisfied by
// *db.JobRepository.
type JobStore interface {
	Enqueue(ctx context.Context, ownerID string, provider types.Provider, kind types.JobKind, payload types.JobPayload) (int64, error)
	CountPending(ctx context.Context) (int, error)
}

// WatchStore abstracts the watch reads the scheduler performs. Satisfied by
// *db.WatchRepository.
type WatchStore interface {
	ListActive(ctx context.Context, now time.Time) ([]*types.WatchChannel, error)
	DistinctOwnerScopes(ctx context.Context) (map[string][]types.WatchScope, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Waker nudges the worker after a tick enqueues work. Satisfied by
// *queue.Trigger.
type Waker interface {
	Wake(ctx context.Context, msg types.WakeMessage) error
}

// Config holds the configuration for creating a Scheduler.
type Config struct {
	Jobs    JobStore
	Watches WatchStore
	// Waker is optional; without one the worker picks jobs up on its own
	// poll interval.
	Waker Waker
	// MaxPullsPerTick caps the safety-net pull jobs one tick may enqueue.
	MaxPullsPerTick int
	Logger          *slog.Logger

	// Now overrides the clock for testing.
	Now func() time.Time
}

// Scheduler runs the periodic maintenance tick.
type Scheduler struct {
	jobs     JobStore
	watches  WatchStore
	waker    Waker
	maxPulls int
	logger   *slog.Logger
	now      func() time.Time
}

// TickResult summarizes one tick for the caller's response and logs.
type TickResult struct {
	Owners         int `json:"owners"`
	RenewsEnqueued int `json:"renews_enqueued"`
	PullsEnqueued  int `json:"pulls_enqueued"`
	PullsSkipped   int `json:"pulls_skipped"`
	PendingJobs    int `json:"pending_jobs"`
}

// New creates a Scheduler with the given configuration.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPulls := cfg.MaxPullsPerTick
	if maxPulls <= 0 {
		maxPulls = 100
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		jobs:     cfg.Jobs,
		watches:  cfg.Watches,
		waker:    cfg.Waker,
		maxPulls: maxPulls,
		logger:   logger,
		now:      now,
	}
}

// Tick enqueues one renew_watch job per (owner, scope) pair holding any
// channel, and, when queuePull is set, one safety-net pull job per active
// channel up to the per-tick cap. A caller that trusts the webhook stream
// passes queuePull false and gets renewals only. Renewals are
// unconditional: re-arming a healthy channel just moves its expiry out, and
// the unconditional form means a channel is never lost to a misjudged
// expiry comparison.
//
// Every enqueue is independent; a failed insert is logged and the walk
// continues, because a tick that gives up halfway starves the channels it
// never reached. The tick itself is idempotent at the system level:
// redundant jobs are no-ops when run (a pull with a current cursor applies
// nothing).
func (s *Scheduler) Tick(ctx context.Context, queuePull bool) (*TickResult, error) {
	now := s.now()

	ownerScopes, err := s.watches.DistinctOwnerScopes(ctx)
	if err != nil {
		return nil, err
	}
	var active []*types.WatchChannel
	if queuePull {
		active, err = s.watches.ListActive(ctx, now)
		if err != nil {
			return nil, err
		}
	}

	result := &TickResult{Owners: len(ownerScopes)}

	for ownerID, scopes := range ownerScopes {
		for _, scope := range scopes {
			_, err := s.jobs.Enqueue(ctx, ownerID, types.ProviderGoogle, types.JobRenewWatch,
				&types.RenewWatchPayload{OwnerID: ownerID, Scope: string(scope)})
			if err != nil {
				s.logger.ErrorContext(ctx, "failed to enqueue renew job",
					"owner_id", ownerID, "scope", string(scope), "error", err)
				continue
			}
			result.RenewsEnqueued++
		}
	}

	for _, w := range active {
		if result.PullsEnqueued >= s.maxPulls {
			result.PullsSkipped = len(active) - result.PullsEnqueued
			break
		}
		_, err := s.jobs.Enqueue(ctx, w.OwnerID, w.Provider, types.JobPullChanges, &types.PullChangesPayload{
			OwnerID:   w.OwnerID,
			ChannelID: w.ChannelID,
			Reason:    "scheduled_tick",
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to enqueue pull job",
				"owner_id", w.OwnerID, "channel_id", w.ChannelID, "error", err)
			continue
		}
		result.PullsEnqueued++
	}

	if pending, err := s.jobs.CountPending(ctx); err == nil {
		result.PendingJobs = pending
	}

	if s.waker != nil && result.RenewsEnqueued+result.PullsEnqueued > 0 {
		msg := types.WakeMessage{
			TraceID:     types.GetRequestID(ctx),
			BatchLimit:  result.RenewsEnqueued + result.PullsEnqueued,
			Reason:      "scheduler_tick",
			RequestedAt: now,
		}
		if err := s.waker.Wake(ctx, msg); err != nil {
			s.logger.WarnContext(ctx, "failed to wake worker; jobs wait for poll", "error", err)
		}
	}

	s.logger.InfoContext(ctx, "scheduler tick complete",
		"active_watches", len(active),
		"renews_enqueued", result.RenewsEnqueued,
		"pulls_enqueued", result.PullsEnqueued,
		"pulls_skipped", result.PullsSkipped,
		"pending_jobs", result.PendingJobs,
	)
	return result, nil
}
