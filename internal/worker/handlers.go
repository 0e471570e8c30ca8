package worker

import (
	"context"
	"errors"
	"fmt"

	"calsync/internal/types"
)

// WatchManager abstracts the watch lifecycle operations jobs invoke.
// Satisfied by *watch.Manager.
type WatchManager interface {
	CreateOrRenew(ctx context.Context, ownerID, calendarID string, scope types.WatchScope) (*types.WatchChannel, error)
	PullChanges(ctx context.Context, w *types.WatchChannel) (int, string, error)
}

// WatchStore abstracts the watch reads jobs perform. Satisfied by
// *db.WatchRepository.
type WatchStore interface {
	GetByChannelID(ctx context.Context, channelID string) (*types.WatchChannel, error)
	ListForOwner(ctx context.Context, ownerID string) ([]*types.WatchChannel, error)
}

// UpsertEngine abstracts the calendar upsert engine. Satisfied by
// *sync.Engine.
type UpsertEngine interface {
	UpsertEvent(ctx context.Context, ownerID, eventID string, sendInvites bool) error
}

// runJob decodes and dispatches one claimed job. The kind switch is
// exhaustive over the enum; anything else was rejected at enqueue and can
// only appear through corruption, which fails the job.
func (r *Runner) runJob(ctx context.Context, job *types.SyncJob) error {
	payload, err := types.DecodeJobPayload(job.Kind, job.Payload)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *types.RenewWatchPayload:
		return r.renewWatches(ctx, p)
	case *types.PullChangesPayload:
		return r.pullChanges(ctx, p)
	case *types.UpsertEventPayload:
		return r.engine.UpsertEvent(ctx, p.OwnerID, p.EventID, p.SendInvites)
	default:
		return types.NewAppError(types.ErrCodeValidationUnknownKind,
			fmt.Sprintf("no handler for job kind %q", job.Kind), nil)
	}
}

// renewWatches re-arms the owner's channels, filtered to the payload's
// scope when one is set. Per-channel failures are collected rather than
// aborting, so one broken calendar cannot block the owner's remaining
// channels from renewing.
func (r *Runner) renewWatches(ctx context.Context, p *types.RenewWatchPayload) error {
	watches, err := r.watches.ListForOwner(ctx, p.OwnerID)
	if err != nil {
		return err
	}
	if p.Scope != "" {
		filtered := watches[:0]
		for _, w := range watches {
			if string(w.Scope) == p.Scope {
				filtered = append(filtered, w)
			}
		}
		watches = filtered
	}
	if len(watches) == 0 {
		r.logger.InfoContext(ctx, "renew job found no channels",
			"owner_id", p.OwnerID, "scope", p.Scope)
		return nil
	}

	var failures []error
	for _, w := range watches {
		if _, err := r.manager.CreateOrRenew(ctx, w.OwnerID, w.CalendarID, w.Scope); err != nil {
			r.logger.ErrorContext(ctx, "failed to renew watch channel",
				"owner_id", w.OwnerID,
				"calendar_id", w.CalendarID,
				"scope", string(w.Scope),
				"error", err,
			)
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// pullChanges fetches the delta for one channel. A channel replaced between
// enqueue and execution is a non-event: the new channel carries its own
// cursor and its own jobs.
func (r *Runner) pullChanges(ctx context.Context, p *types.PullChangesPayload) error {
	w, err := r.watches.GetByChannelID(ctx, p.ChannelID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundWatch {
			r.logger.InfoContext(ctx, "pull job references replaced channel; skipping",
				"channel_id", p.ChannelID, "reason", p.Reason)
			return nil
		}
		return err
	}

	applied, _, err := r.manager.PullChanges(ctx, w)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "pull complete",
		"channel_id", w.ChannelID,
		"owner_id", w.OwnerID,
		"applied", applied,
		"reason", p.Reason,
	)
	return nil
}
