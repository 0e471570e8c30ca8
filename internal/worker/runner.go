// Package worker implements the sync job runner: claiming batches from the
// durable queue, dispatching them by kind, and recording the outcome. It
// wakes on SQS nudges when a wake queue is configured and falls back to a
// poll interval otherwise.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"calsync/internal/types"
)

// JobStore abstracts the queue claims and outcome writes. Satisfied by
// *db.JobRepository.
type JobStore interface {
	ClaimBatch(ctx context.Context, limit int) ([]*types.SyncJob, error)
	MarkSucceeded(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, jobErr error) error
}

// RunnerConfig holds the configuration for creating a Runner.
type RunnerConfig struct {
	Jobs    JobStore
	Watches WatchStore
	Manager WatchManager
	Engine  UpsertEngine
	// Wakes is optional; without it the runner relies on PollInterval alone.
	Wakes        WakeSource
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	Logger       *slog.Logger
}

// WakeSource delivers wake nudges. Satisfied by *SQSWakeSource.
type WakeSource interface {
	// Receive blocks until a wake arrives, the timeout elapses, or ctx is
	// done. It returns nil, nil on timeout.
	Receive(ctx context.Context) (*types.WakeMessage, error)
}

// Runner is the sync worker's processing loop.
type Runner struct {
	jobs        JobStore
	watches     WatchStore
	manager     WatchManager
	engine      UpsertEngine
	wakes       WakeSource
	poll        time.Duration
	batchSize   int
	concurrency int
	logger      *slog.Logger
}

// NewRunner creates a Runner with the given configuration.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 30 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Runner{
		jobs:        cfg.Jobs,
		watches:     cfg.Watches,
		manager:     cfg.Manager,
		engine:      cfg.Engine,
		wakes:       cfg.Wakes,
		poll:        poll,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run processes jobs until ctx is cancelled. Each iteration drains the
// queue, then blocks until the next poll tick or wake nudge. Run returns
// nil on cancellation; any other return is a claim-path database failure
// the process should surface and restart on.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "worker started",
		"poll_interval", r.poll.String(),
		"batch_size", r.batchSize,
		"concurrency", r.concurrency,
		"wake_queue", r.wakes != nil,
	)
	for {
		if err := r.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := r.waitForWork(ctx); err != nil {
			return nil
		}
	}
}

// Drain claims and processes batches until the queue is empty.
func (r *Runner) Drain(ctx context.Context) error {
	for {
		jobs, err := r.jobs.ClaimBatch(ctx, r.batchSize)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		r.processBatch(ctx, jobs)
	}
}

// processBatch runs the claimed jobs with bounded concurrency. Job outcomes
// never propagate as errors: every claimed job ends in a terminal status,
// and the batch as a whole always completes.
func (r *Runner) processBatch(ctx context.Context, jobs []*types.SyncJob) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			r.processJob(gctx, job)
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors
}

// processJob runs one job and records its outcome. Ignorable failures
// (stale channels, already-gone provider events) count as success: the
// world already ended up in the state the job was driving toward.
func (r *Runner) processJob(ctx context.Context, job *types.SyncJob) {
	started := time.Now()
	err := r.runJob(ctx, job)
	elapsed := time.Since(started)

	if err == nil {
		r.finishJob(ctx, job, nil)
		r.logger.InfoContext(ctx, "job succeeded",
			"job_id", job.ID, "kind", string(job.Kind), "owner_id", job.OwnerID,
			"elapsed", elapsed.String())
		return
	}

	switch types.ClassOf(err) {
	case types.ClassIgnorable:
		r.finishJob(ctx, job, nil)
		r.logger.InfoContext(ctx, "job outcome ignorable; marked succeeded",
			"job_id", job.ID, "kind", string(job.Kind), "owner_id", job.OwnerID,
			"error", err)
	case types.ClassRetryable:
		r.finishJob(ctx, job, err)
		r.logger.WarnContext(ctx, "job failed on transient error",
			"job_id", job.ID, "kind", string(job.Kind), "owner_id", job.OwnerID,
			"elapsed", elapsed.String(), "error", err)
	default:
		r.finishJob(ctx, job, err)
		r.logger.ErrorContext(ctx, "job failed",
			"job_id", job.ID, "kind", string(job.Kind), "owner_id", job.OwnerID,
			"elapsed", elapsed.String(), "error", err)
	}
}

// finishJob records the terminal status. A failed write here leaves the job
// stuck in running; it is logged loudly because a stuck row needs operator
// attention (the claim query never re-offers it).
func (r *Runner) finishJob(ctx context.Context, job *types.SyncJob, jobErr error) {
	var err error
	if jobErr == nil {
		err = r.jobs.MarkSucceeded(ctx, job.ID)
	} else {
		err = r.jobs.MarkFailed(ctx, job.ID, jobErr)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to record job outcome; row stuck in running",
			"job_id", job.ID, "error", err)
	}
}

// waitForWork blocks until the poll interval elapses or a wake arrives.
// Returns non-nil only when ctx is done.
func (r *Runner) waitForWork(ctx context.Context) error {
	if r.wakes == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.poll):
			return nil
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.poll)
	defer cancel()
	msg, err := r.wakes.Receive(waitCtx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		r.logger.WarnContext(ctx, "wake receive failed; falling back to poll", "error", err)
		return nil
	}
	if msg != nil {
		r.logger.InfoContext(ctx, "wake received",
			"trace_id", msg.TraceID, "reason", msg.Reason, "batch_limit", msg.BatchLimit)
	}
	return nil
}
