// Package main is an operator CLI that runs one scheduler task directly
// against the database, bypassing the HTTP entrypoints. Useful when the
// cron caller is misbehaving or a maintenance pass needs to run off-cycle.
//
// Usage:
//
//	job-runner -task tick
//	job-runner -task maintenance
//	job-runner -task pending
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"calsync/internal/config"
	"calsync/internal/db"
	"calsync/internal/scheduler"
)

const runTimeout = 5 * time.Minute

func main() {
	task := flag.String("task", "", "task to run: tick, maintenance, pending")
	queuePull := flag.Bool("queue-pull", true, "enqueue safety-net pull jobs during a tick")
	flag.Parse()

	if err := run(*task, *queuePull); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(task string, queuePull bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	jobRepo := db.NewJobRepository(pool)
	watchRepo := db.NewWatchRepository(pool)

	switch task {
	case "tick":
		// No waker: an operator-invoked tick relies on the worker's poll.
		sched := scheduler.New(scheduler.Config{
			Jobs:            jobRepo,
			Watches:         watchRepo,
			MaxPullsPerTick: cfg.Scheduler.MaxPullsPerTick,
			Logger:          logger,
		})
		result, err := sched.Tick(ctx, queuePull)
		if err != nil {
			return fmt.Errorf("running tick: %w", err)
		}
		fmt.Printf("tick: owners=%d renews=%d pulls=%d skipped=%d pending=%d\n",
			result.Owners, result.RenewsEnqueued, result.PullsEnqueued,
			result.PullsSkipped, result.PendingJobs)
		return nil

	case "maintenance":
		maintainer, err := scheduler.NewMaintainer(scheduler.MaintainerConfig{
			Archive:      jobRepo,
			Watches:      watchRepo,
			ArchiveAfter: cfg.Scheduler.ArchiveAfter,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("creating maintainer: %w", err)
		}
		result, err := maintainer.Run(ctx)
		if err != nil {
			return fmt.Errorf("running maintenance: %w", err)
		}
		fmt.Printf("maintenance: jobs_archived=%d watches_purged=%d\n",
			result.JobsArchived, result.WatchesPurged)
		return nil

	case "pending":
		count, err := jobRepo.CountPending(ctx)
		if err != nil {
			return fmt.Errorf("counting pending jobs: %w", err)
		}
		fmt.Printf("pending jobs: %d\n", count)
		return nil

	default:
		return fmt.Errorf("unknown task %q (want tick, maintenance, or pending)", task)
	}
}
