// Package main is the entry point for the sync worker: the long-running
// process that claims SyncJobs from the durable queue and executes them
// against the calendar provider. It wakes early on SQS nudges when a wake
// queue is configured and polls otherwise.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"calsync/internal/auth"
	"calsync/internal/config"
	"calsync/internal/db"
	"calsync/internal/external"
	"calsync/internal/sync"
	"calsync/internal/watch"
	"calsync/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("sync worker starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
	)

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	logger.Info("database connection established")

	credRepo := db.NewCredentialRepository(pool)
	watchRepo := db.NewWatchRepository(pool)
	jobRepo := db.NewJobRepository(pool)
	projRepo := db.NewProjectionRepository(pool)
	recordRepo := db.NewRecordRepository(pool)

	tokens := auth.NewTokenManager(auth.TokenManagerConfig{
		Store:        credRepo,
		ClientID:     cfg.OAuth.GoogleClientID,
		ClientSecret: cfg.OAuth.GoogleClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		RefreshSkew:  cfg.OAuth.RefreshSkew,
		Logger:       logger,
	})
	calendar := external.NewGoogleCalendarClient(external.GoogleCalendarConfig{
		CallTimeout: cfg.Provider.CallTimeout,
		Logger:      logger,
	})
	watchManager := watch.NewManager(watch.ManagerConfig{
		Tokens:         tokens,
		Provider:       calendar,
		Watches:        watchRepo,
		Projections:    projRepo,
		WebhookAddress: cfg.Server.WebhookBaseURL + "/v1/webhooks/calendar",
		WatchTTL:       cfg.Provider.WatchTTL,
		Logger:         logger,
	})
	engine := sync.NewEngine(sync.EngineConfig{
		Tokens:        tokens,
		Records:       recordRepo,
		Projections:   projRepo,
		Provider:      calendar,
		OrgCalendarID: cfg.Provider.OrgCalendarID,
		Logger:        logger,
	})

	var wakes worker.WakeSource
	if cfg.AWS.WakeQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		wakes = worker.NewSQSWakeSource(sqsClient, cfg.AWS.WakeQueueURL, logger)
	}

	runner := worker.NewRunner(worker.RunnerConfig{
		Jobs:         jobRepo,
		Watches:      watchRepo,
		Manager:      watchManager,
		Engine:       engine,
		Wakes:        wakes,
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		Concurrency:  cfg.Worker.Concurrency,
		Logger:       logger,
	})

	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("worker loop: %w", err)
	}
	logger.Info("worker stopped cleanly")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
