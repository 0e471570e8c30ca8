// Package main is the entry point for the calendar sync API server.
//
// It hosts the provider webhook ingestor, the scheduler entrypoints, and
// the user-facing sync triggers on one chi chassis, with a pgx pool behind
// the repositories and an optional SQS wake producer toward the worker.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"calsync/internal/api/handlers"
	"calsync/internal/auth"
	"calsync/internal/config"
	"calsync/internal/core"
	"calsync/internal/db"
	"calsync/internal/external"
	"calsync/internal/queue"
	"calsync/internal/scheduler"
	"calsync/internal/watch"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("calsync API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("database connection established")

	// Repositories.
	credRepo := db.NewCredentialRepository(pool)
	watchRepo := db.NewWatchRepository(pool)
	jobRepo := db.NewJobRepository(pool)
	projRepo := db.NewProjectionRepository(pool)
	keyRepo := db.NewAPIKeyRepository(pool)

	// Domain services.
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

	// The wake producer is optional; without a queue URL the worker runs on
	// its poll interval alone.
	var waker handlers.WorkerWaker
	if cfg.AWS.WakeQueueURL != "" {
		sqsClient, err := newSQSClient(ctx, cfg)
		if err != nil {
			return err
		}
		waker = queue.NewTrigger(sqsClient, cfg.AWS.WakeQueueURL, logger)
	}

	sched := scheduler.New(scheduler.Config{
		Jobs:            jobRepo,
		Watches:         watchRepo,
		Waker:           waker,
		MaxPullsPerTick: cfg.Scheduler.MaxPullsPerTick,
		Logger:          logger,
	})
	maintainer, err := scheduler.NewMaintainer(scheduler.MaintainerConfig{
		Archive:      jobRepo,
		Watches:      watchRepo,
		ArchiveAfter: cfg.Scheduler.ArchiveAfter,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating maintainer: %w", err)
	}

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Keys = auth.NewKeyVerifier(keyRepo)
	srv.HealthProbes = []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", Fn: pool.Ping},
	}

	validator := core.NewValidator()
	webhookHandler := handlers.NewWebhookHandler(watchRepo, jobRepo, waker, logger)
	schedHandler := handlers.NewSchedulerHandler(sched, maintainer, waker, logger)
	syncHandler := handlers.NewSyncHandler(watchManager, watchRepo, jobRepo, waker, cfg.Provider.OrgCalendarID, validator, logger)

	srv.V1RouteRegistrars = []core.RouteRegistrar{
		webhookHandler.RegisterRoutes,
		func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(srv.APIKeyAuthMiddleware)
				syncHandler.RegisterRoutes(r)
			})
		},
		func(r chi.Router) {
			r.Route("/internal", func(r chi.Router) {
				r.Use(srv.SharedSecretMiddleware)
				schedHandler.RegisterRoutes(r)
			})
		},
	}
	srv.MountRoutes()

	return serveHTTP(srv, cfg, logger)
}

// newPool creates the pgx pool with the configured tuning and verifies
// connectivity before the server accepts traffic.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// newSQSClient builds the SQS client, honoring a LocalStack endpoint
// override in development.
func newSQSClient(ctx context.Context, cfg *config.Config) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	}), nil
}

// serveHTTP runs the server with graceful shutdown on SIGINT/SIGTERM.
func serveHTTP(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured JSON logger at the configured level.
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
