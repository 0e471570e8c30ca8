// Package config defines the global configuration structure for the calendar
// sync engine. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles: every process reads
// the same environment surface, and no component reaches for os.Getenv after
// startup.
//
// Any missing required value or invalid format causes the process to exit
// immediately on startup (fail fast).
package config

import (
	"time"

	"calsync/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"calsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	OAuth     OAuthConfig
	Provider  ProviderConfig
	Scheduler SchedulerConfig
	Worker    WorkerConfig
	AWS       AWSConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// WebhookBaseURL is the public base URL the provider delivers push
	// notifications to (no trailing slash). The watch manager registers
	// WebhookBaseURL + "/v1/webhooks/calendar" as the channel address.
	WebhookBaseURL string `envconfig:"WEBHOOK_BASE_URL" validate:"required,url"`
	// SchedulerSecret authenticates the cron caller of the scheduler
	// entrypoint and the run-now trigger. Distinct from user auth.
	SchedulerSecret SecretString  `envconfig:"SCHEDULER_SHARED_SECRET" validate:"required,min=16"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// OAuthConfig holds provider OAuth client credentials and token refresh
// tuning.
type OAuthConfig struct {
	GoogleClientID     string       `envconfig:"GOOGLE_CLIENT_ID" validate:"required"`
	GoogleClientSecret SecretString `envconfig:"GOOGLE_CLIENT_SECRET" validate:"required"`
	RedirectURL        string       `envconfig:"OAUTH_REDIRECT_URL" validate:"required,url"`
	// RefreshSkew is how long before expiry an access token is treated as
	// already expired. Refreshing early absorbs clock drift and the
	// latency of the call the token is about to be used for.
	RefreshSkew time.Duration `envconfig:"TOKEN_REFRESH_SKEW" default:"120s"`
}

// ProviderConfig holds calendar provider API tuning.
type ProviderConfig struct {
	// OrgCalendarID overrides the organization calendar; "primary" targets
	// the connected account's default calendar.
	OrgCalendarID string        `envconfig:"ORG_CALENDAR_ID" default:"primary"`
	CallTimeout   time.Duration `envconfig:"PROVIDER_CALL_TIMEOUT" default:"15s"`
	// WatchTTL is the requested channel lifetime. The provider caps watch
	// channels at 7 days; 6 leaves a full scheduler cycle of slack before
	// an un-renewed channel lapses.
	WatchTTL time.Duration `envconfig:"WATCH_TTL" default:"144h"`
}

// SchedulerConfig holds scheduler tick tuning.
type SchedulerConfig struct {
	// MaxPullsPerTick caps safety-net pull fan-out per tick so job volume
	// stays bounded as the watch count grows.
	MaxPullsPerTick int `envconfig:"SCHED_MAX_PULLS_PER_TICK" default:"100"`
	// TickInterval is informational for the staleness bound; the actual
	// cadence is owned by the external cron calling the entrypoint.
	TickInterval time.Duration `envconfig:"SCHED_TICK_INTERVAL" default:"15m"`
	// ArchiveAfter is how long finished jobs stay queryable before the
	// maintenance pass compresses them into the archive table.
	ArchiveAfter time.Duration `envconfig:"JOB_ARCHIVE_AFTER" default:"168h"`
}

// WorkerConfig holds job runner tuning.
type WorkerConfig struct {
	PollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"30s"`
	BatchSize    int           `envconfig:"WORKER_BATCH_SIZE" default:"10"`
	Concurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
}

// AWSConfig holds AWS resource identifiers for the wake queue.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// WakeQueueURL is the SQS queue the trigger gateway writes to and the
	// worker listens on. Optional: without it the system degrades to
	// eventual consistency within one worker poll interval.
	WakeQueueURL string `envconfig:"SQS_WAKE_QUEUE"`
	// EndpointURL points at LocalStack in development. Empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}
