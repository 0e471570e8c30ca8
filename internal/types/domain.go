package types

import "time"

// Credential is one owner's OAuth connection to a calendar provider.
// There is at most one active credential per (owner, provider).
//
// The access token is short-lived and must not be used once it is within
// the refresh skew of its expiry; the token manager refreshes and persists
// it before handing it out. The refresh token is long-lived and optional:
// without it an expired access token is unrecoverable except by re-consent.
//
// Credentials are written exclusively by the token manager. They are never
// deleted automatically; revocation happens at the provider.
type Credential struct {
	OwnerID      string
	Provider     Provider
	AccessToken  SecretString
	RefreshToken SecretString // empty when the consent flow did not grant one
	Scopes       []string
	Expiry       time.Time
	UpdatedAt    time.Time
}

// HasRefreshToken reports whether a refresh grant is possible.
func (c *Credential) HasRefreshToken() bool {
	return c.RefreshToken.Unmask() != ""
}

// WatchChannel is one active push-notification subscription against one
// provider calendar. Replacing a channel always creates the new one before
// stopping the old one, so webhook coverage never has a gap.
type WatchChannel struct {
	// ChannelID is generated locally (uuid) and echoed back by the provider
	// on every notification.
	ChannelID string
	// Secret is the shared secret registered with the channel; inbound
	// webhooks must present it. Mismatches are absorbed silently.
	Secret     SecretString
	OwnerID    string
	Provider   Provider
	CalendarID string
	Scope      WatchScope
	// ResourceID is assigned by the provider when the channel is created.
	ResourceID string
	Expiration time.Time
	// SyncCursor is the opaque incremental-sync token: everything up to it
	// has been seen. Empty means the next pull is a full resync.
	SyncCursor     string
	LastNotifiedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SyncJob is one unit of deferred work in the durable queue. The row shape
// is the contract between producers (webhook ingest, scheduler) and the
// runner. Payload is a tagged variant decoded by Kind; it is validated when
// the job is enqueued so the runner can dispatch without re-checking.
type SyncJob struct {
	ID         int64
	OwnerID    string
	Provider   Provider
	Kind       JobKind
	Status     JobStatus
	Payload    []byte // JSON, shape per Kind
	LastError  *string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// EventProjection is the stored correlation between one internal event and
// its external representations. The external ids are the durable idempotency
// key: when one is present, upserts must update by id, never create.
type EventProjection struct {
	EventID string
	// OrgEventID is the external id on the organization calendar.
	OrgEventID *string
	// ResourceEventID is the external id on the per-resource calendar, when
	// the event's resource has one configured.
	ResourceEventID *string
	// OrgHTMLLink and ResourceHTMLLink are the provider's browser URLs for
	// the two external events, refreshed on every successful write.
	OrgHTMLLink      *string
	ResourceHTMLLink *string
	Status           ProjectionStatus
	LastError        *string
	LastSyncedAt     *time.Time
	UpdatedAt        time.Time
}

// InternalEvent is the read-side view of an event row in the record store.
// The record store itself is an external collaborator; the engine only
// reads the fields it projects onto the provider calendar.
type InternalEvent struct {
	ID           string
	OwnerID      string
	BusinessName string
	// EventDate is the calendar date of the event (local to the owner).
	EventDate time.Time
	// EventTime is nil for all-day events; otherwise the time of day
	// combined with EventDate gives the start instant.
	EventTime *time.Duration
	// DurationMinutes is how long a timed event runs; ignored for all-day.
	DurationMinutes int
	Timezone        string
	Location        string
	ContactName     string
	ContactEmail    string
	Notes           string
	// ResourceID links the event to a bookable resource (room, hall, crew)
	// that may carry its own calendar.
	ResourceID *string
	// AttendeeEmails are invited when the caller explicitly requests
	// invite fan-out.
	AttendeeEmails []string
}

// AllDay reports whether the event has no time-of-day and must be projected
// as an all-day date range.
func (e *InternalEvent) AllDay() bool {
	return e.EventTime == nil
}

// Resource is a bookable asset that may have its own provider calendar.
type Resource struct {
	ID         string
	OwnerID    string
	Name       string
	CalendarID string // empty when the resource has no calendar configured
}

// APIKey is a hashed credential for user-facing endpoints. LookupHash is a
// searchable sha256 of the presented key; SecretHash is the bcrypt hash
// verified after lookup.
type APIKey struct {
	ID         string
	OwnerID    string
	LookupHash string
	SecretHash string
	CreatedAt  time.Time
	RevokedAt  *time.Time
}
