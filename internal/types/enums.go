package types

// Provider identifies the external calendar provider a credential, watch
// channel, or job belongs to. Only Google is implemented today; the tag is
// persisted on every row so a second provider does not require a migration.
type Provider string

const (
	ProviderGoogle Provider = "google"
)

// JobKind enumerates the typed work items the queue accepts. The worker
// dispatches exhaustively on this enum; enqueue-time validation rejects
// anything else.
type JobKind string

const (
	JobRenewWatch  JobKind = "renew_watch"
	JobPullChanges JobKind = "pull_changes"
	JobUpsertEvent JobKind = "upsert_event"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobRenewWatch, JobPullChanges, JobUpsertEvent:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a SyncJob. Transitions are monotonic:
// pending -> running -> succeeded|failed. A job never leaves a terminal
// state; retries are inserted as new rows.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// WatchScope distinguishes the organization-wide calendar watch from a
// per-resource calendar watch. At most one active channel exists per
// (owner, calendar, scope) tuple.
type WatchScope string

const (
	ScopeOrganization WatchScope = "organization"
	ScopeResource     WatchScope = "resource"
)

// Valid reports whether s is a known watch scope.
func (s WatchScope) Valid() bool {
	return s == ScopeOrganization || s == ScopeResource
}

// ProjectionStatus records whether the last upsert of an internal event onto
// its external calendars succeeded.
type ProjectionStatus string

const (
	ProjectionSynced ProjectionStatus = "synced"
	ProjectionError  ProjectionStatus = "error"
)

// SendUpdates controls attendee notification fan-out on event writes.
// It is always an explicit caller input: silently emailing attendees is a
// trust failure, so nothing in the engine ever infers it.
type SendUpdates string

const (
	SendUpdatesAll  SendUpdates = "all"
	SendUpdatesNone SendUpdates = "none"
)
