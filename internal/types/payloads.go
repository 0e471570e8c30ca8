package types

import (
	"encoding/json"
	"fmt"
)

// Job payloads are tagged variants: one struct per JobKind, serialized as
// the SyncJob's JSONB payload column. They are validated at enqueue time so
// the runner can dispatch exhaustively instead of string-matching loosely
// typed maps.

// RenewWatchPayload asks the runner to re-arm an owner's watch channels:
// those under the given scope, or every channel when Scope is empty.
// Renewal is idempotent: re-arming a channel with time left just moves its
// expiry out.
type RenewWatchPayload struct {
	OwnerID string `json:"owner_id"`
	Scope   string `json:"scope,omitempty"`
}

// Validate checks the payload's required fields.
func (p *RenewWatchPayload) Validate() error {
	if p.OwnerID == "" {
		return NewAppError(ErrCodeValidationMissingField, "renew_watch payload requires owner_id", nil)
	}
	if p.Scope != "" && !WatchScope(p.Scope).Valid() {
		return NewAppError(ErrCodeValidationInvalidScope, "renew_watch payload has unknown scope", nil)
	}
	return nil
}

// PullChangesPayload asks the runner to fetch the incremental delta for one
// watch channel. Reason records what produced the job (webhook or safety
// net) for operational visibility only; processing is identical.
type PullChangesPayload struct {
	OwnerID   string `json:"owner_id"`
	ChannelID string `json:"channel_id"`
	// ResourceState is the provider's notification state header ("exists",
	// "sync", ...) when the job came from a webhook; empty for scheduled
	// safety-net pulls.
	ResourceState string `json:"resource_state,omitempty"`
	Reason        string `json:"reason"`
}

// Validate checks the payload's required fields.
func (p *PullChangesPayload) Validate() error {
	if p.OwnerID == "" {
		return NewAppError(ErrCodeValidationMissingField, "pull_changes payload requires owner_id", nil)
	}
	if p.ChannelID == "" {
		return NewAppError(ErrCodeValidationMissingField, "pull_changes payload requires channel_id", nil)
	}
	return nil
}

// UpsertEventPayload asks the runner to project one internal event onto its
// external calendars. SendInvites is always explicit; see SendUpdates.
type UpsertEventPayload struct {
	OwnerID     string `json:"owner_id"`
	EventID     string `json:"event_id"`
	SendInvites bool   `json:"send_invites"`
}

// Validate checks the payload's required fields.
func (p *UpsertEventPayload) Validate() error {
	if p.OwnerID == "" {
		return NewAppError(ErrCodeValidationMissingField, "upsert_event payload requires owner_id", nil)
	}
	if p.EventID == "" {
		return NewAppError(ErrCodeValidationMissingField, "upsert_event payload requires event_id", nil)
	}
	return nil
}

// JobPayload is implemented by every payload variant.
type JobPayload interface {
	Validate() error
}

// EncodeJobPayload validates and serializes a payload for the given kind.
// The kind/payload pairing is checked so a mismatched enqueue fails at the
// producer, not in the worker.
func EncodeJobPayload(kind JobKind, payload JobPayload) ([]byte, error) {
	if !kind.Valid() {
		return nil, NewAppError(ErrCodeValidationUnknownKind, fmt.Sprintf("unknown job kind %q", kind), nil)
	}
	ok := false
	switch payload.(type) {
	case *RenewWatchPayload:
		ok = kind == JobRenewWatch
	case *PullChangesPayload:
		ok = kind == JobPullChanges
	case *UpsertEventPayload:
		ok = kind == JobUpsertEvent
	}
	if !ok {
		return nil, NewAppError(ErrCodeValidationInvalidPayload,
			fmt.Sprintf("payload type %T does not match job kind %q", payload, kind), nil)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, NewAppError(ErrCodeValidationInvalidPayload, "failed to marshal job payload", err)
	}
	return data, nil
}

// DecodeJobPayload deserializes a job row's payload into the typed variant
// for its kind. Unknown fields are tolerated: older workers must be able to
// read rows written by newer producers.
func DecodeJobPayload(kind JobKind, data []byte) (JobPayload, error) {
	var payload JobPayload
	switch kind {
	case JobRenewWatch:
		payload = &RenewWatchPayload{}
	case JobPullChanges:
		payload = &PullChangesPayload{}
	case JobUpsertEvent:
		payload = &UpsertEventPayload{}
	default:
		return nil, NewAppError(ErrCodeValidationUnknownKind, fmt.Sprintf("unknown job kind %q", kind), nil)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, NewAppError(ErrCodeValidationInvalidPayload,
			fmt.Sprintf("failed to unmarshal %s payload", kind), err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}
