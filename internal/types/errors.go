package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON    ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidPayload ErrorCode = "validation_invalid_job_payload"
	ErrCodeValidationUnknownKind    ErrorCode = "validation_unknown_job_kind"
	ErrCodeValidationInvalidScope   ErrorCode = "validation_invalid_watch_scope"

	// Auth (401)
	ErrCodeAuthKeyMissing    ErrorCode = "auth_api_key_missing"
	ErrCodeAuthKeyInvalid    ErrorCode = "auth_api_key_invalid"
	ErrCodeAuthSecretInvalid ErrorCode = "auth_shared_secret_invalid"

	// Provider credential (409). These mean the owner's provider connection
	// is dead and a human must re-consent. They are terminal for the owner's
	// sync until a new credential is stored; automated retry cannot help.
	ErrCodeCredentialExpired ErrorCode = "credential_expired"
	ErrCodeCredentialMissing ErrorCode = "credential_missing"
	ErrCodeCredentialRevoked ErrorCode = "credential_revoked"

	// Not Found (404)
	ErrCodeNotFoundEvent      ErrorCode = "not_found_event"
	ErrCodeNotFoundWatch      ErrorCode = "not_found_watch_channel"
	ErrCodeNotFoundOwner      ErrorCode = "not_found_owner"
	ErrCodeNotFoundProjection ErrorCode = "not_found_projection"
	ErrCodeNotFoundJob        ErrorCode = "not_found_sync_job"

	// Provider-side sync states. These are not generic failures: each has a
	// specific recovery path in the watch manager or upsert engine.
	ErrCodeSyncCursorExpired ErrorCode = "sync_cursor_expired"
	ErrCodeProviderEventGone ErrorCode = "provider_event_gone"
	ErrCodeChannelGone       ErrorCode = "provider_channel_gone"

	// Upstream (502/429)
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamTimeout     ErrorCode = "upstream_timeout"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// ErrorClass partitions failures by how the caller should react.
// Job handlers dispatch on the class rather than inspecting codes:
//
//   - ClassIgnorable: expected outcomes of best-effort steps (stopping a
//     replaced watch channel, updating an event the provider already
//     deleted). Log and continue.
//   - ClassRetryable: transient upstream or infrastructure failures. Mark
//     the job failed; the scheduler's next tick enqueues a fresh job.
//   - ClassFatal: cannot succeed on retry (bad input, dead credential).
//     Surface to the caller; never re-enqueue automatically.
type ErrorClass string

const (
	ClassIgnorable ErrorClass = "ignorable"
	ClassRetryable ErrorClass = "retryable"
	ClassFatal     ErrorClass = "fatal"
)

// Class maps an ErrorCode to its ErrorClass.
// Unrecognized codes map to ClassFatal so that a forgotten mapping fails
// loudly instead of looping forever.
func (c ErrorCode) Class() ErrorClass {
	s := string(c)
	switch {
	case c == ErrCodeChannelGone, c == ErrCodeProviderEventGone:
		return ClassIgnorable
	case strings.HasPrefix(s, "upstream_"), c == ErrCodeInternalDB:
		return ClassRetryable
	case c == ErrCodeSyncCursorExpired:
		// Recoverable, but only via the explicit full-resync path in the
		// watch manager. If it escapes that path, retrying the same pull
		// with the same cursor would fail identically.
		return ClassFatal
	default:
		return ClassFatal
	}
}

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "credential_"):
		// The caller's auth is fine; the owner's provider connection is not.
		// 409 signals a persistent "needs reconnect" state.
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case c == ErrCodeUpstreamRateLimited:
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "upstream_"),
		c == ErrCodeSyncCursorExpired,
		c == ErrCodeProviderEventGone,
		c == ErrCodeChannelGone:
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the
// engine. All domain and handler errors should be expressed as AppError to
// enable consistent error formatting, HTTP status mapping, outcome-class
// dispatch, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Class returns the outcome class corresponding to this error's code.
func (e *AppError) Class() ErrorClass {
	return e.Code.Class()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain
// errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// ClassOf returns the ErrorClass of an arbitrary error. Non-AppError values
// classify as ClassRetryable: unknown failures from infrastructure are
// assumed transient, and the job queue's retry-as-new-row mechanics bound
// the damage if they are not.
func ClassOf(err error) ErrorClass {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Class()
	}
	return ClassRetryable
}
