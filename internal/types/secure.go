package types

import "log/slog"

// redactedPlaceholder replaces secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

// redactedJSON is the pre-computed JSON encoding of the redacted placeholder.
var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string type that prevents accidental logging or
// serialization of sensitive values (access tokens, channel secrets, shared
// secrets). It overrides String(), MarshalJSON(), and LogValue() to return a
// redacted placeholder.
//
// Use Unmask() to retrieve the raw plaintext when it is genuinely needed
// (Authorization headers, provider registration payloads, database writes).
type SecretString string

// String returns a redacted placeholder instead of the raw value. This is
// invoked by fmt.Sprintf, fmt.Println, and anything else that consults the
// fmt.Stringer interface.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string, keeping
// secrets out of serialized config dumps and API responses.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue implements slog.LogValuer so structured log attributes carrying a
// SecretString are redacted regardless of the handler in use.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// Unmask returns the raw plaintext value of the secret. Usage should be
// limited to the call sites that actually need the value on the wire.
func (s SecretString) Unmask() string {
	return string(s)
}
