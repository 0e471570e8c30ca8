package core

import (
	"crypto/subtle"
	"net/http"

	"calsync/internal/types"
)

// Header names for the two caller-facing auth schemes. The webhook endpoint
// authenticates differently (per-channel secrets) and bypasses both.
const (
	apiKeyHeader       = "X-Api-Key"
	schedulerKeyHeader = "X-Scheduler-Secret"
)

// APIKeyAuthMiddleware authenticates user-facing routes with the hashed API
// key scheme. The resolved key's owner becomes the request Actor.
func (s *Server) APIKeyAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Keys == nil {
			Error(w, r, types.NewAppError(types.ErrCodeAuthKeyInvalid,
				"API key verification is not configured", nil))
			return
		}

		key, err := s.Keys.Verify(r.Context(), r.Header.Get(apiKeyHeader))
		if err != nil {
			Error(w, r, err)
			return
		}

		ctx := types.WithActor(r.Context(), types.Actor{
			ID:      key.ID,
			OwnerID: key.OwnerID,
			Source:  "api_key",
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SharedSecretMiddleware guards the scheduler entrypoint with the deploy-time
// shared secret. Comparison is constant time; a mismatch is indistinguishable
// from a missing header.
func (s *Server) SharedSecretMiddleware(next http.Handler) http.Handler {
	expected := []byte(s.Config.Server.SchedulerSecret.Unmask())
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(r.Header.Get(schedulerKeyHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(expected, presented) != 1 {
			Error(w, r, types.NewAppError(types.ErrCodeAuthSecretInvalid,
				"invalid scheduler secret", nil))
			return
		}

		ctx := types.WithActor(r.Context(), types.Actor{
			ID:     "scheduler",
			Source: "shared_secret",
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
