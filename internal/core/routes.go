package core

import (
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultRequestTimeout = 29 * time.Second

// redactedHeaders lists headers whose values are masked in request logs.
var redactedHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"X-Scheduler-Secret",
	"X-Goog-Channel-Token",
}

// MountRoutes registers the global middleware chain, the v1 route groups,
// and the health endpoint.
//
// Middleware order matters: Recoverer outermost so it catches everything,
// timeout before request id so the deadline covers id generation onward,
// logging after request id so every line carries the correlation id.
// Authentication is per-group, not global: the webhook endpoint does its
// own per-channel secret check and must stay reachable without credentials.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, redactedHeaders))

	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}
