// Package core provides the HTTP chassis for the sync service: a chi router
// with the cross-cutting middleware (recovery, timeouts, request ids,
// logging, authentication) applied before requests reach domain handlers.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"calsync/internal/auth"
	"calsync/internal/config"
)

// RouteRegistrar mounts one domain handler group onto the v1 router. The
// indirection keeps core free of handler imports; main wires the two
// together.
type RouteRegistrar func(r chi.Router)

// Server bundles the router with the dependencies every middleware needs.
type Server struct {
	Config *config.Config
	Logger *slog.Logger
	// Keys verifies API keys on user-facing routes; nil disables those
	// routes' auth (tests only).
	Keys *auth.KeyVerifier

	// V1RouteRegistrars are mounted under /v1 by MountRoutes.
	V1RouteRegistrars []RouteRegistrar
	// HealthProbes are executed by the health endpoint.
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer creates a Server. Routes are mounted separately via MountRoutes
// so tests can customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
