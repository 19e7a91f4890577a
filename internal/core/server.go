// Package core provides the HTTP chassis for the billing ledger API. It
// builds a chi router and applies the cross-cutting concerns (panic
// recovery, request ids, logging, metrics and admin authentication) before
// requests reach the handlers in internal/api/handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"billingledger/internal/config"
)

// RequestObserver records per-request telemetry. route is the matched chi
// pattern.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// RouteRegistrar mounts a handler group onto a router.
type RouteRegistrar func(r chi.Router)

// Server holds the API dependencies. Handler packages register their routes
// through the registrar slices so core never imports them.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	Metrics      RequestObserver
	MetricsPage  http.Handler
	HealthProbes []HealthProbe

	// PublicRoutes are mounted at the root without authentication
	// (webhook intake). AdminRoutes are mounted under /v1 behind the admin
	// key check.
	PublicRoutes []RouteRegistrar
	AdminRoutes  []RouteRegistrar

	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty
// router. Call MountRoutes once the registrars are set.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown logs the drain. Connection pools are owned and closed by the
// caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
