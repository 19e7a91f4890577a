package core

import (
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultRequestTimeout = 30 * time.Second

// defaultRedactedHeaders are masked in request logs. Signature headers are
// included because they are bearer material for a single delivery.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Stripe-Signature",
	"Paddle-Signature",
	"X-Signature",
}

// MountRoutes installs the middleware chain and every route group. It must
// be called once, after the registrars are set.
//
// Middleware order:
//  1. Recoverer        outermost, catches every panic
//  2. ContextTimeout
//  3. RequestID
//  4. SecurityHeaders
//  5. RequestLogger
//  6. Metrics
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(s.MetricsMiddleware)

	s.router.Get("/health", s.HandleHealth)
	if s.MetricsPage != nil {
		s.router.Method("GET", "/metrics", s.MetricsPage)
	}

	for _, register := range s.PublicRoutes {
		register(s.router)
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(AdminAuth(s.Config.Security.AdminAPIKeyHash))
		for _, register := range s.AdminRoutes {
			register(r)
		}
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}
