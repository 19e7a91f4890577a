// Package main is the entry point for the billing ledger API server.
//
// It loads configuration, connects to PostgreSQL, builds the gateway
// registry and domain services, mounts the webhook intake and admin routes
// on the core chassis, and serves HTTP until SIGINT or SIGTERM.
//
// In local mode (APP_ENV=local) pending migrations are applied at startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"billingledger/internal/api/handlers"
	"billingledger/internal/app"
	"billingledger/internal/config"
	"billingledger/internal/core"
	"billingledger/internal/db"
	"billingledger/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"), config.WithSSMEndpoint(os.Getenv("AWS_ENDPOINT_URL")))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("billing ledger API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	if cfg.Environment == "local" {
		if err := db.Migrate(ctx, deps.Pool); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
	}

	srv, err := buildServer(cfg, components{
		gateways: deps.Gateways,
		webhooks: deps.Reconciler,
		replayer: deps.Reconciler,
		ledger:   deps.Ledger,
		billing:  deps.Billing,
		database: deps.Pool,
	}, prometheus.NewRegistry(), logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return serve(ctx, srv, cfg, logger)
}

// components are the services the HTTP layer depends on.
type components struct {
	gateways handlers.GatewayLookup
	webhooks handlers.WebhookProcessor
	replayer handlers.WebhookReplayer
	ledger   handlers.CreditLedger
	billing  handlers.BillingService
	database core.Pinger
}

// buildServer assembles the chassis and mounts every handler group.
func buildServer(cfg *config.Config, c components, reg *prometheus.Registry, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Observability.EnableMetrics {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.NewHTTPMetrics(reg, "billing")
	srv.Metrics = m
	if cfg.Observability.EnableMetrics {
		srv.MetricsPage = m.Handler()
	}
	srv.HealthProbes = []core.HealthProbe{core.PingProbe{ProbeName: "database", Target: c.database}}

	webhooks := handlers.NewWebhookHandler(c.webhooks, c.gateways, cfg.Security.AdminAPIKeyHash,
		cfg.Server.MaxWebhookBytes, m, logger)
	srv.PublicRoutes = append(srv.PublicRoutes, webhooks.RegisterRoutes)

	credits := handlers.NewCreditsHandler(c.ledger, srv.Validator, m, logger)
	billingHandler := handlers.NewBillingHandler(c.billing, srv.Validator, logger)
	replay := handlers.NewReplayHandler(c.replayer, logger)
	srv.AdminRoutes = append(srv.AdminRoutes,
		credits.RegisterRoutes,
		billingHandler.RegisterRoutes,
		replay.RegisterRoutes,
		func(r chi.Router) {
			r.Get("/gateways", func(w http.ResponseWriter, r *http.Request) {
				core.JSON(w, r, http.StatusOK, core.APIResponse{Data: c.gateways.Names()})
			})
		},
	)

	srv.MountRoutes()
	return srv, nil
}

// serve runs the HTTP server until ctx is cancelled, then drains it.
func serve(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
