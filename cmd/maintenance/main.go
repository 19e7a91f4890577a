// Package main is the maintenance Lambda. EventBridge rules invoke it with a
// scheduler.MaintenancePayload naming one task; the Runner takes the hourly
// job lock, executes the task and records job history.
//
// Dependencies are built once per cold start and reused across invocations.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"

	"billingledger/internal/app"
	"billingledger/internal/config"
	"billingledger/internal/scheduler"
)

// TaskRunner is satisfied by *scheduler.Runner.
type TaskRunner interface {
	Run(ctx context.Context, payload scheduler.MaintenancePayload) (string, error)
}

// Handler adapts a TaskRunner to the Lambda invocation signature.
type Handler struct {
	Runner TaskRunner
	Logger *slog.Logger
}

func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		logger = logger.With("aws_request_id", lc.AwsRequestID)
	}
	logger.InfoContext(ctx, "maintenance invocation received", "task", payload.Task)
	return h.Runner.Run(ctx, payload)
}

func main() {
	bootLogger := app.NewLogger(os.Stdout, "info")
	bootLogger.Info("maintenance Lambda initializing (cold start)")

	ctx := context.Background()
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(os.Stdout, cfg.LogLevel)

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build dependencies", "error", err)
		os.Exit(1)
	}

	workerID := "lambda-" + uuid.NewString()
	handler := &Handler{Runner: deps.MaintenanceRunner(workerID), Logger: logger}

	logger.Info("maintenance Lambda initialized", "worker_id", workerID)
	lambda.Start(handler.Handle)
}
