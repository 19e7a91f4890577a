// Package main implements the job-runner CLI for invoking maintenance tasks
// directly, bypassing the Lambda shim. It is meant for local development,
// backfills and operational debugging.
//
// Usage:
//
//	go run ./cmd/tools/job-runner --task=expire_credits
//	go run ./cmd/tools/job-runner --task=send_dunning_reminders --reference-time=2026-01-15T02:00:00Z
//	go run ./cmd/tools/job-runner --dry-run --task=replay_webhooks
//	go run ./cmd/tools/job-runner --list
//
// Configuration is read the same way as the services (environment, then
// .env). In --dry-run mode the payload is printed without connecting to
// anything.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"billingledger/internal/app"
	"billingledger/internal/config"
	"billingledger/internal/scheduler"
)

var taskDescriptions = map[scheduler.TaskType]string{
	scheduler.TaskSendDunningReminders: "Send dunning reminders for unresolved failed payments",
	scheduler.TaskExpireCredits:        "Expire credit grants past their expiry",
	scheduler.TaskReplayWebhooks:       "Re-apply verified webhook deliveries that failed",
	scheduler.TaskArchiveWebhookLogs:   "Archive webhook logs past retention to S3",
}

type options struct {
	task          scheduler.TaskType
	referenceTime *time.Time
	list          bool
	dryRun        bool
}

var errUsage = errors.New("usage")

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("job-runner", flag.ContinueOnError)
	fs.SetOutput(stderr)
	task := fs.String("task", "", "Task type to execute (e.g., expire_credits)")
	refTime := fs.String("reference-time", "", "Override reference time (RFC3339, e.g., 2026-01-15T02:00:00Z)")
	list := fs.Bool("list", false, "List all available task types and exit")
	dryRun := fs.Bool("dry-run", false, "Print the JSON payload without executing")
	if err := fs.Parse(args); err != nil {
		return options{}, errUsage
	}

	opts := options{task: scheduler.TaskType(*task), list: *list, dryRun: *dryRun}
	if opts.list {
		return opts, nil
	}
	if opts.task == "" {
		return options{}, fmt.Errorf("--task is required")
	}
	if _, ok := taskDescriptions[opts.task]; !ok {
		return options{}, fmt.Errorf("unknown task type %q", opts.task)
	}
	if *refTime != "" {
		t, err := time.Parse(time.RFC3339, *refTime)
		if err != nil {
			return options{}, fmt.Errorf("invalid --reference-time %q: expected RFC3339", *refTime)
		}
		opts.referenceTime = &t
	}
	return opts, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "error: %v\n\n", err)
			printAvailableTasks(stderr)
		}
		return 2
	}
	if opts.list {
		printAvailableTasks(stdout)
		return 0
	}

	payload := scheduler.MaintenancePayload{Task: opts.task, ReferenceTime: opts.referenceTime}
	if opts.dryRun {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(payload)
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		fmt.Fprintf(stderr, "error: loading configuration: %v\n", err)
		return 1
	}
	logger := app.NewLogger(stdout, cfg.LogLevel)

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build dependencies", "error", err)
		return 1
	}
	defer deps.Close()

	runner := deps.MaintenanceRunner("job-runner-" + uuid.NewString())
	result, err := runner.Run(ctx, payload)
	if err != nil {
		logger.Error("task execution failed", "task", string(payload.Task), "error", err)
		return 1
	}
	logger.Info("task execution succeeded", "task", string(payload.Task), "result", result)
	return 0
}

func printAvailableTasks(w io.Writer) {
	fmt.Fprintln(w, "Available tasks:")
	for _, task := range scheduler.AllTasks {
		fmt.Fprintf(w, "  %-24s %s\n", task, taskDescriptions[task])
	}
}
