package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"billingledger/internal/metrics"
	"billingledger/internal/types"
)

// lockTTL covers the longest expected task run with margin.
const lockTTL = 15 * time.Minute

// Job status values written to job_history.
const (
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

type DunningTask interface {
	SendReminders(ctx context.Context, now time.Time) (int, error)
}

type ExpirationTask interface {
	Sweep(ctx context.Context, asOf time.Time) (SweepResult, error)
}

type ReplayTask interface {
	ReplayStale(ctx context.Context, now time.Time) (int, error)
}

type ArchiveTask interface {
	Archive(ctx context.Context, now time.Time) (int, error)
}

// Tasks holds the task implementations. A nil field makes its TaskType fail
// with a configuration error.
type Tasks struct {
	Dunning    DunningTask
	Expiration ExpirationTask
	Replay     ReplayTask
	Archive    ArchiveTask
}

// JobLocker abstracts the distributed lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// JobHistorian records task runs.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Runner executes one MaintenancePayload:
//  1. Resolve the reference time.
//  2. Acquire the "task:hour" job lock; a held lock skips the run.
//  3. Record the start in job history.
//  4. Dispatch to the task.
//  5. Record completion. A failed run releases its lock so it can be retried
//     within the same hour.
type Runner struct {
	Tasks      Tasks
	JobLock    JobLocker
	JobHistory JobHistorian
	WorkerID   string
	Metrics    metrics.Recorder
	Clock      types.Clock
	Logger     *slog.Logger
}

func (r *Runner) Run(ctx context.Context, payload MaintenancePayload) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := r.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	rec := r.Metrics
	if rec == nil {
		rec = metrics.NopRecorder{}
	}

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	now := clock.Now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	task := string(payload.Task)
	logger = logger.With("task", task, "worker_id", r.WorkerID)
	logger.InfoContext(ctx, "maintenance task invoked", "reference_time", now.Format(time.RFC3339))

	lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := r.JobLock.Acquire(ctx, lockID, r.WorkerID, lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another worker", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	jobID, err := r.JobHistory.Start(ctx, task)
	if err != nil {
		// History is for visibility only; run anyway and skip Finish.
		logger.ErrorContext(ctx, "failed to start job history", "error", err)
		jobID = 0
	}

	started := clock.Now()
	items, execErr := r.dispatch(ctx, payload.Task, now)
	rec.Duration(ctx, types.MetricJobDuration, clock.Now().Sub(started), metrics.Dims{types.DimTask: task})

	status := JobStatusSuccess
	if execErr != nil {
		status = JobStatusFailed
	}
	if jobID != 0 {
		if err := r.JobHistory.Finish(context.WithoutCancel(ctx), jobID, status, items, execErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "error", err)
		}
	}

	if execErr != nil {
		if err := r.JobLock.Release(context.WithoutCancel(ctx), lockID, r.WorkerID); err != nil {
			logger.WarnContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
		}
		logger.ErrorContext(ctx, "maintenance task failed", "items_before_error", items, "error", execErr)
		return "", fmt.Errorf("task %s failed: %w", task, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", task, items)
	logger.InfoContext(ctx, result, "items", items)
	return result, nil
}

func (r *Runner) dispatch(ctx context.Context, task TaskType, now time.Time) (int, error) {
	switch task {
	case TaskSendDunningReminders:
		if r.Tasks.Dunning == nil {
			return 0, notConfigured(task)
		}
		return r.Tasks.Dunning.SendReminders(ctx, now)

	case TaskExpireCredits:
		if r.Tasks.Expiration == nil {
			return 0, notConfigured(task)
		}
		res, err := r.Tasks.Expiration.Sweep(ctx, now)
		return res.Owners, err

	case TaskReplayWebhooks:
		if r.Tasks.Replay == nil {
			return 0, notConfigured(task)
		}
		return r.Tasks.Replay.ReplayStale(ctx, now)

	case TaskArchiveWebhookLogs:
		if r.Tasks.Archive == nil {
			return 0, notConfigured(task)
		}
		return r.Tasks.Archive.Archive(ctx, now)

	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func notConfigured(task TaskType) error {
	return fmt.Errorf("task %s is not configured", task)
}
