package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"billingledger/internal/metrics"
	"billingledger/internal/reconcile"
	"billingledger/internal/types"
)

// ReplayLister finds verified deliveries whose processing failed.
type ReplayLister interface {
	ListReplayable(ctx context.Context, olderThan time.Time, limit int) ([]int64, error)
}

// WebhookReplayer is satisfied by *reconcile.Reconciler.
type WebhookReplayer interface {
	Replay(ctx context.Context, logID int64) (*reconcile.Result, error)
}

// ReplayService retries failed webhook deliveries once they are older than
// replayAfter, giving the provider's own retries a head start.
type ReplayService struct {
	logs        ReplayLister
	replayer    WebhookReplayer
	replayAfter time.Duration
	batchLimit  int
	metrics     metrics.Recorder
	logger      *slog.Logger
}

func NewReplayService(logs ReplayLister, replayer WebhookReplayer, replayAfter time.Duration, batchLimit int, rec metrics.Recorder, logger *slog.Logger) *ReplayService {
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplayService{
		logs:        logs,
		replayer:    replayer,
		replayAfter: replayAfter,
		batchLimit:  batchLimit,
		metrics:     rec,
		logger:      logger,
	}
}

// ReplayStale replays one batch and returns how many deliveries were
// applied. Rows that fail again keep their error and are picked up by a
// later run, so a single batch per run bounds the work.
func (s *ReplayService) ReplayStale(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.logs.ListReplayable(ctx, now.Add(-s.replayAfter), s.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing replayable webhook logs: %w", err)
	}

	replayed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		res, err := s.replayer.Replay(ctx, id)
		if err != nil {
			s.metrics.Count(ctx, types.MetricWebhooksReplayed, 1, metrics.Dims{types.DimOutcome: "failed"})
			s.logger.WarnContext(ctx, "webhook replay failed",
				"webhook_log_id", id,
				"error", err,
			)
			continue
		}
		replayed++
		s.metrics.Count(ctx, types.MetricWebhooksReplayed, 1, metrics.Dims{types.DimOutcome: string(res.Outcome)})
	}

	if len(ids) > 0 {
		s.logger.InfoContext(ctx, "webhook replay complete",
			"candidates", len(ids),
			"replayed", replayed,
		)
	}
	return replayed, nil
}
