package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"billingledger/internal/metrics"
	"billingledger/internal/types"
)

const defaultSweeperConcurrency = 4

// ExpirableOwnerLister pages over (tenant, owner) pairs holding credit that
// has reached its expiry. after is the last pair of the previous page.
type ExpirableOwnerLister interface {
	ListOwnersWithExpirable(ctx context.Context, asOf time.Time, after *types.LedgerOwner, limit int) ([]types.LedgerOwner, error)
}

// Expirer is the ledger operation the sweeper drives.
type Expirer interface {
	Expire(ctx context.Context, tenantID string, owner types.OwnerRef, asOf time.Time) (int64, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Owners   int   `json:"owners"`
	Expired  int64 `json:"expired"`
	Failures int   `json:"failures"`
}

// ExpirationSweeper expires credits owner by owner with bounded concurrency.
type ExpirationSweeper struct {
	owners      ExpirableOwnerLister
	ledger      Expirer
	concurrency int
	batchLimit  int
	metrics     metrics.Recorder
	logger      *slog.Logger
}

func NewExpirationSweeper(owners ExpirableOwnerLister, ledger Expirer, concurrency, batchLimit int, rec metrics.Recorder, logger *slog.Logger) *ExpirationSweeper {
	if concurrency <= 0 {
		concurrency = defaultSweeperConcurrency
	}
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirationSweeper{
		owners:      owners,
		ledger:      ledger,
		concurrency: concurrency,
		batchLimit:  batchLimit,
		metrics:     rec,
		logger:      logger,
	}
}

// Sweep expires everything due at asOf. A failing owner is logged and
// counted and never aborts the sweep. When ctx is cancelled no new owners
// are started and the partial result is returned with ctx.Err().
func (s *ExpirationSweeper) Sweep(ctx context.Context, asOf time.Time) (SweepResult, error) {
	var res SweepResult
	var after *types.LedgerOwner

	for {
		if err := ctx.Err(); err != nil {
			s.report(ctx, res)
			return res, err
		}

		page, err := s.owners.ListOwnersWithExpirable(ctx, asOf, after, s.batchLimit)
		if err != nil {
			s.report(ctx, res)
			return res, fmt.Errorf("listing owners with expirable credits: %w", err)
		}

		expired := make([]int64, len(page))
		failed := make([]bool, len(page))

		g := new(errgroup.Group)
		g.SetLimit(s.concurrency)
		for i, o := range page {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				amount, err := s.ledger.Expire(ctx, o.TenantID, o.Owner, asOf)
				if err != nil {
					failed[i] = true
					s.logger.ErrorContext(ctx, "credit expiry failed",
						"tenant_id", o.TenantID,
						"owner_type", o.Owner.Type,
						"owner_id", o.Owner.ID,
						"error", err,
					)
					return nil
				}
				expired[i] = amount
				return nil
			})
		}
		_ = g.Wait()

		res.Expired += lo.Sum(expired)
		res.Owners += lo.CountBy(expired, func(a int64) bool { return a > 0 })
		res.Failures += lo.Count(failed, true)

		if len(page) < s.batchLimit {
			break
		}
		last := page[len(page)-1]
		after = &last
	}

	s.report(ctx, res)
	return res, nil
}

func (s *ExpirationSweeper) report(ctx context.Context, res SweepResult) {
	dims := metrics.Dims{types.DimTask: string(TaskExpireCredits)}
	s.metrics.Count(ctx, types.MetricCreditsExpired, float64(res.Expired), dims)
	s.metrics.Count(ctx, types.MetricOwnersExpired, float64(res.Owners), dims)
	if res.Failures > 0 {
		s.metrics.Count(ctx, types.MetricExpirationFailures, float64(res.Failures), dims)
	}
	s.logger.InfoContext(ctx, "credit expiration sweep complete",
		"owners_affected", res.Owners,
		"credits_expired", res.Expired,
		"failures", res.Failures,
	)
}
