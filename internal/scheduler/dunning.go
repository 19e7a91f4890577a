package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"billingledger/internal/metrics"
	"billingledger/internal/types"
)

const defaultBatchLimit = 50

// DunningTx is the transactional view used while escalating one attempt.
type DunningTx interface {
	// LockFailedPayment re-reads the attempt FOR UPDATE; nil when gone.
	LockFailedPayment(ctx context.Context, id int64) (*types.FailedPaymentAttempt, error)
	MarkDunningSent(ctx context.Context, id int64, at time.Time) error
}

// DunningStore lists open attempts and opens per-row transactions.
type DunningStore interface {
	// ListDunningCandidates pages by id over unresolved attempts that have
	// received fewer than maxReminders reminders.
	ListDunningCandidates(ctx context.Context, afterID int64, maxReminders int, limit int) ([]types.FailedPaymentAttempt, error)
	InTx(ctx context.Context, fn func(ctx context.Context, tx DunningTx) error) error
}

// DunningService escalates failed payments through the reminder schedule.
// intervals[n] is the minimum whole number of days since the first failure
// before reminder n+1 is due.
type DunningService struct {
	store      DunningStore
	publisher  types.EventPublisher
	intervals  []int
	batchLimit int
	metrics    metrics.Recorder
	logger     *slog.Logger
}

func NewDunningService(store DunningStore, publisher types.EventPublisher, intervals []int, batchLimit int, rec metrics.Recorder, logger *slog.Logger) *DunningService {
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DunningService{
		store:      store,
		publisher:  publisher,
		intervals:  append([]int(nil), intervals...),
		batchLimit: batchLimit,
		metrics:    rec,
		logger:     logger,
	}
}

// SendReminders runs one dunning tick at now and returns the number of
// reminders published. Per-row failures are logged and counted; the row
// stays unchanged and is retried on the next tick.
func (s *DunningService) SendReminders(ctx context.Context, now time.Time) (int, error) {
	if len(s.intervals) == 0 {
		return 0, nil
	}

	sent, failed := 0, 0
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		batch, err := s.store.ListDunningCandidates(ctx, afterID, len(s.intervals), s.batchLimit)
		if err != nil {
			return sent, fmt.Errorf("listing dunning candidates: %w", err)
		}

		for _, candidate := range batch {
			if err := ctx.Err(); err != nil {
				s.report(ctx, sent, failed)
				return sent, err
			}
			ok, err := s.remind(ctx, candidate.ID, now)
			if err != nil {
				failed++
				s.logger.ErrorContext(ctx, "dunning reminder failed",
					"failed_payment_id", candidate.ID,
					"tenant_id", candidate.TenantID,
					"error", err,
				)
				continue
			}
			if ok {
				sent++
			}
		}

		if len(batch) < s.batchLimit {
			break
		}
		afterID = batch[len(batch)-1].ID
	}

	s.report(ctx, sent, failed)
	return sent, nil
}

// remind escalates one attempt if a reminder is due. The publish happens
// inside the transaction: a publish failure leaves the row as it was, and a
// commit failure after a publish sends the reminder again on the next tick
// under the same event id.
func (s *DunningService) remind(ctx context.Context, id int64, now time.Time) (bool, error) {
	due := false
	err := s.store.InTx(ctx, func(ctx context.Context, tx DunningTx) error {
		due = false
		attempt, err := tx.LockFailedPayment(ctx, id)
		if err != nil || attempt == nil {
			return err
		}
		if attempt.ResolvedAt != nil || attempt.DunningEmailsSent >= len(s.intervals) {
			return nil
		}
		days := daysBetween(attempt.FailedAt, now)
		if days < s.intervals[attempt.DunningEmailsSent] {
			return nil
		}

		reminder := attempt.DunningEmailsSent + 1
		event := types.DomainEvent{
			ID:         reminderEventID(attempt, reminder),
			Type:       types.DomainEventDunningReminderDue,
			TenantID:   attempt.TenantID,
			OccurredAt: now,
			Payload: types.DunningReminderPayload{
				Gateway:          attempt.GatewayName,
				SubscriptionID:   attempt.GatewaySubscriptionID,
				AttemptNumber:    attempt.AttemptNumber,
				ReminderNumber:   reminder,
				DaysSinceFailure: days,
			},
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			return fmt.Errorf("publishing dunning reminder: %w", err)
		}
		if err := tx.MarkDunningSent(ctx, attempt.ID, now); err != nil {
			return err
		}

		s.logger.InfoContext(ctx, "dunning reminder due",
			"tenant_id", attempt.TenantID,
			"gateway", attempt.GatewayName,
			"subscription_id", attempt.GatewaySubscriptionID,
			"reminder_number", reminder,
			"days_since_failure", days,
		)
		due = true
		return nil
	})
	return due, err
}

func (s *DunningService) report(ctx context.Context, sent, failed int) {
	dims := metrics.Dims{types.DimTask: string(TaskSendDunningReminders)}
	s.metrics.Count(ctx, types.MetricDunningReminders, float64(sent), dims)
	if failed > 0 {
		s.metrics.Count(ctx, types.MetricDunningFailures, float64(failed), dims)
	}
	s.logger.InfoContext(ctx, "dunning tick complete",
		"reminders_sent", sent,
		"failures", failed,
	)
}

// reminderEventID is stable for a given reminder of a dunning cycle, so
// consumers can drop a reminder delivered twice. A new cycle starts with a
// new failed_at and gets new ids.
func reminderEventID(attempt *types.FailedPaymentAttempt, reminder int) string {
	name := fmt.Sprintf("dunning:%d:%d:%d", attempt.ID, attempt.FailedAt.UnixMicro(), reminder)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// daysBetween returns the whole days elapsed from failedAt to now, floored.
func daysBetween(failedAt, now time.Time) int {
	d := now.Sub(failedAt)
	if d < 0 {
		return -1
	}
	return int(d / (24 * time.Hour))
}
