package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"billingledger/internal/types"
)

// FailedPaymentRepository provides data access for failed_payment_attempts,
// the state the dunning scheduler escalates over.
type FailedPaymentRepository struct {
	db DBTX
}

// NewFailedPaymentRepository creates a new FailedPaymentRepository backed by
// the given database connection (pool or transaction).
func NewFailedPaymentRepository(db DBTX) *FailedPaymentRepository {
	return &FailedPaymentRepository{db: db}
}

const failedPaymentColumns = `id, tenant_id, gateway_name, gateway_subscription_id, attempt_number,
	dunning_emails_sent, failed_at, last_dunning_sent_at, resolved_at`

func scanFailedPayment(row pgx.Row) (*types.FailedPaymentAttempt, error) {
	var a types.FailedPaymentAttempt
	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.GatewayName,
		&a.GatewaySubscriptionID,
		&a.AttemptNumber,
		&a.DunningEmailsSent,
		&a.FailedAt,
		&a.LastDunningSentAt,
		&a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertFailedPayment records a payment failure. A new row starts at
// attempt 1. An open row increments attempt_number and takes the new
// failed_at; a resolved row starts a fresh dunning cycle.
func (r *FailedPaymentRepository) UpsertFailedPayment(ctx context.Context, tenantID string, gateway types.GatewayName, gatewaySubID string, failedAt time.Time) (*types.FailedPaymentAttempt, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO failed_payment_attempts (tenant_id, gateway_name, gateway_subscription_id,
		 attempt_number, dunning_emails_sent, failed_at)
		 VALUES ($1, $2, $3, 1, 0, $4)
		 ON CONFLICT (tenant_id, gateway_name, gateway_subscription_id) DO UPDATE
		   SET attempt_number = CASE WHEN failed_payment_attempts.resolved_at IS NULL
		                             THEN failed_payment_attempts.attempt_number + 1 ELSE 1 END,
		       dunning_emails_sent = CASE WHEN failed_payment_attempts.resolved_at IS NULL
		                                  THEN failed_payment_attempts.dunning_emails_sent ELSE 0 END,
		       failed_at = EXCLUDED.failed_at,
		       last_dunning_sent_at = CASE WHEN failed_payment_attempts.resolved_at IS NULL
		                                   THEN failed_payment_attempts.last_dunning_sent_at ELSE NULL END,
		       resolved_at = NULL
		 RETURNING `+failedPaymentColumns,
		tenantID, gateway, gatewaySubID, failedAt,
	)
	attempt, err := scanFailedPayment(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert failed payment attempt", err)
	}
	return attempt, nil
}

// ResolveFailedPayment closes the open attempt for the subscription, if any.
// It reports whether a row was resolved.
func (r *FailedPaymentRepository) ResolveFailedPayment(ctx context.Context, tenantID string, gateway types.GatewayName, gatewaySubID string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE failed_payment_attempts
		 SET resolved_at = $4
		 WHERE tenant_id = $1 AND gateway_name = $2 AND gateway_subscription_id = $3
		   AND resolved_at IS NULL`,
		tenantID, gateway, gatewaySubID, at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve failed payment attempt", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListDunningCandidates pages through open attempts that have not yet
// received every reminder, ordered by id.
func (r *FailedPaymentRepository) ListDunningCandidates(ctx context.Context, afterID int64, maxReminders int, limit int) ([]types.FailedPaymentAttempt, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+failedPaymentColumns+`
		 FROM failed_payment_attempts
		 WHERE resolved_at IS NULL
		   AND dunning_emails_sent < $2
		   AND id > $1
		 ORDER BY id
		 LIMIT $3`,
		afterID, maxReminders, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list dunning candidates", err)
	}
	defer rows.Close()

	var out []types.FailedPaymentAttempt
	for rows.Next() {
		a, err := scanFailedPayment(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dunning candidate", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate dunning candidates", err)
	}
	return out, nil
}

// LockFailedPayment re-reads an attempt under a row lock. Returns nil when
// the row no longer exists.
func (r *FailedPaymentRepository) LockFailedPayment(ctx context.Context, id int64) (*types.FailedPaymentAttempt, error) {
	attempt, err := scanFailedPayment(r.db.QueryRow(ctx,
		`SELECT `+failedPaymentColumns+`
		 FROM failed_payment_attempts
		 WHERE id = $1
		 FOR UPDATE`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock failed payment attempt", err)
	}
	return attempt, nil
}

// MarkDunningSent records one more reminder sent at the given time.
func (r *FailedPaymentRepository) MarkDunningSent(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE failed_payment_attempts
		 SET dunning_emails_sent = dunning_emails_sent + 1,
		     last_dunning_sent_at = $2
		 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record dunning reminder", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed payment attempt not found", nil)
	}
	return nil
}
