package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"billingledger/internal/types"
)

// SubscriptionRepository provides data access for the subscriptions table.
//
// A checkout inserts a pending row with a NULL gateway_subscription_id; the
// SubscriptionCreated webhook later attaches the provider id to it. The
// ForUpdate variants must run inside a transaction.
type SubscriptionRepository struct {
	db DBTX
}

// NewSubscriptionRepository creates a new SubscriptionRepository backed by the
// given database connection (pool or transaction).
func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, tenant_id, gateway_name, gateway_subscription_id, plan_id,
	quantity, status, trial_ends_at, starts_at, ends_at, canceled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.GatewayName,
		&s.GatewaySubscriptionID,
		&s.PlanID,
		&s.Quantity,
		&s.Status,
		&s.TrialEndsAt,
		&s.StartsAt,
		&s.EndsAt,
		&s.CanceledAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SubscriptionRepository) queryOne(ctx context.Context, op string, sql string, args ...any) (*types.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to "+op, err)
	}
	return sub, nil
}

// FindSubscriptionForUpdate locks and returns the subscription carrying the
// provider id, or nil when none exists.
func (r *SubscriptionRepository) FindSubscriptionForUpdate(ctx context.Context, tenantID string, gateway types.GatewayName, gatewaySubID string) (*types.Subscription, error) {
	return r.queryOne(ctx, "find subscription",
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE tenant_id = $1 AND gateway_name = $2 AND gateway_subscription_id = $3
		 FOR UPDATE`,
		tenantID, gateway, gatewaySubID,
	)
}

// LatestPendingSubscriptionForUpdate locks and returns the newest row still
// waiting for a provider id, or nil.
func (r *SubscriptionRepository) LatestPendingSubscriptionForUpdate(ctx context.Context, tenantID string, gateway types.GatewayName) (*types.Subscription, error) {
	return r.queryOne(ctx, "find pending subscription",
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE tenant_id = $1 AND gateway_name = $2 AND gateway_subscription_id IS NULL
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1
		 FOR UPDATE`,
		tenantID, gateway,
	)
}

// ActiveSubscription returns the tenant's newest subscription at gateway
// that is neither canceled nor ended at now.
func (r *SubscriptionRepository) ActiveSubscription(ctx context.Context, tenantID string, gateway types.GatewayName, now time.Time) (*types.Subscription, error) {
	sub, err := r.queryOne(ctx, "find active subscription",
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE tenant_id = $1 AND gateway_name = $2
		   AND gateway_subscription_id IS NOT NULL
		   AND canceled_at IS NULL
		   AND (ends_at IS NULL OR ends_at > $3)
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		tenantID, gateway, now,
	)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no active subscription for gateway", nil)
	}
	return sub, nil
}

// ResumableSubscription returns the tenant's newest subscription at gateway
// that is scheduled to cancel but has not ended at now.
func (r *SubscriptionRepository) ResumableSubscription(ctx context.Context, tenantID string, gateway types.GatewayName, now time.Time) (*types.Subscription, error) {
	sub, err := r.queryOne(ctx, "find resumable subscription",
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE tenant_id = $1 AND gateway_name = $2
		   AND gateway_subscription_id IS NOT NULL
		   AND canceled_at IS NOT NULL
		   AND (ends_at IS NULL OR ends_at > $3)
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		tenantID, gateway, now,
	)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no resumable subscription for gateway", nil)
	}
	return sub, nil
}

// InsertSubscription creates a row and fills in ID and timestamps.
func (r *SubscriptionRepository) InsertSubscription(ctx context.Context, s *types.Subscription) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (tenant_id, gateway_name, gateway_subscription_id, plan_id,
		 quantity, status, trial_ends_at, starts_at, ends_at, canceled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at, updated_at`,
		s.TenantID,
		s.GatewayName,
		s.GatewaySubscriptionID,
		s.PlanID,
		s.Quantity,
		s.Status,
		s.TrialEndsAt,
		s.StartsAt,
		s.EndsAt,
		s.CanceledAt,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictAlreadyProcessed, "subscription already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert subscription", err)
	}
	return nil
}

// DeletePendingSubscription removes a checkout row that never received a
// provider id. It reports whether a row was removed; a row a webhook has
// already attached to is left alone.
func (r *SubscriptionRepository) DeletePendingSubscription(ctx context.Context, id int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM subscriptions WHERE id = $1 AND gateway_subscription_id IS NULL`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to delete pending subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateSubscription writes every mutable column of s.
func (r *SubscriptionRepository) UpdateSubscription(ctx context.Context, s *types.Subscription) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET gateway_subscription_id = $2,
		     plan_id = $3,
		     quantity = $4,
		     status = $5,
		     trial_ends_at = $6,
		     starts_at = $7,
		     ends_at = $8,
		     canceled_at = $9,
		     updated_at = NOW()
		 WHERE id = $1`,
		s.ID,
		s.GatewaySubscriptionID,
		s.PlanID,
		s.Quantity,
		s.Status,
		s.TrialEndsAt,
		s.StartsAt,
		s.EndsAt,
		s.CanceledAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}
