package reconcile

import (
	"context"
	"time"

	"billingledger/internal/types"
)

// Tx is the transactional view used while applying one event. Row reads
// for update hold their locks until the transaction ends.
type Tx interface {
	ResolveTenant(ctx context.Context, gateway types.GatewayName, customerID string) (string, bool, error)
	RecordEvent(ctx context.Context, gateway types.GatewayName, eventID string) (bool, error)

	FindSubscriptionForUpdate(ctx context.Context, tenantID string, gateway types.GatewayName, gatewaySubID string) (*types.Subscription, error)
	LatestPendingSubscriptionForUpdate(ctx context.Context, tenantID string, gateway types.GatewayName) (*types.Subscription, error)
	InsertSubscription(ctx context.Context, s *types.Subscription) error
	UpdateSubscription(ctx context.Context, s *types.Subscription) error

	UpsertPaidInvoice(ctx context.Context, inv *types.Invoice) (bool, error)

	UpsertFailedPayment(ctx context.Context, tenantID string, gateway types.GatewayName, gatewaySubID string, failedAt time.Time) (*types.FailedPaymentAttempt, error)
	ResolveFailedPayment(ctx context.Context, tenantID string, gateway types.GatewayName, gatewaySubID string, at time.Time) (bool, error)

	SetWebhookLogEventType(ctx context.Context, id int64, eventType string) error
	FinalizeWebhookLog(ctx context.Context, id int64, tenantID *string, eventType string, at time.Time) error
}

// Store persists webhook logs outside any transaction and opens the
// transaction that applies an event.
type Store interface {
	InsertWebhookLog(ctx context.Context, l *types.WebhookLog) error
	SetWebhookLogEventType(ctx context.Context, id int64, eventType string) error
	MarkWebhookVerified(ctx context.Context, id int64, providerEventID string, eventType string) error
	RecordWebhookError(ctx context.Context, id int64, message string) error
	GetWebhookLog(ctx context.Context, id int64) (*types.WebhookLog, error)

	// InTx runs fn in one transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
