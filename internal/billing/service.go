// Package billing orchestrates outbound gateway calls: checkouts, plan and
// quantity changes, cancellation and refunds. Local subscription state is
// only written here for pending checkouts; everything else converges
// through webhooks.
package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"billingledger/internal/config"
	"billingledger/internal/gateway"
	"billingledger/internal/types"
)

// SubscriptionStatusPending marks a checkout awaiting its provider
// subscription id.
const SubscriptionStatusPending = "pending"

// Gateways resolves an adapter by name.
type Gateways interface {
	Get(name types.GatewayName) (gateway.Adapter, error)
}

// CustomerStore maps tenants to provider customer ids.
type CustomerStore interface {
	GetCustomerID(ctx context.Context, tenantID string, gateway types.GatewayName) (string, bool, error)
	SaveCustomerID(ctx context.Context, tenantID string, gateway types.GatewayName, customerID string) error
}

// SubscriptionStore reads and creates local subscription rows.
type SubscriptionStore interface {
	InsertSubscription(ctx context.Context, s *types.Subscription) error
	DeletePendingSubscription(ctx context.Context, id int64) (bool, error)
	ActiveSubscription(ctx context.Context, tenantID string, gateway types.GatewayName, now time.Time) (*types.Subscription, error)
	ResumableSubscription(ctx context.Context, tenantID string, gateway types.GatewayName, now time.Time) (*types.Subscription, error)
}

// Option configures a Service.
type Option func(*Service)

// WithBackoff sets the wait before the first retry; later retries double it.
func WithBackoff(d time.Duration) Option {
	return func(s *Service) { s.backoff = d }
}

// CheckoutResult is returned by StartSubscriptionCheckout.
type CheckoutResult struct {
	URL            string `json:"url"`
	SubscriptionID int64  `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
}

type Service struct {
	gateways      Gateways
	customers     CustomerStore
	subscriptions SubscriptionStore
	clock         types.Clock
	callTimeout   time.Duration
	retries       int
	backoff       time.Duration
	logger        *slog.Logger
}

func NewService(gateways Gateways, customers CustomerStore, subscriptions SubscriptionStore, cfg config.GatewaysConfig, clock types.Clock, logger *slog.Logger, opts ...Option) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		gateways:      gateways,
		customers:     customers,
		subscriptions: subscriptions,
		clock:         clock,
		callTimeout:   cfg.CallTimeout,
		retries:       cfg.CallRetries,
		backoff:       500 * time.Millisecond,
		logger:        logger,
	}
	if s.callTimeout <= 0 {
		s.callTimeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSubscriptionCheckout ensures the tenant has a provider customer,
// records a pending subscription and returns the provider checkout URL. The
// pending row exists before the provider can send SubscriptionCreated and is
// removed again when the checkout cannot be created.
func (s *Service) StartSubscriptionCheckout(ctx context.Context, tenant types.Tenant, gw types.GatewayName, planRef string, urls types.RedirectURLs) (*CheckoutResult, error) {
	if planRef == "" {
		return nil, missingField("plan_ref")
	}
	adapter, err := s.gateways.Get(gw)
	if err != nil {
		return nil, err
	}
	customerID, err := s.ensureCustomer(ctx, adapter, tenant)
	if err != nil {
		return nil, err
	}
	tenant.CustomerID = customerID

	pending := &types.Subscription{
		TenantID:    tenant.ID,
		GatewayName: gw,
		PlanID:      planRef,
		Quantity:    1,
		Status:      SubscriptionStatusPending,
	}
	if err := s.subscriptions.InsertSubscription(ctx, pending); err != nil {
		return nil, err
	}

	url, err := callValue(ctx, s, adapter, "create_subscription_checkout", func(ctx context.Context) (string, error) {
		return adapter.CreateSubscriptionCheckout(ctx, tenant, planRef, urls)
	})
	if err != nil {
		s.discardPending(ctx, pending)
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription checkout started",
		"tenant_id", tenant.ID,
		"gateway", gw,
		"plan_ref", planRef,
		"subscription_id", pending.ID,
	)
	return &CheckoutResult{URL: url, SubscriptionID: pending.ID, CustomerID: customerID}, nil
}

// discardPending deletes a pending row left by a failed checkout. The
// checkout error is what the caller sees, so cleanup failures are only
// logged.
func (s *Service) discardPending(ctx context.Context, pending *types.Subscription) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.subscriptions.DeletePendingSubscription(ctx, pending.ID); err != nil {
		s.logger.ErrorContext(ctx, "failed to discard pending subscription",
			"tenant_id", pending.TenantID,
			"gateway", pending.GatewayName,
			"subscription_id", pending.ID,
			"error", err,
		)
	}
}

// StartCreditCheckout creates a one-off checkout for credit packs.
func (s *Service) StartCreditCheckout(ctx context.Context, tenant types.Tenant, gw types.GatewayName, items []types.LineItem, urls types.RedirectURLs) (string, error) {
	if len(items) == 0 {
		return "", missingField("items")
	}
	adapter, err := s.gateways.Get(gw)
	if err != nil {
		return "", err
	}
	customerID, err := s.ensureCustomer(ctx, adapter, tenant)
	if err != nil {
		return "", err
	}
	tenant.CustomerID = customerID

	return callValue(ctx, s, adapter, "create_checkout_session", func(ctx context.Context) (string, error) {
		return adapter.CreateCheckoutSession(ctx, tenant, items, urls)
	})
}

// CancelSubscription cancels the tenant's active subscription at gw.
func (s *Service) CancelSubscription(ctx context.Context, tenantID string, gw types.GatewayName) error {
	adapter, subID, err := s.active(ctx, tenantID, gw)
	if err != nil {
		return err
	}
	return s.call(ctx, adapter, "cancel_subscription", func(ctx context.Context) error {
		return adapter.CancelSubscription(ctx, subID)
	})
}

// ResumeSubscription reverses a scheduled cancellation.
func (s *Service) ResumeSubscription(ctx context.Context, tenantID string, gw types.GatewayName) error {
	adapter, err := s.gateways.Get(gw)
	if err != nil {
		return err
	}
	sub, err := s.subscriptions.ResumableSubscription(ctx, tenantID, gw, s.clock.Now())
	if err != nil {
		return err
	}
	subID := *sub.GatewaySubscriptionID
	return s.call(ctx, adapter, "resume_subscription", func(ctx context.Context) error {
		return adapter.ResumeSubscription(ctx, subID)
	})
}

func (s *Service) ChangePlan(ctx context.Context, tenantID string, gw types.GatewayName, planRef string) error {
	if planRef == "" {
		return missingField("plan_ref")
	}
	adapter, subID, err := s.active(ctx, tenantID, gw)
	if err != nil {
		return err
	}
	return s.call(ctx, adapter, "change_subscription_plan", func(ctx context.Context) error {
		return adapter.ChangeSubscriptionPlan(ctx, subID, planRef)
	})
}

// UpdateQuantity returns false when the provider cannot change the
// quantity of this subscription.
func (s *Service) UpdateQuantity(ctx context.Context, tenantID string, gw types.GatewayName, quantity int) (bool, error) {
	if quantity < 1 {
		return false, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAmount,
			"quantity must be at least 1", nil, map[string]any{"quantity": quantity})
	}
	adapter, subID, err := s.active(ctx, tenantID, gw)
	if err != nil {
		return false, err
	}
	return callValue(ctx, s, adapter, "update_subscription_quantity", func(ctx context.Context) (bool, error) {
		return adapter.UpdateSubscriptionQuantity(ctx, subID, quantity)
	})
}

// Refund refunds paymentID in full when amount is 0, otherwise partially.
func (s *Service) Refund(ctx context.Context, gw types.GatewayName, paymentID string, amount int64) error {
	if paymentID == "" {
		return missingField("payment_id")
	}
	if amount < 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAmount,
			"refund amount must not be negative", nil, map[string]any{"amount": amount})
	}
	adapter, err := s.gateways.Get(gw)
	if err != nil {
		return err
	}
	err = s.call(ctx, adapter, "process_refund", func(ctx context.Context) error {
		return adapter.ProcessRefund(ctx, paymentID, amount)
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "refund issued",
		"gateway", gw,
		"payment_id", paymentID,
		"amount", amount,
	)
	return nil
}

// ensureCustomer returns the stored customer id, creating one at the
// provider when the tenant has none. The stored value wins a concurrent
// race.
func (s *Service) ensureCustomer(ctx context.Context, adapter gateway.Adapter, tenant types.Tenant) (string, error) {
	gw := adapter.Name()
	if id, ok, err := s.customers.GetCustomerID(ctx, tenant.ID, gw); err != nil || ok {
		return id, err
	}

	created, err := callValue(ctx, s, adapter, "create_customer", func(ctx context.Context) (string, error) {
		return adapter.CreateCustomer(ctx, tenant)
	})
	if err != nil {
		return "", err
	}
	if err := s.customers.SaveCustomerID(ctx, tenant.ID, gw, created); err != nil {
		return "", err
	}
	id, ok, err := s.customers.GetCustomerID(ctx, tenant.ID, gw)
	if err != nil {
		return "", err
	}
	if !ok {
		return created, nil
	}
	if id != created {
		s.logger.WarnContext(ctx, "concurrent customer creation, using stored customer",
			"tenant_id", tenant.ID,
			"gateway", gw,
			"discarded_customer_id", created,
		)
	}
	return id, nil
}

func (s *Service) active(ctx context.Context, tenantID string, gw types.GatewayName) (gateway.Adapter, string, error) {
	adapter, err := s.gateways.Get(gw)
	if err != nil {
		return nil, "", err
	}
	sub, err := s.subscriptions.ActiveSubscription(ctx, tenantID, gw, s.clock.Now())
	if err != nil {
		return nil, "", err
	}
	return adapter, *sub.GatewaySubscriptionID, nil
}

func (s *Service) call(ctx context.Context, adapter gateway.Adapter, op string, fn func(ctx context.Context) error) error {
	_, err := callValue(ctx, s, adapter, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// nonIdempotentOps create provider objects or move money. Repeating one after
// a lost response can apply it twice.
var nonIdempotentOps = map[string]bool{
	"create_customer":              true,
	"create_checkout_session":      true,
	"create_subscription_checkout": true,
	"process_refund":               true,
}

// retryLimit is the number of retries allowed for op at adapter. Creates and
// refunds are only retried when the provider deduplicates them by key.
func (s *Service) retryLimit(adapter gateway.Adapter, op string) int {
	if nonIdempotentOps[op] && !gateway.SupportsIdempotencyKeys(adapter) {
		return 0
	}
	return s.retries
}

// callValue runs fn under the per-call timeout, retrying retryable failures
// with doubling backoff. Terminal failures return immediately. Every attempt
// shares one idempotency key.
func callValue[T any](ctx context.Context, s *Service, adapter gateway.Adapter, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	gw := adapter.Name()
	retries := s.retryLimit(adapter, op)
	keyed := gateway.WithIdempotencyKey(ctx, uuid.NewString())
	wait := s.backoff
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(keyed, s.callTimeout)
		v, err := fn(callCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		if attempt >= retries || !gateway.IsRetryable(err) || ctx.Err() != nil {
			s.logger.WarnContext(ctx, "gateway call failed",
				"gateway", gw,
				"operation", op,
				"attempts", attempt+1,
				"error", err,
			)
			return zero, err
		}

		s.logger.InfoContext(ctx, "retrying gateway call",
			"gateway", gw,
			"operation", op,
			"attempt", attempt+1,
			"wait", wait,
			"error", err,
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
		wait *= 2
	}
}

func missingField(field string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
		field+" is required", nil, map[string]any{"field": field})
}
