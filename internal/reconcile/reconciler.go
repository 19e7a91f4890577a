// Package reconcile applies inbound payment-gateway webhooks to the local
// subscription, invoice and failed-payment state.
//
// Every delivery is first written to webhook_logs, then verified and
// normalized by its gateway adapter, then applied in a single transaction
// that also finalizes the log row. Duplicate deliveries collapse on the
// provider event id and on the unique keys of the touched rows.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"billingledger/internal/gateway"
	"billingledger/internal/types"
)

// Outcome describes how a verified delivery was handled. All outcomes are
// successful from the provider's point of view.
type Outcome string

const (
	OutcomeProcessed         Outcome = "processed"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeTenantNotResolved Outcome = "tenant_not_resolved"
)

// Result reports what Process or Replay did with a delivery.
type Result struct {
	LogID     int64           `json:"log_id"`
	Outcome   Outcome         `json:"outcome"`
	EventType types.EventType `json:"event_type"`
	EventID   string          `json:"event_id,omitempty"`
	TenantID  string          `json:"tenant_id,omitempty"`
}

// Gateways resolves an adapter by name. *gateway.Registry satisfies it.
type Gateways interface {
	Get(name types.GatewayName) (gateway.Adapter, error)
}

// Reconciler is safe for concurrent use; concurrent deliveries touching the
// same rows serialize on row locks inside Store.InTx.
type Reconciler struct {
	store     Store
	gateways  Gateways
	publisher types.EventPublisher
	clock     types.Clock
	logger    *slog.Logger
}

func New(store Store, gateways Gateways, publisher types.EventPublisher, clock types.Clock, logger *slog.Logger) *Reconciler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     store,
		gateways:  gateways,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// Process handles one inbound delivery. It returns types.ErrSignatureInvalid
// (by code) when the signature does not verify, a validation error for an
// unparseable payload, and a 5xx-class error when applying the event fails;
// in the last case the log keeps processed=false and records the error so
// the delivery can be replayed.
func (r *Reconciler) Process(ctx context.Context, gw types.GatewayName, payload []byte, signature string) (*Result, error) {
	adapter, err := r.gateways.Get(gw)
	if err != nil {
		return nil, err
	}

	entry := &types.WebhookLog{
		GatewayName: gw,
		EventType:   types.WebhookLogTypeRaw,
		RawPayload:  auditPayload(payload),
		ReceivedAt:  r.clock.Now(),
	}
	if err := r.store.InsertWebhookLog(ctx, entry); err != nil {
		return nil, err
	}
	logger := r.logger.With("gateway", gw, "webhook_log_id", entry.ID)

	if !adapter.ValidateWebhook(payload, signature) {
		if err := r.store.SetWebhookLogEventType(ctx, entry.ID, types.WebhookLogTypeSignatureInvalid); err != nil {
			logger.WarnContext(ctx, "failed to mark webhook log signature_invalid", "error", err)
		}
		logger.WarnContext(ctx, "webhook signature verification failed")
		return nil, types.ErrSignatureInvalid.WithDetails(map[string]any{"gateway": gw})
	}

	ev, err := adapter.HandleWebhook(payload, signature)
	if err != nil {
		r.recordError(ctx, entry.ID, err)
		logger.WarnContext(ctx, "webhook payload rejected", "error", err)
		return nil, err
	}
	if err := r.store.MarkWebhookVerified(ctx, entry.ID, ev.EventID, string(ev.Type)); err != nil {
		return nil, err
	}

	return r.apply(ctx, entry.ID, ev)
}

// Replay re-applies a verified delivery that has not been processed,
// skipping signature validation. It fails with conflict_already_processed
// or conflict_webhook_unverified when the log is not eligible.
func (r *Reconciler) Replay(ctx context.Context, logID int64) (*Result, error) {
	entry, err := r.store.GetWebhookLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	if entry.Processed {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictAlreadyProcessed,
			"webhook log already processed", nil, map[string]any{"webhook_log_id": logID})
	}
	if !entry.Verified {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictUnverified,
			"webhook log was never verified", nil, map[string]any{"webhook_log_id": logID})
	}

	adapter, err := r.gateways.Get(entry.GatewayName)
	if err != nil {
		return nil, err
	}
	ev, err := adapter.HandleWebhook(originalPayload(entry.RawPayload), "")
	if err != nil {
		r.recordError(ctx, logID, err)
		return nil, err
	}

	r.logger.InfoContext(ctx, "replaying webhook",
		"gateway", entry.GatewayName,
		"webhook_log_id", logID,
		"event_type", ev.Type,
	)
	return r.apply(ctx, logID, ev)
}

// apply runs the transactional part of reconciliation for a normalized
// event and publishes follow-up domain events after commit.
func (r *Reconciler) apply(ctx context.Context, logID int64, ev *types.NormalizedEvent) (*Result, error) {
	now := r.clock.Now()
	res := &Result{LogID: logID, EventType: ev.Type, EventID: ev.EventID}
	var paid *types.Invoice

	err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		paid = nil

		if ev.Type == types.EventIgnored {
			res.Outcome = OutcomeIgnored
			return tx.FinalizeWebhookLog(ctx, logID, nil, string(ev.Type), now)
		}

		tenantID, ok, err := tx.ResolveTenant(ctx, ev.Gateway, ev.CustomerID)
		if err != nil {
			return err
		}
		if !ok {
			res.Outcome = OutcomeTenantNotResolved
			return tx.SetWebhookLogEventType(ctx, logID, string(ev.Type))
		}
		res.TenantID = tenantID

		if ev.EventID != "" {
			first, err := tx.RecordEvent(ctx, ev.Gateway, ev.EventID)
			if err != nil {
				return err
			}
			if !first {
				res.Outcome = OutcomeDuplicate
				return tx.FinalizeWebhookLog(ctx, logID, &tenantID, string(ev.Type), now)
			}
		}

		if paid, err = r.dispatch(ctx, tx, tenantID, ev, now); err != nil {
			return err
		}
		res.Outcome = OutcomeProcessed
		return tx.FinalizeWebhookLog(ctx, logID, &tenantID, string(ev.Type), now)
	})
	if err != nil {
		r.recordError(ctx, logID, err)
		r.logger.ErrorContext(ctx, "webhook reconciliation failed",
			"gateway", ev.Gateway,
			"webhook_log_id", logID,
			"event_type", ev.Type,
			"event_id", ev.EventID,
			"error", err,
		)
		return nil, err
	}

	level := slog.LevelInfo
	if res.Outcome == OutcomeTenantNotResolved {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "webhook reconciled",
		"gateway", ev.Gateway,
		"webhook_log_id", logID,
		"event_type", ev.Type,
		"event_id", ev.EventID,
		"customer_id", ev.CustomerID,
		"tenant_id", res.TenantID,
		"outcome", res.Outcome,
	)

	if paid != nil {
		r.publishInvoicePaid(ctx, paid, now)
	}
	return res, nil
}

// dispatch applies ev for tenantID. It returns the invoice when a new paid
// invoice was recorded.
func (r *Reconciler) dispatch(ctx context.Context, tx Tx, tenantID string, ev *types.NormalizedEvent, now time.Time) (*types.Invoice, error) {
	switch ev.Type {
	case types.EventSubscriptionCreated, types.EventSubscriptionUpdated, types.EventSubscriptionCanceled:
		return nil, applySubscription(ctx, tx, tenantID, ev, now)
	case types.EventInvoicePaid:
		return applyInvoicePaid(ctx, tx, tenantID, ev, now)
	case types.EventPaymentFailed:
		failedAt := ev.OccurredAt
		if failedAt.IsZero() {
			failedAt = now
		}
		attempt, err := tx.UpsertFailedPayment(ctx, tenantID, ev.Gateway, ev.SubscriptionID, failedAt)
		if err != nil {
			return nil, err
		}
		r.logger.InfoContext(ctx, "payment failure recorded",
			"tenant_id", tenantID,
			"gateway", ev.Gateway,
			"subscription_id", ev.SubscriptionID,
			"attempt_number", attempt.AttemptNumber,
		)
		return nil, nil
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
		"unsupported normalized event type", nil, map[string]any{"event_type": ev.Type})
}

// locateSubscription finds the row for the provider subscription id,
// falling back to the newest row still waiting for one.
func locateSubscription(ctx context.Context, tx Tx, tenantID string, ev *types.NormalizedEvent) (*types.Subscription, error) {
	sub, err := tx.FindSubscriptionForUpdate(ctx, tenantID, ev.Gateway, ev.SubscriptionID)
	if err != nil || sub != nil {
		return sub, err
	}
	return tx.LatestPendingSubscriptionForUpdate(ctx, tenantID, ev.Gateway)
}

func applySubscription(ctx context.Context, tx Tx, tenantID string, ev *types.NormalizedEvent, now time.Time) error {
	sub, err := locateSubscription(ctx, tx, tenantID, ev)
	if err != nil {
		return err
	}
	isNew := sub == nil
	if isNew {
		sub = &types.Subscription{TenantID: tenantID, GatewayName: ev.Gateway, Quantity: 1}
	}
	subID := ev.SubscriptionID
	sub.GatewaySubscriptionID = &subID

	switch ev.Type {
	case types.EventSubscriptionCanceled:
		if isNew {
			applyDetails(sub, ev)
		}
		// Already canceled: only the provider id above is refreshed.
		if sub.CanceledAt == nil {
			endsAt := now
			if ev.EndsAt != nil {
				endsAt = *ev.EndsAt
			}
			canceledAt := now
			sub.EndsAt = &endsAt
			sub.CanceledAt = &canceledAt
			if ev.Status != "" {
				sub.Status = ev.Status
			}
		}
	default:
		applyDetails(sub, ev)
		if ev.Canceled && sub.CanceledAt == nil {
			canceledAt := now
			sub.CanceledAt = &canceledAt
		}
	}

	if isNew {
		return tx.InsertSubscription(ctx, sub)
	}
	return tx.UpdateSubscription(ctx, sub)
}

// applyDetails overwrites the fields the provider reported.
func applyDetails(sub *types.Subscription, ev *types.NormalizedEvent) {
	if ev.PlanRef != "" {
		sub.PlanID = ev.PlanRef
	}
	if ev.Quantity > 0 {
		sub.Quantity = ev.Quantity
	}
	if ev.Status != "" {
		sub.Status = ev.Status
	}
	if ev.TrialEndsAt != nil {
		sub.TrialEndsAt = ev.TrialEndsAt
	}
	if ev.StartsAt != nil {
		sub.StartsAt = ev.StartsAt
	}
	if ev.EndsAt != nil {
		sub.EndsAt = ev.EndsAt
	}
}

func applyInvoicePaid(ctx context.Context, tx Tx, tenantID string, ev *types.NormalizedEvent, now time.Time) (*types.Invoice, error) {
	paidAt := ev.PaidAt
	if paidAt == nil {
		paidAt = &now
	}
	inv := &types.Invoice{
		TenantID:              tenantID,
		GatewayName:           ev.Gateway,
		GatewayInvoiceID:      ev.InvoiceID,
		GatewaySubscriptionID: ev.SubscriptionID,
		Status:                types.InvoiceStatusPaid,
		Subtotal:              ev.Subtotal,
		Tax:                   ev.Tax,
		Total:                 ev.Total,
		Currency:              ev.Currency,
		PaidAt:                paidAt,
	}
	inserted, err := tx.UpsertPaidInvoice(ctx, inv)
	if err != nil {
		return nil, err
	}
	if ev.SubscriptionID != "" {
		if _, err := tx.ResolveFailedPayment(ctx, tenantID, ev.Gateway, ev.SubscriptionID, now); err != nil {
			return nil, err
		}
	}
	if !inserted {
		return nil, nil
	}
	return inv, nil
}

func (r *Reconciler) publishInvoicePaid(ctx context.Context, inv *types.Invoice, now time.Time) {
	if r.publisher == nil {
		return
	}
	event := types.DomainEvent{
		ID:         uuid.NewString(),
		Type:       types.DomainEventInvoicePaid,
		TenantID:   inv.TenantID,
		OccurredAt: now,
		Payload: types.InvoicePaidPayload{
			Gateway:        inv.GatewayName,
			InvoiceID:      inv.GatewayInvoiceID,
			SubscriptionID: inv.GatewaySubscriptionID,
			Total:          inv.Total,
			Currency:       inv.Currency,
		},
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to publish InvoicePaid",
			"tenant_id", inv.TenantID,
			"invoice_id", inv.GatewayInvoiceID,
			"error", err,
		)
	}
}

// recordError stores err on the log row. It runs outside the rolled-back
// transaction and is best-effort.
func (r *Reconciler) recordError(ctx context.Context, logID int64, err error) {
	msg := err.Error()
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		msg = string(appErr.Code) + ": " + appErr.Message
	}
	if recErr := r.store.RecordWebhookError(context.WithoutCancel(ctx), logID, msg); recErr != nil {
		r.logger.WarnContext(ctx, "failed to record webhook error",
			"webhook_log_id", logID,
			"error", recErr,
		)
	}
}

// auditPayload returns body as stored JSON: valid JSON as-is, anything else
// as a JSON string.
func auditPayload(body []byte) []byte {
	if json.Valid(body) {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

// originalPayload reverses auditPayload.
func originalPayload(stored []byte) []byte {
	if len(stored) > 0 && stored[0] == '"' {
		var s string
		if json.Unmarshal(stored, &s) == nil {
			return []byte(s)
		}
	}
	return stored
}
