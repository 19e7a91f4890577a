package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"billingledger/internal/config"
	"billingledger/internal/types"
)

// PaddleAdapter talks to the Paddle Billing API.
type PaddleAdapter struct {
	rest          restClient
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

// NewPaddleAdapter creates an adapter that sends requests through base.
func NewPaddleAdapter(cfg config.PaddleConfig, base *BaseClient) *PaddleAdapter {
	key := cfg.APIKey.Unmask()
	return &PaddleAdapter{
		rest: restClient{
			gateway:     types.GatewayPaddle,
			base:        base,
			baseURL:     strings.TrimRight(cfg.PaddleBaseURL(), "/"),
			contentType: "application/json",
			authorize: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+key)
			},
			parseError: parsePaddleError,
		},
		webhookSecret: cfg.WebhookSecret.Unmask(),
		tolerance:     cfg.SignatureTolerance,
		now:           time.Now,
	}
}

func (a *PaddleAdapter) Name() types.GatewayName { return types.GatewayPaddle }

func (a *PaddleAdapter) SignatureHeader() string { return "Paddle-Signature" }

type paddleItem struct {
	PriceID  string `json:"price_id"`
	Quantity int    `json:"quantity"`
}

func (a *PaddleAdapter) CreateCustomer(ctx context.Context, tenant types.Tenant) (string, error) {
	req := map[string]any{
		"email":       tenant.BillingEmail,
		"custom_data": map[string]string{"tenant_id": tenant.ID},
	}
	if tenant.Name != "" {
		req["name"] = tenant.Name
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := a.rest.callJSON(ctx, "create_customer", http.MethodPost, "/customers", req, &out); err != nil {
		return "", err
	}
	return out.Data.ID, nil
}

// createTransaction opens a draft transaction whose hosted checkout URL is
// returned to the caller.
func (a *PaddleAdapter) createTransaction(ctx context.Context, op string, tenant types.Tenant, items []paddleItem, urls types.RedirectURLs) (string, error) {
	req := map[string]any{
		"items":       items,
		"custom_data": map[string]string{"tenant_id": tenant.ID},
		"checkout":    map[string]string{"url": urls.SuccessURL},
	}
	if tenant.CustomerID != "" {
		req["customer_id"] = tenant.CustomerID
	}
	var out struct {
		Data struct {
			Checkout struct {
				URL string `json:"url"`
			} `json:"checkout"`
		} `json:"data"`
	}
	if err := a.rest.callJSON(ctx, op, http.MethodPost, "/transactions", req, &out); err != nil {
		return "", err
	}
	return out.Data.Checkout.URL, nil
}

func (a *PaddleAdapter) CreateCheckoutSession(ctx context.Context, tenant types.Tenant, items []types.LineItem, urls types.RedirectURLs) (string, error) {
	lines := make([]paddleItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, paddleItem{PriceID: item.PriceRef, Quantity: item.Quantity})
	}
	return a.createTransaction(ctx, "create_checkout_session", tenant, lines, urls)
}

func (a *PaddleAdapter) CreateSubscriptionCheckout(ctx context.Context, tenant types.Tenant, planRef string, urls types.RedirectURLs) (string, error) {
	return a.createTransaction(ctx, "create_subscription_checkout", tenant,
		[]paddleItem{{PriceID: planRef, Quantity: 1}}, urls)
}

func subscriptionPath(id string) string {
	return "/subscriptions/" + url.PathEscape(id)
}

func (a *PaddleAdapter) CancelSubscription(ctx context.Context, subscriptionID string) error {
	req := map[string]string{"effective_from": "next_billing_period"}
	return a.rest.callJSON(ctx, "cancel_subscription", http.MethodPost, subscriptionPath(subscriptionID)+"/cancel", req, nil)
}

// ResumeSubscription clears a scheduled cancellation.
func (a *PaddleAdapter) ResumeSubscription(ctx context.Context, subscriptionID string) error {
	req := map[string]any{"scheduled_change": nil}
	return a.rest.callJSON(ctx, "resume_subscription", http.MethodPatch, subscriptionPath(subscriptionID), req, nil)
}

func (a *PaddleAdapter) getSubscription(ctx context.Context, op, subscriptionID string) (*paddleSubscription, error) {
	var out struct {
		Data paddleSubscription `json:"data"`
	}
	if err := a.rest.call(ctx, op, http.MethodGet, subscriptionPath(subscriptionID), nil, &out); err != nil {
		return nil, err
	}
	if len(out.Data.Items) == 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamGatewayRejected,
			"paddle subscription has no items", nil,
			map[string]any{"gateway": types.GatewayPaddle, "subscription_id": subscriptionID})
	}
	return &out.Data, nil
}

func (a *PaddleAdapter) updateItems(ctx context.Context, op, subscriptionID string, items []paddleItem) error {
	req := map[string]any{
		"items":                  items,
		"proration_billing_mode": "prorated_immediately",
	}
	return a.rest.callJSON(ctx, op, http.MethodPatch, subscriptionPath(subscriptionID), req, nil)
}

func (a *PaddleAdapter) ChangeSubscriptionPlan(ctx context.Context, subscriptionID, planRef string) error {
	const op = "change_subscription_plan"
	sub, err := a.getSubscription(ctx, op, subscriptionID)
	if err != nil {
		return err
	}
	return a.updateItems(ctx, op, subscriptionID, []paddleItem{{PriceID: planRef, Quantity: sub.quantity()}})
}

func (a *PaddleAdapter) UpdateSubscriptionQuantity(ctx context.Context, subscriptionID string, quantity int) (bool, error) {
	const op = "update_subscription_quantity"
	sub, err := a.getSubscription(ctx, op, subscriptionID)
	if err != nil {
		return false, err
	}
	if err := a.updateItems(ctx, op, subscriptionID, []paddleItem{{PriceID: sub.Items[0].Price.ID, Quantity: quantity}}); err != nil {
		return false, err
	}
	return true, nil
}

// ProcessRefund creates a refund adjustment for a completed transaction. A
// zero amount refunds it in full; a partial refund is applied to the first
// line item.
func (a *PaddleAdapter) ProcessRefund(ctx context.Context, paymentID string, amount int64) error {
	const op = "process_refund"
	req := map[string]any{
		"action":         "refund",
		"transaction_id": paymentID,
		"reason":         "requested_by_customer",
	}
	if amount <= 0 {
		req["type"] = "full"
		return a.rest.callJSON(ctx, op, http.MethodPost, "/adjustments", req, nil)
	}

	var txn struct {
		Data struct {
			Details struct {
				LineItems []struct {
					ID string `json:"id"`
				} `json:"line_items"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := a.rest.call(ctx, op, http.MethodGet, "/transactions/"+url.PathEscape(paymentID), nil, &txn); err != nil {
		return err
	}
	if len(txn.Data.Details.LineItems) == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamGatewayRejected,
			"paddle transaction has no line items", nil,
			map[string]any{"gateway": types.GatewayPaddle, "transaction_id": paymentID})
	}
	req["type"] = "partial"
	req["items"] = []map[string]string{{
		"item_id": txn.Data.Details.LineItems[0].ID,
		"type":    "partial",
		"amount":  strconv.FormatInt(amount, 10),
	}}
	return a.rest.callJSON(ctx, op, http.MethodPost, "/adjustments", req, nil)
}

// ValidateWebhook checks Paddle-Signature: h1 = HMAC-SHA256(secret,
// ts + ":" + body). Any listed h1 may match.
func (a *PaddleAdapter) ValidateWebhook(payload []byte, signature string) bool {
	if a.webhookSecret == "" {
		return false
	}
	sig, ok := parsePaddleSignature(signature)
	if !ok || !sig.within(a.now(), a.tolerance) {
		return false
	}
	expected := hmacSHA256([]byte(a.webhookSecret), []byte(sig.timestamp), []byte(":"), payload)
	for _, h1 := range sig.digests {
		if hexEqual(expected, h1) {
			return true
		}
	}
	return false
}

type paddleEvent struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddleSubscription struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	CustomerID string `json:"customer_id"`
	StartedAt  string `json:"started_at"`
	CanceledAt string `json:"canceled_at"`
	Items      []struct {
		Quantity int `json:"quantity"`
		Price    struct {
			ID string `json:"id"`
		} `json:"price"`
		TrialDates *struct {
			EndsAt string `json:"ends_at"`
		} `json:"trial_dates"`
	} `json:"items"`
	CurrentBillingPeriod *struct {
		EndsAt string `json:"ends_at"`
	} `json:"current_billing_period"`
	ScheduledChange *struct {
		Action      string `json:"action"`
		EffectiveAt string `json:"effective_at"`
	} `json:"scheduled_change"`
}

func (s *paddleSubscription) quantity() int {
	if len(s.Items) > 0 && s.Items[0].Quantity > 0 {
		return s.Items[0].Quantity
	}
	return 1
}

type paddleTransaction struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	CurrencyCode   string `json:"currency_code"`
	BilledAt       string `json:"billed_at"`
	Details        struct {
		Totals struct {
			Subtotal string `json:"subtotal"`
			Tax      string `json:"tax"`
			Total    string `json:"total"`
		} `json:"totals"`
	} `json:"details"`
}

func (a *PaddleAdapter) HandleWebhook(payload []byte, _ string) (*types.NormalizedEvent, error) {
	var evt paddleEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, malformed(types.GatewayPaddle, err)
	}

	var ev *types.NormalizedEvent
	switch evt.EventType {
	case "subscription.created", "subscription.activated", "subscription.updated", "subscription.canceled":
		var sub paddleSubscription
		if err := json.Unmarshal(evt.Data, &sub); err != nil {
			return nil, malformed(types.GatewayPaddle, err)
		}
		ev = paddleSubscriptionEvent(evt.EventType, &sub)
	case "transaction.completed", "transaction.paid", "transaction.payment_failed":
		var txn paddleTransaction
		if err := json.Unmarshal(evt.Data, &txn); err != nil {
			return nil, malformed(types.GatewayPaddle, err)
		}
		var err error
		if ev, err = paddleTransactionEvent(evt.EventType, &txn); err != nil {
			return nil, err
		}
	default:
		return types.Ignored(types.GatewayPaddle, evt.EventType, evt.EventID), nil
	}

	ev.Gateway = types.GatewayPaddle
	ev.EventID = evt.EventID
	ev.ProviderType = evt.EventType
	if t := parseTime(evt.OccurredAt); t != nil {
		ev.OccurredAt = *t
	}
	return finishEvent(ev)
}

func paddleSubscriptionEvent(eventType string, sub *paddleSubscription) *types.NormalizedEvent {
	ev := &types.NormalizedEvent{
		Type:           types.EventSubscriptionUpdated,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		Quantity:       sub.quantity(),
		StartsAt:       parseTime(sub.StartedAt),
		Canceled:       sub.Status == "canceled",
	}
	if len(sub.Items) > 0 {
		ev.PlanRef = sub.Items[0].Price.ID
		if td := sub.Items[0].TrialDates; td != nil {
			ev.TrialEndsAt = parseTime(td.EndsAt)
		}
	}
	switch {
	case sub.Status == "canceled":
		ev.EndsAt = parseTime(sub.CanceledAt)
	case sub.ScheduledChange != nil && sub.ScheduledChange.Action == "cancel":
		ev.EndsAt = parseTime(sub.ScheduledChange.EffectiveAt)
	}

	switch eventType {
	case "subscription.created", "subscription.activated":
		ev.Type = types.EventSubscriptionCreated
	case "subscription.canceled":
		ev.Type = types.EventSubscriptionCanceled
		ev.Canceled = true
	}
	return ev
}

func paddleTransactionEvent(eventType string, txn *paddleTransaction) (*types.NormalizedEvent, error) {
	ev := &types.NormalizedEvent{
		Type:           types.EventInvoicePaid,
		CustomerID:     txn.CustomerID,
		SubscriptionID: txn.SubscriptionID,
		InvoiceID:      txn.ID,
		Currency:       normalizeCurrency(txn.CurrencyCode),
	}
	if eventType == "transaction.payment_failed" {
		ev.Type = types.EventPaymentFailed
		return ev, nil
	}

	totals := txn.Details.Totals
	var err error
	if ev.Subtotal, err = minorUnits(totals.Subtotal); err != nil {
		return nil, malformed(types.GatewayPaddle, err)
	}
	if ev.Tax, err = minorUnits(totals.Tax); err != nil {
		return nil, malformed(types.GatewayPaddle, err)
	}
	if ev.Total, err = minorUnits(totals.Total); err != nil {
		return nil, malformed(types.GatewayPaddle, err)
	}
	ev.PaidAt = parseTime(txn.BilledAt)
	return ev, nil
}

// minorUnits parses a Paddle amount string, which is already expressed in
// the currency's smallest unit.
func minorUnits(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("fractional minor amount %q", s)
	}
	return d.IntPart(), nil
}

func parsePaddleError(body []byte) (message, code string, declined bool) {
	var out struct {
		Error struct {
			Type   string `json:"type"`
			Code   string `json:"code"`
			Detail string `json:"detail"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &out) != nil {
		return "", "", false
	}
	return out.Error.Detail, out.Error.Code, strings.Contains(out.Error.Code, "declined")
}
