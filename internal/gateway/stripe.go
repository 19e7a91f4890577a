package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"billingledger/internal/config"
	"billingledger/internal/types"
)

// StripeAdapter talks to the Stripe REST API with form-encoded requests.
type StripeAdapter struct {
	rest          restClient
	webhookSecret string
}

// NewStripeAdapter creates an adapter that sends requests through base.
func NewStripeAdapter(cfg config.StripeConfig, base *BaseClient) *StripeAdapter {
	key := cfg.SecretKey.Unmask()
	return &StripeAdapter{
		rest: restClient{
			gateway:     types.GatewayStripe,
			base:        base,
			baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
			contentType: "application/x-www-form-urlencoded",
			authorize: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+key)
				r.Header.Set("Stripe-Version", stripe.APIVersion)
			},
			parseError: parseStripeError,
			idempotent: true,
		},
		webhookSecret: cfg.WebhookSecret.Unmask(),
	}
}

func (a *StripeAdapter) Name() types.GatewayName { return types.GatewayStripe }

func (a *StripeAdapter) SignatureHeader() string { return "Stripe-Signature" }

// IdempotencyKeys is true: every POST carries an Idempotency-Key.
func (a *StripeAdapter) IdempotencyKeys() bool { return true }

func (a *StripeAdapter) post(ctx context.Context, op, path string, form url.Values, out any) error {
	return a.rest.call(ctx, op, http.MethodPost, path, []byte(form.Encode()), out)
}

func (a *StripeAdapter) CreateCustomer(ctx context.Context, tenant types.Tenant) (string, error) {
	form := url.Values{}
	if tenant.BillingEmail != "" {
		form.Set("email", tenant.BillingEmail)
	}
	if tenant.Name != "" {
		form.Set("name", tenant.Name)
	}
	form.Set("metadata[tenant_id]", tenant.ID)

	var out struct {
		ID string `json:"id"`
	}
	if err := a.post(ctx, "create_customer", "/v1/customers", form, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (a *StripeAdapter) checkoutForm(tenant types.Tenant, mode string, urls types.RedirectURLs) url.Values {
	form := url.Values{}
	form.Set("mode", mode)
	form.Set("success_url", urls.SuccessURL)
	if urls.CancelURL != "" {
		form.Set("cancel_url", urls.CancelURL)
	}
	if tenant.CustomerID != "" {
		form.Set("customer", tenant.CustomerID)
	} else if tenant.BillingEmail != "" {
		form.Set("customer_email", tenant.BillingEmail)
	}
	form.Set("client_reference_id", tenant.ID)
	form.Set("metadata[tenant_id]", tenant.ID)
	return form
}

func (a *StripeAdapter) createSession(ctx context.Context, op string, form url.Values) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := a.post(ctx, op, "/v1/checkout/sessions", form, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (a *StripeAdapter) CreateCheckoutSession(ctx context.Context, tenant types.Tenant, items []types.LineItem, urls types.RedirectURLs) (string, error) {
	form := a.checkoutForm(tenant, "payment", urls)
	for i, item := range items {
		prefix := "line_items[" + strconv.Itoa(i) + "]"
		form.Set(prefix+"[price]", item.PriceRef)
		form.Set(prefix+"[quantity]", strconv.Itoa(item.Quantity))
	}
	return a.createSession(ctx, "create_checkout_session", form)
}

func (a *StripeAdapter) CreateSubscriptionCheckout(ctx context.Context, tenant types.Tenant, planRef string, urls types.RedirectURLs) (string, error) {
	form := a.checkoutForm(tenant, "subscription", urls)
	form.Set("line_items[0][price]", planRef)
	form.Set("line_items[0][quantity]", "1")
	form.Set("subscription_data[metadata][tenant_id]", tenant.ID)
	return a.createSession(ctx, "create_subscription_checkout", form)
}

func (a *StripeAdapter) setCancelAtPeriodEnd(ctx context.Context, op, subscriptionID string, cancel bool) error {
	form := url.Values{}
	form.Set("cancel_at_period_end", strconv.FormatBool(cancel))
	return a.post(ctx, op, "/v1/subscriptions/"+url.PathEscape(subscriptionID), form, nil)
}

func (a *StripeAdapter) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return a.setCancelAtPeriodEnd(ctx, "cancel_subscription", subscriptionID, true)
}

func (a *StripeAdapter) ResumeSubscription(ctx context.Context, subscriptionID string) error {
	return a.setCancelAtPeriodEnd(ctx, "resume_subscription", subscriptionID, false)
}

// firstItemID returns the id of the subscription's first item; plan and
// quantity changes are applied to it.
func (a *StripeAdapter) firstItemID(ctx context.Context, op, subscriptionID string) (string, error) {
	var sub stripeSubscription
	if err := a.rest.call(ctx, op, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub); err != nil {
		return "", err
	}
	if len(sub.Items.Data) == 0 {
		return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamGatewayRejected,
			"stripe subscription has no items", nil,
			map[string]any{"gateway": types.GatewayStripe, "subscription_id": subscriptionID})
	}
	return sub.Items.Data[0].ID, nil
}

func (a *StripeAdapter) ChangeSubscriptionPlan(ctx context.Context, subscriptionID, planRef string) error {
	const op = "change_subscription_plan"
	itemID, err := a.firstItemID(ctx, op, subscriptionID)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("items[0][id]", itemID)
	form.Set("items[0][price]", planRef)
	form.Set("proration_behavior", "create_prorations")
	return a.post(ctx, op, "/v1/subscriptions/"+url.PathEscape(subscriptionID), form, nil)
}

func (a *StripeAdapter) UpdateSubscriptionQuantity(ctx context.Context, subscriptionID string, quantity int) (bool, error) {
	const op = "update_subscription_quantity"
	itemID, err := a.firstItemID(ctx, op, subscriptionID)
	if err != nil {
		return false, err
	}
	form := url.Values{}
	form.Set("items[0][id]", itemID)
	form.Set("items[0][quantity]", strconv.Itoa(quantity))
	if err := a.post(ctx, op, "/v1/subscriptions/"+url.PathEscape(subscriptionID), form, nil); err != nil {
		return false, err
	}
	return true, nil
}

// ProcessRefund refunds a PaymentIntent (pi_...) or a Charge. A zero amount
// refunds the full payment.
func (a *StripeAdapter) ProcessRefund(ctx context.Context, paymentID string, amount int64) error {
	form := url.Values{}
	if strings.HasPrefix(paymentID, "pi_") {
		form.Set("payment_intent", paymentID)
	} else {
		form.Set("charge", paymentID)
	}
	if amount > 0 {
		form.Set("amount", strconv.FormatInt(amount, 10))
	}
	return a.post(ctx, "process_refund", "/v1/refunds", form, nil)
}

// ValidateWebhook verifies the Stripe-Signature header. Without a
// configured secret nothing validates.
func (a *StripeAdapter) ValidateWebhook(payload []byte, signature string) bool {
	if a.webhookSecret == "" || signature == "" {
		return false
	}
	return webhook.ValidatePayload(payload, signature, a.webhookSecret) == nil
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeSubscription struct {
	ID                string     `json:"id"`
	Customer          expandable `json:"customer"`
	Status            string     `json:"status"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CancelAt          int64      `json:"cancel_at"`
	CanceledAt        int64      `json:"canceled_at"`
	EndedAt           int64      `json:"ended_at"`
	StartDate         int64      `json:"start_date"`
	TrialEnd          int64      `json:"trial_end"`
	Items             struct {
		Data []struct {
			ID       string `json:"id"`
			Quantity int    `json:"quantity"`
			Price    struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID           string     `json:"id"`
	Customer     expandable `json:"customer"`
	Subscription expandable `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Subtotal   int64  `json:"subtotal"`
	Tax        *int64 `json:"tax"`
	TotalTaxes []struct {
		Amount int64 `json:"amount"`
	} `json:"total_taxes"`
	Total             int64  `json:"total"`
	Currency          string `json:"currency"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

func (inv *stripeInvoice) subscriptionID() string {
	if inv.Subscription != "" {
		return string(inv.Subscription)
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func (inv *stripeInvoice) tax() int64 {
	if inv.Tax != nil {
		return *inv.Tax
	}
	var sum int64
	for _, t := range inv.TotalTaxes {
		sum += t.Amount
	}
	return sum
}

func (a *StripeAdapter) HandleWebhook(payload []byte, _ string) (*types.NormalizedEvent, error) {
	var evt stripeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, malformed(types.GatewayStripe, err)
	}

	var ev *types.NormalizedEvent
	switch evt.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(evt.Data.Object, &sub); err != nil {
			return nil, malformed(types.GatewayStripe, err)
		}
		ev = a.subscriptionEvent(evt, &sub)
	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(evt.Data.Object, &inv); err != nil {
			return nil, malformed(types.GatewayStripe, err)
		}
		ev = &types.NormalizedEvent{
			Type:           types.EventInvoicePaid,
			CustomerID:     string(inv.Customer),
			SubscriptionID: inv.subscriptionID(),
			InvoiceID:      inv.ID,
			Subtotal:       inv.Subtotal,
			Tax:            inv.tax(),
			Total:          inv.Total,
			Currency:       normalizeCurrency(inv.Currency),
			PaidAt:         unixTime(inv.StatusTransitions.PaidAt),
		}
		if evt.Type == "invoice.payment_failed" {
			ev.Type = types.EventPaymentFailed
			ev.PaidAt = nil
		}
	default:
		return types.Ignored(types.GatewayStripe, evt.Type, evt.ID), nil
	}

	ev.Gateway = types.GatewayStripe
	ev.EventID = evt.ID
	ev.ProviderType = evt.Type
	if t := unixTime(evt.Created); t != nil {
		ev.OccurredAt = *t
	}
	return finishEvent(ev)
}

func (a *StripeAdapter) subscriptionEvent(evt stripeEvent, sub *stripeSubscription) *types.NormalizedEvent {
	ev := &types.NormalizedEvent{
		Type:           types.EventSubscriptionUpdated,
		CustomerID:     string(sub.Customer),
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		Quantity:       1,
		TrialEndsAt:    unixTime(sub.TrialEnd),
		StartsAt:       unixTime(sub.StartDate),
		EndsAt:         unixTime(sub.EndedAt),
	}
	if len(sub.Items.Data) > 0 {
		ev.PlanRef = sub.Items.Data[0].Price.ID
		if q := sub.Items.Data[0].Quantity; q > 0 {
			ev.Quantity = q
		}
	}
	if ev.EndsAt == nil && sub.CancelAtPeriodEnd {
		ev.EndsAt = unixTime(sub.CancelAt)
	}

	switch evt.Type {
	case "customer.subscription.created":
		ev.Type = types.EventSubscriptionCreated
	case "customer.subscription.deleted":
		ev.Type = types.EventSubscriptionCanceled
		ev.Canceled = true
	default:
		ev.Canceled = sub.Status == "canceled"
	}
	return ev
}

func parseStripeError(body []byte) (message, code string, declined bool) {
	var out struct {
		Error struct {
			Type        string `json:"type"`
			Code        string `json:"code"`
			DeclineCode string `json:"decline_code"`
			Message     string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &out) != nil {
		return "", "", false
	}
	code = out.Error.Code
	if out.Error.DeclineCode != "" {
		code = out.Error.DeclineCode
	}
	return out.Error.Message, code, out.Error.Type == "card_error"
}
