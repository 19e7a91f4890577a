package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"billingledger/internal/config"
	"billingledger/internal/types"
)

const jsonAPIContentType = "application/vnd.api+json"

// LemonSqueezyAdapter talks to the LemonSqueezy JSON:API.
type LemonSqueezyAdapter struct {
	rest          restClient
	storeID       string
	webhookSecret string
}

// NewLemonSqueezyAdapter creates an adapter that sends requests through base.
func NewLemonSqueezyAdapter(cfg config.LemonSqueezyConfig, base *BaseClient) *LemonSqueezyAdapter {
	key := cfg.APIKey.Unmask()
	return &LemonSqueezyAdapter{
		rest: restClient{
			gateway:     types.GatewayLemonSqueezy,
			base:        base,
			baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
			contentType: jsonAPIContentType,
			accept:      jsonAPIContentType,
			authorize: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+key)
			},
			parseError: parseLemonSqueezyError,
		},
		storeID:       cfg.StoreID,
		webhookSecret: cfg.WebhookSecret.Unmask(),
	}
}

func (a *LemonSqueezyAdapter) Name() types.GatewayName { return types.GatewayLemonSqueezy }

func (a *LemonSqueezyAdapter) SignatureHeader() string { return "X-Signature" }

type jsonAPIRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type jsonAPIRelation struct {
	Data jsonAPIRef `json:"data"`
}

type jsonAPIResource struct {
	Type          string                     `json:"type"`
	ID            string                     `json:"id,omitempty"`
	Attributes    map[string]any             `json:"attributes,omitempty"`
	Relationships map[string]jsonAPIRelation `json:"relationships,omitempty"`
}

type jsonAPIDocument struct {
	Data jsonAPIResource `json:"data"`
}

func (a *LemonSqueezyAdapter) store() jsonAPIRelation {
	return jsonAPIRelation{Data: jsonAPIRef{Type: "stores", ID: a.storeID}}
}

func (a *LemonSqueezyAdapter) CreateCustomer(ctx context.Context, tenant types.Tenant) (string, error) {
	doc := jsonAPIDocument{Data: jsonAPIResource{
		Type: "customers",
		Attributes: map[string]any{
			"name":  tenant.Name,
			"email": tenant.BillingEmail,
		},
		Relationships: map[string]jsonAPIRelation{"store": a.store()},
	}}
	var out struct {
		Data struct {
			ID flexID `json:"id"`
		} `json:"data"`
	}
	if err := a.rest.callJSON(ctx, "create_customer", http.MethodPost, "/v1/customers", doc, &out); err != nil {
		return "", err
	}
	return string(out.Data.ID), nil
}

func (a *LemonSqueezyAdapter) checkout(ctx context.Context, op string, tenant types.Tenant, variantID string, quantity int, urls types.RedirectURLs) (string, error) {
	checkoutData := map[string]any{
		"custom": map[string]string{"tenant_id": tenant.ID},
	}
	if tenant.BillingEmail != "" {
		checkoutData["email"] = tenant.BillingEmail
	}
	if tenant.Name != "" {
		checkoutData["name"] = tenant.Name
	}
	if quantity > 1 {
		if id, err := strconv.Atoi(variantID); err == nil {
			checkoutData["variant_quantities"] = []map[string]int{{"variant_id": id, "quantity": quantity}}
		}
	}
	doc := jsonAPIDocument{Data: jsonAPIResource{
		Type: "checkouts",
		Attributes: map[string]any{
			"product_options": map[string]any{"redirect_url": urls.SuccessURL},
			"checkout_data":   checkoutData,
		},
		Relationships: map[string]jsonAPIRelation{
			"store":   a.store(),
			"variant": {Data: jsonAPIRef{Type: "variants", ID: variantID}},
		},
	}}
	var out struct {
		Data struct {
			Attributes struct {
				URL string `json:"url"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := a.rest.callJSON(ctx, op, http.MethodPost, "/v1/checkouts", doc, &out); err != nil {
		return "", err
	}
	return out.Data.Attributes.URL, nil
}

// CreateCheckoutSession supports exactly one variant per checkout.
func (a *LemonSqueezyAdapter) CreateCheckoutSession(ctx context.Context, tenant types.Tenant, items []types.LineItem, urls types.RedirectURLs) (string, error) {
	if len(items) != 1 {
		return "", unsupported(types.GatewayLemonSqueezy, "multi-item checkout")
	}
	return a.checkout(ctx, "create_checkout_session", tenant, items[0].PriceRef, items[0].Quantity, urls)
}

func (a *LemonSqueezyAdapter) CreateSubscriptionCheckout(ctx context.Context, tenant types.Tenant, planRef string, urls types.RedirectURLs) (string, error) {
	return a.checkout(ctx, "create_subscription_checkout", tenant, planRef, 1, urls)
}

func lsSubscriptionPath(id string) string {
	return "/v1/subscriptions/" + url.PathEscape(id)
}

func (a *LemonSqueezyAdapter) patchSubscription(ctx context.Context, op, subscriptionID string, attrs map[string]any) error {
	doc := jsonAPIDocument{Data: jsonAPIResource{Type: "subscriptions", ID: subscriptionID, Attributes: attrs}}
	return a.rest.callJSON(ctx, op, http.MethodPatch, lsSubscriptionPath(subscriptionID), doc, nil)
}

// CancelSubscription cancels at the end of the current period; LemonSqueezy
// keeps the subscription resumable until then.
func (a *LemonSqueezyAdapter) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return a.rest.call(ctx, "cancel_subscription", http.MethodDelete, lsSubscriptionPath(subscriptionID), nil, nil)
}

func (a *LemonSqueezyAdapter) ResumeSubscription(ctx context.Context, subscriptionID string) error {
	return a.patchSubscription(ctx, "resume_subscription", subscriptionID, map[string]any{"cancelled": false})
}

func (a *LemonSqueezyAdapter) ChangeSubscriptionPlan(ctx context.Context, subscriptionID, planRef string) error {
	variantID, err := strconv.Atoi(planRef)
	if err != nil {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
			"lemonsqueezy plan reference must be a numeric variant id", err,
			map[string]any{"plan_ref": planRef})
	}
	return a.patchSubscription(ctx, "change_subscription_plan", subscriptionID, map[string]any{"variant_id": variantID})
}

// UpdateSubscriptionQuantity changes the quantity on the subscription's
// first item. Subscriptions without a usage item report false.
func (a *LemonSqueezyAdapter) UpdateSubscriptionQuantity(ctx context.Context, subscriptionID string, quantity int) (bool, error) {
	const op = "update_subscription_quantity"
	var sub struct {
		Data struct {
			Attributes struct {
				FirstSubscriptionItem *struct {
					ID flexID `json:"id"`
				} `json:"first_subscription_item"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := a.rest.call(ctx, op, http.MethodGet, lsSubscriptionPath(subscriptionID), nil, &sub); err != nil {
		return false, err
	}
	item := sub.Data.Attributes.FirstSubscriptionItem
	if item == nil || item.ID == "" {
		return false, nil
	}
	doc := jsonAPIDocument{Data: jsonAPIResource{
		Type:       "subscription-items",
		ID:         string(item.ID),
		Attributes: map[string]any{"quantity": quantity},
	}}
	if err := a.rest.callJSON(ctx, op, http.MethodPatch, "/v1/subscription-items/"+url.PathEscape(string(item.ID)), doc, nil); err != nil {
		return false, err
	}
	return true, nil
}

// ProcessRefund refunds an order. A zero amount refunds it in full.
func (a *LemonSqueezyAdapter) ProcessRefund(ctx context.Context, paymentID string, amount int64) error {
	doc := jsonAPIDocument{Data: jsonAPIResource{Type: "orders", ID: paymentID}}
	if amount > 0 {
		doc.Data.Attributes = map[string]any{"amount": amount}
	}
	return a.rest.callJSON(ctx, "process_refund", http.MethodPost, "/v1/orders/"+url.PathEscape(paymentID)+"/refund", doc, nil)
}

// ValidateWebhook checks X-Signature = hex(HMAC-SHA256(secret, body)). With
// no secret configured every delivery is accepted.
func (a *LemonSqueezyAdapter) ValidateWebhook(payload []byte, signature string) bool {
	if a.webhookSecret == "" {
		return true
	}
	return hexEqual(hmacSHA256([]byte(a.webhookSecret), payload), signature)
}

type lsEvent struct {
	Meta struct {
		EventName string `json:"event_name"`
	} `json:"meta"`
	Data struct {
		Type       string          `json:"type"`
		ID         flexID          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

type lsSubscription struct {
	CustomerID            flexID `json:"customer_id"`
	VariantID             flexID `json:"variant_id"`
	Status                string `json:"status"`
	Cancelled             bool   `json:"cancelled"`
	TrialEndsAt           string `json:"trial_ends_at"`
	EndsAt                string `json:"ends_at"`
	CreatedAt             string `json:"created_at"`
	UpdatedAt             string `json:"updated_at"`
	FirstSubscriptionItem *struct {
		Quantity int `json:"quantity"`
	} `json:"first_subscription_item"`
}

// lsBilling covers both subscription-invoices and orders.
type lsBilling struct {
	CustomerID     flexID `json:"customer_id"`
	SubscriptionID flexID `json:"subscription_id"`
	Status         string `json:"status"`
	Currency       string `json:"currency"`
	Subtotal       int64  `json:"subtotal"`
	Tax            int64  `json:"tax"`
	Total          int64  `json:"total"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func (a *LemonSqueezyAdapter) HandleWebhook(payload []byte, _ string) (*types.NormalizedEvent, error) {
	var evt lsEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, malformed(types.GatewayLemonSqueezy, err)
	}
	name := evt.Meta.EventName

	var ev *types.NormalizedEvent
	var updatedAt string
	switch name {
	case "subscription_created", "subscription_updated", "subscription_cancelled", "subscription_expired":
		var sub lsSubscription
		if err := json.Unmarshal(evt.Data.Attributes, &sub); err != nil {
			return nil, malformed(types.GatewayLemonSqueezy, err)
		}
		ev = lsSubscriptionEvent(name, string(evt.Data.ID), &sub)
		updatedAt = firstNonEmpty(sub.UpdatedAt, sub.CreatedAt)
	case "subscription_payment_success", "subscription_payment_failed", "order_created":
		var bill lsBilling
		if err := json.Unmarshal(evt.Data.Attributes, &bill); err != nil {
			return nil, malformed(types.GatewayLemonSqueezy, err)
		}
		if name == "order_created" && bill.Status != "paid" {
			return types.Ignored(types.GatewayLemonSqueezy, name, lsEventID(name, string(evt.Data.ID), bill.UpdatedAt)), nil
		}
		ev = &types.NormalizedEvent{
			Type:           types.EventInvoicePaid,
			CustomerID:     string(bill.CustomerID),
			SubscriptionID: string(bill.SubscriptionID),
			InvoiceID:      string(evt.Data.ID),
			Subtotal:       bill.Subtotal,
			Tax:            bill.Tax,
			Total:          bill.Total,
			Currency:       normalizeCurrency(bill.Currency),
			PaidAt:         parseTime(firstNonEmpty(bill.UpdatedAt, bill.CreatedAt)),
		}
		if name == "subscription_payment_failed" {
			ev.Type = types.EventPaymentFailed
			ev.PaidAt = nil
		}
		updatedAt = firstNonEmpty(bill.UpdatedAt, bill.CreatedAt)
	default:
		return types.Ignored(types.GatewayLemonSqueezy, name, ""), nil
	}

	ev.Gateway = types.GatewayLemonSqueezy
	ev.ProviderType = name
	ev.EventID = lsEventID(name, string(evt.Data.ID), updatedAt)
	if t := parseTime(updatedAt); t != nil {
		ev.OccurredAt = *t
	}
	return finishEvent(ev)
}

// lsEventID synthesizes a delivery id; LemonSqueezy payloads carry none.
func lsEventID(name, dataID, updatedAt string) string {
	return name + ":" + dataID + ":" + updatedAt
}

func lsSubscriptionEvent(name, id string, sub *lsSubscription) *types.NormalizedEvent {
	ev := &types.NormalizedEvent{
		Type:           types.EventSubscriptionUpdated,
		CustomerID:     string(sub.CustomerID),
		SubscriptionID: id,
		PlanRef:        string(sub.VariantID),
		Status:         sub.Status,
		Quantity:       1,
		Canceled:       sub.Cancelled,
		TrialEndsAt:    parseTime(sub.TrialEndsAt),
		StartsAt:       parseTime(sub.CreatedAt),
		EndsAt:         parseTime(sub.EndsAt),
	}
	if sub.FirstSubscriptionItem != nil && sub.FirstSubscriptionItem.Quantity > 0 {
		ev.Quantity = sub.FirstSubscriptionItem.Quantity
	}
	switch name {
	case "subscription_created":
		ev.Type = types.EventSubscriptionCreated
	case "subscription_cancelled", "subscription_expired":
		ev.Type = types.EventSubscriptionCanceled
		ev.Canceled = true
	}
	return ev
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseLemonSqueezyError(body []byte) (message, code string, declined bool) {
	var out struct {
		Errors []struct {
			Detail string `json:"detail"`
			Title  string `json:"title"`
			Code   string `json:"code"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &out) != nil || len(out.Errors) == 0 {
		return "", "", false
	}
	e := out.Errors[0]
	return firstNonEmpty(e.Detail, e.Title), e.Code, false
}
