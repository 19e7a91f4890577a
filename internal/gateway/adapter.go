// Package gateway is the anti-corruption layer between the billing engine
// and payment providers. Each provider is an Adapter that performs outbound
// customer, checkout, subscription and refund calls and translates inbound
// webhooks into types.NormalizedEvent. Nothing outside this package knows a
// provider's wire format.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"billingledger/internal/types"
)

// Adapter is the uniform contract every payment provider implements.
type Adapter interface {
	Name() types.GatewayName

	// SignatureHeader names the HTTP header carrying the webhook signature,
	// or "" when the gateway sends none.
	SignatureHeader() string

	CreateCustomer(ctx context.Context, tenant types.Tenant) (string, error)
	CreateCheckoutSession(ctx context.Context, tenant types.Tenant, items []types.LineItem, urls types.RedirectURLs) (string, error)
	CreateSubscriptionCheckout(ctx context.Context, tenant types.Tenant, planRef string, urls types.RedirectURLs) (string, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	ResumeSubscription(ctx context.Context, subscriptionID string) error
	ChangeSubscriptionPlan(ctx context.Context, subscriptionID, planRef string) error

	// UpdateSubscriptionQuantity returns false when the provider cannot
	// change the quantity of this subscription.
	UpdateSubscriptionQuantity(ctx context.Context, subscriptionID string, quantity int) (bool, error)

	ProcessRefund(ctx context.Context, paymentID string, amount int64) error

	// ValidateWebhook reports whether signature authenticates payload.
	ValidateWebhook(payload []byte, signature string) bool

	// HandleWebhook normalizes a validated payload. Unknown provider event
	// types yield an EventIgnored event and no error.
	HandleWebhook(payload []byte, signature string) (*types.NormalizedEvent, error)
}

const userAgent = "billing-ledger/1.0"

type idempotencyKeyCtx struct{}

// WithIdempotencyKey sets the key adapters send with mutating requests made
// under ctx. Reusing ctx for a repeated call makes the provider apply the
// operation at most once.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFrom returns the key set by WithIdempotencyKey, or "".
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

// SupportsIdempotencyKeys reports whether a deduplicates repeated creates
// and refunds sent with the same WithIdempotencyKey context.
func SupportsIdempotencyKeys(a Adapter) bool {
	k, ok := a.(interface{ IdempotencyKeys() bool })
	return ok && k.IdempotencyKeys()
}

// errorParser extracts a provider's error message and code from a non-2xx
// response body.
type errorParser func(body []byte) (message, code string, declined bool)

// restClient is the request plumbing shared by the HTTP adapters.
type restClient struct {
	gateway     types.GatewayName
	base        *BaseClient
	baseURL     string
	authorize   func(*http.Request)
	contentType string
	accept      string
	parseError  errorParser

	// idempotent adds an Idempotency-Key to every POST, taken from the
	// context or generated once per call.
	idempotent bool
}

// call sends body to path and decodes a 2xx response into out (when out is
// non-nil). Non-2xx responses become classified AppErrors.
func (c *restClient) call(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", c.contentType)
	}
	if c.accept != "" {
		req.Header.Set("Accept", c.accept)
	}
	c.authorize(req)
	if c.idempotent && method == http.MethodPost {
		key := IdempotencyKeyFrom(ctx)
		if key == "" {
			key = uuid.NewString()
		}
		req.Header.Set(IdempotencyKeyHeader, key)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return transportError(c.gateway, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.responseError(resp, op)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamGatewayRejected,
			fmt.Sprintf("%s: undecodable %s response", op, c.gateway), err)
	}
	return nil
}

// callJSON marshals in as the request body.
func (c *restClient) callJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, op+": failed to encode request", err)
		}
	}
	return c.call(ctx, op, method, path, body, out)
}

func (c *restClient) responseError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var message, code string
	var declined bool
	if c.parseError != nil {
		message, code, declined = c.parseError(body)
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return statusError(c.gateway, op, resp.StatusCode, message, code, declined)
}

// finishEvent returns ev ready for reconciliation. Payment failures outside
// a subscription (one-off invoices, plain transactions) have nothing to dun
// and become EventIgnored. Events lacking other identifiers reconciliation
// needs are rejected.
func finishEvent(ev *types.NormalizedEvent) (*types.NormalizedEvent, error) {
	if ev.Type == types.EventIgnored {
		return ev, nil
	}
	if ev.Type == types.EventPaymentFailed && ev.SubscriptionID == "" {
		ignored := types.Ignored(ev.Gateway, ev.ProviderType, ev.EventID)
		ignored.CustomerID = ev.CustomerID
		ignored.OccurredAt = ev.OccurredAt
		return ignored, nil
	}
	var missing string
	switch {
	case ev.CustomerID == "":
		missing = "customer id"
	case ev.Type == types.EventInvoicePaid && ev.InvoiceID == "":
		missing = "invoice id"
	case ev.Type != types.EventInvoicePaid && ev.SubscriptionID == "":
		missing = "subscription id"
	}
	if missing != "" {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
			fmt.Sprintf("%s webhook %s has no %s", ev.Gateway, ev.ProviderType, missing), nil,
			map[string]any{"gateway": ev.Gateway, "event_type": ev.ProviderType})
	}
	return ev, nil
}

func malformed(gateway types.GatewayName, err error) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
		fmt.Sprintf("malformed %s webhook payload", gateway), err,
		map[string]any{"gateway": gateway})
}

// flexID decodes an identifier that providers send either as a JSON string
// or as a number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// expandable decodes a field that is either an id string or an expanded
// object carrying an "id".
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*e = expandable(obj.ID)
		return nil
	}
	var id flexID
	if err := id.UnmarshalJSON(b); err != nil {
		return err
	}
	*e = expandable(id)
	return nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// parseTime accepts RFC 3339 timestamps with or without fractional seconds.
func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
