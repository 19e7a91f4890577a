package gateway

import (
	"context"
	"encoding/json"

	"billingledger/internal/types"
)

// ManualAdapter backs invoiced or offline billing. There is no provider to
// call: subscription mutations are recorded locally by the caller and
// webhook bodies are posted already in normalized form by an operator.
type ManualAdapter struct{}

func NewManualAdapter() *ManualAdapter { return &ManualAdapter{} }

func (ManualAdapter) Name() types.GatewayName { return types.GatewayManual }

func (ManualAdapter) SignatureHeader() string { return "" }

// CreateCustomer uses the tenant id as the customer id.
func (ManualAdapter) CreateCustomer(_ context.Context, tenant types.Tenant) (string, error) {
	return tenant.ID, nil
}

func (ManualAdapter) CreateCheckoutSession(_ context.Context, _ types.Tenant, _ []types.LineItem, urls types.RedirectURLs) (string, error) {
	return urls.SuccessURL, nil
}

func (ManualAdapter) CreateSubscriptionCheckout(_ context.Context, _ types.Tenant, _ string, urls types.RedirectURLs) (string, error) {
	return urls.SuccessURL, nil
}

func (ManualAdapter) CancelSubscription(context.Context, string) error { return nil }

func (ManualAdapter) ResumeSubscription(context.Context, string) error { return nil }

func (ManualAdapter) ChangeSubscriptionPlan(context.Context, string, string) error { return nil }

func (ManualAdapter) UpdateSubscriptionQuantity(context.Context, string, int) (bool, error) {
	return true, nil
}

func (ManualAdapter) ProcessRefund(context.Context, string, int64) error { return nil }

// ValidateWebhook accepts everything; the manual webhook route sits behind
// admin authentication.
func (ManualAdapter) ValidateWebhook([]byte, string) bool { return true }

func (ManualAdapter) HandleWebhook(payload []byte, _ string) (*types.NormalizedEvent, error) {
	var ev types.NormalizedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, malformed(types.GatewayManual, err)
	}
	if ev.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "manual webhook has no event type", nil)
	}
	ev.Gateway = types.GatewayManual
	if ev.ProviderType == "" {
		ev.ProviderType = string(ev.Type)
	}
	if !ev.Type.Known() {
		return types.Ignored(types.GatewayManual, ev.ProviderType, ev.EventID), nil
	}
	return finishEvent(&ev)
}
