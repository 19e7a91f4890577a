package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingledger/internal/billing"
	"billingledger/internal/core"
	"billingledger/internal/types"
)

// BillingService is the outbound orchestration used by the billing routes.
type BillingService interface {
	StartSubscriptionCheckout(ctx context.Context, tenant types.Tenant, gw types.GatewayName, planRef string, urls types.RedirectURLs) (*billing.CheckoutResult, error)
	StartCreditCheckout(ctx context.Context, tenant types.Tenant, gw types.GatewayName, items []types.LineItem, urls types.RedirectURLs) (string, error)
	CancelSubscription(ctx context.Context, tenantID string, gw types.GatewayName) error
	ResumeSubscription(ctx context.Context, tenantID string, gw types.GatewayName) error
	ChangePlan(ctx context.Context, tenantID string, gw types.GatewayName, planRef string) error
	UpdateQuantity(ctx context.Context, tenantID string, gw types.GatewayName, quantity int) (bool, error)
	Refund(ctx context.Context, gw types.GatewayName, paymentID string, amount int64) error
}

// SubscriptionCheckoutRequest is the body of POST .../checkout/subscription.
type SubscriptionCheckoutRequest struct {
	Gateway      types.GatewayName `json:"gateway" validate:"required,gateway"`
	PlanRef      string            `json:"plan_ref" validate:"required"`
	Name         string            `json:"name"`
	BillingEmail string            `json:"billing_email" validate:"omitempty,email"`
	types.RedirectURLs
}

// CreditCheckoutRequest is the body of POST .../checkout/credits.
type CreditCheckoutRequest struct {
	Gateway      types.GatewayName `json:"gateway" validate:"required,gateway"`
	Items        []types.LineItem  `json:"items" validate:"required,min=1,dive"`
	Name         string            `json:"name"`
	BillingEmail string            `json:"billing_email" validate:"omitempty,email"`
	types.RedirectURLs
}

type ChangePlanRequest struct {
	PlanRef string `json:"plan_ref" validate:"required"`
}

type UpdateQuantityRequest struct {
	Quantity int `json:"quantity" validate:"min=1"`
}

// RefundRequest refunds PaymentID in full when Amount is zero.
type RefundRequest struct {
	Gateway   types.GatewayName `json:"gateway" validate:"required,gateway"`
	PaymentID string            `json:"payment_id" validate:"required"`
	Amount    int64             `json:"amount" validate:"gte=0"`
}

type CheckoutResponse struct {
	CheckoutURL    string `json:"checkout_url"`
	SubscriptionID int64  `json:"subscription_id,omitempty"`
}

type QuantityResponse struct {
	Updated bool `json:"updated"`
}

// BillingHandler serves checkout, subscription management and refunds.
type BillingHandler struct {
	service   BillingService
	validator *core.Validator
	logger    *slog.Logger
}

func NewBillingHandler(svc BillingService, v *core.Validator, logger *slog.Logger) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{service: svc, validator: v, logger: logger}
}

func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/checkout/subscription", h.StartSubscriptionCheckout)
		r.Post("/checkout/credits", h.StartCreditCheckout)

		r.Route("/subscriptions/{gateway}", func(r chi.Router) {
			r.Post("/cancel", h.CancelSubscription)
			r.Post("/resume", h.ResumeSubscription)
			r.Post("/plan", h.ChangePlan)
			r.Post("/quantity", h.UpdateQuantity)
		})
	})
	r.Post("/refunds", h.Refund)
}

func (h *BillingHandler) StartSubscriptionCheckout(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionCheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	tenant := types.Tenant{ID: chi.URLParam(r, "tenantID"), Name: req.Name, BillingEmail: req.BillingEmail}
	res, err := h.service.StartSubscriptionCheckout(r.Context(), tenant, req.Gateway, req.PlanRef, req.RedirectURLs)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: CheckoutResponse{CheckoutURL: res.URL, SubscriptionID: res.SubscriptionID}})
}

func (h *BillingHandler) StartCreditCheckout(w http.ResponseWriter, r *http.Request) {
	var req CreditCheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	tenant := types.Tenant{ID: chi.URLParam(r, "tenantID"), Name: req.Name, BillingEmail: req.BillingEmail}
	url, err := h.service.StartCreditCheckout(r.Context(), tenant, req.Gateway, req.Items, req.RedirectURLs)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: CheckoutResponse{CheckoutURL: url}})
}

func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, gw := subscriptionParams(r)
	if err := h.service.CancelSubscription(r.Context(), tenantID, gw); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "subscription cancellation requested", "tenant_id", tenantID, "gateway", gw)
	w.WriteHeader(http.StatusAccepted)
}

func (h *BillingHandler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, gw := subscriptionParams(r)
	if err := h.service.ResumeSubscription(r.Context(), tenantID, gw); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *BillingHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	var req ChangePlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	tenantID, gw := subscriptionParams(r)
	if err := h.service.ChangePlan(r.Context(), tenantID, gw, req.PlanRef); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// UpdateQuantity answers 200 with updated=false when the provider cannot
// change this subscription's quantity.
func (h *BillingHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	var req UpdateQuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	tenantID, gw := subscriptionParams(r)
	updated, err := h.service.UpdateQuantity(r.Context(), tenantID, gw, req.Quantity)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: QuantityResponse{Updated: updated}})
}

func (h *BillingHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.Refund(r.Context(), req.Gateway, req.PaymentID, req.Amount); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// decode writes the error response itself and reports whether the handler
// should continue.
func (h *BillingHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}

func subscriptionParams(r *http.Request) (string, types.GatewayName) {
	return chi.URLParam(r, "tenantID"), types.GatewayName(chi.URLParam(r, "gateway"))
}
