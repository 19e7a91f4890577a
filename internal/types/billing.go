package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// GatewayName identifies a payment provider integration.
type GatewayName string

const (
	GatewayStripe       GatewayName = "stripe"
	GatewayPaddle       GatewayName = "paddle"
	GatewayLemonSqueezy GatewayName = "lemonsqueezy"
	GatewayManual       GatewayName = "manual"
)

// OwnerTypeTenant is the default owner of a tenant's credits.
const OwnerTypeTenant = "tenant"

// OwnerRef is a polymorphic reference to the entity that owns a credit
// stream (the tenant itself, or a sub-entity such as a workspace or user).
type OwnerRef struct {
	Type string `json:"owner_type"`
	ID   string `json:"owner_id"`
}

// TenantOwner returns the owner reference for the tenant's own balance.
func TenantOwner(tenantID string) OwnerRef {
	return OwnerRef{Type: OwnerTypeTenant, ID: tenantID}
}

// String renders the reference as "type:id".
func (o OwnerRef) String() string {
	return o.Type + ":" + o.ID
}

// IsZero reports whether the reference is unset.
func (o OwnerRef) IsZero() bool {
	return o.Type == "" && o.ID == ""
}

// LedgerOwner names one credit stream: an owner within a tenant.
type LedgerOwner struct {
	TenantID string   `json:"tenant_id"`
	Owner    OwnerRef `json:"owner"`
}

// CreditKind classifies a ledger entry.
type CreditKind string

const (
	CreditKindPurchase     CreditKind = "purchase"
	CreditKindSubscription CreditKind = "subscription"
	CreditKindBonus        CreditKind = "bonus"
	CreditKindUsage        CreditKind = "usage"
	CreditKindExpiry       CreditKind = "expiry"
)

// IsGrant reports whether entries of this kind add credits.
func (k CreditKind) IsGrant() bool {
	switch k {
	case CreditKindPurchase, CreditKindSubscription, CreditKindBonus:
		return true
	}
	return false
}

// ParseCreditKind validates a kind string.
func ParseCreditKind(s string) (CreditKind, error) {
	switch k := CreditKind(s); k {
	case CreditKindPurchase, CreditKindSubscription, CreditKindBonus, CreditKindUsage, CreditKindExpiry:
		return k, nil
	}
	return "", fmt.Errorf("unknown credit kind %q", s)
}

// CreditTransaction is one immutable row of the credit ledger. Remaining is
// the unconsumed portion of a positive entry and is the only column that
// changes after insert.
type CreditTransaction struct {
	ID             int64      `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Owner          OwnerRef   `json:"owner"`
	Amount         int64      `json:"amount"`
	Remaining      int64      `json:"remaining"`
	RunningBalance int64      `json:"running_balance"`
	Kind           CreditKind `json:"kind"`
	Description    string     `json:"description,omitempty"`
	Metadata       Metadata   `json:"metadata,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Tenant is the minimal tenant view the billing engine needs. CustomerID is
// the tenant's customer id at the gateway being called, empty until one has
// been created.
type Tenant struct {
	ID           string `json:"id" validate:"required"`
	Name         string `json:"name"`
	BillingEmail string `json:"billing_email" validate:"omitempty,email"`
	CustomerID   string `json:"-"`
}

// Subscription is the canonical view of a provider subscription.
// GatewaySubscriptionID is nil while a checkout is pending.
type Subscription struct {
	ID                    int64       `json:"id"`
	TenantID              string      `json:"tenant_id"`
	GatewayName           GatewayName `json:"gateway_name"`
	GatewaySubscriptionID *string     `json:"gateway_subscription_id,omitempty"`
	PlanID                string      `json:"plan_id"`
	Quantity              int         `json:"quantity"`
	Status                string      `json:"status,omitempty"`
	TrialEndsAt           *time.Time  `json:"trial_ends_at,omitempty"`
	StartsAt              *time.Time  `json:"starts_at,omitempty"`
	EndsAt                *time.Time  `json:"ends_at,omitempty"`
	CanceledAt            *time.Time  `json:"canceled_at,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// IsActive reports whether the subscription is neither canceled nor ended at t.
func (s *Subscription) IsActive(t time.Time) bool {
	if s.CanceledAt != nil {
		return false
	}
	return s.EndsAt == nil || s.EndsAt.After(t)
}

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusOpen InvoiceStatus = "open"
	InvoiceStatusPaid InvoiceStatus = "paid"
)

// Invoice is a provider invoice normalized to minor currency units.
type Invoice struct {
	ID                    int64         `json:"id"`
	TenantID              string        `json:"tenant_id"`
	GatewayName           GatewayName   `json:"gateway_name"`
	GatewayInvoiceID      string        `json:"gateway_invoice_id"`
	GatewaySubscriptionID string        `json:"gateway_subscription_id,omitempty"`
	Status                InvoiceStatus `json:"status"`
	Subtotal              int64         `json:"subtotal"`
	Tax                   int64         `json:"tax"`
	Total                 int64         `json:"total"`
	Currency              string        `json:"currency"`
	PaidAt                *time.Time    `json:"paid_at,omitempty"`
}

// FailedPaymentAttempt tracks a failing subscription payment through the
// dunning cycle. ResolvedAt is set once a later payment succeeds.
type FailedPaymentAttempt struct {
	ID                    int64       `json:"id"`
	TenantID              string      `json:"tenant_id"`
	GatewayName           GatewayName `json:"gateway_name"`
	GatewaySubscriptionID string      `json:"gateway_subscription_id"`
	AttemptNumber         int         `json:"attempt_number"`
	DunningEmailsSent     int         `json:"dunning_emails_sent"`
	FailedAt              time.Time   `json:"failed_at"`
	LastDunningSentAt     *time.Time  `json:"last_dunning_sent_at,omitempty"`
	ResolvedAt            *time.Time  `json:"resolved_at,omitempty"`
}

// WebhookLog event_type values written by the reconciler before a
// normalized type is known.
const (
	WebhookLogTypeRaw              = "raw"
	WebhookLogTypeSignatureInvalid = "signature_invalid"
)

// WebhookLog is the audit record of one inbound webhook delivery.
type WebhookLog struct {
	ID              int64           `json:"id"`
	GatewayName     GatewayName     `json:"gateway_name"`
	EventType       string          `json:"event_type"`
	ProviderEventID string          `json:"provider_event_id,omitempty"`
	RawPayload      json.RawMessage `json:"raw_payload"`
	TenantID        *string         `json:"tenant_id,omitempty"`
	Verified        bool            `json:"verified"`
	Processed       bool            `json:"processed"`
	Error           string          `json:"error,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// LineItem is one purchasable entry in a one-off checkout.
type LineItem struct {
	PriceRef string `json:"price_ref" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,min=1"`
}

// RedirectURLs are the provider checkout return destinations.
type RedirectURLs struct {
	SuccessURL string `json:"success_url" validate:"required,url"`
	CancelURL  string `json:"cancel_url" validate:"omitempty,url"`
}
