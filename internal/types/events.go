package types

import (
	"time"
)

// EventType is the normalized, provider-independent webhook taxonomy.
type EventType string

const (
	EventSubscriptionCreated  EventType = "subscription_created"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventInvoicePaid          EventType = "invoice_paid"
	EventPaymentFailed        EventType = "payment_failed"
	EventIgnored              EventType = "ignored"
)

// Known reports whether t is part of the normalized taxonomy.
func (t EventType) Known() bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionCanceled,
		EventInvoicePaid, EventPaymentFailed, EventIgnored:
		return true
	}
	return false
}

// NormalizedEvent is what a gateway adapter produces from a provider
// payload. Fields not applicable to Type are left zero.
type NormalizedEvent struct {
	Type         EventType   `json:"type"`
	Gateway      GatewayName `json:"gateway"`
	EventID      string      `json:"event_id,omitempty"`
	ProviderType string      `json:"provider_type,omitempty"`
	CustomerID   string      `json:"customer_id,omitempty"`

	SubscriptionID string     `json:"subscription_id,omitempty"`
	PlanRef        string     `json:"plan_ref,omitempty"`
	Quantity       int        `json:"quantity,omitempty"`
	Status         string     `json:"status,omitempty"`
	Canceled       bool       `json:"canceled,omitempty"`
	TrialEndsAt    *time.Time `json:"trial_ends_at,omitempty"`
	StartsAt       *time.Time `json:"starts_at,omitempty"`
	EndsAt         *time.Time `json:"ends_at,omitempty"`

	InvoiceID string     `json:"invoice_id,omitempty"`
	Subtotal  int64      `json:"subtotal,omitempty"`
	Tax       int64      `json:"tax,omitempty"`
	Total     int64      `json:"total,omitempty"`
	Currency  string     `json:"currency,omitempty"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Ignored builds the event returned for provider event types the engine
// does not act on.
func Ignored(gateway GatewayName, providerType, eventID string) *NormalizedEvent {
	return &NormalizedEvent{
		Type:         EventIgnored,
		Gateway:      gateway,
		ProviderType: providerType,
		EventID:      eventID,
	}
}

// DomainEventType names the events this engine emits.
type DomainEventType string

const (
	DomainEventCreditsAdded       DomainEventType = "CreditsAdded"
	DomainEventCreditsExpired     DomainEventType = "CreditsExpired"
	DomainEventDunningReminderDue DomainEventType = "DunningReminderDue"
	DomainEventInvoicePaid        DomainEventType = "InvoicePaid"
)

// DomainEvent is the envelope published to downstream consumers.
type DomainEvent struct {
	ID         string          `json:"id"`
	Type       DomainEventType `json:"type"`
	TenantID   string          `json:"tenant_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    any             `json:"payload"`
}

// CreditsAddedPayload accompanies DomainEventCreditsAdded.
type CreditsAddedPayload struct {
	Owner          OwnerRef   `json:"owner"`
	TransactionID  int64      `json:"transaction_id"`
	Amount         int64      `json:"amount"`
	Kind           CreditKind `json:"kind"`
	RunningBalance int64      `json:"running_balance"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// CreditsExpiredPayload accompanies DomainEventCreditsExpired.
type CreditsExpiredPayload struct {
	Owner          OwnerRef `json:"owner"`
	Amount         int64    `json:"amount"`
	Entries        int      `json:"entries"`
	RunningBalance int64    `json:"running_balance"`
}

// DunningReminderPayload accompanies DomainEventDunningReminderDue.
type DunningReminderPayload struct {
	Gateway          GatewayName `json:"gateway"`
	SubscriptionID   string      `json:"subscription_id"`
	AttemptNumber    int         `json:"attempt_number"`
	ReminderNumber   int         `json:"reminder_number"`
	DaysSinceFailure int         `json:"days_since_failure"`
}

// InvoicePaidPayload accompanies DomainEventInvoicePaid.
type InvoicePaidPayload struct {
	Gateway        GatewayName `json:"gateway"`
	InvoiceID      string      `json:"invoice_id"`
	SubscriptionID string      `json:"subscription_id,omitempty"`
	Total          int64       `json:"total"`
	Currency       string      `json:"currency"`
}
