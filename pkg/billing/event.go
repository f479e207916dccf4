package billing

import (
	"time"

	"github.com/google/uuid"
)

// EventType is a normalized billing-provider event type. Provider adapters map
// their native event names onto these before the processor sees them.
type EventType string

const (
	EventSubscriptionCreated       EventType = "subscription-created"
	EventSubscriptionRenewed       EventType = "subscription-renewed"
	EventSubscriptionPaymentFailed EventType = "subscription-payment-failed"
	EventSubscriptionCancelled     EventType = "subscription-cancelled"
	EventChargeRefunded            EventType = "charge-refunded"
	EventCheckoutCompleted         EventType = "checkout-completed"
)

// Known reports whether the event type is one the engine understands.
func (t EventType) Known() bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionRenewed, EventSubscriptionPaymentFailed,
		EventSubscriptionCancelled, EventChargeRefunded, EventCheckoutCompleted:
		return true
	}
	return false
}

// CreationClass reports whether a first sighting of this event type should
// create a pending aggregate rather than fail the lookup.
func (t EventType) CreationClass() bool {
	return t == EventSubscriptionCreated || t == EventCheckoutCompleted
}

// EventPayload carries the optional, event-type-dependent fields of a
// provider event. Amounts and currencies are opaque provider values.
type EventPayload struct {
	Amount      *int64     `json:"amount,omitempty"` // minor units, always positive; direction comes from the event type
	Currency    string     `json:"currency,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	PeriodStart *time.Time `json:"periodStart,omitempty"`
	PeriodEnd   *time.Time `json:"periodEnd,omitempty"`
	Trial       bool       `json:"trial,omitempty"` // checkout completed with a trial period

	// Identity hints for creation-class events. The provider adapter extracts
	// these from checkout custom data.
	UserID    uuid.UUID `json:"userId,omitempty"`
	PackageID uuid.UUID `json:"packageId,omitempty"`
}

// ExternalEvent is one asynchronous, retryable, possibly-duplicated delivery
// from the billing provider.
type ExternalEvent struct {
	EventID                string       `json:"eventId"`
	SubscriptionExternalID string       `json:"subscriptionExternalId"`
	Type                   EventType    `json:"type"`
	OccurredAt             time.Time    `json:"occurredAt"`
	Payload                EventPayload `json:"payload"`
}

// Validate rejects structurally malformed events before any state is touched.
func (e ExternalEvent) Validate() error {
	if e.EventID == "" || e.SubscriptionExternalID == "" {
		return ErrValidation
	}
	if !e.Type.Known() {
		return ErrUnknownEventType
	}
	return nil
}

// Amount returns the payload amount as Money, or a zero value when absent.
func (e ExternalEvent) Amount() Money {
	if e.Payload.Amount == nil {
		return Money{}
	}
	return Money{Amount: *e.Payload.Amount, Currency: e.Payload.Currency}
}
