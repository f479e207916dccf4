package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BillingProvider is the minimal surface the engine needs from the external
// billing system. The provider owns its own ledger, fraud detection, and
// payment-method handling; the engine consumes its events and calls these
// three operations.
//
// Implementations should use the official provider SDK and keep
// provider-specific quirks internal. Transient failures should be reported
// wrapped in ErrProviderUnavailable.
type BillingProvider interface {
	// CreateCheckout creates a hosted checkout session for a package.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// CancelSubscription asks the provider to cancel. When immediate is
	// false the provider schedules the cancellation for the period end.
	CancelSubscription(ctx context.Context, externalSubscriptionID string, immediate bool) error

	// ParseWebhook validates the signature and normalizes the payload into an
	// ExternalEvent for ingestion.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*ExternalEvent, error)
}

// CheckoutRequest contains the data needed to open a checkout session.
type CheckoutRequest struct {
	UserID     uuid.UUID
	PackageID  uuid.UUID
	PriceID    string // provider's price identifier for the package
	Email      string // optional billing email
	SuccessURL string
	CancelURL  string
}

// CheckoutSession represents a hosted checkout the user completes on the
// provider's side; completion arrives later as a checkout-completed event.
type CheckoutSession struct {
	URL       string    `json:"url"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}
