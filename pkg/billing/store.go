package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LedgerStore is the persistence boundary of the engine. Implementations must
// commit the aggregate write and the billing-record append atomically: no
// error path may leave a subscription inconsistent with its audit trail.
//
// Transient infrastructure failures should be reported wrapped in
// ErrStoreUnavailable so callers can distinguish them from domain errors.
type LedgerStore interface {
	// Get retrieves a subscription by its ID.
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// GetByExternalID retrieves a subscription by the billing provider's
	// subscription ID.
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// ListByUserPackage returns every subscription row ever created for the
	// user/package pair, newest first. Used for trial-history and
	// eligibility checks, so it must include terminal rows.
	ListByUserPackage(ctx context.Context, userID, packageID uuid.UUID) ([]*Subscription, error)

	// ListByUser returns all subscription rows for a user, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Subscription, error)

	// ListDueForExpiration returns subscriptions the reconciliation sweep
	// should expire at the given instant: soft-cancels whose period ended and
	// active subscriptions whose grace window elapsed.
	ListDueForExpiration(ctx context.Context, now time.Time, gracePeriod time.Duration) ([]*Subscription, error)

	// Create persists a new aggregate together with its first billing record
	// (which may be nil for a bare pending row). Returns
	// ErrSubscriptionConflict when the user already has an open subscription
	// for the package.
	Create(ctx context.Context, sub *Subscription, rec *BillingRecord) error

	// Update persists a mutated aggregate and appends one billing record in
	// the same transaction. The update must match the aggregate's loaded
	// Version and bump it, returning ErrVersionConflict otherwise.
	Update(ctx context.Context, sub *Subscription, rec *BillingRecord) error

	// ListBillingRecords returns the append-only trail for a subscription,
	// oldest first.
	ListBillingRecords(ctx context.Context, subscriptionID uuid.UUID) ([]BillingRecord, error)
}

// DeadLetter is an external event that exhausted its retries and is parked for
// replay instead of being dropped.
type DeadLetter struct {
	ID       uuid.UUID
	Event    ExternalEvent
	Reason   string
	Attempts int

	// Fatal marks letters that must not be replayed automatically, such as
	// money-invariant violations that need manual resolution.
	Fatal bool

	FailedAt  time.Time
	CreatedAt time.Time
}

// DeadLetterStore persists events that could not be applied.
type DeadLetterStore interface {
	Add(ctx context.Context, letter DeadLetter) error
	List(ctx context.Context) ([]DeadLetter, error)
	Remove(ctx context.Context, id uuid.UUID) error
}
