package billing

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the aggregate tracking one user×package purchase lineage.
// Status is mutated exclusively by the state machine; every other component
// reads the aggregate through the ledger store and never writes it back.
type Subscription struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	PackageID uuid.UUID

	Status    Status
	StartDate time.Time
	EndDate   time.Time // current billing-period end, provider-authoritative once set

	// Trial usage is a one-time-per-package fact. Once IsTrialActive has been
	// true on any row of the (user, package) lineage it is never reset, even
	// across cancel and reactivate.
	IsTrialActive bool
	TrialStart    *time.Time

	// Grace overlay: set when a renewal payment fails. The status stays
	// active until the grace window elapses.
	IsInGracePeriod bool
	GraceStart      *time.Time

	// ExternalSubscriptionID correlates to the billing provider's subscription
	// object. Empty for pure one-time purchases.
	ExternalSubscriptionID string

	// LastProcessedEventID is the idempotency key of the last applied external
	// event, used to reject duplicate deliveries.
	LastProcessedEventID string

	// Version is owned by the ledger store and enforces optimistic concurrency.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GraceEndsAt returns when the grace window closes. This is the single
// authoritative window function; the zero time is returned when the
// subscription is not in a grace period.
func (s *Subscription) GraceEndsAt(gracePeriod time.Duration) time.Time {
	if !s.IsInGracePeriod || s.GraceStart == nil {
		return time.Time{}
	}
	return s.GraceStart.Add(gracePeriod)
}

// TrialEndsAt returns when the trial window closes, or the zero time when no
// trial is active.
func (s *Subscription) TrialEndsAt(trialPeriod time.Duration) time.Time {
	if !s.IsTrialActive || s.TrialStart == nil {
		return time.Time{}
	}
	return s.TrialStart.Add(trialPeriod)
}

// CanAccessAt reports whether the user is entitled to paid features at the
// given instant. Entitlement holds for active and soft-cancelled subscriptions
// within the current period, and for a failed renewal while its grace window
// is still open.
func (s *Subscription) CanAccessAt(now time.Time, gracePeriod time.Duration) bool {
	switch s.Status {
	case StatusActive:
		if s.IsInGracePeriod {
			return now.Before(s.GraceEndsAt(gracePeriod))
		}
		return true
	case StatusCancelledActive:
		return now.Before(s.EndDate)
	default:
		return false
	}
}

// IsTerminal reports whether the subscription reached a terminal state.
func (s *Subscription) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// clone returns a deep copy so stores can hand out aggregates without
// exposing internal state to mutation.
func (s *Subscription) clone() *Subscription {
	if s == nil {
		return nil
	}
	dup := *s
	if s.TrialStart != nil {
		t := *s.TrialStart
		dup.TrialStart = &t
	}
	if s.GraceStart != nil {
		t := *s.GraceStart
		dup.GraceStart = &t
	}
	return &dup
}
