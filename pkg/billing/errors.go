package billing

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no subscription matches the lookup.
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")

	// ErrSubscriptionConflict is returned when a new subscription would violate
	// the at-most-one-open-per-package invariant for a user.
	ErrSubscriptionConflict = errors.New("billing: user already has an open subscription for this package")

	// ErrVersionConflict is returned when an optimistic-concurrency check fails
	// on save; the caller should reload and retry.
	ErrVersionConflict = errors.New("billing: subscription was modified concurrently")

	// ErrInvalidTransition is returned when a requested transition is not legal
	// for the subscription's current state. The aggregate is left untouched.
	ErrInvalidTransition = errors.New("billing: transition not allowed from current state")

	// ErrDuplicateEvent is returned when an event was already applied to the
	// subscription. Callers treat it as an idempotent no-op, not a failure.
	ErrDuplicateEvent = errors.New("billing: event already processed")

	// ErrTrialAlreadyUsed is returned when a trial is requested for a
	// user/package pair that has consumed its one-time trial.
	ErrTrialAlreadyUsed = errors.New("billing: trial already used for this package")

	// ErrValidation is returned for malformed requests rejected before any
	// state is touched.
	ErrValidation = errors.New("billing: invalid request")

	// ErrUnknownEventType is returned for provider events the engine does not
	// recognize.
	ErrUnknownEventType = errors.New("billing: unknown event type")

	// ErrUnsupportedCurrency is returned when an event carries an amount in a
	// currency outside the configured set.
	ErrUnsupportedCurrency = errors.New("billing: unsupported currency")

	// ErrMoneyInvariant indicates a refund or commission split failed to
	// conserve money. It is fatal for the record being processed and is never
	// retried: it signals a logic or data-corruption bug.
	ErrMoneyInvariant = errors.New("billing: money conservation invariant violated")

	// ErrNotEligible is returned when reactivation is requested but an open
	// subscription blocks it or no terminal history exists.
	ErrNotEligible = errors.New("billing: not eligible for reactivation")

	// ErrNotSubscriptionOwner is returned when a user acts on a subscription
	// that belongs to someone else.
	ErrNotSubscriptionOwner = errors.New("billing: subscription belongs to another user")

	// ErrStoreUnavailable wraps transient persistence failures that are safe
	// to retry with backoff.
	ErrStoreUnavailable = errors.New("billing: ledger store unavailable")

	// ErrProviderUnavailable wraps transient billing-provider failures.
	ErrProviderUnavailable = errors.New("billing: billing provider unavailable")

	// ErrPackageNotFound is returned when a package template cannot be resolved.
	ErrPackageNotFound = errors.New("billing: package not found")
)

// IsTransient reports whether the error is worth retrying with backoff.
// Pure-computation failures (validation, invariant violations, illegal
// transitions, duplicates) are never retried.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrProviderUnavailable):
		return true
	case errors.Is(err, ErrVersionConflict):
		// Safe to retry: transitions are idempotent via event dedupe and the
		// retry re-evaluates against the fresh state.
		return true
	default:
		return false
	}
}
