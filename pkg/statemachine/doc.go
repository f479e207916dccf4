// Package statemachine provides a stateless transition table for validating
// and executing state transitions on externally-stored aggregates.
//
// The table does not own a current state. Callers load an aggregate, pass its
// state to Fire together with the triggering event, and persist the returned
// state. One table instance therefore serves any number of aggregates being
// processed concurrently, which suits event-driven services where the
// authoritative state lives in a database row.
//
// Transitions support guards (preconditions evaluated before the transition is
// accepted) and actions (side effects executed before the new state is
// returned; a failing action aborts the transition). Multiple transitions may
// be registered for the same from/event pair; the first one whose guards all
// pass wins, enabling guard-based branching.
//
// Example:
//
//	table := statemachine.MustNew(
//		statemachine.WithTransition(Pending, Active, PaymentConfirmed),
//		statemachine.WithTransition(Active, Cancelled, CancelRequested,
//			statemachine.WithGuard(isImmediate),
//		),
//	)
//
//	next, err := table.Fire(ctx, current, PaymentConfirmed, aggregate)
//	if statemachine.IsIllegalTransitionError(err) {
//		// event not legal for the aggregate's current state
//	}
package statemachine
