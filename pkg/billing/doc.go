// Package billing implements subscription lifecycle management and billing
// reconciliation for coaching packages sold through an external billing
// provider.
//
// The package owns the subscription state machine, an idempotent processor for
// provider webhook events, an append-only billing record trail, a commission
// split on every charge, and the reconciliation sweep that expires
// entitlements the provider never reports on.
//
// # Architecture
//
// State never changes outside the Machine. Every mutation, whether it
// originates from a provider webhook, a user action, or the periodic sweep,
// is expressed as a TransitionRequest and applied under a per-subscription
// lock with optimistic concurrency against the ledger store:
//
//   - Machine: applies transition requests through the lifecycle table
//   - Processor: ingests ExternalEvents idempotently, with retry and a dead
//     letter queue for deliveries that exhaust their attempts
//   - Service: user-facing operations (cancel, reactivate, checkout,
//     eligibility) with a circuit breaker around provider calls
//   - LedgerStore: persistence boundary; the aggregate write and the billing
//     record append always commit in one transaction
//   - BillingProvider: minimal provider surface; PaddleProvider is the
//     production implementation
//
// # Lifecycle
//
// A subscription starts pending when checkout opens, becomes active on
// payment or trial start, and ends expired or cancelled. User-initiated
// cancellation keeps access until the paid period ends (cancelled_active)
// unless immediate is requested. A failed renewal opens a grace window on the
// active subscription instead of revoking access; the reconciliation sweep
// expires it if no renewal arrives in time.
//
// Trials are single-use per user and package, across any number of
// cancellations and reactivations. A user holds at most one open subscription
// per package; reactivation always creates a fresh pending row and never
// resurrects a terminal one.
//
// # Event processing
//
// Provider events are asynchronous, retryable, and may be duplicated or
// arrive out of order. The processor deduplicates with a fast recent-events
// index (memory or Redis) backed by the authoritative last-processed-event
// check inside the subscription lock. Out-of-order events that request an
// impossible transition are dropped and logged; transient failures retry with
// exponential backoff and park in the dead letter store when exhausted.
//
// # Usage
//
//	store := billing.NewMemoryLedgerStore()
//	machine := billing.NewMachine(store, cfg)
//	processor := billing.NewProcessor(machine, store, deadLetters, cfg,
//		billing.WithEventIndex(billing.NewRedisEventIndex(rdb, cfg.EventDedupeTTL)),
//	)
//
//	event, err := provider.ParseWebhook(ctx, payload, signature)
//	if err != nil {
//		return err
//	}
//	if err := processor.Ingest(ctx, *event); err != nil {
//		return err
//	}
//
// Money amounts are int64 minor units throughout. Commission math lives in
// the commission package and is conservation-checked: platform fee plus payee
// amount always equals the gross charge.
package billing
