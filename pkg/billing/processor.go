package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coachly/billing/pkg/backoff"
)

// Processor ingests billing-provider events exactly once. Duplicates are
// acknowledged without reapplying, out-of-order events that describe illegal
// transitions are logged and dropped, and transient failures are retried with
// backoff before landing in the dead-letter store for replay.
type Processor struct {
	machine    *Machine
	store      LedgerStore
	index      EventIndex
	deadLetter DeadLetterStore
	retry      backoff.Strategy
	maxRetries int
	logger     *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithEventIndex sets the recent-events dedupe index (in-memory by default).
func WithEventIndex(index EventIndex) ProcessorOption {
	return func(p *Processor) {
		if index != nil {
			p.index = index
		}
	}
}

// WithRetryStrategy overrides the transient-failure backoff.
func WithRetryStrategy(s backoff.Strategy) ProcessorOption {
	return func(p *Processor) {
		if s != nil {
			p.retry = s
		}
	}
}

// WithProcessorLogger overrides the default logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor creates the idempotent event processor.
// Panics if machine, store, or deadLetter are nil to fail fast during startup.
func NewProcessor(machine *Machine, store LedgerStore, deadLetter DeadLetterStore, cfg Config, opts ...ProcessorOption) *Processor {
	if machine == nil {
		panic("billing: Machine is required")
	}
	if store == nil {
		panic("billing: LedgerStore is required")
	}
	if deadLetter == nil {
		panic("billing: DeadLetterStore is required")
	}

	p := &Processor{
		machine:    machine,
		store:      store,
		index:      NewMemoryEventIndex(0),
		deadLetter: deadLetter,
		retry:      backoff.Default(),
		maxRetries: cfg.IngestMaxRetries,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Ingest applies one external event. Calling it twice with the same event
// yields the same subscription state and the same number of billing records
// as calling it once.
func (p *Processor) Ingest(ctx context.Context, event ExternalEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	// Fast-path dedupe against the bounded recent-events set. Index failures
	// fall through to the authoritative in-lock check.
	if seen, err := p.index.Seen(ctx, event.SubscriptionExternalID, event.EventID); err != nil {
		p.logger.WarnContext(ctx, "event index unavailable, falling back to ledger dedupe",
			slog.String("event_id", event.EventID), slog.String("error", err.Error()))
	} else if seen {
		p.logger.DebugContext(ctx, "duplicate event skipped",
			slog.String("event_id", event.EventID),
			slog.String("subscription_external_id", event.SubscriptionExternalID))
		return nil
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = p.apply(ctx, event)

		switch {
		case lastErr == nil:
			p.markProcessed(ctx, event)
			return nil

		case errors.Is(lastErr, ErrDuplicateEvent):
			p.logger.DebugContext(ctx, "duplicate event skipped",
				slog.String("event_id", event.EventID),
				slog.String("subscription_external_id", event.SubscriptionExternalID))
			p.markProcessed(ctx, event)
			return nil

		case errors.Is(lastErr, ErrInvalidTransition), errors.Is(lastErr, ErrTrialAlreadyUsed):
			// Out-of-order delivery describing a transition the current state
			// no longer permits. Never force an illegal state to satisfy an
			// event; drop it and acknowledge.
			p.logger.WarnContext(ctx, "event dropped: transition not legal for current state",
				slog.String("event_id", event.EventID),
				slog.String("event_type", string(event.Type)),
				slog.String("error", lastErr.Error()))
			p.markProcessed(ctx, event)
			return nil

		case errors.Is(lastErr, ErrMoneyInvariant):
			// Fatal for this record: indicates a logic or data-corruption
			// bug. Park it for investigation, never retry.
			p.logger.ErrorContext(ctx, "money invariant violated, event dead-lettered",
				slog.String("event_id", event.EventID),
				slog.String("error", lastErr.Error()))
			p.pushDeadLetter(ctx, event, lastErr, attempt)
			return lastErr

		case IsTransient(lastErr) && attempt < p.maxRetries:
			p.logger.DebugContext(ctx, "transient ingest failure, retrying",
				slog.String("event_id", event.EventID),
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()))
			if err := backoff.Sleep(ctx, p.retry, attempt+1); err != nil {
				return errors.Join(lastErr, err)
			}

		case IsTransient(lastErr):
			// Retries exhausted: park for replay rather than dropping.
			p.logger.ErrorContext(ctx, "ingest retries exhausted, event dead-lettered",
				slog.String("event_id", event.EventID),
				slog.Int("attempts", attempt+1),
				slog.String("error", lastErr.Error()))
			p.pushDeadLetter(ctx, event, lastErr, attempt+1)
			return lastErr

		default:
			return lastErr
		}
	}
}

// apply resolves the local subscription and executes the mapped transition.
func (p *Processor) apply(ctx context.Context, event ExternalEvent) error {
	sub, err := p.store.GetByExternalID(ctx, event.SubscriptionExternalID)
	if errors.Is(err, ErrSubscriptionNotFound) && event.Type.CreationClass() {
		sub, err = p.createFromEvent(ctx, event)
		if errors.Is(err, ErrSubscriptionConflict) {
			// Lost a creation race; the other delivery won. Re-resolve and
			// continue so a checkout-completed still activates.
			sub, err = p.store.GetByExternalID(ctx, event.SubscriptionExternalID)
		}
	}
	if err != nil {
		return err
	}

	req, err := p.mapEvent(ctx, sub, event)
	if err != nil {
		return err
	}
	if req == nil {
		// Creation event fully handled by the aggregate's creation.
		return nil
	}

	_, err = p.machine.Apply(ctx, sub.ID, req)
	return err
}

// createFromEvent materializes the first sighting of a provider subscription
// as a pending aggregate.
func (p *Processor) createFromEvent(ctx context.Context, event ExternalEvent) (*Subscription, error) {
	if event.Payload.UserID == uuid.Nil || event.Payload.PackageID == uuid.Nil {
		return nil, fmt.Errorf("%w: creation event %s lacks user/package identity", ErrValidation, event.EventID)
	}

	params := CreatePendingParams{
		UserID:                 event.Payload.UserID,
		PackageID:              event.Payload.PackageID,
		ExternalSubscriptionID: event.SubscriptionExternalID,
	}
	// Only stamp the event as processed when creation is its whole effect.
	// A checkout-completed still has an activation to apply after this.
	if event.Type == EventSubscriptionCreated {
		params.EventID = event.EventID
	}
	if event.Payload.PeriodStart != nil {
		params.StartDate = *event.Payload.PeriodStart
	}
	if event.Payload.PeriodEnd != nil {
		params.EndDate = *event.Payload.PeriodEnd
	}

	return p.machine.CreatePending(ctx, params)
}

// mapEvent translates a provider event into the state-machine request it
// stands for. A nil request with nil error means the event needs no further
// transition.
func (p *Processor) mapEvent(ctx context.Context, sub *Subscription, event ExternalEvent) (TransitionRequest, error) {
	switch event.Type {
	case EventSubscriptionCreated:
		// The pending aggregate is the whole effect; a redelivery against an
		// existing subscription needs no transition.
		return nil, nil

	case EventCheckoutCompleted:
		if event.Payload.Trial {
			return StartTrial{EventID: event.EventID}, nil
		}
		req := Activate{EventID: event.EventID, Amount: event.Amount()}
		if event.Payload.PeriodStart != nil {
			req.PeriodStart = *event.Payload.PeriodStart
		}
		if event.Payload.PeriodEnd != nil {
			req.PeriodEnd = *event.Payload.PeriodEnd
		}
		return req, nil

	case EventSubscriptionRenewed:
		req := ExitGracePeriod{EventID: event.EventID, Renewed: true, Amount: event.Amount()}
		if event.Payload.PeriodStart != nil {
			req.PeriodStart = *event.Payload.PeriodStart
		}
		if event.Payload.PeriodEnd != nil {
			req.PeriodEnd = *event.Payload.PeriodEnd
		}
		return req, nil

	case EventSubscriptionPaymentFailed:
		return EnterGracePeriod{
			EventID:      event.EventID,
			Reason:       event.Payload.Reason,
			FailedAmount: event.Amount(),
		}, nil

	case EventSubscriptionCancelled:
		return RequestCancellation{
			EventID:   event.EventID,
			Immediate: true,
			Reason:    event.Payload.Reason,
		}, nil

	case EventChargeRefunded:
		return RecordRefund{
			EventID: event.EventID,
			Amount:  event.Amount(),
			Reason:  event.Payload.Reason,
		}, nil
	}

	return nil, ErrUnknownEventType
}

func (p *Processor) markProcessed(ctx context.Context, event ExternalEvent) {
	if err := p.index.Mark(ctx, event.SubscriptionExternalID, event.EventID); err != nil {
		p.logger.WarnContext(ctx, "failed to mark event in dedupe index",
			slog.String("event_id", event.EventID), slog.String("error", err.Error()))
	}
}

func (p *Processor) pushDeadLetter(ctx context.Context, event ExternalEvent, cause error, attempts int) {
	now := time.Now().UTC()
	letter := DeadLetter{
		ID:        uuid.New(),
		Event:     event,
		Reason:    cause.Error(),
		Attempts:  attempts,
		Fatal:     errors.Is(cause, ErrMoneyInvariant),
		FailedAt:  now,
		CreatedAt: now,
	}
	if err := p.deadLetter.Add(ctx, letter); err != nil {
		// Last resort: the event survives only in logs. Loud on purpose.
		p.logger.ErrorContext(ctx, "failed to dead-letter event",
			slog.String("event_id", event.EventID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
	}
}

// ReplayDeadLetters re-ingests parked events, removing the ones that apply
// cleanly. Returns the number replayed successfully.
func (p *Processor) ReplayDeadLetters(ctx context.Context) (int, error) {
	letters, err := p.deadLetter.List(ctx)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, letter := range letters {
		if letter.Fatal {
			// Requires manual resolution; replaying would fail identically.
			continue
		}
		if err := p.Ingest(ctx, letter.Event); err != nil {
			p.logger.WarnContext(ctx, "dead-letter replay failed",
				slog.String("event_id", letter.Event.EventID),
				slog.String("error", err.Error()))
			continue
		}
		if err := p.deadLetter.Remove(ctx, letter.ID); err != nil {
			p.logger.WarnContext(ctx, "failed to remove replayed dead letter",
				slog.String("event_id", letter.Event.EventID),
				slog.String("error", err.Error()))
			continue
		}
		replayed++
	}

	return replayed, nil
}
