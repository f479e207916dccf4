package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coachly/billing/pkg/commission"
	"github.com/coachly/billing/pkg/statemachine"
)

// Machine validates and applies subscription state transitions. It is the only
// component allowed to mutate a subscription's status: webhook-driven events
// and synchronous user actions both funnel through Apply, which serializes
// work per subscription with a keyed lock held for the whole
// load→transition→save cycle.
type Machine struct {
	store  LedgerStore
	cfg    Config
	table  *statemachine.Table
	locks  *keyedMutex
	logger *slog.Logger
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithMachineLogger overrides the default logger.
func WithMachineLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMachine creates the subscription state machine.
// Panics if the store is nil to fail fast during initialization.
func NewMachine(store LedgerStore, cfg Config, opts ...MachineOption) *Machine {
	if store == nil {
		panic("billing: LedgerStore is required")
	}

	m := &Machine{
		store:  store,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		logger: slog.Default(),
	}
	m.table = buildTransitionTable()

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// transitionContext is the data payload threaded through the transition
// table. Actions mutate the draft aggregate and set the billing record that
// will be appended in the same transaction as the status change.
type transitionContext struct {
	sub    *Subscription
	req    TransitionRequest
	cfg    Config
	now    time.Time
	record *BillingRecord
}

// buildTransitionTable encodes the legal lifecycle:
//
//	pending   -> active            (payment confirmed or trial started)
//	pending   -> cancelled         (checkout abandoned / provider failure)
//	active    -> active            (grace overlay entered or cleared)
//	active    -> cancelled_active  (soft cancel)
//	active    -> cancelled         (immediate cancel)
//	active    -> expired           (grace window elapsed)
//	cancelled_active -> cancelled  (soft cancel upgraded to immediate)
//	cancelled_active -> expired    (period ended without renewal)
func buildTransitionTable() *statemachine.Table {
	immediate := func(ctx context.Context, from statemachine.State, event statemachine.Event, data any) bool {
		req, ok := event.(RequestCancellation)
		return ok && req.Immediate
	}
	soft := func(ctx context.Context, from statemachine.State, event statemachine.Event, data any) bool {
		req, ok := event.(RequestCancellation)
		return ok && !req.Immediate
	}
	inGrace := func(ctx context.Context, from statemachine.State, event statemachine.Event, data any) bool {
		tctx, ok := data.(*transitionContext)
		return ok && tctx.sub.IsInGracePeriod
	}

	return statemachine.MustNew(
		statemachine.WithTransition(StatusPending, StatusActive, Activate{},
			statemachine.WithAction(applyActivate)),
		statemachine.WithTransition(StatusPending, StatusActive, StartTrial{},
			statemachine.WithAction(applyStartTrial)),
		statemachine.WithTransition(StatusPending, StatusCancelled, RequestCancellation{},
			statemachine.WithAction(applyAbandonPending)),

		statemachine.WithTransition(StatusActive, StatusActive, EnterGracePeriod{},
			statemachine.WithAction(applyEnterGrace)),
		statemachine.WithTransition(StatusActive, StatusActive, ExitGracePeriod{},
			statemachine.WithAction(applyExitGrace)),
		statemachine.WithTransition(StatusActive, StatusCancelledActive, RequestCancellation{},
			statemachine.WithGuard(soft),
			statemachine.WithAction(applySoftCancel)),
		statemachine.WithTransition(StatusActive, StatusCancelled, RequestCancellation{},
			statemachine.WithGuard(immediate),
			statemachine.WithAction(applyImmediateCancel)),
		statemachine.WithTransition(StatusActive, StatusExpired, Expire{},
			statemachine.WithGuard(inGrace),
			statemachine.WithAction(applyExpire)),

		statemachine.WithTransition(StatusCancelledActive, StatusCancelled, RequestCancellation{},
			statemachine.WithGuard(immediate),
			statemachine.WithAction(applyImmediateCancel)),
		statemachine.WithTransition(StatusCancelledActive, StatusExpired, Expire{},
			statemachine.WithAction(applyExpire)),
	)
}

// Apply executes one transition against the subscription, holding the
// per-subscription lock for the whole load→validate→save cycle. On success
// exactly one billing record is appended atomically with the status change.
//
// Duplicate external events return ErrDuplicateEvent with no writes; illegal
// transitions return ErrInvalidTransition and are a no-op.
func (m *Machine) Apply(ctx context.Context, subscriptionID uuid.UUID, req TransitionRequest) (*Subscription, error) {
	if req == nil || subscriptionID == uuid.Nil {
		return nil, ErrValidation
	}

	unlock := m.locks.Lock(subscriptionID.String())
	defer unlock()

	sub, err := m.store.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if key := req.idempotencyKey(); key != "" && sub.LastProcessedEventID == key {
		return sub, ErrDuplicateEvent
	}

	switch r := req.(type) {
	case Reactivate:
		return m.reactivateLocked(ctx, sub, r)
	case RecordRefund:
		return m.recordRefundLocked(ctx, sub, r)
	}

	if _, ok := req.(StartTrial); ok {
		used, err := m.trialUsed(ctx, sub.UserID, sub.PackageID)
		if err != nil {
			return nil, err
		}
		if used {
			return nil, ErrTrialAlreadyUsed
		}
	}

	tctx := &transitionContext{
		sub: sub,
		req: req,
		cfg: m.cfg,
		now: time.Now().UTC(),
	}

	next, err := m.table.Fire(ctx, sub.Status, req.(statemachine.Event), tctx)
	if err != nil {
		if statemachine.IsIllegalTransitionError(err) {
			return nil, errors.Join(ErrInvalidTransition, err)
		}
		return nil, err
	}

	sub.Status = Status(next.Name())
	sub.UpdatedAt = tctx.now
	if key := req.idempotencyKey(); key != "" {
		sub.LastProcessedEventID = key
	}

	if rec := tctx.record; rec != nil && rec.Status == RecordStatusSucceeded && rec.Amount > 0 {
		split, err := commission.SplitAmount(rec.Amount, m.cfg.FeeModel())
		if err != nil {
			return nil, fmt.Errorf("split charge %s: %w", rec.ID, err)
		}
		rec.PlatformFee = split.PlatformShare
		rec.CoachPayout = split.PayeeShare
	}

	if err := m.store.Update(ctx, sub, tctx.record); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "subscription transition applied",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("transition", req.Name()),
		slog.String("status", string(sub.Status)))

	return sub, nil
}

// CreatePendingParams describes a new checkout-started aggregate.
type CreatePendingParams struct {
	UserID                 uuid.UUID
	PackageID              uuid.UUID
	ExternalSubscriptionID string
	EventID                string
	StartDate              time.Time
	EndDate                time.Time
}

// CreatePending starts a new purchase lineage in the pending state. The
// at-most-one-open invariant is enforced here and again by the store's
// conflict check, so a racing duplicate never creates a second row.
func (m *Machine) CreatePending(ctx context.Context, p CreatePendingParams) (*Subscription, error) {
	if p.UserID == uuid.Nil || p.PackageID == uuid.Nil {
		return nil, ErrValidation
	}

	unlock := m.locks.Lock(p.UserID.String() + "/" + p.PackageID.String())
	defer unlock()

	existing, err := m.store.ListByUserPackage(ctx, p.UserID, p.PackageID)
	if err != nil {
		return nil, err
	}
	for _, row := range existing {
		if row.Status.IsOpen() {
			return nil, ErrSubscriptionConflict
		}
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:                     uuid.New(),
		UserID:                 p.UserID,
		PackageID:              p.PackageID,
		Status:                 StatusPending,
		StartDate:              p.StartDate,
		EndDate:                p.EndDate,
		ExternalSubscriptionID: p.ExternalSubscriptionID,
		LastProcessedEventID:   p.EventID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := m.store.Create(ctx, sub, nil); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "subscription created",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("user_id", p.UserID.String()),
		slog.String("package_id", p.PackageID.String()))

	return sub, nil
}

// reactivateLocked handles terminal→fresh-lineage reactivation. The terminal
// row is never resurrected; a new pending aggregate is created and the old
// one is preserved for audit.
func (m *Machine) reactivateLocked(ctx context.Context, old *Subscription, req Reactivate) (*Subscription, error) {
	if !old.IsTerminal() {
		return nil, fmt.Errorf("%w: reactivate requires a terminal subscription, got %s", ErrInvalidTransition, old.Status)
	}

	used, err := m.trialUsed(ctx, old.UserID, old.PackageID)
	if err != nil {
		return nil, err
	}
	if req.ResetTrial && used {
		// Trials are consumed once, permanently. A reset request cannot
		// override the invariant.
		return nil, ErrTrialAlreadyUsed
	}

	return m.CreatePending(ctx, CreatePendingParams{
		UserID:                 old.UserID,
		PackageID:              old.PackageID,
		ExternalSubscriptionID: "", // assigned by the provider at checkout
	})
}

// recordRefundLocked appends the refund to the ledger and, when the refund
// covers the original activation charge, revokes access in the same
// transaction. Refunding more than was ever charged is a money-invariant
// violation and is fatal for this record.
func (m *Machine) recordRefundLocked(ctx context.Context, sub *Subscription, req RecordRefund) (*Subscription, error) {
	if req.Amount.Amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", ErrValidation)
	}
	if !m.cfg.CurrencySupported(req.Amount.Currency) {
		return nil, ErrUnsupportedCurrency
	}

	records, err := m.store.ListBillingRecords(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	var charged, refunded, activationCharge int64
	for _, rec := range records {
		if rec.Status != RecordStatusSucceeded {
			continue
		}
		if rec.Amount > 0 {
			charged += rec.Amount
			if activationCharge == 0 {
				activationCharge = rec.Amount
			}
		} else {
			refunded += -rec.Amount
		}
	}

	if refunded+req.Amount.Amount > charged {
		return nil, fmt.Errorf("%w: refund %d exceeds remaining charged balance %d",
			ErrMoneyInvariant, req.Amount.Amount, charged-refunded)
	}

	now := time.Now().UTC()
	description := "charge refunded"
	revokesAccess := req.Amount.Amount >= activationCharge && activationCharge > 0 && sub.Status.IsOpen()

	if revokesAccess {
		// Refund of the activation charge doubles as the cancellation note so
		// the double-delivery of a refund event still yields exactly one
		// ledger entry.
		sub.Status = StatusCancelled
		sub.EndDate = now
		sub.IsInGracePeriod = false
		sub.GraceStart = nil
		description = "charge refunded, access revoked"
	}

	record := newRecord(sub, Money{Amount: -req.Amount.Amount, Currency: req.Amount.Currency},
		RecordStatusSucceeded, description, now)
	record.FailureReason = req.Reason

	sub.UpdatedAt = now
	if req.EventID != "" {
		sub.LastProcessedEventID = req.EventID
	}

	if err := m.store.Update(ctx, sub, record); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "refund recorded",
		slog.String("subscription_id", sub.ID.String()),
		slog.Int64("amount", req.Amount.Amount),
		slog.Bool("access_revoked", revokesAccess))

	return sub, nil
}

// trialUsed checks the whole user/package history: trials are consumed once,
// permanently, even across cancel and reactivate.
func (m *Machine) trialUsed(ctx context.Context, userID, packageID uuid.UUID) (bool, error) {
	rows, err := m.store.ListByUserPackage(ctx, userID, packageID)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if row.IsTrialActive {
			return true, nil
		}
	}
	return false, nil
}

// TrialAvailable reports whether the user may still start a trial for the
// package.
func (m *Machine) TrialAvailable(ctx context.Context, userID, packageID uuid.UUID) (bool, error) {
	used, err := m.trialUsed(ctx, userID, packageID)
	if err != nil {
		return false, err
	}
	return !used, nil
}

// Transition actions. Each mutates the draft aggregate and sets the single
// billing record committed with the status change.

func applyActivate(ctx context.Context, from, to statemachine.State, event statemachine.Event, data any) error {
	tctx := data.(*transitionContext)
	req := event.(Activate)
	sub := tctx.sub

	if !tctx.cfg.CurrencySupported(req.Amount.Currency) && !req.Amount.IsZero() {
		return ErrUnsupportedCurrency
	}

	if !req.PeriodStart.IsZero() {
		sub.StartDate = req.PeriodStart
	} else if sub.StartDate.IsZero() {
		sub.StartDate = tctx.now
	}
	if !req.PeriodEnd.IsZero() {
		sub.EndDate = req.PeriodEnd
	}
	sub.IsInGracePeriod = false
	sub.GraceStart = nil

	tctx.record = newRecord(sub, req.Amount, RecordStatusSucceeded, "subscription activated", tctx.now)
	return nil
}

func applyStartTrial(ctx context.Context, from, to statemachine.State, event statemachine.Event, data any) error {
	tctx := data.(*transitionContext)
	sub := tctx.sub

	start := tctx.now
	sub.IsTrialActive = true
	sub.TrialStart = &start
	sub.StartDate = start
	sub.EndDate = start.Add(tctx.cfg.TrialPeriod())

	tctx.record = newRecord(sub, Money{}, RecordStatusSucceeded, "trial started", tctx.now)
	return nil
}

func applyAbandonPending(ctx context.Context, from, to statemachine.State, event statemachine.Event, data any) error {
	tctx := data.(*transitionContext)
	req := event.(RequestCancellation)
	sub := tctx.sub

	sub.EndDate = tctx.now

	tctx.record = newRecord(sub, Money{}, RecordStatusFailed, "checkout cancelled before payment", tctx.now)
	tctx.record.FailureReason = req.Reason
	return nil
}

func applyEnterGrace(ctx context.Context, from, to statemachine.State, event statemachine.Event, data any) error {
	tctx := data.(*transitionContext)
	req := event.(EnterGracePeriod)
	sub := tctx.sub

	// A repeated payment failure keeps the original grace start so the window
	// is bounded by the first failure, not the latest retry.
	if !sub.IsInGracePeriod {
		start := tctx.now
		sub.IsInGracePeriod = true
		sub.GraceStart = &start
	}

	tctx.record = newRecord(sub, req.FailedAmount, RecordStatusFailed, "renewal payment failed", tctx.now)
	tctx.record.FailureReason = req.Reason
	return nil
}

func applyExitGrace(ctx context.Context, from, to statemachine.State, event statemachine.Event, data any) error {
	tctx := data.(*transitionContext)
	req := event.(ExitGracePeriod)
	sub := tctx.sub

	sub.IsInGracePeriod = false
	sub.GraceStart = nil

	if req.Renewed {
		if !tctx.cfg.CurrencySupported(req.Amount.Currency) && !req.Amount.IsZero() {
			return ErrUnsupportedCurrency
		}
		if !req.PeriodStart.IsZero() {
			sub.StartDate = req.PeriodStart
		} else {
			sub.StartDate = sub.EndDate
		}
		if !req.PeriodEnd.IsZero() {
			sub.EndDate = req.PeriodEnd
		}
		tctx.record = newRecord(sub, req.Amount, RecordStatusSucceeded, "subscription renewed", tctx.now)
		return nil
	}

	tctx.record = newRecord(sub, Money{}, RecordStatusSucceeded, "grace period cleared without charge", tctx.now)
	return nil
}

func applySoftCancel(ctx context.Context, from, to statemachine.State, event statemachine.Event, data any) error {
	tctx := data.(*transitionContext)
	req := event.(RequestCancellation)
	sub := tctx.sub

	// EndDate is untouched: entitlement continues until the period ends.
	tctx.record = newRecord(sub, Money{}, RecordStatusSucceeded, "cancellation scheduled for period end", tctx.now)
	tctx.record.FailureReason = req.Reason
	return nil
}

func applyImmediateCancel(ctx context.Context, from, to statemachine.State, event statemachine.Event, data any) error {
	tctx := data.(*transitionContext)
	req := event.(RequestCancellation)
	sub := tctx.sub

	sub.EndDate = tctx.now
	sub.IsInGracePeriod = false
	sub.GraceStart = nil

	tctx.record = newRecord(sub, Money{}, RecordStatusSucceeded, "subscription cancelled immediately", tctx.now)
	tctx.record.FailureReason = req.Reason
	return nil
}

func applyExpire(ctx context.Context, from, to statemachine.State, event statemachine.Event, data any) error {
	tctx := data.(*transitionContext)
	sub := tctx.sub

	sub.IsInGracePeriod = false
	sub.GraceStart = nil

	tctx.record = newRecord(sub, Money{}, RecordStatusSucceeded, "subscription expired", tctx.now)
	return nil
}
