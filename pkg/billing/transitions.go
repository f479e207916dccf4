package billing

import (
	"time"
)

// TransitionRequest is the tagged union of operations the state machine
// accepts. Each request implements statemachine.Event so legality is checked
// against the shared transition table.
//
// Requests driven by an external event carry the provider's event ID as the
// idempotency key; user-initiated requests leave it empty.
type TransitionRequest interface {
	Name() string
	idempotencyKey() string
}

// Activate confirms payment for a pending subscription and opens the first
// billing period.
type Activate struct {
	EventID     string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Amount      Money
}

func (Activate) Name() string             { return "activate" }
func (r Activate) idempotencyKey() string { return r.EventID }

// StartTrial activates a pending subscription on its one-time trial instead of
// a paid charge. Legal only when no row of the user/package history has ever
// had an active trial.
type StartTrial struct {
	EventID string
}

func (StartTrial) Name() string             { return "start-trial" }
func (r StartTrial) idempotencyKey() string { return r.EventID }

// EnterGracePeriod flags a failed renewal. The subscription stays active; the
// grace overlay preserves entitlement for a bounded window.
type EnterGracePeriod struct {
	EventID      string
	Reason       string
	FailedAmount Money
}

func (EnterGracePeriod) Name() string             { return "enter-grace-period" }
func (r EnterGracePeriod) idempotencyKey() string { return r.EventID }

// ExitGracePeriod clears the grace overlay. Renewed carries whether a
// successful charge accompanied the recovery; if so the billing period
// advances to the supplied boundaries.
type ExitGracePeriod struct {
	EventID     string
	Renewed     bool
	PeriodStart time.Time
	PeriodEnd   time.Time
	Amount      Money
}

func (ExitGracePeriod) Name() string             { return "exit-grace-period" }
func (r ExitGracePeriod) idempotencyKey() string { return r.EventID }

// RequestCancellation cancels the subscription. Immediate revokes access now
// and clamps the period end; otherwise access continues until the period ends
// (soft cancel).
type RequestCancellation struct {
	EventID   string
	Immediate bool
	Reason    string
}

func (RequestCancellation) Name() string             { return "request-cancellation" }
func (r RequestCancellation) idempotencyKey() string { return r.EventID }

// Expire terminates a subscription whose entitlement window has closed: a
// soft cancel past its period end, or an active subscription whose grace
// window elapsed. Fired by the reconciliation sweep, not by webhooks.
type Expire struct {
	EventID string
}

func (Expire) Name() string             { return "expire" }
func (r Expire) idempotencyKey() string { return r.EventID }

// Reactivate starts a fresh purchase lineage from a terminal subscription.
// The terminal row is preserved for audit; a new pending aggregate is created.
// ResetTrial is accepted only when the trial history is clean anyway: the
// trial single-use invariant always wins.
type Reactivate struct {
	ResetTrial bool
}

func (Reactivate) Name() string           { return "reactivate" }
func (Reactivate) idempotencyKey() string { return "" }

// RecordRefund appends a negative ledger entry for a provider refund. When the
// refund covers the original activation charge, access is revoked immediately
// in the same transaction.
type RecordRefund struct {
	EventID string
	Amount  Money // positive magnitude; the ledger entry is stored negated
	Reason  string
}

func (RecordRefund) Name() string             { return "record-refund" }
func (r RecordRefund) idempotencyKey() string { return r.EventID }
