package billing

import (
	"time"

	"github.com/google/uuid"
)

// BillingRecord is one immutable entry in the subscription's audit trail.
// Records are created exactly once per billable, refundable, or
// cancellation event and never mutated or deleted; reconciliation is checked
// against this trail.
type BillingRecord struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	Amount         int64 // minor units, signed; negative for refunds, zero for status notes
	Currency       string
	Status         RecordStatus
	PlatformFee    int64 // platform's share of a succeeded charge, minor units
	CoachPayout    int64 // coach's share of a succeeded charge, minor units
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Description    string
	FailureReason  string
	CreatedAt      time.Time
}

// newRecord builds a billing record for a subscription with a fresh identity.
func newRecord(sub *Subscription, amount Money, status RecordStatus, description string, now time.Time) *BillingRecord {
	return &BillingRecord{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Amount:         amount.Amount,
		Currency:       amount.Currency,
		Status:         status,
		PeriodStart:    sub.StartDate,
		PeriodEnd:      sub.EndDate,
		Description:    description,
		CreatedAt:      now,
	}
}
