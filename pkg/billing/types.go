package billing

// Status represents the externally-visible state of a subscription.
//
// Status implements statemachine.State so aggregates can be validated
// directly against the transition table.
type Status string

const (
	// StatusPending means checkout started but payment is not confirmed yet.
	StatusPending Status = "pending"
	// StatusActive means the user is entitled to the package right now.
	// A failed renewal keeps the subscription active with the grace-period
	// overlay set; grace is not a separate status.
	StatusActive Status = "active"
	// StatusCancelledActive means cancellation was requested but access
	// continues until the end of the paid period (soft cancel).
	StatusCancelledActive Status = "cancelled_active"
	// StatusCancelled means access was revoked immediately.
	StatusCancelled Status = "cancelled"
	// StatusExpired means the billing period ended without renewal.
	StatusExpired Status = "expired"
)

func (s Status) Name() string {
	return string(s)
}

// IsTerminal reports whether the status permits no further transitions.
// A new purchase of the same package starts a fresh subscription lineage.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// IsOpen reports whether the status blocks a new purchase of the same package.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusActive || s == StatusCancelledActive
}

// RecordStatus represents the outcome of a billing record.
type RecordStatus string

const (
	RecordStatusSucceeded RecordStatus = "succeeded"
	RecordStatusFailed    RecordStatus = "failed"
	RecordStatusPending   RecordStatus = "pending"
)

// BillingInterval represents the billing frequency of a package.
type BillingInterval string

const (
	BillingIntervalMonthly BillingInterval = "monthly"
	BillingIntervalYearly  BillingInterval = "yearly"
)

// Money represents a monetary amount in the smallest currency unit.
// For example, $10.99 USD would be Amount: 1099, Currency: "USD".
// Amounts are signed; refunds carry negative amounts in the ledger.
type Money struct {
	Amount   int64  // amount in minor units (cents for USD)
	Currency string // ISO 4217 currency code
}

// IsZero reports whether the value carries no amount and no currency.
func (m Money) IsZero() bool {
	return m.Amount == 0 && m.Currency == ""
}
