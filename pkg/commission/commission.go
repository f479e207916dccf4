package commission

import "errors"

var (
	// ErrNegativeGross is returned when a split is requested for a negative amount.
	// Refunds are reconciled against the original charge's split, never re-split.
	ErrNegativeGross = errors.New("commission: gross amount cannot be negative")

	// ErrInvalidPlatformPercent is returned when the platform cut is outside [0, 100].
	ErrInvalidPlatformPercent = errors.New("commission: platform percent must be between 0 and 100")

	// ErrConservationViolated indicates the computed shares do not sum back to the
	// gross amount. This cannot happen with the current arithmetic and signals a
	// logic or data-corruption bug if it ever surfaces.
	ErrConservationViolated = errors.New("commission: platform and payee shares do not sum to gross")
)

// FeeModel describes how a gross charge is divided between the platform and the
// payee, plus the payment processor's fee model for informational estimates.
// All percentages are expressed in basis points to keep the arithmetic integral
// (1100 bps = 11%).
type FeeModel struct {
	PlatformBps     int64 // platform cut, e.g. 1100 for 11%
	ProcessingBps   int64 // processor percentage fee, informational only
	ProcessingFixed int64 // processor fixed fee in minor units, informational only
}

// DefaultFeeModel returns the platform's standard 11% cut with a typical
// card-processing estimate (2.9% + 30 minor units).
func DefaultFeeModel() FeeModel {
	return FeeModel{
		PlatformBps:     1100,
		ProcessingBps:   290,
		ProcessingFixed: 30,
	}
}

// Split is the result of dividing a gross charge.
// PlatformShare + PayeeShare always equals the gross amount; the processing-fee
// estimate is carried separately because the payee absorbs actual processor
// fees and the estimate never participates in the conservation check.
type Split struct {
	PlatformShare         int64
	PayeeShare            int64
	ProcessingFeeEstimate int64
}

// SplitAmount divides gross (minor units, non-negative) between platform and
// payee per the fee model. The platform share is rounded half away from zero
// and the payee receives the exact remainder, so the two shares conserve the
// gross amount for every non-negative input.
func SplitAmount(gross int64, model FeeModel) (Split, error) {
	if gross < 0 {
		return Split{}, ErrNegativeGross
	}
	if model.PlatformBps < 0 || model.PlatformBps > 10000 {
		return Split{}, ErrInvalidPlatformPercent
	}

	platform := roundHalfAwayFromZero(gross*model.PlatformBps, 10000)
	payee := gross - platform

	s := Split{
		PlatformShare:         platform,
		PayeeShare:            payee,
		ProcessingFeeEstimate: roundHalfAwayFromZero(gross*model.ProcessingBps, 10000) + model.ProcessingFixed,
	}

	if s.PlatformShare+s.PayeeShare != gross {
		return Split{}, ErrConservationViolated
	}
	return s, nil
}

// roundHalfAwayFromZero divides num by den rounding .5 away from zero.
// num is non-negative here (gross >= 0, bps >= 0), so "away from zero" is up.
func roundHalfAwayFromZero(num, den int64) int64 {
	q := num / den
	r := num % den
	if 2*r >= den {
		q++
	}
	return q
}
