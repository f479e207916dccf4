// Package commission splits gross charges between the platform and the payee
// (trainer) in integer minor units.
//
// The split is pure arithmetic with no I/O: the platform share is computed from
// a basis-point cut with round-half-away-from-zero on the final division, and
// the payee share is the exact remainder. The two shares therefore conserve the
// gross amount to the cent for every non-negative input, which reconciliation
// depends on.
//
// Processor fees are estimated for display purposes only; the payee absorbs
// the actual processor fee, so the estimate never affects the split.
//
// Example:
//
//	split, err := commission.SplitAmount(10000, commission.DefaultFeeModel())
//	// split.PlatformShare == 1100, split.PayeeShare == 8900
package commission
