package domain

import "github.com/shopspring/decimal"

// MilestonePolicy is one fixed-bonus threshold in the milestone track.
type MilestonePolicy struct {
	Threshold int64           // seconds held
	Bonus     decimal.Decimal // reward tokens granted once
}

// Policy carries every product-configured parameter the ledger consumes. All
// rates are inputs; the accrual engine never computes them. Amounts are per
// day and converted with exact decimal arithmetic.
type Policy struct {
	// SupportedLockups is the enumerated set of lockup durations (seconds)
	// accepted at deposit when custom lockups are disabled.
	SupportedLockups []int64

	// AllowCustomLockup switches deposit validation from the enumerated set
	// to the [MinLockup, MaxLockup] range.
	AllowCustomLockup bool
	MinLockup         int64
	MaxLockup         int64

	AllowEarlyExit      bool
	EarlyExitPenaltyBps int64 // fraction of principal forfeited, basis points

	// TimeRatePerDay is the time-based track rate: reward tokens per day held.
	TimeRatePerDay decimal.Decimal
	// AmountRatePerUnitPerDay is the amount-based track rate: reward tokens
	// per principal unit per day.
	AmountRatePerUnitPerDay decimal.Decimal

	// AccruePastMaturity keeps the continuous tracks accruing after the
	// lockup window elapses. Off by default: deltas clamp to the maturity
	// boundary while the watermark still advances.
	AccruePastMaturity bool

	// Milestones are evaluated in ascending threshold order for every
	// position, independent of the lockup duration it chose.
	Milestones []MilestonePolicy
}

// ValidateLockup checks a requested lockup duration against the policy.
func (p Policy) ValidateLockup(seconds int64) error {
	if seconds <= 0 {
		return ErrInvalidLockup
	}
	if p.AllowCustomLockup {
		if seconds < p.MinLockup || seconds > p.MaxLockup {
			return ErrInvalidLockup
		}
		return nil
	}
	for _, d := range p.SupportedLockups {
		if d == seconds {
			return nil
		}
	}
	return ErrInvalidLockup
}

// EarlyExitPenalty returns the principal forfeited on an early exit.
func (p Policy) EarlyExitPenalty(principal int64) int64 {
	return principal * p.EarlyExitPenaltyBps / 10_000
}
