// Package ledger implements the accrual engine, milestone evaluation, lockup
// rules, and the orchestrating Ledger that ties them to the durable stores.
// The computation functions are pure: state in, deltas out, no clock and no
// I/O of their own.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

var secondsPerDay = decimal.NewFromInt(domain.SecondsPerDay)

// AccrualDeltas holds the incremental continuous-track rewards earned by one
// position between its watermark and a later point in time.
type AccrualDeltas struct {
	TimeBased   decimal.Decimal
	AmountBased decimal.Decimal
}

// IsZero reports whether both deltas are zero.
func (d AccrualDeltas) IsZero() bool {
	return d.TimeBased.IsZero() && d.AmountBased.IsZero()
}

// Accrue computes the time-based and amount-based reward deltas for pos since
// its last accrual watermark.
//
// now earlier than the watermark is a clock regression: an integration defect
// in the upstream time source, returned as domain.ErrClockRegression and never
// silently clamped to zero elapsed time. The accrual window is clipped at the
// withdrawal time for retired positions and, unless the policy accrues past
// maturity, at the maturity boundary; the caller still advances the watermark
// to now.
func Accrue(pos domain.Position, pol domain.Policy, now domain.LogicalTime) (AccrualDeltas, error) {
	if now < pos.LastAccrualTime {
		return AccrualDeltas{}, domain.ErrClockRegression
	}

	from := pos.LastAccrualTime
	to := now
	if pos.Withdrawn {
		if pos.WithdrawnAt == nil {
			return AccrualDeltas{}, nil
		}
		if to > *pos.WithdrawnAt {
			to = *pos.WithdrawnAt
		}
	}
	if !pol.AccruePastMaturity {
		if m := pos.MaturityTime(); to > m {
			to = m
		}
	}
	if to <= from {
		return AccrualDeltas{}, nil
	}

	elapsedDays := decimal.NewFromInt(int64(to - from)).Div(secondsPerDay)

	return AccrualDeltas{
		TimeBased: pol.TimeRatePerDay.Mul(elapsedDays),
		AmountBased: pol.AmountRatePerUnitPerDay.
			Mul(decimal.NewFromInt(pos.Principal)).
			Mul(elapsedDays),
	}, nil
}
