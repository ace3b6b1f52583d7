package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

func testPolicy() domain.Policy {
	return domain.Policy{
		SupportedLockups:        []int64{30 * domain.SecondsPerDay, 90 * domain.SecondsPerDay},
		AllowEarlyExit:          true,
		EarlyExitPenaltyBps:     500,
		TimeRatePerDay:          decimal.NewFromInt(1),
		AmountRatePerUnitPerDay: decimal.RequireFromString("0.0001"),
		Milestones: []domain.MilestonePolicy{
			{Threshold: 7 * domain.SecondsPerDay, Bonus: decimal.NewFromInt(10)},
			{Threshold: 30 * domain.SecondsPerDay, Bonus: decimal.NewFromInt(50)},
		},
	}
}

func testPosition(principal int64, lockupDays int64) domain.Position {
	return domain.Position{
		ID:              "pos-1",
		Owner:           "alice",
		Principal:       principal,
		DepositTime:     1_000_000,
		LockupDuration:  lockupDays * domain.SecondsPerDay,
		LastAccrualTime: 1_000_000,
	}
}

func TestAccrueContinuousTracks(t *testing.T) {
	pol := testPolicy()
	pos := testPosition(1000, 30)

	// Ten days held: time-based 1/day * 10, amount-based 0.0001 * 1000 * 10.
	deltas, err := Accrue(pos, pol, pos.DepositTime+domain.Days(10))
	require.NoError(t, err)
	require.True(t, deltas.TimeBased.Equal(decimal.NewFromInt(10)),
		"time-based delta %s", deltas.TimeBased)
	require.True(t, deltas.AmountBased.Equal(decimal.NewFromInt(1)),
		"amount-based delta %s", deltas.AmountBased)
}

func TestAccrueSubDayGranularity(t *testing.T) {
	pol := testPolicy()
	pos := testPosition(1000, 30)

	// Half a day accrues half the daily rate exactly.
	deltas, err := Accrue(pos, pol, pos.DepositTime+domain.LogicalTime(domain.SecondsPerDay/2))
	require.NoError(t, err)
	require.True(t, deltas.TimeBased.Equal(decimal.RequireFromString("0.5")),
		"time-based delta %s", deltas.TimeBased)
}

func TestAccrueStopsAtWithdrawal(t *testing.T) {
	pol := testPolicy()
	pos := testPosition(1000, 30)
	withdrawnAt := pos.DepositTime + domain.Days(10)
	pos.Withdrawn = true
	pos.WithdrawnAt = &withdrawnAt

	// A window still open at the exit earns up to the exit, not past it.
	pos.LastAccrualTime = pos.DepositTime + domain.Days(5)
	deltas, err := Accrue(pos, pol, pos.DepositTime+domain.Days(15))
	require.NoError(t, err)
	require.True(t, deltas.TimeBased.Equal(decimal.NewFromInt(5)),
		"time-based delta %s", deltas.TimeBased)

	// Settled through the exit: any later pass earns nothing.
	pos.LastAccrualTime = withdrawnAt
	deltas, err = Accrue(pos, pol, pos.DepositTime+domain.Days(15))
	require.NoError(t, err)
	require.True(t, deltas.IsZero())
}

func TestAccrueAdditivity(t *testing.T) {
	pol := testPolicy()
	pos := testPosition(1000, 30)

	// Settling at day 3 then day 10 must equal settling once at day 10.
	first, err := Accrue(pos, pol, pos.DepositTime+domain.Days(3))
	require.NoError(t, err)

	mid := pos
	mid.LastAccrualTime = pos.DepositTime + domain.Days(3)
	second, err := Accrue(mid, pol, pos.DepositTime+domain.Days(10))
	require.NoError(t, err)

	whole, err := Accrue(pos, pol, pos.DepositTime+domain.Days(10))
	require.NoError(t, err)

	require.True(t, first.TimeBased.Add(second.TimeBased).Equal(whole.TimeBased))
	require.True(t, first.AmountBased.Add(second.AmountBased).Equal(whole.AmountBased))
}

func TestAccrueClampsAtMaturity(t *testing.T) {
	pol := testPolicy()
	pos := testPosition(1000, 30)

	// Day 45 on a 30-day lockup: only 30 days of accrual.
	deltas, err := Accrue(pos, pol, pos.DepositTime+domain.Days(45))
	require.NoError(t, err)
	require.True(t, deltas.TimeBased.Equal(decimal.NewFromInt(30)),
		"time-based delta %s", deltas.TimeBased)

	// Unless the policy keeps accruing past maturity.
	pol.AccruePastMaturity = true
	deltas, err = Accrue(pos, pol, pos.DepositTime+domain.Days(45))
	require.NoError(t, err)
	require.True(t, deltas.TimeBased.Equal(decimal.NewFromInt(45)))
}

func TestAccrueClockRegression(t *testing.T) {
	pol := testPolicy()
	pos := testPosition(1000, 30)
	pos.LastAccrualTime = pos.DepositTime + domain.Days(5)

	_, err := Accrue(pos, pol, pos.DepositTime+domain.Days(4))
	require.ErrorIs(t, err, domain.ErrClockRegression)
}

func TestAccrueNothingElapsed(t *testing.T) {
	pol := testPolicy()
	pos := testPosition(1000, 30)

	deltas, err := Accrue(pos, pol, pos.DepositTime)
	require.NoError(t, err)
	require.True(t, deltas.IsZero())
}

func TestPendingGrants(t *testing.T) {
	pol := testPolicy()

	tests := []struct {
		name       string
		heldDays   int64
		granted    map[int64]bool
		withdrawn  bool
		thresholds []int64
	}{
		{
			name:     "before first threshold",
			heldDays: 3,
		},
		{
			name:       "first threshold crossed",
			heldDays:   10,
			thresholds: []int64{7 * domain.SecondsPerDay},
		},
		{
			name:       "both thresholds crossed at once",
			heldDays:   31,
			thresholds: []int64{7 * domain.SecondsPerDay, 30 * domain.SecondsPerDay},
		},
		{
			name:       "already granted threshold skipped",
			heldDays:   31,
			granted:    map[int64]bool{7 * domain.SecondsPerDay: true},
			thresholds: []int64{30 * domain.SecondsPerDay},
		},
		{
			name:      "withdrawn position earns nothing",
			heldDays:  31,
			withdrawn: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pos := testPosition(1000, 30)
			pos.Withdrawn = tc.withdrawn

			grants := PendingGrants(pos, pol, tc.granted, pos.DepositTime+domain.Days(tc.heldDays))
			require.Len(t, grants, len(tc.thresholds))
			for i, g := range grants {
				require.Equal(t, tc.thresholds[i], g.Threshold)
				require.Equal(t, pos.ID, g.PositionID)
			}
		})
	}
}

func TestPendingGrantsAscendingOrder(t *testing.T) {
	pol := testPolicy()
	// Milestones deliberately out of order in the policy.
	pol.Milestones = []domain.MilestonePolicy{
		{Threshold: 30 * domain.SecondsPerDay, Bonus: decimal.NewFromInt(50)},
		{Threshold: 7 * domain.SecondsPerDay, Bonus: decimal.NewFromInt(10)},
	}

	pos := testPosition(1000, 30)
	grants := PendingGrants(pos, pol, nil, pos.DepositTime+domain.Days(31))
	require.Len(t, grants, 2)
	require.Less(t, grants[0].Threshold, grants[1].Threshold)
}

func TestDecideWithdraw(t *testing.T) {
	pol := testPolicy()

	tests := []struct {
		name      string
		heldDays  int64
		withdrawn bool
		earlyExit bool
		wantErr   error
		returned  int64
		penalty   int64
		early     bool
	}{
		{
			name:      "matured full principal",
			heldDays:  30,
			earlyExit: true,
			returned:  1000,
		},
		{
			name:      "past maturity still full principal",
			heldDays:  45,
			earlyExit: true,
			returned:  1000,
		},
		{
			name:      "early exit with penalty",
			heldDays:  10,
			earlyExit: true,
			returned:  950,
			penalty:   50,
			early:     true,
		},
		{
			name:      "early exit forbidden",
			heldDays:  10,
			earlyExit: false,
			wantErr:   domain.ErrLockupActive,
		},
		{
			name:      "already withdrawn",
			heldDays:  45,
			withdrawn: true,
			earlyExit: true,
			wantErr:   domain.ErrAlreadyWithdrawn,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pol := pol
			pol.AllowEarlyExit = tc.earlyExit

			pos := testPosition(1000, 30)
			pos.Withdrawn = tc.withdrawn

			dec, err := DecideWithdraw(pos, pol, pos.DepositTime+domain.Days(tc.heldDays))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.returned, dec.Returned)
			require.Equal(t, tc.penalty, dec.Penalty)
			require.Equal(t, tc.early, dec.Early)
		})
	}
}
