package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpledger/internal/domain"
	"github.com/alanyoungcy/lpledger/internal/store/memstore"
)

// fakeClock is a hand-advanced clock for deterministic accrual windows.
type fakeClock struct {
	mu  sync.Mutex
	now domain.LogicalTime
}

func (c *fakeClock) Now() domain.LogicalTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d domain.LogicalTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

func newTestLedger(t *testing.T, pol domain.Policy) (*Ledger, *memstore.Store, *fakeClock) {
	t.Helper()
	store := memstore.New()
	clock := &fakeClock{now: 1_000_000}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, store, store, clock, pol, logger), store, clock
}

func trackBalance(t *testing.T, balances []domain.RewardBalance, track domain.Track) domain.RewardBalance {
	t.Helper()
	for _, b := range balances {
		if b.Track == track {
			return b
		}
	}
	t.Fatalf("no balance for track %s", track)
	return domain.RewardBalance{}
}

func TestOpenValidation(t *testing.T) {
	l, _, _ := newTestLedger(t, testPolicy())
	ctx := context.Background()

	tests := []struct {
		name      string
		owner     string
		principal int64
		lockup    int64
		wantErr   error
	}{
		{"empty owner", "", 1000, 30 * domain.SecondsPerDay, domain.ErrInvalidAmount},
		{"zero principal", "alice", 0, 30 * domain.SecondsPerDay, domain.ErrInvalidAmount},
		{"negative principal", "alice", -5, 30 * domain.SecondsPerDay, domain.ErrInvalidAmount},
		{"unsupported lockup", "alice", 1000, 12 * domain.SecondsPerDay, domain.ErrInvalidLockup},
		{"zero lockup", "alice", 1000, 0, domain.ErrInvalidLockup},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Open(ctx, tc.owner, tc.principal, tc.lockup)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)
	require.NotEmpty(t, pos.ID)
	require.Equal(t, pos.DepositTime, pos.LastAccrualTime)
	require.Equal(t, domain.LockStateActive, pos.State(pos.DepositTime))
}

func TestOpenCustomLockupRange(t *testing.T) {
	pol := testPolicy()
	pol.AllowCustomLockup = true
	pol.MinLockup = 10 * domain.SecondsPerDay
	pol.MaxLockup = 60 * domain.SecondsPerDay

	l, _, _ := newTestLedger(t, pol)
	ctx := context.Background()

	_, err := l.Open(ctx, "alice", 1000, 9*domain.SecondsPerDay)
	require.ErrorIs(t, err, domain.ErrInvalidLockup)

	_, err = l.Open(ctx, "alice", 1000, 45*domain.SecondsPerDay)
	require.NoError(t, err)
}

// TestFullLifecycle walks the canonical scenario: 1000 units locked for 30
// days with a time rate of 1/day and an amount rate of 0.0001/unit/day.
func TestFullLifecycle(t *testing.T) {
	l, _, clock := newTestLedger(t, testPolicy())
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	// Day 10: settle and inspect balances.
	clock.Advance(domain.Days(10))
	res, err := l.Settle(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, res.Deltas.TimeBased.Equal(decimal.NewFromInt(10)))
	require.True(t, res.Deltas.AmountBased.Equal(decimal.NewFromInt(1)))
	require.Len(t, res.Grants, 1, "7-day milestone crossed")

	balances, err := l.Balances(ctx, "alice")
	require.NoError(t, err)
	require.True(t, trackBalance(t, balances, domain.TrackTimeBased).Accrued.Equal(decimal.NewFromInt(10)))
	require.True(t, trackBalance(t, balances, domain.TrackAmountBased).Accrued.Equal(decimal.NewFromInt(1)))
	require.True(t, trackBalance(t, balances, domain.TrackMilestone).Accrued.Equal(decimal.NewFromInt(10)))

	// Day 31: withdraw after maturity, full principal back, no penalty.
	clock.Advance(domain.Days(21))
	receipt, err := l.Withdraw(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), receipt.Returned)
	require.Equal(t, int64(0), receipt.Penalty)
	require.False(t, receipt.Early)
	require.True(t, receipt.Position.Withdrawn)

	// Accrual stopped at the maturity boundary: 30 days of time rewards and
	// the 30-day milestone, nothing for day 31.
	balances, err = l.Balances(ctx, "alice")
	require.NoError(t, err)
	require.True(t, trackBalance(t, balances, domain.TrackTimeBased).Accrued.Equal(decimal.NewFromInt(30)),
		"time accrued %s", trackBalance(t, balances, domain.TrackTimeBased).Accrued)
	require.True(t, trackBalance(t, balances, domain.TrackMilestone).Accrued.Equal(decimal.NewFromInt(60)))
}

func TestSettleIdempotentWatermark(t *testing.T) {
	l, _, clock := newTestLedger(t, testPolicy())
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	clock.Advance(domain.Days(5))
	_, err = l.Settle(ctx, pos.ID)
	require.NoError(t, err)

	// A second settle with no elapsed time credits nothing.
	res, err := l.Settle(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, res.Deltas.IsZero())
	require.Empty(t, res.Grants)

	balances, err := l.Balances(ctx, "alice")
	require.NoError(t, err)
	require.True(t, trackBalance(t, balances, domain.TrackTimeBased).Accrued.Equal(decimal.NewFromInt(5)))
}

func TestMilestoneGrantedAtMostOnce(t *testing.T) {
	l, store, clock := newTestLedger(t, testPolicy())
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	clock.Advance(domain.Days(8))
	for i := 0; i < 3; i++ {
		_, err = l.Settle(ctx, pos.ID)
		require.NoError(t, err)
		clock.Advance(1)
	}

	grants, err := store.ListByPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	require.Equal(t, int64(7*domain.SecondsPerDay), grants[0].Threshold)

	balances, err := l.Balances(ctx, "alice")
	require.NoError(t, err)
	require.True(t, trackBalance(t, balances, domain.TrackMilestone).Accrued.Equal(decimal.NewFromInt(10)))
}

func TestIncreaseSettlesBeforeAddingPrincipal(t *testing.T) {
	l, _, clock := newTestLedger(t, testPolicy())
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	// Ten days on 1000 units, then double the principal.
	clock.Advance(domain.Days(10))
	updated, err := l.Increase(ctx, pos.ID, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(2000), updated.Principal)

	balances, err := l.Balances(ctx, "alice")
	require.NoError(t, err)
	require.True(t, trackBalance(t, balances, domain.TrackAmountBased).Accrued.Equal(decimal.NewFromInt(1)),
		"pre-increase accrual must use the old principal")

	// Ten more days on 2000 units.
	clock.Advance(domain.Days(10))
	_, err = l.Settle(ctx, pos.ID)
	require.NoError(t, err)

	balances, err = l.Balances(ctx, "alice")
	require.NoError(t, err)
	require.True(t, trackBalance(t, balances, domain.TrackAmountBased).Accrued.Equal(decimal.NewFromInt(3)),
		"amount accrued %s", trackBalance(t, balances, domain.TrackAmountBased).Accrued)
}

func TestIncreaseValidation(t *testing.T) {
	l, _, _ := newTestLedger(t, testPolicy())
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	_, err = l.Increase(ctx, pos.ID, 0)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = l.Increase(ctx, "missing", 100)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEarlyWithdraw(t *testing.T) {
	l, _, clock := newTestLedger(t, testPolicy())
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	clock.Advance(domain.Days(10))
	receipt, err := l.Withdraw(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, receipt.Early)
	require.Equal(t, int64(50), receipt.Penalty, "500 bps of 1000")
	require.Equal(t, int64(950), receipt.Returned)

	// Accrued rewards up to the exit are kept.
	balances, err := l.Balances(ctx, "alice")
	require.NoError(t, err)
	require.True(t, trackBalance(t, balances, domain.TrackTimeBased).Accrued.Equal(decimal.NewFromInt(10)))

	// A second withdrawal is rejected.
	_, err = l.Withdraw(ctx, pos.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyWithdrawn)
}

func TestSettleAfterWithdrawEarnsNothing(t *testing.T) {
	l, _, clock := newTestLedger(t, testPolicy())
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	clock.Advance(domain.Days(10))
	_, err = l.Withdraw(ctx, pos.ID)
	require.NoError(t, err)

	balances, err := l.Balances(ctx, "alice")
	require.NoError(t, err)
	before := trackBalance(t, balances, domain.TrackTimeBased).Accrued
	require.True(t, before.Equal(decimal.NewFromInt(10)))

	// The retired position is gone from the open set, but a stale caller (a
	// poller holding a pre-withdrawal snapshot) can still settle it. The pass
	// must apply nothing.
	clock.Advance(domain.Days(5))
	res, err := l.Settle(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, res.Deltas.IsZero())
	require.Empty(t, res.Grants)

	balances, err = l.Balances(ctx, "alice")
	require.NoError(t, err)
	after := trackBalance(t, balances, domain.TrackTimeBased).Accrued
	require.True(t, after.Equal(before), "withdrawn position kept accruing: %s -> %s", before, after)

	// Stats previews no unsettled accrual for a retired position either.
	stats, err := l.Stats(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, stats.UnsettledTimeBased.IsZero())
	require.True(t, stats.UnsettledAmountBased.IsZero())
}

func TestEarlyWithdrawForbidden(t *testing.T) {
	pol := testPolicy()
	pol.AllowEarlyExit = false
	l, _, clock := newTestLedger(t, pol)
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	clock.Advance(domain.Days(10))
	_, err = l.Withdraw(ctx, pos.ID)
	require.ErrorIs(t, err, domain.ErrLockupActive)

	// Still withdrawable once matured.
	clock.Advance(domain.Days(20))
	receipt, err := l.Withdraw(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), receipt.Returned)
}

func TestClaimLifecycle(t *testing.T) {
	l, _, clock := newTestLedger(t, testPolicy())
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	clock.Advance(domain.Days(10))
	_, err = l.Settle(ctx, pos.ID)
	require.NoError(t, err)

	claim, err := l.Claim(ctx, "alice", domain.TrackTimeBased)
	require.NoError(t, err)
	require.NotEmpty(t, claim.ID)
	require.Equal(t, domain.ClaimStatePending, claim.State)
	require.True(t, claim.Amount.Equal(decimal.NewFromInt(10)))

	// The claimable amount is now zero; a repeat claim is a zero-amount
	// success, never a double payout.
	again, err := l.Claim(ctx, "alice", domain.TrackTimeBased)
	require.NoError(t, err)
	require.True(t, again.Amount.IsZero())
	require.Empty(t, again.ID)

	balances, err := l.Balances(ctx, "alice")
	require.NoError(t, err)
	b := trackBalance(t, balances, domain.TrackTimeBased)
	require.True(t, b.Claimed.Equal(b.Accrued))
	require.True(t, b.Claimable().IsZero())
}

func TestClaimInvalidTrack(t *testing.T) {
	l, _, _ := newTestLedger(t, testPolicy())

	_, err := l.Claim(context.Background(), "alice", domain.Track("bogus"))
	require.ErrorIs(t, err, domain.ErrInvalidTrack)
}

func TestClaimUnknownOwnerIsZero(t *testing.T) {
	l, _, _ := newTestLedger(t, testPolicy())

	claim, err := l.Claim(context.Background(), "nobody", domain.TrackTimeBased)
	require.NoError(t, err)
	require.True(t, claim.Amount.IsZero())
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	l, _, clock := newTestLedger(t, testPolicy())
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)
	clock.Advance(domain.Days(10))
	_, err = l.Settle(ctx, pos.ID)
	require.NoError(t, err)

	const claimers = 8
	results := make([]domain.Claim, claimers)
	errs := make([]error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.Claim(ctx, "alice", domain.TrackTimeBased)
		}(i)
	}
	wg.Wait()

	nonZero := 0
	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, c := range results {
		if !c.Amount.IsZero() {
			nonZero++
			require.True(t, c.Amount.Equal(decimal.NewFromInt(10)))
		}
	}
	require.Equal(t, 1, nonZero, "exactly one claim takes the full amount")
}

func TestCreditUtility(t *testing.T) {
	l, _, _ := newTestLedger(t, testPolicy())
	ctx := context.Background()

	require.ErrorIs(t, l.CreditUtility(ctx, "", decimal.NewFromInt(5)), domain.ErrInvalidAmount)
	require.ErrorIs(t, l.CreditUtility(ctx, "alice", decimal.NewFromInt(-5)), domain.ErrInvalidAmount)
	require.NoError(t, l.CreditUtility(ctx, "alice", decimal.Zero))

	require.NoError(t, l.CreditUtility(ctx, "alice", decimal.RequireFromString("2.5")))
	require.NoError(t, l.CreditUtility(ctx, "alice", decimal.RequireFromString("1.5")))

	balances, err := l.Balances(ctx, "alice")
	require.NoError(t, err)
	require.True(t, trackBalance(t, balances, domain.TrackUtilityBased).Accrued.Equal(decimal.NewFromInt(4)))
}

func TestBalancesZeroFilled(t *testing.T) {
	l, _, _ := newTestLedger(t, testPolicy())

	balances, err := l.Balances(context.Background(), "nobody")
	require.NoError(t, err)
	require.Len(t, balances, len(domain.Tracks))
	for _, b := range balances {
		require.True(t, b.Accrued.IsZero())
		require.True(t, b.Claimed.IsZero())
	}
}

func TestStats(t *testing.T) {
	l, _, clock := newTestLedger(t, testPolicy())
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	clock.Advance(domain.Days(8))
	_, err = l.Settle(ctx, pos.ID)
	require.NoError(t, err)

	clock.Advance(domain.Days(7))
	stats, err := l.Stats(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, domain.LockStateActive, stats.State)
	require.InDelta(t, 0.5, stats.LockupProgress, 0.001)

	require.Len(t, stats.Milestones, 2)
	require.True(t, stats.Milestones[0].Reached)
	require.True(t, stats.Milestones[0].Granted)
	require.False(t, stats.Milestones[1].Reached)

	// Seven unsettled days since the day-8 settlement.
	require.True(t, stats.UnsettledTimeBased.Equal(decimal.NewFromInt(7)),
		"unsettled time %s", stats.UnsettledTimeBased)
}

// conflictingPositionStore injects write conflicts before delegating, as a
// concurrent replica advancing the watermark would.
type conflictingPositionStore struct {
	domain.PositionStore
	mu       sync.Mutex
	failures int
}

func (c *conflictingPositionStore) ApplySettlement(ctx context.Context, st domain.Settlement) error {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return domain.ErrConflict
	}
	c.mu.Unlock()
	return c.PositionStore.ApplySettlement(ctx, st)
}

func TestSettleRetriesOnConflict(t *testing.T) {
	store := memstore.New()
	wrapped := &conflictingPositionStore{PositionStore: store, failures: 2}
	clock := &fakeClock{now: 1_000_000}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(wrapped, store, store, clock, testPolicy(), logger)
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	clock.Advance(domain.Days(5))
	res, err := l.Settle(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, res.Deltas.TimeBased.Equal(decimal.NewFromInt(5)))
}

func TestSettleGivesUpAfterRepeatedConflicts(t *testing.T) {
	store := memstore.New()
	wrapped := &conflictingPositionStore{PositionStore: store, failures: 100}
	clock := &fakeClock{now: 1_000_000}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(wrapped, store, store, clock, testPolicy(), logger)
	ctx := context.Background()

	pos, err := l.Open(ctx, "alice", 1000, 30*domain.SecondsPerDay)
	require.NoError(t, err)

	clock.Advance(domain.Days(5))
	_, err = l.Settle(ctx, pos.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
}
