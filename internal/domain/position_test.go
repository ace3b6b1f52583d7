package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPositionState(t *testing.T) {
	pos := Position{
		ID:             "pos-1",
		DepositTime:    1000,
		LockupDuration: 30 * SecondsPerDay,
	}

	require.Equal(t, LockStateActive, pos.State(pos.DepositTime))
	require.Equal(t, LockStateActive, pos.State(pos.MaturityTime()-1))
	require.Equal(t, LockStateMatured, pos.State(pos.MaturityTime()))
	require.Equal(t, LockStateMatured, pos.State(pos.MaturityTime()+Days(100)))

	pos.Withdrawn = true
	require.Equal(t, LockStateWithdrawn, pos.State(pos.DepositTime))
	require.Equal(t, LockStateWithdrawn, pos.State(pos.MaturityTime()+1),
		"withdrawn is terminal regardless of time")
}

func TestPositionLockupProgress(t *testing.T) {
	pos := Position{
		DepositTime:    1000,
		LockupDuration: 30 * SecondsPerDay,
	}

	require.Equal(t, 0.0, pos.LockupProgress(pos.DepositTime))
	require.InDelta(t, 0.5, pos.LockupProgress(pos.DepositTime+Days(15)), 0.001)
	require.Equal(t, 1.0, pos.LockupProgress(pos.DepositTime+Days(45)), "clamped past maturity")
	require.Equal(t, 0.0, pos.LockupProgress(pos.DepositTime-100), "clamped before deposit")
}

func TestTrackValid(t *testing.T) {
	for _, track := range Tracks {
		require.True(t, track.Valid())
	}
	require.False(t, Track("bogus").Valid())
	require.False(t, Track("").Valid())
}

func TestPolicyValidateLockup(t *testing.T) {
	pol := Policy{SupportedLockups: []int64{30 * SecondsPerDay}}

	require.NoError(t, pol.ValidateLockup(30*SecondsPerDay))
	require.ErrorIs(t, pol.ValidateLockup(29*SecondsPerDay), ErrInvalidLockup)
	require.ErrorIs(t, pol.ValidateLockup(0), ErrInvalidLockup)
	require.ErrorIs(t, pol.ValidateLockup(-1), ErrInvalidLockup)

	pol.AllowCustomLockup = true
	pol.MinLockup = SecondsPerDay
	pol.MaxLockup = 365 * SecondsPerDay
	require.NoError(t, pol.ValidateLockup(29*SecondsPerDay))
	require.ErrorIs(t, pol.ValidateLockup(SecondsPerDay-1), ErrInvalidLockup)
	require.ErrorIs(t, pol.ValidateLockup(366*SecondsPerDay), ErrInvalidLockup)
}

func TestPolicyEarlyExitPenalty(t *testing.T) {
	pol := Policy{EarlyExitPenaltyBps: 500}
	require.Equal(t, int64(50), pol.EarlyExitPenalty(1000))
	require.Equal(t, int64(0), pol.EarlyExitPenalty(0))

	pol.EarlyExitPenaltyBps = 10_000
	require.Equal(t, int64(1000), pol.EarlyExitPenalty(1000))
}
