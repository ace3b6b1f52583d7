package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

func seedPosition(t *testing.T, s *Store) domain.Position {
	t.Helper()
	pos := domain.Position{
		ID:              "pos-1",
		Owner:           "alice",
		Principal:       1000,
		DepositTime:     100,
		LockupDuration:  30 * domain.SecondsPerDay,
		LastAccrualTime: 100,
	}
	require.NoError(t, s.Create(context.Background(), pos))
	return pos
}

func TestPositionCRUD(t *testing.T) {
	s := New()
	ctx := context.Background()
	pos := seedPosition(t, s)

	require.ErrorIs(t, s.Create(ctx, pos), domain.ErrConflict, "duplicate id")

	got, err := s.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, pos, got)

	_, err = s.GetByID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	byOwner, err := s.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byOwner, 1)

	open, err := s.ListOpen(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, s.MarkWithdrawn(ctx, pos.ID, 200))
	require.ErrorIs(t, s.MarkWithdrawn(ctx, pos.ID, 201), domain.ErrAlreadyWithdrawn)

	open, err = s.ListOpen(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestIncreasePrincipalGuards(t *testing.T) {
	s := New()
	ctx := context.Background()
	pos := seedPosition(t, s)

	require.ErrorIs(t, s.IncreasePrincipal(ctx, "missing", 100, 100), domain.ErrNotFound)
	require.ErrorIs(t, s.IncreasePrincipal(ctx, pos.ID, 100, 999), domain.ErrConflict,
		"stale watermark")

	require.NoError(t, s.IncreasePrincipal(ctx, pos.ID, 100, pos.LastAccrualTime))
	got, err := s.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1100), got.Principal)

	require.NoError(t, s.MarkWithdrawn(ctx, pos.ID, 200))
	require.ErrorIs(t, s.IncreasePrincipal(ctx, pos.ID, 100, 100), domain.ErrAlreadyWithdrawn)
}

func TestApplySettlement(t *testing.T) {
	s := New()
	ctx := context.Background()
	pos := seedPosition(t, s)

	st := domain.Settlement{
		PositionID:        pos.ID,
		Owner:             pos.Owner,
		ExpectedWatermark: pos.LastAccrualTime,
		NewWatermark:      pos.LastAccrualTime + domain.Days(10),
		Credits: []domain.RewardCredit{
			{Owner: "alice", Track: domain.TrackTimeBased, Amount: decimal.NewFromInt(10)},
		},
		Grants: []domain.MilestoneGrant{
			{PositionID: pos.ID, Threshold: 7 * domain.SecondsPerDay, Amount: decimal.NewFromInt(10)},
		},
	}
	require.NoError(t, s.ApplySettlement(ctx, st))

	// Watermark advanced.
	got, err := s.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, st.NewWatermark, got.LastAccrualTime)

	// Credits and the milestone grant both landed.
	b, err := s.Balance(ctx, "alice", domain.TrackTimeBased)
	require.NoError(t, err)
	require.True(t, b.Accrued.Equal(decimal.NewFromInt(10)))

	b, err = s.Balance(ctx, "alice", domain.TrackMilestone)
	require.NoError(t, err)
	require.True(t, b.Accrued.Equal(decimal.NewFromInt(10)))

	grants, err := s.ListByPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)

	// Replaying the same settlement hits the watermark guard.
	require.ErrorIs(t, s.ApplySettlement(ctx, st), domain.ErrConflict)

	// A later settlement carrying the same grant must not pay it again.
	st2 := domain.Settlement{
		PositionID:        pos.ID,
		Owner:             pos.Owner,
		ExpectedWatermark: st.NewWatermark,
		NewWatermark:      st.NewWatermark + 1,
		Grants:            st.Grants,
	}
	require.NoError(t, s.ApplySettlement(ctx, st2))

	b, err = s.Balance(ctx, "alice", domain.TrackMilestone)
	require.NoError(t, err)
	require.True(t, b.Accrued.Equal(decimal.NewFromInt(10)), "milestone paid once")

	require.ErrorIs(t, s.ApplySettlement(ctx, domain.Settlement{PositionID: "missing"}), domain.ErrNotFound)
}

func TestClaimStoreFlow(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Credit(ctx, "alice", domain.TrackTimeBased, decimal.NewFromInt(10)))

	claim, err := s.Claim(ctx, "alice", domain.TrackTimeBased, "claim-1", 500)
	require.NoError(t, err)
	require.Equal(t, "claim-1", claim.ID)
	require.Equal(t, domain.ClaimStatePending, claim.State)
	require.True(t, claim.Amount.Equal(decimal.NewFromInt(10)))

	// Nothing claimable left: zero-amount claim, no durable record.
	again, err := s.Claim(ctx, "alice", domain.TrackTimeBased, "claim-2", 501)
	require.NoError(t, err)
	require.True(t, again.Amount.IsZero())
	_, err = s.ClaimByID(ctx, "claim-2")
	require.ErrorIs(t, err, domain.ErrNotFound)

	claims := s.Claims()

	unsettled, err := claims.ListUnsettled(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unsettled, 1)

	// Fail it twice; a max-attempts cap of 2 then excludes it from retry.
	require.NoError(t, claims.MarkFailed(ctx, "claim-1", "transfer refused", 600))
	require.NoError(t, claims.MarkFailed(ctx, "claim-1", "transfer refused", 601))

	got, err := claims.GetByID(ctx, "claim-1")
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStateFailed, got.State)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, "transfer refused", got.LastError)

	unsettled, err = claims.ListUnsettled(ctx, 2)
	require.NoError(t, err)
	require.Empty(t, unsettled, "attempt cap reached")

	unsettled, err = claims.ListUnsettled(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unsettled, 1, "no cap keeps retrying")

	// The failed claim stays claimed: the balance never returns to claimable.
	b, err := s.Balance(ctx, "alice", domain.TrackTimeBased)
	require.NoError(t, err)
	require.True(t, b.Claimable().IsZero())

	require.NoError(t, claims.MarkConfirmed(ctx, "claim-1", 700))
	got, err = claims.GetByID(ctx, "claim-1")
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStateConfirmed, got.State)
	require.NotNil(t, got.ResolvedAt)

	byOwner, err := claims.ListByOwner(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
}

func TestListConfirmedBefore(t *testing.T) {
	s := New()
	ctx := context.Background()
	claims := s.Claims()

	require.NoError(t, s.Credit(ctx, "alice", domain.TrackTimeBased, decimal.NewFromInt(5)))
	_, err := s.Claim(ctx, "alice", domain.TrackTimeBased, "old", 100)
	require.NoError(t, err)
	require.NoError(t, claims.MarkConfirmed(ctx, "old", 1000))

	require.NoError(t, s.Credit(ctx, "alice", domain.TrackTimeBased, decimal.NewFromInt(5)))
	_, err = s.Claim(ctx, "alice", domain.TrackTimeBased, "recent", 100)
	require.NoError(t, err)
	require.NoError(t, claims.MarkConfirmed(ctx, "recent", 5000))

	out, err := claims.ListConfirmedBefore(ctx, time.Unix(2000, 0))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "old", out[0].ID)
}

func TestAuditLog(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Log(ctx, "position_opened", map[string]any{"position_id": "pos-1"}))
	require.NoError(t, s.Log(ctx, "claim_created", map[string]any{"claim_id": "claim-1"}))

	entries, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "claim_created", entries[0].Event, "newest first")

	entries, err = s.List(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "position_opened", entries[0].Event)

	before, err := s.ListBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, before, 2)
}
