package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Settlement is one atomic accrual application: the watermark advance and the
// reward credits it funds must land together or not at all. ExpectedWatermark
// is an optimistic guard; a store that finds a different stored watermark
// rejects the whole settlement with ErrConflict so the caller re-reads and
// recomputes.
type Settlement struct {
	PositionID        string
	Owner             string
	ExpectedWatermark LogicalTime
	NewWatermark      LogicalTime

	// Credits are the continuous-track (time-based, amount-based) deltas.
	Credits []RewardCredit

	// Grants are newly crossed milestone thresholds. The milestone credit is
	// applied only for grants actually inserted, keeping payout at-most-once
	// per (position, threshold) even across processes.
	Grants []MilestoneGrant
}

// Empty reports whether applying the settlement would change any state.
func (s Settlement) Empty() bool {
	if s.NewWatermark != s.ExpectedWatermark || len(s.Grants) > 0 {
		return false
	}
	for _, c := range s.Credits {
		if !c.Amount.IsZero() {
			return false
		}
	}
	return true
}

// PositionStore is the system of record for positions. It also applies
// settlements, since the watermark guard that makes them atomic lives on the
// position row.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListByOwner(ctx context.Context, owner string) ([]Position, error)
	// ListOpen returns positions that have not been withdrawn, oldest first.
	ListOpen(ctx context.Context, opts ListOpts) ([]Position, error)

	// IncreasePrincipal adds amount to the position's principal, guarded by
	// the expected watermark. Returns ErrConflict when the watermark moved,
	// ErrAlreadyWithdrawn for retired positions.
	IncreasePrincipal(ctx context.Context, id string, amount int64, expected LogicalTime) error

	// MarkWithdrawn retires the position. Idempotence guard: a second call
	// returns ErrAlreadyWithdrawn.
	MarkWithdrawn(ctx context.Context, id string, at LogicalTime) error

	// ApplySettlement atomically advances the watermark, applies reward
	// credits, and records milestone grants.
	ApplySettlement(ctx context.Context, s Settlement) error
}

// GrantStore reads milestone grant records.
type GrantStore interface {
	ListByPosition(ctx context.Context, positionID string) ([]MilestoneGrant, error)
}

// RewardStore accumulates claimable reward balances per (owner, track).
type RewardStore interface {
	// Credit adds a non-negative amount to the owner's accrued balance on
	// the given track, creating the balance row lazily.
	Credit(ctx context.Context, owner string, track Track, amount decimal.Decimal) error

	// Balance returns the balance row, or a zero balance when the owner has
	// never accrued on the track.
	Balance(ctx context.Context, owner string, track Track) (RewardBalance, error)
	Balances(ctx context.Context, owner string) ([]RewardBalance, error)

	// Claim atomically moves the full claimable delta to claimed state and
	// records a pending Claim with the given id. When nothing is claimable it
	// returns a zero-amount Claim and records nothing; that is success, not
	// an error.
	Claim(ctx context.Context, owner string, track Track, claimID string, at LogicalTime) (Claim, error)
}

// ClaimStore tracks the settlement lifecycle of claims. Claims are created by
// RewardStore.Claim; this interface only reads and resolves them.
type ClaimStore interface {
	GetByID(ctx context.Context, id string) (Claim, error)
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Claim, error)

	// ListUnsettled returns pending claims plus failed claims still under the
	// attempt ceiling, oldest first.
	ListUnsettled(ctx context.Context, maxAttempts int) ([]Claim, error)

	MarkConfirmed(ctx context.Context, id string, at LogicalTime) error
	// MarkFailed keeps the claim owed: it bumps the attempt counter and
	// records the reason, it never releases the amount back to claimable.
	MarkFailed(ctx context.Context, id string, reason string, at LogicalTime) error

	// ListConfirmedBefore returns confirmed claims resolved before the cutoff,
	// for cold-storage archival.
	ListConfirmedBefore(ctx context.Context, before time.Time) ([]Claim, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	// ListBefore returns entries created strictly before the cutoff, for
	// archival.
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
