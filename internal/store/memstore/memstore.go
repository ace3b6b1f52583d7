// Package memstore implements the domain store interfaces in memory. It backs
// the "memory" storage driver for local development and gives the ledger
// tests a fast, dependency-free store with the same atomicity guarantees as
// the PostgreSQL implementation.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// Store holds every table behind one mutex. Settlement application and claim
// are single critical sections, matching the transactional behavior of the
// PostgreSQL store.
type Store struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	balances  map[balanceKey]domain.RewardBalance
	grants    map[grantKey]domain.MilestoneGrant
	claims    map[string]domain.Claim
	audit     []domain.AuditEntry
	auditSeq  int64

	// createdOrder preserves insertion order for deterministic listings.
	createdOrder []string
	claimOrder   []string
}

type balanceKey struct {
	owner string
	track domain.Track
}

type grantKey struct {
	positionID string
	threshold  int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		positions: make(map[string]domain.Position),
		balances:  make(map[balanceKey]domain.RewardBalance),
		grants:    make(map[grantKey]domain.MilestoneGrant),
		claims:    make(map[string]domain.Claim),
	}
}

// ---------------------------------------------------------------------------
// domain.PositionStore
// ---------------------------------------------------------------------------

func (s *Store) Create(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[pos.ID]; ok {
		return domain.ErrConflict
	}
	s.positions[pos.ID] = pos
	s.createdOrder = append(s.createdOrder, pos.ID)
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Position
	for _, id := range s.createdOrder {
		if pos := s.positions[id]; pos.Owner == owner {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (s *Store) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Position
	for _, id := range s.createdOrder {
		if pos := s.positions[id]; !pos.Withdrawn {
			out = append(out, pos)
		}
	}
	out = paginate(out, opts)
	return out, nil
}

func (s *Store) IncreasePrincipal(ctx context.Context, id string, amount int64, expected domain.LogicalTime) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if pos.Withdrawn {
		return domain.ErrAlreadyWithdrawn
	}
	if pos.LastAccrualTime != expected {
		return domain.ErrConflict
	}
	pos.Principal += amount
	s.positions[id] = pos
	return nil
}

func (s *Store) MarkWithdrawn(ctx context.Context, id string, at domain.LogicalTime) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if pos.Withdrawn {
		return domain.ErrAlreadyWithdrawn
	}
	pos.Withdrawn = true
	pos.WithdrawnAt = &at
	s.positions[id] = pos
	return nil
}

func (s *Store) ApplySettlement(ctx context.Context, st domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[st.PositionID]
	if !ok {
		return domain.ErrNotFound
	}
	if pos.LastAccrualTime != st.ExpectedWatermark {
		return domain.ErrConflict
	}

	pos.LastAccrualTime = st.NewWatermark
	s.positions[st.PositionID] = pos

	for _, c := range st.Credits {
		s.creditLocked(c.Owner, c.Track, c.Amount)
	}
	for _, g := range st.Grants {
		key := grantKey{positionID: g.PositionID, threshold: g.Threshold}
		if _, exists := s.grants[key]; exists {
			continue // already paid; the credit must not apply twice
		}
		s.grants[key] = g
		s.creditLocked(pos.Owner, domain.TrackMilestone, g.Amount)
	}
	return nil
}

// ---------------------------------------------------------------------------
// domain.GrantStore
// ---------------------------------------------------------------------------

func (s *Store) ListByPosition(ctx context.Context, positionID string) ([]domain.MilestoneGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.MilestoneGrant
	for key, g := range s.grants {
		if key.positionID == positionID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Threshold < out[j].Threshold })
	return out, nil
}

// ---------------------------------------------------------------------------
// domain.RewardStore
// ---------------------------------------------------------------------------

func (s *Store) Credit(ctx context.Context, owner string, track domain.Track, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return domain.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creditLocked(owner, track, amount)
	return nil
}

func (s *Store) creditLocked(owner string, track domain.Track, amount decimal.Decimal) {
	key := balanceKey{owner: owner, track: track}
	b, ok := s.balances[key]
	if !ok {
		b = domain.RewardBalance{
			Owner: owner, Track: track,
			Accrued: decimal.Zero, Claimed: decimal.Zero,
		}
	}
	b.Accrued = b.Accrued.Add(amount)
	s.balances[key] = b
}

func (s *Store) Balance(ctx context.Context, owner string, track domain.Track) (domain.RewardBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[balanceKey{owner: owner, track: track}]
	if !ok {
		return domain.RewardBalance{
			Owner: owner, Track: track,
			Accrued: decimal.Zero, Claimed: decimal.Zero,
		}, nil
	}
	return b, nil
}

func (s *Store) Balances(ctx context.Context, owner string) ([]domain.RewardBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.RewardBalance
	for _, t := range domain.Tracks {
		if b, ok := s.balances[balanceKey{owner: owner, track: t}]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Store) Claim(ctx context.Context, owner string, track domain.Track, claimID string, at domain.LogicalTime) (domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{owner: owner, track: track}
	b, ok := s.balances[key]
	claimable := decimal.Zero
	if ok {
		claimable = b.Claimable()
	}
	if claimable.IsZero() || claimable.IsNegative() {
		return domain.Claim{Owner: owner, Track: track, Amount: decimal.Zero}, nil
	}

	b.Claimed = b.Claimed.Add(claimable)
	s.balances[key] = b

	claim := domain.Claim{
		ID:        claimID,
		Owner:     owner,
		Track:     track,
		Amount:    claimable,
		State:     domain.ClaimStatePending,
		ClaimedAt: at,
	}
	s.claims[claimID] = claim
	s.claimOrder = append(s.claimOrder, claimID)
	return claim, nil
}

// ---------------------------------------------------------------------------
// domain.ClaimStore
// ---------------------------------------------------------------------------

func (s *Store) ClaimByID(ctx context.Context, id string) (domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[id]
	if !ok {
		return domain.Claim{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListClaimsByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Claim
	for _, id := range s.claimOrder {
		if c := s.claims[id]; c.Owner == owner {
			out = append(out, c)
		}
	}
	out = paginate(out, opts)
	return out, nil
}

func (s *Store) ListUnsettled(ctx context.Context, maxAttempts int) ([]domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Claim
	for _, id := range s.claimOrder {
		c := s.claims[id]
		switch c.State {
		case domain.ClaimStatePending:
			out = append(out, c)
		case domain.ClaimStateFailed:
			if maxAttempts <= 0 || c.Attempts < maxAttempts {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (s *Store) MarkConfirmed(ctx context.Context, id string, at domain.LogicalTime) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.State = domain.ClaimStateConfirmed
	c.ResolvedAt = &at
	s.claims[id] = c
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, reason string, at domain.LogicalTime) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.State = domain.ClaimStateFailed
	c.Attempts++
	c.LastAttemptAt = at
	c.LastError = reason
	s.claims[id] = c
	return nil
}

func (s *Store) ListConfirmedBefore(ctx context.Context, before time.Time) ([]domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := domain.LogicalTime(before.Unix())
	var out []domain.Claim
	for _, id := range s.claimOrder {
		c := s.claims[id]
		if c.State == domain.ClaimStateConfirmed && c.ResolvedAt != nil && *c.ResolvedAt < cutoff {
			out = append(out, c)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// domain.AuditStore
// ---------------------------------------------------------------------------

func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditSeq++
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        s.auditSeq,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Store) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AuditEntry, len(s.audit))
	copy(out, s.audit)
	// Newest first, matching the SQL store.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	out = paginate(out, opts)
	return out, nil
}

func (s *Store) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AuditEntry
	for _, e := range s.audit {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func paginate[T any](in []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(in) {
			return nil
		}
		in = in[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(in) {
		in = in[:opts.Limit]
	}
	return in
}

// claimStoreAdapter exposes the Store's claim methods under the names used by
// domain.ClaimStore without colliding with RewardStore.Claim.
type claimStoreAdapter struct{ s *Store }

// Claims returns the Store viewed as a domain.ClaimStore.
func (s *Store) Claims() domain.ClaimStore {
	return claimStoreAdapter{s: s}
}

func (a claimStoreAdapter) GetByID(ctx context.Context, id string) (domain.Claim, error) {
	return a.s.ClaimByID(ctx, id)
}

func (a claimStoreAdapter) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Claim, error) {
	return a.s.ListClaimsByOwner(ctx, owner, opts)
}

func (a claimStoreAdapter) ListUnsettled(ctx context.Context, maxAttempts int) ([]domain.Claim, error) {
	return a.s.ListUnsettled(ctx, maxAttempts)
}

func (a claimStoreAdapter) MarkConfirmed(ctx context.Context, id string, at domain.LogicalTime) error {
	return a.s.MarkConfirmed(ctx, id, at)
}

func (a claimStoreAdapter) MarkFailed(ctx context.Context, id string, reason string, at domain.LogicalTime) error {
	return a.s.MarkFailed(ctx, id, reason, at)
}

func (a claimStoreAdapter) ListConfirmedBefore(ctx context.Context, before time.Time) ([]domain.Claim, error) {
	return a.s.ListConfirmedBefore(ctx, before)
}

// Compile-time interface checks.
var (
	_ domain.PositionStore = (*Store)(nil)
	_ domain.GrantStore    = (*Store)(nil)
	_ domain.RewardStore   = (*Store)(nil)
	_ domain.AuditStore    = (*Store)(nil)
	_ domain.ClaimStore    = claimStoreAdapter{}
)
