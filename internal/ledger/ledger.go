package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// maxConflictRetries bounds the internal retry loop on store-level write
// conflicts. Each retry re-reads current state, so the operations are
// idempotent with respect to their own watermark checks.
const maxConflictRetries = 5

// Ledger is the authoritative accrual and claim engine. Mutations on one
// position are mutually exclusive via a per-position mutex; credit/claim on
// one (owner, track) balance via a per-key mutex. Distinct positions and
// balances proceed fully in parallel. No lock is ever held across a network
// or settlement call.
type Ledger struct {
	positions domain.PositionStore
	grants    domain.GrantStore
	rewards   domain.RewardStore
	clock     domain.Clock
	policy    domain.Policy

	posLocks   *keyMutex
	ownerLocks *keyMutex
	logger     *slog.Logger
}

// New creates a Ledger over the given stores, clock, and policy.
func New(
	positions domain.PositionStore,
	grants domain.GrantStore,
	rewards domain.RewardStore,
	clock domain.Clock,
	policy domain.Policy,
	logger *slog.Logger,
) *Ledger {
	return &Ledger{
		positions:  positions,
		grants:     grants,
		rewards:    rewards,
		clock:      clock,
		policy:     policy,
		posLocks:   newKeyMutex(256),
		ownerLocks: newKeyMutex(256),
		logger:     logger.With(slog.String("component", "ledger")),
	}
}

// Policy returns the active reward policy.
func (l *Ledger) Policy() domain.Policy {
	return l.policy
}

// Now returns the current logical time from the ledger's clock.
func (l *Ledger) Now() domain.LogicalTime {
	return l.clock.Now()
}

// Open creates a new position for owner with the given principal (minor
// units) and lockup duration (seconds), validated against the policy.
func (l *Ledger) Open(ctx context.Context, owner string, principal int64, lockupSeconds int64) (domain.Position, error) {
	if owner == "" || principal <= 0 {
		return domain.Position{}, domain.ErrInvalidAmount
	}
	if err := l.policy.ValidateLockup(lockupSeconds); err != nil {
		return domain.Position{}, err
	}

	now := l.clock.Now()
	pos := domain.Position{
		ID:              uuid.New().String(),
		Owner:           owner,
		Principal:       principal,
		DepositTime:     now,
		LockupDuration:  lockupSeconds,
		LastAccrualTime: now,
	}
	if err := l.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: create position: %w", err)
	}

	l.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("owner", owner),
		slog.Int64("principal", principal),
		slog.Int64("lockup_seconds", lockupSeconds),
	)
	return pos, nil
}

// Get returns the position by id.
func (l *Ledger) Get(ctx context.Context, id string) (domain.Position, error) {
	return l.positions.GetByID(ctx, id)
}

// ListByOwner returns all positions (open and retired) for an owner.
func (l *Ledger) ListByOwner(ctx context.Context, owner string) ([]domain.Position, error) {
	return l.positions.ListByOwner(ctx, owner)
}

// SettleResult reports what one settlement pass applied.
type SettleResult struct {
	Position domain.Position
	Deltas   AccrualDeltas
	Grants   []domain.MilestoneGrant
}

// Settle brings the position's accrual watermark up to the current time,
// crediting the continuous tracks and granting any newly crossed milestones
// atomically with the watermark advance.
func (l *Ledger) Settle(ctx context.Context, id string) (SettleResult, error) {
	unlock := l.posLocks.Lock(id)
	defer unlock()
	return l.settleLocked(ctx, id)
}

// settleLocked performs the settlement read-modify-write. Callers must hold
// the position lock. Store-level conflicts (another replica advanced the
// watermark) are retried from freshly read state.
func (l *Ledger) settleLocked(ctx context.Context, id string) (SettleResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		pos, err := l.positions.GetByID(ctx, id)
		if err != nil {
			return SettleResult{}, err
		}

		now := l.clock.Now()
		deltas, err := Accrue(pos, l.policy, now)
		if err != nil {
			return SettleResult{}, fmt.Errorf("ledger: accrue %s: %w", id, err)
		}

		existing, err := l.grants.ListByPosition(ctx, id)
		if err != nil {
			return SettleResult{}, fmt.Errorf("ledger: list grants %s: %w", id, err)
		}
		grants := PendingGrants(pos, l.policy, grantSet(existing), now)

		settlement := domain.Settlement{
			PositionID:        id,
			Owner:             pos.Owner,
			ExpectedWatermark: pos.LastAccrualTime,
			NewWatermark:      now,
			Grants:            grants,
		}
		if !deltas.TimeBased.IsZero() {
			settlement.Credits = append(settlement.Credits, domain.RewardCredit{
				Owner: pos.Owner, Track: domain.TrackTimeBased, Amount: deltas.TimeBased,
			})
		}
		if !deltas.AmountBased.IsZero() {
			settlement.Credits = append(settlement.Credits, domain.RewardCredit{
				Owner: pos.Owner, Track: domain.TrackAmountBased, Amount: deltas.AmountBased,
			})
		}

		if settlement.Empty() {
			pos.LastAccrualTime = now
			return SettleResult{Position: pos}, nil
		}

		if err := l.positions.ApplySettlement(ctx, settlement); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				lastErr = err
				continue
			}
			return SettleResult{}, fmt.Errorf("ledger: apply settlement %s: %w", id, err)
		}

		pos.LastAccrualTime = now
		return SettleResult{Position: pos, Deltas: deltas, Grants: grants}, nil
	}
	return SettleResult{}, fmt.Errorf("ledger: settle %s: %w", id, lastErr)
}

// Increase adds principal to an open position. Accrual is settled up to now
// first, so the added principal never retroactively inflates past time-based
// or amount-based accrual.
func (l *Ledger) Increase(ctx context.Context, id string, amount int64) (domain.Position, error) {
	if amount <= 0 {
		return domain.Position{}, domain.ErrInvalidAmount
	}

	unlock := l.posLocks.Lock(id)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		res, err := l.settleLocked(ctx, id)
		if err != nil {
			return domain.Position{}, err
		}

		err = l.positions.IncreasePrincipal(ctx, id, amount, res.Position.LastAccrualTime)
		if errors.Is(err, domain.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return domain.Position{}, fmt.Errorf("ledger: increase %s: %w", id, err)
		}

		res.Position.Principal += amount
		l.logger.InfoContext(ctx, "principal increased",
			slog.String("position_id", id),
			slog.Int64("amount", amount),
			slog.Int64("principal", res.Position.Principal),
		)
		return res.Position, nil
	}
	return domain.Position{}, fmt.Errorf("ledger: increase %s: %w", id, lastErr)
}

// WithdrawReceipt reports the outcome of a withdrawal.
type WithdrawReceipt struct {
	Position domain.Position
	Returned int64
	Penalty  int64
	Early    bool
}

// Withdraw retires the position and returns the principal owed to the owner.
// Accrual is settled up to now first so no reward window is lost; early exit
// applies the configured penalty and forfeits milestone thresholds not yet
// reached.
func (l *Ledger) Withdraw(ctx context.Context, id string) (WithdrawReceipt, error) {
	unlock := l.posLocks.Lock(id)
	defer unlock()

	res, err := l.settleLocked(ctx, id)
	if err != nil {
		return WithdrawReceipt{}, err
	}
	pos := res.Position

	now := l.clock.Now()
	decision, err := DecideWithdraw(pos, l.policy, now)
	if err != nil {
		return WithdrawReceipt{}, err
	}

	if err := l.positions.MarkWithdrawn(ctx, id, now); err != nil {
		return WithdrawReceipt{}, err
	}

	pos.Withdrawn = true
	pos.WithdrawnAt = &now

	l.logger.InfoContext(ctx, "position withdrawn",
		slog.String("position_id", id),
		slog.Int64("returned", decision.Returned),
		slog.Int64("penalty", decision.Penalty),
		slog.Bool("early", decision.Early),
	)
	return WithdrawReceipt{
		Position: pos,
		Returned: decision.Returned,
		Penalty:  decision.Penalty,
		Early:    decision.Early,
	}, nil
}

// Claim moves the owner's full claimable amount on a track into claimed state
// and returns the resulting pending claim. A zero-amount claim is success:
// claiming is always safe to call speculatively.
func (l *Ledger) Claim(ctx context.Context, owner string, track domain.Track) (domain.Claim, error) {
	if !track.Valid() {
		return domain.Claim{}, domain.ErrInvalidTrack
	}

	unlock := l.ownerLocks.Lock(owner + "/" + string(track))
	defer unlock()

	claim, err := l.rewards.Claim(ctx, owner, track, uuid.New().String(), l.clock.Now())
	if err != nil {
		return domain.Claim{}, fmt.Errorf("ledger: claim %s/%s: %w", owner, track, err)
	}

	if !claim.Amount.IsZero() {
		l.logger.InfoContext(ctx, "rewards claimed",
			slog.String("claim_id", claim.ID),
			slog.String("owner", owner),
			slog.String("track", string(track)),
			slog.String("amount", claim.Amount.String()),
		)
	}
	return claim, nil
}

// CreditUtility is the narrow entry point for the external utility-score
// collaborator. The ledger performs no utility computation, only bookkeeping.
func (l *Ledger) CreditUtility(ctx context.Context, owner string, amount decimal.Decimal) error {
	if owner == "" || amount.IsNegative() {
		return domain.ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}

	unlock := l.ownerLocks.Lock(owner + "/" + string(domain.TrackUtilityBased))
	defer unlock()

	if err := l.rewards.Credit(ctx, owner, domain.TrackUtilityBased, amount); err != nil {
		return fmt.Errorf("ledger: credit utility %s: %w", owner, err)
	}
	return nil
}

// Balances returns the owner's balances on every track, zero-filled for
// tracks that never accrued.
func (l *Ledger) Balances(ctx context.Context, owner string) ([]domain.RewardBalance, error) {
	stored, err := l.rewards.Balances(ctx, owner)
	if err != nil {
		return nil, err
	}

	byTrack := make(map[domain.Track]domain.RewardBalance, len(stored))
	for _, b := range stored {
		byTrack[b.Track] = b
	}

	out := make([]domain.RewardBalance, 0, len(domain.Tracks))
	for _, t := range domain.Tracks {
		b, ok := byTrack[t]
		if !ok {
			b = domain.RewardBalance{
				Owner: owner, Track: t,
				Accrued: decimal.Zero, Claimed: decimal.Zero,
			}
		}
		out = append(out, b)
	}
	return out, nil
}

// MilestoneStatus is the dashboard view of one milestone threshold for a
// position.
type MilestoneStatus struct {
	Threshold int64           `json:"threshold"`
	Bonus     decimal.Decimal `json:"bonus"`
	Reached   bool            `json:"reached"`
	Granted   bool            `json:"granted"`
}

// PositionStats is the derived read model behind the dashboard's Stats tab.
type PositionStats struct {
	Position       domain.Position   `json:"position"`
	State          domain.LockState  `json:"state"`
	LockupProgress float64           `json:"lockup_progress"`
	Milestones     []MilestoneStatus `json:"milestones"`
	// Unsettled previews continuous-track rewards earned since the watermark
	// but not yet credited by a settlement pass.
	UnsettledTimeBased   decimal.Decimal `json:"unsettled_time_based"`
	UnsettledAmountBased decimal.Decimal `json:"unsettled_amount_based"`
}

// Stats computes the derived stats for a position without mutating anything.
func (l *Ledger) Stats(ctx context.Context, id string) (PositionStats, error) {
	pos, err := l.positions.GetByID(ctx, id)
	if err != nil {
		return PositionStats{}, err
	}

	now := l.clock.Now()
	deltas, err := Accrue(pos, l.policy, now)
	if err != nil {
		return PositionStats{}, fmt.Errorf("ledger: stats %s: %w", id, err)
	}

	existing, err := l.grants.ListByPosition(ctx, id)
	if err != nil {
		return PositionStats{}, fmt.Errorf("ledger: stats %s: %w", id, err)
	}
	granted := grantSet(existing)

	held := pos.HeldFor(now)
	milestones := make([]MilestoneStatus, 0, len(l.policy.Milestones))
	for _, m := range l.policy.Milestones {
		milestones = append(milestones, MilestoneStatus{
			Threshold: m.Threshold,
			Bonus:     m.Bonus,
			Reached:   held >= domain.LogicalTime(m.Threshold),
			Granted:   granted[m.Threshold],
		})
	}

	return PositionStats{
		Position:             pos,
		State:                pos.State(now),
		LockupProgress:       pos.LockupProgress(now),
		Milestones:           milestones,
		UnsettledTimeBased:   deltas.TimeBased,
		UnsettledAmountBased: deltas.AmountBased,
	}, nil
}
