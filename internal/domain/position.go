package domain

// LockState is the lifecycle state of a position's lockup. Active and Matured
// are derived from the clock rather than stored, so reads never race a state
// transition write; Withdrawn is the only persisted terminal state.
type LockState string

const (
	LockStateActive    LockState = "active"
	LockStateMatured   LockState = "matured"
	LockStateWithdrawn LockState = "withdrawn"
)

// Position represents one liquidity deposit under a lockup commitment.
// Principal is held in integer minor units of the underlying asset; it is
// mutated only by deposit-increase and withdrawal, never by accrual.
type Position struct {
	ID             string       `json:"id"`
	Owner          string       `json:"owner"`
	Principal      int64        `json:"principal"`
	DepositTime    LogicalTime  `json:"deposit_time"`
	LockupDuration int64        `json:"lockup_duration"` // seconds, immutable
	// LastAccrualTime is the watermark up to which continuous rewards have
	// been computed and credited. Monotone non-decreasing, never ahead of the
	// injected clock.
	LastAccrualTime LogicalTime  `json:"last_accrual_time"`
	Withdrawn       bool         `json:"withdrawn"`
	WithdrawnAt     *LogicalTime `json:"withdrawn_at,omitempty"`
}

// MaturityTime is the logical time at which the lockup window elapses.
func (p Position) MaturityTime() LogicalTime {
	return p.DepositTime + LogicalTime(p.LockupDuration)
}

// State derives the lockup state at the given time.
func (p Position) State(now LogicalTime) LockState {
	if p.Withdrawn {
		return LockStateWithdrawn
	}
	if now >= p.MaturityTime() {
		return LockStateMatured
	}
	return LockStateActive
}

// HeldFor returns how long the position has been held at the given time.
func (p Position) HeldFor(now LogicalTime) LogicalTime {
	if now < p.DepositTime {
		return 0
	}
	return now - p.DepositTime
}

// LockupProgress returns elapsed/lockup_duration clamped to [0, 1]. Display
// only; all accrual math goes through exact decimal arithmetic.
func (p Position) LockupProgress(now LogicalTime) float64 {
	if p.LockupDuration <= 0 {
		return 1
	}
	progress := float64(p.HeldFor(now)) / float64(p.LockupDuration)
	if progress < 0 {
		return 0
	}
	if progress > 1 {
		return 1
	}
	return progress
}
