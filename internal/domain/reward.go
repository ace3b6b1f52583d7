package domain

import "github.com/shopspring/decimal"

// Track identifies one of the four independent reward accrual categories.
// The enumeration is closed; stores reject unknown tracks at the schema level.
type Track string

const (
	TrackTimeBased    Track = "time_based"
	TrackAmountBased  Track = "amount_based"
	TrackMilestone    Track = "milestone"
	TrackUtilityBased Track = "utility_based"
)

// Tracks lists every reward track in a stable order, used for balance
// snapshots and dashboard rendering.
var Tracks = []Track{TrackTimeBased, TrackAmountBased, TrackMilestone, TrackUtilityBased}

// Valid reports whether t is a member of the closed track enumeration.
func (t Track) Valid() bool {
	switch t {
	case TrackTimeBased, TrackAmountBased, TrackMilestone, TrackUtilityBased:
		return true
	}
	return false
}

// RewardBalance is the per-(owner, track) reward entitlement. Accrued only
// grows; Claimed grows by claim operations and never exceeds Accrued.
type RewardBalance struct {
	Owner   string          `json:"owner"`
	Track   Track           `json:"track"`
	Accrued decimal.Decimal `json:"accrued"`
	Claimed decimal.Decimal `json:"claimed"`
}

// Claimable is the amount a claim call would move to claimed state.
func (b RewardBalance) Claimable() decimal.Decimal {
	return b.Accrued.Sub(b.Claimed)
}

// RewardCredit is one credit line applied by a settlement.
type RewardCredit struct {
	Owner  string
	Track  Track
	Amount decimal.Decimal
}

// MilestoneGrant records that a (position, threshold) pair has paid out.
// Created exactly once per threshold crossing, immutable, never deleted while
// the position exists: its presence is what makes milestone payout
// at-most-once under redundant accrual triggers.
type MilestoneGrant struct {
	PositionID string          `json:"position_id"`
	Threshold  int64           `json:"threshold"` // seconds held
	Amount     decimal.Decimal `json:"amount"`
	GrantedAt  LogicalTime     `json:"granted_at"`
}

// ClaimState is the settlement lifecycle of a claim. A claim is final only
// once the external transfer collaborator confirms; failed claims stay owed
// and are retried, never re-claimable and never double-paid.
type ClaimState string

const (
	ClaimStatePending   ClaimState = "pending"
	ClaimStateConfirmed ClaimState = "confirmed"
	ClaimStateFailed    ClaimState = "failed"
)

// Claim is a durable record of claimed-but-not-necessarily-settled rewards.
type Claim struct {
	ID       string          `json:"id"`
	Owner    string          `json:"owner"`
	Track    Track           `json:"track"`
	Amount   decimal.Decimal `json:"amount"`
	State    ClaimState      `json:"state"`
	Attempts int             `json:"attempts"`
	// LastAttemptAt is when the most recent transfer attempt failed; the
	// settlement worker schedules the retry backoff from it.
	LastAttemptAt LogicalTime  `json:"last_attempt_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	ClaimedAt     LogicalTime  `json:"claimed_at"`
	ResolvedAt    *LogicalTime `json:"resolved_at,omitempty"`
}
