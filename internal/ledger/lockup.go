package ledger

import "github.com/alanyoungcy/lpledger/internal/domain"

// WithdrawDecision is the outcome of evaluating a withdrawal request against
// the lockup state machine.
type WithdrawDecision struct {
	// Returned is the principal handed back to the owner, in minor units.
	Returned int64
	// Penalty is the principal forfeited to the penalty pool on early exit.
	Penalty int64
	// Early reports whether the withdrawal happened before maturity.
	Early bool
}

// DecideWithdraw evaluates whether pos may be withdrawn at now and what the
// owner gets back.
//
//	Matured -> Withdrawn: always permitted, no penalty.
//	Active  -> Withdrawn: only when policy allows early exit; the configured
//	                      fraction of principal is forfeited.
func DecideWithdraw(pos domain.Position, pol domain.Policy, now domain.LogicalTime) (WithdrawDecision, error) {
	switch pos.State(now) {
	case domain.LockStateWithdrawn:
		return WithdrawDecision{}, domain.ErrAlreadyWithdrawn
	case domain.LockStateMatured:
		return WithdrawDecision{Returned: pos.Principal}, nil
	}

	// Active.
	if !pol.AllowEarlyExit {
		return WithdrawDecision{}, domain.ErrLockupActive
	}
	penalty := pol.EarlyExitPenalty(pos.Principal)
	return WithdrawDecision{
		Returned: pos.Principal - penalty,
		Penalty:  penalty,
		Early:    true,
	}, nil
}
