package ledger

import (
	"sort"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// PendingGrants returns the milestone grants newly earned by pos as of now,
// in ascending threshold order so grants are always discovered chronologically
// for audit replay. Thresholds already present in granted are skipped; that
// existence check, backed by the durable grant record, is what makes repeated
// or concurrent accrual passes pay each threshold at most once.
//
// A withdrawn position earns nothing: early exit forfeits every threshold not
// reached before the withdrawal.
func PendingGrants(pos domain.Position, pol domain.Policy, granted map[int64]bool, now domain.LogicalTime) []domain.MilestoneGrant {
	if pos.Withdrawn {
		return nil
	}

	milestones := make([]domain.MilestonePolicy, len(pol.Milestones))
	copy(milestones, pol.Milestones)
	sort.Slice(milestones, func(i, j int) bool {
		return milestones[i].Threshold < milestones[j].Threshold
	})

	held := pos.HeldFor(now)

	var grants []domain.MilestoneGrant
	for _, m := range milestones {
		if granted[m.Threshold] {
			continue
		}
		if held < domain.LogicalTime(m.Threshold) {
			break // ascending order: later thresholds cannot be reached either
		}
		grants = append(grants, domain.MilestoneGrant{
			PositionID: pos.ID,
			Threshold:  m.Threshold,
			Amount:     m.Bonus,
			GrantedAt:  now,
		})
	}
	return grants
}

// grantSet indexes existing grants by threshold.
func grantSet(grants []domain.MilestoneGrant) map[int64]bool {
	set := make(map[int64]bool, len(grants))
	for _, g := range grants {
		set[g.Threshold] = true
	}
	return set
}
