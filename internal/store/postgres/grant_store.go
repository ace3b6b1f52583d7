package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// GrantStore implements domain.GrantStore using PostgreSQL. Grant rows are
// written by PositionStore.ApplySettlement; this store only reads them.
type GrantStore struct {
	pool *pgxpool.Pool
}

// NewGrantStore creates a new GrantStore backed by the given connection pool.
func NewGrantStore(pool *pgxpool.Pool) *GrantStore {
	return &GrantStore{pool: pool}
}

// ListByPosition returns the paid milestone grants for a position, ascending
// by threshold.
func (s *GrantStore) ListByPosition(ctx context.Context, positionID string) ([]domain.MilestoneGrant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position_id, threshold_seconds, amount, granted_at
		 FROM milestone_grants
		 WHERE position_id = $1
		 ORDER BY threshold_seconds ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list grants %s: %w", positionID, err)
	}
	defer rows.Close()

	var grants []domain.MilestoneGrant
	for rows.Next() {
		var g domain.MilestoneGrant
		if err := rows.Scan(&g.PositionID, &g.Threshold, &g.Amount, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
