package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// RewardStore implements domain.RewardStore using PostgreSQL.
type RewardStore struct {
	pool *pgxpool.Pool
}

// NewRewardStore creates a new RewardStore backed by the given connection pool.
func NewRewardStore(pool *pgxpool.Pool) *RewardStore {
	return &RewardStore{pool: pool}
}

// Credit adds amount to the owner's accrued balance on the given track,
// creating the balance row lazily.
func (s *RewardStore) Credit(ctx context.Context, owner string, track domain.Track, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return domain.ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}

	const query = `
		INSERT INTO reward_balances (owner_id, track, accrued, claimed, updated_at)
		VALUES ($1, $2, $3, 0, NOW())
		ON CONFLICT (owner_id, track) DO UPDATE SET
			accrued    = reward_balances.accrued + EXCLUDED.accrued,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, owner, string(track), amount); err != nil {
		return fmt.Errorf("postgres: credit %s/%s: %w", owner, track, err)
	}
	return nil
}

// Balance returns the balance row, or a zero balance when the owner has never
// accrued on the track.
func (s *RewardStore) Balance(ctx context.Context, owner string, track domain.Track) (domain.RewardBalance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT owner_id, track, accrued, claimed
		 FROM reward_balances WHERE owner_id = $1 AND track = $2`,
		owner, string(track))

	b, err := scanBalanceRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RewardBalance{
			Owner: owner, Track: track,
			Accrued: decimal.Zero, Claimed: decimal.Zero,
		}, nil
	}
	if err != nil {
		return domain.RewardBalance{}, fmt.Errorf("postgres: get balance %s/%s: %w", owner, track, err)
	}
	return b, nil
}

// Balances returns every balance row for the owner.
func (s *RewardStore) Balances(ctx context.Context, owner string) ([]domain.RewardBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner_id, track, accrued, claimed
		 FROM reward_balances WHERE owner_id = $1
		 ORDER BY track ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("postgres: list balances %s: %w", owner, err)
	}
	defer rows.Close()

	var balances []domain.RewardBalance
	for rows.Next() {
		b, err := scanBalanceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// Claim atomically moves the full claimable delta (accrued - claimed) into
// claimed state and records a pending claim row for the same amount. The
// balance row is locked for the duration of the transaction, so two
// concurrent claims on the same (owner, track) serialize: the first takes
// the whole delta, the second finds nothing claimable and records nothing.
func (s *RewardStore) Claim(ctx context.Context, owner string, track domain.Track, claimID string, at domain.LogicalTime) (domain.Claim, error) {
	none := domain.Claim{Owner: owner, Track: track, Amount: decimal.Zero}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Claim{}, fmt.Errorf("postgres: begin claim %s/%s: %w", owner, track, err)
	}
	defer tx.Rollback(ctx)

	var accrued, claimed decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT accrued, claimed FROM reward_balances
		 WHERE owner_id = $1 AND track = $2
		 FOR UPDATE`,
		owner, string(track)).Scan(&accrued, &claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return none, nil
	}
	if err != nil {
		return domain.Claim{}, fmt.Errorf("postgres: lock balance %s/%s: %w", owner, track, err)
	}

	amount := accrued.Sub(claimed)
	if amount.IsZero() || amount.IsNegative() {
		return none, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE reward_balances SET claimed = accrued, updated_at = NOW()
		 WHERE owner_id = $1 AND track = $2`,
		owner, string(track)); err != nil {
		return domain.Claim{}, fmt.Errorf("postgres: mark claimed %s/%s: %w", owner, track, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO reward_claims (id, owner_id, track, amount, state, claimed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		claimID, owner, string(track), amount,
		string(domain.ClaimStatePending), int64(at)); err != nil {
		return domain.Claim{}, fmt.Errorf("postgres: insert claim %s: %w", claimID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Claim{}, fmt.Errorf("postgres: commit claim %s: %w", claimID, err)
	}

	return domain.Claim{
		ID:        claimID,
		Owner:     owner,
		Track:     track,
		Amount:    amount,
		State:     domain.ClaimStatePending,
		ClaimedAt: at,
	}, nil
}

func scanBalanceRow(row pgx.Row) (domain.RewardBalance, error) {
	var b domain.RewardBalance
	var track string
	if err := row.Scan(&b.Owner, &track, &b.Accrued, &b.Claimed); err != nil {
		return domain.RewardBalance{}, err
	}
	b.Track = domain.Track(track)
	return b, nil
}
