package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, owner_id, principal, deposit_time,
	lockup_duration, last_accrual_time, withdrawn, withdrawn_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var withdrawnAt *int64

	err := row.Scan(
		&p.ID, &p.Owner, &p.Principal, &p.DepositTime,
		&p.LockupDuration, &p.LastAccrualTime,
		&p.Withdrawn, &withdrawnAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if withdrawnAt != nil {
		at := domain.LogicalTime(*withdrawnAt)
		p.WithdrawnAt = &at
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, owner_id, principal, deposit_time,
			lockup_duration, last_accrual_time, withdrawn, withdrawn_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Owner, p.Principal, int64(p.DepositTime),
		p.LockupDuration, int64(p.LastAccrualTime),
		p.Withdrawn, logicalTimePtr(p.WithdrawnAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListByOwner returns all positions held by the given owner, oldest first.
func (s *PositionStore) ListByOwner(ctx context.Context, owner string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE owner_id = $1
		 ORDER BY deposit_time ASC, id ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", owner, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for %s: %w", owner, err)
	}
	return positions, nil
}

// ListOpen returns positions that have not been withdrawn, oldest first, with
// pagination. The accrual poller walks this set.
func (s *PositionStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE NOT withdrawn
		ORDER BY deposit_time ASC, id ASC`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// IncreasePrincipal adds amount to the position's principal, guarded by the
// expected accrual watermark. A guard miss means the caller raced a
// settlement and must re-read; the distinguishing second query tells
// ErrNotFound, ErrAlreadyWithdrawn, and ErrConflict apart.
func (s *PositionStore) IncreasePrincipal(ctx context.Context, id string, amount int64, expected domain.LogicalTime) error {
	const query = `
		UPDATE positions SET
			principal  = principal + $2,
			updated_at = NOW()
		WHERE id = $1 AND NOT withdrawn AND last_accrual_time = $3`

	tag, err := s.pool.Exec(ctx, query, id, amount, int64(expected))
	if err != nil {
		return fmt.Errorf("postgres: increase principal %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.guardMiss(ctx, id)
	}
	return nil
}

// MarkWithdrawn retires the position. A second call finds the row already
// withdrawn and reports ErrAlreadyWithdrawn.
func (s *PositionStore) MarkWithdrawn(ctx context.Context, id string, at domain.LogicalTime) error {
	const query = `
		UPDATE positions SET
			withdrawn    = TRUE,
			withdrawn_at = $2,
			updated_at   = NOW()
		WHERE id = $1 AND NOT withdrawn`

	tag, err := s.pool.Exec(ctx, query, id, int64(at))
	if err != nil {
		return fmt.Errorf("postgres: mark withdrawn %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.guardMiss(ctx, id)
	}
	return nil
}

// ApplySettlement advances the accrual watermark and applies the reward
// credits and milestone grants it funds in one transaction. The watermark
// UPDATE is the optimistic guard: zero rows affected means another writer
// settled first, and the whole settlement is rejected with ErrConflict.
//
// Milestone bonuses are credited through a CTE that inserts the grant row and
// feeds the credit only from rows the INSERT actually created, so a threshold
// is paid at most once even when two processes race past the watermark guard
// with the same expected value.
func (s *PositionStore) ApplySettlement(ctx context.Context, st domain.Settlement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin settlement %s: %w", st.PositionID, err)
	}
	defer tx.Rollback(ctx)

	const advance = `
		UPDATE positions SET
			last_accrual_time = $3,
			updated_at        = NOW()
		WHERE id = $1 AND last_accrual_time = $2`

	tag, err := tx.Exec(ctx, advance,
		st.PositionID, int64(st.ExpectedWatermark), int64(st.NewWatermark))
	if err != nil {
		return fmt.Errorf("postgres: advance watermark %s: %w", st.PositionID, err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.guardMiss(ctx, st.PositionID); errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return domain.ErrConflict
	}

	const credit = `
		INSERT INTO reward_balances (owner_id, track, accrued, claimed, updated_at)
		VALUES ($1, $2, $3, 0, NOW())
		ON CONFLICT (owner_id, track) DO UPDATE SET
			accrued    = reward_balances.accrued + EXCLUDED.accrued,
			updated_at = NOW()`

	for _, c := range st.Credits {
		if c.Amount.IsZero() {
			continue
		}
		if _, err := tx.Exec(ctx, credit, c.Owner, string(c.Track), c.Amount); err != nil {
			return fmt.Errorf("postgres: credit %s/%s: %w", c.Owner, c.Track, err)
		}
	}

	const grant = `
		WITH inserted AS (
			INSERT INTO milestone_grants (position_id, threshold_seconds, amount, granted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (position_id, threshold_seconds) DO NOTHING
			RETURNING amount
		)
		INSERT INTO reward_balances (owner_id, track, accrued, claimed, updated_at)
		SELECT $5, $6, amount, 0, NOW() FROM inserted
		ON CONFLICT (owner_id, track) DO UPDATE SET
			accrued    = reward_balances.accrued + EXCLUDED.accrued,
			updated_at = NOW()`

	for _, g := range st.Grants {
		_, err := tx.Exec(ctx, grant,
			g.PositionID, g.Threshold, g.Amount, int64(g.GrantedAt),
			st.Owner, string(domain.TrackMilestone))
		if err != nil {
			return fmt.Errorf("postgres: grant %s/%d: %w", g.PositionID, g.Threshold, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit settlement %s: %w", st.PositionID, err)
	}
	return nil
}

// guardMiss explains why a guarded UPDATE matched no rows.
func (s *PositionStore) guardMiss(ctx context.Context, id string) error {
	var withdrawn bool
	err := s.pool.QueryRow(ctx,
		`SELECT withdrawn FROM positions WHERE id = $1`, id).Scan(&withdrawn)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: inspect position %s: %w", id, err)
	}
	if withdrawn {
		return domain.ErrAlreadyWithdrawn
	}
	return domain.ErrConflict
}

func logicalTimePtr(t *domain.LogicalTime) *int64 {
	if t == nil {
		return nil
	}
	v := int64(*t)
	return &v
}
