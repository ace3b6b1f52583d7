package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// ClaimStore implements domain.ClaimStore using PostgreSQL.
type ClaimStore struct {
	pool *pgxpool.Pool
}

// NewClaimStore creates a new ClaimStore backed by the given connection pool.
func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

const claimSelectCols = `id, owner_id, track, amount, state, attempts,
	last_attempt_at, last_error, claimed_at, resolved_at`

func scanClaimRow(row pgx.Row) (domain.Claim, error) {
	var c domain.Claim
	var track, state string
	var resolvedAt *int64

	err := row.Scan(
		&c.ID, &c.Owner, &track, &c.Amount, &state,
		&c.Attempts, &c.LastAttemptAt, &c.LastError, &c.ClaimedAt, &resolvedAt,
	)
	if err != nil {
		return domain.Claim{}, err
	}
	c.Track = domain.Track(track)
	c.State = domain.ClaimState(state)
	if resolvedAt != nil {
		at := domain.LogicalTime(*resolvedAt)
		c.ResolvedAt = &at
	}
	return c, nil
}

func scanClaimRows(rows pgx.Rows) ([]domain.Claim, error) {
	var claims []domain.Claim
	for rows.Next() {
		c, err := scanClaimRow(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// GetByID retrieves a single claim.
func (s *ClaimStore) GetByID(ctx context.Context, id string) (domain.Claim, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+claimSelectCols+` FROM reward_claims WHERE id = $1`, id)

	c, err := scanClaimRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Claim{}, domain.ErrNotFound
		}
		return domain.Claim{}, fmt.Errorf("postgres: get claim %s: %w", id, err)
	}
	return c, nil
}

// ListByOwner returns the owner's claims, newest first, with pagination.
func (s *ClaimStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Claim, error) {
	query := `SELECT ` + claimSelectCols + ` FROM reward_claims
		WHERE owner_id = $1
		ORDER BY created_at DESC`
	args := []any{owner}
	argIdx := 2

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
		return nil, fmt.Errorf("postgres: list claims for %s: %w", owner, err)
	}
	defer rows.Close()

	claims, err := scanClaimRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan claims for %s: %w", owner, err)
	}
	return claims, nil
}

// ListUnsettled returns pending claims plus failed claims still under the
// attempt ceiling, oldest first. maxAttempts <= 0 means unlimited retries.
func (s *ClaimStore) ListUnsettled(ctx context.Context, maxAttempts int) ([]domain.Claim, error) {
	const query = `
		SELECT ` + claimSelectCols + ` FROM reward_claims
		WHERE state = 'pending'
		   OR (state = 'failed' AND ($1 <= 0 OR attempts < $1))
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unsettled claims: %w", err)
	}
	defer rows.Close()

	claims, err := scanClaimRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan unsettled claims: %w", err)
	}
	return claims, nil
}

// MarkConfirmed records a successful transfer for the claim.
func (s *ClaimStore) MarkConfirmed(ctx context.Context, id string, at domain.LogicalTime) error {
	const query = `
		UPDATE reward_claims SET
			state       = 'confirmed',
			resolved_at = $2
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, int64(at))
	if err != nil {
		return fmt.Errorf("postgres: confirm claim %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFailed records a failed transfer attempt. The claimed amount stays out
// of the claimable balance: the claim remains owed and retryable, never
// double-paid.
func (s *ClaimStore) MarkFailed(ctx context.Context, id string, reason string, at domain.LogicalTime) error {
	const query = `
		UPDATE reward_claims SET
			state           = 'failed',
			attempts        = attempts + 1,
			last_attempt_at = $3,
			last_error      = $2
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, reason, int64(at))
	if err != nil {
		return fmt.Errorf("postgres: fail claim %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListConfirmedBefore returns confirmed claims created before the cutoff, for
// cold-storage archival.
func (s *ClaimStore) ListConfirmedBefore(ctx context.Context, before time.Time) ([]domain.Claim, error) {
	const query = `
		SELECT ` + claimSelectCols + ` FROM reward_claims
		WHERE state = 'confirmed' AND created_at < $1
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list confirmed claims: %w", err)
	}
	defer rows.Close()

	claims, err := scanClaimRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan confirmed claims: %w", err)
	}
	return claims, nil
}
