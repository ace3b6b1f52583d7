package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// pollPageSize is how many open positions one sweep page loads.
const pollPageSize = 500

// AccrualPollerConfig tunes the periodic settlement sweep.
type AccrualPollerConfig struct {
	Interval    time.Duration
	Concurrency int
	// LockTTL bounds how long a per-position lock can outlive a crashed
	// replica mid-settlement.
	LockTTL time.Duration
}

// AccrualPoller periodically settles every open position so milestone grants
// land near their thresholds and balances stay current without waiting for
// owner-triggered operations. Replicas coordinate through per-position
// distributed locks: a held lock means another replica is already settling
// that position, and the poller moves on.
type AccrualPoller struct {
	positions domain.PositionStore
	service   *PositionService
	locks     domain.LockManager // optional; nil disables cross-replica exclusion
	cfg       AccrualPollerConfig
	logger    *slog.Logger
}

// NewAccrualPoller creates an AccrualPoller. locks may be nil in
// single-replica deployments.
func NewAccrualPoller(
	positions domain.PositionStore,
	service *PositionService,
	locks domain.LockManager,
	cfg AccrualPollerConfig,
	logger *slog.Logger,
) *AccrualPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &AccrualPoller{
		positions: positions,
		service:   service,
		locks:     locks,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "accrual_poller")),
	}
}

// Run sweeps until the context is cancelled.
func (p *AccrualPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "accrual poller started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("concurrency", p.cfg.Concurrency),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "accrual poller stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "accrual sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Sweep settles every open position once, pages at a time.
func (p *AccrualPoller) Sweep(ctx context.Context) error {
	for offset := 0; ; offset += pollPageSize {
		page, err := p.positions.ListOpen(ctx, domain.ListOpts{
			Limit:  pollPageSize,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Concurrency)
		for _, pos := range page {
			pos := pos
			g.Go(func() error {
				p.settleOne(gctx, pos.ID)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if len(page) < pollPageSize {
			return nil
		}
	}
}

func (p *AccrualPoller) settleOne(ctx context.Context, id string) {
	if p.locks != nil {
		unlock, err := p.locks.Acquire(ctx, "accrual:"+id, p.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return // another replica has it
		}
		if err != nil {
			p.logger.WarnContext(ctx, "accrual lock failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
		defer unlock()
	}

	if _, err := p.service.Settle(ctx, id); err != nil {
		// The position may have been withdrawn between the listing and the
		// settle call; that is not a sweep failure.
		if errors.Is(err, domain.ErrNotFound) {
			return
		}
		p.logger.WarnContext(ctx, "position settle failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}
}
