package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// Notifier is the optional operator-alert hook, satisfied by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// WorkerConfig tunes the settlement sweep.
type WorkerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// MaxAttempts caps transfer retries per claim; 0 means retry forever.
	// A claim over the cap stays failed and owed until an operator intervenes.
	MaxAttempts int
	// RetryBackoff is the delay before the first retry of a failed claim,
	// doubling per attempt up to RetryBackoffCap. 0 retries on every sweep.
	RetryBackoff    time.Duration
	RetryBackoffCap time.Duration
}

// Worker drains unsettled claims: pending claims from new, failed claims for
// retry. Each claim is transferred through the Settler and marked confirmed
// or failed; a failed transfer never releases the amount back to claimable.
type Worker struct {
	claims   domain.ClaimStore
	settler  Settler
	clock    domain.Clock
	bus      domain.SignalBus // optional
	notifier Notifier         // optional
	cfg      WorkerConfig
	logger   *slog.Logger
}

// NewWorker creates a settlement Worker. bus and notifier may be nil.
func NewWorker(
	claims domain.ClaimStore,
	settler Settler,
	clock domain.Clock,
	bus domain.SignalBus,
	notifier Notifier,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.RetryBackoff > 0 && cfg.RetryBackoffCap < cfg.RetryBackoff {
		cfg.RetryBackoffCap = 15 * time.Minute
	}
	return &Worker{
		claims:   claims,
		settler:  settler,
		clock:    clock,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "settlement_worker")),
	}
}

// Run sweeps until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.InfoContext(ctx, "settlement worker started",
		slog.Duration("interval", w.cfg.Interval),
		slog.Int("max_attempts", w.cfg.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "settlement worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "settlement sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Sweep settles every currently unsettled claim once, skipping failed claims
// still waiting out their retry backoff.
func (w *Worker) Sweep(ctx context.Context) error {
	claims, err := w.claims.ListUnsettled(ctx, w.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("settlement: list unsettled: %w", err)
	}

	now := w.clock.Now()
	for _, claim := range claims {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.inBackoff(claim, now) {
			continue
		}
		w.settleOne(ctx, claim)
	}
	return nil
}

// inBackoff reports whether a failed claim's retry delay has not yet elapsed.
// The delay doubles per recorded attempt from RetryBackoff up to
// RetryBackoffCap.
func (w *Worker) inBackoff(claim domain.Claim, now domain.LogicalTime) bool {
	if claim.State != domain.ClaimStateFailed || claim.Attempts == 0 || w.cfg.RetryBackoff <= 0 {
		return false
	}

	delay := w.cfg.RetryBackoff
	for i := 1; i < claim.Attempts && delay < w.cfg.RetryBackoffCap; i++ {
		delay *= 2
	}
	if delay > w.cfg.RetryBackoffCap {
		delay = w.cfg.RetryBackoffCap
	}
	return now < claim.LastAttemptAt+domain.LogicalTime(delay/time.Second)
}

func (w *Worker) settleOne(ctx context.Context, claim domain.Claim) {
	now := w.clock.Now()

	if err := w.settler.Transfer(ctx, claim); err != nil {
		w.logger.WarnContext(ctx, "claim transfer failed",
			slog.String("claim_id", claim.ID),
			slog.String("owner", claim.Owner),
			slog.Int("attempts", claim.Attempts+1),
			slog.String("error", err.Error()),
		)
		if markErr := w.claims.MarkFailed(ctx, claim.ID, err.Error(), now); markErr != nil {
			w.logger.ErrorContext(ctx, "mark claim failed",
				slog.String("claim_id", claim.ID),
				slog.String("error", markErr.Error()),
			)
			return
		}
		w.publish(ctx, "claim_failed", claim, now)
		if w.notifier != nil && w.cfg.MaxAttempts > 0 && claim.Attempts+1 >= w.cfg.MaxAttempts {
			_ = w.notifier.Notify(ctx, "claim_failed",
				"Claim settlement exhausted",
				fmt.Sprintf("claim %s for %s (%s %s) failed %d times: %v",
					claim.ID, claim.Owner, claim.Amount, claim.Track, claim.Attempts+1, err),
			)
		}
		return
	}

	if err := w.claims.MarkConfirmed(ctx, claim.ID, now); err != nil {
		// The transfer succeeded but the confirmation write did not. The next
		// sweep re-sends; the claim id is the settler's idempotency key.
		w.logger.ErrorContext(ctx, "mark claim confirmed",
			slog.String("claim_id", claim.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.InfoContext(ctx, "claim settled",
		slog.String("claim_id", claim.ID),
		slog.String("owner", claim.Owner),
		slog.String("track", string(claim.Track)),
		slog.String("amount", claim.Amount.String()),
	)
	w.publish(ctx, "claim_confirmed", claim, now)
}

func (w *Worker) publish(ctx context.Context, eventType string, claim domain.Claim, at domain.LogicalTime) {
	if w.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.Event{
		Type: eventType,
		At:   at,
		Detail: map[string]any{
			"claim_id": claim.ID,
			"owner":    claim.Owner,
			"track":    string(claim.Track),
			"amount":   claim.Amount.String(),
		},
	})
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, domain.ChannelSettlements, payload); err != nil {
		w.logger.WarnContext(ctx, "publish settlement event",
			slog.String("error", err.Error()),
		)
	}
	_ = w.bus.StreamAppend(ctx, domain.StreamEvents, payload)
}
