// Package service wraps the ledger core with the operational concerns the API
// exposes: event publication, audit logging, cache invalidation, and claim
// throttling.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/lpledger/internal/domain"
	"github.com/alanyoungcy/lpledger/internal/ledger"
)

// PositionService manages position lifecycle: open, increase, settle,
// withdraw, and derived stats.
type PositionService struct {
	ledger *ledger.Ledger
	bus    domain.SignalBus
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	l *ledger.Ledger,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		ledger: l,
		bus:    bus,
		audit:  audit,
		logger: logger,
	}
}

// Open creates a new locked position.
func (s *PositionService) Open(ctx context.Context, owner string, principal, lockupSeconds int64) (domain.Position, error) {
	pos, err := s.ledger.Open(ctx, owner, principal, lockupSeconds)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: open: %w", err)
	}

	detail := map[string]any{
		"position_id":    pos.ID,
		"owner":          pos.Owner,
		"principal":      pos.Principal,
		"lockup_seconds": pos.LockupDuration,
	}
	s.publish(ctx, domain.ChannelPositions, "position_opened", pos.DepositTime, detail)
	s.auditLog(ctx, "position_opened", detail)
	return pos, nil
}

// Get returns a position by id.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	return s.ledger.Get(ctx, id)
}

// ListByOwner returns all positions for an owner, open and retired.
func (s *PositionService) ListByOwner(ctx context.Context, owner string) ([]domain.Position, error) {
	return s.ledger.ListByOwner(ctx, owner)
}

// Increase adds principal to an open position, settling accrual first so the
// new principal only earns from now on.
func (s *PositionService) Increase(ctx context.Context, id string, amount int64) (domain.Position, error) {
	pos, err := s.ledger.Increase(ctx, id, amount)
	if err != nil {
		return domain.Position{}, err
	}

	detail := map[string]any{
		"position_id": pos.ID,
		"owner":       pos.Owner,
		"amount":      amount,
		"principal":   pos.Principal,
	}
	s.publish(ctx, domain.ChannelPositions, "position_increased", pos.LastAccrualTime, detail)
	s.auditLog(ctx, "position_increased", detail)
	return pos, nil
}

// Settle brings a position's accrual up to date and publishes the applied
// deltas.
func (s *PositionService) Settle(ctx context.Context, id string) (ledger.SettleResult, error) {
	res, err := s.ledger.Settle(ctx, id)
	if err != nil {
		return ledger.SettleResult{}, err
	}

	if !res.Deltas.IsZero() || len(res.Grants) > 0 {
		detail := map[string]any{
			"position_id":  res.Position.ID,
			"owner":        res.Position.Owner,
			"time_based":   res.Deltas.TimeBased.String(),
			"amount_based": res.Deltas.AmountBased.String(),
			"grants":       len(res.Grants),
		}
		s.publish(ctx, domain.ChannelAccruals, "accrual_settled", res.Position.LastAccrualTime, detail)
		s.auditLog(ctx, "accrual_settled", detail)
	}
	return res, nil
}

// Withdraw retires the position and reports the returned principal and any
// early-exit penalty.
func (s *PositionService) Withdraw(ctx context.Context, id string) (ledger.WithdrawReceipt, error) {
	receipt, err := s.ledger.Withdraw(ctx, id)
	if err != nil {
		return ledger.WithdrawReceipt{}, err
	}

	detail := map[string]any{
		"position_id": receipt.Position.ID,
		"owner":       receipt.Position.Owner,
		"returned":    receipt.Returned,
		"penalty":     receipt.Penalty,
		"early":       receipt.Early,
	}
	at := receipt.Position.LastAccrualTime
	if receipt.Position.WithdrawnAt != nil {
		at = *receipt.Position.WithdrawnAt
	}
	s.publish(ctx, domain.ChannelPositions, "position_withdrawn", at, detail)
	s.auditLog(ctx, "position_withdrawn", detail)
	return receipt, nil
}

// Stats returns the derived dashboard stats for a position.
func (s *PositionService) Stats(ctx context.Context, id string) (ledger.PositionStats, error) {
	return s.ledger.Stats(ctx, id)
}

func (s *PositionService) publish(ctx context.Context, channel, eventType string, at domain.LogicalTime, detail map[string]any) {
	if s.bus == nil {
		return
	}
	evt, err := json.Marshal(domain.Event{Type: eventType, At: at, Detail: detail})
	if err != nil {
		return
	}
	if pubErr := s.bus.Publish(ctx, channel, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "position_service: publish event failed",
			slog.String("event", eventType),
			slog.String("error", pubErr.Error()),
		)
	}
	_ = s.bus.StreamAppend(ctx, domain.StreamEvents, evt)
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "position_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
