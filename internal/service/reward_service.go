package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpledger/internal/domain"
	"github.com/alanyoungcy/lpledger/internal/ledger"
)

// claimRateLimit throttles speculative claim calls per owner. Claiming is
// always safe, so the limit exists only to keep a looping client from
// hammering the balance rows.
const (
	claimRateLimit  = 10
	claimRateWindow = time.Minute
)

// RewardService exposes balances, claims, and utility credits. Balances are
// served through a read-through cache invalidated on every mutation.
type RewardService struct {
	ledger  *ledger.Ledger
	claims  domain.ClaimStore
	cache   domain.BalanceCache // optional
	limiter domain.RateLimiter  // optional
	bus     domain.SignalBus
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewRewardService creates a RewardService. cache and limiter may be nil, in
// which case reads go straight to the store and claims are not throttled.
func NewRewardService(
	l *ledger.Ledger,
	claims domain.ClaimStore,
	cache domain.BalanceCache,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *RewardService {
	return &RewardService{
		ledger:  l,
		claims:  claims,
		cache:   cache,
		limiter: limiter,
		bus:     bus,
		audit:   audit,
		logger:  logger,
	}
}

// Balances returns the owner's per-track balances, zero-filled for tracks
// that never accrued.
func (s *RewardService) Balances(ctx context.Context, owner string) ([]domain.RewardBalance, error) {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, owner); err == nil {
			return cached, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "reward_service: balance cache read failed",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
		}
	}

	balances, err := s.ledger.Balances(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("reward_service: balances for %q: %w", owner, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, owner, balances); err != nil {
			s.logger.WarnContext(ctx, "reward_service: balance cache write failed",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
		}
	}
	return balances, nil
}

// Claim moves the owner's full claimable amount on a track to claimed state.
// A zero-amount result is success: there was simply nothing to claim.
func (s *RewardService) Claim(ctx context.Context, owner string, track domain.Track) (domain.Claim, error) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "claim:"+owner, claimRateLimit, claimRateWindow)
		if err != nil {
			s.logger.WarnContext(ctx, "reward_service: rate limiter failed, allowing",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			return domain.Claim{}, domain.ErrRateLimited
		}
	}

	claim, err := s.ledger.Claim(ctx, owner, track)
	if err != nil {
		return domain.Claim{}, err
	}

	s.invalidate(ctx, owner)

	if !claim.Amount.IsZero() {
		detail := map[string]any{
			"claim_id": claim.ID,
			"owner":    claim.Owner,
			"track":    string(claim.Track),
			"amount":   claim.Amount.String(),
		}
		s.publish(ctx, domain.ChannelClaims, "claim_created", claim.ClaimedAt, detail)
		s.auditLog(ctx, "claim_created", detail)
	}
	return claim, nil
}

// CreditUtility records an externally computed utility-score reward for the
// owner.
func (s *RewardService) CreditUtility(ctx context.Context, owner string, amount decimal.Decimal) error {
	if err := s.ledger.CreditUtility(ctx, owner, amount); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}

	s.invalidate(ctx, owner)

	detail := map[string]any{
		"owner":  owner,
		"track":  string(domain.TrackUtilityBased),
		"amount": amount.String(),
	}
	s.publish(ctx, domain.ChannelAccruals, "utility_credited", s.ledger.Now(), detail)
	s.auditLog(ctx, "utility_credited", detail)
	return nil
}

// GetClaim returns a single claim by id.
func (s *RewardService) GetClaim(ctx context.Context, id string) (domain.Claim, error) {
	return s.claims.GetByID(ctx, id)
}

// ListClaims returns the owner's claim history, newest first.
func (s *RewardService) ListClaims(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Claim, error) {
	return s.claims.ListByOwner(ctx, owner, opts)
}

func (s *RewardService) invalidate(ctx context.Context, owner string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, owner); err != nil {
		s.logger.WarnContext(ctx, "reward_service: balance cache invalidate failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
	}
}

func (s *RewardService) publish(ctx context.Context, channel, eventType string, at domain.LogicalTime, detail map[string]any) {
	if s.bus == nil {
		return
	}
	evt, err := json.Marshal(domain.Event{Type: eventType, At: at, Detail: detail})
	if err != nil {
		return
	}
	if pubErr := s.bus.Publish(ctx, channel, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "reward_service: publish event failed",
			slog.String("event", eventType),
			slog.String("error", pubErr.Error()),
		)
	}
	_ = s.bus.StreamAppend(ctx, domain.StreamEvents, evt)
}

func (s *RewardService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "reward_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
