package domain

import (
	"context"
	"time"
)

// BalanceCache provides fast access to an owner's per-track reward balances.
// It is a read-through cache over RewardStore.Balances and is invalidated on
// every credit and claim.
type BalanceCache interface {
	Set(ctx context.Context, owner string, balances []RewardBalance) error
	Get(ctx context.Context, owner string) ([]RewardBalance, error)
	Invalidate(ctx context.Context, owner string) error
}

// RateLimiter provides distributed rate limiting, used to throttle
// speculative claim calls per owner.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. The accrual poller takes a lock
// per position so multiple replicas never sweep the same position at once.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for live ledger events and durable streams for
// replayable ones.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
