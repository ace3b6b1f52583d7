package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpledger/internal/domain"
	"github.com/alanyoungcy/lpledger/internal/ledger"
	"github.com/alanyoungcy/lpledger/internal/store/memstore"
)

// fakeClock is a hand-advanced clock shared by the service tests.
type fakeClock struct {
	mu  sync.Mutex
	now domain.LogicalTime
}

func (c *fakeClock) Now() domain.LogicalTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d domain.LogicalTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// fakeBus records published events in memory.
type fakeBus struct {
	mu       sync.Mutex
	events   []domain.Event
	channels []string
	stream   [][]byte
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var evt domain.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	b.events = append(b.events, evt)
	b.channels = append(b.channels, channel)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, payload)
	return nil
}

func (b *fakeBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBus) eventTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeLimiter answers every Allow call the same way.
type fakeLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (l *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.calls++
	return l.allowed, l.err
}

// fakeBalanceCache is an in-memory domain.BalanceCache with counters.
type fakeBalanceCache struct {
	mu          sync.Mutex
	data        map[string][]domain.RewardBalance
	hits        int
	misses      int
	invalidated int
}

func newFakeBalanceCache() *fakeBalanceCache {
	return &fakeBalanceCache{data: make(map[string][]domain.RewardBalance)}
}

func (c *fakeBalanceCache) Set(ctx context.Context, owner string, balances []domain.RewardBalance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[owner] = balances
	return nil
}

func (c *fakeBalanceCache) Get(ctx context.Context, owner string) ([]domain.RewardBalance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.data[owner]; ok {
		c.hits++
		return b, nil
	}
	c.misses++
	return nil, domain.ErrNotFound
}

func (c *fakeBalanceCache) Invalidate(ctx context.Context, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, owner)
	c.invalidated++
	return nil
}

// fakeLockManager marks a set of keys as held by another replica.
type fakeLockManager struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
}

func (m *fakeLockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.acquired = append(m.acquired, key)
	return func() {}, nil
}

func testPolicy() domain.Policy {
	return domain.Policy{
		SupportedLockups:        []int64{30 * domain.SecondsPerDay},
		AllowEarlyExit:          true,
		EarlyExitPenaltyBps:     500,
		TimeRatePerDay:          decimal.NewFromInt(1),
		AmountRatePerUnitPerDay: decimal.RequireFromString("0.0001"),
		Milestones: []domain.MilestonePolicy{
			{Threshold: 7 * domain.SecondsPerDay, Bonus: decimal.NewFromInt(10)},
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *memstore.Store, *fakeClock) {
	t.Helper()
	store := memstore.New()
	clock := &fakeClock{now: 1_000_000}
	return ledger.New(store, store, store, clock, testPolicy(), discardLogger()), store, clock
}

func auditEvents(t *testing.T, store *memstore.Store) []string {
	t.Helper()
	entries, err := store.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Event)
	}
	return out
}
