package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// balanceTTL bounds staleness if an invalidation is ever lost; every credit
// and claim invalidates explicitly.
const balanceTTL = 5 * time.Minute

// BalanceCache implements domain.BalanceCache using one Redis string per
// owner holding the JSON-encoded balance set.
type BalanceCache struct {
	rdb *redis.Client
}

// NewBalanceCache creates a BalanceCache backed by the given Client.
func NewBalanceCache(c *Client) *BalanceCache {
	return &BalanceCache{rdb: c.Underlying()}
}

func balanceKey(owner string) string {
	return "balances:" + owner
}

// Set stores the owner's balance set.
func (bc *BalanceCache) Set(ctx context.Context, owner string, balances []domain.RewardBalance) error {
	data, err := json.Marshal(balances)
	if err != nil {
		return fmt.Errorf("redis: marshal balances %s: %w", owner, err)
	}
	if err := bc.rdb.Set(ctx, balanceKey(owner), data, balanceTTL).Err(); err != nil {
		return fmt.Errorf("redis: set balances %s: %w", owner, err)
	}
	return nil
}

// Get retrieves the owner's cached balance set. It returns domain.ErrNotFound
// on a cache miss.
func (bc *BalanceCache) Get(ctx context.Context, owner string) ([]domain.RewardBalance, error) {
	data, err := bc.rdb.Get(ctx, balanceKey(owner)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get balances %s: %w", owner, err)
	}

	var balances []domain.RewardBalance
	if err := json.Unmarshal(data, &balances); err != nil {
		return nil, fmt.Errorf("redis: unmarshal balances %s: %w", owner, err)
	}
	return balances, nil
}

// Invalidate drops the owner's cached balance set.
func (bc *BalanceCache) Invalidate(ctx context.Context, owner string) error {
	if err := bc.rdb.Del(ctx, balanceKey(owner)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate balances %s: %w", owner, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BalanceCache = (*BalanceCache)(nil)
