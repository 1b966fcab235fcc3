// README: Driver availability roster backed by a Redis sorted set, with an in-memory fallback.
package driver

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"eats/internal/types"
)

// availableKey holds online drivers scored by the unix time they went online.
const availableKey = "drivers:available"

// Roster is the set of drivers currently accepting dispatch offers.
type Roster interface {
	Add(ctx context.Context, id types.ID) error
	Remove(ctx context.Context, id types.ID) error
	List(ctx context.Context) ([]types.ID, error)
}

type RedisRoster struct {
	redis *redis.Client
}

func NewRedisRoster(redis *redis.Client) *RedisRoster {
	return &RedisRoster{redis: redis}
}

func (s *RedisRoster) Add(ctx context.Context, id types.ID) error {
	return s.redis.ZAdd(ctx, availableKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: string(id),
	}).Err()
}

func (s *RedisRoster) Remove(ctx context.Context, id types.ID) error {
	return s.redis.ZRem(ctx, availableKey, string(id)).Err()
}

func (s *RedisRoster) List(ctx context.Context) ([]types.ID, error) {
	members, err := s.redis.ZRange(ctx, availableKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(members))
	for i, m := range members {
		ids[i] = types.ID(m)
	}
	return ids, nil
}

// MemoryRoster keeps the roster in process. Used when no Redis is configured.
type MemoryRoster struct {
	mu  sync.RWMutex
	ids map[types.ID]struct{}
}

func NewMemoryRoster(ids ...types.ID) *MemoryRoster {
	r := &MemoryRoster{ids: make(map[types.ID]struct{}, len(ids))}
	for _, id := range ids {
		r.ids[id] = struct{}{}
	}
	return r
}

func (r *MemoryRoster) Add(_ context.Context, id types.ID) error {
	r.mu.Lock()
	r.ids[id] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *MemoryRoster) Remove(_ context.Context, id types.ID) error {
	r.mu.Lock()
	delete(r.ids, id)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRoster) List(_ context.Context) ([]types.ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.ID, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	return ids, nil
}
