// README: Redis-backed dispatch journal recording offers, declines and outcomes per order.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eats/internal/types"
)

const (
	offersKeyPattern   = "dispatch:order:%s:offers"
	declinedKeyPattern = "dispatch:order:%s:declined"
	outcomeKeyPattern  = "dispatch:order:%s:outcome"
	// journalTTL keeps a finished order's journal around for a day.
	journalTTL = 24 * time.Hour
)

type RedisJournal struct {
	redis *redis.Client
}

func NewRedisJournal(redis *redis.Client) *RedisJournal {
	return &RedisJournal{redis: redis}
}

// Offered appends "<driver>@<rfc3339>" to the order's offer list.
func (j *RedisJournal) Offered(ctx context.Context, orderID, driverID types.ID, at time.Time) error {
	key := fmt.Sprintf(offersKeyPattern, orderID)
	pipe := j.redis.Pipeline()
	pipe.RPush(ctx, key, driverID.String()+"@"+at.UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, journalTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Declined adds the driver to the order's decline set. Timeouts are recorded as "<driver>:timeout".
func (j *RedisJournal) Declined(ctx context.Context, orderID, driverID types.ID, timedOut bool) error {
	key := fmt.Sprintf(declinedKeyPattern, orderID)
	member := driverID.String()
	if timedOut {
		member += ":timeout"
	}
	pipe := j.redis.Pipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, journalTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (j *RedisJournal) Finished(ctx context.Context, orderID types.ID, outcome string) error {
	return j.redis.Set(ctx, fmt.Sprintf(outcomeKeyPattern, orderID), outcome, journalTTL).Err()
}

// Offers returns the recorded offers in the order they were made.
func (j *RedisJournal) Offers(ctx context.Context, orderID types.ID) ([]string, error) {
	return j.redis.LRange(ctx, fmt.Sprintf(offersKeyPattern, orderID), 0, -1).Result()
}

// Outcome returns how dispatch ended for the order, and whether it has ended.
func (j *RedisJournal) Outcome(ctx context.Context, orderID types.ID) (string, bool, error) {
	val, err := j.redis.Get(ctx, fmt.Sprintf(outcomeKeyPattern, orderID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
