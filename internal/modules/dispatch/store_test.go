package dispatch

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eats/internal/types"
)

func TestRedisJournal(t *testing.T) {
	addr := os.Getenv("EATS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EATS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	orderID := types.ID(fmt.Sprintf("journal-%d", time.Now().UnixNano()))
	j := NewRedisJournal(client)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.Offered(ctx, orderID, "7", at))
	require.NoError(t, j.Declined(ctx, orderID, "7", false))
	require.NoError(t, j.Offered(ctx, orderID, "9", at.Add(time.Minute)))
	require.NoError(t, j.Declined(ctx, orderID, "9", true))

	offers, err := j.Offers(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, []string{"7@2026-03-01T12:00:00Z", "9@2026-03-01T12:01:00Z"}, offers)

	declined, err := client.SMembers(ctx, fmt.Sprintf(declinedKeyPattern, orderID)).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"7", "9:timeout"}, declined)

	_, done, err := j.Outcome(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, j.Finished(ctx, orderID, ReasonNoDriverAvailable))
	outcome, done, err := j.Outcome(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, ReasonNoDriverAvailable, outcome)

	ttl, err := client.TTL(ctx, fmt.Sprintf(offersKeyPattern, orderID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())
	unlockA()
	unlockB()
	assert.Equal(t, 0, k.size())
}
