package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests require Redis running on localhost:6379 and are skipped otherwise.
const testRedisAddr = "localhost:6379"

func setupTestGuard(t *testing.T) (*Guard, context.Context) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	cleanup := func() {
		var cursor uint64
		for {
			keys, next, err := client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
			if err != nil {
				return
			}
			if len(keys) > 0 {
				client.Del(ctx, keys...)
			}
			cursor = next
			if cursor == 0 {
				return
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})

	return NewGuard(client, time.Minute), ctx
}

func TestClaim_FirstDeliveryOnly(t *testing.T) {
	g, ctx := setupTestGuard(t)
	key := Key("conv-1", "alice", "t1")

	first, err := g.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = g.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, first, "redelivery is not a first delivery")
}

func TestClaim_DistinctMessagesIndependent(t *testing.T) {
	g, ctx := setupTestGuard(t)

	first, err := g.Claim(ctx, Key("conv-1", "alice", "t1"))
	require.NoError(t, err)
	assert.True(t, first)

	first, err = g.Claim(ctx, Key("conv-1", "alice", "t2"))
	require.NoError(t, err)
	assert.True(t, first, "a different temp id is a different message")
}

func TestRelease_AllowsReclaim(t *testing.T) {
	g, ctx := setupTestGuard(t)
	key := Key("conv-1", "alice", "t1")

	_, err := g.Claim(ctx, key)
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, key))

	first, err := g.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, first, "released key can be claimed by the redelivered copy")
}
