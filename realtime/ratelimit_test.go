package realtime

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestJoinRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows up to the limit then blocks", func(t *testing.T) {
		limiter := NewJoinRateLimiter(newTestRedis(t), 3)

		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow(ctx, "alice"), "join %d should pass", i)
		}
		assert.False(t, limiter.Allow(ctx, "alice"))
	})

	t.Run("limits are per user", func(t *testing.T) {
		limiter := NewJoinRateLimiter(newTestRedis(t), 1)

		assert.True(t, limiter.Allow(ctx, "alice"))
		assert.False(t, limiter.Allow(ctx, "alice"))
		assert.True(t, limiter.Allow(ctx, "bob"))
	})

	t.Run("nil limiter allows everything", func(t *testing.T) {
		var limiter *JoinRateLimiter
		assert.True(t, limiter.Allow(ctx, "alice"))
	})

	t.Run("zero limit disables limiting", func(t *testing.T) {
		limiter := NewJoinRateLimiter(newTestRedis(t), 0)
		for i := 0; i < 10; i++ {
			assert.True(t, limiter.Allow(ctx, "alice"))
		}
	})

	t.Run("fails open when redis is down", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
		defer func() {
			_ = client.Close()
		}()
		limiter := NewJoinRateLimiter(client, 1)

		assert.True(t, limiter.Allow(ctx, "alice"))
		assert.True(t, limiter.Allow(ctx, "alice"))
	})
}
