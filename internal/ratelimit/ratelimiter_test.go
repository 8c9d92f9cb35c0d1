package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return client
}

func TestRedisLimiter_Allow(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		client := setupTestRedis(t)
		limiter := NewRedisLimiter(client, 5, time.Minute)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			allowed, err := limiter.Allow(ctx, "org-1")
			require.NoError(t, err)
			assert.True(t, allowed, "request %d should be allowed", i+1)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		client := setupTestRedis(t)
		limiter := NewRedisLimiter(client, 3, time.Minute)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			allowed, err := limiter.Allow(ctx, "org-2")
			require.NoError(t, err)
			assert.True(t, allowed)
		}

		allowed, err := limiter.Allow(ctx, "org-2")
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("unlimited when limit is 0", func(t *testing.T) {
		client := setupTestRedis(t)
		limiter := NewRedisLimiter(client, 0, time.Minute)
		ctx := context.Background()

		for i := 0; i < 100; i++ {
			allowed, err := limiter.Allow(ctx, "org-unlimited")
			require.NoError(t, err)
			assert.True(t, allowed)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		client := setupTestRedis(t)
		limiter := NewRedisLimiter(client, 1, time.Minute)
		ctx := context.Background()

		allowed, err := limiter.Allow(ctx, "org-a")
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = limiter.Allow(ctx, "org-a")
		require.NoError(t, err)
		assert.False(t, allowed)

		// A different organization still has its full budget
		allowed, err = limiter.Allow(ctx, "org-b")
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestRedisLimiter_CurrentUsage(t *testing.T) {
	client := setupTestRedis(t)
	limiter := NewRedisLimiter(client, 10, time.Minute)
	ctx := context.Background()

	usage, err := limiter.CurrentUsage(ctx, "org-usage")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage)

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, "org-usage")
		require.NoError(t, err)
	}

	usage, err = limiter.CurrentUsage(ctx, "org-usage")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage)
}

func TestRedisLimiter_Reset(t *testing.T) {
	client := setupTestRedis(t)
	limiter := NewRedisLimiter(client, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "org-reset")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "org-reset")
	require.NoError(t, err)
	assert.False(t, allowed)

	require.NoError(t, limiter.Reset(ctx, "org-reset"))

	allowed, err = limiter.Allow(ctx, "org-reset")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestNoopLimiter(t *testing.T) {
	limiter := NewNoopLimiter()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		allowed, err := limiter.Allow(ctx, "any-key")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}
