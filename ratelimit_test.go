package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	limiter := NewLimiter(newTestRedis(t), "test:limit:")
	now := time.Now()
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
		now = now.Add(time.Millisecond)
	}

	res, err := limiter.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.ResetAt.After(now))

	// other keys have their own window
	res, err = limiter.Allow(ctx, "other", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	now = now.Add(time.Minute)
	res, err = limiter.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	require.NoError(t, limiter.Reset(ctx, "k"))
	res, err = limiter.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
}
