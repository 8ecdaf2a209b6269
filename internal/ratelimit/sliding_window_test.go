package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowLimit(t *testing.T) {
	sw := NewSlidingWindow(10, time.Minute)
	defer func() { _ = sw.Close() }()
	ctx := context.Background()

	// 10 requests in the window are allowed, the 11th is rejected.
	for i := 0; i < 10; i++ {
		res, err := sw.Check(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 10-i-1, res.Remaining)
	}

	res, err := sw.Check(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestSlidingWindowKeysIndependent(t *testing.T) {
	sw := NewSlidingWindow(1, time.Minute)
	defer func() { _ = sw.Close() }()
	ctx := context.Background()

	res, err := sw.Check(ctx, "a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = sw.Check(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// A different key has its own window.
	res, err = sw.Check(ctx, "b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowSlides(t *testing.T) {
	sw := NewSlidingWindow(2, time.Minute)
	defer func() { _ = sw.Close() }()
	ctx := context.Background()

	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sw.now = func() time.Time { return current }

	for i := 0; i < 2; i++ {
		res, err := sw.Check(ctx, "k")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := sw.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// 61 seconds later the first two requests have left the window.
	current = current.Add(61 * time.Second)
	res, err = sw.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowCleanupDropsIdleKeys(t *testing.T) {
	sw := NewSlidingWindow(5, time.Minute)
	defer func() { _ = sw.Close() }()
	ctx := context.Background()

	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sw.now = func() time.Time { return current }

	_, err := sw.Check(ctx, "stale")
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	sw.cleanup()

	sw.mu.Lock()
	_, exists := sw.windows["stale"]
	sw.mu.Unlock()
	assert.False(t, exists)
}
