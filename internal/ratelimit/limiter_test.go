package ratelimit

import (
	"context"
	"testing"
	"time"

	"assetsync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWithinBurst(t *testing.T) {
	l := New(config.RateLimitConfig{RPS: 1, Burst: 3, AcquireTimeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx, "org-1"))
	}
}

func TestAcquireTimeout(t *testing.T) {
	l := New(config.RateLimitConfig{RPS: 0.001, Burst: 1, AcquireTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "org-1"))

	err := l.Acquire(ctx, "org-1")
	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestAcquirePerOrganization(t *testing.T) {
	l := New(config.RateLimitConfig{RPS: 0.001, Burst: 1, AcquireTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "org-1"))

	// A starved org-1 bucket does not affect org-2.
	require.NoError(t, l.Acquire(ctx, "org-2"))
}

func TestAcquireContextCancelled(t *testing.T) {
	l := New(config.RateLimitConfig{RPS: 0.001, Burst: 1, AcquireTimeout: time.Minute})

	require.NoError(t, l.Acquire(context.Background(), "org-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Shutdown is reported as the context error, not a limiter timeout.
	err := l.Acquire(ctx, "org-1")
	assert.ErrorIs(t, err, context.Canceled)
}
