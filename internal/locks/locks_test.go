package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLock(t *testing.T, ttl time.Duration) (*RedisRunLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRunLock(client, ttl), mr
}

func TestRedisRunLockMutualExclusion(t *testing.T) {
	lock, _ := newRedisLock(t, time.Minute)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Different organizations hold independent locks.
	ok, err = lock.Acquire(ctx, "org-2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, lock.Release(ctx, "org-1"))
	ok, err = lock.Acquire(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisRunLockTTLExpiry(t *testing.T) {
	lock, mr := newRedisLock(t, time.Minute)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, ok)

	// A crashed worker never releases; the TTL frees the organization.
	mr.FastForward(2 * time.Minute)

	ok, err = lock.Acquire(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRunLock(t *testing.T) {
	lock := NewMemoryRunLock(time.Minute)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx, "org-1"))

	ok, err = lock.Acquire(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRunLockTTLExpiry(t *testing.T) {
	lock := NewMemoryRunLock(time.Minute)
	now := time.Now()
	lock.clock = func() time.Time { return now }
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(30 * time.Second)
	ok, err = lock.Acquire(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(31 * time.Second)
	ok, err = lock.Acquire(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
