package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRunLock enforces one sync run per organization across worker
// instances via SETNX with a crash-timeout TTL.
type RedisRunLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRunLock(client *redis.Client, ttl time.Duration) *RedisRunLock {
	return &RedisRunLock{client: client, ttl: ttl}
}

func (l *RedisRunLock) key(organizationID string) string {
	return "assetsync:run_lock:" + organizationID
}

func (l *RedisRunLock) Acquire(ctx context.Context, organizationID string) (bool, error) {
	if l.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	ok, err := l.client.SetNX(ctx, l.key(organizationID), time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return ok, nil
}

func (l *RedisRunLock) Release(ctx context.Context, organizationID string) error {
	if l.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := l.client.Del(ctx, l.key(organizationID)).Err(); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

// MemoryRunLock is the single-process fallback when redis is not configured.
// Entries expire after the TTL so a crashed run cannot wedge an organization.
type MemoryRunLock struct {
	mu    sync.Mutex
	held  map[string]time.Time
	ttl   time.Duration
	clock func() time.Time
}

func NewMemoryRunLock(ttl time.Duration) *MemoryRunLock {
	return &MemoryRunLock{
		held:  make(map[string]time.Time),
		ttl:   ttl,
		clock: time.Now,
	}
}

func (l *MemoryRunLock) Acquire(ctx context.Context, organizationID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if acquiredAt, ok := l.held[organizationID]; ok && now.Sub(acquiredAt) < l.ttl {
		return false, nil
	}
	l.held[organizationID] = now
	return true, nil
}

func (l *MemoryRunLock) Release(ctx context.Context, organizationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, organizationID)
	return nil
}
