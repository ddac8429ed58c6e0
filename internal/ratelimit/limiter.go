package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"assetsync/internal/config"

	"golang.org/x/time/rate"
)

// ErrAcquireTimeout signals that no token became available within the
// configured wait. The caller returns the item to pending; a busy limiter is
// not the item's fault.
var ErrAcquireTimeout = errors.New("rate limiter: acquire timed out")

// Limiter bounds outbound remote calls per organization using a token bucket.
type Limiter struct {
	limiters       sync.Map // map[string]*rate.Limiter
	rps            float64
	burst          int
	acquireTimeout time.Duration
}

func New(cfg config.RateLimitConfig) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Limiter{
		rps:            cfg.RPS,
		burst:          burst,
		acquireTimeout: timeout,
	}
}

// Acquire blocks until a token is available for the organization or the
// acquire timeout elapses. Context cancellation is reported as-is so the
// worker can distinguish shutdown from limiter pressure.
func (l *Limiter) Acquire(ctx context.Context, organizationID string) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
	defer cancel()

	err := l.get(organizationID).Wait(waitCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrAcquireTimeout
}

func (l *Limiter) get(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	lim := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	actual, loaded := l.limiters.LoadOrStore(key, lim)
	if loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}
