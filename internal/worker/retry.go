package worker

import "time"

// RetryPolicy controls how transient remote failures are rescheduled. The
// delay grows exponentially per attempt and is clamped to MaxDelay, so a
// flapping remote API backs the queue off instead of being hammered.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// withDefaults fills in the standard sync backoff curve for zero fields:
// 3 retries, 2s initial delay doubling up to 5m.
func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = 2 * time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 5 * time.Minute
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 2
	}
	return r
}

// NextDelay returns the backoff before the given attempt (1-based). Attempts
// below 1 and unset policy fields fall back to a 1s floor so a zero policy
// still yields a sane schedule.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	initial := r.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	delay := float64(initial)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if r.MaxDelay > 0 && delay >= float64(r.MaxDelay) {
			return r.MaxDelay
		}
	}

	d := time.Duration(delay)
	if d <= 0 {
		return time.Second
	}
	return d
}
