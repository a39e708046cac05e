package resilience

import (
	"context"
	"time"

	"github.com/zakariaf/ragcache/pkg/errors"
)

// RateLimiter is a sliding-window request limiter. Acquire succeeds
// immediately while fewer than requests_per_minute timestamps fall inside
// the window, and otherwise sleeps until the oldest recorded timestamp ages
// out. The whole operation is one critical section: concurrent acquirers
// queue behind the holder, including through its sleep.
type RateLimiter struct {
	sem        chan struct{} // capacity-1 lock that supports cancellation
	timestamps []time.Time
	limit      int
	window     time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per minute.
func NewRateLimiter(limit int) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	rl := &RateLimiter{
		sem:    make(chan struct{}, 1),
		limit:  limit,
		window: time.Minute,
	}
	return rl
}

// Acquire blocks until the rate limit admits a request, then records it.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	select {
	case rl.sem <- struct{}{}:
	case <-ctx.Done():
		return errors.Cancelled(ctx.Err())
	}
	defer func() { <-rl.sem }()

	for {
		now := time.Now()
		rl.evict(now)

		if len(rl.timestamps) < rl.limit {
			rl.timestamps = append(rl.timestamps, now)
			return nil
		}

		wait := rl.window - now.Sub(rl.timestamps[0])
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Cancelled(ctx.Err())
		}
	}
}

// Remaining returns how many requests are still admissible in the current
// window. While another caller holds the limiter it reports 0.
func (rl *RateLimiter) Remaining() int {
	select {
	case rl.sem <- struct{}{}:
	default:
		return 0
	}
	defer func() { <-rl.sem }()

	rl.evict(time.Now())
	remaining := rl.limit - len(rl.timestamps)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Limit returns the requests-per-minute limit.
func (rl *RateLimiter) Limit() int { return rl.limit }

// evict drops timestamps older than the window. Caller holds the lock.
func (rl *RateLimiter) evict(now time.Time) {
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(rl.timestamps) && rl.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		rl.timestamps = append(rl.timestamps[:0], rl.timestamps[i:]...)
	}
}
