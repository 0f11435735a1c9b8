package jobs

import (
	"math/rand"
	"time"
)

// Backoff returns base*2^(attempt-1) capped at limit, scaled by jitter.
// jitter is expected in [0.5, 1.5); the result never exceeds limit.
func Backoff(attempt int, base, limit time.Duration, jitter float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if limit < base {
		limit = base
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	delay = time.Duration(float64(delay) * jitter)
	if delay > limit {
		delay = limit
	}
	return delay
}

func Jitter() float64 {
	return 0.5 + rand.Float64()
}
