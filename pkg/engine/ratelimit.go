package engine

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// RateLimiter is the per-run token bucket shared by all workers: capacity
// ceil(eps), refilled at eps tokens per second.
type RateLimiter struct {
	limiter *rate.Limiter
}

func NewRateLimiter(eps float64) *RateLimiter {
	burst := int(math.Ceil(eps))
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(eps), burst)}
}

// Acquire blocks until a token is available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Burst returns the bucket capacity.
func (r *RateLimiter) Burst() int {
	return r.limiter.Burst()
}
