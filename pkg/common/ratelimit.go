// Package common holds small shared building blocks.
package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles a stream of writes, such as the per-scan failure
// updates issued by the maintenance sweep. Limits can be changed at runtime.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter allowing rps events per second with the
// given burst. A non-positive rps disables throttling.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(toLimit(rps), max(burst, 1))}
}

// Wait blocks until the limiter allows an event or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits adjusts the events per second and burst.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(toLimit(rps))
	rl.limiter.SetBurst(max(burst, 1))
}

// Limit returns the current events-per-second limit.
func (rl *RateLimiter) Limit() float64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return float64(rl.limiter.Limit())
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}
