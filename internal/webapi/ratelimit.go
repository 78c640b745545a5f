package webapi

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles the platform surface per token. Disabled (nil-safe)
// unless a positive RPM is configured.
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(rpm int) *RateLimiter {
	if rpm <= 0 {
		return nil
	}
	// Burst covers ten seconds of quota so short spikes pass.
	burst := rpm / 6
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{rpm: rpm, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether the given token may proceed. A nil limiter always
// allows.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rl.burst)
		rl.limiters[key] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}
