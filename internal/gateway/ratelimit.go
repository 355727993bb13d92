package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps tracked limiter keys so rotating session keys
// cannot exhaust memory.
const maxTrackedKeys = 4096

// RateLimiter enforces a per-key token bucket on prompt submission.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing rps sustained requests per
// key with the given burst. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) Enabled() bool { return r.rps > 0 }

// Allow reports whether the key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		if len(r.limiters) >= maxTrackedKeys {
			for k := range r.limiters {
				delete(r.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(r.rps, r.burst)
		r.limiters[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}
