package gateway

import "golang.org/x/time/rate"

// RateLimiter caps inbound RPC throughput across all connections.
// rpm <= 0 disables limiting.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter allowing rpm requests per minute with the
// given burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if rpm <= 0 {
		return &RateLimiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.limiter != nil }

// Allow reports whether one more request may proceed now.
func (r *RateLimiter) Allow() bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.Allow()
}
