package netadapter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// SearchLane paces outbound search requests to a minimum inter-request gap.
// A zero or negative interval disables pacing.
type SearchLane struct {
	limiter *rate.Limiter
}

// NewSearchLane builds a lane with the given minimum gap between requests.
func NewSearchLane(minInterval time.Duration) *SearchLane {
	if minInterval <= 0 {
		return &SearchLane{}
	}
	return &SearchLane{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Wait blocks until the next request may proceed or ctx is cancelled.
func (l *SearchLane) Wait(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Allow reports whether a request may proceed right now without waiting.
func (l *SearchLane) Allow() bool {
	if l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}
