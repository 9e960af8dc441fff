package spool

import (
	"math"
	"math/rand"
	"time"
)

// Backoff bounds.
const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
	backoffCapK = 10
)

// backoffDelay computes the retry delay after k consecutive failures:
// min(30s, 500ms * 2^min(10,k) * jitter) with jitter in [0.8, 1.2).
func backoffDelay(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	if k > backoffCapK {
		k = backoffCapK
	}
	jitter := 0.8 + rand.Float64()*0.4
	ms := float64(backoffBase.Milliseconds()) * math.Pow(2, float64(k)) * jitter
	d := time.Duration(math.Round(ms)) * time.Millisecond
	if d > backoffMax {
		return backoffMax
	}
	return d
}
