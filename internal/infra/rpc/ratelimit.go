package rpc

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/opencustody/settler/internal/settlement/metrics"
)

// RateLimiter bounds both the per-second call rate and the number of
// in-flight calls to the remote node. One instance belongs to one
// manager; it is never shared as ambient global state.
type RateLimiter struct {
	bucket   *rate.Limiter
	inflight *semaphore.Weighted
}

// NewRateLimiter creates a limiter allowing callsPerSecond sustained
// calls with burst headroom and at most maxConcurrent in flight.
func NewRateLimiter(callsPerSecond float64, maxConcurrent int64) *RateLimiter {
	burst := int(callsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		bucket:   rate.NewLimiter(rate.Limit(callsPerSecond), burst),
		inflight: semaphore.NewWeighted(maxConcurrent),
	}
}

// Acquire blocks until a call slot and a rate token are both available
// or the context is done. Every successful Acquire must be paired with
// a Release.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if err := l.inflight.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire call slot: %w", err)
	}
	if !l.bucket.Allow() {
		metrics.RPCThrottled.Inc()
		if err := l.bucket.Wait(ctx); err != nil {
			l.inflight.Release(1)
			return fmt.Errorf("rate wait: %w", err)
		}
	}
	metrics.RPCInflight.Inc()
	return nil
}

// Release returns the in-flight slot taken by Acquire.
func (l *RateLimiter) Release() {
	metrics.RPCInflight.Dec()
	l.inflight.Release(1)
}
