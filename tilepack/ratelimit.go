package tilepack

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type RateLimitOptions struct {
	// MaxInFlight bounds concurrent upstream requests.
	MaxInFlight int
	// MinInterval is the minimum spacing between request starts. Zero disables spacing.
	MinInterval time.Duration
	Burst       int
}

// RateLimiter gates every upstream request on a concurrency slot and a
// spacing token. It is safe for concurrent use.
type RateLimiter struct {
	slots    *semaphore.Weighted
	limiter  *rate.Limiter
	inFlight atomic.Int64
	peak     atomic.Int64
}

func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	return &RateLimiter{
		slots:   semaphore.NewWeighted(int64(opts.MaxInFlight)),
		limiter: rate.NewLimiter(limit, opts.Burst),
	}
}

// Acquire blocks until a request may start. The returned release must be
// called once the request finished; calling it more than once is harmless.
func (r *RateLimiter) Acquire(ctx context.Context) (func(), error) {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		r.slots.Release(1)
		return nil, err
	}

	n := r.inFlight.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.inFlight.Add(-1)
			r.slots.Release(1)
		})
	}, nil
}

func (r *RateLimiter) InFlight() int64 {
	return r.inFlight.Load()
}

// Peak is the highest in-flight count observed so far.
func (r *RateLimiter) Peak() int64 {
	return r.peak.Load()
}
