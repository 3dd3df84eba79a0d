package tilepack

import (
	"context"
	"sync"
	"time"

	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/metrics"
)

type PoolOptions struct {
	Workers int
	// MaxRetries is the number of attempts a tile gets before a transient
	// failure becomes terminal.
	MaxRetries int
	Backoff    Backoff
	// Sleep waits out a backoff delay. Tests replace it to run without delays.
	Sleep SleepFunc
	// QueueSize bounds how many jobs are pulled from the input ahead of the workers.
	QueueSize int
}

// FetchPool runs fetch jobs on a fixed set of workers behind a RateLimiter and
// retries transient failures with backoff.
type FetchPool struct {
	fetcher Fetcher
	limiter *RateLimiter
	opts    PoolOptions
	logger  logger.Logger
	metrics *metrics.Metrics
}

func NewFetchPool(fetcher Fetcher, limiter *RateLimiter, opts PoolOptions, log logger.Logger, m *metrics.Metrics) *FetchPool {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.Backoff.Base == 0 && opts.Backoff.Max == 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 2 * opts.Workers
	}
	if limiter == nil {
		limiter = NewRateLimiter(RateLimitOptions{MaxInFlight: opts.Workers})
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &FetchPool{
		fetcher: fetcher,
		limiter: limiter,
		opts:    opts,
		logger:  log,
		metrics: m,
	}
}

// Run consumes jobs until the channel is closed and every accepted job has
// produced its terminal result, or until ctx is cancelled. Jobs that are not
// terminal at cancellation are dropped. Run does not close results.
func (p *FetchPool) Run(ctx context.Context, jobs <-chan *FetchJob, results chan<- *FetchResult) {
	work := make(chan *FetchJob)
	retries := make(chan *FetchJob)
	settled := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id, &wg, work, retries, settled, results)
		}(i)
	}

	p.dispatch(ctx, jobs, work, retries, settled)
	wg.Wait()
}

// dispatch feeds workers from a local queue holding new jobs and retries.
// outstanding counts jobs accepted from the input that have not settled.
func (p *FetchPool) dispatch(ctx context.Context, jobs <-chan *FetchJob, work chan<- *FetchJob, retries <-chan *FetchJob, settled <-chan struct{}) {
	defer close(work)

	var queue []*FetchJob
	outstanding := 0
	input := jobs

	for {
		if input == nil && outstanding == 0 {
			return
		}

		var in <-chan *FetchJob
		if input != nil && len(queue) < p.opts.QueueSize {
			in = input
		}
		var out chan<- *FetchJob
		var next *FetchJob
		if len(queue) > 0 {
			out = work
			next = queue[0]
		}

		select {
		case <-ctx.Done():
			return
		case job, ok := <-in:
			if !ok {
				input = nil
				continue
			}
			if job.Attempt < 1 {
				job.Attempt = 1
			}
			outstanding++
			queue = append(queue, job)
		case job := <-retries:
			queue = append(queue, job)
		case <-settled:
			outstanding--
		case out <- next:
			queue[0] = nil
			queue = queue[1:]
		}
	}
}

func (p *FetchPool) worker(ctx context.Context, id int, wg *sync.WaitGroup, work <-chan *FetchJob, retries chan<- *FetchJob, settled chan<- struct{}, results chan<- *FetchResult) {
	for job := range work {
		res, retry := p.attempt(ctx, job)

		if retry {
			next := &FetchJob{Tile: job.Tile, Attempt: job.Attempt + 1}
			delay := p.opts.Backoff.Delay(job.Attempt)
			p.metrics.IncRetry()
			p.logger.Debug("Retrying tile",
				logger.Int("worker", id),
				logger.String("tile", tileKey(job.Tile)),
				logger.Int("attempt", next.Attempt),
				logger.Duration("delay", delay),
			)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := p.opts.Sleep(ctx, delay); err != nil {
					return
				}
				select {
				case retries <- next:
				case <-ctx.Done():
				}
			}()
			continue
		}

		if res == nil {
			// Cancelled mid-attempt; the dispatcher is already shutting down.
			continue
		}

		select {
		case results <- res:
		case <-ctx.Done():
			continue
		}
		select {
		case settled <- struct{}{}:
		case <-ctx.Done():
		}
	}
}

// attempt makes one request. It returns a terminal result, a retry request,
// or neither when ctx was cancelled.
func (p *FetchPool) attempt(ctx context.Context, job *FetchJob) (*FetchResult, bool) {
	release, err := p.limiter.Acquire(ctx)
	if err != nil {
		return nil, false
	}
	p.metrics.SetInFlight(p.limiter.InFlight())

	start := time.Now()
	data, contentType, err := p.fetcher.Fetch(ctx, job.Tile)
	elapsed := time.Since(start)

	release()
	p.metrics.SetInFlight(p.limiter.InFlight())

	if err == nil {
		p.metrics.ObserveFetch(metrics.OutcomeSuccess, elapsed)
		return &FetchResult{
			Tile:        job.Tile,
			Data:        data,
			ContentType: contentType,
			Attempts:    job.Attempt,
			Elapsed:     elapsed,
		}, false
	}

	if ctx.Err() != nil {
		return nil, false
	}

	if IsRetriable(err) && job.Attempt < p.opts.MaxRetries {
		p.metrics.ObserveFetch(metrics.OutcomeTransient, elapsed)
		return nil, true
	}

	p.metrics.ObserveFetch(metrics.OutcomeFailure, elapsed)
	p.logger.Warn("Tile fetch failed",
		logger.String("tile", tileKey(job.Tile)),
		logger.Int("attempts", job.Attempt),
		logger.Error(err),
	)
	return &FetchResult{
		Tile:     job.Tile,
		Attempts: job.Attempt,
		Elapsed:  elapsed,
		Err:      err,
	}, false
}
