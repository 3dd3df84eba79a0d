package tilepack

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/metrics"
)

const logEveryTiles = 1000

type RunStatus int

const (
	RunSuccess RunStatus = iota
	RunPartialFailure
	RunFatal
)

func (s RunStatus) String() string {
	switch s {
	case RunSuccess:
		return "success"
	case RunPartialFailure:
		return "partial_failure"
	case RunFatal:
		return "fatal"
	}
	return fmt.Sprintf("RunStatus(%d)", int(s))
}

// RunRecord summarises one execution against one archive.
type RunRecord struct {
	Target         string
	OutputPath     string
	Bounds         LngLatBbox
	Zooms          ZoomRange
	StartedAt      time.Time
	FinishedAt     time.Time
	Status         RunStatus
	TilesRequested uint64
	TilesSkipped   int
	TilesWritten   int
	TilesFailed    int
	Err            error
}

// Finalized reports whether the run produced a complete archive at OutputPath.
func (r *RunRecord) Finalized() bool {
	return r.Status != RunFatal
}

func (r *RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Progress receives per-tile notifications from a run. Calls come from a
// single goroutine.
type Progress interface {
	Start(total uint64, done uint64)
	Advance(ok bool)
	Finish()
}

type nopProgress struct{}

func (nopProgress) Start(uint64, uint64) {}
func (nopProgress) Advance(bool)         {}
func (nopProgress) Finish()              {}

type RunOptions struct {
	// Name labels the archive metadata and the run's logs and metrics.
	Name        string
	Description string
	Attribution string
	Format      string
	Pool        PoolOptions
	BatchSize   int
}

// RunController takes one bounding box and zoom range to a finalized archive.
type RunController struct {
	fetcher  Fetcher
	limiter  *RateLimiter
	opts     RunOptions
	logger   logger.Logger
	metrics  *metrics.Metrics
	progress Progress
	open     OutputterOpener
	now      func() time.Time
}

func NewRunController(fetcher Fetcher, limiter *RateLimiter, opts RunOptions, log logger.Logger, m *metrics.Metrics) *RunController {
	if log == nil {
		log = logger.NewNop()
	}
	if limiter == nil {
		limiter = NewRateLimiter(RateLimitOptions{MaxInFlight: max(opts.Pool.Workers, 1)})
	}
	return &RunController{
		fetcher:  fetcher,
		limiter:  limiter,
		opts:     opts,
		logger:   log,
		metrics:  m,
		progress: nopProgress{},
		open:     MbtilesOpener(opts.BatchSize),
		now:      time.Now,
	}
}

// SetProgress installs a progress reporter for subsequent runs.
func (c *RunController) SetProgress(p Progress) {
	if p == nil {
		p = nopProgress{}
	}
	c.progress = p
}

// SetOpener replaces how the in-progress archive is opened.
func (c *RunController) SetOpener(open OutputterOpener) {
	if open == nil {
		open = MbtilesOpener(c.opts.BatchSize)
	}
	c.open = open
}

// Execute fetches every tile of bounds over zooms that the archive does not
// hold yet and finalizes the archive at outputPath. Work happens in the
// in-progress sibling of outputPath, which a later Execute with the same
// arguments resumes.
func (c *RunController) Execute(ctx context.Context, bounds LngLatBbox, zooms ZoomRange, outputPath string) *RunRecord {
	rec := &RunRecord{
		Target:     c.opts.Name,
		OutputPath: outputPath,
		Bounds:     bounds,
		Zooms:      zooms,
		StartedAt:  c.now(),
	}
	log := c.logger.With(logger.String("output", outputPath))

	err := c.execute(ctx, rec, log)
	rec.FinishedAt = c.now()

	fields := []logger.Field{
		logger.Uint64("requested", rec.TilesRequested),
		logger.Int("skipped", rec.TilesSkipped),
		logger.Int("written", rec.TilesWritten),
		logger.Int("failed", rec.TilesFailed),
		logger.Duration("elapsed", rec.Duration()),
	}
	switch {
	case err != nil:
		rec.Status = RunFatal
		rec.Err = err
		log.Error("Run aborted", append(fields, logger.Error(err))...)
	case rec.TilesFailed > 0:
		rec.Status = RunPartialFailure
		log.Warn("Run finished with failed tiles", fields...)
	default:
		rec.Status = RunSuccess
		log.Info("Run finished", fields...)
	}

	c.metrics.ObserveRun(rec.Target, rec.Status.String(), rec.StartedAt, rec.FinishedAt)
	return rec
}

func (c *RunController) execute(ctx context.Context, rec *RunRecord, log logger.Logger) error {
	total, err := CountTiles(rec.Bounds, rec.Zooms)
	if err != nil {
		return err
	}
	rec.TilesRequested = total
	seq, err := Tiles(rec.Bounds, rec.Zooms)
	if err != nil {
		return err
	}

	if _, err := os.Stat(rec.OutputPath); err == nil {
		return fmt.Errorf("%w: %s", ErrGenerationExists, rec.OutputPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return storageErr("stat", rec.OutputPath, err)
	}

	workPath := InProgressPath(rec.OutputPath)
	writer, err := c.open(workPath, rec.Bounds, rec.Zooms)
	if err != nil {
		return c.recoverLeftover(workPath, rec, err, log)
	}

	present := writer.TileCount()
	if present > 0 {
		log.Info("Resuming archive", logger.Uint64("present", present), logger.Uint64("requested", total))
	} else {
		log.Info("Starting archive", logger.Uint64("requested", total), logger.String("zooms", rec.Zooms.String()))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan *FetchJob)
	results := make(chan *FetchResult, 64)
	skipped := make(chan int, 1)

	go func() {
		n := 0
		defer func() {
			close(jobs)
			skipped <- n
		}()
		for tile := range seq {
			if writer.Contains(tile) {
				n++
				continue
			}
			select {
			case jobs <- &FetchJob{Tile: tile, Attempt: 1}:
			case <-runCtx.Done():
				return
			}
		}
	}()

	pool := NewFetchPool(c.fetcher, c.limiter, c.opts.Pool, c.logger, c.metrics)
	go func() {
		pool.Run(runCtx, jobs, results)
		close(results)
	}()

	c.progress.Start(total, present)

	var fatal error
	for res := range results {
		if fatal != nil {
			continue
		}
		if !res.OK() {
			rec.TilesFailed++
			c.progress.Advance(false)
			continue
		}
		if err := writer.Put(res.Tile, res.Data); err != nil {
			fatal = err
			cancel()
			continue
		}
		rec.TilesWritten++
		c.metrics.IncWritten()
		c.progress.Advance(true)

		if rec.TilesWritten%logEveryTiles == 0 {
			log.Info("Wrote tiles", logger.Int("written", rec.TilesWritten), logger.Int("failed", rec.TilesFailed))
		}
	}
	rec.TilesSkipped = <-skipped
	c.progress.Finish()
	c.metrics.AddSkipped(rec.TilesSkipped)

	if fatal != nil {
		_ = writer.Close()
		return fatal
	}
	if err := ctx.Err(); err != nil {
		if cerr := writer.Close(); cerr != nil {
			log.Warn("Closing interrupted archive failed", logger.Error(cerr))
		}
		return fmt.Errorf("run interrupted: %w", err)
	}

	if _, err := writer.Finalize(FinalizeOptions{
		Name:        c.opts.Name,
		Description: c.opts.Description,
		Attribution: c.opts.Attribution,
		Format:      c.opts.Format,
		Generated:   c.now(),
	}); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := os.Rename(workPath, rec.OutputPath); err != nil {
		return storageErr("rename", workPath, err)
	}
	return nil
}

// recoverLeftover handles an in-progress archive that failed to open. One that was
// finalized before its rename is moved into place. One started for another
// request, or one that cannot be read, is moved aside so the next generation
// starts clean.
func (c *RunController) recoverLeftover(workPath string, rec *RunRecord, err error, log logger.Logger) error {
	if _, serr := os.Stat(workPath); serr != nil {
		return err
	}

	switch {
	case errors.Is(err, ErrArchiveFinalized):
		log.Warn("Completing rename of finalized archive", logger.String("path", workPath))
		if rerr := os.Rename(workPath, rec.OutputPath); rerr != nil {
			return storageErr("rename", workPath, rerr)
		}
		return nil
	case errors.Is(err, ErrArchiveMismatch), errors.Is(err, ErrStorageFailure):
		stale := workPath + StaleExt
		if rerr := os.Rename(workPath, stale); rerr != nil {
			return storageErr("rename", workPath, rerr)
		}
		log.Warn("Moved unusable archive aside", logger.String("path", stale), logger.Error(err))
		return fmt.Errorf("%w: moved to %s: %w", ErrStaleArchive, stale, err)
	}
	return err
}
