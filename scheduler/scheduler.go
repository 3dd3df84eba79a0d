// Package scheduler starts timestamped archive generations on a fixed
// interval or cron schedule and never lets two generations overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/metrics"
	"github.com/geotiles/go-tilegrab/tilepack"
)

const defaultHistoryLimit = 100

// ErrBusy is returned by RunOnce while a generation is running.
var ErrBusy = errors.New("a generation is already running")

// Executor runs one archive to completion. *tilepack.RunController implements it.
type Executor interface {
	Execute(ctx context.Context, bounds tilepack.LngLatBbox, zooms tilepack.ZoomRange, outputPath string) *tilepack.RunRecord
}

// Target is one archive produced by every generation.
type Target struct {
	Region   string
	Layer    string
	Bounds   tilepack.LngLatBbox
	Zooms    tilepack.ZoomRange
	Executor Executor
}

// Name is the file name prefix of the target's archives.
func (t Target) Name() string {
	return tilepack.GenerationPrefix(t.Region, t.Layer)
}

// Hook runs after a target produced a finalized archive.
type Hook func(ctx context.Context, rec *tilepack.RunRecord) error

type Options struct {
	OutputDir string
	Interval  time.Duration
	Cron      string
	// Pause separates consecutive targets of one generation.
	Pause        time.Duration
	HistoryLimit int
	Now          func() time.Time
}

type namedHook struct {
	name string
	fn   Hook
}

type Scheduler struct {
	targets []Target
	opts    Options
	trigger Trigger
	logger  logger.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	state   State
	history []*tilepack.RunRecord
	hooks   []namedHook

	wg sync.WaitGroup
}

func New(targets []Target, opts Options, log logger.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if len(targets) == 0 {
		return nil, errors.New("scheduler needs at least one target")
	}
	for i, t := range targets {
		if t.Executor == nil {
			return nil, fmt.Errorf("target %d (%s) has no executor", i, t.Name())
		}
		if err := t.Bounds.Validate(); err != nil {
			return nil, fmt.Errorf("target %s: %w", t.Name(), err)
		}
		if err := t.Zooms.Validate(); err != nil {
			return nil, fmt.Errorf("target %s: %w", t.Name(), err)
		}
	}

	trigger, err := NewTrigger(opts.Interval, opts.Cron)
	if err != nil {
		return nil, err
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &Scheduler{
		targets: targets,
		opts:    opts,
		trigger: trigger,
		logger:  log,
		metrics: m,
		state:   StateIdle,
	}, nil
}

// AddHook registers a post-finalize hook. Hook errors are logged and never
// change the run's status.
func (s *Scheduler) AddHook(name string, h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, namedHook{name: name, fn: h})
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns copies of the most recent run records, oldest first.
func (s *Scheduler) History() []tilepack.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tilepack.RunRecord, len(s.history))
	for i, rec := range s.history {
		out[i] = *rec
	}
	return out
}

func (s *Scheduler) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ValidateStateTransition(s.state, to); err != nil {
		return false
	}
	s.state = to
	return true
}

// Run fires the first generation immediately and then follows the trigger
// until ctx is cancelled. A generation in progress at cancellation sees the
// cancelled context; Run waits for it before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.State() == StateStopped {
		return errors.New("scheduler is stopped")
	}
	s.logger.Info("Scheduler started", logger.Int("targets", len(s.targets)), logger.String("output_dir", s.opts.OutputDir))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.transition(StateStopped)
			s.logger.Info("Scheduler stopped")
			return nil
		case <-timer.C:
			s.tick(ctx)
			now := s.opts.Now()
			next := s.trigger.Next(now)
			s.logger.Debug("Next tick scheduled", logger.Time("at", next))
			timer.Reset(next.Sub(now))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) bool {
	if !s.transition(StateRunning) {
		s.logger.Warn("Skipping tick, previous generation still running")
		s.metrics.IncTickSkipped()
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.transition(StateIdle)
		s.runGeneration(ctx)
	}()
	return true
}

// RunOnce runs a single generation synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) ([]*tilepack.RunRecord, error) {
	if !s.transition(StateRunning) {
		return nil, ErrBusy
	}
	defer s.transition(StateIdle)
	return s.runGeneration(ctx), nil
}

func (s *Scheduler) runGeneration(ctx context.Context) []*tilepack.RunRecord {
	started := s.opts.Now()
	s.logger.Info("Generation started", logger.Time("at", started))

	records := make([]*tilepack.RunRecord, 0, len(s.targets))
	for i, target := range s.targets {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && s.opts.Pause > 0 {
			if err := tilepack.Sleep(ctx, s.opts.Pause); err != nil {
				break
			}
		}
		records = append(records, s.runTarget(ctx, target))
	}

	s.logger.Info("Generation finished", logger.Int("runs", len(records)), logger.Duration("elapsed", s.opts.Now().Sub(started)))
	return records
}

func (s *Scheduler) runTarget(ctx context.Context, target Target) *tilepack.RunRecord {
	log := s.logger.With(logger.String("target", target.Name()))

	outputPath, resumed, err := s.outputPath(target)
	if err != nil {
		log.Error("Cannot pick output path", logger.Error(err))
		now := s.opts.Now()
		rec := &tilepack.RunRecord{
			Target:     target.Name(),
			Bounds:     target.Bounds,
			Zooms:      target.Zooms,
			StartedAt:  now,
			FinishedAt: now,
			Status:     tilepack.RunFatal,
			Err:        err,
		}
		s.record(rec)
		return rec
	}
	if resumed {
		log.Info("Resuming unfinished generation", logger.String("output", outputPath))
	}

	rec := target.Executor.Execute(ctx, target.Bounds, target.Zooms, outputPath)
	if resumed && errors.Is(rec.Err, tilepack.ErrStaleArchive) {
		outputPath = tilepack.NewGenerationPath(s.opts.OutputDir, target.Name(), target.Zooms, s.opts.Now())
		log.Warn("Unfinished generation cannot be resumed, starting a new one", logger.String("output", outputPath), logger.Error(rec.Err))
		rec = target.Executor.Execute(ctx, target.Bounds, target.Zooms, outputPath)
	}
	rec.Target = target.Name()
	s.record(rec)

	if rec.Finalized() {
		s.runHooks(ctx, rec, log)
	}
	return rec
}

// outputPath resumes the newest unfinished archive of the target, or names a
// fresh one.
func (s *Scheduler) outputPath(target Target) (string, bool, error) {
	path, ok, err := tilepack.PendingGeneration(s.opts.OutputDir, target.Name(), target.Zooms)
	if err != nil {
		return "", false, err
	}
	if ok {
		return path, true, nil
	}
	return tilepack.NewGenerationPath(s.opts.OutputDir, target.Name(), target.Zooms, s.opts.Now()), false, nil
}

func (s *Scheduler) record(rec *tilepack.RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	if extra := len(s.history) - s.opts.HistoryLimit; extra > 0 {
		s.history = append(s.history[:0:0], s.history[extra:]...)
	}
}

func (s *Scheduler) runHooks(ctx context.Context, rec *tilepack.RunRecord, log logger.Logger) {
	s.mu.Lock()
	hooks := append([]namedHook(nil), s.hooks...)
	s.mu.Unlock()

	for _, h := range hooks {
		if err := h.fn(ctx, rec); err != nil {
			log.Error("Post-finalize hook failed", logger.String("hook", h.name), logger.Error(err))
		}
	}
}
