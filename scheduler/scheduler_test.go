package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/metrics"
	"github.com/geotiles/go-tilegrab/tilepack"
)

var (
	testBounds = tilepack.LngLatBbox{West: 20.70, South: 52.42, East: 20.74, North: 52.45}
	testZooms  = tilepack.ZoomRange{Min: 1, Max: 5}
)

// fakeExecutor records calls and tracks how many run at once.
type fakeExecutor struct {
	delay    time.Duration
	statuses []tilepack.RunStatus

	mu      sync.Mutex
	paths   []string
	calls   int
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeExecutor) Execute(ctx context.Context, bounds tilepack.LngLatBbox, zooms tilepack.ZoomRange, outputPath string) *tilepack.RunRecord {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	rec := &tilepack.RunRecord{OutputPath: outputPath, Bounds: bounds, Zooms: zooms, StartedAt: time.Now()}

	f.mu.Lock()
	call := f.calls
	f.calls++
	f.paths = append(f.paths, outputPath)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			rec.Status = tilepack.RunFatal
			rec.Err = ctx.Err()
			rec.FinishedAt = time.Now()
			return rec
		}
	}

	if call < len(f.statuses) {
		rec.Status = f.statuses[call]
	}
	if rec.Status == tilepack.RunFatal {
		rec.Err = errors.New("boom")
	}
	rec.FinishedAt = time.Now()
	return rec
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestScheduler(t *testing.T, exec Executor, opts Options, targets ...Target) *Scheduler {
	t.Helper()
	if len(targets) == 0 {
		targets = []Target{{Layer: "ORTO", Bounds: testBounds, Zooms: testZooms, Executor: exec}}
	}
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	s, err := New(targets, opts, logger.NewNop(), nil)
	require.NoError(t, err)
	return s
}

func TestSchedulerFirstTickIsImmediate(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(t, exec, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return exec.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, StateStopped, s.State())
	assert.Len(t, s.History(), 1)
	assert.Equal(t, "orto", s.History()[0].Target)
}

func TestSchedulerNeverOverlaps(t *testing.T) {
	exec := &fakeExecutor{delay: 60 * time.Millisecond}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s, err := New([]Target{{Layer: "ORTO", Bounds: testBounds, Zooms: testZooms, Executor: exec}},
		Options{OutputDir: t.TempDir(), Interval: 10 * time.Millisecond}, logger.NewNop(), m)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, int32(1), exec.maxSeen.Load())
	assert.Positive(t, testutil.ToFloat64(m.TicksSkipped))

	history := s.History()
	require.GreaterOrEqual(t, len(history), 2)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].StartedAt.Before(history[i-1].FinishedAt),
			"run %d started before run %d finished", i, i-1)
	}
}

func TestSchedulerContinuesAfterFailures(t *testing.T) {
	exec := &fakeExecutor{statuses: []tilepack.RunStatus{tilepack.RunFatal, tilepack.RunPartialFailure, tilepack.RunSuccess}}
	s := newTestScheduler(t, exec, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return exec.callCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	history := s.History()
	require.GreaterOrEqual(t, len(history), 3)
	assert.Equal(t, tilepack.RunFatal, history[0].Status)
	assert.Equal(t, tilepack.RunPartialFailure, history[1].Status)
	assert.Equal(t, tilepack.RunSuccess, history[2].Status)
}

func TestSchedulerCancelStopsRunningGeneration(t *testing.T) {
	exec := &fakeExecutor{delay: time.Hour}
	s := newTestScheduler(t, exec, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, StateStopped, s.State())
	require.Len(t, s.History(), 1)
	assert.ErrorIs(t, s.History()[0].Err, context.Canceled)

	assert.Error(t, s.Run(context.Background()))
}

func TestSchedulerNamesAndResumesGenerations(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 18, 6, 30, 0, 0, time.UTC)
	exec := &fakeExecutor{}
	s := newTestScheduler(t, exec, Options{OutputDir: dir, Interval: time.Hour, Now: func() time.Time { return now }},
		Target{Region: "Mazowieckie", Layer: "ORTO", Bounds: testBounds, Zooms: testZooms, Executor: exec})

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mazowieckie-orto_z1-5_20261018T063000Z.mbtiles"), exec.paths[0])

	// An interrupted earlier generation is resumed instead of starting a new name.
	pending := filepath.Join(dir, "mazowieckie-orto_z1-5_20261017T063000Z.mbtiles")
	require.NoError(t, os.WriteFile(tilepack.InProgressPath(pending), []byte("x"), 0o644))

	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pending, exec.paths[1])
}

func TestSchedulerRunsTargetsInOrder(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(t, exec, Options{Interval: time.Hour, Pause: 10 * time.Millisecond},
		Target{Region: "Mazowieckie", Layer: "ORTO", Bounds: testBounds, Zooms: testZooms, Executor: exec},
		Target{Region: "Łódzkie", Layer: "ORTO", Bounds: testBounds, Zooms: testZooms, Executor: exec},
	)

	start := time.Now()
	records, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "mazowieckie-orto", records[0].Target)
	assert.Equal(t, "lodzkie-orto", records[1].Target)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, StateIdle, s.State())
}

func TestSchedulerHooksRunForFinalizedArchives(t *testing.T) {
	exec := &fakeExecutor{statuses: []tilepack.RunStatus{tilepack.RunFatal, tilepack.RunPartialFailure, tilepack.RunSuccess}}
	s := newTestScheduler(t, exec, Options{Interval: time.Hour})

	var hooked []tilepack.RunStatus
	s.AddHook("collect", func(_ context.Context, rec *tilepack.RunRecord) error {
		hooked = append(hooked, rec.Status)
		return nil
	})
	s.AddHook("broken", func(context.Context, *tilepack.RunRecord) error {
		return errors.New("publish failed")
	})

	for i := 0; i < 3; i++ {
		_, err := s.RunOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []tilepack.RunStatus{tilepack.RunPartialFailure, tilepack.RunSuccess}, hooked)
	assert.Equal(t, tilepack.RunPartialFailure, s.History()[1].Status)
}

func TestSchedulerHistoryIsBounded(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(t, exec, Options{Interval: time.Hour, HistoryLimit: 2})
	for i := 0; i < 5; i++ {
		_, err := s.RunOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, s.History(), 2)
}

func TestNewValidates(t *testing.T) {
	exec := &fakeExecutor{}
	target := Target{Layer: "ORTO", Bounds: testBounds, Zooms: testZooms, Executor: exec}

	_, err := New(nil, Options{Interval: time.Hour}, nil, nil)
	assert.Error(t, err)

	_, err = New([]Target{target}, Options{}, nil, nil)
	assert.Error(t, err)

	_, err = New([]Target{target}, Options{Cron: "not a cron"}, nil, nil)
	assert.Error(t, err)

	bad := target
	bad.Bounds = tilepack.LngLatBbox{West: 10, South: 0, East: 5, North: 1}
	_, err = New([]Target{bad}, Options{Interval: time.Hour}, nil, nil)
	assert.ErrorIs(t, err, tilepack.ErrInvalidBoundingBox)

	noExec := target
	noExec.Executor = nil
	_, err = New([]Target{noExec}, Options{Interval: time.Hour}, nil, nil)
	assert.Error(t, err)
}

func TestTriggers(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	interval, err := NewTrigger(90*time.Minute, "")
	require.NoError(t, err)
	assert.Equal(t, base.Add(90*time.Minute), interval.Next(base))

	daily, err := NewTrigger(time.Hour, "0 3 * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC), daily.Next(base))
}

func TestStateTransitions(t *testing.T) {
	assert.NoError(t, ValidateStateTransition(StateIdle, StateRunning))
	assert.NoError(t, ValidateStateTransition(StateRunning, StateIdle))
	assert.NoError(t, ValidateStateTransition(StateIdle, StateStopped))
	assert.Error(t, ValidateStateTransition(StateRunning, StateRunning))
	assert.Error(t, ValidateStateTransition(StateStopped, StateIdle))
	assert.Error(t, ValidateStateTransition("bogus", StateIdle))
}

func newTileController(t *testing.T) *tilepack.RunController {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(append([]byte("\x89PNG\r\n\x1a\n"), r.URL.Path...))
	}))
	t.Cleanup(srv.Close)

	fetcher, err := tilepack.NewHTTPFetcher(tilepack.HTTPFetcherOptions{URLTemplate: srv.URL + "/{z}/{x}/{y}.png", Accept: "image/png"})
	require.NoError(t, err)
	return tilepack.NewRunController(fetcher, nil, tilepack.RunOptions{
		Name:   "ORTO",
		Format: "png",
		Pool:   tilepack.PoolOptions{Workers: 2, MaxRetries: 1},
	}, logger.NewNop(), nil)
}

func TestSchedulerReplacesUnresumableGeneration(t *testing.T) {
	dir := t.TempDir()
	leftover := filepath.Join(dir, "orto_z1-5_20261017T030000Z.mbtiles")
	w, err := tilepack.OpenMbtilesWriter(tilepack.InProgressPath(leftover), tilepack.LngLatBbox{West: 19.0, South: 50.0, East: 19.1, North: 50.1}, testZooms)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	now := time.Date(2026, 10, 18, 6, 30, 0, 0, time.UTC)
	s := newTestScheduler(t, newTileController(t), Options{OutputDir: dir, Interval: time.Hour, Now: func() time.Time { return now }})

	first, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, first[0].Err)
	assert.Equal(t, tilepack.RunSuccess, first[0].Status)
	assert.Equal(t, filepath.Join(dir, "orto_z1-5_20261018T063000Z.mbtiles"), first[0].OutputPath)
	assert.Equal(t, 5, first[0].TilesWritten)
	assert.NoFileExists(t, tilepack.InProgressPath(leftover))
	assert.FileExists(t, tilepack.InProgressPath(leftover)+tilepack.StaleExt)

	now = now.Add(time.Hour)
	second, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, tilepack.RunSuccess, second[0].Status)
	assert.Equal(t, filepath.Join(dir, "orto_z1-5_20261018T073000Z.mbtiles"), second[0].OutputPath)

	for _, rec := range s.History() {
		assert.NotEqual(t, tilepack.RunFatal, rec.Status)
	}
}

func TestSchedulerCompletesFinalizedLeftover(t *testing.T) {
	dir := t.TempDir()
	leftover := filepath.Join(dir, "orto_z1-5_20261017T030000Z.mbtiles")
	w, err := tilepack.OpenMbtilesWriter(tilepack.InProgressPath(leftover), testBounds, testZooms)
	require.NoError(t, err)
	_, err = w.Finalize(tilepack.FinalizeOptions{Name: "ORTO", Format: "png"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	s := newTestScheduler(t, newTileController(t), Options{OutputDir: dir, Interval: time.Hour})
	var hooked []string
	s.AddHook("record", func(_ context.Context, rec *tilepack.RunRecord) error {
		hooked = append(hooked, rec.OutputPath)
		return nil
	})

	records, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, tilepack.RunSuccess, records[0].Status)
	assert.Equal(t, leftover, records[0].OutputPath)
	assert.FileExists(t, leftover)
	assert.Equal(t, []string{leftover}, hooked)
}
