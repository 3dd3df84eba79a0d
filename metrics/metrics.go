// Package metrics exposes Prometheus collectors for tile acquisition runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tilegrab"

// Fetch outcomes used as the "outcome" label of FetchesTotal.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomeFailure   = "failure"
)

// Outcomes of serving a tile, used as the "outcome" label of TilesServed.
const (
	ServedHit   = "hit"
	ServedMiss  = "miss"
	ServedError = "error"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// so engine components can be built without a registry.
type Metrics struct {
	FetchesTotal     *prometheus.CounterVec
	FetchDuration    prometheus.Histogram
	RetriesTotal     prometheus.Counter
	InFlight         prometheus.Gauge
	TilesWritten     prometheus.Counter
	TilesSkipped     prometheus.Counter
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	LastRunTimestamp *prometheus.GaugeVec
	TicksSkipped     prometheus.Counter
	TilesServed      *prometheus.CounterVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Upstream tile requests by outcome",
		}, []string{"outcome"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Upstream tile request latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "retries_total",
			Help:      "Tile jobs re-submitted after a transient failure",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "in_flight",
			Help:      "Upstream requests currently in flight",
		}),
		TilesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "tiles_written_total",
			Help:      "Tiles persisted into archives",
		}),
		TilesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "tiles_skipped_total",
			Help:      "Tiles skipped because a resumed archive already held them",
		}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "completed_total",
			Help:      "Completed runs by status",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall clock duration of runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
		LastRunTimestamp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_finished_timestamp_seconds",
			Help:      "Unix time of the last finished run by target",
		}, []string{"target"}),
		TicksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_skipped_total",
			Help:      "Scheduler ticks skipped because a generation was still running",
		}),
		TilesServed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serve",
			Name:      "tile_requests_total",
			Help:      "Tile requests answered from an archive by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(outcome).Inc()
	m.FetchDuration.Observe(d.Seconds())
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) SetInFlight(n int64) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

func (m *Metrics) IncWritten() {
	if m == nil {
		return
	}
	m.TilesWritten.Inc()
}

func (m *Metrics) AddSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TilesSkipped.Add(float64(n))
}

// ObserveRun records a finished run for target.
func (m *Metrics) ObserveRun(target, status string, started, finished time.Time) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(finished.Sub(started).Seconds())
	m.LastRunTimestamp.WithLabelValues(target).Set(float64(finished.Unix()))
}

func (m *Metrics) IncTickSkipped() {
	if m == nil {
		return
	}
	m.TicksSkipped.Inc()
}

func (m *Metrics) ObserveServed(outcome string) {
	if m == nil {
		return
	}
	m.TilesServed.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
