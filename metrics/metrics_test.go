package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveFetch(OutcomeSuccess, time.Second)
	m.IncRetry()
	m.SetInFlight(3)
	m.IncWritten()
	m.AddSkipped(2)
	m.ObserveRun("x", "success", time.Now(), time.Now())
	m.IncTickSkipped()
	m.ObserveServed(ServedHit)
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveFetch(OutcomeSuccess, 10*time.Millisecond)
	m.ObserveFetch(OutcomeSuccess, 20*time.Millisecond)
	m.ObserveFetch(OutcomeTransient, time.Millisecond)
	m.IncRetry()
	m.AddSkipped(4)
	m.AddSkipped(0)

	assert.InDelta(t, 2, testutil.ToFloat64(m.FetchesTotal.WithLabelValues(OutcomeSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.FetchesTotal.WithLabelValues(OutcomeTransient)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RetriesTotal), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.TilesSkipped), 0)

	finished := time.Unix(1700000000, 0)
	m.ObserveRun("mazowieckie", "success", finished.Add(-time.Minute), finished)
	assert.InDelta(t, 1700000000, testutil.ToFloat64(m.LastRunTimestamp.WithLabelValues("mazowieckie")), 0)
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.IncTickSkipped()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tilegrab_scheduler_ticks_skipped_total 1")
}
