package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()
	config := DefaultPrometheusConfig()
	config.Enabled = false
	pm, err := NewPrometheusMetrics(config, nil)
	require.NoError(t, err)
	return pm
}

func TestEngineCounters(t *testing.T) {
	pm := newTestMetrics(t)

	pm.RecordAssignment("exp-1", "control", "created")
	pm.RecordAssignment("exp-1", "control", "created")
	pm.RecordAssignment("exp-1", "", "ineligible")
	pm.RecordConversion("exp-1", "control")
	pm.RecordAutoStop("significance")
	pm.RecordSinkError("influxdb")

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.assignmentsTotal.WithLabelValues("exp-1", "control", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.assignmentsTotal.WithLabelValues("exp-1", "", "ineligible")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.conversionsTotal.WithLabelValues("exp-1", "control")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.autoStopsTotal.WithLabelValues("significance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.sinkErrorsTotal.WithLabelValues("influxdb")))
}

func TestRunningExperimentsGauge(t *testing.T) {
	pm := newTestMetrics(t)

	pm.RecordTransition("draft", "running")
	pm.RecordTransition("draft", "running")
	pm.RecordTransition("running", "paused")
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.runningExperiments))

	pm.RecordTransition("paused", "running")
	pm.RecordTransition("running", "completed")
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.runningExperiments))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.transitionsTotal.WithLabelValues("running", "completed")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	pm := newTestMetrics(t)
	pm.RecordHTTPRequest("GET", "/api/v1/experiments/{id}", "200", 5*time.Millisecond)
	pm.RecordStorageOperation("postgres", "get_experiment", "success", time.Millisecond)
	pm.ObserveAnalysis("full", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `splitlab_server_http_requests_total{method="GET",path="/api/v1/experiments/{id}",status="200"} 1`)
	assert.Contains(t, string(body), "splitlab_server_storage_operations_total")
	assert.Contains(t, string(body), "splitlab_engine_analysis_duration_seconds")
}

func TestStartDisabledAndStop(t *testing.T) {
	pm := newTestMetrics(t)
	require.NoError(t, pm.Start(context.Background()))
	require.NoError(t, pm.Stop(context.Background()))
}

func TestIndependentRegistries(t *testing.T) {
	a := newTestMetrics(t)
	b := newTestMetrics(t)
	assert.NotSame(t, a.GetRegistry(), b.GetRegistry())
}
