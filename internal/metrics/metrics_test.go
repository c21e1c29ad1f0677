package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	live := 3
	m := New(func() int { return live })

	m.ObserveTool("query.execute", "", 20*time.Millisecond)
	m.ObserveTool("query.execute", "invalid_parameters", time.Millisecond)
	m.DatasetCreated()
	m.DatasetCreated()
	m.DatasetEvicted()
	m.Truncated(TruncDisplayRows)
	m.Retried()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("query.execute", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("query.execute", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolErrors.WithLabelValues("query.execute", "invalid_parameters")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DatasetsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DatasetsEvicted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Truncations.WithLabelValues(TruncDisplayRows)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(func() int { return 7 })
	m.ObserveTool("analytics.run", "", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "leapgate_datasets_live 7")
	assert.True(t, strings.Contains(body, `leapgate_tool_calls_total{outcome="ok",tool="analytics.run"} 1`))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTool("x", "y", time.Second)
	m.DatasetCreated()
	m.DatasetEvicted()
	m.Truncated(TruncPayload)
	m.Retried()
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
