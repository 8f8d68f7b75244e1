package jobmetrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rr := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("approval:notify").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("approval:notify").End(boom), boom)

	body := scrape(t, reg)
	require.Contains(t, body, `stockflow_jobs_total{job="approval:notify",status="success"} 1`)
	require.Contains(t, body, `stockflow_jobs_total{job="approval:notify",status="failure"} 1`)
	require.Contains(t, body, `stockflow_jobs_failures_total{job="approval:notify"} 1`)
	require.Contains(t, body, `stockflow_job_duration_seconds_count{job="approval:notify"} 2`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Track("x").End(nil))
	m.AddNotifications("created", 3)
}

func TestAddNotifications(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.AddNotifications("rejected", 2)
	m.AddNotifications("rejected", 0)
	m.AddNotifications("", 1)

	body := scrape(t, reg)
	require.Contains(t, body, `stockflow_approval_notifications_total{event="rejected"} 2`)
	require.Contains(t, body, `stockflow_approval_notifications_total{event="unknown"} 1`)
}
