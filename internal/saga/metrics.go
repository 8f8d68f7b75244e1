package saga

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for approval actions.
type Metrics struct {
	actions       *prometheus.CounterVec
	compensations *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the saga metrics. A nil registerer uses the default
// Prometheus registerer, registered once per process.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockflow_approval_actions_total",
		Help: "Approval actions partitioned by action and outcome.",
	}, []string{"action", "outcome"})
	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockflow_saga_compensations_total",
		Help: "Compensating steps executed after a failed ledger sync.",
	}, []string{"kind"})
	syncDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockflow_ledger_sync_duration_seconds",
		Help:    "Duration of external ledger calls made by the saga.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "success"})
	registerer.MustRegister(actions, compensations, syncDuration)
	return &Metrics{actions: actions, compensations: compensations, syncDuration: syncDuration}
}

func (m *Metrics) action(action, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) compensation(kind string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(kind).Inc()
}

func (m *Metrics) sync(endpoint string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(endpoint, strconv.FormatBool(success)).Observe(d.Seconds())
}
