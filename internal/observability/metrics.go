package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report tool-orchestration
// activity.
type Metrics struct {
	executeDuration *prometheus.HistogramVec
	executeFailures *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	pendingRequests prometheus.Gauge
	fetchResults    *prometheus.CounterVec
	templateResolve *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when components are instantiated
// multiple times (e.g. in unit tests).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided
// registerer. The caller is responsible for supplying a fresh registry when
// unique metric names are required (for example in tests). Any registration
// error will panic which mirrors the semantics of promauto helpers.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	executeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vcpd",
			Subsystem: "plugin",
			Name:      "execute_duration_seconds",
			Help:      "Duration of plugin executions by kind and status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)
	executeFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcpd",
			Subsystem: "plugin",
			Name:      "execute_failures_total",
			Help:      "Total plugin executions that failed, by error kind.",
		},
		[]string{"kind", "reason"},
	)
	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vcpd",
			Subsystem: "distributed",
			Name:      "sessions_active",
			Help:      "Number of currently connected worker sessions.",
		},
	)
	pendingRequests := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vcpd",
			Subsystem: "distributed",
			Name:      "pending_requests",
			Help:      "In-flight distributed tool calls awaiting a result.",
		},
	)
	fetchResults := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcpd",
			Subsystem: "fetcher",
			Name:      "results_total",
			Help:      "File fetch outcomes by source layer.",
		},
		[]string{"source"},
	)
	templateResolve := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcpd",
			Subsystem: "template",
			Name:      "resolve_total",
			Help:      "Template resolutions by status.",
		},
		[]string{"status"},
	)

	reg.MustRegister(executeDuration, executeFailures, sessionsActive, pendingRequests, fetchResults, templateResolve)

	return &Metrics{
		executeDuration: executeDuration,
		executeFailures: executeFailures,
		sessionsActive:  sessionsActive,
		pendingRequests: pendingRequests,
		fetchResults:    fetchResults,
		templateResolve: templateResolve,
	}
}

// ObserveExecute records one plugin execution.
func (m *Metrics) ObserveExecute(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.executeDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}

// CountExecuteFailure records one failed plugin execution by error kind.
func (m *Metrics) CountExecuteFailure(kind, reason string) {
	if m == nil {
		return
	}
	m.executeFailures.WithLabelValues(kind, reason).Inc()
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// PendingAdded increments the pending-request gauge.
func (m *Metrics) PendingAdded() {
	if m == nil {
		return
	}
	m.pendingRequests.Inc()
}

// PendingRemoved decrements the pending-request gauge.
func (m *Metrics) PendingRemoved() {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
}

// CountFetch records one file fetch outcome ("memory", "cache",
// "filesystem", "distributed" or "miss").
func (m *Metrics) CountFetch(source string) {
	if m == nil {
		return
	}
	m.fetchResults.WithLabelValues(source).Inc()
}

// CountResolve records one template resolution ("ok" or "error").
func (m *Metrics) CountResolve(status string) {
	if m == nil {
		return
	}
	m.templateResolve.WithLabelValues(status).Inc()
}
