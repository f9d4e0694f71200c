package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	sourceLabel = "source"
	resultLabel = "result"
	methodLabel = "method"
	statusLabel = "status"
)

// Update run results.
const (
	ResultSuccess   = "success"
	ResultUnchanged = "unchanged"
	ResultLocked    = "locked"
	ResultFailed    = "failed"
)

// Metrics holds the collectors of the daemon. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	updateRuns       *prometheus.CounterVec
	updateDuration   *prometheus.HistogramVec
	revisionsTouched *prometheus.CounterVec
	linesRejected    *prometheus.CounterVec
	rpcRequests      *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec
	sessionsActive   prometheus.Gauge
	sensorChecks     *prometheus.CounterVec
	sensorsReachable prometheus.Gauge
	sweepDuration    prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		updateRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesync_update_runs_total",
			Help: "Update runs per source and outcome",
		}, []string{sourceLabel, resultLabel}),
		updateDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rulesync_update_duration_seconds",
			Help:    "Wall time of update runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{sourceLabel}),
		revisionsTouched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesync_revisions_stored_total",
			Help: "Rule revisions stored by update runs",
		}, []string{sourceLabel}),
		linesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesync_lines_rejected_total",
			Help: "Input lines skipped during ingestion, by reason",
		}, []string{"reason"}),
		rpcRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesync_rpc_requests_total",
			Help: "Sensor protocol calls by method and status",
		}, []string{methodLabel, statusLabel}),
		rpcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rulesync_rpc_duration_seconds",
			Help:    "Sensor protocol call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{methodLabel}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rulesync_sessions",
			Help: "Sessions currently held in the cache",
		}),
		sensorChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesync_sensor_checks_total",
			Help: "Sensor health checks by outcome",
		}, []string{resultLabel}),
		sensorsReachable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rulesync_sensors_reachable",
			Help: "Sensors reachable in the last sweep",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rulesync_health_sweep_duration_seconds",
			Help:    "Wall time of health sweeps",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) UpdateRun(source, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.updateRuns.WithLabelValues(source, result).Inc()
	m.updateDuration.WithLabelValues(source).Observe(took.Seconds())
}

func (m *Metrics) RevisionsStored(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.revisionsTouched.WithLabelValues(source).Add(float64(n))
}

// LinesRejected counts skipped input lines by reason
// (malformed, abnormal, bad_format, missing_reference).
func (m *Metrics) LinesRejected(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.linesRejected.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) RPC(method string, ok bool, took time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.rpcRequests.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(took.Seconds())
}

func (m *Metrics) Sessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) SensorCheck(reachable bool) {
	if m == nil {
		return
	}
	result := "reachable"
	if !reachable {
		result = "unreachable"
	}
	m.sensorChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) Sweep(reachable int, took time.Duration) {
	if m == nil {
		return
	}
	m.sensorsReachable.Set(float64(reachable))
	m.sweepDuration.Observe(took.Seconds())
}
