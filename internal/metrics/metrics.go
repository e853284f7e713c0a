// Package metrics holds the Prometheus collectors exported by workers and by
// the supervisor. All recorders are nil-safe so callers can run without them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authlook"

// HTTP records request counts and latencies served by a worker.
type HTTP struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTP registers the HTTP collectors with reg.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	factory := promauto.With(reg)
	return &HTTP{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served, by method and status code",
		}, []string{"method", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Request latency, by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Observe records a completed request.
func (m *HTTP) Observe(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Supervisor records worker lifecycle events.
type Supervisor struct {
	running  prometheus.Gauge
	restarts *prometheus.CounterVec
	reloads  prometheus.Counter
}

// NewSupervisor registers the supervisor collectors with reg.
func NewSupervisor(reg prometheus.Registerer) *Supervisor {
	factory := promauto.With(reg)
	return &Supervisor{
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "workers_running",
			Help:      "Worker processes currently alive",
		}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "worker_restarts_total",
			Help:      "Worker restarts, by reason",
		}, []string{"reason"}),
		reloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "reloads_total",
			Help:      "Reloads triggered by file changes",
		}),
	}
}

// WorkerStarted increments the running gauge.
func (m *Supervisor) WorkerStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

// WorkerExited decrements the running gauge.
func (m *Supervisor) WorkerExited() {
	if m == nil {
		return
	}
	m.running.Dec()
}

// Restarted counts a worker restart.
func (m *Supervisor) Restarted(reason string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(reason).Inc()
}

// Reloaded counts a reload cycle.
func (m *Supervisor) Reloaded() {
	if m == nil {
		return
	}
	m.reloads.Inc()
}

// Handler exposes the collectors gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
