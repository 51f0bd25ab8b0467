// Package metrics exposes the server's Prometheus instrumentation:
// queue depths, session counts, worker occupancy, and bytes transferred,
// grounded on the promauto/WithLabelValues idiom
// pkg/metrics/prometheus/cache.go uses for dittofs's cache layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gauge/counter the server updates. A nil *Metrics is
// valid everywhere its methods are called — every method is a no-op on a
// nil receiver — so callers never need to branch on whether metrics are
// enabled.
type Metrics struct {
	connQueueDepth prometheus.Gauge
	taskQueueDepth prometheus.Gauge

	activeSessions prometheus.Gauge
	sessionsTotal  prometheus.Counter

	workersBusy *prometheus.GaugeVec

	bytesTransferred *prometheus.CounterVec
	commandsTotal    *prometheus.CounterVec
	commandErrors    *prometheus.CounterVec
}

// New registers every metric against a fresh registry and returns both.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		connQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stashd_connection_queue_depth",
			Help: "Current number of accepted connections waiting for a client handler",
		}),
		taskQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stashd_task_queue_depth",
			Help: "Current number of tasks waiting for a worker",
		}),
		activeSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stashd_active_sessions",
			Help: "Current number of active client sessions",
		}),
		sessionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stashd_sessions_total",
			Help: "Total number of sessions created since startup",
		}),
		workersBusy: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "stashd_worker_busy",
			Help: "1 if the worker at this index is processing a task, 0 if idle",
		}, []string{"worker_id"}),
		bytesTransferred: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stashd_bytes_transferred_total",
			Help: "Total bytes transferred by direction",
		}, []string{"direction"}), // "upload" | "download"
		commandsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stashd_commands_total",
			Help: "Total commands processed by verb",
		}, []string{"command"}),
		commandErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stashd_command_errors_total",
			Help: "Total command failures by verb and status",
		}, []string{"command", "status"}),
	}
	return m, reg
}

// Handler returns the HTTP handler the metrics server mounts at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnQueueDepth(n int) {
	if m == nil {
		return
	}
	m.connQueueDepth.Set(float64(n))
}

func (m *Metrics) SetTaskQueueDepth(n int) {
	if m == nil {
		return
	}
	m.taskQueueDepth.Set(float64(n))
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SetWorkerBusy(workerID string, busy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if busy {
		v = 1.0
	}
	m.workersBusy.WithLabelValues(workerID).Set(v)
}

func (m *Metrics) AddBytesTransferred(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) CommandProcessed(command string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command).Inc()
}

func (m *Metrics) CommandFailed(command, status string) {
	if m == nil {
		return
	}
	m.commandErrors.WithLabelValues(command, status).Inc()
}
