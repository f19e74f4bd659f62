package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raidline",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raidline",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raidline",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Coordination operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)
	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raidline",
			Subsystem: "engine",
			Name:      "rejections_total",
			Help:      "Rejected operations by error kind and code.",
		},
		[]string{"operation", "kind", "code"},
	)
	reaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "raidline",
			Subsystem: "heartbeat",
			Name:      "reaped_total",
			Help:      "Agents deregistered after missing a heartbeat deadline.",
		},
	)
	relayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raidline",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Events delivered to relay sinks.",
		},
		[]string{"sink", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, operations, rejections, reaped, relayed)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordOperation counts one engine call. kind and code are empty on success.
func RecordOperation(op, kind, code string) {
	RegisterMetrics()
	if kind == "" {
		operations.WithLabelValues(op, "ok").Inc()
		return
	}
	operations.WithLabelValues(op, "rejected").Inc()
	rejections.WithLabelValues(op, kind, code).Inc()
}

func RecordReaped(n int) {
	RegisterMetrics()
	reaped.Add(float64(n))
}

func RecordRelay(sink string, success bool) {
	RegisterMetrics()
	outcome := "ok"
	if !success {
		outcome = "failed"
	}
	relayed.WithLabelValues(sink, outcome).Inc()
}
