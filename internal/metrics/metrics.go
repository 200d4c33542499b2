// Package metrics holds the Prometheus collectors exported by fgapiserver.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fgateway/fgapiserver/internal/models"
)

// Metrics collects Prometheus counters and histograms for fgapiserver.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry              *prometheus.Registry
	taskStatusTotal       *prometheus.CounterVec
	queueActionsTotal     *prometheus.CounterVec
	submitDurationSeconds *prometheus.HistogramVec
	sessionTokensTotal    *prometheus.CounterVec
	uploadBytesTotal      *prometheus.CounterVec
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestSeconds    *prometheus.HistogramVec
}

// New constructs a registry and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	taskStatusTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fgapiserver",
			Subsystem: "task",
			Name:      "status_total",
			Help:      "Total task status transitions made by the API server.",
		},
		[]string{"status"},
	)
	queueActionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fgapiserver",
			Subsystem: "queue",
			Name:      "actions_total",
			Help:      "Executor queue entries enqueued, by action.",
		},
		[]string{"action"},
	)
	submitDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fgapiserver",
			Subsystem: "task",
			Name:      "submit_duration_seconds",
			Help:      "Time spent checking, snapshotting and enqueuing a task submission.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"result"},
	)
	sessionTokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fgapiserver",
			Subsystem: "auth",
			Name:      "session_tokens_total",
			Help:      "Session token requests, by result.",
		},
		[]string{"result"},
	)
	uploadBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fgapiserver",
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Bytes written into sandboxes by uploads.",
		},
		[]string{"kind"},
	)
	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fgapiserver",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by route pattern, method and status code.",
		},
		[]string{"route", "method", "code"},
	)
	httpRequestSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fgapiserver",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by route pattern.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	registry.MustRegister(
		taskStatusTotal,
		queueActionsTotal,
		submitDurationSeconds,
		sessionTokensTotal,
		uploadBytesTotal,
		httpRequestsTotal,
		httpRequestSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry:              registry,
		taskStatusTotal:       taskStatusTotal,
		queueActionsTotal:     queueActionsTotal,
		submitDurationSeconds: submitDurationSeconds,
		sessionTokensTotal:    sessionTokensTotal,
		uploadBytesTotal:      uploadBytesTotal,
		httpRequestsTotal:     httpRequestsTotal,
		httpRequestSeconds:    httpRequestSeconds,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncTaskStatus(status models.TaskStatus) {
	if m == nil {
		return
	}
	m.taskStatusTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) IncQueueAction(action models.QueueAction) {
	if m == nil {
		return
	}
	m.queueActionsTotal.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) ObserveSubmit(result string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.submitDurationSeconds.WithLabelValues(result).Observe(seconds)
}

func (m *Metrics) IncSessionToken(result string) {
	if m == nil {
		return
	}
	m.sessionTokensTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AddUploadBytes(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadBytesTotal.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ObserveHTTPRequest(route, method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequestsTotal.WithLabelValues(route, method, statusCodeLabel(code)).Inc()
	if seconds := duration.Seconds(); seconds >= 0 {
		m.httpRequestSeconds.WithLabelValues(route).Observe(seconds)
	}
}

func statusCodeLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
