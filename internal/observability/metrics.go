package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	requestCount     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	errorCount       *prometheus.CounterVec
	issuanceOutcomes *prometheus.CounterVec
	runDuration      prometheus.Histogram
	runsTotal        *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
}

// NewMetrics registers collectors on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		errorCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "HTTP errors by domain error code.",
		}, []string{"method", "path", "code"}),
		issuanceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "badge_issuance_outcomes_total",
			Help: "Per-user issuance outcomes by status code.",
		}, []string{"result", "status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "badge_issuance_run_duration_seconds",
			Help:    "Wall time of batch issuance runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "badge_issuance_runs_total",
			Help: "Batch issuance runs by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "badge_notifications_total",
			Help: "Operator notifications by kind and delivery result.",
		}, []string{"kind", "delivered"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "badge_token_refreshes_total",
			Help: "Provider token refreshes by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestCount,
		m.requestDuration,
		m.errorCount,
		m.issuanceOutcomes,
		m.runDuration,
		m.runsTotal,
		m.notifications,
		m.tokenRefreshes,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestCount.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errorCount.WithLabelValues(method, path, code).Inc()
}

// RecordIssuance counts one per-user outcome.
func (m *Metrics) RecordIssuance(success bool, statusCode int) {
	if m == nil {
		return
	}
	m.issuanceOutcomes.WithLabelValues(resultLabel(success), strconv.Itoa(statusCode)).Inc()
}

// RecordRun observes a finished batch run. result is success, failure, critical or empty.
func (m *Metrics) RecordRun(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(result).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordNotification counts one notification attempt.
func (m *Metrics) RecordNotification(kind string, delivered bool) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, strconv.FormatBool(delivered)).Inc()
}

// RecordTokenRefresh counts one token refresh.
func (m *Metrics) RecordTokenRefresh(success bool) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
