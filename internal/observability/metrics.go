// Package observability holds the Prometheus collectors shared by the service.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	readingsTotal      *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	notifyDuration     *prometheus.HistogramVec
	queueDepth         prometheus.Gauge
	breakerState       *prometheus.GaugeVec
	httpRequestsTotal  *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cagewatch",
			Name:      "readings_total",
			Help:      "Readings ingested by source and verdict.",
		}, []string{"source", "verdict"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cagewatch",
			Name:      "notifications_total",
			Help:      "Notification outcomes by channel and status.",
		}, []string{"channel", "status"}),
		notifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cagewatch",
			Name:      "notification_duration_seconds",
			Help:      "Time spent delivering one notification including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cagewatch",
			Name:      "dispatch_queue_depth",
			Help:      "Alert jobs waiting for a dispatch worker.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cagewatch",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per channel (0 closed, 1 half-open, 2 open).",
		}, []string{"channel"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cagewatch",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cagewatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		m.readingsTotal,
		m.notificationsTotal,
		m.notifyDuration,
		m.queueDepth,
		m.breakerState,
		m.httpRequestsTotal,
		m.httpDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Reading(source string, abnormal bool) {
	if m == nil {
		return
	}
	verdict := "normal"
	if abnormal {
		verdict = "abnormal"
	}
	m.readingsTotal.WithLabelValues(source, verdict).Inc()
}

func (m *Metrics) Notification(channel, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(channel, status).Inc()
	if took > 0 {
		m.notifyDuration.WithLabelValues(channel).Observe(took.Seconds())
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) BreakerState(channel string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(channel).Set(float64(state))
}

// NotificationCount returns the current counter value, for tests and the CLI.
func (m *Metrics) NotificationCount(channel, status string) float64 {
	if m == nil {
		return 0
	}
	c, err := m.notificationsTotal.GetMetricWithLabelValues(channel, status)
	if err != nil {
		return 0
	}
	return counterValue(c)
}

func counterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}

// Middleware records request counts and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
