// Package metrics exposes Prometheus instruments for the dispatcher, the
// projections and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "timelines"

// Metrics groups every instrument. A nil *Metrics is a valid no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	eventsDispatched   *prometheus.CounterVec
	projectionFailures *prometheus.CounterVec
	projectionDuration *prometheus.HistogramVec
	dispatcherRunning  prometheus.Gauge
	httpRequests       *prometheus.CounterVec
	httpLatency        *prometheus.HistogramVec
}

// New creates the instruments and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		eventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dispatched_total",
				Help:      "Events routed to at least one projection.",
			},
			[]string{"event_type"},
		),
		projectionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "projection_failures_total",
				Help:      "Failed projection Process calls, panics included.",
			},
			[]string{"projection"},
		),
		projectionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "projection_duration_seconds",
				Help:      "Projection Process latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"projection"},
		),
		dispatcherRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatcher_running",
				Help:      "1 while the dispatcher holds a change-feed subscription.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	reg.MustRegister(
		m.eventsDispatched,
		m.projectionFailures,
		m.projectionDuration,
		m.dispatcherRunning,
		m.httpRequests,
		m.httpLatency,
	)
	return m
}

func (m *Metrics) EventDispatched(eventType string) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ProjectionFailed(name string) {
	if m == nil {
		return
	}
	m.projectionFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) ObserveProjection(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.projectionDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) SetDispatcherRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.dispatcherRunning.Set(1)
		return
	}
	m.dispatcherRunning.Set(0)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Instrument records request count and latency per route.
func (m *Metrics) Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequests.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpLatency.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
