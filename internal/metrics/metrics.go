// Package metrics holds the Prometheus collectors for the simulator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for generator calls.
const (
	OutcomeOK       = "ok"
	OutcomeFallback = "fallback"
)

// Metrics holds all application metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Generator calls
	GeneratorCalls   *prometheus.CounterVec
	GeneratorLatency *prometheus.HistogramVec

	// HTTP
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers all application metrics under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		GeneratorCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "calls_total",
			Help:      "Total number of content generator calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		GeneratorLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "call_duration_seconds",
			Help:      "Duration of content generator calls",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		RequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

// ObserveGenerator records one generator call. A nil receiver is a no-op.
func (m *Metrics) ObserveGenerator(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GeneratorCalls.WithLabelValues(operation, outcome).Inc()
	m.GeneratorLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Middleware counts requests by route pattern and status code.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		m.RequestTotal.WithLabelValues(r.Method, path, code).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
