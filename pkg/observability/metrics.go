package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foliocms/folio/pkg/httputil"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Gateway metrics
	AuthAttemptsTotal        *prometheus.CounterVec
	RateLimitDecisionsTotal  *prometheus.CounterVec
	KeyCacheRefreshTotal     *prometheus.CounterVec
	UsageRecordsDroppedTotal prometheus.Counter
	UsageWriteFailuresTotal  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folio_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "folio_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folio_auth_attempts_total",
				Help: "Authentication attempts by credential source and outcome",
			},
			[]string{"source", "result"},
		),
		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folio_ratelimit_decisions_total",
				Help: "Rate limit decisions: allowed, rejected, or degraded",
			},
			[]string{"outcome"},
		),
		KeyCacheRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folio_keycache_refresh_total",
				Help: "Signing key set refreshes by result",
			},
			[]string{"result"},
		),
		UsageRecordsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "folio_usage_records_dropped_total",
				Help: "Usage records dropped due to a full buffer",
			},
		),
		UsageWriteFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "folio_usage_write_failures_total",
				Help: "Usage record sink write failures",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthAttemptsTotal,
		m.RateLimitDecisionsTotal,
		m.KeyCacheRefreshTotal,
		m.UsageRecordsDroppedTotal,
		m.UsageWriteFailuresTotal,
	)

	return m
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// The matched route template is used as the label so cardinality stays
// bounded regardless of path parameters.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := httputil.NewStatusRecorder(w)

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.Status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry for scraping.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
