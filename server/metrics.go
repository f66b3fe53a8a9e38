package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"briefgate/auth"
)

const metricsNamespace = "briefgate"

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	grants         *prometheus.CounterVec
	authorizations *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	sessionsOpened prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	sweepRemoved   *prometheus.CounterVec
	sweepErrors    *prometheus.CounterVec
	rateLimited    prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewMetrics registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_grants_total",
			Help:      "Token endpoint grants by grant type and result.",
		}, []string{"grant_type", "result"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "authorizations_total",
			Help:      "Authorization flow steps by stage and result.",
		}, []string{"stage", "result"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Network sessions currently open.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_opened_total",
			Help:      "Network sessions created.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_closed_total",
			Help:      "Network sessions closed by reason.",
		}, []string{"reason"}),
		sweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_removed_total",
			Help:      "Entries removed by the cleanup sweep.",
		}, []string{"task"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_errors_total",
			Help:      "Failed cleanup sweep tasks.",
		}, []string{"task"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.grants, m.authorizations,
		m.sessionsActive, m.sessionsOpened, m.sessionsClosed,
		m.sweepRemoved, m.sweepErrors, m.rateLimited,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionOpened implements session.Observer.
func (m *Metrics) SessionOpened() {
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

// SessionClosed implements session.Observer.
func (m *Metrics) SessionClosed(reason string) {
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.sessionsActive.Dec()
}

// ObserveSweep records one cleanup task result.
func (m *Metrics) ObserveSweep(task string, removed int, err error) {
	if err != nil {
		m.sweepErrors.WithLabelValues(task).Inc()
		return
	}
	m.sweepRemoved.WithLabelValues(task).Add(float64(removed))
}

// ObserveGrant records a token endpoint outcome.
func (m *Metrics) ObserveGrant(grantType string, err error) {
	m.grants.WithLabelValues(grantType, outcome(err)).Inc()
}

// ObserveAuthorization records an authorize or callback outcome.
func (m *Metrics) ObserveAuthorization(stage string, err error) {
	m.authorizations.WithLabelValues(stage, outcome(err)).Inc()
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited() { m.rateLimited.Inc() }

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(auth.KindOf(err))
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
