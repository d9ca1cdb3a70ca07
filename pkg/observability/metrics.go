package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors behind the /metrics endpoint.
// A dedicated registry keeps test processes from colliding on the global one.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	decisionsTotal  *prometheus.CounterVec
	auditEvents     *prometheus.CounterVec
	canaryRollbacks prometheus.Counter
	promotionsTotal *prometheus.CounterVec
	chainDegraded   prometheus.Gauge
}

// NewMetrics creates and registers all collectors under the given namespace
// (typically "trustplane").
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2.5},
	}, []string{"method", "route"})

	m.decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "check_decisions_total",
		Help:      "Policy check decisions by outcome.",
	}, []string{"decision"})

	m.auditEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_events_total",
		Help:      "Audit events appended by event type.",
	}, []string{"event_type"})

	m.canaryRollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "canary_rollbacks_total",
		Help:      "Automated canary rollbacks.",
	})

	m.promotionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "promotions_total",
		Help:      "Promotion requests by final status.",
	}, []string{"status"})

	m.chainDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "audit_chain_degraded",
		Help:      "1 when the audit chain refuses appends, 0 otherwise.",
	})

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.decisionsTotal,
		m.auditEvents,
		m.canaryRollbacks,
		m.promotionsTotal,
		m.chainDegraded,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDecision counts a check decision ("allow" or "deny").
func (m *Metrics) RecordDecision(allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.decisionsTotal.WithLabelValues(decision).Inc()
}

// RecordAuditEvent counts an appended audit event.
func (m *Metrics) RecordAuditEvent(eventType string) {
	m.auditEvents.WithLabelValues(eventType).Inc()
}

// RecordCanaryRollback counts an automated rollback.
func (m *Metrics) RecordCanaryRollback() {
	m.canaryRollbacks.Inc()
}

// RecordPromotion counts a promotion by its final status.
func (m *Metrics) RecordPromotion(status string) {
	m.promotionsTotal.WithLabelValues(status).Inc()
}

// SetChainDegraded flips the degraded gauge.
func (m *Metrics) SetChainDegraded(degraded bool) {
	if degraded {
		m.chainDegraded.Set(1)
	} else {
		m.chainDegraded.Set(0)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records request count and latency per route. The route label
// uses the matched ServeMux pattern when available so that path parameters do
// not explode cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
