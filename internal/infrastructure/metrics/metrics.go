// Package metrics exposes Foundry Core's Prometheus instrumentation.
//
// Collectors live on a private registry rather than the global default so
// tests can create independent instances.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "foundry"

// Metrics holds every collector the server updates.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	telemetryMessages *prometheus.CounterVec
	robotsOnline      prometheus.Gauge
	robotAlarms       *prometheus.GaugeVec

	riskDecisions *prometheus.CounterVec
	riskScore     prometheus.Histogram

	tokensIssued   *prometheus.CounterVec
	auditDropped   prometheus.Counter
	auditFailures  prometheus.Counter
	rateLimited    prometheus.Counter
	wsClients      prometheus.Gauge
	buildInfo      *prometheus.GaugeVec
	keyRotations   *prometheus.CounterVec
	restrictionsOn prometheus.Gauge
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New(version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		telemetryMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "telemetry_messages_total",
			Help: "Telemetry messages by outcome (applied, malformed, dropped, rejected).",
		}, []string{"result"}),
		robotsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "robots_online",
			Help: "Robots that reported within the staleness window.",
		}),
		robotAlarms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "robot_alarms",
			Help: "Robots at each alarm level.",
		}, []string{"level"}),
		riskDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_decisions_total",
			Help: "Risk assessments by decision.",
		}, []string{"decision"}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "risk_score",
			Help:    "Distribution of risk scores.",
			Buckets: []float64{0, 10, 25, 50, 75, 100},
		}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_issued_total",
			Help: "Tokens issued by type.",
		}, []string{"type"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_events_dropped_total",
			Help: "Security events dropped because the sink queue was full.",
		}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_write_failures_total",
			Help: "Security events that failed to persist.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Requests rejected with 429.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "websocket_clients",
			Help: "Connected WebSocket dashboard clients.",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "build_info",
			Help: "Build information; value is always 1.",
		}, []string{"version"}),
		keyRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signing_key_rotations_total",
			Help: "Signing key rotations by policy.",
		}, []string{"policy"}),
		restrictionsOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "contextual_restrictions",
			Help: "Live contextual restrictions.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.telemetryMessages, m.robotsOnline, m.robotAlarms,
		m.riskDecisions, m.riskScore,
		m.tokensIssued, m.auditDropped, m.auditFailures, m.rateLimited, m.wsClients,
		m.buildInfo, m.keyRotations, m.restrictionsOn,
	)
	m.buildInfo.WithLabelValues(version).Set(1)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (for tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTP records one finished request. route should be the router
// pattern ("/api/v1/robots/{id}"), not the raw path, to bound cardinality.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// InFlight adjusts the in-flight request gauge by delta.
func (m *Metrics) InFlight(delta float64) { m.httpInFlight.Add(delta) }

// TelemetryMessage counts one message by outcome.
func (m *Metrics) TelemetryMessage(result string) {
	m.telemetryMessages.WithLabelValues(result).Inc()
}

// SetFleet publishes the online count and per-alarm-level counts.
func (m *Metrics) SetFleet(online int, alarms map[string]int) {
	m.robotsOnline.Set(float64(online))
	for _, level := range []string{"normal", "warning", "critical"} {
		m.robotAlarms.WithLabelValues(level).Set(float64(alarms[level]))
	}
}

// RiskDecision records an assessment outcome and its score.
func (m *Metrics) RiskDecision(decision string, score int) {
	m.riskDecisions.WithLabelValues(decision).Inc()
	m.riskScore.Observe(float64(score))
}

// TokenIssued counts an issued access or refresh token.
func (m *Metrics) TokenIssued(tokenType string) {
	m.tokensIssued.WithLabelValues(tokenType).Inc()
}

// AuditDropped counts a security event that was not persisted.
func (m *Metrics) AuditDropped() { m.auditDropped.Inc() }

// AuditWriteFailed counts a security event the repository rejected.
func (m *Metrics) AuditWriteFailed() { m.auditFailures.Inc() }

// RateLimited counts a 429 response.
func (m *Metrics) RateLimited() { m.rateLimited.Inc() }

// WSClients sets the connected WebSocket client gauge.
func (m *Metrics) WSClients(n int) { m.wsClients.Set(float64(n)) }

// KeyRotated counts a signing key rotation.
func (m *Metrics) KeyRotated(policy string) {
	m.keyRotations.WithLabelValues(policy).Inc()
}

// Restrictions sets the live restriction gauge.
func (m *Metrics) Restrictions(n int) { m.restrictionsOn.Set(float64(n)) }
