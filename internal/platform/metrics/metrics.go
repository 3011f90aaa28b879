// Package metrics provides the gateway's Prometheus instrumentation,
// trimmed from the teacher's infrastructure/metrics.Metrics down to the
// payment domain's own surface (saga outcomes, PSP latency, circuit
// breaker state, webhook delivery outcome) per SPEC_FULL.md section 7 —
// deep tracing/metrics scaffolding is out of scope, but some ambient
// instrumentation matches the teacher's practice everywhere else.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the gateway registers.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	SagaOutcomesTotal *prometheus.CounterVec
	PSPCallTotal      *prometheus.CounterVec
	PSPCallDuration   *prometheus.HistogramVec
	CircuitState      *prometheus.GaugeVec

	WebhookDeliveryTotal *prometheus.CounterVec
	FraudDecisionTotal   *prometheus.CounterVec
}

// New registers a Metrics instance against the default Prometheus
// registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_http_requests_total", Help: "Total HTTP requests served"},
			[]string{"service", "method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gateway_http_requests_in_flight", Help: "HTTP requests currently being served"},
		),
		SagaOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_saga_outcomes_total", Help: "Authorization saga outcomes"},
			[]string{"saga", "outcome"},
		),
		PSPCallTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_psp_calls_total", Help: "PSP calls by operation and outcome"},
			[]string{"psp", "operation", "outcome"},
		),
		PSPCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_psp_call_duration_seconds",
				Help:    "PSP call duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"psp", "operation"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_circuit_breaker_state", Help: "0=closed 1=half_open 2=open"},
			[]string{"psp"},
		),
		WebhookDeliveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_webhook_deliveries_total", Help: "Webhook delivery attempts by outcome"},
			[]string{"outcome"},
		),
		FraudDecisionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_fraud_decisions_total", Help: "Fraud evaluation decisions"},
			[]string{"decision"},
		),
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.HTTPRequestsInFlight,
		m.SagaOutcomesTotal, m.PSPCallTotal, m.PSPCallDuration, m.CircuitState,
		m.WebhookDeliveryTotal, m.FraudDecisionTotal,
	)
	return m
}

func (m *Metrics) RecordHTTPRequest(service, method, path, status string, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(service, method, path).Observe(d.Seconds())
}

func (m *Metrics) RecordSagaOutcome(saga, outcome string) {
	m.SagaOutcomesTotal.WithLabelValues(saga, outcome).Inc()
}

func (m *Metrics) RecordPSPCall(psp, operation, outcome string, d time.Duration) {
	m.PSPCallTotal.WithLabelValues(psp, operation, outcome).Inc()
	m.PSPCallDuration.WithLabelValues(psp, operation).Observe(d.Seconds())
}

func (m *Metrics) SetCircuitState(psp string, state int) {
	m.CircuitState.WithLabelValues(psp).Set(float64(state))
}

func (m *Metrics) RecordWebhookDelivery(outcome string) {
	m.WebhookDeliveryTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordFraudDecision(decision string) {
	m.FraudDecisionTotal.WithLabelValues(decision).Inc()
}

// HTTPMiddleware records request count/duration/in-flight per route,
// grounded on the teacher's infrastructure/middleware.MetricsMiddleware.
func (m *Metrics) HTTPMiddleware(serviceName string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			wrapped := &statusCapturingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			m.RecordHTTPRequest(serviceName, r.Method, path, strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

type statusCapturingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
