package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestMetrics() *Metrics {
	return NewWithRegistry("gateway", prometheus.NewRegistry())
}

func TestHTTPMiddlewareRecordsRequestCountAndStatus(t *testing.T) {
	m := newTestMetrics()

	router := mux.NewRouter()
	router.Use(m.HTTPMiddleware("gateway"))
	router.HandleFunc("/api/v1/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/pay_123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	count := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("gateway", http.MethodPost, "/api/v1/payments/{id}", "201"))
	assert.Equal(t, float64(1), count)
}

func TestRecordSagaOutcomeIncrementsCounter(t *testing.T) {
	m := newTestMetrics()
	m.RecordSagaOutcome("authorize_payment", "success")
	m.RecordSagaOutcome("authorize_payment", "success")
	count := testutil.ToFloat64(m.SagaOutcomesTotal.WithLabelValues("authorize_payment", "success"))
	assert.Equal(t, float64(2), count)
}

func TestSetCircuitStateReflectsLatestValue(t *testing.T) {
	m := newTestMetrics()
	m.SetCircuitState("stripe", 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CircuitState.WithLabelValues("stripe")))
	m.SetCircuitState("stripe", 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.CircuitState.WithLabelValues("stripe")))
}
