package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRiskCallCountsByOutcome(t *testing.T) {
	c := NewCollector()

	c.ObserveRiskCall(OutcomeSuccess, 20*time.Millisecond)
	c.ObserveRiskCall(OutcomeFailure, 2*time.Second)
	c.ObserveRiskCall(OutcomeFallback, 0)
	c.ObserveRiskCall(OutcomeFallback, 0)

	if got := testutil.ToFloat64(c.riskCalls.WithLabelValues(OutcomeFallback)); got != 2 {
		t.Fatalf("expected 2 fallback calls, got %v", got)
	}
	if got := testutil.ToFloat64(c.riskCalls.WithLabelValues(OutcomeSuccess)); got != 1 {
		t.Fatalf("expected 1 success call, got %v", got)
	}
	if got := testutil.CollectAndCount(c.riskCallDuration); got != 1 {
		t.Fatalf("expected one histogram series, got %d", got)
	}
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	c := NewCollector()
	c.IncSagaOutcome("COMPLETED")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `transfer_saga_outcomes_total{outcome="COMPLETED"} 1`) {
		t.Fatalf("saga outcome missing from exposition:\n%s", rec.Body.String())
	}
}
