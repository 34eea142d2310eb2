package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Risk client call outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeFallback = "fallback"
)

// Collector owns a private registry so tests can create as many as they need.
type Collector struct {
	registry          *prometheus.Registry
	riskCalls         *prometheus.CounterVec
	riskCallDuration  prometheus.Histogram
	breakerState      prometheus.Gauge
	sagaOutcomes      *prometheus.CounterVec
	fraudDecisions    *prometheus.CounterVec
	sweepProcessed    *prometheus.CounterVec
	idempotencyReplay prometheus.Counter
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		riskCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_client_calls_total",
			Help: "Risk scoring calls by outcome",
		}, []string{"outcome"}),
		riskCallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_client_call_duration_seconds",
			Help:    "Latency of remote risk scoring calls",
			Buckets: prometheus.DefBuckets,
		}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_client_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),
		sagaOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_saga_outcomes_total",
			Help: "Transfer sagas reaching a terminal or parked state",
		}, []string{"outcome"}),
		fraudDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_decisions_total",
			Help: "Fraud decisions by action",
		}, []string{"decision"}),
		sweepProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_sweep_items_total",
			Help: "Items handled by recovery sweeps",
		}, []string{"job", "result"}),
		idempotencyReplay: factory.NewCounter(prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Requests answered from the idempotency cache",
		}),
	}
}

// ObserveRiskCall counts a call. Short-circuited fallbacks pass a zero duration
// and are not recorded in the latency histogram.
func (c *Collector) ObserveRiskCall(outcome string, duration time.Duration) {
	c.riskCalls.WithLabelValues(outcome).Inc()
	if duration > 0 {
		c.riskCallDuration.Observe(duration.Seconds())
	}
}

func (c *Collector) SetBreakerState(state float64) {
	c.breakerState.Set(state)
}

func (c *Collector) IncSagaOutcome(outcome string) {
	c.sagaOutcomes.WithLabelValues(outcome).Inc()
}

func (c *Collector) IncFraudDecision(decision string) {
	c.fraudDecisions.WithLabelValues(decision).Inc()
}

func (c *Collector) IncSweep(job, result string) {
	c.sweepProcessed.WithLabelValues(job, result).Inc()
}

func (c *Collector) IncIdempotencyReplay() {
	c.idempotencyReplay.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
