/**
 * @description
 * ResilientScorer wraps the remote risk-scoring client with a circuit breaker and a
 * fail-open fallback. A transfer is never rejected because the model is unavailable;
 * it is scored as low risk instead and the fallback is visible in metrics and in the
 * evaluation audit row (model version FALLBACK).
 *
 * @dependencies
 * - pkg/riskclient: The HTTP client of the scoring service.
 * - github.com/sirupsen/logrus: Structured logging.
 */
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/metrics"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/riskclient"
)

// FallbackModelVersion marks results that did not come from the model.
const FallbackModelVersion = "FALLBACK"

// FallbackScore is the score assumed when the model cannot be reached.
const FallbackScore = 0.1

// Evaluator is the remote scoring call.
type Evaluator interface {
	Evaluate(ctx context.Context, request riskclient.Request) (*riskclient.Response, error)
}

// Recorder receives call metrics. *metrics.Collector implements it.
type Recorder interface {
	ObserveRiskCall(outcome string, duration time.Duration)
	SetBreakerState(state float64)
}

// Result is the outcome of a scoring attempt.
type Result struct {
	Response riskclient.Response
	Fallback bool
}

type ResilientScorer struct {
	client   Evaluator
	breaker  *Breaker
	recorder Recorder
	logger   logrus.FieldLogger
}

func NewResilientScorer(client Evaluator, breaker *Breaker, recorder Recorder, logger logrus.FieldLogger) *ResilientScorer {
	s := &ResilientScorer{
		client:   client,
		breaker:  breaker,
		recorder: recorder,
		logger:   logger.WithField("component", "risk_client"),
	}
	breaker.OnStateChange(func(from, to State) {
		s.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("risk client breaker state changed")
		if s.recorder != nil {
			s.recorder.SetBreakerState(float64(to))
		}
	})
	return s
}

// FallbackResponse is returned whenever the model cannot be consulted.
func FallbackResponse() riskclient.Response {
	score := FallbackScore
	return riskclient.Response{
		Score:             &score,
		RiskLevel:         "LOW",
		RecommendedAction: "APPROVE",
		ModelVersion:      FallbackModelVersion,
	}
}

// Score evaluates request. It never returns an error: failures yield the fallback.
func (s *ResilientScorer) Score(ctx context.Context, request riskclient.Request) Result {
	log := s.logger.WithField("transaction_id", request.TransactionID)

	if err := s.breaker.Allow(); err != nil {
		s.observe(metrics.OutcomeFallback, 0)
		log.Warn("risk client breaker open; using fallback score")
		return Result{Response: FallbackResponse(), Fallback: true}
	}

	start := time.Now()
	resp, err := s.client.Evaluate(ctx, request)
	elapsed := time.Since(start)
	if err == nil && resp == nil {
		err = errors.New("empty response from risk service")
	}

	if err != nil {
		s.breaker.Record(false)
		s.observe(metrics.OutcomeFailure, elapsed)
		s.observe(metrics.OutcomeFallback, 0)
		log.WithError(err).Warn("risk scoring failed; using fallback score")
		return Result{Response: FallbackResponse(), Fallback: true}
	}

	s.breaker.Record(true)
	s.observe(metrics.OutcomeSuccess, elapsed)
	return Result{Response: *resp}
}

func (s *ResilientScorer) observe(outcome string, d time.Duration) {
	if s.recorder != nil {
		s.recorder.ObserveRiskCall(outcome, d)
	}
}
