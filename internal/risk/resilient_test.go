package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/metrics"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/riskclient"
)

type evaluatorStub struct {
	calls int
	resp  *riskclient.Response
	err   error
}

func (s *evaluatorStub) Evaluate(ctx context.Context, request riskclient.Request) (*riskclient.Response, error) {
	s.calls++
	return s.resp, s.err
}

type recorderStub struct {
	outcomes map[string]int
	state    float64
}

func (r *recorderStub) ObserveRiskCall(outcome string, duration time.Duration) {
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[outcome]++
}

func (r *recorderStub) SetBreakerState(state float64) { r.state = state }

func newScorer(client Evaluator, recorder Recorder) *ResilientScorer {
	logger, _ := logtest.NewNullLogger()
	breaker := NewBreaker(BreakerConfig{WindowSize: 5, MinimumCalls: 5, FailureRatePercent: 50, OpenDuration: time.Minute, HalfOpenCalls: 1})
	return NewResilientScorer(client, breaker, recorder, logger)
}

func TestScoreReturnsModelResponse(t *testing.T) {
	score := 0.42
	client := &evaluatorStub{resp: &riskclient.Response{Score: &score, RiskLevel: "MEDIUM", ModelVersion: "v7"}}
	recorder := &recorderStub{}

	result := newScorer(client, recorder).Score(context.Background(), riskclient.Request{TransactionID: "t1"})

	if result.Fallback {
		t.Fatal("expected model response, got fallback")
	}
	if *result.Response.Score != 0.42 || result.Response.ModelVersion != "v7" {
		t.Fatalf("unexpected response %+v", result.Response)
	}
	if recorder.outcomes[metrics.OutcomeSuccess] != 1 {
		t.Fatalf("expected one success, got %v", recorder.outcomes)
	}
}

func TestScoreFallsBackOnError(t *testing.T) {
	client := &evaluatorStub{err: errors.New("timeout")}

	result := newScorer(client, &recorderStub{}).Score(context.Background(), riskclient.Request{})

	if !result.Fallback {
		t.Fatal("expected fallback")
	}
	if *result.Response.Score != 0.1 || result.Response.RiskLevel != "LOW" || result.Response.RecommendedAction != "APPROVE" || result.Response.ModelVersion != "FALLBACK" {
		t.Fatalf("unexpected fallback %+v", result.Response)
	}
}

func TestOpenBreakerShortCircuitsWithoutRemoteCall(t *testing.T) {
	client := &evaluatorStub{err: errors.New("connection refused")}
	recorder := &recorderStub{}
	scorer := newScorer(client, recorder)

	for i := 0; i < 5; i++ {
		scorer.Score(context.Background(), riskclient.Request{})
	}
	if client.calls != 5 {
		t.Fatalf("expected 5 remote calls before opening, got %d", client.calls)
	}
	if recorder.state != float64(StateOpen) {
		t.Fatalf("expected breaker gauge to report OPEN, got %v", recorder.state)
	}

	result := scorer.Score(context.Background(), riskclient.Request{})

	if client.calls != 5 {
		t.Fatalf("expected no remote call while open, got %d calls", client.calls)
	}
	if !result.Fallback || result.Response.ModelVersion != FallbackModelVersion {
		t.Fatalf("expected fallback while open, got %+v", result)
	}
	if recorder.outcomes[metrics.OutcomeFallback] != 6 {
		t.Fatalf("expected 6 fallbacks, got %v", recorder.outcomes)
	}
}
