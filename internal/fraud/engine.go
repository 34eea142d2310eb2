/**
 * @description
 * The fraud decision engine turns an ML risk score, the sender's profile and the
 * receiver's reputation into one of four actions, persists the decision for audit,
 * and owns the confirmation lifecycle of held transfers.
 *
 * @notes
 * - Confirmation and timeout race on the saga status: whichever conditional status
 *   update wins records the confirmation result, the other becomes a no-op.
 * - A failed blacklist lookup never blocks a transfer. It is treated as "not
 *   blacklisted" and logged with review=true.
 */
package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/risk"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/store"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/riskclient"
)

// Default classification thresholds and hold windows.
const (
	DefaultLowThreshold      = 0.30
	DefaultHighThreshold     = 0.70
	DefaultHoldTimeout       = 15 * time.Minute
	DefaultStrongAuthTimeout = 5 * time.Minute

	highRiskBlockCount = 2
)

// Scorer is the resilient risk client.
type Scorer interface {
	Score(ctx context.Context, request riskclient.Request) risk.Result
}

// AccountService is the part of the account service the engine needs.
type AccountService interface {
	IsReceiverBlacklisted(ctx context.Context, iban string) (bool, error)
	IncrementFraudCounter(ctx context.Context, userID string) error
}

// DecisionRecorder receives decision metrics.
type DecisionRecorder interface {
	IncFraudDecision(decision string)
}

type Config struct {
	LowThreshold      float64
	HighThreshold     float64
	HoldTimeout       time.Duration
	StrongAuthTimeout time.Duration
}

type Engine struct {
	repo     store.Repository
	scorer   Scorer
	accounts AccountService
	recorder DecisionRecorder
	logger   logrus.FieldLogger
	cfg      Config
	now      func() time.Time
}

func NewEngine(repo store.Repository, scorer Scorer, accounts AccountService, recorder DecisionRecorder, logger logrus.FieldLogger, cfg Config) *Engine {
	if cfg.LowThreshold <= 0 || cfg.HighThreshold <= cfg.LowThreshold {
		cfg.LowThreshold = DefaultLowThreshold
		cfg.HighThreshold = DefaultHighThreshold
	}
	if cfg.HoldTimeout <= 0 {
		cfg.HoldTimeout = DefaultHoldTimeout
	}
	if cfg.StrongAuthTimeout <= 0 {
		cfg.StrongAuthTimeout = DefaultStrongAuthTimeout
	}
	return &Engine{
		repo:     repo,
		scorer:   scorer,
		accounts: accounts,
		recorder: recorder,
		logger:   logger.WithField("component", "fraud_engine"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Classify buckets a score. Both thresholds belong to MEDIUM and a missing score is MEDIUM.
func Classify(score *float64, low, high float64) domain.RiskLevel {
	if score == nil {
		return domain.RiskMedium
	}
	switch {
	case *score < low:
		return domain.RiskLow
	case *score > high:
		return domain.RiskHigh
	default:
		return domain.RiskMedium
	}
}

// Classify buckets a score with the engine's configured thresholds.
func (e *Engine) Classify(score *float64) domain.RiskLevel {
	return Classify(score, e.cfg.LowThreshold, e.cfg.HighThreshold)
}

// AssessRequest carries everything needed to score and decide on one transfer.
type AssessRequest struct {
	SagaID        uuid.UUID
	TransactionID uuid.UUID
	Saga          *domain.Saga
	Sender        *domain.Account
	Profile       *domain.AccountProfile
}

// EvaluationInput is the decision-matrix input once a score is known.
type EvaluationInput struct {
	SagaID            uuid.UUID
	TransactionID     uuid.UUID
	UserID            string
	SenderReference   string
	ReceiverReference string
	Amount            decimal.Decimal
	Balance           decimal.Decimal
	RiskScore         *float64
	RecommendedAction string
	PreviousFraud     bool
}

// Assess scores the transfer, appends the evaluation audit row and decides.
func (e *Engine) Assess(ctx context.Context, req AssessRequest) (*domain.FraudDecision, error) {
	saga := req.Saga
	profile := req.Profile
	if profile == nil {
		profile = &domain.AccountProfile{UserID: saga.SenderUserID, Balance: req.Sender.Balance}
	}

	riskReq := riskclient.Request{
		TransactionID:      req.TransactionID.String(),
		UserID:             saga.SenderUserID,
		ReceiverReference:  saga.ReceiverIBAN,
		Amount:             saga.Amount,
		Currency:           saga.Currency,
		Channel:            string(saga.Channel),
		Balance:            req.Sender.Balance,
		CreditScore:        profile.CreditScore,
		AccountAgeDays:     profile.AccountAgeDays,
		PreviousFraudCount: profile.PreviousFraudCount,
		CardType:           profile.CardType,
		CardLimit:          profile.CardLimit,
		AIInitiated:        saga.AIInitiated,
		HourOfDay:          e.now().Hour(),
	}
	result := e.scorer.Score(ctx, riskReq)

	features, err := json.Marshal(riskReq)
	if err != nil {
		return nil, fmt.Errorf("marshal risk features: %w", err)
	}
	evaluation := &domain.FraudEvaluation{
		ID:                 uuid.New(),
		SagaID:             req.SagaID,
		TransactionID:      req.TransactionID,
		UserID:             saga.SenderUserID,
		Features:           features,
		FeatureImportances: result.Response.FeatureImportances,
		ModelVersion:       result.Response.ModelVersion,
		RiskScore:          result.Response.Score,
		RiskLevel:          result.Response.RiskLevel,
		CreatedAt:          e.now().UTC(),
	}
	if err := e.repo.CreateFraudEvaluation(ctx, evaluation); err != nil {
		// audit only; the decision does not depend on it
		e.logger.WithError(err).WithField("saga_id", req.SagaID).Warn("failed to store fraud evaluation")
	}

	return e.Evaluate(ctx, EvaluationInput{
		SagaID:            req.SagaID,
		TransactionID:     req.TransactionID,
		UserID:            saga.SenderUserID,
		SenderReference:   saga.SenderIBAN,
		ReceiverReference: saga.ReceiverIBAN,
		Amount:            saga.Amount,
		Balance:           req.Sender.Balance,
		RiskScore:         result.Response.Score,
		RecommendedAction: result.Response.RecommendedAction,
		PreviousFraud:     profile.PreviousFraudCount > 0 || profile.PreviousFraudFlag,
	})
}

// Evaluate applies the decision matrix and persists the decision.
func (e *Engine) Evaluate(ctx context.Context, in EvaluationInput) (*domain.FraudDecision, error) {
	now := e.now().UTC()
	level := e.Classify(in.RiskScore)
	log := e.logger.WithFields(logrus.Fields{"saga_id": in.SagaID, "user_id": in.UserID})

	seen, err := e.repo.HasPriorDecisionForReceiver(ctx, in.UserID, in.ReceiverReference, in.SagaID)
	if err != nil {
		return nil, fmt.Errorf("check receiver history: %w", err)
	}
	highCount, err := e.repo.CountHighRiskDecisions(ctx, in.UserID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("count high risk decisions: %w", err)
	}

	blacklisted, err := e.accounts.IsReceiverBlacklisted(ctx, in.ReceiverReference)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"receiver": in.ReceiverReference,
			"review":   true,
		}).Warn("blacklist lookup failed; treating receiver as not blacklisted")
		blacklisted = false
	}

	action, reason := decide(level, blacklisted, in.PreviousFraud, highCount)

	decision := &domain.FraudDecision{
		ID:                 uuid.New(),
		TransactionID:      in.TransactionID,
		SagaID:             in.SagaID,
		UserID:             in.UserID,
		SenderReference:    in.SenderReference,
		ReceiverReference:  in.ReceiverReference,
		Amount:             in.Amount,
		RiskScore:          in.RiskScore,
		RiskLevel:          level,
		AmountBalanceRatio: amountBalanceRatio(in.Amount, in.Balance),
		NewReceiver:        !seen,
		HighRiskCount24h:   highCount,
		Decision:           action,
		RecommendedAction:  in.RecommendedAction,
		Reason:             reason,
		CreatedAt:          now,
	}
	switch action {
	case domain.ActionHold:
		expires := now.Add(e.cfg.HoldTimeout)
		decision.ExpiresAt = &expires
	case domain.ActionHoldStrongAuth:
		expires := now.Add(e.cfg.StrongAuthTimeout)
		decision.ExpiresAt = &expires
	}

	if err := e.repo.CreateFraudDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("store fraud decision: %w", err)
	}
	if e.recorder != nil {
		e.recorder.IncFraudDecision(string(action))
	}
	log.WithFields(logrus.Fields{"decision": action, "risk_level": level, "reason": reason}).Info("fraud decision recorded")
	return decision, nil
}

// decide is the decision matrix; the first matching rule wins.
func decide(level domain.RiskLevel, blacklisted, previousFraud bool, highCount24h int) (domain.FraudAction, string) {
	switch {
	case blacklisted:
		return domain.ActionBlock, "receiver is blacklisted"
	case level == domain.RiskLow:
		return domain.ActionApprove, "low risk score"
	case level == domain.RiskMedium:
		return domain.ActionHold, "medium risk score requires user confirmation"
	case previousFraud:
		return domain.ActionBlock, "high risk score and prior confirmed fraud"
	case highCount24h >= highRiskBlockCount:
		return domain.ActionBlock, fmt.Sprintf("high risk score and %d high risk decisions in 24h", highCount24h)
	default:
		return domain.ActionHoldStrongAuth, "first high risk score requires strong authentication"
	}
}

func amountBalanceRatio(amount, balance decimal.Decimal) float64 {
	if !balance.IsPositive() {
		return 1.0
	}
	ratio, _ := amount.Div(balance).Float64()
	return ratio
}

// ConfirmHold resolves a held decision. It returns false when the decision is not a
// hold, has expired, was already resolved, or the confirmation type does not fit it.
// The confirmation is recorded before the saga is released, so a redelivered
// confirmation matching the recorded one only retries the release.
func (e *Engine) ConfirmHold(ctx context.Context, sagaID uuid.UUID, confirmation domain.ConfirmationResult) (bool, error) {
	decision, err := e.repo.GetLatestFraudDecision(ctx, sagaID)
	if err != nil {
		if errors.Is(err, store.ErrFraudDecisionNotFound) {
			return false, nil
		}
		return false, err
	}
	now := e.now().UTC()
	log := e.logger.WithFields(logrus.Fields{"saga_id": sagaID, "confirmation": confirmation})

	recorded := decision.ConfirmationResult != nil
	if recorded && *decision.ConfirmationResult != confirmation {
		log.Info("hold already resolved")
		return false, nil
	}
	if !recorded && decision.IsExpired(now) {
		log.Info("hold confirmation arrived after expiry")
		return false, nil
	}

	var from []domain.SagaStatus
	switch {
	case decision.Decision == domain.ActionHold && (confirmation == domain.ConfirmationUserConfirmed || confirmation == domain.ConfirmationFalsePositive):
		from = []domain.SagaStatus{domain.SagaStatusHold}
	case decision.Decision == domain.ActionHoldStrongAuth && (confirmation == domain.ConfirmationOTPVerified || confirmation == domain.ConfirmationFalsePositive):
		from = []domain.SagaStatus{domain.SagaStatusAwaitingAuth}
	default:
		log.WithField("decision", decision.Decision).Warn("confirmation does not match decision")
		return false, nil
	}

	if !recorded {
		won, err := e.repo.RecordConfirmation(ctx, decision.ID, confirmation, now, now.Sub(decision.CreatedAt))
		if err != nil {
			return false, err
		}
		if !won {
			log.Info("hold already resolved")
			return false, nil
		}
	}
	flipped, err := e.repo.UpdateSagaStatusIf(ctx, sagaID, from, domain.SagaStatusConfirmed)
	if err != nil {
		return false, err
	}
	if !flipped {
		if !recorded {
			log.Warn("confirmation recorded but saga no longer held")
		}
		return false, nil
	}
	log.Info("hold confirmed")
	return true, nil
}

// MarkFalsePositive lets operations release a hold that was wrongly raised.
func (e *Engine) MarkFalsePositive(ctx context.Context, sagaID uuid.UUID) (bool, error) {
	return e.ConfirmHold(ctx, sagaID, domain.ConfirmationFalsePositive)
}

// TimeoutHold cancels a saga whose HOLD expired and records TIMEOUT.
func (e *Engine) TimeoutHold(ctx context.Context, sagaID uuid.UUID) (bool, error) {
	return e.cancel(ctx, sagaID, []domain.SagaStatus{domain.SagaStatusHold}, domain.ConfirmationTimeout, "hold confirmation timed out")
}

// TimeoutStrongAuth cancels a saga whose strong-auth window expired and records AUTH_TIMEOUT.
func (e *Engine) TimeoutStrongAuth(ctx context.Context, sagaID uuid.UUID) (bool, error) {
	return e.cancel(ctx, sagaID, []domain.SagaStatus{domain.SagaStatusAwaitingAuth}, domain.ConfirmationAuthTimeout, "strong authentication timed out")
}

// ReportFraud handles a user reporting a held transfer as fraudulent.
func (e *Engine) ReportFraud(ctx context.Context, sagaID uuid.UUID) (bool, error) {
	saga, err := e.repo.GetSaga(ctx, sagaID)
	if err != nil {
		return false, err
	}
	from := []domain.SagaStatus{domain.SagaStatusHold, domain.SagaStatusAwaitingAuth}
	cancelled, err := e.cancel(ctx, sagaID, from, domain.ConfirmationConfirmedFraud, "reported as fraud by user")
	if err != nil || !cancelled {
		return cancelled, err
	}
	if err := e.accounts.IncrementFraudCounter(ctx, saga.SenderUserID); err != nil {
		e.logger.WithError(err).WithField("saga_id", sagaID).Error("failed to increment fraud counter after fraud report")
	}
	return true, nil
}

func (e *Engine) cancel(ctx context.Context, sagaID uuid.UUID, from []domain.SagaStatus, result domain.ConfirmationResult, reason string) (bool, error) {
	closed, err := e.repo.CloseSagaIf(ctx, sagaID, from, domain.StageCancelled, domain.SagaStatusCancelled, reason)
	if err != nil {
		return false, err
	}
	if !closed {
		return false, nil
	}
	if err := e.repo.FailOpenLedgerTransactions(ctx, sagaID, domain.LedgerStatusFailed); err != nil {
		return true, fmt.Errorf("fail ledger rows: %w", err)
	}

	decision, err := e.repo.GetLatestFraudDecision(ctx, sagaID)
	if err != nil {
		if errors.Is(err, store.ErrFraudDecisionNotFound) {
			return true, nil
		}
		return true, err
	}
	now := e.now().UTC()
	if _, err := e.repo.RecordConfirmation(ctx, decision.ID, result, now, now.Sub(decision.CreatedAt)); err != nil {
		return true, err
	}
	e.logger.WithFields(logrus.Fields{"saga_id": sagaID, "result": result}).Info("held transfer cancelled")
	return true, nil
}
