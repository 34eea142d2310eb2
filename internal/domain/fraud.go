package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskLevel is the bucketed form of an ML risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// FraudAction is the outcome of the decision matrix.
type FraudAction string

const (
	ActionApprove        FraudAction = "APPROVE"
	ActionHold           FraudAction = "HOLD"
	ActionHoldStrongAuth FraudAction = "HOLD_STRONG_AUTH"
	ActionBlock          FraudAction = "BLOCK"
)

// ConfirmationResult records how a held decision was resolved.
type ConfirmationResult string

const (
	ConfirmationUserConfirmed  ConfirmationResult = "USER_CONFIRMED"
	ConfirmationOTPVerified    ConfirmationResult = "OTP_VERIFIED"
	ConfirmationFalsePositive  ConfirmationResult = "FALSE_POSITIVE"
	ConfirmationConfirmedFraud ConfirmationResult = "CONFIRMED_FRAUD"
	ConfirmationTimeout        ConfirmationResult = "TIMEOUT"
	ConfirmationAuthTimeout    ConfirmationResult = "AUTH_TIMEOUT"
)

// FraudDecision maps to the `fraud_decisions` table. Everything but the
// confirmation fields is written once.
type FraudDecision struct {
	ID                  uuid.UUID           `json:"id"`
	TransactionID       uuid.UUID           `json:"transaction_id"`
	SagaID              uuid.UUID           `json:"saga_id"`
	UserID              string              `json:"user_id"`
	SenderReference     string              `json:"sender_reference"`
	ReceiverReference   string              `json:"receiver_reference"`
	Amount              decimal.Decimal     `json:"amount"`
	RiskScore           *float64            `json:"risk_score,omitempty"`
	RiskLevel           RiskLevel           `json:"risk_level"`
	AmountBalanceRatio  float64             `json:"amount_balance_ratio"`
	NewReceiver         bool                `json:"new_receiver"`
	HighRiskCount24h    int                 `json:"high_risk_count_24h"`
	Decision            FraudAction         `json:"decision"`
	RecommendedAction   string              `json:"recommended_action"`
	Reason              string              `json:"reason"`
	CreatedAt           time.Time           `json:"created_at"`
	ExpiresAt           *time.Time          `json:"expires_at,omitempty"`
	DecidedAt           *time.Time          `json:"decided_at,omitempty"`
	ConfirmationResult  *ConfirmationResult `json:"confirmation_result,omitempty"`
	TimeToConfirmMillis *int64              `json:"time_to_confirm_ms,omitempty"`
}

// IsExpired reports whether a held decision can no longer be confirmed.
func (d *FraudDecision) IsExpired(now time.Time) bool {
	return d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

// FraudEvaluation is the append-only audit row of one ML scoring call,
// kept for offline model retraining.
type FraudEvaluation struct {
	ID                 uuid.UUID          `json:"id"`
	SagaID             uuid.UUID          `json:"saga_id"`
	TransactionID      uuid.UUID          `json:"transaction_id"`
	UserID             string             `json:"user_id"`
	Features           json.RawMessage    `json:"features"`
	FeatureImportances map[string]float64 `json:"feature_importances"`
	ModelVersion       string             `json:"model_version"`
	RiskScore          *float64           `json:"risk_score,omitempty"`
	RiskLevel          string             `json:"risk_level"`
	CreatedAt          time.Time          `json:"created_at"`
}
