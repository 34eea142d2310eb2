/**
 * @description
 * This file defines the saga model that tracks a single in-flight transfer from the
 * moment its start command is received until it reaches a terminal state.
 *
 * @notes
 * - A saga only ever moves forward through its stages. The single exception is the
 *   compensation path, which re-credits the sender and closes the saga as FAILED.
 * - Sagas are never deleted. Terminal sagas are flagged as archived by the recovery scheduler.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SagaStage is the position of a saga in the transfer pipeline.
type SagaStage string

const (
	StageInitiated     SagaStage = "INITIATED"
	StageFraudEvaluate SagaStage = "FRAUD_EVALUATE"
	StageDebit         SagaStage = "DEBIT"
	StageCredit        SagaStage = "CREDIT"
	StageFinalize      SagaStage = "FINALIZE"
	StageCompleted     SagaStage = "COMPLETED"
	StageCancelled     SagaStage = "CANCELLED"
	StageFailed        SagaStage = "FAILED"
	StageBlocked       SagaStage = "BLOCKED"
)

var stageRank = map[SagaStage]int{
	StageInitiated:     0,
	StageFraudEvaluate: 1,
	StageDebit:         2,
	StageCredit:        3,
	StageFinalize:      4,
	StageCompleted:     5,
	StageCancelled:     5,
	StageFailed:        5,
	StageBlocked:       5,
}

// IsTerminal reports whether no further stage transition is possible.
func (s SagaStage) IsTerminal() bool {
	switch s {
	case StageCompleted, StageCancelled, StageFailed, StageBlocked:
		return true
	}
	return false
}

// Rank orders stages so handlers can detect redelivered messages.
func (s SagaStage) Rank() int {
	rank, ok := stageRank[s]
	if !ok {
		return -1
	}
	return rank
}

// After reports whether s is strictly later in the pipeline than other.
func (s SagaStage) After(other SagaStage) bool {
	return s.Rank() > other.Rank()
}

// SagaStatus describes what a saga is currently waiting on. CREDITING marks a claimed
// credit whose outcome is not recorded yet; CREDITED means the receiver has the money.
// Only PROCESSING and CONFIRMED sagas can be failed and refunded.
type SagaStatus string

const (
	SagaStatusProcessing   SagaStatus = "PROCESSING"
	SagaStatusHold         SagaStatus = "HOLD"
	SagaStatusAwaitingAuth SagaStatus = "AWAITING_AUTH"
	SagaStatusConfirmed    SagaStatus = "CONFIRMED"
	SagaStatusCrediting    SagaStatus = "CREDITING"
	SagaStatusCredited     SagaStatus = "CREDITED"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusCancelled    SagaStatus = "CANCELLED"
	SagaStatusFailed       SagaStatus = "FAILED"
	SagaStatusBlocked      SagaStatus = "BLOCKED"
)

// TransferChannel identifies where a transfer originated.
type TransferChannel string

const (
	ChannelP2P TransferChannel = "P2P"
	ChannelATM TransferChannel = "ATM"
)

// StrongAuthType is the second factor requested for HOLD_STRONG_AUTH decisions.
type StrongAuthType string

const (
	StrongAuthOTP       StrongAuthType = "OTP"
	StrongAuthBiometric StrongAuthType = "BIOMETRIC"
)

// Saga maps to the `saga_transactions` table.
type Saga struct {
	ID                    uuid.UUID        `json:"id"`
	SenderUserID          string           `json:"sender_user_id"`
	ReceiverUserID        string           `json:"receiver_user_id"`
	SenderIBAN            string           `json:"sender_iban"`
	ReceiverIBAN          string           `json:"receiver_iban"`
	Amount                decimal.Decimal  `json:"amount"`
	Currency              string           `json:"currency"`
	Description           string           `json:"description"`
	Channel               TransferChannel  `json:"channel"`
	AIInitiated           bool             `json:"ai_initiated"`
	Stage                 SagaStage        `json:"stage"`
	Status                SagaStatus       `json:"status"`
	SenderTransactionID   *uuid.UUID       `json:"sender_transaction_id,omitempty"`
	ReceiverTransactionID *uuid.UUID       `json:"receiver_transaction_id,omitempty"`
	DebitApplied          bool             `json:"debit_applied"`
	DebitedAmount         *decimal.Decimal `json:"debited_amount,omitempty"`
	HoldExpiresAt         *time.Time       `json:"hold_expires_at,omitempty"`
	AuthType              *StrongAuthType  `json:"auth_type,omitempty"`
	AuthCode              *string          `json:"-"`
	AuthCodeExpiresAt     *time.Time       `json:"auth_code_expires_at,omitempty"`
	RetryCount            int              `json:"retry_count"`
	LastError             *string          `json:"last_error,omitempty"`
	OriginalCommand       []byte           `json:"-"`
	Archived              bool             `json:"archived"`
	ArchivedAt            *time.Time       `json:"archived_at,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// NeedsCompensation reports whether money left the sender and has not been returned.
func (s *Saga) NeedsCompensation() bool {
	return s.DebitApplied && s.DebitedAmount != nil && s.DebitedAmount.IsPositive()
}
