package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerStatus is the lifecycle state of a ledger transaction row.
type LedgerStatus string

const (
	LedgerStatusInitiated LedgerStatus = "INITIATED"
	LedgerStatusPending   LedgerStatus = "PENDING"
	LedgerStatusHold      LedgerStatus = "HOLD"
	LedgerStatusBlocked   LedgerStatus = "BLOCKED"
	LedgerStatusCompleted LedgerStatus = "COMPLETED"
	LedgerStatusFailed    LedgerStatus = "FAILED"
)

// LedgerSide distinguishes the sender-side and receiver-side rows of one transfer.
type LedgerSide string

const (
	LedgerSideSender   LedgerSide = "SENDER"
	LedgerSideReceiver LedgerSide = "RECEIVER"
)

// LedgerType is the kind of money movement a ledger row records.
type LedgerType string

const (
	LedgerTypeTransfer    LedgerType = "TRANSFER"
	LedgerTypeATMTransfer LedgerType = "ATM_TRANSFER"
	LedgerTypeDeposit     LedgerType = "DEPOSIT"
	LedgerTypeWithdraw    LedgerType = "WITHDRAW"
)

// LedgerTransaction is the durable record of money movement.
// This struct maps to the `ledger_transactions` table.
type LedgerTransaction struct {
	ID           uuid.UUID       `json:"id"`
	SagaID       *uuid.UUID      `json:"saga_id,omitempty"`
	AccountID    string          `json:"account_id"`
	UserID       string          `json:"user_id"`
	Counterparty string          `json:"counterparty"`
	Side         LedgerSide      `json:"side"`
	Type         LedgerType      `json:"type"`
	Status       LedgerStatus    `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
