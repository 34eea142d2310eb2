/**
 * @description
 * Message payloads exchanged over RabbitMQ. Every payload travels inside the
 * envelope defined in pkg/rabbitmq, whose metadata carries the trace context.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys of the transfer exchange.
const (
	TopicStartTransfer    = "start-transfer-money"
	TopicUpdateTransfer   = "update-transfer-money"
	TopicFinalizeTransfer = "finalize-transfer-money"
	TopicDeposit          = "deposit-money"
	TopicWithdraw         = "withdraw-money"
	TopicNotification     = "notification-service"
	TopicChatNotification = "chat-notification-service"
	TopicInvoice          = "send-invoice-service"
	TopicTransactionError = "transaction-errors"
	TopicATMReport        = "atm-transfer-report"
)

// TransferCommand starts a transfer saga. SkipValidation is only set by the recovery
// scheduler when it replays a command that already passed validation once.
type TransferCommand struct {
	SagaID         uuid.UUID       `json:"saga_id" validate:"required"`
	UserID         string          `json:"user_id"`
	SenderIBAN     string          `json:"sender_iban" validate:"required"`
	ReceiverIBAN   string          `json:"receiver_iban" validate:"required,nefield=SenderIBAN"`
	ReceiverName   string          `json:"receiver_name,omitempty"`
	Amount         decimal.Decimal `json:"amount" validate:"gt=0"`
	Description    string          `json:"description" validate:"max=255"`
	Channel        TransferChannel `json:"channel,omitempty" validate:"omitempty,oneof=P2P ATM"`
	AIInitiated    bool            `json:"ai_initiated,omitempty"`
	ChatSessionID  string          `json:"chat_session_id,omitempty"`
	SkipValidation bool            `json:"skip_validation,omitempty"`
	RequestedAt    time.Time       `json:"requested_at"`
}

// DebitAppliedEvent is published on update-transfer-money once the sender was debited.
type DebitAppliedEvent struct {
	SagaID                uuid.UUID       `json:"saga_id"`
	SenderTransactionID   uuid.UUID       `json:"sender_transaction_id"`
	ReceiverTransactionID uuid.UUID       `json:"receiver_transaction_id"`
	Amount                decimal.Decimal `json:"amount"`
}

// FinalizeTransferEvent is published on finalize-transfer-money once the receiver was credited.
// The transaction ids are pointers so a malformed message can be told apart from a zero id.
type FinalizeTransferEvent struct {
	SagaID                uuid.UUID  `json:"saga_id"`
	SenderTransactionID   *uuid.UUID `json:"sender_transaction_id"`
	ReceiverTransactionID *uuid.UUID `json:"receiver_transaction_id"`
}

// BalanceCommand is the payload of the single-stage deposit-money and withdraw-money topics.
type BalanceCommand struct {
	TransactionID uuid.UUID       `json:"transaction_id" validate:"required"`
	UserID        string          `json:"user_id" validate:"required"`
	IBAN          string          `json:"iban" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"gt=0"`
	Description   string          `json:"description" validate:"max=255"`
}

// NotificationEvent is a fire-and-forget user notification.
type NotificationEvent struct {
	UserID   string            `json:"user_id"`
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Priority string            `json:"priority,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// ChatNotificationEvent tells the assistant chat that an AI-initiated transfer finished.
type ChatNotificationEvent struct {
	UserID        string    `json:"user_id"`
	ChatSessionID string    `json:"chat_session_id,omitempty"`
	SagaID        uuid.UUID `json:"saga_id"`
	Message       string    `json:"message"`
	SentAt        time.Time `json:"sent_at"`
}

// InvoiceRequestEvent asks the invoice service to render a receipt.
type InvoiceRequestEvent struct {
	SagaID                uuid.UUID       `json:"saga_id"`
	SenderTransactionID   uuid.UUID       `json:"sender_transaction_id"`
	ReceiverTransactionID uuid.UUID       `json:"receiver_transaction_id"`
	SenderName            string          `json:"sender_name"`
	ReceiverName          string          `json:"receiver_name"`
	SenderEmail           string          `json:"sender_email"`
	SenderIBAN            string          `json:"sender_iban"`
	ReceiverIBAN          string          `json:"receiver_iban"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Description           string          `json:"description"`
	CompletedAt           time.Time       `json:"completed_at"`
}

// ATMTransferReport is published for transfers that originated at an ATM.
type ATMTransferReport struct {
	SagaID        uuid.UUID       `json:"saga_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	SenderIBAN    string          `json:"sender_iban"`
	ReceiverIBAN  string          `json:"receiver_iban"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// TransactionErrorEvent is the structured error report published on transaction-errors.
type TransactionErrorEvent struct {
	SagaID    *uuid.UUID        `json:"saga_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Kind      string            `json:"kind"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Params    map[string]string `json:"params,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
