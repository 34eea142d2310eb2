package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/tracing"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/errorcatalog"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/rabbitmq"
)

// MessageCatalog renders user-facing texts for business error codes.
type MessageCatalog interface {
	Message(ctx context.Context, code string, params map[string]string, fallback string) string
}

// technicalMessage is shown for every infrastructure failure. It must stay neutral.
const technicalMessage = "We could not complete your transaction because of a temporary problem. No money has been lost. Please try again later."

var fallbackMessages = map[string]string{
	CodeDuplicateTransfer:     "An identical transfer of {amount} to {receiver} was sent moments ago.",
	CodeInsufficientFunds:     "Your balance is not sufficient to send {amount}.",
	CodeAccountBlocked:        "Your account is currently blocked for outgoing transfers.",
	CodeAccountNotFound:       "The account {iban} could not be found.",
	CodeCurrencyMismatch:      "Transfers between {sender_currency} and {receiver_currency} accounts are not supported.",
	CodeReceiverNameMismatch:  "The receiver name does not match the account holder.",
	CodeBalanceUpdateRejected: "Your transfer was declined by your account provider.",
}

// ErrorReport identifies who and what an error belongs to. Final marks errors
// that ended the operation; only those reach the user for technical failures.
type ErrorReport struct {
	SagaID *uuid.UUID
	UserID string
	Stage  domain.SagaStage
	Final  bool
}

// ErrorReporter publishes structured error events and the matching user notification.
type ErrorReporter struct {
	publisher rabbitmq.Publisher
	catalog   MessageCatalog
	logger    logrus.FieldLogger
	now       func() time.Time
}

func NewErrorReporter(publisher rabbitmq.Publisher, catalog MessageCatalog, logger logrus.FieldLogger) *ErrorReporter {
	return &ErrorReporter{
		publisher: publisher,
		catalog:   catalog,
		logger:    logger.WithField("component", "error_reporter"),
		now:       time.Now,
	}
}

// Report publishes err. Validation errors are only logged; they have no user to tell.
func (r *ErrorReporter) Report(ctx context.Context, report ErrorReport, err error) {
	if err == nil {
		return
	}
	kind := errorKind(err)
	log := r.logger.WithFields(logrus.Fields{
		"kind":     kind,
		"user_id":  report.UserID,
		"trace_id": tracing.TraceID(ctx),
	})
	if report.SagaID != nil {
		log = log.WithField("saga_id", *report.SagaID)
	}
	if kind == "VALIDATION" {
		log.WithError(err).Warn("dropping invalid command")
		return
	}

	code := CodeTechnicalError
	var params map[string]string
	message := technicalMessage
	var be *BusinessError
	if errors.As(err, &be) {
		code = be.Code
		params = be.Params
		message = r.message(ctx, code, params)
	}

	event := domain.TransactionErrorEvent{
		SagaID:    report.SagaID,
		UserID:    report.UserID,
		Kind:      kind,
		Code:      code,
		Message:   err.Error(),
		Params:    params,
		Stage:     string(report.Stage),
		TraceID:   tracing.TraceID(ctx),
		Timestamp: r.now().UTC(),
	}
	if pubErr := r.publisher.Publish(ctx, domain.TopicTransactionError, event); pubErr != nil {
		log.WithError(pubErr).Error("failed to publish transaction error event")
	}

	if kind == "TECHNICAL" && !report.Final {
		log.WithError(err).Warn("technical error reported; operation will be retried")
		return
	}
	if report.UserID == "" {
		log.WithField("code", code).Warn("no user to notify about transaction error")
		return
	}
	notification := domain.NotificationEvent{
		UserID:   report.UserID,
		Type:     "TRANSACTION_FAILED",
		Title:    "Transaction failed",
		Message:  message,
		Priority: "HIGH",
		Data:     map[string]string{"code": code},
		SentAt:   r.now().UTC(),
	}
	if report.SagaID != nil {
		notification.Data["saga_id"] = report.SagaID.String()
	}
	if pubErr := r.publisher.Publish(ctx, domain.TopicNotification, notification); pubErr != nil {
		log.WithError(pubErr).Error("failed to publish error notification")
	}
	log.WithField("code", code).Info("transaction error reported")
}

func (r *ErrorReporter) message(ctx context.Context, code string, params map[string]string) string {
	fallback, ok := fallbackMessages[code]
	if !ok {
		fallback = technicalMessage
	}
	if r.catalog == nil {
		return errorcatalog.Render(fallback, params)
	}
	return r.catalog.Message(ctx, code, params, fallback)
}
