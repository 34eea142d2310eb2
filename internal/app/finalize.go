package app

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/logging"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/store"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/tracing"
)

// Finalize handles finalize-transfer-money. The ledger and saga are completed first;
// notifications, invoice and reporting run afterwards and can never fail the step.
func (o *Orchestrator) Finalize(ctx context.Context, event domain.FinalizeTransferEvent) error {
	if event.SenderTransactionID == nil || event.ReceiverTransactionID == nil {
		logging.Critical(o.logger, "finalize event missing transaction ids; dropping message", logrus.Fields{
			"saga_id":              event.SagaID,
			"trace_id":             tracing.TraceID(ctx),
			"sender_transaction":   event.SenderTransactionID != nil,
			"receiver_transaction": event.ReceiverTransactionID != nil,
		})
		return &ValidationError{Field: "transaction_ids", Reason: "sender and receiver transaction ids are required"}
	}

	saga, err := o.sagaForFinalize(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrSagaNotFound) {
			logging.Critical(o.logger, "finalize event for unknown saga; dropping message", logrus.Fields{
				"saga_id":  event.SagaID,
				"trace_id": tracing.TraceID(ctx),
			})
			return &ValidationError{Field: "saga_id", Reason: "unknown saga"}
		}
		return retryable("load saga", err)
	}
	log := o.sagaLog(ctx, saga.ID)

	if saga.Stage != domain.StageCredit && saga.Stage != domain.StageFinalize {
		log.WithField("stage", saga.Stage).Info("finalize event redelivered; nothing to do")
		return nil
	}
	if saga.Stage == domain.StageCredit && saga.Status != domain.SagaStatusCredited {
		log.WithField("status", saga.Status).Info("credit not recorded yet; finalize deferred to recovery")
		return nil
	}
	if saga.Stage == domain.StageCredit {
		saga.Stage = domain.StageFinalize
		if err := o.repo.UpdateSaga(ctx, saga, domain.StageCredit); err != nil {
			if errors.Is(err, store.ErrStaleSagaUpdate) {
				return nil
			}
			return technical("enter finalize", err)
		}
	}

	for _, id := range []uuid.UUID{*saga.SenderTransactionID, *saga.ReceiverTransactionID} {
		if err := o.repo.UpdateLedgerStatus(ctx, id, domain.LedgerStatusCompleted); err != nil {
			return technical("complete ledger row", err)
		}
	}
	saga.Stage = domain.StageCompleted
	saga.Status = domain.SagaStatusCompleted
	if err := o.repo.UpdateSaga(ctx, saga, domain.StageFinalize); err != nil {
		if errors.Is(err, store.ErrStaleSagaUpdate) {
			return nil
		}
		return technical("complete saga", err)
	}
	o.outcome(OutcomeCompleted)
	log.Info("transfer completed")

	o.runSideEffects(ctx, saga)
	return nil
}

func (o *Orchestrator) sagaForFinalize(ctx context.Context, event domain.FinalizeTransferEvent) (*domain.Saga, error) {
	if event.SagaID != uuid.Nil {
		return o.repo.GetSaga(ctx, event.SagaID)
	}
	return o.repo.GetSagaBySenderTransactionID(ctx, *event.SenderTransactionID)
}

// runSideEffects is best effort: every failure is logged and swallowed.
func (o *Orchestrator) runSideEffects(ctx context.Context, saga *domain.Saga) {
	log := o.sagaLog(ctx, saga.ID)
	now := o.now().UTC()

	sender := o.snapshot(ctx, saga.SenderIBAN, saga.SenderUserID)
	receiver := o.snapshot(ctx, saga.ReceiverIBAN, saga.ReceiverUserID)

	o.notify(ctx, transferSent(saga, maskName(receiver.FullName()), now))
	if receiver.UserID != "" {
		o.notify(ctx, transferReceived(saga, receiver.UserID, maskName(sender.FullName()), now))
	}

	if saga.AIInitiated {
		chat := domain.ChatNotificationEvent{
			UserID:        saga.SenderUserID,
			ChatSessionID: chatSessionID(saga),
			SagaID:        saga.ID,
			Message:       "Your transfer of " + formatAmount(saga) + " to " + maskName(receiver.FullName()) + " is complete.",
			SentAt:        now,
		}
		if err := o.publisher.Publish(ctx, domain.TopicChatNotification, chat); err != nil {
			log.WithError(err).WithField("side_effect", "chat_notification").Warn("side effect failed")
		}
	}

	invoice := domain.InvoiceRequestEvent{
		SagaID:                saga.ID,
		SenderTransactionID:   *saga.SenderTransactionID,
		ReceiverTransactionID: *saga.ReceiverTransactionID,
		SenderName:            sender.FullName(),
		ReceiverName:          receiver.FullName(),
		SenderEmail:           sender.Email,
		SenderIBAN:            saga.SenderIBAN,
		ReceiverIBAN:          saga.ReceiverIBAN,
		Amount:                saga.Amount,
		Currency:              saga.Currency,
		Description:           saga.Description,
		CompletedAt:           now,
	}
	if err := o.publisher.Publish(ctx, domain.TopicInvoice, invoice); err != nil {
		log.WithError(err).WithField("side_effect", "invoice").Warn("side effect failed")
	}

	if saga.Channel == domain.ChannelATM {
		report := domain.ATMTransferReport{
			SagaID:        saga.ID,
			TransactionID: *saga.SenderTransactionID,
			SenderIBAN:    saga.SenderIBAN,
			ReceiverIBAN:  saga.ReceiverIBAN,
			Amount:        saga.Amount,
			Currency:      saga.Currency,
			CompletedAt:   now,
		}
		if err := o.publisher.Publish(ctx, domain.TopicATMReport, report); err != nil {
			log.WithError(err).WithField("side_effect", "atm_report").Warn("side effect failed")
		}
	}

	if saga.SenderUserID != "" {
		if err := o.accounts.SetPreviousFraudFlag(ctx, saga.SenderUserID, false); err != nil {
			log.WithError(err).WithField("side_effect", "fraud_flag_reset").Warn("side effect failed")
		}
	}
}

// snapshot resolves an account for display, falling back to what the saga knows.
func (o *Orchestrator) snapshot(ctx context.Context, iban, userID string) *domain.Account {
	account, err := o.accounts.GetAccountByIBAN(ctx, iban)
	if err != nil {
		o.logger.WithError(err).WithField("iban", iban).Warn("account snapshot unavailable for notifications")
		return &domain.Account{IBAN: iban, UserID: userID}
	}
	return account
}

func chatSessionID(saga *domain.Saga) string {
	if len(saga.OriginalCommand) == 0 {
		return ""
	}
	var cmd domain.TransferCommand
	if err := json.Unmarshal(saga.OriginalCommand, &cmd); err != nil {
		return ""
	}
	return cmd.ChatSessionID
}
