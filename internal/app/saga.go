/**
 * @description
 * This file contains the transfer saga orchestrator. A transfer moves through
 * INITIATED -> FRAUD_EVALUATE -> DEBIT -> CREDIT -> FINALIZE, one RabbitMQ message per
 * stage. Each stage publishes the next message only after its own state change is
 * stored, so messages for one saga are handled in causal order.
 *
 * Key features:
 * - Every handler checks the stored stage first, so redelivered messages are no-ops.
 * - Balance updates carry a stable per-saga reference; the account service applies a
 *   reference at most once, which makes retried debits and credits safe.
 * - A failed credit re-credits the sender. The compensation sweep retries refunds
 *   that failed inline.
 *
 * @dependencies
 * - internal/fraud: the fraud decision engine.
 * - internal/store: saga, ledger and fraud persistence.
 * - pkg/rabbitmq: publishing stage messages and side-effect events.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/fraud"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/logging"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/store"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/tracing"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/accountclient"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/rabbitmq"
)

// Saga outcome labels for metrics.
const (
	OutcomeCompleted   = "completed"
	OutcomeRejected    = "rejected"
	OutcomeHeld        = "held"
	OutcomeBlocked     = "blocked"
	OutcomeFailed      = "failed"
	OutcomeCompensated = "compensated"
	OutcomeCancelled   = "cancelled"
)

// DefaultDuplicateWindow is how far back identical transfers are considered duplicates.
const DefaultDuplicateWindow = time.Minute

// AccountService is the subset of the account service the orchestrator calls.
type AccountService interface {
	GetAccountByIBAN(ctx context.Context, iban string) (*domain.Account, error)
	GetAccountProfile(ctx context.Context, userID string) (*domain.AccountProfile, error)
	UpdateBalance(ctx context.Context, iban string, amount decimal.Decimal, reference string) error
	IncrementFraudCounter(ctx context.Context, userID string) error
	SetPreviousFraudFlag(ctx context.Context, userID string, flag bool) error
}

// FraudAssessor scores a transfer and returns the stored decision.
type FraudAssessor interface {
	Assess(ctx context.Context, req fraud.AssessRequest) (*domain.FraudDecision, error)
}

// OutcomeRecorder receives saga outcome metrics.
type OutcomeRecorder interface {
	IncSagaOutcome(outcome string)
}

type OrchestratorConfig struct {
	DuplicateWindow time.Duration
}

// Orchestrator drives transfer sagas and the single-stage balance operations.
type Orchestrator struct {
	repo      store.Repository
	accounts  AccountService
	fraud     FraudAssessor
	publisher rabbitmq.Publisher
	reporter  *ErrorReporter
	recorder  OutcomeRecorder
	logger    logrus.FieldLogger
	cfg       OrchestratorConfig
	now       func() time.Time
}

// NewOrchestrator creates a new orchestrator instance.
func NewOrchestrator(repo store.Repository, accounts AccountService, assessor FraudAssessor, publisher rabbitmq.Publisher, reporter *ErrorReporter, recorder OutcomeRecorder, logger logrus.FieldLogger, cfg OrchestratorConfig) *Orchestrator {
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultDuplicateWindow
	}
	return &Orchestrator{
		repo:      repo,
		accounts:  accounts,
		fraud:     assessor,
		publisher: publisher,
		reporter:  reporter,
		recorder:  recorder,
		logger:    logger.WithField("component", "saga_orchestrator"),
		cfg:       cfg,
		now:       time.Now,
	}
}

func (o *Orchestrator) sagaLog(ctx context.Context, sagaID uuid.UUID) logrus.FieldLogger {
	return o.logger.WithFields(logrus.Fields{"saga_id": sagaID, "trace_id": tracing.TraceID(ctx)})
}

func (o *Orchestrator) outcome(outcome string) {
	if o.recorder != nil {
		o.recorder.IncSagaOutcome(outcome)
	}
}

func (o *Orchestrator) report(ctx context.Context, saga *domain.Saga, err error, final bool) {
	id := saga.ID
	o.reporter.Report(ctx, ErrorReport{SagaID: &id, UserID: saga.SenderUserID, Stage: saga.Stage, Final: final}, err)
}

// StartTransfer handles a start-transfer-money command.
//
// The saga row is written before any rule runs. A start rejected by a business
// rule keeps that row, closed FAILED with the error code as its reason, as the
// audit record of the rejection; open ledger rows are failed and no balance is
// touched.
func (o *Orchestrator) StartTransfer(ctx context.Context, cmd domain.TransferCommand) error {
	if err := validateStruct(cmd); err != nil {
		o.reporter.Report(ctx, ErrorReport{UserID: cmd.UserID}, err)
		return err
	}
	if cmd.Channel == "" {
		cmd.Channel = domain.ChannelP2P
	}
	log := o.sagaLog(ctx, cmd.SagaID)

	saga, err := o.loadOrCreateSaga(ctx, cmd)
	if err != nil {
		return retryable("load saga", err)
	}
	if saga.Stage.After(domain.StageFraudEvaluate) || saga.Stage.IsTerminal() || saga.Status != domain.SagaStatusProcessing {
		log.WithFields(logrus.Fields{"stage": saga.Stage, "status": saga.Status}).Info("start command redelivered; nothing to do")
		return nil
	}

	sender, err := o.resolveAccount(ctx, saga.SenderIBAN)
	if err != nil {
		return o.abortStart(ctx, saga, err)
	}
	receiver, err := o.resolveAccount(ctx, saga.ReceiverIBAN)
	if err != nil {
		return o.abortStart(ctx, saga, err)
	}
	if err := o.checkRules(ctx, saga, cmd, sender, receiver); err != nil {
		return o.abortStart(ctx, saga, err)
	}

	if saga.SenderUserID == "" {
		saga.SenderUserID = sender.UserID
	}
	saga.ReceiverUserID = receiver.UserID
	saga.Currency = sender.Currency
	if saga.Stage == domain.StageInitiated {
		saga.Stage = domain.StageFraudEvaluate
		if err := o.repo.UpdateSaga(ctx, saga, domain.StageInitiated); err != nil {
			if errors.Is(err, store.ErrStaleSagaUpdate) {
				log.Info("saga advanced by another worker")
				return nil
			}
			return o.abortStart(ctx, saga, technical("advance saga", err))
		}
	}

	senderRow := o.ledgerRow(saga, *saga.SenderTransactionID, sender, saga.ReceiverIBAN, domain.LedgerSideSender)
	if _, err := o.repo.CreateLedgerTransaction(ctx, senderRow); err != nil {
		return o.abortStart(ctx, saga, technical("create sender ledger row", err))
	}

	decision, err := o.decisionFor(ctx, saga, sender)
	if err != nil {
		return o.abortStart(ctx, saga, technical("fraud assessment", err))
	}

	switch decision.Decision {
	case domain.ActionApprove:
		if err := o.createReceiverRow(ctx, saga, receiver); err != nil {
			return o.abortStart(ctx, saga, err)
		}
		return o.debit(ctx, saga)
	case domain.ActionHold, domain.ActionHoldStrongAuth:
		return o.hold(ctx, saga, decision)
	case domain.ActionBlock:
		return o.block(ctx, saga, decision)
	default:
		return o.abortStart(ctx, saga, technical("fraud assessment", fmt.Errorf("unknown decision %q", decision.Decision)))
	}
}

func (o *Orchestrator) loadOrCreateSaga(ctx context.Context, cmd domain.TransferCommand) (*domain.Saga, error) {
	saga, err := o.repo.GetSaga(ctx, cmd.SagaID)
	if err == nil {
		return saga, nil
	}
	if !errors.Is(err, store.ErrSagaNotFound) {
		return nil, err
	}

	stored := cmd
	stored.SkipValidation = false
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	senderTxID, receiverTxID := uuid.New(), uuid.New()
	saga = &domain.Saga{
		ID:                    cmd.SagaID,
		SenderUserID:          strings.TrimSpace(cmd.UserID),
		SenderIBAN:            strings.TrimSpace(cmd.SenderIBAN),
		ReceiverIBAN:          strings.TrimSpace(cmd.ReceiverIBAN),
		Amount:                cmd.Amount,
		Description:           cmd.Description,
		Channel:               cmd.Channel,
		AIInitiated:           cmd.AIInitiated,
		Stage:                 domain.StageInitiated,
		Status:                domain.SagaStatusProcessing,
		SenderTransactionID:   &senderTxID,
		ReceiverTransactionID: &receiverTxID,
		OriginalCommand:       raw,
	}
	created, err := o.repo.CreateSaga(ctx, saga)
	if err != nil {
		return nil, err
	}
	if !created {
		return o.repo.GetSaga(ctx, cmd.SagaID)
	}
	return saga, nil
}

func (o *Orchestrator) resolveAccount(ctx context.Context, iban string) (*domain.Account, error) {
	account, err := o.accounts.GetAccountByIBAN(ctx, iban)
	if err != nil {
		if errors.Is(err, accountclient.ErrAccountNotFound) {
			return nil, newBusinessError(CodeAccountNotFound, map[string]string{"iban": iban})
		}
		return nil, technical("resolve account", err)
	}
	return account, nil
}

// checkRules applies the business rules that reject a transfer before any money moves.
// Replayed commands skip the duplicate and receiver-name checks; they passed them once.
func (o *Orchestrator) checkRules(ctx context.Context, saga *domain.Saga, cmd domain.TransferCommand, sender, receiver *domain.Account) error {
	amount := saga.Amount.StringFixed(2)
	if !cmd.SkipValidation {
		since := o.now().Add(-o.cfg.DuplicateWindow)
		duplicate, err := o.repo.HasRecentDuplicate(ctx, saga.ID, saga.SenderIBAN, saga.ReceiverIBAN, saga.Amount, saga.Description, since)
		if err != nil {
			return technical("duplicate check", err)
		}
		if duplicate {
			return newBusinessError(CodeDuplicateTransfer, map[string]string{"amount": amount, "receiver": maskName(receiver.FullName())})
		}
	}
	if sender.Blocked {
		return newBusinessError(CodeAccountBlocked, nil)
	}
	if !strings.EqualFold(sender.Currency, receiver.Currency) {
		return newBusinessError(CodeCurrencyMismatch, map[string]string{"sender_currency": sender.Currency, "receiver_currency": receiver.Currency})
	}
	if name := strings.TrimSpace(cmd.ReceiverName); !cmd.SkipValidation && name != "" && !strings.EqualFold(name, strings.TrimSpace(receiver.FullName())) {
		return newBusinessError(CodeReceiverNameMismatch, nil)
	}
	if sender.Balance.LessThan(saga.Amount) {
		return newBusinessError(CodeInsufficientFunds, map[string]string{"amount": amount, "balance": sender.Balance.StringFixed(2)})
	}
	return nil
}

// abortStart closes the saga on business errors and reports technical ones. A saga
// left open by a technical error is retried by the stuck-saga sweep.
func (o *Orchestrator) abortStart(ctx context.Context, saga *domain.Saga, err error) error {
	var be *BusinessError
	if errors.As(err, &be) {
		return o.rejectSaga(ctx, saga, be)
	}
	o.report(ctx, saga, err, false)
	return err
}

func (o *Orchestrator) rejectSaga(ctx context.Context, saga *domain.Saga, be *BusinessError) error {
	from := []domain.SagaStatus{domain.SagaStatusProcessing, domain.SagaStatusConfirmed}
	closed, err := o.repo.CloseSagaIf(ctx, saga.ID, from, domain.StageFailed, domain.SagaStatusFailed, be.Code)
	if err != nil {
		return technical("close rejected saga", err)
	}
	if !closed {
		return nil
	}
	if err := o.repo.FailOpenLedgerTransactions(ctx, saga.ID, domain.LedgerStatusFailed); err != nil {
		o.sagaLog(ctx, saga.ID).WithError(err).Error("failed to fail ledger rows of rejected saga")
	}
	o.report(ctx, saga, be, true)
	o.outcome(OutcomeRejected)
	return be
}

func (o *Orchestrator) decisionFor(ctx context.Context, saga *domain.Saga, sender *domain.Account) (*domain.FraudDecision, error) {
	existing, err := o.repo.GetLatestFraudDecision(ctx, saga.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrFraudDecisionNotFound) {
		return nil, err
	}
	profile, err := o.accounts.GetAccountProfile(ctx, sender.UserID)
	if err != nil {
		o.sagaLog(ctx, saga.ID).WithError(err).Warn("account profile unavailable; scoring with defaults")
		profile = nil
	}
	return o.fraud.Assess(ctx, fraud.AssessRequest{
		SagaID:        saga.ID,
		TransactionID: *saga.SenderTransactionID,
		Saga:          saga,
		Sender:        sender,
		Profile:       profile,
	})
}

func (o *Orchestrator) ledgerRow(saga *domain.Saga, id uuid.UUID, account *domain.Account, counterparty string, side domain.LedgerSide) *domain.LedgerTransaction {
	sagaID := saga.ID
	typ := domain.LedgerTypeTransfer
	if saga.Channel == domain.ChannelATM {
		typ = domain.LedgerTypeATMTransfer
	}
	return &domain.LedgerTransaction{
		ID:           id,
		SagaID:       &sagaID,
		AccountID:    account.ID,
		UserID:       account.UserID,
		Counterparty: counterparty,
		Side:         side,
		Type:         typ,
		Status:       domain.LedgerStatusInitiated,
		Amount:       saga.Amount,
		Currency:     saga.Currency,
		Description:  saga.Description,
	}
}

func (o *Orchestrator) createReceiverRow(ctx context.Context, saga *domain.Saga, receiver *domain.Account) error {
	row := o.ledgerRow(saga, *saga.ReceiverTransactionID, receiver, saga.SenderIBAN, domain.LedgerSideReceiver)
	if _, err := o.repo.CreateLedgerTransaction(ctx, row); err != nil {
		return technical("create receiver ledger row", err)
	}
	return nil
}

func balanceReference(sagaID uuid.UUID, step string) string {
	return fmt.Sprintf("saga:%s:%s", sagaID, step)
}

// balanceRejected reports whether the account service refused the update outright.
func balanceRejected(err error) bool {
	var se *accountclient.StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}

// debit takes the money from the sender and hands the saga to the credit stage.
func (o *Orchestrator) debit(ctx context.Context, saga *domain.Saga) error {
	log := o.sagaLog(ctx, saga.ID)
	if err := o.accounts.UpdateBalance(ctx, saga.SenderIBAN, saga.Amount.Neg(), balanceReference(saga.ID, "debit")); err != nil {
		if balanceRejected(err) {
			return o.rejectSaga(ctx, saga, newBusinessError(CodeBalanceUpdateRejected, nil))
		}
		return o.abortStart(ctx, saga, technical("debit sender", err))
	}

	amount := saga.Amount
	saga.DebitApplied = true
	saga.DebitedAmount = &amount
	saga.Stage = domain.StageDebit
	saga.Status = domain.SagaStatusProcessing
	if err := o.repo.UpdateSaga(ctx, saga, domain.StageFraudEvaluate); err != nil {
		logging.Critical(log, "sender debited but saga not advanced", logrus.Fields{"error": err.Error(), "amount": amount.String()})
		return technical("record debit", err)
	}
	if err := o.repo.UpdateLedgerStatus(ctx, *saga.SenderTransactionID, domain.LedgerStatusPending); err != nil {
		log.WithError(err).Error("failed to mark sender ledger row pending")
	}

	event := domain.DebitAppliedEvent{
		SagaID:                saga.ID,
		SenderTransactionID:   *saga.SenderTransactionID,
		ReceiverTransactionID: *saga.ReceiverTransactionID,
		Amount:                amount,
	}
	if err := o.publisher.Publish(ctx, domain.TopicUpdateTransfer, event); err != nil {
		o.report(ctx, saga, technical("publish debit applied", err), false)
		return technical("publish debit applied", err)
	}
	log.WithField("amount", amount.String()).Info("sender debited")
	return nil
}

func (o *Orchestrator) hold(ctx context.Context, saga *domain.Saga, decision *domain.FraudDecision) error {
	log := o.sagaLog(ctx, saga.ID)
	saga.Status = domain.SagaStatusHold
	saga.HoldExpiresAt = decision.ExpiresAt
	if decision.Decision == domain.ActionHoldStrongAuth {
		code, err := generateOTP()
		if err != nil {
			return o.abortStart(ctx, saga, technical("generate otp", err))
		}
		authType := domain.StrongAuthOTP
		saga.Status = domain.SagaStatusAwaitingAuth
		saga.AuthType = &authType
		saga.AuthCode = &code
		saga.AuthCodeExpiresAt = decision.ExpiresAt
	}
	if err := o.repo.UpdateSaga(ctx, saga, domain.StageFraudEvaluate); err != nil {
		if errors.Is(err, store.ErrStaleSagaUpdate) {
			return nil
		}
		return o.abortStart(ctx, saga, technical("park saga", err))
	}
	if err := o.repo.UpdateLedgerStatus(ctx, *saga.SenderTransactionID, domain.LedgerStatusHold); err != nil {
		log.WithError(err).Error("failed to mark sender ledger row held")
	}
	o.notify(ctx, confirmationRequired(saga, o.now()))
	o.outcome(OutcomeHeld)
	log.WithField("status", saga.Status).Info("transfer held for confirmation")
	return nil
}

func (o *Orchestrator) block(ctx context.Context, saga *domain.Saga, decision *domain.FraudDecision) error {
	log := o.sagaLog(ctx, saga.ID)
	closed, err := o.repo.CloseSagaIf(ctx, saga.ID, []domain.SagaStatus{domain.SagaStatusProcessing}, domain.StageBlocked, domain.SagaStatusBlocked, decision.Reason)
	if err != nil {
		return o.abortStart(ctx, saga, technical("block saga", err))
	}
	if !closed {
		return nil
	}
	saga.Stage, saga.Status = domain.StageBlocked, domain.SagaStatusBlocked
	if err := o.repo.UpdateLedgerStatus(ctx, *saga.SenderTransactionID, domain.LedgerStatusBlocked); err != nil {
		log.WithError(err).Error("failed to mark sender ledger row blocked")
	}
	if err := o.accounts.IncrementFraudCounter(ctx, saga.SenderUserID); err != nil {
		log.WithError(err).Error("failed to increment fraud counter")
	}
	if err := o.accounts.SetPreviousFraudFlag(ctx, saga.SenderUserID, true); err != nil {
		log.WithError(err).Error("failed to set previous fraud flag")
	}
	o.notify(ctx, transferBlocked(saga, o.now()))
	o.outcome(OutcomeBlocked)
	log.WithField("reason", decision.Reason).Info("transfer blocked")
	return nil
}

// ApplyCredit handles update-transfer-money: credit the receiver, then forward to finalize.
// The saga is claimed (CREDIT/CREDITING) before any money moves, so a saga that was
// failed and refunded in the meantime is never credited, and a claimed saga can no
// longer be failed. A redelivery during CREDITING repeats the credit under the same
// reference; once CREDITED it only forwards.
func (o *Orchestrator) ApplyCredit(ctx context.Context, event domain.DebitAppliedEvent) error {
	if event.SagaID == uuid.Nil {
		logging.Critical(o.logger, "debit applied event without saga id; dropping message", logrus.Fields{"trace_id": tracing.TraceID(ctx)})
		return &ValidationError{Field: "saga_id", Reason: "missing"}
	}
	log := o.sagaLog(ctx, event.SagaID)
	saga, err := o.repo.GetSaga(ctx, event.SagaID)
	if err != nil {
		if errors.Is(err, store.ErrSagaNotFound) {
			logging.Critical(log, "debit applied event for unknown saga; dropping message", nil)
			return &ValidationError{Field: "saga_id", Reason: "unknown saga"}
		}
		return retryable("load saga", err)
	}

	switch {
	case saga.Stage == domain.StageCredit && saga.Status == domain.SagaStatusCrediting:
		log.Info("credit claimed earlier without a recorded outcome; repeating it")
	case saga.Stage == domain.StageCredit:
		return o.forwardFinalize(ctx, saga)
	case saga.Stage != domain.StageDebit:
		log.WithField("stage", saga.Stage).Info("debit applied event redelivered; nothing to do")
		return nil
	default:
		saga.Stage = domain.StageCredit
		saga.Status = domain.SagaStatusCrediting
		if err := o.repo.UpdateSaga(ctx, saga, domain.StageDebit); err != nil {
			if errors.Is(err, store.ErrStaleSagaUpdate) {
				log.Info("saga moved on before the credit was claimed; nothing to do")
				return nil
			}
			return technical("claim credit", err)
		}
	}

	if err := o.accounts.UpdateBalance(ctx, saga.ReceiverIBAN, saga.Amount, balanceReference(saga.ID, "credit")); err != nil {
		return o.failAfterDebit(ctx, saga, technical("credit receiver", err))
	}
	credited, err := o.repo.UpdateSagaStatusIf(ctx, saga.ID, []domain.SagaStatus{domain.SagaStatusCrediting}, domain.SagaStatusCredited)
	if err != nil {
		logging.Critical(log, "receiver credited but saga not advanced", logrus.Fields{"error": err.Error()})
		return technical("record credit", err)
	}
	if !credited {
		logging.Critical(log, "receiver credited but credit claim was lost", logrus.Fields{"amount": saga.Amount.String()})
		return nil
	}
	saga.Status = domain.SagaStatusCredited
	for _, id := range []uuid.UUID{*saga.SenderTransactionID, *saga.ReceiverTransactionID} {
		if err := o.repo.UpdateLedgerStatus(ctx, id, domain.LedgerStatusPending); err != nil {
			log.WithError(err).WithField("ledger_id", id).Error("failed to mark ledger row pending")
		}
	}
	log.Info("receiver credited")
	return o.forwardFinalize(ctx, saga)
}

func (o *Orchestrator) forwardFinalize(ctx context.Context, saga *domain.Saga) error {
	event := domain.FinalizeTransferEvent{
		SagaID:                saga.ID,
		SenderTransactionID:   saga.SenderTransactionID,
		ReceiverTransactionID: saga.ReceiverTransactionID,
	}
	if err := o.publisher.Publish(ctx, domain.TopicFinalizeTransfer, event); err != nil {
		o.report(ctx, saga, technical("publish finalize", err), false)
		return technical("publish finalize", err)
	}
	return nil
}

// failAfterDebit closes a saga whose claimed credit failed and returns the money to the sender.
func (o *Orchestrator) failAfterDebit(ctx context.Context, saga *domain.Saga, cause error) error {
	from := []domain.SagaStatus{domain.SagaStatusCrediting}
	closed, err := o.repo.CloseSagaIf(ctx, saga.ID, from, domain.StageFailed, domain.SagaStatusFailed, cause.Error())
	if err != nil {
		return technical("close failed saga", err)
	}
	if !closed {
		return nil
	}
	failedStage := saga.Stage
	saga.Stage, saga.Status = domain.StageFailed, domain.SagaStatusFailed
	if err := o.repo.UpdateLedgerStatus(ctx, *saga.ReceiverTransactionID, domain.LedgerStatusFailed); err != nil {
		o.sagaLog(ctx, saga.ID).WithError(err).Error("failed to mark receiver ledger row failed")
	}
	if err := o.Compensate(ctx, saga); err != nil {
		o.sagaLog(ctx, saga.ID).WithError(err).Error("inline compensation failed; compensation sweep will retry")
	}
	o.reporter.Report(ctx, ErrorReport{SagaID: &saga.ID, UserID: saga.SenderUserID, Stage: failedStage, Final: true}, cause)
	o.outcome(OutcomeFailed)
	return cause
}

// Compensate returns a debited amount to the sender of a closed saga. It is safe to
// call repeatedly: the refund reference is stable and the debit flag is cleared last.
func (o *Orchestrator) Compensate(ctx context.Context, saga *domain.Saga) error {
	if !saga.NeedsCompensation() {
		return nil
	}
	if !saga.Stage.IsTerminal() || saga.Stage == domain.StageCompleted {
		return fmt.Errorf("saga %s in stage %s cannot be compensated", saga.ID, saga.Stage)
	}
	log := o.sagaLog(ctx, saga.ID).WithField("amount", saga.DebitedAmount.String())
	if err := o.accounts.UpdateBalance(ctx, saga.SenderIBAN, *saga.DebitedAmount, balanceReference(saga.ID, "refund")); err != nil {
		log.WithError(err).Error("refund to sender failed")
		return technical("refund sender", err)
	}
	if err := o.repo.ClearDebit(ctx, saga.ID); err != nil {
		logging.Critical(log, "sender refunded but debit flag not cleared", logrus.Fields{"error": err.Error()})
		return technical("clear debit", err)
	}
	saga.DebitApplied = false
	if err := o.repo.FailOpenLedgerTransactions(ctx, saga.ID, domain.LedgerStatusFailed); err != nil {
		log.WithError(err).Error("failed to fail ledger rows after refund")
	}
	o.outcome(OutcomeCompensated)
	log.Info("debit compensated")
	return nil
}

// FailSaga gives up on an open saga: it is closed FAILED, any debit is refunded and
// the user is told the transfer did not go through. Sagas whose credit is claimed or
// applied are left alone and false is returned.
func (o *Orchestrator) FailSaga(ctx context.Context, saga *domain.Saga, reason string) (bool, error) {
	from := []domain.SagaStatus{domain.SagaStatusProcessing, domain.SagaStatusConfirmed}
	closed, err := o.repo.CloseSagaIf(ctx, saga.ID, from, domain.StageFailed, domain.SagaStatusFailed, reason)
	if err != nil || !closed {
		return false, err
	}
	failedStage := saga.Stage
	saga.Stage, saga.Status = domain.StageFailed, domain.SagaStatusFailed
	if err := o.repo.FailOpenLedgerTransactions(ctx, saga.ID, domain.LedgerStatusFailed); err != nil {
		o.sagaLog(ctx, saga.ID).WithError(err).Error("failed to fail ledger rows")
	}
	compErr := o.Compensate(ctx, saga)
	o.reporter.Report(ctx, ErrorReport{SagaID: &saga.ID, UserID: saga.SenderUserID, Stage: failedStage, Final: true}, technical("saga retries exhausted", errors.New(reason)))
	o.outcome(OutcomeFailed)
	return true, compErr
}

// NotifyHoldExpired tells the sender a held transfer was cancelled. The text is neutral.
func (o *Orchestrator) NotifyHoldExpired(ctx context.Context, saga *domain.Saga) {
	o.notify(ctx, holdExpired(saga, o.now()))
	o.outcome(OutcomeCancelled)
}

// ResumeHeldTransfer continues a confirmed hold exactly as an approved transfer.
func (o *Orchestrator) ResumeHeldTransfer(ctx context.Context, transactionID uuid.UUID) error {
	saga, err := o.repo.GetSagaBySenderTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrSagaNotFound) {
			return ErrHoldNotFound
		}
		return technical("load saga", err)
	}
	log := o.sagaLog(ctx, saga.ID)
	if saga.Stage != domain.StageFraudEvaluate || saga.Status != domain.SagaStatusConfirmed {
		log.WithFields(logrus.Fields{"stage": saga.Stage, "status": saga.Status}).Info("saga is not a confirmed hold; nothing to resume")
		return nil
	}
	receiver, err := o.resolveAccount(ctx, saga.ReceiverIBAN)
	if err != nil {
		var be *BusinessError
		if errors.As(err, &be) {
			return o.rejectSaga(ctx, saga, be)
		}
		return err
	}
	if err := o.createReceiverRow(ctx, saga, receiver); err != nil {
		return err
	}
	log.Info("resuming confirmed transfer")
	return o.debit(ctx, saga)
}
