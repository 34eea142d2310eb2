package app

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
)

func startApproved(t *testing.T, h *harness, amount int64) *domain.Saga {
	t.Helper()
	cmd := transferCommand(amount)
	if err := h.orchestrator.StartTransfer(context.Background(), cmd); err != nil {
		t.Fatalf("StartTransfer returned error: %v", err)
	}
	saga := h.repo.Saga(cmd.SagaID)
	if saga == nil {
		t.Fatal("expected saga to be stored")
	}
	return saga
}

func TestStartTransfer_InsufficientFundsWritesNothing(t *testing.T) {
	h := newHarness(t, 0.1)
	cmd := transferCommand(1500)

	err := h.orchestrator.StartTransfer(context.Background(), cmd)

	var be *BusinessError
	if !errors.As(err, &be) || be.Code != CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds business error, got %v", err)
	}
	if h.repo.LedgerCount() != 0 {
		t.Fatalf("expected zero ledger writes, got %d", h.repo.LedgerCount())
	}
	if h.accounts.updateCount() != 0 {
		t.Fatalf("expected zero balance mutations, got %d", h.accounts.updateCount())
	}
	saga := h.repo.Saga(cmd.SagaID)
	if saga.Stage != domain.StageFailed || saga.LastError == nil || *saga.LastError != CodeInsufficientFunds {
		t.Fatalf("expected saga closed as failed with the error code, got %+v", saga)
	}
	if h.publisher.count(domain.TopicTransactionError) != 1 || h.publisher.count(domain.TopicNotification) != 1 {
		t.Fatal("expected an error event and a user notification")
	}
}

func TestStartTransfer_ValidationFailsWithoutSideEffects(t *testing.T) {
	h := newHarness(t, 0.1)
	cmd := transferCommand(100)
	cmd.ReceiverIBAN = ""

	err := h.orchestrator.StartTransfer(context.Background(), cmd)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.repo.Saga(cmd.SagaID) != nil || h.accounts.calls != 0 || h.publisher.total() != 0 {
		t.Fatal("expected no side effects for an invalid command")
	}
}

func TestStartTransfer_ApproveDebitsSenderAndPublishesUpdate(t *testing.T) {
	h := newHarness(t, 0.1)

	saga := startApproved(t, h, 100)

	if saga.Stage != domain.StageDebit || !saga.DebitApplied || !saga.DebitedAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected debited saga in DEBIT stage, got %+v", saga)
	}
	if len(h.accounts.updates) != 1 || h.accounts.updates[0].iban != senderIBAN || !h.accounts.updates[0].amount.Equal(decimal.NewFromInt(-100)) {
		t.Fatalf("expected a single signed debit of the sender, got %+v", h.accounts.updates)
	}
	if h.publisher.count(domain.TopicUpdateTransfer) != 1 {
		t.Fatal("expected update-transfer-money to be published")
	}
	if row := h.repo.LedgerRow(*saga.SenderTransactionID); row == nil || row.Status != domain.LedgerStatusPending {
		t.Fatalf("expected sender ledger row pending, got %+v", row)
	}
	if row := h.repo.LedgerRow(*saga.ReceiverTransactionID); row == nil || row.Side != domain.LedgerSideReceiver {
		t.Fatalf("expected receiver ledger row, got %+v", row)
	}
}

func TestStartTransfer_RedeliveryIsNoOp(t *testing.T) {
	h := newHarness(t, 0.1)
	cmd := transferCommand(100)
	ctx := context.Background()

	if err := h.orchestrator.StartTransfer(ctx, cmd); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := h.orchestrator.StartTransfer(ctx, cmd); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	if h.accounts.updateCount() != 1 || h.publisher.count(domain.TopicUpdateTransfer) != 1 {
		t.Fatal("expected redelivered start command to be a no-op")
	}
}

func TestStartTransfer_ConcurrentDuplicateRejectsOnlyTheLater(t *testing.T) {
	h := newHarness(t, 0.1)
	ctx := context.Background()
	first := transferCommand(100)
	second := transferCommand(100)

	inserted := false
	h.accounts.beforeLookup = func(iban string) {
		if inserted || iban != senderIBAN {
			return
		}
		inserted = true
		if _, err := h.orchestrator.loadOrCreateSaga(ctx, second); err != nil {
			t.Errorf("insert second saga: %v", err)
		}
	}

	if err := h.orchestrator.StartTransfer(ctx, first); err != nil {
		t.Fatalf("first transfer failed: %v", err)
	}
	if !inserted {
		t.Fatal("expected the second saga to be inserted while the first was in flight")
	}
	err := h.orchestrator.StartTransfer(ctx, second)

	var be *BusinessError
	if !errors.As(err, &be) || be.Code != CodeDuplicateTransfer {
		t.Fatalf("expected duplicate rejection of the later saga, got %v", err)
	}
	if s := h.repo.Saga(first.SagaID); s == nil || s.Stage == domain.StageFailed {
		t.Fatalf("expected the earlier saga to proceed, got %+v", s)
	}
	if s := h.repo.Saga(second.SagaID); s == nil || s.Status != domain.SagaStatusFailed || s.LastError == nil || *s.LastError != CodeDuplicateTransfer {
		t.Fatalf("expected the later saga closed as a duplicate, got %+v", s)
	}
	if h.accounts.updateCount() != 1 {
		t.Fatalf("expected exactly one balance mutation, got %d", h.accounts.updateCount())
	}
}

func TestStartTransfer_DuplicateWithinWindowIsSuppressed(t *testing.T) {
	h := newHarness(t, 0.1)
	ctx := context.Background()
	first := transferCommand(100)
	second := transferCommand(100)

	if err := h.orchestrator.StartTransfer(ctx, first); err != nil {
		t.Fatalf("first transfer failed: %v", err)
	}
	err := h.orchestrator.StartTransfer(ctx, second)

	var be *BusinessError
	if !errors.As(err, &be) || be.Code != CodeDuplicateTransfer {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if h.accounts.updateCount() != 1 {
		t.Fatalf("expected exactly one balance mutation, got %d", h.accounts.updateCount())
	}
	for _, row := range h.repo.Ledger {
		if row.SagaID == nil || *row.SagaID != first.SagaID {
			t.Fatalf("expected ledger rows only for the first transfer, got %+v", row)
		}
	}
}

func TestStartTransfer_ReceiverNameMismatch(t *testing.T) {
	h := newHarness(t, 0.1)
	cmd := transferCommand(100)
	cmd.ReceiverName = "Robert Jones"

	err := h.orchestrator.StartTransfer(context.Background(), cmd)

	var be *BusinessError
	if !errors.As(err, &be) || be.Code != CodeReceiverNameMismatch {
		t.Fatalf("expected name mismatch, got %v", err)
	}

	ok := transferCommand(100)
	ok.Description = "other"
	ok.ReceiverName = "bob JONES"
	if err := h.orchestrator.StartTransfer(context.Background(), ok); err != nil {
		t.Fatalf("expected case-insensitive name match to pass, got %v", err)
	}
}

func TestStartTransfer_HighRiskHoldsForStrongAuth(t *testing.T) {
	h := newHarness(t, 0.85)
	before := time.Now()

	saga := startApproved(t, h, 100)

	if saga.Status != domain.SagaStatusAwaitingAuth || saga.Stage != domain.StageFraudEvaluate {
		t.Fatalf("expected saga awaiting strong auth, got stage=%s status=%s", saga.Stage, saga.Status)
	}
	if saga.AuthCode == nil || !regexp.MustCompile(`^\d{6}$`).MatchString(*saga.AuthCode) {
		t.Fatalf("expected a six digit code, got %v", saga.AuthCode)
	}
	if saga.AuthCodeExpiresAt == nil {
		t.Fatal("expected auth code expiry")
	}
	if d := saga.AuthCodeExpiresAt.Sub(before); d < 5*time.Minute || d > 5*time.Minute+5*time.Second {
		t.Fatalf("expected expiry about five minutes out, got %s", d)
	}
	if h.accounts.updateCount() != 0 {
		t.Fatal("expected balance to be untouched")
	}
	if row := h.repo.LedgerRow(*saga.SenderTransactionID); row.Status != domain.LedgerStatusHold {
		t.Fatalf("expected ledger row on hold, got %s", row.Status)
	}
	notes := h.publisher.notifications()
	if len(notes) != 1 || notes[0].Data["otp"] != *saga.AuthCode {
		t.Fatalf("expected verification notification carrying the code, got %+v", notes)
	}
}

func TestStartTransfer_BlacklistedReceiverBlocks(t *testing.T) {
	h := newHarness(t, 0.1)
	h.accounts.blacklisted = true

	saga := startApproved(t, h, 100)

	if saga.Stage != domain.StageBlocked || saga.Status != domain.SagaStatusBlocked {
		t.Fatalf("expected blocked saga, got %s/%s", saga.Stage, saga.Status)
	}
	if h.accounts.updateCount() != 0 {
		t.Fatal("expected no balance mutation for blocked transfer")
	}
	if h.accounts.fraudIncrements != 1 || len(h.accounts.fraudFlags) != 1 || !h.accounts.fraudFlags[0] {
		t.Fatalf("expected fraud counter and flag updates, got %d %v", h.accounts.fraudIncrements, h.accounts.fraudFlags)
	}
	if row := h.repo.LedgerRow(*saga.SenderTransactionID); row.Status != domain.LedgerStatusBlocked {
		t.Fatalf("expected ledger row blocked, got %s", row.Status)
	}
}

func TestApplyCredit_FailureCompensatesSender(t *testing.T) {
	h := newHarness(t, 0.1)
	saga := startApproved(t, h, 100)
	h.accounts.updateErrs[receiverIBAN] = errUnavailable

	err := h.orchestrator.ApplyCredit(context.Background(), domain.DebitAppliedEvent{SagaID: saga.ID})

	var te *TechnicalError
	if !errors.As(err, &te) {
		t.Fatalf("expected technical error, got %v", err)
	}
	stored := h.repo.Saga(saga.ID)
	if stored.Stage != domain.StageFailed || stored.DebitApplied {
		t.Fatalf("expected failed saga with debit cleared, got %+v", stored)
	}
	if len(h.accounts.updates) != 2 {
		t.Fatalf("expected debit and refund, got %+v", h.accounts.updates)
	}
	refund := h.accounts.updates[1]
	if refund.iban != senderIBAN || !refund.amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected sender refund of 100, got %+v", refund)
	}
	if row := h.repo.LedgerRow(*saga.ReceiverTransactionID); row.Status != domain.LedgerStatusFailed {
		t.Fatalf("expected receiver row failed, got %s", row.Status)
	}
	for _, n := range h.publisher.notifications() {
		if strings.Contains(strings.ToLower(n.Message), "fraud") {
			t.Fatalf("technical failure notification must not mention fraud: %q", n.Message)
		}
	}
}

func TestApplyCredit_RedeliveryOnlyForwards(t *testing.T) {
	h := newHarness(t, 0.1)
	saga := startApproved(t, h, 100)
	ctx := context.Background()
	event := domain.DebitAppliedEvent{SagaID: saga.ID}

	if err := h.orchestrator.ApplyCredit(ctx, event); err != nil {
		t.Fatalf("ApplyCredit failed: %v", err)
	}
	if err := h.orchestrator.ApplyCredit(ctx, event); err != nil {
		t.Fatalf("redelivered ApplyCredit failed: %v", err)
	}

	if h.accounts.updateCount() != 2 {
		t.Fatalf("expected one debit and one credit, got %d updates", h.accounts.updateCount())
	}
	if h.publisher.count(domain.TopicFinalizeTransfer) != 2 {
		t.Fatal("expected finalize to be forwarded on each delivery")
	}
}

func TestApplyCredit_ClaimedCreditCannotBeFailed(t *testing.T) {
	h := newHarness(t, 0.1)
	saga := startApproved(t, h, 100)
	ctx := context.Background()

	var failed bool
	var failErr error
	swept := false
	h.accounts.beforeUpdate = func(iban string) {
		if iban != receiverIBAN || swept {
			return
		}
		swept = true
		failed, failErr = h.orchestrator.FailSaga(ctx, saga, "retries exhausted: stuck in stage DEBIT")
	}

	if err := h.orchestrator.ApplyCredit(ctx, domain.DebitAppliedEvent{SagaID: saga.ID}); err != nil {
		t.Fatalf("ApplyCredit failed: %v", err)
	}

	if !swept || failed || failErr != nil {
		t.Fatalf("expected concurrent FailSaga to be refused, got failed=%v err=%v", failed, failErr)
	}
	if len(h.accounts.updates) != 2 {
		t.Fatalf("expected only debit and credit, got %+v", h.accounts.updates)
	}
	for _, u := range h.accounts.updates {
		if strings.HasSuffix(u.reference, ":refund") {
			t.Fatalf("credited transfer must not be refunded, got %+v", u)
		}
	}
	stored := h.repo.Saga(saga.ID)
	if stored.Stage != domain.StageCredit || stored.Status != domain.SagaStatusCredited || !stored.DebitApplied {
		t.Fatalf("expected credited saga, got %s/%s debit=%v", stored.Stage, stored.Status, stored.DebitApplied)
	}
	if h.publisher.count(domain.TopicFinalizeTransfer) != 1 {
		t.Fatal("expected finalize to be forwarded")
	}
}

func TestApplyCredit_SkipsSagaFailedBeforeClaim(t *testing.T) {
	h := newHarness(t, 0.1)
	saga := startApproved(t, h, 100)
	ctx := context.Background()

	failed, err := h.orchestrator.FailSaga(ctx, saga, "retries exhausted: stuck in stage DEBIT")
	if err != nil || !failed {
		t.Fatalf("expected saga to be failed, got %v %v", failed, err)
	}
	if err := h.orchestrator.ApplyCredit(ctx, domain.DebitAppliedEvent{SagaID: saga.ID}); err != nil {
		t.Fatalf("ApplyCredit failed: %v", err)
	}

	for _, u := range h.accounts.updates {
		if u.iban == receiverIBAN {
			t.Fatalf("failed saga must not credit the receiver, got %+v", h.accounts.updates)
		}
	}
	if len(h.accounts.updates) != 2 {
		t.Fatalf("expected debit and refund, got %+v", h.accounts.updates)
	}
	if stored := h.repo.Saga(saga.ID); stored.Stage != domain.StageFailed || stored.DebitApplied {
		t.Fatalf("expected failed saga with debit cleared, got %s debit=%v", stored.Stage, stored.DebitApplied)
	}
	if h.publisher.count(domain.TopicFinalizeTransfer) != 0 {
		t.Fatal("expected no finalize for a failed saga")
	}
}

func TestApplyCredit_RepeatsClaimedCredit(t *testing.T) {
	h := newHarness(t, 0.1)
	saga := startApproved(t, h, 100)
	ctx := context.Background()
	saga.Stage, saga.Status = domain.StageCredit, domain.SagaStatusCrediting
	h.repo.PutSaga(saga)

	if err := h.orchestrator.Finalize(ctx, domain.FinalizeTransferEvent{
		SagaID:                saga.ID,
		SenderTransactionID:   saga.SenderTransactionID,
		ReceiverTransactionID: saga.ReceiverTransactionID,
	}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if stored := h.repo.Saga(saga.ID); stored.Stage != domain.StageCredit {
		t.Fatalf("finalize must wait for the credit, got stage %s", stored.Stage)
	}

	if err := h.orchestrator.ApplyCredit(ctx, domain.DebitAppliedEvent{SagaID: saga.ID}); err != nil {
		t.Fatalf("ApplyCredit failed: %v", err)
	}

	if len(h.accounts.updates) != 2 {
		t.Fatalf("expected debit and credit, got %+v", h.accounts.updates)
	}
	credit := h.accounts.updates[1]
	if credit.iban != receiverIBAN || credit.reference != "saga:"+saga.ID.String()+":credit" {
		t.Fatalf("expected credit under the saga reference, got %+v", credit)
	}
	if stored := h.repo.Saga(saga.ID); stored.Status != domain.SagaStatusCredited {
		t.Fatalf("expected credited status, got %s", stored.Status)
	}
	if h.publisher.count(domain.TopicFinalizeTransfer) != 1 {
		t.Fatal("expected finalize to be forwarded")
	}
}

func TestFinalize_MissingReceiverIDIsDropped(t *testing.T) {
	h := newHarness(t, 0.1)
	consumer := NewSagaConsumer(h.orchestrator, h.logger)
	senderTx := uuid.New()
	payload, _ := json.Marshal(domain.FinalizeTransferEvent{SagaID: uuid.New(), SenderTransactionID: &senderTx})

	if ack := consumer.HandleFinalizeTransfer(context.Background(), payload); !ack {
		t.Fatal("expected malformed finalize event to be acknowledged")
	}
	if h.accounts.calls != 0 || h.publisher.total() != 0 {
		t.Fatalf("expected zero downstream calls, got %d account calls and %d messages", h.accounts.calls, h.publisher.total())
	}
	if n := criticalEntries(h.hook); n != 1 {
		t.Fatalf("expected one critical log entry, got %d", n)
	}
}

func TestFinalize_CompletesAndSwallowsSideEffectFailures(t *testing.T) {
	h := newHarness(t, 0.1)
	saga := startApproved(t, h, 100)
	ctx := context.Background()
	if err := h.orchestrator.ApplyCredit(ctx, domain.DebitAppliedEvent{SagaID: saga.ID}); err != nil {
		t.Fatalf("ApplyCredit failed: %v", err)
	}
	h.publisher.failures[domain.TopicInvoice] = errUnavailable
	h.accounts.flagErr = errUnavailable

	err := h.orchestrator.Finalize(ctx, domain.FinalizeTransferEvent{
		SagaID:                saga.ID,
		SenderTransactionID:   saga.SenderTransactionID,
		ReceiverTransactionID: saga.ReceiverTransactionID,
	})
	if err != nil {
		t.Fatalf("expected side effect failures to be swallowed, got %v", err)
	}

	stored := h.repo.Saga(saga.ID)
	if stored.Stage != domain.StageCompleted || stored.Status != domain.SagaStatusCompleted {
		t.Fatalf("expected completed saga, got %s/%s", stored.Stage, stored.Status)
	}
	for _, id := range []uuid.UUID{*saga.SenderTransactionID, *saga.ReceiverTransactionID} {
		if row := h.repo.LedgerRow(id); row.Status != domain.LedgerStatusCompleted {
			t.Fatalf("expected ledger row %s completed, got %s", id, row.Status)
		}
	}
	var sent, received bool
	for _, n := range h.publisher.notifications() {
		switch n.Type {
		case "TRANSFER_SENT":
			sent = strings.Contains(n.Message, "Bob***")
		case "TRANSFER_RECEIVED":
			received = strings.Contains(n.Message, "Ali***")
		}
	}
	if !sent || !received {
		t.Fatal("expected masked notifications to both parties")
	}
}

func TestResumeHeldTransfer_DebitsAfterConfirmation(t *testing.T) {
	h := newHarness(t, 0.5)
	saga := startApproved(t, h, 100)
	ctx := context.Background()
	if saga.Status != domain.SagaStatusHold {
		t.Fatalf("expected held saga, got %s", saga.Status)
	}

	ok, err := h.engine.ConfirmHold(ctx, saga.ID, domain.ConfirmationUserConfirmed)
	if err != nil || !ok {
		t.Fatalf("ConfirmHold = %v, %v", ok, err)
	}
	if err := h.orchestrator.ResumeHeldTransfer(ctx, *saga.SenderTransactionID); err != nil {
		t.Fatalf("ResumeHeldTransfer failed: %v", err)
	}

	stored := h.repo.Saga(saga.ID)
	if stored.Stage != domain.StageDebit || !stored.DebitApplied {
		t.Fatalf("expected resumed saga in DEBIT, got %+v", stored)
	}
	if h.accounts.updateCount() != 1 || h.publisher.count(domain.TopicUpdateTransfer) != 1 {
		t.Fatal("expected one debit and one update message")
	}
}

func TestDeposit_IsIdempotentByTransactionID(t *testing.T) {
	h := newHarness(t, 0.1)
	cmd := domain.BalanceCommand{
		TransactionID: uuid.New(),
		UserID:        "user-1",
		IBAN:          senderIBAN,
		Amount:        decimal.NewFromInt(25),
	}
	ctx := context.Background()

	if err := h.orchestrator.Deposit(ctx, cmd); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := h.orchestrator.Deposit(ctx, cmd); err != nil {
		t.Fatalf("redelivered Deposit failed: %v", err)
	}

	if h.accounts.updateCount() != 1 {
		t.Fatalf("expected one balance update, got %d", h.accounts.updateCount())
	}
	if row := h.repo.LedgerRow(cmd.TransactionID); row.Status != domain.LedgerStatusCompleted || row.Type != domain.LedgerTypeDeposit {
		t.Fatalf("unexpected ledger row %+v", row)
	}
}

func TestWithdraw_TechnicalFailureIsRequeued(t *testing.T) {
	h := newHarness(t, 0.1)
	h.accounts.updateErrs[senderIBAN] = errUnavailable
	consumer := NewSagaConsumer(h.orchestrator, h.logger)
	payload, _ := json.Marshal(domain.BalanceCommand{
		TransactionID: uuid.New(),
		UserID:        "user-1",
		IBAN:          senderIBAN,
		Amount:        decimal.NewFromInt(25),
	})

	if ack := consumer.HandleWithdraw(context.Background(), payload); ack {
		t.Fatal("expected technical failure to be requeued")
	}
}

func TestMaskName(t *testing.T) {
	cases := map[string]string{
		"Bob Jones": "Bob***",
		"Al":        "Al***",
		"":          "***",
		"Şükrü":     "Şük***",
	}
	for in, want := range cases {
		if got := maskName(in); got != want {
			t.Errorf("maskName(%q) = %q, want %q", in, got, want)
		}
	}
}
