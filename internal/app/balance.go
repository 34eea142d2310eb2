package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/store"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/tracing"
)

// Deposit credits an account in one step. The ledger row id is the command's
// transaction id, so a redelivered command finds its row and stops.
func (o *Orchestrator) Deposit(ctx context.Context, cmd domain.BalanceCommand) error {
	return o.applySingleStage(ctx, cmd, domain.LedgerTypeDeposit)
}

// Withdraw debits an account in one step.
func (o *Orchestrator) Withdraw(ctx context.Context, cmd domain.BalanceCommand) error {
	return o.applySingleStage(ctx, cmd, domain.LedgerTypeWithdraw)
}

func (o *Orchestrator) applySingleStage(ctx context.Context, cmd domain.BalanceCommand, typ domain.LedgerType) error {
	report := ErrorReport{UserID: cmd.UserID, Final: true}
	if err := validateStruct(cmd); err != nil {
		o.reporter.Report(ctx, report, err)
		return err
	}
	log := o.logger.WithFields(logrus.Fields{
		"transaction_id": cmd.TransactionID,
		"type":           typ,
		"trace_id":       tracing.TraceID(ctx),
	})

	existing, err := o.repo.GetLedgerTransaction(ctx, cmd.TransactionID)
	switch {
	case err == nil && (existing.Status == domain.LedgerStatusCompleted || existing.Status == domain.LedgerStatusFailed):
		log.WithField("status", existing.Status).Info("balance command redelivered; nothing to do")
		return nil
	case err != nil && !errors.Is(err, store.ErrLedgerTransactionNotFound):
		return retryable("load ledger row", err)
	}

	account, err := o.resolveAccount(ctx, cmd.IBAN)
	if err != nil {
		return o.abortSingleStage(ctx, report, err)
	}
	if typ == domain.LedgerTypeWithdraw {
		if account.Blocked {
			return o.abortSingleStage(ctx, report, newBusinessError(CodeAccountBlocked, nil))
		}
		if account.Balance.LessThan(cmd.Amount) {
			return o.abortSingleStage(ctx, report, newBusinessError(CodeInsufficientFunds, map[string]string{
				"amount":  cmd.Amount.StringFixed(2),
				"balance": account.Balance.StringFixed(2),
			}))
		}
	}

	side, delta := domain.LedgerSideReceiver, cmd.Amount
	if typ == domain.LedgerTypeWithdraw {
		side, delta = domain.LedgerSideSender, cmd.Amount.Neg()
	}
	row := &domain.LedgerTransaction{
		ID:          cmd.TransactionID,
		AccountID:   account.ID,
		UserID:      cmd.UserID,
		Side:        side,
		Type:        typ,
		Status:      domain.LedgerStatusInitiated,
		Amount:      cmd.Amount,
		Currency:    account.Currency,
		Description: cmd.Description,
	}
	if _, err := o.repo.CreateLedgerTransaction(ctx, row); err != nil {
		return retryable("create ledger row", err)
	}

	reference := fmt.Sprintf("%s:%s", typ, cmd.TransactionID)
	if err := o.accounts.UpdateBalance(ctx, cmd.IBAN, delta, reference); err != nil {
		if balanceRejected(err) {
			if uerr := o.repo.UpdateLedgerStatus(ctx, row.ID, domain.LedgerStatusFailed); uerr != nil {
				log.WithError(uerr).Error("failed to mark ledger row failed")
			}
			return o.abortSingleStage(ctx, report, newBusinessError(CodeBalanceUpdateRejected, nil))
		}
		return o.abortSingleStage(ctx, report, retryable("update balance", err))
	}
	if err := o.repo.UpdateLedgerStatus(ctx, row.ID, domain.LedgerStatusCompleted); err != nil {
		return retryable("complete ledger row", err)
	}

	verb := "deposited to"
	if typ == domain.LedgerTypeWithdraw {
		verb = "withdrawn from"
	}
	o.notify(ctx, domain.NotificationEvent{
		UserID:  cmd.UserID,
		Type:    string(typ) + "_COMPLETED",
		Title:   "Balance updated",
		Message: fmt.Sprintf("%s %s was %s your account.", cmd.Amount.StringFixed(2), account.Currency, verb),
		Data:    map[string]string{"transaction_id": cmd.TransactionID.String()},
		SentAt:  o.now().UTC(),
	})
	log.WithField("amount", cmd.Amount.String()).Info("balance command applied")
	return nil
}

// abortSingleStage reports err. Technical failures are requeued since no saga
// exists for the recovery sweep to pick up.
func (o *Orchestrator) abortSingleStage(ctx context.Context, report ErrorReport, err error) error {
	var te *TechnicalError
	if errors.As(err, &te) {
		te.Retry = true
		report.Final = false
	}
	o.reporter.Report(ctx, report, err)
	return err
}
