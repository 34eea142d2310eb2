/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the transfer saga service. Business logic only
 * depends on this interface, so tests can substitute in-memory stubs.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - github.com/shopspring/decimal: Exact money amounts.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
)

var (
	ErrSagaNotFound              = errors.New("saga not found")
	ErrLedgerTransactionNotFound = errors.New("ledger transaction not found")
	ErrFraudDecisionNotFound     = errors.New("fraud decision not found")
	// ErrStaleSagaUpdate means the saga left the expected stage before the update landed.
	ErrStaleSagaUpdate = errors.New("saga was modified concurrently")
)

// SagaRepository persists transfer sagas.
type SagaRepository interface {
	// CreateSaga inserts the saga unless one with the same id exists; created reports which happened.
	CreateSaga(ctx context.Context, saga *domain.Saga) (created bool, err error)
	GetSaga(ctx context.Context, id uuid.UUID) (*domain.Saga, error)
	GetSagaBySenderTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Saga, error)
	// UpdateSaga writes every mutable column, provided the stored stage still equals expectedStage.
	UpdateSaga(ctx context.Context, saga *domain.Saga, expectedStage domain.SagaStage) error
	// UpdateSagaStatusIf sets status only while the saga is non-terminal and in one of from.
	UpdateSagaStatusIf(ctx context.Context, id uuid.UUID, from []domain.SagaStatus, to domain.SagaStatus) (bool, error)
	// CloseSagaIf moves a non-terminal saga whose status is in from to a terminal stage
	// and clears any pending strong-auth code.
	CloseSagaIf(ctx context.Context, id uuid.UUID, from []domain.SagaStatus, stage domain.SagaStage, status domain.SagaStatus, reason string) (bool, error)
	IncrementSagaRetry(ctx context.Context, id uuid.UUID, lastError string) (int, error)
	// ClearDebit records that a debit was returned to the sender.
	ClearDebit(ctx context.Context, id uuid.UUID) error
	// HasRecentDuplicate looks for a non-failed saga with the same parties, amount and
	// description that was created before sagaID.
	HasRecentDuplicate(ctx context.Context, sagaID uuid.UUID, senderIBAN, receiverIBAN string, amount decimal.Decimal, description string, since time.Time) (bool, error)

	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Saga, error)
	ListExpiredStrongAuth(ctx context.Context, now time.Time, limit int) ([]domain.Saga, error)
	ListStuckSagas(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Saga, error)
	ListPendingCompensations(ctx context.Context, limit int) ([]domain.Saga, error)
	ArchiveSagas(ctx context.Context, updatedBefore time.Time, limit int) (int64, error)
}

// LedgerRepository persists the per-side ledger rows of sagas and single-stage operations.
type LedgerRepository interface {
	CreateLedgerTransaction(ctx context.Context, tx *domain.LedgerTransaction) (created bool, err error)
	GetLedgerTransaction(ctx context.Context, id uuid.UUID) (*domain.LedgerTransaction, error)
	UpdateLedgerStatus(ctx context.Context, id uuid.UUID, status domain.LedgerStatus) error
	// FailOpenLedgerTransactions sets every non-completed row of the saga to status.
	FailOpenLedgerTransactions(ctx context.Context, sagaID uuid.UUID, status domain.LedgerStatus) error
}

// FraudRepository persists fraud decisions and the ML evaluation audit trail.
type FraudRepository interface {
	CreateFraudDecision(ctx context.Context, decision *domain.FraudDecision) error
	GetLatestFraudDecision(ctx context.Context, sagaID uuid.UUID) (*domain.FraudDecision, error)
	HasPriorDecisionForReceiver(ctx context.Context, userID, receiverReference string, excludeSagaID uuid.UUID) (bool, error)
	CountHighRiskDecisions(ctx context.Context, userID string, since time.Time) (int, error)
	// RecordConfirmation sets the confirmation columns only if they are still empty.
	RecordConfirmation(ctx context.Context, decisionID uuid.UUID, result domain.ConfirmationResult, decidedAt time.Time, timeToConfirm time.Duration) (bool, error)
	CreateFraudEvaluation(ctx context.Context, evaluation *domain.FraudEvaluation) error
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	SagaRepository
	LedgerRepository
	FraudRepository
}
