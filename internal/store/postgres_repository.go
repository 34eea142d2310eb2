/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed for sagas, ledger rows, fraud decisions and fraud
 * evaluations. Money columns are NUMERIC; they are written and read as text so no
 * precision is lost on the way through float types.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Exact money amounts.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the service's tables when they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const sagaColumns = `
	id, sender_user_id, receiver_user_id, sender_iban, receiver_iban, amount::text, currency,
	description, channel, ai_initiated, stage, status, sender_transaction_id, receiver_transaction_id,
	debit_applied, debited_amount::text, hold_expires_at, auth_type, auth_code, auth_code_expires_at,
	retry_count, last_error, original_command, archived, archived_at, created_at, updated_at`

// terminalStages are excluded from every sweep and conditional transition.
var terminalStages = []string{
	string(domain.StageCompleted),
	string(domain.StageCancelled),
	string(domain.StageFailed),
	string(domain.StageBlocked),
}

func scanSaga(row pgx.Row) (*domain.Saga, error) {
	var (
		saga          domain.Saga
		amount        string
		debitedAmount *string
		channel       string
		stage         string
		status        string
		authType      *string
	)
	err := row.Scan(
		&saga.ID,
		&saga.SenderUserID,
		&saga.ReceiverUserID,
		&saga.SenderIBAN,
		&saga.ReceiverIBAN,
		&amount,
		&saga.Currency,
		&saga.Description,
		&channel,
		&saga.AIInitiated,
		&stage,
		&status,
		&saga.SenderTransactionID,
		&saga.ReceiverTransactionID,
		&saga.DebitApplied,
		&debitedAmount,
		&saga.HoldExpiresAt,
		&authType,
		&saga.AuthCode,
		&saga.AuthCodeExpiresAt,
		&saga.RetryCount,
		&saga.LastError,
		&saga.OriginalCommand,
		&saga.Archived,
		&saga.ArchivedAt,
		&saga.CreatedAt,
		&saga.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	saga.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse saga amount %q: %w", amount, err)
	}
	if debitedAmount != nil {
		d, err := decimal.NewFromString(*debitedAmount)
		if err != nil {
			return nil, fmt.Errorf("parse debited amount %q: %w", *debitedAmount, err)
		}
		saga.DebitedAmount = &d
	}
	saga.Channel = domain.TransferChannel(channel)
	saga.Stage = domain.SagaStage(stage)
	saga.Status = domain.SagaStatus(status)
	if authType != nil {
		t := domain.StrongAuthType(*authType)
		saga.AuthType = &t
	}
	return &saga, nil
}

func collectSagas(rows pgx.Rows) ([]domain.Saga, error) {
	defer rows.Close()
	var sagas []domain.Saga
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, *saga)
	}
	return sagas, rows.Err()
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func authTypeString(t *domain.StrongAuthType) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func statusStrings(statuses []domain.SagaStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// CreateSaga inserts a new saga. A saga with the same id is left untouched.
func (r *PostgresRepository) CreateSaga(ctx context.Context, saga *domain.Saga) (bool, error) {
	query := `
		INSERT INTO saga_transactions (
			id, sender_user_id, receiver_user_id, sender_iban, receiver_iban, amount, currency,
			description, channel, ai_initiated, stage, status, retry_count, original_command,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		saga.ID,
		saga.SenderUserID,
		saga.ReceiverUserID,
		saga.SenderIBAN,
		saga.ReceiverIBAN,
		saga.Amount.String(),
		saga.Currency,
		saga.Description,
		string(saga.Channel),
		saga.AIInitiated,
		string(saga.Stage),
		string(saga.Status),
		saga.RetryCount,
		nullableJSON(saga.OriginalCommand),
	).Scan(&saga.CreatedAt, &saga.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert saga: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) GetSaga(ctx context.Context, id uuid.UUID) (*domain.Saga, error) {
	saga, err := scanSaga(r.db.QueryRow(ctx, `SELECT `+sagaColumns+` FROM saga_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	return saga, nil
}

func (r *PostgresRepository) GetSagaBySenderTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Saga, error) {
	saga, err := scanSaga(r.db.QueryRow(ctx, `SELECT `+sagaColumns+` FROM saga_transactions WHERE sender_transaction_id = $1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	return saga, nil
}

// UpdateSaga writes the mutable columns guarded by the expected stage.
func (r *PostgresRepository) UpdateSaga(ctx context.Context, saga *domain.Saga, expectedStage domain.SagaStage) error {
	query := `
		UPDATE saga_transactions SET
			sender_user_id = $3,
			receiver_user_id = $4,
			currency = $5,
			stage = $6,
			status = $7,
			sender_transaction_id = $8,
			receiver_transaction_id = $9,
			debit_applied = $10,
			debited_amount = $11::numeric,
			hold_expires_at = $12,
			auth_type = $13,
			auth_code = $14,
			auth_code_expires_at = $15,
			retry_count = $16,
			last_error = $17,
			updated_at = NOW()
		WHERE id = $1 AND stage = $2
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query,
		saga.ID,
		string(expectedStage),
		saga.SenderUserID,
		saga.ReceiverUserID,
		saga.Currency,
		string(saga.Stage),
		string(saga.Status),
		saga.SenderTransactionID,
		saga.ReceiverTransactionID,
		saga.DebitApplied,
		decimalPtrString(saga.DebitedAmount),
		saga.HoldExpiresAt,
		authTypeString(saga.AuthType),
		saga.AuthCode,
		saga.AuthCodeExpiresAt,
		saga.RetryCount,
		saga.LastError,
	).Scan(&saga.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleSagaUpdate
		}
		return fmt.Errorf("update saga %s: %w", saga.ID, err)
	}
	return nil
}

func (r *PostgresRepository) UpdateSagaStatusIf(ctx context.Context, id uuid.UUID, from []domain.SagaStatus, to domain.SagaStatus) (bool, error) {
	query := `
		UPDATE saga_transactions
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3) AND NOT (stage = ANY($4))
	`
	tag, err := r.db.Exec(ctx, query, id, string(to), statusStrings(from), terminalStages)
	if err != nil {
		return false, fmt.Errorf("update saga status %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) CloseSagaIf(ctx context.Context, id uuid.UUID, from []domain.SagaStatus, stage domain.SagaStage, status domain.SagaStatus, reason string) (bool, error) {
	query := `
		UPDATE saga_transactions
		SET stage = $2, status = $3, last_error = COALESCE(NULLIF($4, ''), last_error), auth_code = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($5) AND NOT (stage = ANY($6))
	`
	tag, err := r.db.Exec(ctx, query, id, string(stage), string(status), reason, statusStrings(from), terminalStages)
	if err != nil {
		return false, fmt.Errorf("close saga %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) IncrementSagaRetry(ctx context.Context, id uuid.UUID, lastError string) (int, error) {
	var count int
	query := `
		UPDATE saga_transactions
		SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`
	if err := r.db.QueryRow(ctx, query, id, lastError).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrSagaNotFound
		}
		return 0, err
	}
	return count, nil
}

func (r *PostgresRepository) ClearDebit(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE saga_transactions SET debit_applied = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear debit %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSagaNotFound
	}
	return nil
}

// HasRecentDuplicate only counts sagas ordered before sagaID by (created_at, id),
// so of two identical sagas racing through the check only the later one matches.
func (r *PostgresRepository) HasRecentDuplicate(ctx context.Context, sagaID uuid.UUID, senderIBAN, receiverIBAN string, amount decimal.Decimal, description string, since time.Time) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM saga_transactions s, saga_transactions self
			WHERE self.id = $6
			  AND s.sender_iban = $1 AND s.receiver_iban = $2 AND s.amount = $3::numeric AND s.description = $4
			  AND s.created_at >= $5 AND s.stage <> $7
			  AND (s.created_at, s.id) < (self.created_at, self.id)
		)
	`
	err := r.db.QueryRow(ctx, query, senderIBAN, receiverIBAN, amount.String(), description, since, sagaID, string(domain.StageFailed)).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_transactions
		WHERE status = $1 AND hold_expires_at < $2 AND NOT (stage = ANY($3)) AND archived = FALSE
		ORDER BY hold_expires_at LIMIT $4`
	rows, err := r.db.Query(ctx, query, string(domain.SagaStatusHold), now, terminalStages, limit)
	if err != nil {
		return nil, err
	}
	return collectSagas(rows)
}

func (r *PostgresRepository) ListExpiredStrongAuth(ctx context.Context, now time.Time, limit int) ([]domain.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_transactions
		WHERE status = $1 AND auth_code_expires_at < $2 AND NOT (stage = ANY($3)) AND archived = FALSE
		ORDER BY auth_code_expires_at LIMIT $4`
	rows, err := r.db.Query(ctx, query, string(domain.SagaStatusAwaitingAuth), now, terminalStages, limit)
	if err != nil {
		return nil, err
	}
	return collectSagas(rows)
}

// ListStuckSagas returns in-flight sagas that have not moved since updatedBefore.
// Held sagas are excluded; they expire through their own sweeps.
func (r *PostgresRepository) ListStuckSagas(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_transactions
		WHERE status = ANY($1) AND NOT (stage = ANY($2)) AND updated_at < $3 AND archived = FALSE
		ORDER BY updated_at LIMIT $4`
	open := statusStrings([]domain.SagaStatus{
		domain.SagaStatusProcessing, domain.SagaStatusConfirmed, domain.SagaStatusCrediting, domain.SagaStatusCredited,
	})
	rows, err := r.db.Query(ctx, query, open, terminalStages, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectSagas(rows)
}

func (r *PostgresRepository) ListPendingCompensations(ctx context.Context, limit int) ([]domain.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_transactions
		WHERE debit_applied = TRUE AND stage = ANY($1)
		ORDER BY updated_at LIMIT $2`
	stages := []string{string(domain.StageFailed), string(domain.StageCancelled), string(domain.StageBlocked)}
	rows, err := r.db.Query(ctx, query, stages, limit)
	if err != nil {
		return nil, err
	}
	return collectSagas(rows)
}

func (r *PostgresRepository) ArchiveSagas(ctx context.Context, updatedBefore time.Time, limit int) (int64, error) {
	query := `
		UPDATE saga_transactions SET archived = TRUE, archived_at = NOW()
		WHERE id IN (
			SELECT id FROM saga_transactions
			WHERE archived = FALSE AND stage = ANY($1) AND debit_applied = FALSE AND updated_at < $2
			ORDER BY updated_at
			LIMIT $3
		)
	`
	tag, err := r.db.Exec(ctx, query, terminalStages, updatedBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("archive sagas: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateLedgerTransaction inserts a ledger row; an existing row with the same id is kept.
func (r *PostgresRepository) CreateLedgerTransaction(ctx context.Context, tx *domain.LedgerTransaction) (bool, error) {
	query := `
		INSERT INTO ledger_transactions (
			id, saga_id, account_id, user_id, counterparty, side, type, status, amount, currency,
			description, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		tx.ID,
		tx.SagaID,
		tx.AccountID,
		tx.UserID,
		tx.Counterparty,
		string(tx.Side),
		string(tx.Type),
		string(tx.Status),
		tx.Amount.String(),
		tx.Currency,
		tx.Description,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert ledger transaction: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) GetLedgerTransaction(ctx context.Context, id uuid.UUID) (*domain.LedgerTransaction, error) {
	var (
		tx                         domain.LedgerTransaction
		side, txType, status, amnt string
	)
	query := `
		SELECT id, saga_id, account_id, user_id, counterparty, side, type, status, amount::text,
		       currency, description, created_at, updated_at
		FROM ledger_transactions WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&tx.ID, &tx.SagaID, &tx.AccountID, &tx.UserID, &tx.Counterparty, &side, &txType, &status, &amnt,
		&tx.Currency, &tx.Description, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerTransactionNotFound
		}
		return nil, err
	}
	tx.Amount, err = decimal.NewFromString(amnt)
	if err != nil {
		return nil, fmt.Errorf("parse ledger amount %q: %w", amnt, err)
	}
	tx.Side = domain.LedgerSide(side)
	tx.Type = domain.LedgerType(txType)
	tx.Status = domain.LedgerStatus(status)
	return &tx, nil
}

func (r *PostgresRepository) UpdateLedgerStatus(ctx context.Context, id uuid.UUID, status domain.LedgerStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE ledger_transactions SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update ledger status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLedgerTransactionNotFound
	}
	return nil
}

func (r *PostgresRepository) FailOpenLedgerTransactions(ctx context.Context, sagaID uuid.UUID, status domain.LedgerStatus) error {
	query := `
		UPDATE ledger_transactions SET status = $2, updated_at = NOW()
		WHERE saga_id = $1 AND status <> $3
	`
	if _, err := r.db.Exec(ctx, query, sagaID, string(status), string(domain.LedgerStatusCompleted)); err != nil {
		return fmt.Errorf("update ledger rows of saga %s: %w", sagaID, err)
	}
	return nil
}

func (r *PostgresRepository) CreateFraudDecision(ctx context.Context, d *domain.FraudDecision) error {
	query := `
		INSERT INTO fraud_decisions (
			id, transaction_id, saga_id, user_id, sender_reference, receiver_reference, amount,
			risk_score, risk_level, amount_balance_ratio, new_receiver, high_risk_count_24h,
			decision, recommended_action, reason, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.Exec(ctx, query,
		d.ID,
		d.TransactionID,
		d.SagaID,
		d.UserID,
		d.SenderReference,
		d.ReceiverReference,
		d.Amount.String(),
		d.RiskScore,
		string(d.RiskLevel),
		d.AmountBalanceRatio,
		d.NewReceiver,
		d.HighRiskCount24h,
		string(d.Decision),
		d.RecommendedAction,
		d.Reason,
		d.CreatedAt,
		d.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert fraud decision: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetLatestFraudDecision(ctx context.Context, sagaID uuid.UUID) (*domain.FraudDecision, error) {
	var (
		d                       domain.FraudDecision
		amount, level, decision string
		confirmation            *string
	)
	query := `
		SELECT id, transaction_id, saga_id, user_id, sender_reference, receiver_reference, amount::text,
		       risk_score, risk_level, amount_balance_ratio, new_receiver, high_risk_count_24h, decision,
		       recommended_action, reason, created_at, expires_at, decided_at, confirmation_result,
		       time_to_confirm_ms
		FROM fraud_decisions
		WHERE saga_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, sagaID).Scan(
		&d.ID, &d.TransactionID, &d.SagaID, &d.UserID, &d.SenderReference, &d.ReceiverReference, &amount,
		&d.RiskScore, &level, &d.AmountBalanceRatio, &d.NewReceiver, &d.HighRiskCount24h, &decision,
		&d.RecommendedAction, &d.Reason, &d.CreatedAt, &d.ExpiresAt, &d.DecidedAt, &confirmation,
		&d.TimeToConfirmMillis,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFraudDecisionNotFound
		}
		return nil, err
	}
	d.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse decision amount %q: %w", amount, err)
	}
	d.RiskLevel = domain.RiskLevel(level)
	d.Decision = domain.FraudAction(decision)
	if confirmation != nil {
		result := domain.ConfirmationResult(*confirmation)
		d.ConfirmationResult = &result
	}
	return &d, nil
}

func (r *PostgresRepository) HasPriorDecisionForReceiver(ctx context.Context, userID, receiverReference string, excludeSagaID uuid.UUID) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM fraud_decisions WHERE user_id = $1 AND receiver_reference = $2 AND saga_id <> $3)`
	err := r.db.QueryRow(ctx, query, userID, receiverReference, excludeSagaID).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) CountHighRiskDecisions(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM fraud_decisions WHERE user_id = $1 AND risk_level = $2 AND created_at >= $3`
	err := r.db.QueryRow(ctx, query, userID, string(domain.RiskHigh), since).Scan(&count)
	return count, err
}

func (r *PostgresRepository) RecordConfirmation(ctx context.Context, decisionID uuid.UUID, result domain.ConfirmationResult, decidedAt time.Time, timeToConfirm time.Duration) (bool, error) {
	query := `
		UPDATE fraud_decisions
		SET confirmation_result = $2, decided_at = $3, time_to_confirm_ms = $4
		WHERE id = $1 AND confirmation_result IS NULL
	`
	tag, err := r.db.Exec(ctx, query, decisionID, string(result), decidedAt, timeToConfirm.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("record confirmation %s: %w", decisionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) CreateFraudEvaluation(ctx context.Context, e *domain.FraudEvaluation) error {
	importances, err := json.Marshal(e.FeatureImportances)
	if err != nil {
		return fmt.Errorf("marshal feature importances: %w", err)
	}
	query := `
		INSERT INTO fraud_evaluations (
			id, saga_id, transaction_id, user_id, features, feature_importances, model_version,
			risk_score, risk_level, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.Exec(ctx, query,
		e.ID,
		e.SagaID,
		e.TransactionID,
		e.UserID,
		nullableJSON(e.Features),
		importances,
		e.ModelVersion,
		e.RiskScore,
		e.RiskLevel,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fraud evaluation: %w", err)
	}
	return nil
}
