// Package storetest provides an in-memory store.Repository for tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/store"
)

// MemoryRepository keeps rows in maps. Records are copied on the way in and out
// so callers cannot mutate stored state by accident.
type MemoryRepository struct {
	mu          sync.Mutex
	Now         func() time.Time
	Sagas       map[uuid.UUID]*domain.Saga
	Ledger      map[uuid.UUID]*domain.LedgerTransaction
	Decisions   []*domain.FraudDecision
	Evaluations []*domain.FraudEvaluation

	// seq records insertion order; it breaks created_at ties.
	seq  map[uuid.UUID]int
	next int
}

var _ store.Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		Now:    time.Now,
		Sagas:  make(map[uuid.UUID]*domain.Saga),
		Ledger: make(map[uuid.UUID]*domain.LedgerTransaction),
	}
}

func copySaga(s *domain.Saga) *domain.Saga {
	c := *s
	if s.OriginalCommand != nil {
		c.OriginalCommand = append([]byte(nil), s.OriginalCommand...)
	}
	return &c
}

func contains(statuses []domain.SagaStatus, s domain.SagaStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// PutSaga stores a saga as-is, for test setup.
func (m *MemoryRepository) PutSaga(s *domain.Saga) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sagas[s.ID] = copySaga(s)
	m.remember(s.ID)
}

func (m *MemoryRepository) remember(id uuid.UUID) {
	if m.seq == nil {
		m.seq = make(map[uuid.UUID]int)
	}
	if _, ok := m.seq[id]; !ok {
		m.next++
		m.seq[id] = m.next
	}
}

// before reports whether a sorts ahead of b by creation time, then insertion order.
func (m *MemoryRepository) before(a, b *domain.Saga) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return m.seq[a.ID] < m.seq[b.ID]
}

// Saga returns a copy of the stored saga or nil.
func (m *MemoryRepository) Saga(id uuid.UUID) *domain.Saga {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sagas[id]
	if !ok {
		return nil
	}
	return copySaga(s)
}

// LedgerRow returns a copy of the stored ledger row or nil.
func (m *MemoryRepository) LedgerRow(id uuid.UUID) *domain.LedgerTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.Ledger[id]
	if !ok {
		return nil
	}
	c := *tx
	return &c
}

// LedgerCount returns the number of ledger rows.
func (m *MemoryRepository) LedgerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Ledger)
}

func (m *MemoryRepository) CreateSaga(ctx context.Context, saga *domain.Saga) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Sagas[saga.ID]; ok {
		return false, nil
	}
	now := m.Now()
	saga.CreatedAt = now
	saga.UpdatedAt = now
	m.Sagas[saga.ID] = copySaga(saga)
	m.remember(saga.ID)
	return true, nil
}

func (m *MemoryRepository) GetSaga(ctx context.Context, id uuid.UUID) (*domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sagas[id]
	if !ok {
		return nil, store.ErrSagaNotFound
	}
	return copySaga(s), nil
}

func (m *MemoryRepository) GetSagaBySenderTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Sagas {
		if s.SenderTransactionID != nil && *s.SenderTransactionID == transactionID {
			return copySaga(s), nil
		}
	}
	return nil, store.ErrSagaNotFound
}

func (m *MemoryRepository) UpdateSaga(ctx context.Context, saga *domain.Saga, expectedStage domain.SagaStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.Sagas[saga.ID]
	if !ok || current.Stage != expectedStage {
		return store.ErrStaleSagaUpdate
	}
	saga.UpdatedAt = m.Now()
	updated := copySaga(saga)
	updated.CreatedAt = current.CreatedAt
	updated.OriginalCommand = current.OriginalCommand
	updated.Archived = current.Archived
	updated.ArchivedAt = current.ArchivedAt
	m.Sagas[saga.ID] = updated
	return nil
}

func (m *MemoryRepository) UpdateSagaStatusIf(ctx context.Context, id uuid.UUID, from []domain.SagaStatus, to domain.SagaStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sagas[id]
	if !ok || s.Stage.IsTerminal() || !contains(from, s.Status) {
		return false, nil
	}
	s.Status = to
	s.UpdatedAt = m.Now()
	return true, nil
}

func (m *MemoryRepository) CloseSagaIf(ctx context.Context, id uuid.UUID, from []domain.SagaStatus, stage domain.SagaStage, status domain.SagaStatus, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sagas[id]
	if !ok || s.Stage.IsTerminal() || !contains(from, s.Status) {
		return false, nil
	}
	s.Stage = stage
	s.Status = status
	s.AuthCode = nil
	if reason != "" {
		r := reason
		s.LastError = &r
	}
	s.UpdatedAt = m.Now()
	return true, nil
}

func (m *MemoryRepository) IncrementSagaRetry(ctx context.Context, id uuid.UUID, lastError string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sagas[id]
	if !ok {
		return 0, store.ErrSagaNotFound
	}
	s.RetryCount++
	e := lastError
	s.LastError = &e
	s.UpdatedAt = m.Now()
	return s.RetryCount, nil
}

func (m *MemoryRepository) ClearDebit(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sagas[id]
	if !ok {
		return store.ErrSagaNotFound
	}
	s.DebitApplied = false
	s.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryRepository) HasRecentDuplicate(ctx context.Context, sagaID uuid.UUID, senderIBAN, receiverIBAN string, amount decimal.Decimal, description string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	self, ok := m.Sagas[sagaID]
	if !ok {
		return false, nil
	}
	for _, s := range m.Sagas {
		if s.ID == sagaID || s.Stage == domain.StageFailed || !m.before(s, self) {
			continue
		}
		if s.SenderIBAN == senderIBAN && s.ReceiverIBAN == receiverIBAN && s.Amount.Equal(amount) &&
			s.Description == description && !s.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) list(limit int, match func(*domain.Saga) bool) []domain.Saga {
	var out []domain.Saga
	for _, s := range m.Sagas {
		if match(s) {
			out = append(out, *copySaga(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryRepository) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(s *domain.Saga) bool {
		return s.Status == domain.SagaStatusHold && !s.Stage.IsTerminal() && !s.Archived &&
			s.HoldExpiresAt != nil && s.HoldExpiresAt.Before(now)
	}), nil
}

func (m *MemoryRepository) ListExpiredStrongAuth(ctx context.Context, now time.Time, limit int) ([]domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(s *domain.Saga) bool {
		return s.Status == domain.SagaStatusAwaitingAuth && !s.Stage.IsTerminal() && !s.Archived &&
			s.AuthCodeExpiresAt != nil && s.AuthCodeExpiresAt.Before(now)
	}), nil
}

func (m *MemoryRepository) ListStuckSagas(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(s *domain.Saga) bool {
		open := contains([]domain.SagaStatus{
			domain.SagaStatusProcessing, domain.SagaStatusConfirmed, domain.SagaStatusCrediting, domain.SagaStatusCredited,
		}, s.Status)
		return open && !s.Stage.IsTerminal() && !s.Archived && s.UpdatedAt.Before(updatedBefore)
	}), nil
}

func (m *MemoryRepository) ListPendingCompensations(ctx context.Context, limit int) ([]domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(limit, func(s *domain.Saga) bool {
		closed := s.Stage == domain.StageFailed || s.Stage == domain.StageCancelled || s.Stage == domain.StageBlocked
		return closed && s.DebitApplied
	}), nil
}

func (m *MemoryRepository) ArchiveSagas(ctx context.Context, updatedBefore time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidates := m.list(limit, func(s *domain.Saga) bool {
		return !s.Archived && s.Stage.IsTerminal() && !s.DebitApplied && s.UpdatedAt.Before(updatedBefore)
	})
	now := m.Now()
	for _, c := range candidates {
		s := m.Sagas[c.ID]
		s.Archived = true
		s.ArchivedAt = &now
	}
	return int64(len(candidates)), nil
}

func (m *MemoryRepository) CreateLedgerTransaction(ctx context.Context, tx *domain.LedgerTransaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Ledger[tx.ID]; ok {
		return false, nil
	}
	now := m.Now()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	c := *tx
	m.Ledger[tx.ID] = &c
	return true, nil
}

func (m *MemoryRepository) GetLedgerTransaction(ctx context.Context, id uuid.UUID) (*domain.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.Ledger[id]
	if !ok {
		return nil, store.ErrLedgerTransactionNotFound
	}
	c := *tx
	return &c, nil
}

func (m *MemoryRepository) UpdateLedgerStatus(ctx context.Context, id uuid.UUID, status domain.LedgerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.Ledger[id]
	if !ok {
		return store.ErrLedgerTransactionNotFound
	}
	tx.Status = status
	tx.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryRepository) FailOpenLedgerTransactions(ctx context.Context, sagaID uuid.UUID, status domain.LedgerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.Ledger {
		if tx.SagaID != nil && *tx.SagaID == sagaID && tx.Status != domain.LedgerStatusCompleted {
			tx.Status = status
			tx.UpdatedAt = m.Now()
		}
	}
	return nil
}

func (m *MemoryRepository) CreateFraudDecision(ctx context.Context, decision *domain.FraudDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *decision
	m.Decisions = append(m.Decisions, &c)
	return nil
}

func (m *MemoryRepository) GetLatestFraudDecision(ctx context.Context, sagaID uuid.UUID) (*domain.FraudDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.FraudDecision
	for _, d := range m.Decisions {
		if d.SagaID == sagaID && (latest == nil || !d.CreatedAt.Before(latest.CreatedAt)) {
			latest = d
		}
	}
	if latest == nil {
		return nil, store.ErrFraudDecisionNotFound
	}
	c := *latest
	return &c, nil
}

func (m *MemoryRepository) HasPriorDecisionForReceiver(ctx context.Context, userID, receiverReference string, excludeSagaID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.Decisions {
		if d.UserID == userID && d.ReceiverReference == receiverReference && d.SagaID != excludeSagaID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) CountHighRiskDecisions(ctx context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, d := range m.Decisions {
		if d.UserID == userID && d.RiskLevel == domain.RiskHigh && !d.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) RecordConfirmation(ctx context.Context, decisionID uuid.UUID, result domain.ConfirmationResult, decidedAt time.Time, timeToConfirm time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.Decisions {
		if d.ID != decisionID {
			continue
		}
		if d.ConfirmationResult != nil {
			return false, nil
		}
		r := result
		at := decidedAt
		ms := timeToConfirm.Milliseconds()
		d.ConfirmationResult = &r
		d.DecidedAt = &at
		d.TimeToConfirmMillis = &ms
		return true, nil
	}
	return false, store.ErrFraudDecisionNotFound
}

func (m *MemoryRepository) CreateFraudEvaluation(ctx context.Context, evaluation *domain.FraudEvaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *evaluation
	m.Evaluations = append(m.Evaluations, &c)
	return nil
}
