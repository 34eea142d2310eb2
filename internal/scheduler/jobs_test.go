package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/fraud"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/store/storetest"
)

type driverStub struct {
	mu            sync.Mutex
	compensated   []uuid.UUID
	compensateErr error
	failed        []uuid.UUID
	expired       []uuid.UUID
	resumed       []uuid.UUID
}

func (d *driverStub) Compensate(ctx context.Context, saga *domain.Saga) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.compensateErr != nil {
		return d.compensateErr
	}
	d.compensated = append(d.compensated, saga.ID)
	return nil
}

func (d *driverStub) FailSaga(ctx context.Context, saga *domain.Saga, reason string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed = append(d.failed, saga.ID)
	return true, nil
}

func (d *driverStub) NotifyHoldExpired(ctx context.Context, saga *domain.Saga) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expired = append(d.expired, saga.ID)
}

func (d *driverStub) ResumeHeldTransfer(ctx context.Context, transactionID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumed = append(d.resumed, transactionID)
	return nil
}

type publisherStub struct {
	mu     sync.Mutex
	topics []string
	bodies []interface{}
}

func (p *publisherStub) Publish(ctx context.Context, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, routingKey)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *publisherStub) Close() {}

type sweepCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *sweepCounter) IncSweep(job, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[job+"/"+result]++
}

type jobsFixture struct {
	repo      *storetest.MemoryRepository
	driver    *driverStub
	publisher *publisherStub
	sweeps    *sweepCounter
	jobs      *Jobs
	hook      *logtest.Hook
}

func newTestJobs(t *testing.T) *jobsFixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	repo := storetest.NewMemoryRepository()
	engine := fraud.NewEngine(repo, nil, nil, nil, logger, fraud.Config{})
	f := &jobsFixture{
		repo:      repo,
		driver:    &driverStub{},
		publisher: &publisherStub{},
		sweeps:    &sweepCounter{counts: map[string]int{}},
		hook:      hook,
	}
	f.jobs = NewJobs(repo, engine, f.driver, f.publisher, f.sweeps, logger, Config{})
	return f
}

func (f *jobsFixture) heldSaga(t *testing.T, status domain.SagaStatus, action domain.FraudAction, createdAt time.Time, window time.Duration) *domain.Saga {
	t.Helper()
	senderTx, receiverTx := uuid.New(), uuid.New()
	expires := createdAt.Add(window)
	saga := &domain.Saga{
		ID:                    uuid.New(),
		SenderUserID:          "user-1",
		SenderIBAN:            "TR1",
		ReceiverIBAN:          "TR2",
		Amount:                decimal.NewFromInt(100),
		Stage:                 domain.StageFraudEvaluate,
		Status:                status,
		SenderTransactionID:   &senderTx,
		ReceiverTransactionID: &receiverTx,
		HoldExpiresAt:         &expires,
		CreatedAt:             createdAt,
		UpdatedAt:             createdAt,
	}
	if status == domain.SagaStatusAwaitingAuth {
		code := "123456"
		saga.AuthCode = &code
		saga.AuthCodeExpiresAt = &expires
	}
	f.repo.PutSaga(saga)
	err := f.repo.CreateFraudDecision(context.Background(), &domain.FraudDecision{
		ID:        uuid.New(),
		SagaID:    saga.ID,
		UserID:    saga.SenderUserID,
		Decision:  action,
		CreatedAt: createdAt,
		ExpiresAt: &expires,
	})
	if err != nil {
		t.Fatalf("CreateFraudDecision: %v", err)
	}
	return saga
}

func (f *jobsFixture) stuckSaga(t *testing.T, stage domain.SagaStage, status domain.SagaStatus, retries int) *domain.Saga {
	t.Helper()
	senderTx, receiverTx := uuid.New(), uuid.New()
	id := uuid.New()
	cmd, _ := json.Marshal(domain.TransferCommand{
		SagaID:       id,
		UserID:       "user-1",
		SenderIBAN:   "TR1",
		ReceiverIBAN: "TR2",
		Amount:       decimal.NewFromInt(100),
	})
	saga := &domain.Saga{
		ID:                    id,
		SenderUserID:          "user-1",
		SenderIBAN:            "TR1",
		ReceiverIBAN:          "TR2",
		Amount:                decimal.NewFromInt(100),
		Stage:                 stage,
		Status:                status,
		SenderTransactionID:   &senderTx,
		ReceiverTransactionID: &receiverTx,
		RetryCount:            retries,
		OriginalCommand:       cmd,
		UpdatedAt:             time.Now().Add(-time.Hour),
	}
	f.repo.PutSaga(saga)
	return saga
}

func TestExpireHolds_CancelsAfterWindow(t *testing.T) {
	f := newTestJobs(t)
	start := time.Now().UTC()
	saga := f.heldSaga(t, domain.SagaStatusHold, domain.ActionHold, start, 15*time.Minute)
	f.jobs.now = func() time.Time { return start.Add(16 * time.Minute) }

	f.jobs.ExpireHolds(context.Background())

	stored := f.repo.Saga(saga.ID)
	if stored.Stage != domain.StageCancelled || stored.Status != domain.SagaStatusCancelled {
		t.Fatalf("expected cancelled saga, got %s/%s", stored.Stage, stored.Status)
	}
	decision, err := f.repo.GetLatestFraudDecision(context.Background(), saga.ID)
	if err != nil {
		t.Fatalf("GetLatestFraudDecision: %v", err)
	}
	if decision.ConfirmationResult == nil || *decision.ConfirmationResult != domain.ConfirmationTimeout {
		t.Fatalf("expected TIMEOUT confirmation, got %v", decision.ConfirmationResult)
	}
	if len(f.driver.expired) != 1 || f.driver.expired[0] != saga.ID {
		t.Fatal("expected the sender to be notified")
	}
	if f.sweeps.counts[JobExpiredHolds+"/"+ResultOK] != 1 {
		t.Fatalf("unexpected sweep counts %v", f.sweeps.counts)
	}
}

func TestExpireHolds_LeavesOpenWindowAlone(t *testing.T) {
	f := newTestJobs(t)
	start := time.Now().UTC()
	saga := f.heldSaga(t, domain.SagaStatusHold, domain.ActionHold, start, 15*time.Minute)
	f.jobs.now = func() time.Time { return start.Add(10 * time.Minute) }

	f.jobs.ExpireHolds(context.Background())

	if stored := f.repo.Saga(saga.ID); stored.Status != domain.SagaStatusHold {
		t.Fatalf("expected hold to remain, got %s", stored.Status)
	}
	if len(f.driver.expired) != 0 {
		t.Fatal("expected no notification")
	}
}

func TestExpireStrongAuth_RecordsAuthTimeout(t *testing.T) {
	f := newTestJobs(t)
	start := time.Now().UTC()
	saga := f.heldSaga(t, domain.SagaStatusAwaitingAuth, domain.ActionHoldStrongAuth, start, 5*time.Minute)
	f.jobs.now = func() time.Time { return start.Add(6 * time.Minute) }

	f.jobs.ExpireStrongAuth(context.Background())

	stored := f.repo.Saga(saga.ID)
	if stored.Stage != domain.StageCancelled || stored.AuthCode != nil {
		t.Fatalf("expected cancelled saga with code cleared, got %+v", stored)
	}
	decision, _ := f.repo.GetLatestFraudDecision(context.Background(), saga.ID)
	if decision.ConfirmationResult == nil || *decision.ConfirmationResult != domain.ConfirmationAuthTimeout {
		t.Fatalf("expected AUTH_TIMEOUT confirmation, got %v", decision.ConfirmationResult)
	}
}

func TestRecoverStuckSagas_RepublishesStartWithoutValidation(t *testing.T) {
	f := newTestJobs(t)
	saga := f.stuckSaga(t, domain.StageFraudEvaluate, domain.SagaStatusProcessing, 0)

	f.jobs.RecoverStuckSagas(context.Background())

	if len(f.publisher.topics) != 1 || f.publisher.topics[0] != domain.TopicStartTransfer {
		t.Fatalf("expected start command republished, got %v", f.publisher.topics)
	}
	cmd, ok := f.publisher.bodies[0].(domain.TransferCommand)
	if !ok || !cmd.SkipValidation || cmd.SagaID != saga.ID {
		t.Fatalf("expected replayed command with SkipValidation, got %+v", f.publisher.bodies[0])
	}
	if stored := f.repo.Saga(saga.ID); stored.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", stored.RetryCount)
	}
}

func TestRecoverStuckSagas_RedrivesDebitStage(t *testing.T) {
	f := newTestJobs(t)
	f.stuckSaga(t, domain.StageDebit, domain.SagaStatusProcessing, 1)

	f.jobs.RecoverStuckSagas(context.Background())

	if len(f.publisher.topics) != 1 || f.publisher.topics[0] != domain.TopicUpdateTransfer {
		t.Fatalf("expected update-transfer-money republished, got %v", f.publisher.topics)
	}
	if len(f.driver.failed) != 0 {
		t.Fatal("expected saga not to be failed before the retry bound")
	}
}

func TestRecoverStuckSagas_ResumesConfirmedHold(t *testing.T) {
	f := newTestJobs(t)
	saga := f.stuckSaga(t, domain.StageFraudEvaluate, domain.SagaStatusConfirmed, 0)

	f.jobs.RecoverStuckSagas(context.Background())

	if len(f.driver.resumed) != 1 || f.driver.resumed[0] != *saga.SenderTransactionID {
		t.Fatalf("expected confirmed hold to be resumed, got %v", f.driver.resumed)
	}
}

func TestRecoverStuckSagas_FailsAfterRetryBound(t *testing.T) {
	f := newTestJobs(t)
	saga := f.stuckSaga(t, domain.StageFraudEvaluate, domain.SagaStatusProcessing, 2)

	f.jobs.RecoverStuckSagas(context.Background())

	if stored := f.repo.Saga(saga.ID); stored.RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %d", stored.RetryCount)
	}
	if len(f.driver.failed) != 1 || f.driver.failed[0] != saga.ID {
		t.Fatalf("expected saga to be failed on reaching the bound, got %v", f.driver.failed)
	}
	if len(f.publisher.topics) != 0 {
		t.Fatalf("expected nothing republished, got %v", f.publisher.topics)
	}
	if f.sweeps.counts[JobStuckSagas+"/"+ResultFailed] != 1 {
		t.Fatalf("unexpected sweep counts %v", f.sweeps.counts)
	}
}

func TestRecoverStuckSagas_RedrivesBelowRetryBound(t *testing.T) {
	f := newTestJobs(t)
	saga := f.stuckSaga(t, domain.StageFraudEvaluate, domain.SagaStatusProcessing, 1)

	f.jobs.RecoverStuckSagas(context.Background())

	if stored := f.repo.Saga(saga.ID); stored.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", stored.RetryCount)
	}
	if len(f.driver.failed) != 0 {
		t.Fatalf("expected no failure below the bound, got %v", f.driver.failed)
	}
	if len(f.publisher.topics) != 1 || f.publisher.topics[0] != domain.TopicStartTransfer {
		t.Fatalf("expected start command republished, got %v", f.publisher.topics)
	}
}

func TestRecoverStuckSagas_RepeatsClaimedCredit(t *testing.T) {
	f := newTestJobs(t)
	saga := f.stuckSaga(t, domain.StageCredit, domain.SagaStatusCrediting, 0)

	f.jobs.RecoverStuckSagas(context.Background())

	if len(f.publisher.topics) != 1 || f.publisher.topics[0] != domain.TopicUpdateTransfer {
		t.Fatalf("expected update-transfer-money republished, got %v", f.publisher.topics)
	}
	event, ok := f.publisher.bodies[0].(domain.DebitAppliedEvent)
	if !ok || event.SagaID != saga.ID {
		t.Fatalf("unexpected event %+v", f.publisher.bodies[0])
	}
}

func TestRecoverStuckSagas_EscalatesAfterCredit(t *testing.T) {
	f := newTestJobs(t)
	f.stuckSaga(t, domain.StageCredit, domain.SagaStatusCredited, 2)

	f.jobs.RecoverStuckSagas(context.Background())

	if len(f.driver.failed) != 0 {
		t.Fatal("credited saga must not be failed automatically")
	}
	critical := 0
	for _, entry := range f.hook.AllEntries() {
		if entry.Data["alert"] == "critical" {
			critical++
		}
	}
	if critical != 1 {
		t.Fatalf("expected one critical entry, got %d", critical)
	}
	if len(f.publisher.topics) != 1 || f.publisher.topics[0] != domain.TopicFinalizeTransfer {
		t.Fatalf("expected finalize republished, got %v", f.publisher.topics)
	}
}

func TestCompensatePending_RetriesRefunds(t *testing.T) {
	f := newTestJobs(t)
	amount := decimal.NewFromInt(100)
	saga := &domain.Saga{
		ID:            uuid.New(),
		Stage:         domain.StageFailed,
		Status:        domain.SagaStatusFailed,
		DebitApplied:  true,
		DebitedAmount: &amount,
	}
	f.repo.PutSaga(saga)

	f.jobs.CompensatePending(context.Background())
	if len(f.driver.compensated) != 1 || f.driver.compensated[0] != saga.ID {
		t.Fatalf("expected compensation for %s, got %v", saga.ID, f.driver.compensated)
	}

	f.driver.compensateErr = errors.New("account service down")
	f.jobs.CompensatePending(context.Background())
	if f.sweeps.counts[JobCompensation+"/"+ResultError] != 1 {
		t.Fatalf("expected failed compensation to be counted, got %v", f.sweeps.counts)
	}
}

func TestArchiveClosedSagas_FlagsOldTerminalSagas(t *testing.T) {
	f := newTestJobs(t)
	old := f.stuckSaga(t, domain.StageCompleted, domain.SagaStatusCompleted, 0)
	old.UpdatedAt = time.Now().AddDate(0, 0, -40)
	f.repo.PutSaga(old)
	recent := f.stuckSaga(t, domain.StageCompleted, domain.SagaStatusCompleted, 0)
	open := f.stuckSaga(t, domain.StageDebit, domain.SagaStatusProcessing, 0)
	open.UpdatedAt = time.Now().AddDate(0, 0, -40)
	f.repo.PutSaga(open)

	f.jobs.ArchiveClosedSagas(context.Background())

	if s := f.repo.Saga(old.ID); !s.Archived || s.ArchivedAt == nil {
		t.Fatalf("expected old completed saga to be archived, got %+v", s)
	}
	if f.repo.Saga(recent.ID).Archived {
		t.Fatal("recent saga must not be archived")
	}
	if f.repo.Saga(open.ID).Archived {
		t.Fatal("non-terminal saga must not be archived")
	}
	if f.sweeps.counts[JobArchive+"/"+ResultOK] != 1 {
		t.Fatalf("unexpected sweep counts %v", f.sweeps.counts)
	}
}
