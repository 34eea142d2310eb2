/**
 * @description
 * Recovery and timeout sweeps for transfer sagas. Every sweep selects with a
 * terminal-excluding predicate and acts through conditional updates, so a sweep that
 * races a live consumer or another replica turns into a no-op.
 */
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/logging"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/store"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/rabbitmq"
)

// Job names, used as lock keys and metric labels.
const (
	JobExpiredHolds      = "expired_holds"
	JobExpiredStrongAuth = "expired_strong_auth"
	JobStuckSagas        = "stuck_sagas"
	JobCompensation      = "compensation_backstop"
	JobArchive           = "archive"
)

// Sweep item results.
const (
	ResultOK       = "ok"
	ResultSkipped  = "skipped"
	ResultError    = "error"
	ResultRetried  = "retried"
	ResultFailed   = "failed"
	ResultEscalate = "escalated"
)

// HoldTimer cancels held sagas whose confirmation window closed.
type HoldTimer interface {
	TimeoutHold(ctx context.Context, sagaID uuid.UUID) (bool, error)
	TimeoutStrongAuth(ctx context.Context, sagaID uuid.UUID) (bool, error)
}

// SagaDriver is the part of the orchestrator the sweeps drive.
type SagaDriver interface {
	Compensate(ctx context.Context, saga *domain.Saga) error
	FailSaga(ctx context.Context, saga *domain.Saga, reason string) (bool, error)
	NotifyHoldExpired(ctx context.Context, saga *domain.Saga)
	ResumeHeldTransfer(ctx context.Context, transactionID uuid.UUID) error
}

// SweepRecorder counts sweep items.
type SweepRecorder interface {
	IncSweep(job, result string)
}

type Config struct {
	BatchSize       int
	StuckThreshold  time.Duration
	StuckMaxRetries int
	ArchiveAfter    time.Duration
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo      store.SagaRepository
	holds     HoldTimer
	driver    SagaDriver
	publisher rabbitmq.Publisher
	recorder  SweepRecorder
	logger    logrus.FieldLogger
	cfg       Config
	now       func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.SagaRepository, holds HoldTimer, driver SagaDriver, publisher rabbitmq.Publisher, recorder SweepRecorder, logger logrus.FieldLogger, cfg Config) *Jobs {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 30 * time.Minute
	}
	if cfg.StuckMaxRetries <= 0 {
		cfg.StuckMaxRetries = 3
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = 30 * 24 * time.Hour
	}
	return &Jobs{
		repo:      repo,
		holds:     holds,
		driver:    driver,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger.WithField("component", "scheduler"),
		cfg:       cfg,
		now:       time.Now,
	}
}

func (j *Jobs) count(job, result string) {
	if j.recorder != nil {
		j.recorder.IncSweep(job, result)
	}
}

// ExpireHolds cancels HOLD sagas past their confirmation window.
func (j *Jobs) ExpireHolds(ctx context.Context) {
	sagas, err := j.repo.ListExpiredHolds(ctx, j.now().UTC(), j.cfg.BatchSize)
	if err != nil {
		j.logger.WithError(err).Error("failed to list expired holds")
		return
	}
	j.expire(ctx, JobExpiredHolds, sagas, j.holds.TimeoutHold)
}

// ExpireStrongAuth cancels AWAITING_AUTH sagas whose code expired.
func (j *Jobs) ExpireStrongAuth(ctx context.Context) {
	sagas, err := j.repo.ListExpiredStrongAuth(ctx, j.now().UTC(), j.cfg.BatchSize)
	if err != nil {
		j.logger.WithError(err).Error("failed to list expired strong auth sagas")
		return
	}
	j.expire(ctx, JobExpiredStrongAuth, sagas, j.holds.TimeoutStrongAuth)
}

func (j *Jobs) expire(ctx context.Context, job string, sagas []domain.Saga, timeout func(context.Context, uuid.UUID) (bool, error)) {
	if len(sagas) == 0 {
		return
	}
	j.logger.WithFields(logrus.Fields{"job": job, "count": len(sagas)}).Info("expiring held transfers")

	for i := range sagas {
		saga := &sagas[i]
		log := j.logger.WithFields(logrus.Fields{"job": job, "saga_id": saga.ID})

		cancelled, err := timeout(ctx, saga.ID)
		if err != nil {
			log.WithError(err).Error("failed to cancel expired hold")
			j.count(job, ResultError)
			continue
		}
		if !cancelled {
			// confirmed or cancelled in the meantime
			j.count(job, ResultSkipped)
			continue
		}
		saga.Stage, saga.Status = domain.StageCancelled, domain.SagaStatusCancelled
		if err := j.driver.Compensate(ctx, saga); err != nil {
			log.WithError(err).Error("failed to compensate expired hold; compensation sweep will retry")
		}
		j.driver.NotifyHoldExpired(ctx, saga)
		j.count(job, ResultOK)
		log.Info("held transfer expired")
	}
}

// RecoverStuckSagas re-drives open sagas that stopped moving. Each pass counts as a
// retry; the pass that reaches the bound fails the saga and returns any debit.
func (j *Jobs) RecoverStuckSagas(ctx context.Context) {
	sagas, err := j.repo.ListStuckSagas(ctx, j.now().Add(-j.cfg.StuckThreshold).UTC(), j.cfg.BatchSize)
	if err != nil {
		j.logger.WithError(err).Error("failed to list stuck sagas")
		return
	}
	if len(sagas) == 0 {
		return
	}
	j.logger.WithField("count", len(sagas)).Info("recovering stuck sagas")

	for i := range sagas {
		saga := &sagas[i]
		log := j.logger.WithFields(logrus.Fields{"job": JobStuckSagas, "saga_id": saga.ID, "stage": saga.Stage, "status": saga.Status})
		reason := fmt.Sprintf("stuck in stage %s", saga.Stage)

		retries, err := j.repo.IncrementSagaRetry(ctx, saga.ID, reason)
		if err != nil {
			log.WithError(err).Error("failed to record saga retry")
			j.count(JobStuckSagas, ResultError)
			continue
		}
		log = log.WithField("retry", retries)

		if retries >= j.cfg.StuckMaxRetries {
			j.exhaust(ctx, log, saga, reason)
			continue
		}
		if err := j.redrive(ctx, saga); err != nil {
			log.WithError(err).Error("failed to re-drive stuck saga")
			j.count(JobStuckSagas, ResultError)
			continue
		}
		j.count(JobStuckSagas, ResultRetried)
		log.Info("stuck saga re-driven")
	}
}

// exhaust handles a saga past its retry bound. Once the receiver may have been credited
// the money cannot be taken back automatically, so those sagas go to manual review.
func (j *Jobs) exhaust(ctx context.Context, log logrus.FieldLogger, saga *domain.Saga, reason string) {
	if saga.Stage == domain.StageCredit || saga.Stage == domain.StageFinalize {
		logging.Critical(log, "saga exceeded retries after credit; manual review required", logrus.Fields{
			"amount": saga.Amount.String(),
		})
		if err := j.redrive(ctx, saga); err != nil {
			log.WithError(err).Error("failed to re-drive stuck saga")
		}
		j.count(JobStuckSagas, ResultEscalate)
		return
	}
	failed, err := j.driver.FailSaga(ctx, saga, "retries exhausted: "+reason)
	if err != nil {
		log.WithError(err).Error("failed to fail stuck saga")
		j.count(JobStuckSagas, ResultError)
		return
	}
	if !failed {
		j.count(JobStuckSagas, ResultSkipped)
		return
	}
	j.count(JobStuckSagas, ResultFailed)
	log.Warn("stuck saga failed after exhausting retries")
}

// redrive republishes the message that moves the saga out of its current stage.
func (j *Jobs) redrive(ctx context.Context, saga *domain.Saga) error {
	if saga.Status == domain.SagaStatusConfirmed {
		if saga.SenderTransactionID == nil {
			return fmt.Errorf("confirmed saga has no sender transaction id")
		}
		return j.driver.ResumeHeldTransfer(ctx, *saga.SenderTransactionID)
	}

	switch saga.Stage {
	case domain.StageInitiated, domain.StageFraudEvaluate:
		var cmd domain.TransferCommand
		if err := json.Unmarshal(saga.OriginalCommand, &cmd); err != nil {
			return fmt.Errorf("decode stored command: %w", err)
		}
		cmd.SagaID = saga.ID
		cmd.SkipValidation = true
		return j.publisher.Publish(ctx, domain.TopicStartTransfer, cmd)
	case domain.StageDebit, domain.StageCredit:
		if saga.Stage == domain.StageCredit && saga.Status != domain.SagaStatusCrediting {
			return j.publishFinalize(ctx, saga)
		}
		if saga.SenderTransactionID == nil || saga.ReceiverTransactionID == nil {
			return fmt.Errorf("debited saga is missing transaction ids")
		}
		return j.publisher.Publish(ctx, domain.TopicUpdateTransfer, domain.DebitAppliedEvent{
			SagaID:                saga.ID,
			SenderTransactionID:   *saga.SenderTransactionID,
			ReceiverTransactionID: *saga.ReceiverTransactionID,
			Amount:                saga.Amount,
		})
	case domain.StageFinalize:
		return j.publishFinalize(ctx, saga)
	default:
		return fmt.Errorf("no recovery path for stage %s", saga.Stage)
	}
}

func (j *Jobs) publishFinalize(ctx context.Context, saga *domain.Saga) error {
	return j.publisher.Publish(ctx, domain.TopicFinalizeTransfer, domain.FinalizeTransferEvent{
		SagaID:                saga.ID,
		SenderTransactionID:   saga.SenderTransactionID,
		ReceiverTransactionID: saga.ReceiverTransactionID,
	})
}

// CompensatePending retries refunds of closed sagas that still carry a debit.
func (j *Jobs) CompensatePending(ctx context.Context) {
	sagas, err := j.repo.ListPendingCompensations(ctx, j.cfg.BatchSize)
	if err != nil {
		j.logger.WithError(err).Error("failed to list pending compensations")
		return
	}
	for i := range sagas {
		saga := &sagas[i]
		if err := j.driver.Compensate(ctx, saga); err != nil {
			j.logger.WithError(err).WithField("saga_id", saga.ID).Error("compensation retry failed")
			j.count(JobCompensation, ResultError)
			continue
		}
		j.count(JobCompensation, ResultOK)
	}
}

// ArchiveClosedSagas marks old terminal sagas archived.
func (j *Jobs) ArchiveClosedSagas(ctx context.Context) {
	archived, err := j.repo.ArchiveSagas(ctx, j.now().Add(-j.cfg.ArchiveAfter).UTC(), j.cfg.BatchSize)
	if err != nil {
		j.logger.WithError(err).Error("failed to archive sagas")
		j.count(JobArchive, ResultError)
		return
	}
	if archived == 0 {
		return
	}
	j.count(JobArchive, ResultOK)
	j.logger.WithField("count", archived).Info("archived closed sagas")
}
