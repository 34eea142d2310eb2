/**
 * @description
 * HoldService serves the HTTP-originated actions on held transfers: the sender
 * confirming (or verifying with the OTP code), the sender reporting fraud, and
 * operations approving a false positive. Each action runs behind the idempotency
 * guard, so a retried request replays the first response instead of acting twice.
 */

package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/idempotency"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/store"
)

// OpsScope is the idempotency scope of operator actions.
const OpsScope = "ops"

// HoldDecider is the part of the fraud engine that resolves held decisions.
type HoldDecider interface {
	ConfirmHold(ctx context.Context, sagaID uuid.UUID, confirmation domain.ConfirmationResult) (bool, error)
	ReportFraud(ctx context.Context, sagaID uuid.UUID) (bool, error)
	MarkFalsePositive(ctx context.Context, sagaID uuid.UUID) (bool, error)
}

// TransferResumer continues a confirmed hold.
type TransferResumer interface {
	ResumeHeldTransfer(ctx context.Context, transactionID uuid.UUID) error
}

// ReplayRecorder counts responses served from the idempotency cache.
type ReplayRecorder interface {
	IncIdempotencyReplay()
}

// HoldResult is the response body of every hold action.
type HoldResult struct {
	SagaID  uuid.UUID `json:"saga_id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

type HoldService struct {
	repo     store.SagaRepository
	decider  HoldDecider
	resumer  TransferResumer
	guard    *idempotency.Guard
	recorder ReplayRecorder
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewHoldService(repo store.SagaRepository, decider HoldDecider, resumer TransferResumer, guard *idempotency.Guard, recorder ReplayRecorder, logger logrus.FieldLogger) *HoldService {
	return &HoldService{
		repo:     repo,
		decider:  decider,
		resumer:  resumer,
		guard:    guard,
		recorder: recorder,
		logger:   logger.WithField("component", "hold_service"),
		now:      time.Now,
	}
}

// Confirm resolves a hold owned by userID. Strong-auth holds need the OTP code.
func (s *HoldService) Confirm(ctx context.Context, userID, idempotencyKey string, sagaID uuid.UUID, code string) (HoldResult, error) {
	return s.once(ctx, userID, idempotencyKey, func() (HoldResult, error) {
		saga, err := s.ownedSaga(ctx, userID, sagaID)
		if err != nil {
			return HoldResult{}, err
		}

		var confirmation domain.ConfirmationResult
		switch saga.Status {
		case domain.SagaStatusHold:
			confirmation = domain.ConfirmationUserConfirmed
		case domain.SagaStatusAwaitingAuth:
			if !s.validCode(saga, code) {
				return HoldResult{}, ErrInvalidAuthCode
			}
			confirmation = domain.ConfirmationOTPVerified
		default:
			return HoldResult{}, ErrHoldNotPending
		}

		confirmed, err := s.decider.ConfirmHold(ctx, sagaID, confirmation)
		if err != nil {
			return HoldResult{}, technical("confirm hold", err)
		}
		if !confirmed {
			return HoldResult{}, ErrHoldNotPending
		}
		s.resume(ctx, saga)
		return HoldResult{SagaID: sagaID, Status: string(domain.SagaStatusConfirmed), Message: "Transfer confirmed."}, nil
	})
}

// ReportFraud cancels a hold the sender does not recognise.
func (s *HoldService) ReportFraud(ctx context.Context, userID, idempotencyKey string, sagaID uuid.UUID) (HoldResult, error) {
	return s.once(ctx, userID, idempotencyKey, func() (HoldResult, error) {
		if _, err := s.ownedSaga(ctx, userID, sagaID); err != nil {
			return HoldResult{}, err
		}
		cancelled, err := s.decider.ReportFraud(ctx, sagaID)
		if err != nil {
			return HoldResult{}, technical("report fraud", err)
		}
		if !cancelled {
			return HoldResult{}, ErrHoldNotPending
		}
		s.logger.WithFields(logrus.Fields{"saga_id": sagaID, "user_id": userID}).Warn("held transfer reported as fraud")
		return HoldResult{SagaID: sagaID, Status: string(domain.SagaStatusCancelled), Message: "Transfer cancelled. Thank you for reporting it."}, nil
	})
}

// Approve lets operations release a hold that was a false positive.
func (s *HoldService) Approve(ctx context.Context, idempotencyKey string, sagaID uuid.UUID) (HoldResult, error) {
	return s.once(ctx, OpsScope, idempotencyKey, func() (HoldResult, error) {
		saga, err := s.repo.GetSaga(ctx, sagaID)
		if err != nil {
			if errors.Is(err, store.ErrSagaNotFound) {
				return HoldResult{}, ErrHoldNotFound
			}
			return HoldResult{}, technical("load saga", err)
		}
		approved, err := s.decider.MarkFalsePositive(ctx, sagaID)
		if err != nil {
			return HoldResult{}, technical("approve hold", err)
		}
		if !approved {
			return HoldResult{}, ErrHoldNotPending
		}
		s.resume(ctx, saga)
		return HoldResult{SagaID: sagaID, Status: string(domain.SagaStatusConfirmed), Message: "Transfer approved."}, nil
	})
}

// resume failures leave the saga CONFIRMED; the stuck-saga sweep picks it up again.
func (s *HoldService) resume(ctx context.Context, saga *domain.Saga) {
	if saga.SenderTransactionID == nil {
		return
	}
	if err := s.resumer.ResumeHeldTransfer(ctx, *saga.SenderTransactionID); err != nil {
		s.logger.WithError(err).WithField("saga_id", saga.ID).Error("failed to resume confirmed transfer")
	}
}

func (s *HoldService) ownedSaga(ctx context.Context, userID string, sagaID uuid.UUID) (*domain.Saga, error) {
	saga, err := s.repo.GetSaga(ctx, sagaID)
	if err != nil {
		if errors.Is(err, store.ErrSagaNotFound) {
			return nil, ErrHoldNotFound
		}
		return nil, technical("load saga", err)
	}
	if saga.SenderUserID != userID {
		return nil, ErrHoldNotFound
	}
	return saga, nil
}

func (s *HoldService) validCode(saga *domain.Saga, code string) bool {
	if saga.AuthCode == nil || code == "" {
		return false
	}
	if saga.AuthCodeExpiresAt != nil && s.now().After(*saga.AuthCodeExpiresAt) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(*saga.AuthCode), []byte(code)) == 1
}

// once runs fn at most once per (scope, key). A failed fn releases the key so the
// client can retry; a successful one caches its response for replay.
func (s *HoldService) once(ctx context.Context, scope, key string, fn func() (HoldResult, error)) (HoldResult, error) {
	if key == "" {
		return HoldResult{}, ErrMissingRequestID
	}
	acquired, err := s.guard.TryAcquire(ctx, key, scope)
	if err != nil {
		return HoldResult{}, technical("claim idempotency key", err)
	}
	if !acquired {
		cached, err := s.guard.GetCachedResponse(ctx, key, scope)
		if err != nil {
			return HoldResult{}, technical("read idempotency key", err)
		}
		if cached == nil {
			return HoldResult{}, ErrRequestInFlight
		}
		var result HoldResult
		if err := json.Unmarshal(cached, &result); err != nil {
			return HoldResult{}, technical("decode cached response", err)
		}
		if s.recorder != nil {
			s.recorder.IncIdempotencyReplay()
		}
		return result, nil
	}

	result, err := fn()
	if err != nil {
		if relErr := s.guard.Release(ctx, key, scope); relErr != nil {
			s.logger.WithError(relErr).Warn("failed to release idempotency key")
		}
		return HoldResult{}, err
	}
	body, err := json.Marshal(result)
	if err == nil {
		err = s.guard.MarkCompleted(ctx, key, scope, body)
	}
	if err != nil {
		s.logger.WithError(err).Warn("failed to cache idempotent response")
	}
	return result, nil
}
