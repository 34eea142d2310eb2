package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
)

const maskedSuffix = "***"

// maskName keeps the first three characters of a display name.
func maskName(name string) string {
	runes := []rune(strings.TrimSpace(name))
	if len(runes) > 3 {
		runes = runes[:3]
	}
	return string(runes) + maskedSuffix
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func formatAmount(saga *domain.Saga) string {
	amount := saga.Amount.StringFixed(2)
	if saga.Currency == "" {
		return amount
	}
	return amount + " " + saga.Currency
}

func (o *Orchestrator) notify(ctx context.Context, event domain.NotificationEvent) {
	if event.UserID == "" {
		return
	}
	if err := o.publisher.Publish(ctx, domain.TopicNotification, event); err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": event.UserID,
			"type":    event.Type,
		}).Warn("failed to publish notification")
	}
}

func confirmationRequired(saga *domain.Saga, now time.Time) domain.NotificationEvent {
	event := domain.NotificationEvent{
		UserID:   saga.SenderUserID,
		Type:     "TRANSFER_CONFIRMATION_REQUIRED",
		Title:    "Please confirm your transfer",
		Message:  fmt.Sprintf("Please confirm your transfer of %s to %s.", formatAmount(saga), saga.ReceiverIBAN),
		Priority: "HIGH",
		Data:     map[string]string{"saga_id": saga.ID.String()},
		SentAt:   now.UTC(),
	}
	if saga.HoldExpiresAt != nil {
		event.Data["expires_at"] = saga.HoldExpiresAt.UTC().Format(time.RFC3339)
	}
	if saga.Status == domain.SagaStatusAwaitingAuth && saga.AuthCode != nil {
		event.Type = "TRANSFER_VERIFICATION_REQUIRED"
		event.Title = "Verify your transfer"
		event.Message = fmt.Sprintf("Enter the verification code to complete your transfer of %s.", formatAmount(saga))
		event.Data["otp"] = *saga.AuthCode
	}
	return event
}

func transferBlocked(saga *domain.Saga, now time.Time) domain.NotificationEvent {
	return domain.NotificationEvent{
		UserID:   saga.SenderUserID,
		Type:     "TRANSFER_BLOCKED",
		Title:    "Transfer declined",
		Message:  fmt.Sprintf("Your transfer of %s could not be completed for security reasons. Please contact support.", formatAmount(saga)),
		Priority: "HIGH",
		Data:     map[string]string{"saga_id": saga.ID.String()},
		SentAt:   now.UTC(),
	}
}

func holdExpired(saga *domain.Saga, now time.Time) domain.NotificationEvent {
	return domain.NotificationEvent{
		UserID:   saga.SenderUserID,
		Type:     "TRANSFER_CANCELLED",
		Title:    "Transfer cancelled",
		Message:  fmt.Sprintf("The security check for your transfer of %s expired and the transfer was cancelled. Please start it again.", formatAmount(saga)),
		Priority: "NORMAL",
		Data:     map[string]string{"saga_id": saga.ID.String()},
		SentAt:   now.UTC(),
	}
}

func transferSent(saga *domain.Saga, receiverName string, now time.Time) domain.NotificationEvent {
	return domain.NotificationEvent{
		UserID:  saga.SenderUserID,
		Type:    "TRANSFER_SENT",
		Title:   "Transfer sent",
		Message: fmt.Sprintf("You sent %s to %s.", formatAmount(saga), receiverName),
		Data:    map[string]string{"saga_id": saga.ID.String()},
		SentAt:  now,
	}
}

func transferReceived(saga *domain.Saga, receiverUserID, senderName string, now time.Time) domain.NotificationEvent {
	return domain.NotificationEvent{
		UserID:  receiverUserID,
		Type:    "TRANSFER_RECEIVED",
		Title:   "Money received",
		Message: fmt.Sprintf("You received %s from %s.", formatAmount(saga), senderName),
		Data:    map[string]string{"saga_id": saga.ID.String()},
		SentAt:  now,
	}
}
