package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/logging"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/tracing"
)

const handlerTimeout = 30 * time.Second

// SagaConsumer adapts the orchestrator to RabbitMQ handlers. A handler returns true
// to acknowledge and false to requeue. Errors are reported by the orchestrator, so
// handlers only decide whether a redelivery could help.
type SagaConsumer struct {
	orchestrator *Orchestrator
	logger       logrus.FieldLogger
}

func NewSagaConsumer(orchestrator *Orchestrator, logger logrus.FieldLogger) *SagaConsumer {
	return &SagaConsumer{orchestrator: orchestrator, logger: logger.WithField("component", "saga_consumer")}
}

func (c *SagaConsumer) HandleStartTransfer(ctx context.Context, payload []byte) bool {
	var cmd domain.TransferCommand
	if !c.decode(ctx, domain.TopicStartTransfer, payload, &cmd) {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	return c.settle(ctx, domain.TopicStartTransfer, c.orchestrator.StartTransfer(ctx, cmd))
}

func (c *SagaConsumer) HandleUpdateTransfer(ctx context.Context, payload []byte) bool {
	var event domain.DebitAppliedEvent
	if !c.decode(ctx, domain.TopicUpdateTransfer, payload, &event) {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	return c.settle(ctx, domain.TopicUpdateTransfer, c.orchestrator.ApplyCredit(ctx, event))
}

func (c *SagaConsumer) HandleFinalizeTransfer(ctx context.Context, payload []byte) bool {
	var event domain.FinalizeTransferEvent
	if !c.decode(ctx, domain.TopicFinalizeTransfer, payload, &event) {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	return c.settle(ctx, domain.TopicFinalizeTransfer, c.orchestrator.Finalize(ctx, event))
}

func (c *SagaConsumer) HandleDeposit(ctx context.Context, payload []byte) bool {
	var cmd domain.BalanceCommand
	if !c.decode(ctx, domain.TopicDeposit, payload, &cmd) {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	return c.settle(ctx, domain.TopicDeposit, c.orchestrator.Deposit(ctx, cmd))
}

func (c *SagaConsumer) HandleWithdraw(ctx context.Context, payload []byte) bool {
	var cmd domain.BalanceCommand
	if !c.decode(ctx, domain.TopicWithdraw, payload, &cmd) {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	return c.settle(ctx, domain.TopicWithdraw, c.orchestrator.Withdraw(ctx, cmd))
}

// decode drops malformed payloads; redelivering them cannot succeed.
func (c *SagaConsumer) decode(ctx context.Context, topic string, payload []byte, out interface{}) bool {
	if err := json.Unmarshal(payload, out); err != nil {
		logging.Critical(c.logger, "malformed payload; dropping message", logrus.Fields{
			"topic":    topic,
			"error":    err.Error(),
			"trace_id": tracing.TraceID(ctx),
		})
		return false
	}
	return true
}

func (c *SagaConsumer) settle(ctx context.Context, topic string, err error) bool {
	if err == nil {
		return true
	}
	log := c.logger.WithFields(logrus.Fields{"topic": topic, "kind": errorKind(err), "trace_id": tracing.TraceID(ctx)})
	if shouldRequeue(err) {
		log.WithError(err).Warn("message processing failed; requeueing")
		return false
	}
	log.WithError(err).Debug("message settled with error")
	return true
}
