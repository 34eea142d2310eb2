package rabbitmq

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/tracing"
)

// Handler processes one payload. Returning false re-queues the delivery.
type Handler func(ctx context.Context, payload []byte) bool

// Consumer owns one AMQP connection. Each queue gets its own channel so a slow
// stage never blocks deliveries of another.
type Consumer struct {
	conn     *amqp.Connection
	exchange string
	logger   logrus.FieldLogger

	mu       sync.Mutex
	channels []*amqp.Channel
	wg       sync.WaitGroup
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL, exchange string, logger logrus.FieldLogger) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		conn:     conn,
		exchange: exchange,
		logger:   logger.WithField("component", "rabbitmq_consumer"),
	}, nil
}

// Consume declares a durable queue bound to routingKey and starts workers goroutines
// reading from it. Deliveries stop when ctx is cancelled or the channel closes.
func (c *Consumer) Consume(ctx context.Context, queueName, routingKey string, workers int, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("no handler provided for %s", routingKey)
	}
	if workers <= 0 {
		workers = 1
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(workers, 0, false); err != nil {
		ch.Close()
		return err
	}
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return err
	}
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}
	if err := ch.QueueBind(q.Name, routingKey, c.exchange, false, nil); err != nil {
		ch.Close()
		return err
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}

	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()

	log := c.logger.WithFields(logrus.Fields{"queue": q.Name, "routing_key": routingKey})
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					c.dispatch(ctx, log, d, handler)
				}
			}
		}()
	}

	log.WithField("workers", workers).Info("consumer started")
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, log logrus.FieldLogger, d amqp.Delivery, handler Handler) {
	msgCtx, env := OpenEnvelope(ctx, d.Body)
	msgCtx, span := tracing.StartSpan(msgCtx, "consume "+d.RoutingKey)
	span.SetAttributes(attribute.String("messaging.rabbitmq.routing_key", d.RoutingKey))
	defer span.End()

	ok := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{"panic": r, "trace_id": tracing.TraceID(msgCtx)}).Error("handler panicked; re-queuing")
				ok = false
			}
		}()
		return handler(msgCtx, env.Payload)
	}()

	if ok {
		_ = d.Ack(false)
		return
	}
	log.WithField("trace_id", tracing.TraceID(msgCtx)).Warn("handler failed; re-queuing")
	_ = d.Nack(false, true)
}

// Close stops all channels, waits for in-flight handlers and closes the connection.
func (c *Consumer) Close() {
	c.mu.Lock()
	for _, ch := range c.channels {
		ch.Close()
	}
	c.channels = nil
	c.mu.Unlock()
	c.wg.Wait()
	if c.conn != nil {
		c.conn.Close()
	}
}
