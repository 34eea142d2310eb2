package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/tracing"
)

// Envelope wraps every payload published on the exchange. Metadata carries the
// trace id and the W3C trace context of the publisher.
type Envelope struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Payload     json.RawMessage   `json:"payload"`
	PublishedAt time.Time         `json:"published_at"`
}

// NewEnvelope marshals body and stamps it with the trace context of ctx.
func NewEnvelope(ctx context.Context, topic string, body interface{}) (Envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	metadata := make(map[string]string)
	tracing.Inject(ctx, metadata)
	return Envelope{
		ID:          uuid.NewString(),
		Topic:       topic,
		Metadata:    metadata,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// OpenEnvelope decodes a delivery body. Bodies that are not envelopes are treated
// as bare payloads so messages from older publishers are still processed.
func OpenEnvelope(ctx context.Context, body []byte) (context.Context, Envelope) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Payload) == 0 {
		return tracing.EnsureTraceID(ctx), Envelope{Payload: body}
	}
	return tracing.Extract(ctx, env.Metadata), env
}
