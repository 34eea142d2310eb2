/**
 * @description
 * The idempotency guard deduplicates externally triggered writes (HTTP confirm,
 * report-fraud and ops approval). A request claims `idempotency:{scope}:{key}` with
 * the PROCESSING marker; on success the marker is replaced by the response so a
 * retried request gets the same answer, on failure the claim is released.
 *
 * Broker-delivered saga messages do not go through the guard; they rely on saga
 * stage checks instead.
 */
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Processing is the value stored while the first request is still running.
const Processing = "PROCESSING"

// DefaultTTL bounds how long a key (and its cached response) lives.
const DefaultTTL = 30 * time.Minute

var ErrEmptyKey = errors.New("idempotency key is empty")

// Store is the shared key store. Implementations must make SetNX atomic.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Replace overwrites value keeping the remaining TTL; a missing key is written with ttl.
	Replace(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Del(ctx context.Context, key string) error
}

type Guard struct {
	store  Store
	prefix string
	ttl    time.Duration
}

func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, prefix: "idempotency", ttl: ttl}
}

func (g *Guard) key(key, scope string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrEmptyKey
	}
	return fmt.Sprintf("%s:%s:%s", g.prefix, strings.TrimSpace(scope), key), nil
}

// TryAcquire claims key within scope. It returns true only for the call that created the entry.
func (g *Guard) TryAcquire(ctx context.Context, key, scope string) (bool, error) {
	k, err := g.key(key, scope)
	if err != nil {
		return false, err
	}
	return g.store.SetNX(ctx, k, Processing, g.ttl)
}

// MarkCompleted stores the final response for replay.
func (g *Guard) MarkCompleted(ctx context.Context, key, scope string, response []byte) error {
	k, err := g.key(key, scope)
	if err != nil {
		return err
	}
	return g.store.Replace(ctx, k, string(response), g.ttl)
}

// GetCachedResponse returns the stored response, or nil when the key is absent or
// still PROCESSING. Callers must treat PROCESSING as "retry later".
func (g *Guard) GetCachedResponse(ctx context.Context, key, scope string) ([]byte, error) {
	k, err := g.key(key, scope)
	if err != nil {
		return nil, err
	}
	value, found, err := g.store.Get(ctx, k)
	if err != nil || !found || value == Processing {
		return nil, err
	}
	return []byte(value), nil
}

// Release drops the claim so the next identical request is processed again.
func (g *Guard) Release(ctx context.Context, key, scope string) error {
	k, err := g.key(key, scope)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, k)
}
