package risk

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Allow while calls are being short-circuited.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// State of a Breaker. The numeric values are exported as a gauge.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	}
	return "UNKNOWN"
}

// BreakerConfig tunes a count-based breaker.
type BreakerConfig struct {
	// WindowSize is the number of most recent calls the failure rate is computed over.
	WindowSize int
	// MinimumCalls must be recorded before the breaker may open.
	MinimumCalls int
	// FailureRatePercent opens the breaker when reached.
	FailureRatePercent float64
	OpenDuration       time.Duration
	// HalfOpenCalls probes are let through after OpenDuration; all must succeed to close.
	HalfOpenCalls int
}

// DefaultBreakerConfig matches the service defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		WindowSize:         10,
		MinimumCalls:       5,
		FailureRatePercent: 50,
		OpenDuration:       30 * time.Second,
		HalfOpenCalls:      3,
	}
}

// Breaker is a CLOSED / OPEN / HALF_OPEN circuit breaker over a rolling window
// of call outcomes. It is safe for concurrent use.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	state    State
	openedAt time.Time

	outcomes []bool // ring buffer, true means failure
	next     int
	filled   int
	failures int

	probesStarted   int
	probesSucceeded int

	onStateChange func(from, to State)
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinimumCalls <= 0 {
		cfg.MinimumCalls = def.MinimumCalls
	}
	if cfg.MinimumCalls > cfg.WindowSize {
		cfg.MinimumCalls = cfg.WindowSize
	}
	if cfg.FailureRatePercent <= 0 || cfg.FailureRatePercent > 100 {
		cfg.FailureRatePercent = def.FailureRatePercent
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.HalfOpenCalls <= 0 {
		cfg.HalfOpenCalls = def.HalfOpenCalls
	}
	return &Breaker{
		cfg:      cfg,
		now:      time.Now,
		outcomes: make([]bool, cfg.WindowSize),
	}
}

// OnStateChange registers a callback invoked (under the breaker lock) on every transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// State returns the current state, moving OPEN to HALF_OPEN when the wait has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed. Every nil return must be followed by
// exactly one Record call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	switch b.state {
	case StateOpen:
		return ErrBreakerOpen
	case StateHalfOpen:
		if b.probesStarted >= b.cfg.HalfOpenCalls {
			return ErrBreakerOpen
		}
		b.probesStarted++
	}
	return nil
}

// Record feeds the outcome of an allowed call back into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.push(!success)
		if b.filled >= b.cfg.MinimumCalls && b.failureRate() >= b.cfg.FailureRatePercent {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if !success {
			b.transition(StateOpen)
			return
		}
		b.probesSucceeded++
		if b.probesSucceeded >= b.cfg.HalfOpenCalls {
			b.transition(StateClosed)
		}
	case StateOpen:
		// late result of a call started before the breaker opened
	}
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateHalfOpen:
		b.probesStarted = 0
		b.probesSucceeded = 0
	case StateClosed:
		b.resetWindow()
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

func (b *Breaker) push(failed bool) {
	if b.filled == len(b.outcomes) {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.outcomes[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.outcomes)
}

func (b *Breaker) failureRate() float64 {
	if b.filled == 0 {
		return 0
	}
	return float64(b.failures) * 100 / float64(b.filled)
}

func (b *Breaker) resetWindow() {
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next = 0
	b.filled = 0
	b.failures = 0
}
