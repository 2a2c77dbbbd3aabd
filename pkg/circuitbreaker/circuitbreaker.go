package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after more than maxFailures failures inside window and
// rejects calls until timeout has passed. Then a single probe call decides
// whether it closes again.
type CircuitBreaker struct {
	maxFailures int
	window      time.Duration
	timeout     time.Duration
	clock       clockwork.Clock

	mu       sync.Mutex
	failures []time.Time
	openedAt time.Time
	state    State
	probing  bool
}

type Option func(*CircuitBreaker)

func WithWindow(window time.Duration) Option {
	return func(cb *CircuitBreaker) {
		cb.window = window
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(cb *CircuitBreaker) {
		cb.clock = clock
	}
}

func NewCircuitBreaker(maxFailures int, timeout time.Duration, options ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxFailures: maxFailures,
		window:      60 * time.Second,
		timeout:     timeout,
		clock:       clockwork.NewRealClock(),
		state:       StateClosed,
		failures:    make([]time.Time, 0),
	}
	for _, option := range options {
		option(cb)
	}
	return cb
}

// Execute runs fn unless the breaker is open. The breaker lock is not held
// while fn runs.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.clock.Since(cb.openedAt) < cb.timeout {
			return ErrOpen
		}
		cb.state = StateHalfOpen
		cb.probing = false
	}
	if cb.state == StateHalfOpen {
		if cb.probing {
			return ErrOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	cb.cleanOldFailures(now)

	if err != nil {
		cb.failures = append(cb.failures, now)
		if len(cb.failures) > cb.maxFailures || cb.state == StateHalfOpen {
			cb.state = StateOpen
			cb.openedAt = now
			cb.failures = cb.failures[:0]
		}
		cb.probing = false
		return
	}

	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.failures = cb.failures[:0]
	}
	cb.probing = false
}

func (cb *CircuitBreaker) cleanOldFailures(now time.Time) {
	cutoff := now.Add(-cb.window)
	valid := cb.failures[:0]
	for _, failedAt := range cb.failures {
		if failedAt.After(cutoff) {
			valid = append(valid, failedAt)
		}
	}
	cb.failures = valid
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.clock.Since(cb.openedAt) >= cb.timeout {
		return StateHalfOpen
	}
	return cb.state
}
