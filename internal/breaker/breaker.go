// Package breaker implements a per-dependency circuit breaker with a
// registry for managing one breaker per protected provider.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call without
// invoking the wrapped operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows requests through normally.
	StateClosed State = iota

	// StateOpen rejects all requests immediately.
	StateOpen

	// StateHalfOpen allows a single probe request to test recovery.
	StateHalfOpen
)

// String returns the human-readable name for the state.
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

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing
	// a half-open probe. Default: 30s.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	return c
}

// Snapshot is an immutable view of a breaker's state.
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"-"`
	Status          string    `json:"status"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	NextAttemptTime time.Time `json:"next_attempt_time"`
}

// StateChangeFunc is invoked on every state transition.
type StateChangeFunc func(name string, from, to State)

// Breaker protects a single named dependency. It fails fast once
// FailureThreshold consecutive failures accumulate, and probes for
// recovery with a single half-open trial after RecoveryTimeout.
type Breaker struct {
	name          string
	config        Config
	onStateChange StateChangeFunc

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	probeInFlight   bool

	now func() time.Time // overridable for tests
}

// New creates a breaker in the closed state.
func New(name string, config Config) *Breaker {
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		state:  StateClosed,
		now:    time.Now,
	}
}

// OnStateChange registers a hook invoked on every transition.
// Must be called before the breaker is shared between goroutines.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.onStateChange = fn
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op through the breaker.
//
// When the breaker is open and the recovery timeout has not elapsed, it
// returns ErrCircuitOpen without invoking op. Once the timeout elapses
// the next caller becomes the half-open probe; concurrent callers
// arriving while that probe is outstanding are rejected with
// ErrCircuitOpen rather than queued, so a recovering dependency only
// ever sees one trial at a time.
func (b *Breaker) Execute(op func() (any, error)) (any, error) {
	probing, err := b.admit()
	if err != nil {
		return nil, err
	}

	result, opErr := op()
	b.record(probing, opErr)
	if opErr != nil {
		return nil, opErr
	}
	return result, nil
}

// admit decides whether a call may proceed. Returns whether the call is
// the half-open probe.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if now.Before(b.nextAttemptTime) {
			return false, ErrCircuitOpen
		}
		// Recovery timeout elapsed: this caller becomes the probe.
		b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		return true, nil

	case StateHalfOpen:
		if b.probeInFlight {
			return false, ErrCircuitOpen
		}
		b.probeInFlight = true
		return true, nil

	default:
		return false, ErrCircuitOpen
	}
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(probing bool, opErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probing {
		b.probeInFlight = false
	}

	if opErr != nil {
		b.failureCount++
		b.successCount = 0
		b.lastFailureTime = b.now()

		switch b.state {
		case StateHalfOpen:
			// Probe failed: back to open, push the next attempt forward.
			b.nextAttemptTime = b.now().Add(b.config.RecoveryTimeout)
			b.transitionLocked(StateOpen)
		case StateClosed:
			if b.failureCount >= b.config.FailureThreshold {
				b.nextAttemptTime = b.now().Add(b.config.RecoveryTimeout)
				b.transitionLocked(StateOpen)
			}
		}
		return
	}

	b.successCount++
	b.failureCount = 0

	if b.state == StateHalfOpen {
		// Probe succeeded: full reset.
		b.failureCount = 0
		b.successCount = 0
		b.transitionLocked(StateClosed)
	}
}

// tick observes elapsed time independent of call volume, moving an open
// breaker to half-open once its recovery timeout has passed. Driven by
// the manager's monitor loop.
func (b *Breaker) tick(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && !now.Before(b.nextAttemptTime) {
		b.transitionLocked(StateHalfOpen)
	}
}

// ForceOpen opens the breaker regardless of thresholds. The next attempt
// time is pushed a full recovery timeout out.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextAttemptTime = b.now().Add(b.config.RecoveryTimeout)
	b.probeInFlight = false
	if b.state != StateOpen {
		b.transitionLocked(StateOpen)
	}
}

// ForceClose closes the breaker and clears its counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

// Status returns an immutable snapshot of the breaker.
func (b *Breaker) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:            b.name,
		State:           b.state,
		Status:          b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		NextAttemptTime: b.nextAttemptTime,
	}
}

// transitionLocked changes state and fires the hook. Caller holds b.mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		// Fire outside the lock to keep hooks from deadlocking on the
		// breaker. The snapshot the hook can observe is best-effort.
		go b.onStateChange(b.name, from, to)
	}
}
