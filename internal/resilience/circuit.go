// Package resilience provides circuit breaker, retry and dead-letter patterns
// for calls to unreliable external dependencies.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single probe request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within FailureWindow before
	// opening the circuit. Default: 5.
	FailureThreshold int

	// FailureWindow bounds how far apart counted failures may be. A failure
	// arriving after the window has elapsed since the previous one restarts
	// the count. Zero means failures never age out (consecutive counting).
	FailureWindow time.Duration

	// ResetTimeout is how long the circuit stays open before admitting a
	// probe. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip optionally overrides the default check. If nil, every
	// non-nil error counts toward the failure threshold.
	ShouldTrip func(err error) bool

	// Neutral marks non-tripping errors that say nothing about the service,
	// such as the caller giving up. They release a half-open probe without
	// closing the circuit. If nil, context cancellation and deadline errors
	// are neutral.
	Neutral func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	// It runs with the breaker lock held and must not call back into it.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern for a single service.
// In half-open state exactly one probe call is in flight at a time; other
// callers are rejected with ErrCircuitOpen until the probe resolves.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	probeInFlight bool

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.FailureWindow < 0 {
		cfg.FailureWindow = 0
	}
	return &CircuitBreaker{
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen without
// calling fn if the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is like Execute but preserves a return value. A panic in fn
// releases the probe slot before it propagates.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := cb.allowRequest()
	if err != nil {
		return zero, err
	}
	done := false
	defer func() {
		if !done {
			cb.release(probe)
		}
	}()
	val, err := fn(ctx)
	done = true
	cb.recordResult(probe, err)
	return val, err
}

// State returns the current circuit state. An open circuit whose reset
// timeout has elapsed reports half-open, since the next call will probe.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Snapshot is a point-in-time view of a breaker for observability.
type Snapshot struct {
	State        CircuitState `json:"-"`
	StateName    string       `json:"state"`
	FailureCount int          `json:"failure_count"`
	OpenedAt     time.Time    `json:"opened_at,omitempty"`
}

// Snapshot returns the breaker's status, failure count and opened-at time.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	state := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		State:        state,
		StateName:    state.String(),
		FailureCount: cb.failures,
		OpenedAt:     cb.openedAt,
	}
}

func (cb *CircuitBreaker) allowRequest() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.transition(CircuitHalfOpen)
		cb.probeInFlight = true
		return true, nil
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false, ErrCircuitOpen
		}
		cb.probeInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

// release frees the probe slot without recording an outcome.
func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probeInFlight = false
}

func (cb *CircuitBreaker) recordResult(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probeInFlight = false
	}

	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(e error) bool { return e != nil }
	}
	neutral := cb.cfg.Neutral
	if neutral == nil {
		neutral = isContextError
	}

	now := cb.nowFunc()

	if err != nil && !shouldTrip(err) && neutral(err) {
		return
	}

	if err == nil || !shouldTrip(err) {
		switch cb.state {
		case CircuitHalfOpen:
			if probe {
				cb.failures = 0
				cb.transition(CircuitClosed)
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	// Failure.
	if cb.cfg.FailureWindow > 0 && !cb.lastFailure.IsZero() && now.Sub(cb.lastFailure) > cb.cfg.FailureWindow {
		cb.failures = 0
	}
	cb.failures++
	cb.lastFailure = now

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = now
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failed probe reopens the circuit.
		cb.openedAt = now
		cb.transition(CircuitOpen)
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(from, to)
	}
}

// ServiceBreakers manages circuit breakers for multiple services.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
	onChange func(service string, from, to CircuitState)
}

// NewServiceBreakers creates a registry of per-service circuit breakers.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// OnStateChange registers a hook invoked with the service name whenever any
// breaker created afterwards changes state.
func (sb *ServiceBreakers) OnStateChange(fn func(service string, from, to CircuitState)) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.onChange = fn
}

// Get returns the circuit breaker for the named service, creating one if needed.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[service]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	// Double-check after acquiring write lock.
	if cb, ok = sb.breakers[service]; ok {
		return cb
	}
	cfg := sb.cfg
	if hook := sb.onChange; hook != nil {
		inner := cfg.OnStateChange
		cfg.OnStateChange = func(from, to CircuitState) {
			if inner != nil {
				inner(from, to)
			}
			hook(service, from, to)
		}
	}
	cb = NewCircuitBreaker(cfg)
	sb.breakers[service] = cb
	return cb
}

// States returns a snapshot of all circuit breaker states.
func (sb *ServiceBreakers) States() map[string]Snapshot {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	states := make(map[string]Snapshot, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.Snapshot()
	}
	return states
}
