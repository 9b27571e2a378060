package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker
type CircuitBreakerState int

const (
	// StateClosed - circuit breaker allows requests through
	StateClosed CircuitBreakerState = iota
	// StateOpen - circuit breaker blocks requests, failing fast
	StateOpen
	// StateHalfOpen - circuit breaker allows limited requests to test recovery
	StateHalfOpen
)

// String returns the string representation of CircuitBreakerState
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker guarding
// a controller write path (spec.md §4.9/§4.10: "repeated transport faults
// fail fast instead of piling up waiters").
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures that triggers the circuit to open
	FailureThreshold int64
	// RecoveryTimeout is how long to wait before transitioning from Open to HalfOpen
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of successes needed in HalfOpen to close the circuit
	SuccessThreshold int64
	// MaxRequests is the maximum number of requests allowed in HalfOpen state
	MaxRequests int64
	// Timeout is the timeout for individual requests
	Timeout time.Duration
	// Name identifies this breaker in logs, metrics, and ClassifyError's
	// component label (e.g. "controller-send").
	Name string
}

// DefaultCircuitBreakerConfig returns a sensible default configuration
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 3,
		MaxRequests:      10,
		Timeout:          10 * time.Second,
		Name:             name,
	}
}

// CircuitBreakerStats holds statistics about circuit breaker operation
type CircuitBreakerStats struct {
	State            CircuitBreakerState `json:"state"`
	Failures         int64               `json:"failures"`
	Successes        int64               `json:"successes"`
	Requests         int64               `json:"requests"`
	LastFailureTime  time.Time           `json:"last_failure_time"`
	LastSuccessTime  time.Time           `json:"last_success_time"`
	LastErrorKind    ErrorKind           `json:"last_error_kind"`
	StateChangedTime time.Time           `json:"state_changed_time"`
	TotalRequests    int64               `json:"total_requests"`
	TotalFailures    int64               `json:"total_failures"`
	TotalSuccesses   int64               `json:"total_successes"`
}

// CircuitBreaker guards a fallible operation (a controller write, in this
// core's only caller) against repeated failure by failing fast once a
// threshold trips, instead of letting callers pile up behind a stalled
// transport.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	state  CircuitBreakerState
	mu     sync.RWMutex

	// Counters (using atomic operations)
	failures       int64
	successes      int64
	requests       int64
	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64

	lastErrorKind ErrorKind

	// Timestamps
	lastFailureTime  time.Time
	lastSuccessTime  time.Time
	stateChangedTime time.Time

	// Callbacks
	onStateChange func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}

	return &CircuitBreaker{
		config:           config,
		state:            StateClosed,
		stateChangedTime: time.Now(),
	}
}

// Execute runs fn with circuit breaker protection. fn's error is run
// through ClassifyError before it counts against the breaker: a
// SyntaxKind error (the controller rejected one line) reflects a bad
// program line, not an unhealthy transport, so it neither trips nor helps
// close the circuit — only TransportKind/TimeoutKind/AlarmKind/Unknown
// failures do (spec.md §4.9: the breaker guards the transport, not the
// program being streamed).
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allowRequest() {
		return &ErrCircuitOpen{Name: cb.config.Name}
	}

	atomic.AddInt64(&cb.requests, 1)
	atomic.AddInt64(&cb.totalRequests, 1)

	if cb.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.Timeout)
		defer cancel()
	}

	err := fn(ctx)
	if err == nil {
		cb.recordSuccess()
		return nil
	}

	classified := ClassifyError(err, cb.config.Name)
	if classified.Kind == SyntaxKind {
		return err
	}
	cb.recordFailure(classified)
	return err
}

// allowRequest determines if a request should be allowed through
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.RLock()
	state := cb.state
	cb.mu.RUnlock()

	switch state {
	case StateClosed:
		return true
	case StateOpen:
		// Check if it's time to transition to half-open
		cb.mu.Lock()
		if time.Since(cb.stateChangedTime) >= cb.config.RecoveryTimeout {
			cb.setState(StateHalfOpen)
			cb.mu.Unlock()
			return true
		}
		cb.mu.Unlock()
		return false
	case StateHalfOpen:
		// Allow limited requests in half-open state
		return atomic.LoadInt64(&cb.requests) < cb.config.MaxRequests
	default:
		return false
	}
}

// recordSuccess records a successful request
func (cb *CircuitBreaker) recordSuccess() {
	atomic.AddInt64(&cb.successes, 1)
	atomic.AddInt64(&cb.totalSuccesses, 1)

	cb.mu.Lock()
	cb.lastSuccessTime = time.Now()

	if cb.state == StateHalfOpen {
		// Check if we have enough successes to close the circuit
		if atomic.LoadInt64(&cb.successes) >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
	cb.mu.Unlock()
}

// recordFailure records a classified failure.
func (cb *CircuitBreaker) recordFailure(classified *ClassifiedError) {
	atomic.AddInt64(&cb.failures, 1)
	atomic.AddInt64(&cb.totalFailures, 1)

	cb.mu.Lock()
	cb.lastFailureTime = time.Now()
	cb.lastErrorKind = classified.Kind

	switch cb.state {
	case StateClosed:
		// Check if we should open the circuit
		if atomic.LoadInt64(&cb.failures) >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in half-open state opens the circuit immediately
		cb.setState(StateOpen)
	}
	cb.mu.Unlock()
}

// setState changes the circuit breaker state and resets counters
func (cb *CircuitBreaker) setState(newState CircuitBreakerState) {
	oldState := cb.state
	cb.state = newState
	cb.stateChangedTime = time.Now()

	atomic.StoreInt64(&cb.failures, 0)
	atomic.StoreInt64(&cb.successes, 0)
	atomic.StoreInt64(&cb.requests, 0)

	// Call state change callback if set
	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns current statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		State:            cb.state,
		Failures:         atomic.LoadInt64(&cb.failures),
		Successes:        atomic.LoadInt64(&cb.successes),
		Requests:         atomic.LoadInt64(&cb.requests),
		LastFailureTime:  cb.lastFailureTime,
		LastSuccessTime:  cb.lastSuccessTime,
		LastErrorKind:    cb.lastErrorKind,
		StateChangedTime: cb.stateChangedTime,
		TotalRequests:    atomic.LoadInt64(&cb.totalRequests),
		TotalFailures:    atomic.LoadInt64(&cb.totalFailures),
		TotalSuccesses:   atomic.LoadInt64(&cb.totalSuccesses),
	}
}

// SetStateChangeCallback sets a callback function to be called when state changes
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(from, to CircuitBreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = callback
}

// Reset resets the circuit breaker to closed state with zero counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
}

// ForceOpen forces the circuit breaker to open state
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateOpen)
}

// Name returns the name of this circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// ErrCircuitOpen is returned by Execute when the breaker is open and
// failing fast instead of attempting the call.
type ErrCircuitOpen struct {
	Name string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// IsCircuitOpenError reports whether err (or anything it wraps) is an
// ErrCircuitOpen.
func IsCircuitOpenError(err error) bool {
	var open *ErrCircuitOpen
	return errors.As(err, &open)
}
