// Package circuitbreaker implements the circuit breaker pattern for calls to
// unreliable upstream dependencies.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed State = iota
	// StateOpen rejects all requests immediately.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
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

// ErrCircuitOpen is returned when the circuit breaker rejects a call outright.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe budget is exhausted.
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// ErrExecutionCancelled wraps errors from calls that were cancelled by the
// caller rather than failed by the upstream. Cancelled calls never count
// against the breaker's failure threshold.
var ErrExecutionCancelled = errors.New("circuit breaker: execution cancelled")

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of counted failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close again.
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before allowing probes.
	OpenTimeout time.Duration
	// MaxHalfOpenRequests caps concurrent probe requests while half-open.
	MaxHalfOpenRequests int
	// IsFailure decides whether an error from the wrapped call counts
	// against the failure threshold. Errors it rejects are still returned
	// to the caller but are recorded as completed calls. When nil, every
	// error counts.
	IsFailure func(error) bool
	// OnStateChange is called when the circuit state changes.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker guards one upstream dependency. The zero value is not
// usable; construct with New.
type CircuitBreaker struct {
	name   string
	config Config

	mu               sync.RWMutex
	state            State
	failures         int
	successes        int
	lastFailure      time.Time
	halfOpenRequests int
	trips            int
}

// New creates a circuit breaker with the given name and config.
func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 1
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

// currentState accounts for the open->half-open timeout transition.
// Callers must hold at least a read lock.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.config.OpenTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn if the circuit allows it.
//
// Outcomes observable by the caller:
//   - ErrCircuitOpen / ErrTooManyRequests: rejected, fn never ran
//   - ErrExecutionCancelled (wrapping the cause): fn ran but the caller's
//     context was cancelled; not counted as an upstream failure
//   - any other error: fn's error, counted per Config.IsFailure
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)

	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		// Caller walked away mid-call. The upstream may be perfectly
		// healthy, so record a completed call rather than a failure.
		cb.afterRequest(true)
		return errors.Join(ErrExecutionCancelled, err)
	}

	cb.afterRequest(err == nil || !cb.countsAsFailure(err))
	return err
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if cb.config.IsFailure == nil {
		return true
	}
	return cb.config.IsFailure(err)
}

// Allow checks if a request should be let through.
func (cb *CircuitBreaker) Allow() error {
	return cb.beforeRequest()
}

// RecordSuccess records a successful (or non-trip-worthy) call completion.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.afterRequest(true)
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.afterRequest(false)
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return nil

	case StateOpen:
		return ErrCircuitOpen

	case StateHalfOpen:
		if cb.state == StateOpen {
			cb.state = StateHalfOpen
			cb.successes = 0
			cb.halfOpenRequests = 0
			if cb.config.OnStateChange != nil {
				go cb.config.OnStateChange(cb.name, StateOpen, StateHalfOpen)
			}
		}
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			return ErrTooManyRequests
		}
		cb.halfOpenRequests++
		return nil
	}

	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	if success {
		cb.onSuccess(state)
	} else {
		cb.onFailure(state)
	}
}

func (cb *CircuitBreaker) onSuccess(state State) {
	switch state {
	case StateClosed:
		cb.failures = 0

	case StateHalfOpen:
		cb.halfOpenRequests--
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State) {
	switch state {
	case StateClosed:
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		cb.halfOpenRequests--
		cb.lastFailure = time.Now()
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateOpen:
		cb.successes = 0
		cb.trips++
	case StateHalfOpen:
		cb.successes = 0
		cb.halfOpenRequests = 0
	}

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, oldState, newState)
	}
}

// Stats holds a point-in-time snapshot of a breaker.
type Stats struct {
	Name        string
	State       State
	Failures    int
	Successes   int
	Trips       int
	LastFailure time.Time
}

// Stats returns the current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		Name:        cb.name,
		State:       cb.currentState(),
		Failures:    cb.failures,
		Successes:   cb.successes,
		Trips:       cb.trips,
		LastFailure: cb.lastFailure,
	}
}

// Reset forces the breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
}

// Registry manages named circuit breakers sharing a default config.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewRegistry creates a new circuit breaker registry.
func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   defaultConfig,
	}
}

// Get returns the breaker for name, creating one if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	cb = New(name, r.config)
	r.breakers[name] = cb
	return cb
}

// All returns all breakers in the registry.
func (r *Registry) All() []*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		result = append(result, cb)
	}
	return result
}

// AllStats returns statistics for all breakers.
func (r *Registry) AllStats() []Stats {
	breakers := r.All()
	stats := make([]Stats, len(breakers))
	for i, cb := range breakers {
		stats[i] = cb.Stats()
	}
	return stats
}
