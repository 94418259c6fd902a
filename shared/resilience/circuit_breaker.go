package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned (wrapped) when a breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name             string
	maxFailures      uint32
	resetTimeout     time.Duration
	halfOpenMaxCalls uint32
	isFailure        func(error) bool

	state           int32  // atomic
	failures        uint32 // atomic
	lastFailureTime int64  // atomic, unix nanos
	halfOpenCalls   uint32 // atomic

	mu              sync.RWMutex
	successCount    uint64
	failureCount    uint64
	lastStateChange time.Time
	onStateChange   func(name string, from, to State)
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name             string
	MaxFailures      uint32
	ResetTimeout     time.Duration
	HalfOpenMaxCalls uint32
	// IsFailure decides which errors count against the breaker. Nil counts all.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		MaxFailures:      5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}

	return &CircuitBreaker{
		name:             config.Name,
		maxFailures:      config.MaxFailures,
		resetTimeout:     config.ResetTimeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		isFailure:        config.IsFailure,
		state:            int32(StateClosed),
		lastStateChange:  time.Now(),
		onStateChange:    config.OnStateChange,
	}
}

// Execute runs the given function if the circuit breaker allows it
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.canExecute() {
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}

	err := fn(ctx)
	if err != nil && (cb.isFailure == nil || cb.isFailure(err)) {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}

	return err
}

func (cb *CircuitBreaker) canExecute() bool {
	switch cb.GetState() {
	case StateClosed:
		return true

	case StateOpen:
		lastFailure := time.Unix(0, atomic.LoadInt64(&cb.lastFailureTime))
		if time.Since(lastFailure) > cb.resetTimeout {
			cb.transitionTo(StateHalfOpen)
			atomic.AddUint32(&cb.halfOpenCalls, 1)
			return true
		}
		return false

	case StateHalfOpen:
		if atomic.AddUint32(&cb.halfOpenCalls, 1) <= cb.halfOpenMaxCalls {
			return true
		}
		return false

	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	cb.successCount++
	cb.mu.Unlock()

	switch cb.GetState() {
	case StateHalfOpen:
		cb.transitionTo(StateClosed)
	case StateClosed:
		atomic.StoreUint32(&cb.failures, 0)
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	cb.failureCount++
	cb.mu.Unlock()

	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())
	failures := atomic.AddUint32(&cb.failures, 1)

	switch cb.GetState() {
	case StateClosed:
		if failures >= cb.maxFailures {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := State(atomic.SwapInt32(&cb.state, int32(newState)))
	if oldState == newState {
		return
	}

	cb.mu.Lock()
	cb.lastStateChange = time.Now()
	cb.mu.Unlock()

	atomic.StoreUint32(&cb.halfOpenCalls, 0)
	if newState == StateClosed {
		atomic.StoreUint32(&cb.failures, 0)
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, oldState, newState)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	return State(atomic.LoadInt32(&cb.state))
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.GetState().String(),
		Failures:        atomic.LoadUint32(&cb.failures),
		SuccessCount:    cb.successCount,
		FailureCount:    cb.failureCount,
		LastStateChange: cb.lastStateChange,
	}
}

// CircuitBreakerStats holds statistics for a circuit breaker
type CircuitBreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        uint32    `json:"failures"`
	SuccessCount    uint64    `json:"success_count"`
	FailureCount    uint64    `json:"failure_count"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreakerGroup hands out one breaker per name, all built from one template
type CircuitBreakerGroup struct {
	template CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewCircuitBreakerGroup creates a new circuit breaker group
func NewCircuitBreakerGroup(template *CircuitBreakerConfig) *CircuitBreakerGroup {
	if template == nil {
		template = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreakerGroup{
		template: *template,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns a circuit breaker by name, creating it if it doesn't exist
func (g *CircuitBreakerGroup) Get(name string) *CircuitBreaker {
	g.mu.RLock()
	cb, exists := g.breakers[name]
	g.mu.RUnlock()
	if exists {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, exists := g.breakers[name]; exists {
		return cb
	}

	config := g.template
	config.Name = name
	cb = NewCircuitBreaker(&config)
	g.breakers[name] = cb
	return cb
}

// GetAllStats returns statistics for all circuit breakers, sorted by name
func (g *CircuitBreakerGroup) GetAllStats() []CircuitBreakerStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(g.breakers))
	for _, cb := range g.breakers {
		stats = append(stats, cb.GetStats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
