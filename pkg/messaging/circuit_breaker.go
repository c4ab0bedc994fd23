package messaging

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	// StateClosed lets every call through
	StateClosed CircuitBreakerState = iota
	// StateOpen fails fast until the reset timeout elapses
	StateOpen
	// StateHalfOpen lets trial calls through
	StateHalfOpen
)

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
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

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	MaxFailures       int           // consecutive failures before opening
	ResetTimeout      time.Duration // open duration before a trial call
	HalfOpenSuccesses int           // trial successes needed to close again
}

// DefaultCircuitBreakerConfig returns default configuration for circuit breaker
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:       5,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// ErrCircuitBreakerOpen is returned while the breaker fails fast
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerMetrics holds metrics for the circuit breaker
type CircuitBreakerMetrics struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	Rejected            int64     `json:"rejected"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	StateTransitions    int64     `json:"state_transitions"`
}

// CircuitBreaker stops calling a broker that keeps failing
type CircuitBreaker struct {
	logger              *logrus.Entry
	config              CircuitBreakerConfig
	state               CircuitBreakerState
	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureTime     time.Time
	totalRequests       int64
	totalFailures       int64
	rejected            int64
	transitions         int64
	now                 func() time.Time
	mutex               sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(logger *logrus.Logger, config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures < 1 {
		config.MaxFailures = 1
	}
	if config.HalfOpenSuccesses < 1 {
		config.HalfOpenSuccesses = 1
	}
	return &CircuitBreaker{
		logger: logger.WithField("component", "circuit_breaker"),
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs operation unless the breaker is open
func (cb *CircuitBreaker) Execute(operation func() error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	err := operation()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailureTime) < cb.config.ResetTimeout {
			cb.rejected++
			return false
		}
		cb.transition(StateHalfOpen)
	}
	cb.totalRequests++
	return true
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if success {
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.config.HalfOpenSuccesses {
				cb.transition(StateClosed)
			}
		}
		return
	}

	cb.totalFailures++
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.MaxFailures {
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	if cb.state == to {
		return
	}
	cb.logger.WithFields(logrus.Fields{
		"from":                 cb.state.String(),
		"to":                   to.String(),
		"consecutive_failures": cb.consecutiveFailures,
	}).Info("Circuit breaker state change")

	cb.state = to
	cb.halfOpenSuccesses = 0
	cb.transitions++
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// GetMetrics returns current circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return CircuitBreakerMetrics{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalRequests:       cb.totalRequests,
		TotalFailures:       cb.totalFailures,
		Rejected:            cb.rejected,
		LastFailureTime:     cb.lastFailureTime,
		StateTransitions:    cb.transitions,
	}
}
