package errors

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig contains configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name             string
	MaxFailures      int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
	OnStateChange    func(name string, from CircuitBreakerState, to CircuitBreakerState)
	Logger           *logrus.Logger
	Now              func() time.Time
}

// CircuitBreaker stops hammering an unreachable remote; only retryable failures count
type CircuitBreaker struct {
	name             string
	maxFailures      int
	resetTimeout     time.Duration
	halfOpenMaxCalls int
	state            CircuitBreakerState
	failures         int
	lastFailTime     time.Time
	halfOpenCalls    int
	mu               sync.Mutex
	onStateChange    func(name string, from CircuitBreakerState, to CircuitBreakerState)
	logger           *logrus.Logger
	now              func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		name:             config.Name,
		maxFailures:      config.MaxFailures,
		resetTimeout:     config.ResetTimeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		state:            StateClosed,
		onStateChange:    config.OnStateChange,
		logger:           config.Logger,
		now:              config.Now,
	}
}

// Execute runs fn unless the breaker is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allowRequest() {
		return NewEnhanced(http.StatusServiceUnavailable, "circuit breaker is open", CategoryUnavailable, SeverityHigh).
			WithContext(&ErrorContext{
				Component: cb.name,
				Operation: "circuit_breaker_check",
				Metadata: map[string]interface{}{
					"state": cb.State().String(),
				},
			})
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) < cb.resetTimeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.halfOpenCalls = 1
		return true
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return false
		}
		cb.halfOpenCalls++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !IsRetryable(err) {
		cb.failures = 0
		if cb.state != StateClosed {
			cb.setState(StateClosed)
		}
		return
	}

	cb.failures++
	cb.lastFailTime = cb.now()
	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	if newState == StateClosed {
		cb.halfOpenCalls = 0
	}

	if cb.logger != nil {
		cb.logger.WithFields(logrus.Fields{
			"breaker": cb.name,
			"from":    old.String(),
			"to":      newState.String(),
		}).Info("Circuit breaker state changed")
	}
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, old, newState)
	}
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryPolicy defines exponential backoff behavior for retried operations
type RetryPolicy struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Jitter        bool          `mapstructure:"jitter"`
}

// DefaultRetryPolicy returns the policy used by the offline queue
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry reports whether another attempt is allowed after `attempt` failures
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= rp.MaxAttempts {
		return false
	}
	return IsRetryable(err)
}

// GetDelay calculates the delay before retry number `attempt` (1-based)
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return rp.cap(float64(rp.InitialDelay))
	}

	factor := rp.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(rp.InitialDelay) * math.Pow(factor, float64(attempt-1))

	if rp.Jitter {
		delay += delay * 0.25 * rand.Float64()
	}

	return rp.cap(delay)
}

func (rp *RetryPolicy) cap(delay float64) time.Duration {
	if rp.MaxDelay > 0 && time.Duration(delay) > rp.MaxDelay {
		return rp.MaxDelay
	}
	return time.Duration(delay)
}
