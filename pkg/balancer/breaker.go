package balancer

import (
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// CircuitState is one of the three standard breaker states.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// BreakerConfig tunes one circuit breaker. Zero values fall back to defaults.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a closed
	// breaker.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker rejects before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls is the consecutive-success count that closes a
	// half-open breaker.
	HalfOpenMaxCalls int
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
	defaultHalfOpenMaxCalls = 3
)

func (c *BreakerConfig) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = defaultHalfOpenMaxCalls
	}
}

// CircuitBreaker is a three-state breaker scoped to one pool. It is not
// internally synchronized: the Balancer serializes all access under its own
// mutex, matching the shared-resource policy that only the health loop and
// assign/release mutate breaker state.
type CircuitBreaker struct {
	cfg   BreakerConfig
	clock clock.Clock

	state        CircuitState
	failureCount int
	successCount int
	lastFailure  time.Time
}

// NewCircuitBreaker builds a closed breaker. A nil clk uses the real clock.
func NewCircuitBreaker(cfg BreakerConfig, clk clock.Clock) *CircuitBreaker {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &CircuitBreaker{cfg: cfg, clock: clk, state: StateClosed}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() CircuitState { return b.state }

// RecordSuccess notes a successful call. In half-open it counts toward
// closing the breaker; in closed it decays the failure counter toward zero.
func (b *CircuitBreaker) RecordSuccess() {
	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenMaxCalls {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			klog.Info("circuit breaker closed, pool recovered")
		}
		return
	}
	if b.failureCount > 0 {
		b.failureCount--
	}
}

// RecordFailure notes a failed call. A half-open breaker re-opens
// immediately; a closed breaker opens once the threshold is reached.
func (b *CircuitBreaker) RecordFailure() {
	b.failureCount++
	b.lastFailure = b.clock.Now()

	switch {
	case b.state == StateHalfOpen:
		b.state = StateOpen
		klog.Warning("circuit breaker opened, pool still failing")
	case b.failureCount >= b.cfg.FailureThreshold:
		b.state = StateOpen
		klog.Warningf("circuit breaker opened after %d failures", b.failureCount)
	}
}

// CanExecute reports whether a call may proceed. An open breaker transitions
// to half-open once the recovery timeout has elapsed since the last failure.
func (b *CircuitBreaker) CanExecute() bool {
	switch b.state {
	case StateOpen:
		if b.clock.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.state = StateHalfOpen
			b.successCount = 0
			klog.Info("circuit breaker half-open, probing pool recovery")
			return true
		}
		return false
	default:
		return true
	}
}
