package resilience

import (
	"context"
	"sync"
	"time"

	"datagate/internal/errors"

	"github.com/sirupsen/logrus"
)

// BreakerState 熔断器状态
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

// DefaultBreakerConfig returns the per-dependency defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// CircuitBreaker isolates one downstream dependency. CLOSED counts
// consecutive failures; OPEN rejects immediately with kind=unavailable;
// HALF_OPEN admits a single trial call.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	log  *logrus.Entry

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	trialActive bool
}

// NewCircuitBreaker creates a breaker for the named dependency.
func NewCircuitBreaker(name string, cfg BreakerConfig, log *logrus.Entry) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		log:   log,
		state: StateClosed,
	}
}

// Call executes op under the breaker. While OPEN it fails fast with
// kind=unavailable and never invokes op.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		cb.onFailure(err)
		return err
	}
	cb.onSuccess()
	return nil
}

// admit decides whether a call may proceed, transitioning OPEN→HALF_OPEN
// when the open timer has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.OpenTimeout {
			cb.state = StateHalfOpen
			cb.trialActive = true
			cb.log.WithField("breaker", cb.name).Info("circuit breaker OPEN -> HALF_OPEN")
			return nil
		}
		return errors.Unavailable("circuit_open", nil).WithContext("breaker", cb.name)
	case StateHalfOpen:
		if cb.trialActive {
			// One trial in flight already; everyone else fails fast.
			return errors.Unavailable("circuit_open", nil).WithContext("breaker", cb.name)
		}
		cb.trialActive = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failures = 0
		cb.trialActive = false
		cb.log.WithField("breaker", cb.name).Info("circuit breaker HALF_OPEN -> CLOSED")
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.trialActive = false
		cb.log.WithField("breaker", cb.name).WithError(err).Warn("circuit breaker HALF_OPEN -> OPEN")
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = time.Now()
			cb.log.WithFields(logrus.Fields{
				"breaker":  cb.name,
				"failures": cb.failures,
			}).WithError(err).Warn("circuit breaker CLOSED -> OPEN")
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStatus is the health snapshot for /resilience/health.
type BreakerStatus struct {
	State    BreakerState `json:"state"`
	OpenedAt *time.Time   `json:"opened_at,omitempty"`
}

// Status returns the health snapshot.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := BreakerStatus{State: cb.state}
	if cb.state != StateClosed && !cb.openedAt.IsZero() {
		t := cb.openedAt
		st.OpenedAt = &t
	}
	return st
}

// Reset forces the breaker back to CLOSED. Used by tests and operators.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.trialActive = false
}
