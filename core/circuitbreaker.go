package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	// CircuitBreakerStateClosed means requests pass through normally
	CircuitBreakerStateClosed CircuitBreakerState = "closed"
	// CircuitBreakerStateOpen means requests fail immediately
	CircuitBreakerStateOpen CircuitBreakerState = "open"
	// CircuitBreakerStateHalfOpen lets a limited number of probes through
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitBreakerOpen is returned when circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe quota is used up
	ErrTooManyRequests = errors.New("too many requests")
	// ErrInvalidCircuitBreakerConfig is returned when circuit breaker config is invalid
	ErrInvalidCircuitBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures uint32 `mapstructure:"max_failures"`
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxHalfOpenRequests is the number of concurrent probes allowed
	MaxHalfOpenRequests uint32 `mapstructure:"max_half_open_requests"`
	// OnStateChange is invoked outside the lock after every transition
	OnStateChange func(from, to CircuitBreakerState) `mapstructure:"-"`
}

// Validate checks if the circuit breaker configuration is valid
func (c *CircuitBreakerConfig) Validate() error {
	switch {
	case c.MaxFailures == 0:
		return errors.New("MaxFailures must be greater than 0")
	case c.Timeout <= 0:
		return errors.New("Timeout must be greater than 0")
	case c.MaxHalfOpenRequests == 0:
		return errors.New("MaxHalfOpenRequests must be greater than 0")
	}
	return nil
}

// DefaultCircuitBreakerConfig opens after five failures for a minute
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker stops calling a dependency that keeps failing
type CircuitBreaker struct {
	cfg      CircuitBreakerConfig
	mu       sync.Mutex
	state    CircuitBreakerState
	failures uint32
	openedAt time.Time
	probes   uint32
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCircuitBreakerConfig, err)
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitBreakerStateClosed}, nil
}

// MustNewCircuitBreaker panics on an invalid config
func MustNewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb, err := NewCircuitBreaker(cfg)
	if err != nil {
		panic(err)
	}
	return cb
}

// Allow reports whether a call may proceed. An open breaker whose timeout
// has elapsed moves to half-open and admits the caller as a probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	var err error
	switch cb.state {
	case CircuitBreakerStateOpen:
		if time.Since(cb.openedAt) <= cb.cfg.Timeout {
			err = ErrCircuitBreakerOpen
			break
		}
		cb.state = CircuitBreakerStateHalfOpen
		cb.probes = 1
	case CircuitBreakerStateHalfOpen:
		if cb.probes >= cb.cfg.MaxHalfOpenRequests {
			err = ErrTooManyRequests
			break
		}
		cb.probes++
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return err
}

// RecordSuccess closes a half-open breaker and clears the failure count.
// Late successes while open are ignored.
func (cb *CircuitBreaker) RecordSuccess() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	oldState = cb.state
	if cb.state != CircuitBreakerStateOpen {
		cb.failures = 0
		cb.probes = 0
		cb.state = CircuitBreakerStateClosed
	}
	newState = cb.state
	cb.mu.Unlock()

	cb.notify(oldState, newState)
	return oldState, newState
}

// RecordFailure counts a failure, opening the breaker at the threshold or
// immediately when a half-open probe fails
func (cb *CircuitBreaker) RecordFailure() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	oldState = cb.state
	cb.failures++
	if cb.state == CircuitBreakerStateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.state = CircuitBreakerStateOpen
		cb.openedAt = time.Now()
		cb.probes = 0
	}
	newState = cb.state
	cb.mu.Unlock()

	cb.notify(oldState, newState)
	return oldState, newState
}

// Call runs fn through the breaker. Any error from fn counts as a failure.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = CircuitBreakerStateClosed
	cb.failures = 0
	cb.probes = 0
	cb.mu.Unlock()
	cb.notify(from, CircuitBreakerStateClosed)
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// BreakerSet lazily creates one breaker per key, such as a host or channel
type BreakerSet struct {
	cfg      CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet validates cfg once for every breaker the set will create
func NewBreakerSet(cfg CircuitBreakerConfig) (*BreakerSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCircuitBreakerConfig, err)
	}
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}, nil
}

// Get returns the breaker for key, creating it on first use
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		cb = &CircuitBreaker{cfg: s.cfg, state: CircuitBreakerStateClosed}
		s.breakers[key] = cb
	}
	return cb
}

// States snapshots the state of every known breaker
func (s *BreakerSet) States() map[string]CircuitBreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CircuitBreakerState, len(s.breakers))
	for k, cb := range s.breakers {
		out[k] = cb.State()
	}
	return out
}
