// Package circuitbreaker stops publishing to a sink that keeps failing.
//
// Each key (a sink name) has its own state. After threshold consecutive
// failures the key opens and every Allow fails until cooldown has passed.
// Then a single probe is let through: its success closes the key, its
// failure opens it for another cooldown.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// MetricsSink records state transitions. Must not block.
type MetricsSink interface {
	CircuitStateChanged(key string, state string)
}

type keyState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*keyState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	metrics   MetricsSink
	log       zerolog.Logger
}

// New returns a breaker. A threshold below 1 is treated as 1.
func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		states:    make(map[string]*keyState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
		log:       zerolog.Nop(),
	}
}

func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

func (cb *CircuitBreaker) WithMetrics(sink MetricsSink) *CircuitBreaker {
	cb.metrics = sink
	return cb
}

func (cb *CircuitBreaker) WithLogger(log zerolog.Logger) *CircuitBreaker {
	cb.log = log
	return cb
}

func (cb *CircuitBreaker) Allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			cb.transition(key, s, StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		// One probe at a time.
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return
	}
	s.consecutiveFailures = 0
	if s.state != StateClosed {
		cb.transition(key, s, StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		s = &keyState{}
		cb.states[key] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.openedAt = cb.clock()
		if s.state != StateOpen {
			cb.transition(key, s, StateOpen)
		}
	}
}

// State reports the current state of key.
func (cb *CircuitBreaker) State(key string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if s, ok := cb.states[key]; ok {
		return s.state
	}
	return StateClosed
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(key string, s *keyState, to State) {
	from := s.state
	s.state = to
	cb.log.Info().
		Str("key", key).
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failures", s.consecutiveFailures).
		Msg("circuitbreaker: state changed")
	if cb.metrics != nil {
		cb.metrics.CircuitStateChanged(key, to.String())
	}
}
