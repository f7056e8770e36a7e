package server

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half_open"
)

// CircuitBreaker stops calling the ML service after repeated failures and
// lets a probe through once resetTimeout has passed.
type CircuitBreaker struct {
	mu               sync.Mutex
	clock            clockwork.Clock
	failureThreshold int
	resetTimeout     time.Duration
	failures         int
	state            breakerState
	openedAt         time.Time
}

func NewCircuitBreaker(clock clockwork.Clock, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		clock:            clock,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            breakerClosed,
	}
}

func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if b.clock.Since(b.openedAt) >= b.resetTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || (b.failures >= b.failureThreshold && b.state != breakerOpen) {
		b.state = breakerOpen
		b.openedAt = b.clock.Now()
	}
}

func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.state)
}
