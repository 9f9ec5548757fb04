// Package execute runs single tool capabilities with caching, retry,
// circuit breaking and fallback substitution.
package execute

import (
	"sync"
	"time"

	"github.com/berth-dev/gradeloop/internal/tools"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// CircuitBreaker opens after consecutive terminal failures of one tool.
// While open it rejects calls until the cooldown passes, then lets a single
// probe through; a success closes it.
type CircuitBreaker struct {
	mu                  sync.Mutex
	consecutiveFailures int
	threshold           int
	cooldown            time.Duration
	open                bool
	openedAt            time.Time
	now                 func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given threshold.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// RecordFailure increments the failure counter and reports whether this
// failure opened the breaker.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.threshold {
		wasOpen := cb.open
		cb.open = true
		cb.openedAt = cb.now()
		return !wasOpen
	}
	return false
}

// RecordSuccess resets the failure counter and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.open = false
}

// Allow reports whether a call may proceed. An open breaker allows one
// probe per cooldown period.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return true
	}
	if cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.openedAt = cb.now()
		return true
	}
	return false
}

// IsOpen reports whether the breaker is open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open
}

// ConsecutiveFailures returns the current failure count (thread-safe).
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Breakers holds one CircuitBreaker per tool. It is shared by every run in
// the process.
type Breakers struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	byTool    map[tools.Name]*CircuitBreaker
}

// NewBreakers creates an empty breaker set.
func NewBreakers(threshold int, cooldown time.Duration) *Breakers {
	return &Breakers{threshold: threshold, cooldown: cooldown, byTool: make(map[tools.Name]*CircuitBreaker)}
}

// For returns the breaker for name, creating it on first use.
func (b *Breakers) For(name tools.Name) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byTool[name]
	if !ok {
		cb = NewCircuitBreaker(b.threshold, b.cooldown)
		b.byTool[name] = cb
	}
	return cb
}
