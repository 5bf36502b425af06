// SPDX-License-Identifier: Apache-2.0

package loadbalancer

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's tagged state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "Closed"
	BreakerOpen     BreakerState = "Open"
	BreakerHalfOpen BreakerState = "HalfOpen"
)

// BreakerConfig parameterizes one endpoint's circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // Closed -> Open: failures within Window
	Window           time.Duration
	TimeoutSeconds   time.Duration // Open -> HalfOpen after this elapses
	SuccessThreshold int           // HalfOpen -> Closed after this many successes
	MaxRequests      int           // max probes permitted while HalfOpen
}

// CircuitBreaker is a per-endpoint failure gate. One instance guards one
// (service, endpoint) pair; the Load Balancer looks it up before
// dispatching and reports the outcome afterward.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu             sync.Mutex
	state          BreakerState
	failures       []time.Time // timestamps within cfg.Window, Closed state only
	successesSince int         // HalfOpen success streak
	probesInFlight int         // HalfOpen probe budget in use
	openedAt       time.Time
}

// NewCircuitBreaker constructs a breaker starting Closed.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// State returns the breaker's current state, applying the Open ->
// HalfOpen timeout transition if due.
func (b *CircuitBreaker) State(now time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen(now)
	return b.state
}

func (b *CircuitBreaker) maybeHalfOpen(now time.Time) {
	if b.state == BreakerOpen && now.Sub(b.openedAt) >= b.cfg.TimeoutSeconds {
		b.state = BreakerHalfOpen
		b.successesSince = 0
		b.probesInFlight = 0
	}
}

// Allow reports whether a new request may be dispatched right now,
// consuming one HalfOpen probe slot if so.
func (b *CircuitBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen(now)

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probesInFlight >= b.cfg.MaxRequests {
			return false
		}
		b.probesInFlight++
		return true
	default: // Open
		return false
	}
}

// RecordSuccess reports a successful call.
func (b *CircuitBreaker) RecordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen(now)

	switch b.state {
	case BreakerHalfOpen:
		b.successesSince++
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		if b.successesSince >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = nil
			b.successesSince = 0
		}
	case BreakerClosed:
		b.pruneFailures(now)
	}
}

// RecordFailure reports a failed call.
func (b *CircuitBreaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen(now)

	switch b.state {
	case BreakerHalfOpen:
		b.trip(now)
	case BreakerClosed:
		b.failures = append(b.failures, now)
		b.pruneFailures(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
}

func (b *CircuitBreaker) trip(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
	b.failures = nil
	b.successesSince = 0
	b.probesInFlight = 0
}

func (b *CircuitBreaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
