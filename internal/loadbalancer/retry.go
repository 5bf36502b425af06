// SPDX-License-Identifier: Apache-2.0

package loadbalancer

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// BackoffStrategy selects how the delay between retry attempts grows.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "Fixed"
	BackoffLinear      BackoffStrategy = "Linear"
	BackoffExponential BackoffStrategy = "Exponential"
)

// RetryCondition enumerates when a response is eligible for retry.
type RetryCondition string

const (
	RetryOnStatus    RetryCondition = "Status"
	RetryOnTimeout   RetryCondition = "Timeout"
	RetryOnConnError RetryCondition = "ConnectionError"
)

// RetryPolicy configures the Load Balancer's retry behavior across
// distinct endpoints.
type RetryPolicy struct {
	MaxRetries      int
	Conditions      []RetryCondition
	RetryStatuses   map[int]bool // only consulted when Conditions contains RetryOnStatus
	Backoff         BackoffStrategy
	BaseDelay       time.Duration
	MaxDelay        time.Duration
}

// Outcome describes one attempt's result for ShouldRetry to classify.
type Outcome struct {
	StatusCode int
	Timeout    bool
	ConnError  bool
}

// Success reports whether the attempt counts as a success for circuit
// breaker bookkeeping: delivered, not timed out, and not a server-side
// failure.
func (o Outcome) Success() bool {
	return !o.Timeout && !o.ConnError && o.StatusCode < 500
}

// ShouldRetry reports whether outcome is eligible for another attempt
// under p, given attempt is the 1-based count of attempts made so far
// (including the one outcome describes).
func (p RetryPolicy) ShouldRetry(outcome Outcome, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	for _, c := range p.Conditions {
		switch c {
		case RetryOnStatus:
			if p.RetryStatuses[outcome.StatusCode] {
				return true
			}
		case RetryOnTimeout:
			if outcome.Timeout {
				return true
			}
		case RetryOnConnError:
			if outcome.ConnError {
				return true
			}
		}
	}
	return false
}

// Delay computes the backoff before the given 1-based attempt number,
// capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case BackoffExponential:
		d = p.BaseDelay << uint(attempt-1)
	default: // Fixed
		d = p.BaseDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ProviderLimiter rate-limits outbound calls to anything external; its
// user is the Volume Binder's StorageProvider calls (see
// internal/volume.Binder), and Balancer.Do does not use it. Built on
// golang.org/x/time/rate the same way client-go's own flowcontrol does.
type ProviderLimiter struct {
	limiter *rate.Limiter
}

// NewProviderLimiter constructs a limiter allowing ratePerSecond steady
// throughput with a burst of burst.
func NewProviderLimiter(ratePerSecond float64, burst int) *ProviderLimiter {
	return &ProviderLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a call may proceed right now without blocking.
func (l *ProviderLimiter) Allow() bool { return l.limiter.Allow() }

// Wait blocks until a call may proceed, or ctx is done.
func (l *ProviderLimiter) Wait(ctx context.Context) error { return l.limiter.Wait(ctx) }
