// SPDX-License-Identifier: Apache-2.0

package loadbalancer

import (
	"context"
	"sync"
	"time"

	"github.com/infralink/control-plane/internal/apis/core"
)

// ServiceConfig is the per-Service load-balancing configuration.
type ServiceConfig struct {
	Policy   Policy
	Weights  map[string]int
	Affinity AffinityConfig
	Breaker  *BreakerConfig // nil disables circuit breaking for this Service
	Retry    RetryPolicy
}

// Balancer holds the live selection/affinity/breaker state for every
// Service it has been asked to pick an endpoint for. A single Balancer
// is shared process-wide, matching the "shared per-(service,
// namespace) counter" requirement.
type Balancer struct {
	mu    sync.Mutex
	state map[ServiceKey]*serviceState
}

type serviceState struct {
	cfg      ServiceConfig
	selector *Selector
	affinity *AffinityTable
	breakers map[string]*CircuitBreaker // keyed by endpointKey
}

// New constructs an empty Balancer.
func New() *Balancer {
	return &Balancer{state: make(map[ServiceKey]*serviceState)}
}

// Configure sets (or replaces) the ServiceConfig for key. Replacing a
// config resets its counters/affinity/breaker state, since the
// parameters they were tuned for have changed.
func (b *Balancer) Configure(key ServiceKey, cfg ServiceConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state[key] = &serviceState{
		cfg:      cfg,
		selector: NewSelector(selectorPolicy(cfg)),
		affinity: NewAffinityTable(cfg.Affinity),
		breakers: make(map[string]*CircuitBreaker),
	}
	b.state[key].selector.Weights = cfg.Weights
}

func selectorPolicy(cfg ServiceConfig) Policy {
	if cfg.Policy == "" {
		return PolicyRoundRobin
	}
	return cfg.Policy
}

func (b *Balancer) stateFor(key ServiceKey) *serviceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state[key]
	if !ok {
		st = &serviceState{
			selector: NewSelector(PolicyRoundRobin),
			affinity: NewAffinityTable(AffinityConfig{}),
			breakers: make(map[string]*CircuitBreaker),
		}
		b.state[key] = st
	}
	return st
}

// Select picks one endpoint from ep for a request from clientIP,
// honoring configured session affinity, falling back to the policy
// selector, and skipping any endpoint whose circuit breaker is Open.
// ok is false when no ready, non-tripped endpoint exists.
func (b *Balancer) Select(key ServiceKey, ep *core.Endpoints, clientIP, cookieValue string, now time.Time) (core.EndpointAddress, bool) {
	st := b.stateFor(key)
	ready := readyOnly(ep.Addresses)
	available := b.filterOpenBreakers(st, ready, now)
	if len(available) == 0 {
		return core.EndpointAddress{}, false
	}

	if affKey := st.affinity.Key(clientIP, cookieValue); affKey != "" {
		if e, ok := st.affinity.Lookup(affKey, now, available); ok {
			return e, true
		}
		chosen, ok := st.selector.Pick(available, clientIP)
		if ok {
			st.affinity.Pin(affKey, chosen, now)
		}
		return chosen, ok
	}

	return st.selector.Pick(available, clientIP)
}

func (b *Balancer) filterOpenBreakers(st *serviceState, ready []core.EndpointAddress, now time.Time) []core.EndpointAddress {
	if st.cfg.Breaker == nil {
		return ready
	}
	out := make([]core.EndpointAddress, 0, len(ready))
	for _, e := range ready {
		if b.breakerFor(st, e).Allow(now) {
			out = append(out, e)
		}
	}
	return out
}

func (b *Balancer) breakerFor(st *serviceState, e core.EndpointAddress) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := endpointKey(e)
	cb, ok := st.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(*st.cfg.Breaker)
		st.breakers[key] = cb
	}
	return cb
}

// Attempt dispatches one request to the chosen endpoint and reports how
// it went; the transport itself belongs to the external proxy layer.
type Attempt func(ctx context.Context, e core.EndpointAddress) Outcome

// Do dispatches a request with retries: up to the Service's MaxRetries
// attempts in all, each against an endpoint not yet tried, with
// per-attempt backoff, feeding every outcome into the endpoint's
// circuit breaker. It returns the final
// outcome and the endpoint that produced it; ok is false when no
// endpoint was available at all.
func (b *Balancer) Do(ctx context.Context, key ServiceKey, ep *core.Endpoints, clientIP, cookieValue string, fn Attempt) (Outcome, core.EndpointAddress, bool) {
	st := b.stateFor(key)
	policy := st.cfg.Retry
	tried := make(map[string]bool)

	var last Outcome
	var lastEndpoint core.EndpointAddress
	for attempt := 1; ; attempt++ {
		remaining := &core.Endpoints{Addresses: excludeTried(ep.Addresses, tried)}
		chosen, ok := b.Select(key, remaining, clientIP, cookieValue, time.Now())
		if !ok {
			if attempt == 1 {
				return Outcome{}, core.EndpointAddress{}, false
			}
			return last, lastEndpoint, true // every distinct endpoint exhausted
		}
		tried[endpointKey(chosen)] = true

		last = fn(ctx, chosen)
		lastEndpoint = chosen
		b.RecordOutcome(key, chosen, last.Success(), time.Now())

		if !policy.ShouldRetry(last, attempt) {
			return last, chosen, true
		}
		if !sleepFor(ctx, policy.Delay(attempt)) {
			return last, chosen, true
		}
	}
}

func excludeTried(addrs []core.EndpointAddress, tried map[string]bool) []core.EndpointAddress {
	out := make([]core.EndpointAddress, 0, len(addrs))
	for _, a := range addrs {
		if !tried[endpointKey(a)] {
			out = append(out, a)
		}
	}
	return out
}

func sleepFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RecordOutcome reports a dispatch result for e under key's circuit
// breaker, a no-op if the Service has no breaker configured.
func (b *Balancer) RecordOutcome(key ServiceKey, e core.EndpointAddress, success bool, now time.Time) {
	st := b.stateFor(key)
	if st.cfg.Breaker == nil {
		return
	}
	cb := b.breakerFor(st, e)
	if success {
		cb.RecordSuccess(now)
	} else {
		cb.RecordFailure(now)
	}
}
