// SPDX-License-Identifier: Apache-2.0

// Package loadbalancer implements endpoint selection, session affinity,
// circuit breaking and retry for a selected Endpoints set. It consumes
// core.Endpoints snapshots produced by internal/serviceregistry; it
// performs no store I/O of its own.
package loadbalancer

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/infralink/control-plane/internal/apis/core"
)

// Policy selects one endpoint from a ready set.
type Policy string

const (
	PolicyRoundRobin         Policy = "RoundRobin"
	PolicyLeastConnections   Policy = "LeastConnections"
	PolicyRandom             Policy = "Random"
	PolicyIPHash             Policy = "IPHash"
	PolicyWeightedRoundRobin Policy = "WeightedRoundRobin"
)

// ServiceKey identifies the (namespace, name) a counter/connection table
// is scoped to.
type ServiceKey struct {
	Namespace string
	Name      string
}

// Selector picks endpoints for one Service according to a configured
// Policy. One Selector is shared by every request to a given Service so
// RoundRobin/LeastConnections state persists across calls.
type Selector struct {
	Policy  Policy
	Weights map[string]int // keyed by endpoint IP:port, for WeightedRoundRobin

	mu      sync.Mutex
	counter uint64 // RoundRobin cursor, also reused as the WeightedRoundRobin draw cursor
	conns   map[string]int64 // active-connection counts, for LeastConnections
}

// NewSelector constructs a Selector for policy.
func NewSelector(policy Policy) *Selector {
	return &Selector{Policy: policy, conns: make(map[string]int64)}
}

// endpointKey is the stable identity LeastConnections and the Balancer's
// breaker/retry bookkeeping use to key per-endpoint state.
// WeightedRoundRobin keys its weights by IP:port instead.
func endpointKey(e core.EndpointAddress) string {
	return string(e.PodUID)
}

// Pick selects one ready endpoint from addrs for a request from
// clientIP. It returns ok=false if addrs has no ready endpoint.
func (s *Selector) Pick(addrs []core.EndpointAddress, clientIP string) (core.EndpointAddress, bool) {
	ready := readyOnly(addrs)
	if len(ready) == 0 {
		return core.EndpointAddress{}, false
	}

	switch s.Policy {
	case PolicyLeastConnections:
		return s.pickLeastConnections(ready), true
	case PolicyRandom:
		return ready[rand.Intn(len(ready))], true
	case PolicyIPHash:
		return ready[hashIndex(clientIP, len(ready))], true
	case PolicyWeightedRoundRobin:
		return s.pickWeighted(ready), true
	default: // RoundRobin
		return s.pickRoundRobin(ready), true
	}
}

func readyOnly(addrs []core.EndpointAddress) []core.EndpointAddress {
	out := make([]core.EndpointAddress, 0, len(addrs))
	for _, a := range addrs {
		if a.Ready && !a.Terminating {
			out = append(out, a)
		}
	}
	// Stable order across calls: the counter-based policies rely on it.
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP || (out[i].IP == out[j].IP && out[i].Port < out[j].Port) })
	return out
}

func (s *Selector) pickRoundRobin(ready []core.EndpointAddress) core.EndpointAddress {
	n := atomic.AddUint64(&s.counter, 1)
	return ready[int(n-1)%len(ready)]
}

// pickLeastConnections returns the ready endpoint with the fewest
// active connections tracked by this Selector.
func (s *Selector) pickLeastConnections(ready []core.EndpointAddress) core.EndpointAddress {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := ready[0]
	bestCount := s.conns[endpointKey(best)]
	for _, e := range ready[1:] {
		c := s.conns[endpointKey(e)]
		if c < bestCount {
			best, bestCount = e, c
		}
	}
	return best
}

// Acquire/Release track in-flight requests per endpoint for
// LeastConnections; callers that don't use that policy may ignore them.
func (s *Selector) Acquire(e core.EndpointAddress) {
	s.mu.Lock()
	s.conns[endpointKey(e)]++
	s.mu.Unlock()
}

func (s *Selector) Release(e core.EndpointAddress) {
	s.mu.Lock()
	if s.conns[endpointKey(e)] > 0 {
		s.conns[endpointKey(e)]--
	}
	s.mu.Unlock()
}

// pickWeighted draws per the configured weight distribution; endpoints with no configured
// weight default to weight 1.
func (s *Selector) pickWeighted(ready []core.EndpointAddress) core.EndpointAddress {
	total := 0
	weights := make([]int, len(ready))
	for i, e := range ready {
		w := 1
		if s.Weights != nil {
			key := e.IP + ":" + strconv.Itoa(int(e.Port))
			if configured, ok := s.Weights[key]; ok && configured > 0 {
				w = configured
			}
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return s.pickRoundRobin(ready)
	}
	n := atomic.AddUint64(&s.counter, 1)
	draw := int(n-1) % total
	for i, w := range weights {
		if draw < w {
			return ready[i]
		}
		draw -= w
	}
	return ready[len(ready)-1]
}

func hashIndex(clientIP string, n int) int {
	if n == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientIP))
	return int(h.Sum32() % uint32(n))
}

