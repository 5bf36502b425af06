// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultCustomMetricTTL is how long a custom-metric write stays
// readable before it expires.
const DefaultCustomMetricTTL = 5 * time.Minute

type customEntry struct {
	value     float64
	writtenAt time.Time
}

// CustomRegistry is the process-wide registry for Pods/Object/External
// metric values the HPA consumes. Writes are last-writer-wins
// per metric name; reads of an entry older than the TTL report the
// metric as absent.
type CustomRegistry struct {
	clock clock.Clock
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]customEntry
}

// NewCustomRegistry constructs a registry expiring entries after ttl
// (0 selects the default).
func NewCustomRegistry(ttl time.Duration) *CustomRegistry {
	if ttl <= 0 {
		ttl = DefaultCustomMetricTTL
	}
	return &CustomRegistry{
		clock:   clock.RealClock{},
		ttl:     ttl,
		entries: make(map[string]customEntry),
	}
}

// WithClock overrides the registry's time source; used by tests to
// exercise TTL expiry deterministically.
func (r *CustomRegistry) WithClock(c clock.Clock) *CustomRegistry {
	r.clock = c
	return r
}

// Set records value under name, replacing any previous write
// unconditionally (last writer wins). Stale entries for other names
// are swept opportunistically on write.
func (r *CustomRegistry) Set(name string, value float64) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if now.Sub(e.writtenAt) > r.ttl {
			delete(r.entries, k)
		}
	}
	r.entries[name] = customEntry{value: value, writtenAt: now}
}

// Get returns the current value for name; ok is false when the name was
// never written or its entry has outlived the TTL.
func (r *CustomRegistry) Get(name string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || r.clock.Now().Sub(e.writtenAt) > r.ttl {
		return 0, false
	}
	return e.value, true
}
