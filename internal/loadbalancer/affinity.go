// SPDX-License-Identifier: Apache-2.0

package loadbalancer

import (
	"sync"
	"time"

	"github.com/infralink/control-plane/internal/apis/core"
)

// AffinityType selects how a client is pinned to an endpoint.
type AffinityType string

const (
	AffinityNone     AffinityType = "None"
	AffinityClientIP AffinityType = "ClientIP"
	AffinityCookie   AffinityType = "Cookie"
)

// AffinityConfig configures one Service's session affinity.
type AffinityConfig struct {
	Type       AffinityType
	Timeout    time.Duration // ClientIP cache entry lifetime
	CookieName string        // Cookie affinity: the pin is keyed by this cookie's value
	CookieTTL  time.Duration
}

type pin struct {
	endpoint core.EndpointAddress
	expires  time.Time
}

// AffinityTable caches (key -> endpoint) pins for one Service. key is
// the client IP for ClientIP affinity or the cookie value for Cookie
// affinity.
type AffinityTable struct {
	cfg AffinityConfig

	mu   sync.Mutex
	pins map[string]pin
}

// NewAffinityTable constructs a table for cfg. A None-type table is
// valid and simply never pins anything.
func NewAffinityTable(cfg AffinityConfig) *AffinityTable {
	return &AffinityTable{cfg: cfg, pins: make(map[string]pin)}
}

func (t *AffinityTable) ttl() time.Duration {
	switch t.cfg.Type {
	case AffinityClientIP:
		return t.cfg.Timeout
	case AffinityCookie:
		return t.cfg.CookieTTL
	default:
		return 0
	}
}

// Key derives the affinity key for a request, or "" if this table's
// type doesn't apply (the caller falls through to normal policy
// selection in that case).
func (t *AffinityTable) Key(clientIP, cookieValue string) string {
	switch t.cfg.Type {
	case AffinityClientIP:
		return clientIP
	case AffinityCookie:
		return cookieValue
	default:
		return ""
	}
}

// Lookup returns the pinned endpoint for key, evicting it first if
// expired. ok is false when there is no live pin or the endpoint is no
// longer in ready.
func (t *AffinityTable) Lookup(key string, now time.Time, ready []core.EndpointAddress) (core.EndpointAddress, bool) {
	if key == "" || t.cfg.Type == AffinityNone {
		return core.EndpointAddress{}, false
	}

	t.mu.Lock()
	p, found := t.pins[key]
	if found && now.After(p.expires) {
		delete(t.pins, key)
		found = false
	}
	t.mu.Unlock()

	if !found {
		return core.EndpointAddress{}, false
	}
	for _, e := range ready {
		if e.PodUID == p.endpoint.PodUID {
			return e, true
		}
	}
	return core.EndpointAddress{}, false
}

// Pin records key -> endpoint, refreshing its expiry.
func (t *AffinityTable) Pin(key string, endpoint core.EndpointAddress, now time.Time) {
	if key == "" || t.cfg.Type == AffinityNone {
		return
	}
	t.mu.Lock()
	t.pins[key] = pin{endpoint: endpoint, expires: now.Add(t.ttl())}
	t.mu.Unlock()
}
