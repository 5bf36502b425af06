// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"sync"

	"github.com/infralink/control-plane/internal/controller"
)

// UnschedulableSet is the thread-safe "unschedulable_pods" signal the
// Scheduler exposes to the Cluster Autoscaler.
type UnschedulableSet struct {
	mu   sync.RWMutex
	keys map[controller.Key]struct{}
}

// NewUnschedulableSet constructs an empty set.
func NewUnschedulableSet() *UnschedulableSet {
	return &UnschedulableSet{keys: make(map[controller.Key]struct{})}
}

// Add marks (namespace, name) as currently unschedulable.
func (s *UnschedulableSet) Add(namespace, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[controller.Key{Namespace: namespace, Name: name}] = struct{}{}
}

// Remove clears (namespace, name) from the set, e.g. once it binds.
func (s *UnschedulableSet) Remove(namespace, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, controller.Key{Namespace: namespace, Name: name})
}

// List returns a snapshot of every currently unschedulable pod key.
func (s *UnschedulableSet) List() []controller.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]controller.Key, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out
}
