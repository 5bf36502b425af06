// SPDX-License-Identifier: Apache-2.0

package store

import (
	"strconv"
	"sync"

	"github.com/infralink/control-plane/internal/apis/core"
)

// Watcher is a lazy sequence of change events for one kind. Callers
// must drain ResultChan until it is closed, and call Stop to release
// the subscription.
type Watcher interface {
	ResultChan() <-chan WatchEvent
	Stop()
}

type watcher struct {
	kind      core.Kind
	namespace string
	ch        chan WatchEvent

	stopOnce sync.Once
	stopCh   chan struct{}

	store *Store
}

func (w *watcher) ResultChan() <-chan WatchEvent { return w.ch }

func (w *watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.store.removeWatcher(w)
	})
}

// Watch subscribes to changes for kind, optionally scoped to namespace.
// If fromVersion is non-empty, every retained event since that version
// is replayed before live events begin; if the ring buffer no longer
// covers fromVersion, Watch returns an Expired error and the caller must
// resync via List.
func (s *Store) Watch(kind core.Kind, namespace string, fromVersion string) (Watcher, error) {
	var from int64
	if fromVersion != "" {
		v, err := strconv.ParseInt(fromVersion, 10, 64)
		if err != nil {
			return nil, errBadVersion(fromVersion)
		}
		from = v
	}

	// The store's write lock excludes concurrent mutations (and therefore
	// publishes) for the whole snapshot-then-register sequence, so no
	// event can slip between the replayed backlog and live delivery.
	s.mu.Lock()
	defer s.mu.Unlock()

	backlog, ok := s.kindRing(kind).since(from)
	if !ok {
		return nil, errExpired(kind)
	}

	w := &watcher{
		kind:      kind,
		namespace: namespace,
		ch:        make(chan WatchEvent, len(backlog)+watcherBufferSlack),
		stopCh:    make(chan struct{}),
		store:     s,
	}

	for _, e := range backlog {
		if w.matches(e) {
			w.ch <- e
		}
	}

	s.watchMu.Lock()
	s.watchers[kind] = append(s.watchers[kind], w)
	s.watchMu.Unlock()

	return w, nil
}

const watcherBufferSlack = 64

func (w *watcher) matches(e WatchEvent) bool {
	if w.namespace == "" {
		return true
	}
	return e.Object.GetObjectMeta().Namespace == w.namespace
}

// publish fans a new event out to every live watcher of kind and
// appends it to the kind's ring buffer. Must be called with s.mu held
// for writing (it is only ever invoked from inside a mutation).
func (s *Store) publish(kind core.Kind, e WatchEvent) {
	s.kindRing(kind).push(e)

	// watchMu is held across the sends so removeWatcher cannot close a
	// channel mid-send. A blocked send is still released when the
	// watcher's Stop closes stopCh (Stop closes it before taking
	// watchMu).
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for _, w := range s.watchers[kind] {
		if !w.matches(e) {
			continue
		}
		// Events are never coalesced or dropped: a
		// watcher that falls behind backpressures its own producer
		// loop rather than silently missing a resource_version.
		select {
		case w.ch <- e:
		case <-w.stopCh:
		}
	}
}

func (s *Store) removeWatcher(target *watcher) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	ws := s.watchers[target.kind]
	for i, w := range ws {
		if w == target {
			s.watchers[target.kind] = append(ws[:i], ws[i+1:]...)
			close(w.ch)
			return
		}
	}
}
