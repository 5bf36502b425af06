// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/cache"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/pkg/apierrors"
)

// namespaceIndex is the cache.Indexers key under which every per-kind
// ThreadSafeStore indexes its entries by namespace, so that a
// namespace-scoped List is a single index lookup rather than a scan of
// every object of the kind. Keys are "namespace/name" (or bare "name"
// for cluster-scoped kinds), the same shape cache.SplitMetaNamespaceKey
// parses.
const namespaceIndex = "namespace"

func namespaceIndexFunc(obj interface{}) ([]string, error) {
	return []string{obj.(entry).obj.GetObjectMeta().Namespace}, nil
}

// Object is the stored unit; re-exported from core so callers of this
// package do not need a second import for the common case.
type Object = core.Object

// DefaultWatchHistorySize is the per-kind watch ring depth used when no
// size is given; reconnects below the retained window are forced to
// resync.
const DefaultWatchHistorySize = 1000

// Clock is the time source used for CreationTimestamp/heartbeats,
// overridable in tests (k8s.io/utils/clock.Clock shape, but kept
// minimal here since the store only ever calls Now()).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is the process-wide Object Store. One Store
// instance is shared by every controller; it is the only place that
// mutates resource_version.
type Store struct {
	clock           Clock
	watchHistorySize int

	globalVersion int64 // atomic; every mutation takes the next value

	mu   sync.RWMutex
	data map[core.Kind]cache.ThreadSafeStore
	ring map[core.Kind]*eventRing

	watchMu  sync.Mutex
	watchers map[core.Kind][]*watcher
}

type entry struct {
	obj     Object
	version int64
}

// New constructs an empty Store. A watchHistorySize of 0 or less selects
// the default; a positive value is used as given, even when it is below
// the default.
func New(watchHistorySize int) *Store {
	if watchHistorySize <= 0 {
		watchHistorySize = DefaultWatchHistorySize
	}
	return &Store{
		clock:            realClock{},
		watchHistorySize: watchHistorySize,
		data:             make(map[core.Kind]cache.ThreadSafeStore),
		ring:             make(map[core.Kind]*eventRing),
		watchers:         make(map[core.Kind][]*watcher),
	}
}

// WithClock overrides the store's time source; used by tests that need
// deterministic CreationTimestamps.
func (s *Store) WithClock(c Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) nextVersion() int64 {
	return atomic.AddInt64(&s.globalVersion, 1)
}

func keyOf(m *core.ObjectMeta) objectKey {
	return objectKey{namespace: m.Namespace, name: m.Name}
}

func (s *Store) kindMap(kind core.Kind) cache.ThreadSafeStore {
	m, ok := s.data[kind]
	if !ok {
		m = cache.NewThreadSafeStore(cache.Indexers{namespaceIndex: namespaceIndexFunc}, cache.Indices{})
		s.data[kind] = m
	}
	return m
}

func (s *Store) kindRing(kind core.Kind) *eventRing {
	r, ok := s.ring[kind]
	if !ok {
		r = newEventRing(s.watchHistorySize)
		s.ring[kind] = r
	}
	return r
}

// Create inserts a new object, failing with AlreadyExists if the
// (kind, namespace, name) key is already present. It assigns UID,
// ResourceVersion, Generation=1 and CreationTimestamp.
func (s *Store) Create(obj Object) error {
	meta := obj.GetObjectMeta()
	if meta.Name == "" {
		return apierrors.NewBadRequest("object name must not be empty")
	}
	kind := obj.GetKind()
	key := keyOf(meta)

	s.mu.Lock()
	defer s.mu.Unlock()

	km := s.kindMap(kind)
	if _, exists := km.Get(key.String()); exists {
		return apierrors.NewAlreadyExists(string(kind), key.String())
	}

	meta.UID = types.UID(uuid.NewString())
	meta.Generation = 1
	meta.CreationTimestamp = s.clock.Now()
	v := s.nextVersion()
	meta.ResourceVersion = strconv.FormatInt(v, 10)

	stored := obj.DeepCopyObject()
	km.Add(key.String(), entry{obj: stored, version: v})

	s.publish(kind, WatchEvent{Type: EventAdded, Object: stored.DeepCopyObject(), Version: v})
	return nil
}

// Get returns a snapshot of the current object, or NotFound. Terminating
// objects remain visible until their last finalizer drains.
func (s *Store) Get(kind core.Kind, namespace, name string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	km, ok := s.data[kind]
	if !ok {
		return nil, apierrors.NewNotFound(string(kind), name)
	}
	raw, ok := km.Get(objectKey{namespace: namespace, name: name}.String())
	if !ok {
		return nil, apierrors.NewNotFound(string(kind), name)
	}
	return raw.(entry).obj.DeepCopyObject(), nil
}

// Update writes obj over the current stored value. If precondition is
// non-empty it must equal the current resource_version, else Update
// fails with Conflict. Generation is bumped only if the
// kind's spec-shaped fields changed.
func (s *Store) Update(obj Object, precondition string) error {
	meta := obj.GetObjectMeta()
	kind := obj.GetKind()
	key := keyOf(meta)

	s.mu.Lock()
	defer s.mu.Unlock()

	km := s.kindMap(kind)
	raw, ok := km.Get(key.String())
	if !ok {
		return apierrors.NewNotFound(string(kind), key.String())
	}
	cur := raw.(entry)
	if precondition != "" && precondition != strconv.FormatInt(cur.version, 10) {
		return apierrors.NewConflict(string(kind), key.String(),
			fmt.Sprintf("resource_version precondition %s does not match current %d", precondition, cur.version))
	}

	if specChanged(cur.obj, obj) {
		meta.Generation = cur.obj.GetObjectMeta().Generation + 1
	} else {
		meta.Generation = cur.obj.GetObjectMeta().Generation
	}
	meta.UID = cur.obj.GetObjectMeta().UID
	meta.CreationTimestamp = cur.obj.GetObjectMeta().CreationTimestamp

	v := s.nextVersion()
	meta.ResourceVersion = strconv.FormatInt(v, 10)

	stored := obj.DeepCopyObject()
	km.Update(key.String(), entry{obj: stored, version: v})

	s.publish(kind, WatchEvent{Type: EventModified, Object: stored.DeepCopyObject(), Version: v})
	return nil
}

// Patch performs a read-modify-write under the store's lock: mutate
// receives the current object and edits it in place. This collapses the
// read, construct-patch-body, write-with-precondition dance into one
// atomic step, which is equivalent for a single-process store and
// removes an unnecessary retry loop from every caller.
func (s *Store) Patch(kind core.Kind, namespace, name string, mutate func(Object) error) error {
	key := objectKey{namespace: namespace, name: name}

	s.mu.Lock()
	defer s.mu.Unlock()

	km := s.kindMap(kind)
	raw, ok := km.Get(key.String())
	if !ok {
		return apierrors.NewNotFound(string(kind), key.String())
	}
	cur := raw.(entry)

	working := cur.obj.DeepCopyObject()
	if err := mutate(working); err != nil {
		return err
	}

	meta := working.GetObjectMeta()
	if specChanged(cur.obj, working) {
		meta.Generation = cur.obj.GetObjectMeta().Generation + 1
	} else {
		meta.Generation = cur.obj.GetObjectMeta().Generation
	}
	meta.UID = cur.obj.GetObjectMeta().UID
	meta.CreationTimestamp = cur.obj.GetObjectMeta().CreationTimestamp
	meta.Name = name
	meta.Namespace = namespace

	v := s.nextVersion()
	meta.ResourceVersion = strconv.FormatInt(v, 10)

	stored := working.DeepCopyObject()
	km.Update(key.String(), entry{obj: stored, version: v})

	s.publish(kind, WatchEvent{Type: EventModified, Object: stored.DeepCopyObject(), Version: v})
	return nil
}

// Delete removes the object, or — if it carries finalizers — marks it
// terminating by setting DeletionTimestamp and leaves it in place for
// finalizers to drain.
func (s *Store) Delete(kind core.Kind, namespace, name string) error {
	key := objectKey{namespace: namespace, name: name}

	s.mu.Lock()
	defer s.mu.Unlock()

	km := s.kindMap(kind)
	raw, ok := km.Get(key.String())
	if !ok {
		return apierrors.NewNotFound(string(kind), key.String())
	}
	cur := raw.(entry)

	if len(cur.obj.GetObjectMeta().Finalizers) > 0 {
		working := cur.obj.DeepCopyObject()
		now := s.clock.Now()
		working.GetObjectMeta().DeletionTimestamp = &now
		v := s.nextVersion()
		working.GetObjectMeta().ResourceVersion = strconv.FormatInt(v, 10)
		km.Update(key.String(), entry{obj: working, version: v})
		s.publish(kind, WatchEvent{Type: EventModified, Object: working.DeepCopyObject(), Version: v})
		return nil
	}

	v := s.nextVersion()
	km.Delete(key.String())
	tombstone := cur.obj.DeepCopyObject()
	s.publish(kind, WatchEvent{Type: EventDeleted, Object: tombstone, Version: v})
	return nil
}

// List returns a snapshot of every object of kind in namespace (all
// namespaces if namespace is ""), filtered by selector if non-nil. A
// namespace-scoped call is answered from the kind's namespace index
// (cache.ThreadSafeStore.ByIndex) rather than a scan of every object of
// the kind, so cost is O(matching) not O(all).
func (s *Store) List(kind core.Kind, namespace string, selector labels.Selector) ([]Object, error) {
	s.mu.RLock()
	km, ok := s.data[kind]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var raw []interface{}
	if namespace != "" {
		var err error
		raw, err = km.ByIndex(namespaceIndex, namespace)
		if err != nil {
			return nil, err
		}
	} else {
		raw = km.List()
	}

	out := make([]Object, 0, len(raw))
	for _, item := range raw {
		e := item.(entry)
		if selector != nil && !selector.Empty() && !selector.Matches(labels.Set(e.obj.GetObjectMeta().Labels)) {
			continue
		}
		out = append(out, e.obj.DeepCopyObject())
	}
	return out, nil
}

// specChanged deep-compares the spec-shaped portion of old vs. updated,
// deciding whether Generation should advance.
func specChanged(oldObj, newObj Object) bool {
	oldSpec := specOf(oldObj)
	newSpec := specOf(newObj)
	if oldSpec == nil || newSpec == nil {
		return true
	}
	return !reflect.DeepEqual(oldSpec, newSpec)
}

// specOf extracts the spec-shaped field for generation-change detection.
// Kinds without a Status subresource (ConfigMap, Secret, Namespace,
// StorageClass, Endpoints, Event) have no status noise to filter out;
// a change to the payload field(s) returned for them below bumps
// generation, and a change to their other fields does not.
func specOf(obj Object) interface{} {
	switch v := obj.(type) {
	case *core.Pod:
		return v.Spec
	case *core.Deployment:
		return v.Spec
	case *core.Service:
		return v.Spec
	case *core.HorizontalPodAutoscaler:
		return v.Spec
	case *core.VerticalPodAutoscaler:
		return v.Spec
	case *core.PersistentVolume:
		return v.Spec
	case *core.PersistentVolumeClaim:
		return v.Spec
	case *core.Ingress:
		return v.Spec
	case *core.Node:
		return v.Spec
	case *core.NodeGroup:
		return v.Spec
	case *core.StorageClass:
		return struct {
			P string
			R core.ReclaimPolicy
			B core.VolumeBindingMode
		}{v.Provisioner, v.ReclaimPolicy, v.VolumeBindingMode}
	case *core.ConfigMap:
		return v.Data
	case *core.Secret:
		return v.Data
	case *core.Namespace:
		return v.Status
	case *core.Endpoints:
		return v.Addresses
	case *core.Event:
		return v.Message
	default:
		return nil
	}
}
