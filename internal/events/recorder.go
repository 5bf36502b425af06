// SPDX-License-Identifier: Apache-2.0

// Package events implements the cluster Event trail: every controller
// writes an Event on state transitions through a shared Recorder
// rather than reaching for the Object Store directly.
package events

import (
	"fmt"
	"time"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/store"
)

// Recorder creates and coalesces Event objects in the Object Store.
type Recorder struct {
	store *store.Store
}

// NewRecorder constructs a Recorder writing into st.
func NewRecorder(st *store.Store) *Recorder {
	return &Recorder{store: st}
}

// Eventf records one occurrence of reason against obj, formatting
// message like fmt.Sprintf. Repeated identical (object, reason)
// occurrences bump Count/LastTimestamp on the existing Event instead of
// creating a new object, matching kube's event-series coalescing.
func (r *Recorder) Eventf(obj core.Object, typ core.EventType, reason, format string, args ...interface{}) {
	if r == nil || r.store == nil {
		return
	}
	meta := obj.GetObjectMeta()
	message := fmt.Sprintf(format, args...)
	name := r.nextName(obj.GetKind(), meta.Name, reason)
	now := time.Now()

	existing, err := r.store.Get(core.KindEvent, meta.Namespace, name)
	if err == nil {
		ev := existing.(*core.Event)
		ev.Count++
		ev.LastTimestamp = now
		ev.Message = message
		_ = r.store.Update(ev, "")
		return
	}

	ev := &core.Event{
		ObjectMeta: core.ObjectMeta{
			Name:      name,
			Namespace: meta.Namespace,
		},
		InvolvedObject: core.InvolvedObjectRef{
			Kind:      obj.GetKind(),
			Namespace: meta.Namespace,
			Name:      meta.Name,
			UID:       string(meta.UID),
		},
		Type:           typ,
		Reason:         reason,
		Message:        message,
		Count:          1,
		FirstTimestamp: now,
		LastTimestamp:  now,
	}
	_ = r.store.Create(ev)
}

// nextName deterministically derives an Event name from the involved
// object and reason, so repeated calls coalesce onto the same Event
// (kube's event aggregation, simplified for an in-memory single
// namespace-scoped key rather than a hash of source+involvedObject).
func (r *Recorder) nextName(kind core.Kind, objName, reason string) string {
	return fmt.Sprintf("%s-%s-%s", kind, objName, reason)
}
