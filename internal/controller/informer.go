// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/store"
)

// BridgeWatch subscribes to every change of kind (optionally scoped to
// namespace) and enqueues the affected object's Key on q — the
// watch-wakes-reconcile half of every controller. Error events are
// ignored here; they only matter to long-lived external watch clients.
func BridgeWatch(ctx context.Context, st *store.Store, kind core.Kind, namespace string, q *Queue) error {
	w, err := st.Watch(kind, namespace, "")
	if err != nil {
		return err
	}
	go func() {
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.ResultChan():
				if !ok {
					return
				}
				if e.Type == store.EventError {
					continue
				}
				m := e.Object.GetObjectMeta()
				q.Add(Key{Namespace: m.Namespace, Name: m.Name})
			}
		}
	}()
	return nil
}
