// SPDX-License-Identifier: Apache-2.0

// Package gc implements cascade deletion of owner-referenced
// dependents. It watches Deletions of every ownable kind and
// removes dependents whose controller owner reference names the deleted
// owner. References are matched by name; the reference's UID is not
// compared. It also cascades Namespace deletion onto every
// namespaced object it contains.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/store"
)

// namespaceFinalizer blocks Namespace removal until every contained
// object this controller tracks has drained.
const namespaceFinalizer = "control-plane/namespace-gc"

// namespaceRecheckInterval paces re-polling a terminating Namespace
// whose contents have not finished draining yet.
const namespaceRecheckInterval = 5 * time.Second

// dependentsOf lists every Kind that can appear as a dependent's owner,
// and the dependent Kinds to scan when one of its instances disappears.
// Pods are the only dependent kind today (Deployment-owned); new owner
// relationships extend this table.
var dependentsOf = map[core.Kind]core.Kind{
	core.KindDeployment: core.KindPod,
}

// namespacedKinds lists every Kind whose instances are scoped to a
// Namespace and must be cascade-deleted when their Namespace goes away.
var namespacedKinds = []core.Kind{
	core.KindPod,
	core.KindDeployment,
	core.KindService,
	core.KindEndpoints,
	core.KindHorizontalPodAutoscaler,
	core.KindVerticalPodAutoscaler,
	core.KindPersistentVolumeClaim,
	core.KindIngress,
	core.KindConfigMap,
	core.KindSecret,
	core.KindEvent,
}

// Controller watches deletions of owner kinds and removes dependents
// whose controller owner reference names an owner that no longer exists.
type Controller struct {
	store   *store.Store
	log     logr.Logger
	queue   *controller.Queue
	nsQueue *controller.Queue
}

// New constructs a garbage collector.
func New(st *store.Store, log logr.Logger) *Controller {
	c := &Controller{store: st, log: log.WithName("gc-controller")}
	c.queue = controller.NewQueue("gc-controller", c.log, c.reconcile)
	c.nsQueue = controller.NewQueue("gc-controller-namespace", c.log, c.reconcileNamespace)
	return c
}

// Start bridges watches for every owner kind and runs workers until ctx
// is cancelled.
func (c *Controller) Start(ctx context.Context, workers int) error {
	for ownerKind := range dependentsOf {
		if err := controller.BridgeWatch(ctx, c.store, ownerKind, "", c.queue); err != nil {
			return fmt.Errorf("watching %s: %w", ownerKind, err)
		}
	}
	if err := controller.BridgeWatch(ctx, c.store, core.KindNamespace, "", c.nsQueue); err != nil {
		return fmt.Errorf("watching namespaces: %w", err)
	}
	go c.nsQueue.Run(ctx, 1)
	c.queue.Run(ctx, workers)
	return nil
}

// reconcileNamespace ensures every live Namespace carries the gc
// finalizer, cascades deletion onto its contents once terminating, and
// completes the delete once nothing remains.
func (c *Controller) reconcileNamespace(ctx context.Context, key controller.Key) error {
	obj, err := c.store.Get(core.KindNamespace, "", key.Name)
	if err != nil {
		return nil
	}
	ns := obj.(*core.Namespace)

	if !ns.IsTerminating() {
		if ns.HasFinalizer(namespaceFinalizer) {
			return nil
		}
		return wrapTransient(c.store.Patch(core.KindNamespace, "", key.Name, func(o store.Object) error {
			o.GetObjectMeta().Finalizers = append(o.GetObjectMeta().Finalizers, namespaceFinalizer)
			return nil
		}))
	}

	remaining := 0
	for _, kind := range namespacedKinds {
		objs, err := c.store.List(kind, ns.Name, nil)
		if err != nil {
			return &controller.Transient{Err: err}
		}
		for _, o := range objs {
			meta := o.GetObjectMeta()
			if !meta.IsTerminating() {
				if err := c.store.Delete(kind, meta.Namespace, meta.Name); err != nil {
					return &controller.Transient{Err: err}
				}
			}
			remaining++
		}
	}

	if remaining > 0 {
		c.nsQueue.AddAfter(key, namespaceRecheckInterval)
		return nil
	}
	if !ns.HasFinalizer(namespaceFinalizer) {
		return nil
	}
	if err := c.store.Patch(core.KindNamespace, "", key.Name, func(o store.Object) error {
		o.GetObjectMeta().RemoveFinalizer(namespaceFinalizer)
		return nil
	}); err != nil {
		return &controller.Transient{Err: err}
	}
	return wrapTransient(c.store.Delete(core.KindNamespace, "", key.Name))
}

func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	return &controller.Transient{Err: err}
}

// reconcile runs whenever an owner-kind key changes (created, updated,
// or deleted); it only has cleanup work to do when the owner no longer
// exists, at which point it is keyed by the name the owner used to have.
func (c *Controller) reconcile(ctx context.Context, key controller.Key) error {
	for ownerKind, dependentKind := range dependentsOf {
		if _, err := c.store.Get(ownerKind, key.Namespace, key.Name); err == nil {
			continue // owner still exists, nothing to collect for this key
		}
		if err := c.collectDependents(dependentKind, key.Namespace, key.Name); err != nil {
			return &controller.Transient{Err: err}
		}
	}
	return nil
}

// collectDependents deletes every object of dependentKind in namespace
// whose sole owner reference is a controller reference to the named,
// now-absent owner.
func (c *Controller) collectDependents(dependentKind core.Kind, namespace, ownerName string) error {
	objs, err := c.store.List(dependentKind, namespace, nil)
	if err != nil {
		return err
	}
	for _, o := range objs {
		meta := o.GetObjectMeta()
		if meta.IsTerminating() {
			continue
		}
		owner, ok := controllerOwner(meta.OwnerReferences)
		if !ok || owner.Name != ownerName {
			continue
		}
		if err := c.store.Delete(dependentKind, meta.Namespace, meta.Name); err != nil {
			return err
		}
		c.log.V(1).Info("garbage collected dependent", "kind", dependentKind, "namespace", meta.Namespace, "name", meta.Name, "owner", ownerName)
	}
	return nil
}

func controllerOwner(refs []core.OwnerReference) (core.OwnerReference, bool) {
	for _, r := range refs {
		if r.Controller {
			return r, true
		}
	}
	if len(refs) == 1 {
		return refs[0], true
	}
	return core.OwnerReference{}, false
}
