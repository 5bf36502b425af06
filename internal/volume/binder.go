// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/loadbalancer"
	"github.com/infralink/control-plane/internal/store"
	"github.com/infralink/control-plane/pkg/apierrors"
)

// providerRateLimit/providerBurst bound how often the Binder calls into
// a StorageProvider, reusing the Load Balancer's rate.Limiter wrapper
// rather than duplicating it for a second outbound-call site.
const (
	providerRateLimit = 5.0
	providerBurst     = 2
)

// Binder reconciles PersistentVolumeClaims against PersistentVolumes.
type Binder struct {
	store     *store.Store
	providers map[string]StorageProvider // keyed by StorageClass.Provisioner
	limiter   *loadbalancer.ProviderLimiter
	log       logr.Logger
	recorder  *events.Recorder
	queue     *controller.Queue
}

// New constructs a Binder. Providers are registered with
// RegisterProvider before Start.
func New(st *store.Store, log logr.Logger, recorder *events.Recorder) *Binder {
	b := &Binder{
		store:     st,
		providers: make(map[string]StorageProvider),
		limiter:   loadbalancer.NewProviderLimiter(providerRateLimit, providerBurst),
		log:       log.WithName("volume-binder"),
		recorder:  recorder,
	}
	b.queue = controller.NewQueue("volume-binder", b.log, b.reconcile)
	return b
}

// RegisterProvider associates a StorageProvider with the provisioner
// name StorageClasses reference.
func (b *Binder) RegisterProvider(name string, p StorageProvider) {
	b.providers[name] = p
}

// Start bridges the PVC and PV watches and runs workers until ctx is
// cancelled.
func (b *Binder) Start(ctx context.Context, workers int) error {
	if err := controller.BridgeWatch(ctx, b.store, core.KindPersistentVolumeClaim, "", b.queue); err != nil {
		return fmt.Errorf("watching pvcs: %w", err)
	}
	if err := controller.BridgeWatch(ctx, b.store, core.KindPersistentVolume, "", b.pvTrigger()); err != nil {
		return fmt.Errorf("watching pvs: %w", err)
	}
	b.queue.Run(ctx, workers)
	return nil
}

// pvTrigger re-enqueues the claiming PVC whenever its bound PV changes
// (e.g. transitions to Released), so reclaim reacts promptly.
func (b *Binder) pvTrigger() *controller.Queue {
	return controller.NewQueue("volume-binder-pv-trigger", b.log, func(ctx context.Context, key controller.Key) error {
		obj, err := b.store.Get(core.KindPersistentVolume, key.Namespace, key.Name)
		if err != nil {
			return nil
		}
		pv := obj.(*core.PersistentVolume)
		if pv.Status.Phase == core.VolumeReleased {
			return b.reclaim(pv)
		}
		if pv.Status.ClaimRef != nil {
			b.queue.Add(controller.Key{Namespace: pv.Status.ClaimRef.Namespace, Name: pv.Status.ClaimRef.Name})
		}
		return nil
	})
}

func (b *Binder) reconcile(ctx context.Context, key controller.Key) error {
	obj, err := b.store.Get(core.KindPersistentVolumeClaim, key.Namespace, key.Name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return &controller.Transient{Err: err}
	}
	pvc := obj.(*core.PersistentVolumeClaim)

	if pvc.IsTerminating() {
		return b.releaseFor(pvc)
	}
	if pvc.Status.Phase == core.ClaimBound {
		return nil
	}

	pvs, err := b.listVolumes()
	if err != nil {
		return &controller.Transient{Err: err}
	}

	if existing := findBindable(pvc, pvs); existing != nil {
		return b.bind(pvc, existing)
	}

	sc, hasClass, err := b.storageClass(pvc)
	if err != nil {
		return &controller.Transient{Err: err}
	}
	if !hasClass {
		return nil
	}

	// Immediate binding mode provisions as soon as there is no match;
	// WaitForFirstConsumer requires a Pod to already reference this
	// claim.
	if sc.VolumeBindingMode == core.BindWaitForFirstConsumer {
		used, err := b.hasConsumer(pvc)
		if err != nil {
			return &controller.Transient{Err: err}
		}
		if !used {
			return nil
		}
	}

	return b.provisionAndBind(ctx, pvc, sc)
}

func (b *Binder) listVolumes() ([]*core.PersistentVolume, error) {
	objs, err := b.store.List(core.KindPersistentVolume, "", nil)
	if err != nil {
		return nil, err
	}
	out := make([]*core.PersistentVolume, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.(*core.PersistentVolume))
	}
	return out, nil
}

// findBindable returns the first Available volume satisfying the
// claim's access-mode, capacity and storage-class constraints.
func findBindable(pvc *core.PersistentVolumeClaim, pvs []*core.PersistentVolume) *core.PersistentVolume {
	for _, pv := range pvs {
		if pv.Status.Phase != core.VolumeAvailable {
			continue
		}
		if !core.ContainsAllAccessModes(pv.Spec.AccessModes, pvc.Spec.AccessModes) {
			continue
		}
		if pv.Spec.Capacity.Cmp(pvc.Spec.RequestedStorage) < 0 {
			continue
		}
		if pv.Spec.StorageClass != pvc.Spec.StorageClassName {
			continue
		}
		return pv
	}
	return nil
}

func (b *Binder) bind(pvc *core.PersistentVolumeClaim, pv *core.PersistentVolume) error {
	if err := b.store.Patch(core.KindPersistentVolume, pv.Namespace, pv.Name, func(o store.Object) error {
		p := o.(*core.PersistentVolume)
		if p.Status.Phase != core.VolumeAvailable {
			return fmt.Errorf("volume %s is no longer available", p.Name)
		}
		p.Status.Phase = core.VolumeBound
		p.Status.ClaimRef = &core.ClaimRef{Namespace: pvc.Namespace, Name: pvc.Name, UID: string(pvc.UID)}
		return nil
	}); err != nil {
		return &controller.Transient{Err: err}
	}

	if err := b.store.Patch(core.KindPersistentVolumeClaim, pvc.Namespace, pvc.Name, func(o store.Object) error {
		c := o.(*core.PersistentVolumeClaim)
		c.Spec.VolumeName = pv.Name
		c.Status.Phase = core.ClaimBound
		c.Status.Capacity = pv.Spec.Capacity
		return nil
	}); err != nil {
		return &controller.Transient{Err: err}
	}

	b.recorder.Eventf(pvc, core.EventNormal, "VolumeBound", "bound to persistent volume %s", pv.Name)
	return nil
}

func (b *Binder) storageClass(pvc *core.PersistentVolumeClaim) (*core.StorageClass, bool, error) {
	if pvc.Spec.StorageClassName == "" {
		return nil, false, nil
	}
	obj, err := b.store.Get(core.KindStorageClass, "", pvc.Spec.StorageClassName)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return obj.(*core.StorageClass), true, nil
}

func (b *Binder) hasConsumer(pvc *core.PersistentVolumeClaim) (bool, error) {
	pods, err := b.store.List(core.KindPod, pvc.Namespace, nil)
	if err != nil {
		return false, err
	}
	for _, o := range pods {
		pod := o.(*core.Pod)
		for _, v := range pod.Spec.Volumes {
			if v.PersistentVolumeClaim != nil && *v.PersistentVolumeClaim == pvc.Name {
				return true, nil
			}
		}
	}
	return false, nil
}

func (b *Binder) provisionAndBind(ctx context.Context, pvc *core.PersistentVolumeClaim, sc *core.StorageClass) error {
	provider, ok := b.providers[sc.Provisioner]
	if !ok {
		return &controller.Permanent{Err: fmt.Errorf("no StorageProvider registered for provisioner %s", sc.Provisioner)}
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return &controller.Transient{Err: err}
	}

	provisioned, err := provider.Provision(ctx, ProvisionSpec{
		Name:             pvc.Name,
		StorageClassName: sc.Name,
		Parameters:       sc.Parameters,
		Capacity:         pvc.Spec.RequestedStorage,
		AccessModes:      pvc.Spec.AccessModes,
	})
	if err != nil {
		return &controller.Transient{Err: fmt.Errorf("provisioning volume for %s/%s: %w", pvc.Namespace, pvc.Name, err)}
	}

	pv := &core.PersistentVolume{
		ObjectMeta: core.ObjectMeta{Name: provisioned.ID},
		Spec: core.PersistentVolumeSpec{
			Capacity:      pvc.Spec.RequestedStorage,
			AccessModes:   pvc.Spec.AccessModes,
			ReclaimPolicy: sc.ReclaimPolicy,
			StorageClass:  sc.Name,
			VolumeSource:  provisioned.Source,
		},
		Status: core.PersistentVolumeStatus{Phase: core.VolumeAvailable},
	}
	if err := b.store.Create(pv); err != nil {
		return &controller.Transient{Err: err}
	}

	return b.bind(pvc, pv)
}

// releaseFor handles a PVC deletion: find its bound PV (if any),
// transition it to Released, and apply its reclaim policy.
func (b *Binder) releaseFor(pvc *core.PersistentVolumeClaim) error {
	if pvc.Spec.VolumeName == "" {
		return nil
	}
	obj, err := b.store.Get(core.KindPersistentVolume, "", pvc.Spec.VolumeName)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return &controller.Transient{Err: err}
	}
	pv := obj.(*core.PersistentVolume)

	if err := b.store.Patch(core.KindPersistentVolume, pv.Namespace, pv.Name, func(o store.Object) error {
		p := o.(*core.PersistentVolume)
		p.Status.Phase = core.VolumeReleased
		return nil
	}); err != nil {
		return &controller.Transient{Err: err}
	}
	return b.reclaim(pv)
}

// reclaim applies reclaim_policy to a Released PV.
func (b *Binder) reclaim(pv *core.PersistentVolume) error {
	switch pv.Spec.ReclaimPolicy {
	case core.ReclaimDelete:
		if provider, ok := b.providerFor(pv); ok {
			if err := b.limiter.Wait(context.Background()); err != nil {
				return &controller.Transient{Err: err}
			}
			if err := provider.Delete(context.Background(), pv.Name); err != nil {
				return &controller.Transient{Err: err}
			}
		}
		return b.store.Delete(core.KindPersistentVolume, pv.Namespace, pv.Name)
	case core.ReclaimRecycle:
		if provider, ok := b.providerFor(pv); ok {
			if err := b.limiter.Wait(context.Background()); err != nil {
				return &controller.Transient{Err: err}
			}
			if err := provider.Recycle(context.Background(), pv.Name); err != nil {
				return &controller.Transient{Err: err}
			}
		}
		return b.store.Patch(core.KindPersistentVolume, pv.Namespace, pv.Name, func(o store.Object) error {
			p := o.(*core.PersistentVolume)
			p.Status.Phase = core.VolumeAvailable
			p.Status.ClaimRef = nil
			return nil
		})
	default: // Retain
		return nil
	}
}

// providerFor resolves pv's StorageClass back to its provisioner and
// looks up the registered StorageProvider, so reclaim targets the
// provider that created the volume.
func (b *Binder) providerFor(pv *core.PersistentVolume) (StorageProvider, bool) {
	if pv.Spec.StorageClass == "" {
		return nil, false
	}
	obj, err := b.store.Get(core.KindStorageClass, "", pv.Spec.StorageClass)
	if err != nil {
		return nil, false
	}
	sc := obj.(*core.StorageClass)
	p, ok := b.providers[sc.Provisioner]
	return p, ok
}
