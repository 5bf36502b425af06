// SPDX-License-Identifier: Apache-2.0

// Package serviceregistry derives Endpoints from Services and Pods and
// synthesizes DNS records for them.
package serviceregistry

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/go-logr/logr"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/store"
	"github.com/infralink/control-plane/pkg/apierrors"
)

// Registry recomputes Endpoints on Service/Pod changes and keeps the
// DNS zone in sync.
type Registry struct {
	store    *store.Store
	dns      *Zone
	log      logr.Logger
	queue    *controller.Queue
}

// New constructs a Registry backed by zone for synthesized records.
func New(st *store.Store, zone *Zone, log logr.Logger) *Registry {
	r := &Registry{store: st, dns: zone, log: log.WithName("service-registry")}
	r.queue = controller.NewQueue("service-registry", r.log, r.reconcile)
	return r
}

// Start bridges the Service and Pod watches and runs workers until ctx
// is cancelled.
func (r *Registry) Start(ctx context.Context, workers int) error {
	if err := controller.BridgeWatch(ctx, r.store, core.KindService, "", r.queue); err != nil {
		return fmt.Errorf("watching services: %w", err)
	}
	if err := controller.BridgeWatch(ctx, r.store, core.KindPod, "", r.podTrigger()); err != nil {
		return fmt.Errorf("watching pods: %w", err)
	}
	r.queue.Run(ctx, workers)
	return nil
}

// podTrigger recomputes every Service in the Pod's namespace whenever
// a Pod's phase or labels change. The in-memory store has no cheap
// reverse index from Pod to matching Services, so this re-evaluates
// all Services in-namespace; acceptable at this control plane's scale.
func (r *Registry) podTrigger() *controller.Queue {
	return controller.NewQueue("service-registry-pod-trigger", r.log, func(ctx context.Context, key controller.Key) error {
		svcs, err := r.store.List(core.KindService, key.Namespace, nil)
		if err != nil {
			return &controller.Transient{Err: err}
		}
		for _, o := range svcs {
			m := o.GetObjectMeta()
			r.queue.Add(controller.Key{Namespace: m.Namespace, Name: m.Name})
		}
		return nil
	})
}

func (r *Registry) reconcile(ctx context.Context, key controller.Key) error {
	obj, err := r.store.Get(core.KindService, key.Namespace, key.Name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			r.dns.RemoveService(key.Namespace, key.Name)
			return r.store.Delete(core.KindEndpoints, key.Namespace, key.Name)
		}
		return &controller.Transient{Err: err}
	}
	svc := obj.(*core.Service)
	if svc.IsTerminating() {
		return nil
	}

	if svc.Spec.Type == core.ServiceExternalName {
		r.dns.SetCNAME(svc.Namespace, svc.Name, svc.Spec.ExternalName)
		return nil
	}

	if svc.Spec.ClusterIP == "" {
		// Assigned once at creation and immutable thereafter (the guard
		// above makes re-runs of this reconcile no-ops for it).
		ip := allocateClusterIP(svc.Namespace, svc.Name)
		if err := r.store.Patch(core.KindService, svc.Namespace, svc.Name, func(o store.Object) error {
			s := o.(*core.Service)
			if s.Spec.ClusterIP == "" {
				s.Spec.ClusterIP = ip
			}
			return nil
		}); err != nil {
			return &controller.Transient{Err: err}
		}
		svc.Spec.ClusterIP = ip
	}

	addrs, err := r.deriveEndpoints(svc)
	if err != nil {
		return &controller.Transient{Err: err}
	}

	if err := r.writeEndpoints(svc, addrs); err != nil {
		return &controller.Transient{Err: err}
	}

	r.dns.SetService(svc, addrs)
	return nil
}

// deriveEndpoints recomputes the address set for svc from the Pods its
// selector currently matches.
func (r *Registry) deriveEndpoints(svc *core.Service) ([]core.EndpointAddress, error) {
	sel, err := svc.Spec.Selector.ToSelector()
	if err != nil {
		return nil, err
	}
	podObjs, err := r.store.List(core.KindPod, svc.Namespace, sel)
	if err != nil {
		return nil, err
	}

	var addrs []core.EndpointAddress
	for _, o := range podObjs {
		pod := o.(*core.Pod)
		if pod.Status.PodIP == "" {
			continue
		}
		// A Succeeded/Failed pod keeps its last PodIP in status, but an
		// exited workload must never appear in a Service's address set.
		if !pod.Status.Phase.Active() {
			continue
		}
		ready := pod.Status.Phase == core.PodRunning
		for _, p := range svc.Spec.Ports {
			port, portName, ok := resolveTargetPort(p, pod)
			if !ok {
				continue
			}
			addrs = append(addrs, core.EndpointAddress{
				PodUID:      pod.UID,
				IP:          pod.Status.PodIP,
				Port:        port,
				PortName:    portName,
				Ready:       ready,
				Serving:     ready,
				Terminating: pod.IsTerminating(),
			})
		}
	}
	return addrs, nil
}

// resolveTargetPort maps a ServicePort onto the concrete container port
// for pod: an integer target_port is used directly, a named one is
// looked up among the pod's containers.
func resolveTargetPort(sp core.ServicePort, pod *core.Pod) (port int32, name string, ok bool) {
	if sp.TargetPort.StrValue == "" {
		return sp.TargetPort.IntValue, sp.Name, true
	}
	for _, c := range pod.Spec.Containers {
		for _, cp := range c.Ports {
			if cp.Name == sp.TargetPort.StrValue {
				return cp.ContainerPort, sp.Name, true
			}
		}
	}
	return 0, "", false
}

// allocateClusterIP derives a stable virtual IP in the 10.96.0.0/16
// service CIDR from the Service's identity; a hash collision between
// two Services is tolerable for this in-process plane since nothing
// routes on the address itself; the proxy layer consuming route
// decisions lives outside this process.
func allocateClusterIP(namespace, name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(namespace + "/" + name))
	sum := h.Sum32()
	return fmt.Sprintf("10.96.%d.%d", (sum>>8)&0xff, max1(sum&0xff))
}

// max1 keeps the host octet out of the .0 network address.
func max1(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return v
}

func (r *Registry) writeEndpoints(svc *core.Service, addrs []core.EndpointAddress) error {
	existing, err := r.store.Get(core.KindEndpoints, svc.Namespace, svc.Name)
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return err
		}
		return r.store.Create(&core.Endpoints{
			ObjectMeta: core.ObjectMeta{Name: svc.Name, Namespace: svc.Namespace},
			Addresses:  addrs,
		})
	}
	ep := existing.(*core.Endpoints)
	return r.store.Patch(core.KindEndpoints, ep.Namespace, ep.Name, func(o store.Object) error {
		e := o.(*core.Endpoints)
		e.Addresses = addrs
		return nil
	})
}
