// SPDX-License-Identifier: Apache-2.0

// Package kubelet drives a Pod already bound to a Node by calling the
// Runtime interface: one reconcile per object key, resolving the
// declared spec against the capability interface and writing the
// observed result back to status.
package kubelet

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/runtime"
	"github.com/infralink/control-plane/internal/store"
	"github.com/infralink/control-plane/pkg/apierrors"
)

// cleanupFinalizer blocks Pod removal until this controller has stopped
// and removed every container it started.
const cleanupFinalizer = "control-plane/kubelet-cleanup"

// resyncPeriod is how often a Running pod's container state is polled
// against the Runtime between watch-driven reconciles.
const resyncPeriod = 10 * time.Second

// Kubelet watches Pods bound to a Node and starts/monitors/tears down
// their containers through a Runtime.
type Kubelet struct {
	store    *store.Store
	runtime  runtime.Runtime
	log      logr.Logger
	recorder *events.Recorder
	queue    *controller.Queue
}

// New constructs a Kubelet. Call Start to begin processing.
func New(st *store.Store, rt runtime.Runtime, log logr.Logger, recorder *events.Recorder) *Kubelet {
	k := &Kubelet{store: st, runtime: rt, log: log.WithName("kubelet"), recorder: recorder}
	k.queue = controller.NewQueue("kubelet", k.log, k.reconcile)
	return k
}

// Start wires the Pod watch into the internal queue and runs workers
// until ctx is cancelled.
func (k *Kubelet) Start(ctx context.Context, workers int) error {
	if err := controller.BridgeWatch(ctx, k.store, core.KindPod, "", k.queue); err != nil {
		return fmt.Errorf("watching pods: %w", err)
	}
	k.queue.Run(ctx, workers)
	return nil
}

func (k *Kubelet) reconcile(ctx context.Context, key controller.Key) error {
	obj, err := k.store.Get(core.KindPod, key.Namespace, key.Name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return &controller.Transient{Err: err}
	}
	pod := obj.(*core.Pod)

	if pod.IsTerminating() {
		return k.reconcileTerminating(ctx, pod)
	}
	if pod.Spec.NodeName == "" {
		return nil // not yet scheduled; nothing for this controller to do
	}
	if len(pod.Status.ContainerStatuses) == 0 && pod.Status.Phase != core.PodFailed {
		return k.admit(ctx, pod)
	}
	if pod.Status.Phase == core.PodRunning {
		return k.resync(ctx, pod)
	}
	return nil
}

// admit starts every container of a freshly-scheduled Pod for the first
// time, resolving env/volume references and assigning a Pod IP.
func (k *Kubelet) admit(ctx context.Context, pod *core.Pod) error {
	env, err := k.resolveEnv(pod.Namespace, pod.Spec.Containers)
	if err != nil {
		return k.fail(pod, "ResolveEnvFailed", err)
	}
	mounts, err := k.resolveMounts(pod)
	if err != nil {
		return k.fail(pod, "ResolveVolumesFailed", err)
	}

	statuses := make([]core.ContainerStatus, 0, len(pod.Spec.Containers))
	var errs *multierror.Error
	for _, c := range pod.Spec.Containers {
		id, err := k.runtime.CreateContainer(ctx, runtime.ContainerSpec{
			Name:      c.Name,
			Image:     c.Image,
			Command:   c.Command,
			Args:      c.Args,
			Env:       env[c.Name],
			Resources: resourceLimitsOf(c.Resources),
			Mounts:    mounts[c.Name],
			Ports:     portsOf(c.Ports),
		})
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("creating container %s: %w", c.Name, err))
			statuses = append(statuses, core.ContainerStatus{Name: c.Name, State: core.ContainerState{Waiting: &core.ContainerStateWaiting{Reason: "CreateContainerError"}}})
			continue
		}
		if err := k.runtime.StartContainer(ctx, id); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("starting container %s: %w", c.Name, err))
			statuses = append(statuses, core.ContainerStatus{Name: c.Name, ContainerID: id, State: core.ContainerState{Waiting: &core.ContainerStateWaiting{Reason: "StartContainerError"}}})
			continue
		}
		statuses = append(statuses, core.ContainerStatus{
			Name:        c.Name,
			ContainerID: id,
			Ready:       true,
			State:       core.ContainerState{Running: &core.ContainerStateRunning{StartedAt: time.Now()}},
		})
	}

	if errs.ErrorOrNil() != nil {
		// A runtime error starting a container sets the Pod Failed; the
		// Scheduler does not retry placement. Containers that did come
		// up are left running and torn down through the normal deletion
		// path.
		_ = k.store.Patch(core.KindPod, pod.Namespace, pod.Name, func(o store.Object) error {
			p := o.(*core.Pod)
			if !p.HasFinalizer(cleanupFinalizer) {
				p.Finalizers = append(p.Finalizers, cleanupFinalizer)
			}
			p.Status.Phase = core.PodFailed
			p.Status.Reason = "ContainerRuntimeError"
			p.Status.Message = errs.Error()
			p.Status.ContainerStatuses = statuses
			return nil
		})
		k.recorder.Eventf(pod, core.EventWarning, "Failed", "container runtime error: %s", errs.Error())
		return nil
	}

	if err := k.store.Patch(core.KindPod, pod.Namespace, pod.Name, func(o store.Object) error {
		p := o.(*core.Pod)
		if !p.HasFinalizer(cleanupFinalizer) {
			p.Finalizers = append(p.Finalizers, cleanupFinalizer)
		}
		p.Status.Phase = core.PodRunning
		p.Status.PodIP = allocateIP(string(p.UID))
		p.Status.ContainerStatuses = statuses
		p.Status.SetCondition(core.PodCondition{Type: core.PodInitialized, Status: core.ConditionTrue, LastTransitionTime: time.Now()})
		p.Status.SetCondition(core.PodCondition{Type: core.PodReady, Status: core.ConditionTrue, LastTransitionTime: time.Now()})
		return nil
	}); err != nil {
		return &controller.Transient{Err: err}
	}

	k.recorder.Eventf(pod, core.EventNormal, "Started", "started %d container(s) on node %s", len(statuses), pod.Spec.NodeName)
	k.queue.AddAfter(controller.Key{Namespace: pod.Namespace, Name: pod.Name}, resyncPeriod)
	return nil
}

// resync polls the Runtime for a Running Pod's containers, applying
// restart_policy when one has exited.
func (k *Kubelet) resync(ctx context.Context, pod *core.Pod) error {
	defer k.queue.AddAfter(controller.Key{Namespace: pod.Namespace, Name: pod.Name}, resyncPeriod)

	statuses := append([]core.ContainerStatus(nil), pod.Status.ContainerStatuses...)
	changed := false
	allExited, anyFailed := true, false

	for i := range statuses {
		if statuses[i].ContainerID == "" {
			allExited = false
			continue
		}
		info, err := k.runtime.InspectContainer(ctx, statuses[i].ContainerID)
		if err != nil {
			return &controller.Transient{Err: err}
		}
		switch info.State {
		case "running":
			allExited = false
			if !statuses[i].Ready {
				statuses[i].Ready = true
				changed = true
			}
		case "exited", "stopped":
			if statuses[i].Ready {
				statuses[i].Ready = false
				changed = true
			}
			if info.ExitCode != 0 {
				anyFailed = true
			}
			if statuses[i].State.Terminated == nil || statuses[i].State.Terminated.ExitCode != int32(info.ExitCode) {
				statuses[i].State = core.ContainerState{Terminated: &core.ContainerStateTerminated{ExitCode: int32(info.ExitCode), FinishedAt: time.Now()}}
				changed = true
			}
			if k.shouldRestart(pod, info.ExitCode) {
				if err := k.restartContainer(ctx, pod, &statuses[i]); err != nil {
					return &controller.Transient{Err: err}
				}
				changed = true
				allExited = false
			}
		default:
			allExited = false
		}
	}

	finalPhase := pod.Status.Phase
	if allExited {
		if anyFailed {
			finalPhase = core.PodFailed
		} else {
			finalPhase = core.PodSucceeded
		}
	}
	if finalPhase == pod.Status.Phase && !changed {
		return nil
	}

	return k.store.Patch(core.KindPod, pod.Namespace, pod.Name, func(o store.Object) error {
		p := o.(*core.Pod)
		p.Status.ContainerStatuses = statuses
		p.Status.Phase = finalPhase
		return nil
	})
}

func (k *Kubelet) shouldRestart(pod *core.Pod, exitCode int) bool {
	switch pod.Spec.RestartPolicy {
	case core.RestartAlways:
		return true
	case core.RestartOnFailure:
		return exitCode != 0
	default:
		return false
	}
}

func (k *Kubelet) restartContainer(ctx context.Context, pod *core.Pod, status *core.ContainerStatus) error {
	var spec *core.Container
	for i := range pod.Spec.Containers {
		if pod.Spec.Containers[i].Name == status.Name {
			spec = &pod.Spec.Containers[i]
			break
		}
	}
	if spec == nil {
		return nil
	}
	env, err := k.resolveEnv(pod.Namespace, []core.Container{*spec})
	if err != nil {
		return err
	}
	id, err := k.runtime.CreateContainer(ctx, runtime.ContainerSpec{
		Name:      spec.Name,
		Image:     spec.Image,
		Command:   spec.Command,
		Args:      spec.Args,
		Env:       env[spec.Name],
		Resources: resourceLimitsOf(spec.Resources),
		Ports:     portsOf(spec.Ports),
	})
	if err != nil {
		return err
	}
	if err := k.runtime.StartContainer(ctx, id); err != nil {
		return err
	}
	status.ContainerID = id
	status.Ready = true
	status.RestartCount++
	status.State = core.ContainerState{Running: &core.ContainerStateRunning{StartedAt: time.Now()}}
	return nil
}

// reconcileTerminating stops and removes every container the Pod owns,
// then drains this controller's finalizer so the Object Store can
// complete the delete.
func (k *Kubelet) reconcileTerminating(ctx context.Context, pod *core.Pod) error {
	if !pod.HasFinalizer(cleanupFinalizer) {
		return nil
	}

	var errs *multierror.Error
	for _, status := range pod.Status.ContainerStatuses {
		if status.ContainerID == "" {
			continue
		}
		if err := k.runtime.StopContainer(ctx, status.ContainerID, 30); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := k.runtime.RemoveContainer(ctx, status.ContainerID, true); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs.ErrorOrNil() != nil {
		return &controller.Transient{Err: errs}
	}

	if err := k.store.Patch(core.KindPod, pod.Namespace, pod.Name, func(o store.Object) error {
		o.GetObjectMeta().RemoveFinalizer(cleanupFinalizer)
		return nil
	}); err != nil {
		return &controller.Transient{Err: err}
	}
	if err := k.store.Delete(core.KindPod, pod.Namespace, pod.Name); err != nil && !apierrors.IsNotFound(err) {
		return &controller.Transient{Err: err}
	}
	return nil
}

func (k *Kubelet) fail(pod *core.Pod, reason string, cause error) error {
	err := k.store.Patch(core.KindPod, pod.Namespace, pod.Name, func(o store.Object) error {
		p := o.(*core.Pod)
		p.Status.Phase = core.PodFailed
		p.Status.Reason = reason
		p.Status.Message = cause.Error()
		return nil
	})
	k.recorder.Eventf(pod, core.EventWarning, reason, "%s", cause.Error())
	if err != nil {
		return &controller.Transient{Err: err}
	}
	// Invalid spec detected at apply time: do not requeue until the
	// object changes.
	return &controller.Permanent{Err: cause}
}

// resolveEnv materializes every container's Env into a flat name->value
// map, resolving ConfigMapKeyRef/SecretKeyRef against the Object Store.
func (k *Kubelet) resolveEnv(namespace string, containers []core.Container) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(containers))
	for _, c := range containers {
		vars := make(map[string]string, len(c.Env))
		for _, e := range c.Env {
			switch {
			case e.ValueFrom == nil:
				vars[e.Name] = e.Value
			case e.ValueFrom.ConfigMapKeyRef != nil:
				ref := e.ValueFrom.ConfigMapKeyRef
				obj, err := k.store.Get(core.KindConfigMap, namespace, ref.Name)
				if err != nil {
					return nil, fmt.Errorf("env %s: configMap %s: %w", e.Name, ref.Name, err)
				}
				cm := obj.(*core.ConfigMap)
				v, ok := cm.Data[ref.Key]
				if !ok {
					return nil, fmt.Errorf("env %s: configMap %s has no key %q", e.Name, ref.Name, ref.Key)
				}
				vars[e.Name] = v
			case e.ValueFrom.SecretKeyRef != nil:
				ref := e.ValueFrom.SecretKeyRef
				obj, err := k.store.Get(core.KindSecret, namespace, ref.Name)
				if err != nil {
					return nil, fmt.Errorf("env %s: secret %s: %w", e.Name, ref.Name, err)
				}
				sec := obj.(*core.Secret)
				v, ok := sec.Data[ref.Key]
				if !ok {
					return nil, fmt.Errorf("env %s: secret %s has no key %q", e.Name, ref.Name, ref.Key)
				}
				vars[e.Name] = string(v)
			}
		}
		out[c.Name] = vars
	}
	return out, nil
}

// resolveMounts resolves each container's VolumeMounts against the
// Pod's PersistentVolumeClaim-backed volumes, following the claim to
// its bound PersistentVolume to find a host path the Runtime can bind
// in. NFS/CloudDisk-backed volumes have no local path this core can
// hand to a container and are skipped (provider-specific mount logic
// belongs to the provider behind the Runtime interface, not here).
func (k *Kubelet) resolveMounts(pod *core.Pod) (map[string][]runtime.Mount, error) {
	paths := make(map[string]string, len(pod.Spec.Volumes))
	for _, v := range pod.Spec.Volumes {
		if v.PersistentVolumeClaim == nil {
			continue
		}
		obj, err := k.store.Get(core.KindPersistentVolumeClaim, pod.Namespace, *v.PersistentVolumeClaim)
		if err != nil {
			return nil, fmt.Errorf("volume %s: claim %s: %w", v.Name, *v.PersistentVolumeClaim, err)
		}
		pvc := obj.(*core.PersistentVolumeClaim)
		if pvc.Status.Phase != core.ClaimBound || pvc.Spec.VolumeName == "" {
			return nil, fmt.Errorf("volume %s: claim %s is not bound", v.Name, *v.PersistentVolumeClaim)
		}
		pvObj, err := k.store.Get(core.KindPersistentVolume, "", pvc.Spec.VolumeName)
		if err != nil {
			return nil, fmt.Errorf("volume %s: pv %s: %w", v.Name, pvc.Spec.VolumeName, err)
		}
		pv := pvObj.(*core.PersistentVolume)
		switch pv.Spec.VolumeSource.Kind {
		case core.VolumeSourceHostPath:
			paths[v.Name] = pv.Spec.VolumeSource.HostPath.Path
		case core.VolumeSourceLocal:
			paths[v.Name] = pv.Spec.VolumeSource.Local.Path
		default:
			continue
		}
	}

	out := make(map[string][]runtime.Mount, len(pod.Spec.Containers))
	for _, c := range pod.Spec.Containers {
		var mounts []runtime.Mount
		for _, vm := range c.VolumeMounts {
			hostPath, ok := paths[vm.Name]
			if !ok {
				continue
			}
			mounts = append(mounts, runtime.Mount{HostPath: hostPath, ContainerPath: vm.MountPath, ReadOnly: vm.ReadOnly})
		}
		out[c.Name] = mounts
	}
	return out, nil
}

func resourceLimitsOf(r core.ResourceRequirements) runtime.ResourceLimits {
	list := r.Limits
	if len(list) == 0 {
		list = r.Requests
	}
	var out runtime.ResourceLimits
	if cpu, ok := list[core.ResourceCPU]; ok {
		out.CPUNanos = quantityNanos(cpu)
	}
	if mem, ok := list[core.ResourceMemory]; ok {
		out.MemoryBytes = mem.Value()
	}
	return out
}

func quantityNanos(q resource.Quantity) int64 {
	return q.MilliValue() * 1_000_000
}

func portsOf(ports []core.ContainerPort) []runtime.PortMapping {
	out := make([]runtime.PortMapping, 0, len(ports))
	for _, p := range ports {
		out = append(out, runtime.PortMapping{ContainerPort: p.ContainerPort, Protocol: string(p.Protocol)})
	}
	return out
}

// allocateIP derives a deterministic address in the 10.244.0.0/16 pod
// CIDR from a Pod's UID, standing in for a real CNI IPAM allocator
// (network plugin integration is a runtime concern, not ours).
func allocateIP(uid string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uid))
	sum := h.Sum32()
	return fmt.Sprintf("10.244.%d.%d", (sum>>8)&0xff, sum&0xff)
}
