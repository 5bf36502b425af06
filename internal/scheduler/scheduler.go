// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/store"
	"github.com/infralink/control-plane/pkg/apierrors"
)

// maxBindRetries bounds the bind conflict-retry loop.
const maxBindRetries = 3

// Scheduler binds unscheduled Pods to Nodes and expands Deployments into
// Pods.
type Scheduler struct {
	store     *store.Store
	log       logr.Logger
	recorder  *events.Recorder
	podQueue  *controller.Queue
	unsched   *UnschedulableSet
}

// New constructs a Scheduler. Call Start to begin processing.
func New(st *store.Store, log logr.Logger, recorder *events.Recorder) *Scheduler {
	s := &Scheduler{
		store:    st,
		log:      log.WithName("scheduler"),
		recorder: recorder,
		unsched:  NewUnschedulableSet(),
	}
	s.podQueue = controller.NewQueue("pod-scheduler", s.log, s.reconcilePod)
	return s
}

// Unschedulable exposes the set of pods the Cluster Autoscaler should
// consider for scale-up.
func (s *Scheduler) Unschedulable() *UnschedulableSet { return s.unsched }

// Start wires the Pod watch into the internal queue and runs workers
// until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context, workers int) error {
	if err := controller.BridgeWatch(ctx, s.store, core.KindPod, "", s.podQueue); err != nil {
		return fmt.Errorf("watching pods: %w", err)
	}
	s.podQueue.Run(ctx, workers)
	return nil
}

// Enqueue allows other components (e.g. the Cluster Autoscaler, after a
// new Node registers) to request an immediate re-evaluation of a pod.
func (s *Scheduler) Enqueue(namespace, name string) {
	s.podQueue.Add(controller.Key{Namespace: namespace, Name: name})
}

func (s *Scheduler) reconcilePod(ctx context.Context, key controller.Key) error {
	obj, err := s.store.Get(core.KindPod, key.Namespace, key.Name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			s.unsched.Remove(key.Namespace, key.Name)
			return nil
		}
		return &controller.Transient{Err: err}
	}
	pod := obj.(*core.Pod)

	if pod.IsTerminating() || pod.Spec.NodeName != "" {
		s.unsched.Remove(key.Namespace, key.Name)
		return nil
	}
	if pod.Status.Phase != "" && pod.Status.Phase != core.PodPending {
		return nil
	}

	snap, err := s.snapshot()
	if err != nil {
		return &controller.Transient{Err: err}
	}

	candidates := FilterNodes(pod, snap)
	if len(candidates) == 0 {
		s.unsched.Add(key.Namespace, key.Name)
		return s.markUnschedulable(pod)
	}

	ranked := ScoreNodes(pod, candidates, snap)
	target := ranked[0]

	if err := s.bind(pod, target); err != nil {
		return &controller.Transient{Err: err}
	}

	s.unsched.Remove(key.Namespace, key.Name)
	s.recorder.Eventf(pod, core.EventNormal, "Scheduled", "Successfully assigned %s/%s to %s", pod.Namespace, pod.Name, target.Name)
	return nil
}

func (s *Scheduler) snapshot() (Snapshot, error) {
	nodeObjs, err := s.store.List(core.KindNode, "", nil)
	if err != nil {
		return Snapshot{}, err
	}
	podObjs, err := s.store.List(core.KindPod, "", nil)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{}
	for _, o := range nodeObjs {
		snap.Nodes = append(snap.Nodes, o.(*core.Node))
	}
	for _, o := range podObjs {
		p := o.(*core.Pod)
		if p.IsTerminating() {
			continue
		}
		snap.Pods = append(snap.Pods, p)
	}
	return snap, nil
}

func (s *Scheduler) markUnschedulable(pod *core.Pod) error {
	return s.store.Patch(core.KindPod, pod.Namespace, pod.Name, func(o store.Object) error {
		p := o.(*core.Pod)
		p.Status.SetCondition(core.PodCondition{
			Type:               core.PodUnschedulable,
			Status:             core.ConditionTrue,
			Reason:             "Unschedulable",
			Message:            "no node satisfies the pod's filter constraints",
			LastTransitionTime: time.Now(),
		})
		return nil
	})
}

// bind atomically assigns pod to node: it first reserves capacity on the
// Node (optimistic-concurrency retry up to maxBindRetries), then
// patches the Pod's spec.node_name. A runtime start
// failure after this point is handled by the Pod's own status
// reconciliation, not retried here.
func (s *Scheduler) bind(pod *core.Pod, node *core.Node) error {
	required := pod.RequestsTotal()

	var lastErr error
	for attempt := 0; attempt < maxBindRetries; attempt++ {
		obj, err := s.store.Get(core.KindNode, "", node.Name)
		if err != nil {
			return err
		}
		n := obj.(*core.Node)

		if !n.Free().Fits(required) {
			return fmt.Errorf("node %s no longer fits pod %s/%s", n.Name, pod.Namespace, pod.Name)
		}
		n.Status.Allocated = n.Status.Allocated.Add(required)

		err = s.store.Update(n, n.ResourceVersion)
		if err == nil {
			lastErr = nil
			break
		}
		if !apierrors.IsConflict(err) {
			return err
		}
		lastErr = err
	}
	if lastErr != nil {
		return lastErr
	}

	return s.store.Patch(core.KindPod, pod.Namespace, pod.Name, func(o store.Object) error {
		p := o.(*core.Pod)
		p.Spec.NodeName = node.Name
		p.Status.SetCondition(core.PodCondition{
			Type:               core.PodScheduled,
			Status:             core.ConditionTrue,
			LastTransitionTime: time.Now(),
		})
		return nil
	})
}
