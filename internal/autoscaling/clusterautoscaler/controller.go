// SPDX-License-Identifier: Apache-2.0

// Package clusterautoscaler implements the Cluster Autoscaler: it
// grows NodeGroups to satisfy unschedulable pods and shrinks them when
// nodes sit underutilized.
package clusterautoscaler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/scheduler"
	"github.com/infralink/control-plane/internal/store"
)

// DefaultTickInterval is the loop period; one scaling operation is
// allowed per tick.
const DefaultTickInterval = 10 * time.Second

// UnderutilizedThreshold is the node.status.allocated/allocatable
// fraction below which a node becomes scale-down eligible.
const UnderutilizedThreshold = 0.30

// SustainedWindow is how long a node must stay under threshold before
// it is considered for removal.
const SustainedWindow = 10 * time.Minute

// Controller runs the scale-up/scale-down ticks.
type Controller struct {
	store        *store.Store
	sched        *scheduler.Scheduler
	log          logr.Logger
	recorder     *events.Recorder
	tickInterval time.Duration

	underutilizedSince map[string]time.Time
}

// New constructs a Controller. sched supplies the unschedulable-pods
// signal and the pure filter function used by the scale-down
// simulation.
func New(st *store.Store, sched *scheduler.Scheduler, log logr.Logger, recorder *events.Recorder) *Controller {
	return &Controller{
		store:              st,
		sched:              sched,
		log:                log.WithName("cluster-autoscaler"),
		recorder:           recorder,
		tickInterval:       DefaultTickInterval,
		underutilizedSince: make(map[string]time.Time),
	}
}

// Start runs the tick loop until ctx is cancelled, alongside a Node
// watch that reacts to freshly registered machines.
func (c *Controller) Start(ctx context.Context) {
	go c.watchNodeRegistrations(ctx)

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// watchNodeRegistrations completes the scale-up handshake:
// when a Node appears, its group's pending activity is marked
// Successful and every shelved unschedulable pod is re-enqueued so the
// Scheduler re-runs its filter against the enlarged cluster.
func (c *Controller) watchNodeRegistrations(ctx context.Context) {
	w, err := c.store.Watch(core.KindNode, "", "")
	if err != nil {
		c.log.Error(err, "watching nodes")
		return
	}
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-w.ResultChan():
			if !ok {
				return
			}
			if e.Type != store.EventAdded {
				continue
			}
			c.onNodeRegistered(e.Object.(*core.Node))
		}
	}
}

func (c *Controller) onNodeRegistered(n *core.Node) {
	if n.Spec.NodeGroupName != "" {
		_ = c.store.Patch(core.KindNodeGroup, "", n.Spec.NodeGroupName, func(o store.Object) error {
			g := o.(*core.NodeGroup)
			g.Status.CurrentSize++
			for i := range g.Status.Activities {
				a := &g.Status.Activities[i]
				if a.Phase == core.ActivityInProgress {
					now := time.Now()
					a.Phase = core.ActivitySuccessful
					a.CompletedAt = &now
					break
				}
			}
			return nil
		})
	}

	for _, key := range c.sched.Unschedulable().List() {
		c.sched.Enqueue(key.Namespace, key.Name)
	}
}

// tick performs at most one scale-up or one scale-down operation, so
// consecutive ticks cannot oscillate a group. Scale-up is tried first
// since unmet pod demand is the more urgent signal.
func (c *Controller) tick() {
	if c.tryScaleUp() {
		return
	}
	c.tryScaleDown()
}

func (c *Controller) tryScaleUp() bool {
	pending := c.sched.Unschedulable().List()
	if len(pending) == 0 {
		return false
	}

	groups, err := c.listNodeGroups()
	if err != nil {
		c.log.Error(err, "listing node groups")
		return false
	}

	for _, key := range pending {
		obj, err := c.store.Get(core.KindPod, key.Namespace, key.Name)
		if err != nil {
			continue
		}
		pod := obj.(*core.Pod)

		group := c.findFittingGroup(pod, groups)
		if group == nil {
			continue
		}
		if group.Status.CurrentSize >= group.Spec.MaxSize {
			continue
		}

		if err := c.store.Patch(core.KindNodeGroup, group.Namespace, group.Name, func(o store.Object) error {
			g := o.(*core.NodeGroup)
			if g.Spec.DesiredCapacity >= g.Spec.MaxSize {
				return fmt.Errorf("node group %s already at max size", g.Name)
			}
			g.Spec.DesiredCapacity++
			g.Status.Activities = append(g.Status.Activities, core.ClusterScalingActivity{
				StartedAt: time.Now(),
				Reason:    fmt.Sprintf("scale-up for unschedulable pod %s/%s", pod.Namespace, pod.Name),
				Phase:     core.ActivityInProgress,
			})
			return nil
		}); err != nil {
			c.log.Error(err, "scaling up node group", "group", group.Name)
			continue
		}

		c.recorder.Eventf(group, core.EventNormal, "ScaledUpGroup", "increased desired capacity to satisfy pod %s/%s", pod.Namespace, pod.Name)
		return true
	}
	return false
}

// findFittingGroup picks the first NodeGroup whose template capacity
// could satisfy pod's requests.
func (c *Controller) findFittingGroup(pod *core.Pod, groups []*core.NodeGroup) *core.NodeGroup {
	req := pod.RequestsTotal()
	for _, g := range groups {
		if !g.Spec.AutoScalingEnabled {
			continue
		}
		if g.Spec.NodeCapacity.Fits(req) {
			return g
		}
	}
	return nil
}

func (c *Controller) listNodeGroups() ([]*core.NodeGroup, error) {
	objs, err := c.store.List(core.KindNodeGroup, "", nil)
	if err != nil {
		return nil, err
	}
	out := make([]*core.NodeGroup, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.(*core.NodeGroup))
	}
	return out, nil
}

// tryScaleDown finds one eligible node and removes it.
func (c *Controller) tryScaleDown() bool {
	nodeObjs, err := c.store.List(core.KindNode, "", nil)
	if err != nil {
		c.log.Error(err, "listing nodes")
		return false
	}
	podObjs, err := c.store.List(core.KindPod, "", nil)
	if err != nil {
		c.log.Error(err, "listing pods")
		return false
	}

	var nodes []*core.Node
	live := map[string]bool{}
	for _, o := range nodeObjs {
		n := o.(*core.Node)
		nodes = append(nodes, n)
		live[n.Name] = true
	}
	var pods []*core.Pod
	for _, o := range podObjs {
		pods = append(pods, o.(*core.Pod))
	}

	for k := range c.underutilizedSince {
		if !live[k] {
			delete(c.underutilizedSince, k)
		}
	}

	now := time.Now()
	for _, n := range nodes {
		util := utilization(n)
		if util >= UnderutilizedThreshold {
			delete(c.underutilizedSince, n.Name)
			continue
		}
		since, tracked := c.underutilizedSince[n.Name]
		if !tracked {
			c.underutilizedSince[n.Name] = now
			continue
		}
		if now.Sub(since) < SustainedWindow {
			continue
		}

		if c.hasLocalStorageClaim(n, pods) {
			continue
		}
		if !c.podsRelocatable(n, nodes, pods) {
			continue
		}

		c.removeNode(n)
		delete(c.underutilizedSince, n.Name)
		return true
	}
	return false
}

func utilization(n *core.Node) float64 {
	var used, total float64
	for name, alloc := range n.Status.Allocatable {
		if alloc.IsZero() {
			continue
		}
		allocated := n.Status.Allocated[name]
		used += allocated.AsApproximateFloat64()
		total += alloc.AsApproximateFloat64()
	}
	if total == 0 {
		return 1
	}
	return used / total
}

// hasLocalStorageClaim reports whether any pod on n references a Local
// PersistentVolume, which cannot be relocated.
func (c *Controller) hasLocalStorageClaim(n *core.Node, pods []*core.Pod) bool {
	for _, p := range pods {
		if p.Spec.NodeName != n.Name {
			continue
		}
		for _, v := range p.Spec.Volumes {
			if v.PersistentVolumeClaim == nil {
				continue
			}
			pvcObj, err := c.store.Get(core.KindPersistentVolumeClaim, p.Namespace, *v.PersistentVolumeClaim)
			if err != nil {
				continue
			}
			pvc := pvcObj.(*core.PersistentVolumeClaim)
			if pvc.Spec.VolumeName == "" {
				continue
			}
			pvObj, err := c.store.Get(core.KindPersistentVolume, "", pvc.Spec.VolumeName)
			if err != nil {
				continue
			}
			pv := pvObj.(*core.PersistentVolume)
			if pv.Spec.VolumeSource.Kind == core.VolumeSourceLocal {
				return true
			}
		}
	}
	return false
}

// podsRelocatable re-runs the Scheduler's pure filter function for
// every pod on n against the remaining nodes, with no side effects.
func (c *Controller) podsRelocatable(n *core.Node, all []*core.Node, pods []*core.Pod) bool {
	var remaining []*core.Node
	for _, other := range all {
		if other.Name != n.Name {
			remaining = append(remaining, other)
		}
	}

	var onNode []*core.Pod
	for _, p := range pods {
		if p.Spec.NodeName == n.Name {
			onNode = append(onNode, p)
		}
	}

	snap := scheduler.Snapshot{Nodes: remaining, Pods: pods}
	for _, p := range onNode {
		simulated := *p
		simulated.Spec.NodeName = ""
		if len(scheduler.FilterNodes(&simulated, snap)) == 0 {
			return false
		}
	}
	return true
}

// removeNode cordons the node, drains its pods, and decrements the
// owning NodeGroup's desired capacity. Draining triggers deletion; the
// actual provider-level machine termination is left to whatever
// reconciles NodeGroup desired_capacity against the cloud.
func (c *Controller) removeNode(n *core.Node) {
	_ = c.store.Patch(core.KindNode, n.Namespace, n.Name, func(o store.Object) error {
		nn := o.(*core.Node)
		nn.Spec.Unschedulable = true
		return nil
	})

	podObjs, err := c.store.List(core.KindPod, "", nil)
	if err == nil {
		for _, o := range podObjs {
			p := o.(*core.Pod)
			if p.Spec.NodeName == n.Name {
				_ = c.store.Delete(core.KindPod, p.Namespace, p.Name)
			}
		}
	}

	if n.Spec.NodeGroupName != "" {
		_ = c.store.Patch(core.KindNodeGroup, "", n.Spec.NodeGroupName, func(o store.Object) error {
			g := o.(*core.NodeGroup)
			if g.Spec.DesiredCapacity > g.Spec.MinSize {
				g.Spec.DesiredCapacity--
			}
			return nil
		})
	}

	_ = c.store.Delete(core.KindNode, n.Namespace, n.Name)
	c.recorder.Eventf(n, core.EventNormal, "ScaledDownNode", "removed underutilized node %s", n.Name)
}
