// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/store"
	"github.com/infralink/control-plane/pkg/apierrors"
)

// DeploymentController materializes Deployments into Pods and converges
// the live Pod count on the target replica count. Pods created from an
// earlier template are not replaced when the template changes.
type DeploymentController struct {
	store    *store.Store
	log      logr.Logger
	recorder *events.Recorder
	queue    *controller.Queue
}

// NewDeploymentController constructs a DeploymentController.
func NewDeploymentController(st *store.Store, log logr.Logger, recorder *events.Recorder) *DeploymentController {
	d := &DeploymentController{store: st, log: log.WithName("deployment-controller"), recorder: recorder}
	d.queue = controller.NewQueue("deployment-controller", d.log, d.reconcile)
	return d
}

// Start wires the Deployment and Pod watches and runs workers until ctx
// is cancelled.
func (d *DeploymentController) Start(ctx context.Context, workers int) error {
	if err := controller.BridgeWatch(ctx, d.store, core.KindDeployment, "", d.queue); err != nil {
		return fmt.Errorf("watching deployments: %w", err)
	}
	if err := controller.BridgeWatch(ctx, d.store, core.KindPod, "", d.podTrigger()); err != nil {
		return fmt.Errorf("watching pods: %w", err)
	}
	d.queue.Run(ctx, workers)
	return nil
}

// podTrigger re-enqueues the owning Deployment whenever one of its Pods
// changes, so replica-count convergence reacts to pod deletions/failures
// without waiting for the next periodic resync.
func (d *DeploymentController) podTrigger() *controller.Queue {
	return controller.NewQueue("deployment-controller-pod-trigger", d.log, func(ctx context.Context, key controller.Key) error {
		obj, err := d.store.Get(core.KindPod, key.Namespace, key.Name)
		if err != nil {
			return nil
		}
		pod := obj.(*core.Pod)
		for _, ref := range pod.OwnerReferences {
			if ref.Kind == core.KindDeployment && ref.Controller {
				d.queue.Add(controller.Key{Namespace: key.Namespace, Name: ref.Name})
			}
		}
		return nil
	})
}

func (d *DeploymentController) reconcile(ctx context.Context, key controller.Key) error {
	obj, err := d.store.Get(core.KindDeployment, key.Namespace, key.Name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return &controller.Transient{Err: err}
	}
	dep := obj.(*core.Deployment)
	if dep.IsTerminating() {
		return nil
	}

	sel, err := dep.Spec.Selector.ToSelector()
	if err != nil {
		// Invalid spec detected at apply time: surface it on the object
		// and stop requeueing until the generation advances.
		_ = d.store.Patch(core.KindDeployment, dep.Namespace, dep.Name, func(o store.Object) error {
			cur := o.(*core.Deployment)
			cur.Status.Conditions = upsertCondition(cur.Status.Conditions, core.DeploymentCondition{
				Type: core.DeploymentReconcileFailed, Status: core.ConditionTrue,
				Reason: "InvalidSelector", Message: err.Error(),
			})
			return nil
		})
		return &controller.Permanent{Err: err}
	}

	podObjs, err := d.store.List(core.KindPod, dep.Namespace, sel)
	if err != nil {
		return &controller.Transient{Err: err}
	}

	var live []*core.Pod
	for _, o := range podObjs {
		p := o.(*core.Pod)
		if !ownedBy(p, dep.UID) {
			continue
		}
		if p.IsTerminating() || !p.Status.Phase.Active() {
			continue
		}
		live = append(live, p)
	}

	target := dep.TargetReplicas()
	maxSurge, maxUnavailable := rolloutBounds(dep, target)

	switch {
	case int32(len(live)) < target:
		if err := d.scaleUp(dep, live, target, maxSurge); err != nil {
			return &controller.Transient{Err: err}
		}
	case int32(len(live)) > target:
		if err := d.scaleDown(dep, live, target, maxUnavailable); err != nil {
			return &controller.Transient{Err: err}
		}
	}

	if int32(len(live)) != target {
		// Re-read after scaling so status counts the pods that exist now.
		podObjs, err = d.store.List(core.KindPod, dep.Namespace, sel)
		if err != nil {
			return &controller.Transient{Err: err}
		}
		live = nil
		for _, o := range podObjs {
			p := o.(*core.Pod)
			if ownedBy(p, dep.UID) && !p.IsTerminating() && p.Status.Phase.Active() {
				live = append(live, p)
			}
		}
	}

	return d.updateStatus(dep, live)
}

func upsertCondition(conds []core.DeploymentCondition, c core.DeploymentCondition) []core.DeploymentCondition {
	for i := range conds {
		if conds[i].Type == c.Type {
			conds[i] = c
			return conds
		}
	}
	return append(conds, c)
}

// rolloutBounds resolves maxSurge/maxUnavailable against the current
// target replica count.
func rolloutBounds(dep *core.Deployment, target int32) (surge, unavailable int32) {
	if dep.Spec.Strategy.Type == core.StrategyRecreate || dep.Spec.Strategy.RollingUpdate == nil {
		return 0, target
	}
	ru := dep.Spec.Strategy.RollingUpdate
	surge = ru.MaxSurge.Resolve(target)
	unavailable = ru.MaxUnavailable.Resolve(target)
	if unavailable < 0 {
		unavailable = 0
	}
	return surge, unavailable
}

func (d *DeploymentController) scaleUp(dep *core.Deployment, live []*core.Pod, target, maxSurge int32) error {
	allowed := target + maxSurge - int32(len(live))
	deficit := target - int32(len(live))
	if allowed < deficit {
		deficit = allowed
	}
	recs := d.initialRecommendations(dep)
	for i := int32(0); i < deficit; i++ {
		pod := podFromTemplate(dep)
		applyRecommendedRequests(pod, recs)
		if err := d.store.Create(pod); err != nil {
			return err
		}
		d.recorder.Eventf(dep, core.EventNormal, "ScalingReplicaSet", "created pod %s", pod.Name)
	}
	return nil
}

// initialRecommendations finds a VPA targeting dep whose update mode
// applies at pod creation (anything but Off) and returns its current
// per-container recommendations.
func (d *DeploymentController) initialRecommendations(dep *core.Deployment) map[string]core.ResourceList {
	objs, err := d.store.List(core.KindVerticalPodAutoscaler, dep.Namespace, nil)
	if err != nil {
		return nil
	}
	for _, o := range objs {
		v := o.(*core.VerticalPodAutoscaler)
		if v.Spec.TargetRef.Kind != core.KindDeployment || v.Spec.TargetRef.Name != dep.Name {
			continue
		}
		if v.Spec.UpdateMode == core.VPAUpdateOff || len(v.Status.Recommendation) == 0 {
			continue
		}
		out := make(map[string]core.ResourceList, len(v.Status.Recommendation))
		for _, r := range v.Status.Recommendation {
			out[r.ContainerName] = r.Target
		}
		return out
	}
	return nil
}

// applyRecommendedRequests overwrites the template's requests with the
// VPA's current target for each recommended container.
func applyRecommendedRequests(pod *core.Pod, recs map[string]core.ResourceList) {
	if len(recs) == 0 {
		return
	}
	for i := range pod.Spec.Containers {
		c := &pod.Spec.Containers[i]
		target, ok := recs[c.Name]
		if !ok {
			continue
		}
		// Replace rather than mutate: the template's request map is
		// shared with the deployment snapshot.
		merged := make(core.ResourceList, len(c.Resources.Requests)+len(target))
		for name, q := range c.Resources.Requests {
			merged[name] = q.DeepCopy()
		}
		for name, q := range target {
			merged[name] = q.DeepCopy()
		}
		c.Resources.Requests = merged
	}
}

func (d *DeploymentController) scaleDown(dep *core.Deployment, live []*core.Pod, target, maxUnavailable int32) error {
	excess := int32(len(live)) - target
	// Prefer Pending over Running, newest first within phase.
	sort.Slice(live, func(i, j int) bool {
		pi, pj := live[i], live[j]
		if (pi.Status.Phase == core.PodPending) != (pj.Status.Phase == core.PodPending) {
			return pi.Status.Phase == core.PodPending
		}
		return pi.CreationTimestamp.After(pj.CreationTimestamp)
	})

	unavailableBudget := maxUnavailable
	for i := int32(0); i < excess; i++ {
		if unavailableBudget <= 0 && i > 0 {
			break
		}
		pod := live[i]
		if err := d.store.Delete(core.KindPod, pod.Namespace, pod.Name); err != nil {
			return err
		}
		unavailableBudget--
		d.recorder.Eventf(dep, core.EventNormal, "ScalingReplicaSet", "deleted pod %s", pod.Name)
	}
	return nil
}

func (d *DeploymentController) updateStatus(dep *core.Deployment, live []*core.Pod) error {
	var ready, available int32
	for _, p := range live {
		if p.Status.Phase == core.PodRunning {
			ready++
			available++
		}
	}
	return d.store.Patch(core.KindDeployment, dep.Namespace, dep.Name, func(o store.Object) error {
		cur := o.(*core.Deployment)
		cur.Status.Replicas = int32(len(live))
		cur.Status.ReadyReplicas = ready
		cur.Status.AvailableReplicas = available
		cur.Status.UpdatedReplicas = int32(len(live))
		return nil
	})
}

func podFromTemplate(dep *core.Deployment) *core.Pod {
	labels := make(map[string]string, len(dep.Spec.Template.Labels))
	for k, v := range dep.Spec.Template.Labels {
		labels[k] = v
	}
	return &core.Pod{
		ObjectMeta: core.ObjectMeta{
			Name:        generatePodName(dep.Name),
			Namespace:   dep.Namespace,
			Labels:      labels,
			Annotations: dep.Spec.Template.Annotations,
			OwnerReferences: []core.OwnerReference{{
				Kind:       core.KindDeployment,
				Name:       dep.Name,
				UID:        dep.UID,
				Controller: true,
			}},
		},
		Spec: dep.Spec.Template.Spec,
		Status: core.PodStatus{
			Phase: core.PodPending,
		},
	}
}

var podNameSeq uint64

func generatePodName(deploymentName string) string {
	seq := atomic.AddUint64(&podNameSeq, 1)
	return fmt.Sprintf("%s-%x", deploymentName, seq)
}

func ownedBy(pod *core.Pod, uid types.UID) bool {
	for _, ref := range pod.OwnerReferences {
		if ref.Controller && ref.UID == uid {
			return true
		}
	}
	return false
}
