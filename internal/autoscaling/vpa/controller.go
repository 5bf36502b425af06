// SPDX-License-Identifier: Apache-2.0

package vpa

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/metrics"
	"github.com/infralink/control-plane/internal/store"
	"github.com/infralink/control-plane/pkg/apierrors"
)

// DefaultSyncInterval matches the HPA loop's cadence; nothing about
// the recommender needs a different one.
const DefaultSyncInterval = 15 * time.Second

// Controller runs the VPA reconcile loop.
type Controller struct {
	store        *store.Store
	metrics      metrics.Source
	recommender  *Recommender
	log          logr.Logger
	recorder     *events.Recorder
	syncInterval time.Duration
	queue        *controller.Queue
}

// New constructs a VPA Controller sharing metricsSource with the HPA
// controller (both read from the same Metrics Collector).
func New(st *store.Store, metricsSource metrics.Source, log logr.Logger, recorder *events.Recorder) *Controller {
	c := &Controller{
		store:        st,
		metrics:      metricsSource,
		recommender:  NewRecommender(),
		log:          log.WithName("vpa-controller"),
		recorder:     recorder,
		syncInterval: DefaultSyncInterval,
	}
	c.queue = controller.NewQueue("vpa-controller", c.log, c.reconcile)
	return c
}

// Start bridges the VPA watch, samples usage every tick, and runs
// workers until ctx is cancelled.
func (c *Controller) Start(ctx context.Context, workers int) error {
	if err := controller.BridgeWatch(ctx, c.store, core.KindVerticalPodAutoscaler, "", c.queue); err != nil {
		return fmt.Errorf("watching vpas: %w", err)
	}
	go c.resyncLoop(ctx)
	c.queue.Run(ctx, workers)
	return nil
}

func (c *Controller) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			objs, err := c.store.List(core.KindVerticalPodAutoscaler, "", nil)
			if err != nil {
				continue
			}
			for _, o := range objs {
				m := o.GetObjectMeta()
				c.queue.Add(controller.Key{Namespace: m.Namespace, Name: m.Name})
			}
		}
	}
}

func (c *Controller) reconcile(ctx context.Context, key controller.Key) error {
	obj, err := c.store.Get(core.KindVerticalPodAutoscaler, key.Namespace, key.Name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return &controller.Transient{Err: err}
	}
	v := obj.(*core.VerticalPodAutoscaler)
	if v.IsTerminating() {
		return nil
	}

	pods, err := c.targetPods(v)
	if err != nil {
		return &controller.Transient{Err: err}
	}

	c.sampleUsage(v, pods)

	recs := c.buildRecommendations(v, pods)
	if err := c.writeStatus(v, recs); err != nil {
		return &controller.Transient{Err: err}
	}

	switch v.Spec.UpdateMode {
	case core.VPAUpdateOff, core.VPAUpdateInitial:
		// Initial only applies at pod-creation time (the scheduler's
		// podFromTemplate path would consult VPA recommendations there);
		// nothing to do on this reconcile.
		return nil
	case core.VPAUpdateRecreation, core.VPAUpdateAuto:
		return c.recreateDrifted(v, pods, recs)
	default:
		return nil
	}
}

func (c *Controller) targetPods(v *core.VerticalPodAutoscaler) ([]*core.Pod, error) {
	switch v.Spec.TargetRef.Kind {
	case core.KindDeployment:
		obj, err := c.store.Get(core.KindDeployment, v.Namespace, v.Spec.TargetRef.Name)
		if err != nil {
			return nil, err
		}
		dep := obj.(*core.Deployment)
		sel, err := dep.Spec.Selector.ToSelector()
		if err != nil {
			return nil, err
		}
		podObjs, err := c.store.List(core.KindPod, v.Namespace, sel)
		if err != nil {
			return nil, err
		}
		out := make([]*core.Pod, 0, len(podObjs))
		for _, o := range podObjs {
			out = append(out, o.(*core.Pod))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported VPA target kind %s", v.Spec.TargetRef.Kind)
	}
}

func (c *Controller) sampleUsage(v *core.VerticalPodAutoscaler, pods []*core.Pod) {
	now := time.Now()
	for _, p := range pods {
		if !p.Status.Phase.Active() {
			continue
		}
		for _, container := range p.Spec.Containers {
			cpuUtil, cpuOK := c.metrics.GetPodResourceUtilization(p.Namespace, p.Name, core.ResourceCPU)
			memUtil, memOK := c.metrics.GetPodResourceUtilization(p.Namespace, p.Name, core.ResourceMemory)
			if !cpuOK && !memOK {
				continue
			}
			reqs := container.Resources.Requests
			cpuCores := 0.0
			if cpuOK {
				if cpuReq, ok := reqs[core.ResourceCPU]; ok {
					cpuCores = cpuReq.AsApproximateFloat64() * cpuUtil / 100
				}
			}
			memBytes := 0.0
			if memOK {
				if memReq, ok := reqs[core.ResourceMemory]; ok {
					memBytes = memReq.AsApproximateFloat64() * memUtil / 100
				}
			}
			c.recommender.RecordSample(v.Namespace, v.Name, container.Name, cpuCores, memBytes, now)
		}
	}
}

func (c *Controller) buildRecommendations(v *core.VerticalPodAutoscaler, pods []*core.Pod) []core.RecommendedContainerResources {
	names := containerNames(v, pods)
	recs := make([]core.RecommendedContainerResources, 0, len(names))
	for _, name := range names {
		policy := policyFor(v, name)
		rec, ok := c.recommender.Recommend(v.Namespace, v.Name, name, policy)
		if !ok {
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

func containerNames(v *core.VerticalPodAutoscaler, pods []*core.Pod) []string {
	seen := map[string]bool{}
	var names []string
	for _, p := range pods {
		for _, c := range p.Spec.Containers {
			if !seen[c.Name] {
				seen[c.Name] = true
				names = append(names, c.Name)
			}
		}
	}
	return names
}

func policyFor(v *core.VerticalPodAutoscaler, containerName string) *core.ContainerResourcePolicy {
	if v.Spec.ResourcePolicy == nil {
		return nil
	}
	for i := range v.Spec.ResourcePolicy.ContainerPolicies {
		p := &v.Spec.ResourcePolicy.ContainerPolicies[i]
		if p.ContainerName == containerName || p.ContainerName == "*" {
			return p
		}
	}
	return nil
}

func (c *Controller) writeStatus(v *core.VerticalPodAutoscaler, recs []core.RecommendedContainerResources) error {
	if oldHash, err := recommendationHash(v.Status.Recommendation); err == nil {
		if newHash, err := recommendationHash(recs); err == nil && oldHash == newHash {
			return nil // unchanged recommendation, skip the no-op status write
		}
	}
	return c.store.Patch(core.KindVerticalPodAutoscaler, v.Namespace, v.Name, func(o store.Object) error {
		vv := o.(*core.VerticalPodAutoscaler)
		vv.Status.Recommendation = recs
		return nil
	})
}

// recreateDrifted terminates pods whose current requests fall outside
// [LowerBound, UpperBound] for any container, so the Scheduler and
// Deployment controller recreate them with the updated requests.
// Availability is respected by recreating at most one pod per
// reconcile.
func (c *Controller) recreateDrifted(v *core.VerticalPodAutoscaler, pods []*core.Pod, recs []core.RecommendedContainerResources) error {
	byName := make(map[string]core.RecommendedContainerResources, len(recs))
	for _, r := range recs {
		byName[r.ContainerName] = r
	}

	for _, p := range pods {
		if !p.Status.Phase.Active() || p.IsTerminating() {
			continue
		}
		if podDrifted(p, byName) {
			if err := c.store.Delete(core.KindPod, p.Namespace, p.Name); err != nil {
				return err
			}
			c.recorder.Eventf(v, core.EventNormal, "EvictedForResize", "recreating pod %s to apply new resource recommendation", p.Name)
			return nil
		}
	}
	return nil
}

func podDrifted(pod *core.Pod, recs map[string]core.RecommendedContainerResources) bool {
	for _, c := range pod.Spec.Containers {
		rec, ok := recs[c.Name]
		if !ok {
			continue
		}
		for _, name := range []core.ResourceName{core.ResourceCPU, core.ResourceMemory} {
			req, ok := c.Resources.Requests[name]
			if !ok {
				continue
			}
			lower, hasLower := rec.LowerBound[name]
			upper, hasUpper := rec.UpperBound[name]
			if hasLower && req.Cmp(lower) < 0 {
				return true
			}
			if hasUpper && req.Cmp(upper) > 0 {
				return true
			}
		}
	}
	return false
}
