// SPDX-License-Identifier: Apache-2.0

// Package hpa implements the Horizontal Pod Autoscaler control loop.
package hpa

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/metrics"
	"github.com/infralink/control-plane/internal/store"
	"github.com/infralink/control-plane/pkg/apierrors"
)

// DefaultSyncInterval is the HPA loop period.
const DefaultSyncInterval = 15 * time.Second

// staleFactor sets the freshness bar for resource metrics: a sample
// older than staleFactor times the collection interval no longer
// reflects current load and must not justify a scale-down.
const staleFactor = 2

// Controller runs the HPA reconcile loop.
type Controller struct {
	store        *store.Store
	metrics      metrics.Source
	custom       *metrics.CustomRegistry
	log          logr.Logger
	recorder     *events.Recorder
	clock        clock.Clock
	syncInterval time.Duration

	// collectionInterval mirrors the Metrics Collector's scrape period;
	// together with staleFactor it bounds how old a sample may be and
	// still count as fresh.
	collectionInterval time.Duration

	queue *controller.Queue
}

// New constructs an HPA Controller. metricsSource supplies resource
// metric values; custom supplies Pods/Object/External values.
func New(st *store.Store, metricsSource metrics.Source, custom *metrics.CustomRegistry, log logr.Logger, recorder *events.Recorder) *Controller {
	c := &Controller{
		store:        st,
		metrics:      metricsSource,
		custom:       custom,
		log:          log.WithName("hpa-controller"),
		recorder:     recorder,
		clock:        clock.RealClock{},
		syncInterval: DefaultSyncInterval,

		collectionInterval: metrics.DefaultCollectionInterval,
	}
	c.queue = controller.NewQueue("hpa-controller", c.log, c.reconcile)
	return c
}

// Start periodically enqueues every HPA and runs workers until ctx is
// cancelled.
func (c *Controller) Start(ctx context.Context, workers int) error {
	if err := controller.BridgeWatch(ctx, c.store, core.KindHorizontalPodAutoscaler, "", c.queue); err != nil {
		return fmt.Errorf("watching hpas: %w", err)
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
			objs, err := c.store.List(core.KindHorizontalPodAutoscaler, "", nil)
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
	obj, err := c.store.Get(core.KindHorizontalPodAutoscaler, key.Namespace, key.Name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return &controller.Transient{Err: err}
	}
	h := obj.(*core.HorizontalPodAutoscaler)
	if h.IsTerminating() {
		return nil
	}

	current, err := c.currentReplicas(h)
	if err != nil {
		return &controller.Transient{Err: err}
	}

	// A current_replicas of 0 on the very first reconcile (no prior
	// status written) is treated as "unknown": skip this cycle rather
	// than assume min_replicas, so a freshly created HPA never issues a
	// scaling decision against a target it has not yet observed.
	if current == 0 && h.Status.LastScaleTime == nil && len(h.Status.CurrentMetrics) == 0 {
		return c.store.Patch(core.KindHorizontalPodAutoscaler, h.Namespace, h.Name, func(o store.Object) error {
			hh := o.(*core.HorizontalPodAutoscaler)
			hh.Status.CurrentReplicas = 0
			return nil
		})
	}

	ratios, statuses, anyStale, err := c.evaluateMetrics(h, current)
	if err != nil {
		return &controller.Transient{Err: err}
	}

	desired := computeDesired(current, ratios, h.Spec.MinReplicas, h.Spec.MaxReplicas)

	if anyStale && desired < current {
		// Never scale down on stale metrics; scaling up on the metrics
		// that ARE fresh is still allowed.
		desired = current
	}

	desired = applyBehavior(h, desired, current, c.clock.Now())

	if desired == current {
		return c.writeStatus(h, current, desired, statuses, nil)
	}

	event := core.ScalingEvent{
		Timestamp:       c.clock.Now(),
		OldReplicas:     current,
		NewReplicas:     desired,
		Reason:          "metrics-driven scale",
		MetricsSnapshot: statuses,
	}
	if err := c.scaleTarget(h, desired); err != nil {
		return &controller.Transient{Err: err}
	}
	c.recorder.Eventf(h, core.EventNormal, "SuccessfulRescale", "New size: %d; reason: %s", desired, event.Reason)
	return c.writeStatus(h, current, desired, statuses, &event)
}

// computeDesired is the core replica math: ceil(current * worst
// ratio), clamped to [min,max].
func computeDesired(current int32, ratios []float64, min, max int32) int32 {
	if len(ratios) == 0 {
		return current
	}
	maxRatio := ratios[0]
	for _, r := range ratios[1:] {
		if r > maxRatio {
			maxRatio = r
		}
	}
	desired := int32(math.Ceil(float64(current) * maxRatio))
	if desired < min {
		desired = min
	}
	if desired > max {
		desired = max
	}
	return desired
}

func (c *Controller) currentReplicas(h *core.HorizontalPodAutoscaler) (int32, error) {
	switch h.Spec.TargetRef.Kind {
	case core.KindDeployment:
		obj, err := c.store.Get(core.KindDeployment, h.Namespace, h.Spec.TargetRef.Name)
		if err != nil {
			return 0, err
		}
		return obj.(*core.Deployment).Status.Replicas, nil
	default:
		return 0, fmt.Errorf("unsupported HPA target kind %s", h.Spec.TargetRef.Kind)
	}
}

func (c *Controller) scaleTarget(h *core.HorizontalPodAutoscaler, replicas int32) error {
	switch h.Spec.TargetRef.Kind {
	case core.KindDeployment:
		return c.store.Patch(core.KindDeployment, h.Namespace, h.Spec.TargetRef.Name, func(o store.Object) error {
			d := o.(*core.Deployment)
			d.Status.ScaleTargetReplicas = &replicas
			return nil
		})
	default:
		return fmt.Errorf("unsupported HPA target kind %s", h.Spec.TargetRef.Kind)
	}
}

func (c *Controller) writeStatus(h *core.HorizontalPodAutoscaler, current, desired int32, statuses []core.MetricStatus, event *core.ScalingEvent) error {
	return c.store.Patch(core.KindHorizontalPodAutoscaler, h.Namespace, h.Name, func(o store.Object) error {
		hh := o.(*core.HorizontalPodAutoscaler)
		hh.Status.CurrentReplicas = current
		hh.Status.DesiredReplicas = desired
		hh.Status.CurrentMetrics = statuses
		if event != nil {
			now := event.Timestamp
			hh.Status.LastScaleTime = &now
			hh.Status.RecentScaleEvents = append(hh.Status.RecentScaleEvents, *event)
			if len(hh.Status.RecentScaleEvents) > 20 {
				hh.Status.RecentScaleEvents = hh.Status.RecentScaleEvents[len(hh.Status.RecentScaleEvents)-20:]
			}
		}
		return nil
	})
}
