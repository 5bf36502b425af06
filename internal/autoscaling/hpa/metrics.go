// SPDX-License-Identifier: Apache-2.0

package hpa

import (
	"fmt"

	"github.com/infralink/control-plane/internal/apis/core"
)

// evaluateMetrics computes, for every entry in h.Spec.Metrics, the
// ratio r_M = V_M / target_M, the
// MetricStatus to persist, and whether any metric was missing or
// stale.
func (c *Controller) evaluateMetrics(h *core.HorizontalPodAutoscaler, current int32) (ratios []float64, statuses []core.MetricStatus, anyStale bool, err error) {
	pods, err := c.targetPods(h)
	if err != nil {
		return nil, nil, false, err
	}

	for _, m := range h.Spec.Metrics {
		ratio, status, stale, evalErr := c.evaluateOne(m, pods, current)
		if evalErr != nil {
			// A single missing metric degrades to "stale" rather than
			// failing the whole reconcile.
			anyStale = true
			continue
		}
		if stale {
			anyStale = true
		}
		ratios = append(ratios, ratio)
		statuses = append(statuses, status)
	}
	return ratios, statuses, anyStale, nil
}

func (c *Controller) targetPods(h *core.HorizontalPodAutoscaler) ([]*core.Pod, error) {
	switch h.Spec.TargetRef.Kind {
	case core.KindDeployment:
		obj, err := c.store.Get(core.KindDeployment, h.Namespace, h.Spec.TargetRef.Name)
		if err != nil {
			return nil, err
		}
		dep := obj.(*core.Deployment)
		sel, err := dep.Spec.Selector.ToSelector()
		if err != nil {
			return nil, err
		}
		podObjs, err := c.store.List(core.KindPod, h.Namespace, sel)
		if err != nil {
			return nil, err
		}
		out := make([]*core.Pod, 0, len(podObjs))
		for _, o := range podObjs {
			out = append(out, o.(*core.Pod))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported HPA target kind %s", h.Spec.TargetRef.Kind)
	}
}

func (c *Controller) evaluateOne(m core.MetricSpec, pods []*core.Pod, current int32) (ratio float64, status core.MetricStatus, stale bool, err error) {
	switch m.Type {
	case core.MetricResource:
		return c.evaluateResourceMetric(m, pods, current)
	case core.MetricPods, core.MetricObject, core.MetricExternal:
		return c.evaluateCustomMetric(m, current)
	default:
		return 0, core.MetricStatus{}, true, fmt.Errorf("unknown metric type %s", m.Type)
	}
}

// evaluateCustomMetric reads Pods/Object/External metrics from the
// Custom Metrics Registry. An entry that expired or was never written
// counts as missing, which blocks scale-down but not scale-up. Pods
// metrics are stored already averaged per pod;
// Object/External totals are divided across current replicas when the
// target is an average_value.
func (c *Controller) evaluateCustomMetric(m core.MetricSpec, current int32) (float64, core.MetricStatus, bool, error) {
	if c.custom == nil {
		return 0, core.MetricStatus{}, true, fmt.Errorf("no custom metrics registry configured")
	}
	v, ok := c.custom.Get(m.Name)
	if !ok {
		return 0, core.MetricStatus{}, true, fmt.Errorf("custom metric %q missing or expired", m.Name)
	}

	var ratio float64
	switch {
	case m.Target.AverageValue != nil:
		if *m.Target.AverageValue == 0 {
			return 0, core.MetricStatus{}, true, fmt.Errorf("custom metric %q has a zero averageValue target", m.Name)
		}
		perReplica := v
		if m.Type != core.MetricPods {
			if current == 0 {
				return 0, core.MetricStatus{}, true, fmt.Errorf("current replicas is zero")
			}
			perReplica = v / float64(current)
		}
		ratio = perReplica / float64(*m.Target.AverageValue)
	case m.Target.Value != nil:
		if *m.Target.Value == 0 {
			return 0, core.MetricStatus{}, true, fmt.Errorf("custom metric %q has a zero value target", m.Name)
		}
		ratio = v / float64(*m.Target.Value)
	default:
		return 0, core.MetricStatus{}, true, fmt.Errorf("custom metric %q needs a value or averageValue target", m.Name)
	}

	status := core.MetricStatus{
		Type:         m.Type,
		Name:         m.Name,
		CurrentValue: int64(v),
	}
	return ratio, status, false, nil
}

func (c *Controller) evaluateResourceMetric(m core.MetricSpec, pods []*core.Pod, current int32) (float64, core.MetricStatus, bool, error) {
	if current == 0 {
		// The ratio is undefined when current_replicas is 0 for a
		// Resource metric; skip the cycle.
		return 0, core.MetricStatus{}, true, fmt.Errorf("current replicas is zero")
	}
	if m.Target.AverageUtilization == nil {
		return 0, core.MetricStatus{}, true, fmt.Errorf("resource metric %s missing averageUtilization target", m.Resource)
	}

	var sum float64
	var n int
	stale := false
	staleAfter := staleFactor * c.collectionInterval
	for _, p := range pods {
		if p.IsTerminating() || !p.Status.Phase.Active() {
			continue
		}
		// A present-but-old sample is as untrustworthy as a missing
		// one: it must not feed the average a scale-down rides on.
		if c.metrics.IsStale(p.Namespace, p.Name, staleAfter) {
			stale = true
			continue
		}
		util, ok := c.metrics.GetPodResourceUtilization(p.Namespace, p.Name, m.Resource)
		if !ok {
			stale = true
			continue
		}
		sum += util
		n++
	}
	if n == 0 {
		return 0, core.MetricStatus{}, true, fmt.Errorf("no fresh samples for resource %s", m.Resource)
	}

	avgUtilization := sum / float64(n)
	ratio := avgUtilization / float64(*m.Target.AverageUtilization)
	util := int64(avgUtilization)

	status := core.MetricStatus{
		Type:               core.MetricResource,
		Name:               string(m.Resource),
		CurrentValue:       int64(sum),
		CurrentUtilization: &util,
	}
	return ratio, status, stale, nil
}
