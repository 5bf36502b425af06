// SPDX-License-Identifier: Apache-2.0

package hpa

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/infralink/control-plane/internal/apis/core"

	"k8s.io/utils/ptr"
)

func podsPolicy(value, periodSeconds int32) core.ScalingPolicy {
	return core.ScalingPolicy{Type: core.PodsScalingPolicy, Value: value, PeriodSeconds: periodSeconds}
}

var _ = Describe("applyPolicies", func() {
	var now time.Time

	BeforeEach(func() {
		now = time.Now()
	})

	It("caps a scale-up step at the policy's pod count", func() {
		rules := &core.HPAScalingRules{Policies: []core.ScalingPolicy{podsPolicy(2, 60)}}
		Expect(applyPolicies(rules, 10, 4, nil, now)).To(Equal(int32(6)))
	})

	It("caps a scale-down step symmetrically", func() {
		rules := &core.HPAScalingRules{Policies: []core.ScalingPolicy{podsPolicy(3, 60)}}
		Expect(applyPolicies(rules, 1, 8, nil, now)).To(Equal(int32(5)))
	})

	It("caps by percentage of current replicas", func() {
		rules := &core.HPAScalingRules{Policies: []core.ScalingPolicy{
			{Type: core.PercentScalingPolicy, Value: 50, PeriodSeconds: 60},
		}}
		Expect(applyPolicies(rules, 20, 10, nil, now)).To(Equal(int32(15)))
	})

	It("charges replicas already added inside the period against the budget", func() {
		rules := &core.HPAScalingRules{Policies: []core.ScalingPolicy{podsPolicy(4, 60)}}
		events := []core.ScalingEvent{
			{Timestamp: now.Add(-10 * time.Second), OldReplicas: 4, NewReplicas: 7},
		}
		// 3 of the 4 pods-per-minute are spent; only 1 more may come up.
		Expect(applyPolicies(rules, 12, 7, events, now)).To(Equal(int32(8)))
	})

	It("refuses any further movement once the period budget is exhausted", func() {
		rules := &core.HPAScalingRules{Policies: []core.ScalingPolicy{podsPolicy(3, 60)}}
		events := []core.ScalingEvent{
			{Timestamp: now.Add(-5 * time.Second), OldReplicas: 4, NewReplicas: 7},
		}
		Expect(applyPolicies(rules, 12, 7, events, now)).To(Equal(int32(7)))
	})

	It("restores the budget once events age out of the period", func() {
		rules := &core.HPAScalingRules{Policies: []core.ScalingPolicy{podsPolicy(3, 60)}}
		events := []core.ScalingEvent{
			{Timestamp: now.Add(-2 * time.Minute), OldReplicas: 4, NewReplicas: 7},
		}
		Expect(applyPolicies(rules, 12, 7, events, now)).To(Equal(int32(10)))
	})

	It("only charges events moving in the same direction", func() {
		rules := &core.HPAScalingRules{Policies: []core.ScalingPolicy{podsPolicy(3, 60)}}
		events := []core.ScalingEvent{
			{Timestamp: now.Add(-10 * time.Second), OldReplicas: 9, NewReplicas: 6},
		}
		// The recent change was a scale-down; the scale-up budget is whole.
		Expect(applyPolicies(rules, 12, 6, events, now)).To(Equal(int32(9)))
	})

	It("selects the larger remaining budget under the default Max select policy", func() {
		rules := &core.HPAScalingRules{Policies: []core.ScalingPolicy{
			podsPolicy(1, 60),
			podsPolicy(5, 60),
		}}
		Expect(applyPolicies(rules, 20, 4, nil, now)).To(Equal(int32(9)))
	})

	It("selects the smaller remaining budget under Min", func() {
		rules := &core.HPAScalingRules{
			SelectPolicy: core.SelectMin,
			Policies:     []core.ScalingPolicy{podsPolicy(1, 60), podsPolicy(5, 60)},
		}
		Expect(applyPolicies(rules, 20, 4, nil, now)).To(Equal(int32(5)))
	})

	It("pins the target at current when scaling is Disabled", func() {
		rules := &core.HPAScalingRules{
			SelectPolicy: core.SelectDisabled,
			Policies:     []core.ScalingPolicy{podsPolicy(5, 60)},
		}
		Expect(applyPolicies(rules, 20, 4, nil, now)).To(Equal(int32(4)))
	})
})

var _ = Describe("applyBehavior", func() {
	It("rate-limits successive scale-ups of the same target across reconciles", func() {
		now := time.Now()
		h := &core.HorizontalPodAutoscaler{
			Spec: core.HorizontalPodAutoscalerSpec{
				Behavior: &core.HPABehavior{
					ScaleUp: &core.HPAScalingRules{
						StabilizationWindowSeconds: ptr.To[int32](0),
						Policies:                   []core.ScalingPolicy{podsPolicy(4, 60)},
					},
				},
			},
			Status: core.HorizontalPodAutoscalerStatus{
				RecentScaleEvents: []core.ScalingEvent{
					{Timestamp: now.Add(-20 * time.Second), OldReplicas: 2, NewReplicas: 6},
				},
			},
		}
		// The previous reconcile already consumed the whole 4-pods-per-
		// minute budget; a burst of re-triggers cannot add more.
		Expect(applyBehavior(h, 12, 6, now)).To(Equal(int32(6)))
	})

	It("uses the maximum recommendation over the window for scale-down", func() {
		now := time.Now()
		h := &core.HorizontalPodAutoscaler{
			Status: core.HorizontalPodAutoscalerStatus{
				RecentScaleEvents: []core.ScalingEvent{
					{Timestamp: now.Add(-time.Minute), OldReplicas: 5, NewReplicas: 8},
				},
			},
		}
		// A recent decision wanted 8 replicas; the default 5-minute
		// scale-down stabilization window holds the floor there.
		Expect(applyBehavior(h, 3, 8, now)).To(Equal(int32(8)))
	})
})
