// SPDX-License-Identifier: Apache-2.0

package hpa

import (
	"time"

	"github.com/infralink/control-plane/internal/apis/core"
)

// defaultScaleDownStabilizationWindow matches kube's default: 0 for
// scale-up, 300s for scale-down.
const defaultScaleDownStabilizationWindow = 300 * time.Second

// applyBehavior applies stabilization-window smoothing followed by
// per-direction policy rate limiting.
func applyBehavior(h *core.HorizontalPodAutoscaler, desired, current int32, now time.Time) int32 {
	direction := desired - current
	if direction == 0 {
		return desired
	}

	stabilized := stabilize(h, desired, current, now, direction > 0)

	var rules *core.HPAScalingRules
	if h.Spec.Behavior != nil {
		if direction > 0 {
			rules = h.Spec.Behavior.ScaleUp
		} else {
			rules = h.Spec.Behavior.ScaleDown
		}
	}
	return applyPolicies(rules, stabilized, current, h.Status.RecentScaleEvents, now)
}

// stabilize folds in the recent scale-event history within the
// stabilization window: scale-down uses the maximum recommended
// desired value over the window, scale-up the minimum, so a single
// noisy sample cannot flap the target.
func stabilize(h *core.HorizontalPodAutoscaler, desired, current int32, now time.Time, scalingUp bool) int32 {
	window := defaultScaleDownStabilizationWindow
	if scalingUp {
		window = 0
	}
	if h.Spec.Behavior != nil {
		var rules *core.HPAScalingRules
		if scalingUp {
			rules = h.Spec.Behavior.ScaleUp
		} else {
			rules = h.Spec.Behavior.ScaleDown
		}
		if rules != nil && rules.StabilizationWindowSeconds != nil {
			window = time.Duration(*rules.StabilizationWindowSeconds) * time.Second
		}
	}
	if window <= 0 {
		return desired
	}

	result := desired
	cutoff := now.Add(-window)
	for _, ev := range h.Status.RecentScaleEvents {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		if scalingUp {
			if ev.NewReplicas < result {
				result = ev.NewReplicas
			}
		} else {
			if ev.NewReplicas > result {
				result = ev.NewReplicas
			}
		}
	}
	if scalingUp && result < current {
		result = current
	}
	if !scalingUp && result > current {
		result = current
	}
	return result
}

// applyPolicies bounds the step size in one direction: each policy
// allows at most its value (pods or percent of current) within its
// period, combined across policies via select_policy. Replicas already
// moved in this direction by earlier scale events inside a policy's
// period count against that policy's budget, so a target reconciled
// more often than its period still cannot exceed the configured rate.
func applyPolicies(rules *core.HPAScalingRules, desired, current int32, events []core.ScalingEvent, now time.Time) int32 {
	if rules == nil || len(rules.Policies) == 0 {
		return desired
	}
	if rules.SelectPolicy == core.SelectDisabled {
		return current
	}

	delta := desired - current
	if delta == 0 {
		return desired
	}
	up := delta > 0

	var best int32
	first := true
	for _, p := range rules.Policies {
		allowed := policyLimit(p, current) - changedInPeriod(events, up, now, p.PeriodSeconds)
		if allowed < 0 {
			allowed = 0
		}
		if first {
			best = allowed
			first = false
			continue
		}
		switch rules.SelectPolicy {
		case core.SelectMin:
			if allowed < best {
				best = allowed
			}
		default: // Max is kube's default select_policy
			if allowed > best {
				best = allowed
			}
		}
	}

	if up {
		if delta > best {
			delta = best
		}
	} else {
		if -delta > best {
			delta = -best
		}
	}
	return current + delta
}

func policyLimit(p core.ScalingPolicy, current int32) int32 {
	switch p.Type {
	case core.PercentScalingPolicy:
		limit := (current * p.Value) / 100
		if limit < 1 {
			limit = 1
		}
		return limit
	default: // Pods
		return p.Value
	}
}

// changedInPeriod sums the replicas already added (scale-up) or removed
// (scale-down) by scale events newer than now - periodSeconds. A zero
// period means the policy budget resets every decision.
func changedInPeriod(events []core.ScalingEvent, up bool, now time.Time, periodSeconds int32) int32 {
	if periodSeconds <= 0 {
		return 0
	}
	cutoff := now.Add(-time.Duration(periodSeconds) * time.Second)
	var changed int32
	for _, ev := range events {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		step := ev.NewReplicas - ev.OldReplicas
		if up && step > 0 {
			changed += step
		}
		if !up && step < 0 {
			changed += -step
		}
	}
	return changed
}
