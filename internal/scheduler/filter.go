// SPDX-License-Identifier: Apache-2.0

// Package scheduler implements pod->node placement and Deployment
// expansion/rollout.
package scheduler

import (
	"github.com/infralink/control-plane/internal/apis/core"
)

// Snapshot is the immutable input to one scheduling decision: every Node
// and every non-terminating Pod currently known to the store. Both the
// live scheduling loop and the Cluster Autoscaler's scale-down
// simulation build a Snapshot and call FilterNodes against it (the
// scheduling loop also calls ScoreNodes), so the two never drift apart.
type Snapshot struct {
	Nodes []*core.Node
	Pods  []*core.Pod
}

// FilterNodes returns the subset of nodes in snap that pod could be
// bound to: resource fit, node selector, taint tolerance, and
// affinity, checked in that order.
func FilterNodes(pod *core.Pod, snap Snapshot) []*core.Node {
	out := make([]*core.Node, 0, len(snap.Nodes))
	for _, node := range snap.Nodes {
		if !fits(pod, node) {
			continue
		}
		if !selectorSatisfied(pod, node) {
			continue
		}
		if !tolerationsSatisfied(pod, node) {
			continue
		}
		if !affinitySatisfied(pod, node, snap) {
			continue
		}
		out = append(out, node)
	}
	return out
}

func fits(pod *core.Pod, node *core.Node) bool {
	if node.Spec.Unschedulable || !node.Ready() {
		return false
	}
	return node.Free().Fits(pod.RequestsTotal())
}

func selectorSatisfied(pod *core.Pod, node *core.Node) bool {
	for k, v := range pod.Spec.NodeSelector {
		if node.Labels[k] != v {
			return false
		}
	}
	return true
}

func tolerationsSatisfied(pod *core.Pod, node *core.Node) bool {
	for _, taint := range node.Spec.Taints {
		if taint.Effect == core.TaintEffectPreferNoSchedule {
			continue
		}
		if !taint.MatchesToleration(pod.Spec.Tolerations) {
			return false
		}
	}
	return true
}

func affinitySatisfied(pod *core.Pod, node *core.Node, snap Snapshot) bool {
	if pod.Spec.Affinity == nil {
		return true
	}
	for _, term := range pod.Spec.Affinity.PodAffinity {
		if !topologyHasMatch(term, node, snap, true) {
			return false
		}
	}
	for _, term := range pod.Spec.Affinity.PodAntiAffinity {
		if topologyHasMatch(term, node, snap, false) {
			return false
		}
	}
	return true
}

// topologyHasMatch reports whether some already-placed pod within the
// same topology domain as node (sharing node.Labels[term.TopologyKey])
// matches term's selector. For anti-affinity the caller inverts the
// meaning: presence of a match is disqualifying.
func topologyHasMatch(term core.PodAffinityTerm, node *core.Node, snap Snapshot, _ bool) bool {
	domain, ok := node.Labels[term.TopologyKey]
	if !ok {
		return false
	}
	nodesInDomain := make(map[string]bool)
	for _, n := range snap.Nodes {
		if n.Labels[term.TopologyKey] == domain {
			nodesInDomain[n.Name] = true
		}
	}
	for _, p := range snap.Pods {
		if p.Spec.NodeName == "" || !nodesInDomain[p.Spec.NodeName] {
			continue
		}
		if term.LabelSelector.Matches(p.Labels) {
			return true
		}
	}
	return false
}
