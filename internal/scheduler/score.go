// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"sort"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/infralink/control-plane/internal/apis/core"
)

// scoredNode is one candidate with its computed least-requested score.
type scoredNode struct {
	node       *core.Node
	score      float64
	ownerPods  int
}

// ScoreNodes ranks filtered candidates: least-requested capacity
// first, then fewest existing pods from the same owner (spread), then
// node name for determinism. It returns candidates best-first.
func ScoreNodes(pod *core.Pod, candidates []*core.Node, snap Snapshot) []*core.Node {
	ownerUID := ownerUID(pod)

	scored := make([]scoredNode, 0, len(candidates))
	for _, n := range candidates {
		scored = append(scored, scoredNode{
			node:      n,
			score:     leastRequestedScore(n, pod),
			ownerPods: countOwnerPodsOnNode(snap.Pods, ownerUID, n.Name),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score // higher score wins
		}
		if scored[i].ownerPods != scored[j].ownerPods {
			return scored[i].ownerPods < scored[j].ownerPods // spread: fewer is better
		}
		return scored[i].node.Name < scored[j].node.Name // deterministic tie-break
	})

	out := make([]*core.Node, len(scored))
	for i, s := range scored {
		out[i] = s.node
	}
	return out
}

// leastRequestedScore averages, across cpu/memory/storage, the fraction
// of allocatable capacity that would remain free after binding pod —
// kube-scheduler's LeastAllocated shape.
func leastRequestedScore(node *core.Node, pod *core.Pod) float64 {
	req := pod.RequestsTotal()
	resources := []core.ResourceName{core.ResourceCPU, core.ResourceMemory, core.ResourceStorage}

	var sum float64
	var n int
	for _, name := range resources {
		alloc, ok := node.Status.Allocatable[name]
		if !ok || alloc.IsZero() {
			continue
		}
		used := node.Status.Allocated[name]
		requested := req[name]
		remaining := alloc.DeepCopy()
		remaining.Sub(used)
		remaining.Sub(requested)

		frac := quantityRatio(remaining, alloc)
		if frac < 0 {
			frac = 0
		}
		sum += frac
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func quantityRatio(numerator, denominator resource.Quantity) float64 {
	d := denominator.AsApproximateFloat64()
	if d == 0 {
		return 0
	}
	return numerator.AsApproximateFloat64() / d
}

func ownerUID(pod *core.Pod) string {
	for _, ref := range pod.OwnerReferences {
		if ref.Controller {
			return string(ref.UID)
		}
	}
	if len(pod.OwnerReferences) > 0 {
		return string(pod.OwnerReferences[0].UID)
	}
	return ""
}

func countOwnerPodsOnNode(pods []*core.Pod, owner, nodeName string) int {
	if owner == "" {
		return 0
	}
	count := 0
	for _, p := range pods {
		if p.Spec.NodeName != nodeName {
			continue
		}
		if ownerUID(p) == owner {
			count++
		}
	}
	return count
}
