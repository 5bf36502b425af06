// SPDX-License-Identifier: Apache-2.0

// Package vpa implements the Vertical Pod Autoscaler:
// a rolling-window usage recommender plus the Off/Initial/Recreation/
// Auto application modes.
package vpa

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/infralink/control-plane/internal/apis/core"
)

// DefaultWindow is how far back the recommender looks when estimating
// a container's steady-state usage.
const DefaultWindow = 24 * time.Hour

// MaxSamplesPerContainer bounds memory use of the rolling window.
const MaxSamplesPerContainer = 2000

type usageSample struct {
	at     time.Time
	cpu    float64 // cores
	memory float64 // bytes
}

// window is the per-container rolling sample history.
type window struct {
	samples []usageSample
}

func (w *window) add(s usageSample, retain time.Duration) {
	w.samples = append(w.samples, s)
	cutoff := s.at.Add(-retain)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
	if len(w.samples) > MaxSamplesPerContainer {
		w.samples = w.samples[len(w.samples)-MaxSamplesPerContainer:]
	}
}

// Recommender keeps a rolling usage window per (vpa, container) and
// derives percentile-based recommendations.
type Recommender struct {
	mu       sync.Mutex
	windows  map[string]*window
	retain   time.Duration
}

// NewRecommender constructs an empty Recommender retaining DefaultWindow
// of history per container.
func NewRecommender() *Recommender {
	return &Recommender{
		windows: make(map[string]*window),
		retain:  DefaultWindow,
	}
}

func containerKey(vpaNamespace, vpaName, containerName string) string {
	return vpaNamespace + "/" + vpaName + "/" + containerName
}

// RecordSample appends one observed (cpu cores, memory bytes) reading
// for containerName under the given VPA, at time at.
func (r *Recommender) RecordSample(vpaNamespace, vpaName, containerName string, cpuCores, memoryBytes float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := containerKey(vpaNamespace, vpaName, containerName)
	w, ok := r.windows[key]
	if !ok {
		w = &window{}
		r.windows[key] = w
	}
	w.add(usageSample{at: at, cpu: cpuCores, memory: memoryBytes}, r.retain)
}

// Recommend produces a RecommendedContainerResources for containerName,
// clamped to policy's min/max allowed if set. Returns false if there is
// no usage history yet.
func (r *Recommender) Recommend(vpaNamespace, vpaName, containerName string, policy *core.ContainerResourcePolicy) (core.RecommendedContainerResources, bool) {
	r.mu.Lock()
	w, ok := r.windows[containerKey(vpaNamespace, vpaName, containerName)]
	var cpuSamples, memSamples []float64
	if ok {
		cpuSamples = make([]float64, len(w.samples))
		memSamples = make([]float64, len(w.samples))
		for i, s := range w.samples {
			cpuSamples[i] = s.cpu
			memSamples[i] = s.memory
		}
	}
	r.mu.Unlock()
	if len(cpuSamples) == 0 {
		return core.RecommendedContainerResources{}, false
	}

	cpuP50, cpuP90, cpuP95 := percentiles(cpuSamples)
	memP50, memP90, memP95 := percentiles(memSamples)

	rec := core.RecommendedContainerResources{
		ContainerName:  containerName,
		LowerBound:     quantityResources(cpuP50, memP50),
		Target:         quantityResources(cpuP90, memP90),
		UpperBound:     quantityResources(cpuP95, memP95),
		UncappedTarget: quantityResources(cpuP90, memP90),
	}
	if policy != nil {
		clampResourceList(rec.LowerBound, policy.MinAllowed, policy.MaxAllowed)
		clampResourceList(rec.Target, policy.MinAllowed, policy.MaxAllowed)
		clampResourceList(rec.UpperBound, policy.MinAllowed, policy.MaxAllowed)
	}
	return rec, true
}

// percentiles returns the p50/p90/p95 of values, taking the element at
// index floor(p*(n-1)) of the sorted values,
// sorting a private copy so the caller's slice is untouched.
func percentiles(values []float64) (p50, p90, p95 float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return rank(sorted, 0.50), rank(sorted, 0.90), rank(sorted, 0.95)
}

func rank(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func quantityResources(cpuCores, memoryBytes float64) core.ResourceList {
	milliCPU := int64(cpuCores * 1000)
	if milliCPU < 1 {
		milliCPU = 1
	}
	return core.ResourceList{
		core.ResourceCPU:    core.MustQuantity(fmt.Sprintf("%dm", milliCPU)),
		core.ResourceMemory: core.MustQuantity(fmt.Sprintf("%d", int64(memoryBytes))),
	}
}

func clampResourceList(target, min, max core.ResourceList) {
	for name := range target {
		if minQ, ok := min[name]; ok {
			q := target[name]
			if q.Cmp(minQ) < 0 {
				target[name] = minQ
			}
		}
		if maxQ, ok := max[name]; ok {
			q := target[name]
			if q.Cmp(maxQ) > 0 {
				target[name] = maxQ
			}
		}
	}
}

// recommendationHash dedups identical recommendations across reconcile
// cycles so VPA doesn't write a no-op status update every sync.
// Quantities are hashed in canonical string form; their numeric
// internals are unexported.
func recommendationHash(recs []core.RecommendedContainerResources) (uint64, error) {
	rendered := make([]map[string]interface{}, len(recs))
	for i, r := range recs {
		rendered[i] = map[string]interface{}{
			"container": r.ContainerName,
			"lower":     renderList(r.LowerBound),
			"target":    renderList(r.Target),
			"upper":     renderList(r.UpperBound),
			"uncapped":  renderList(r.UncappedTarget),
		}
	}
	return hashstructure.Hash(rendered, hashstructure.FormatV2, nil)
}

func renderList(l core.ResourceList) map[string]string {
	out := make(map[string]string, len(l))
	for name, q := range l {
		out[string(name)] = q.String()
	}
	return out
}
