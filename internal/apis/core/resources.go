// SPDX-License-Identifier: Apache-2.0

package core

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// ResourceName enumerates the resources the scheduler and autoscalers
// reason about. The names are pinned to k8s.io/api's
// core/v1 constants so serialized objects stay wire-compatible with
// standard tooling.
type ResourceName string

const (
	ResourceCPU     = ResourceName(corev1.ResourceCPU)
	ResourceMemory  = ResourceName(corev1.ResourceMemory)
	ResourceStorage = ResourceName(corev1.ResourceStorage)
	ResourcePods    = ResourceName(corev1.ResourcePods)
)

// ResourceList is a set of quantities keyed by resource name, using
// apimachinery's arbitrary-precision Quantity so "500m" cpu and "512Mi"
// memory round-trip exactly.
type ResourceList map[ResourceName]resource.Quantity

// Add returns a new ResourceList with each entry of other added to l.
func (l ResourceList) Add(other ResourceList) ResourceList {
	out := make(ResourceList, len(l))
	for k, v := range l {
		out[k] = v.DeepCopy()
	}
	for k, v := range other {
		if existing, ok := out[k]; ok {
			existing.Add(v)
			out[k] = existing
		} else {
			out[k] = v.DeepCopy()
		}
	}
	return out
}

// Sub returns a new ResourceList with each entry of other subtracted from l.
func (l ResourceList) Sub(other ResourceList) ResourceList {
	out := make(ResourceList, len(l))
	for k, v := range l {
		out[k] = v.DeepCopy()
	}
	for k, v := range other {
		existing := out[k]
		existing.Sub(v)
		out[k] = existing
	}
	return out
}

// Fits reports whether every entry of required is covered by the
// remaining capacity (l), i.e. l >= required for every resource name
// present in required.
func (l ResourceList) Fits(required ResourceList) bool {
	for name, req := range required {
		avail, ok := l[name]
		if !ok {
			if req.Sign() > 0 {
				return false
			}
			continue
		}
		if avail.Cmp(req) < 0 {
			return false
		}
	}
	return true
}

// ResourceRequirements mirrors a container's requests/limits block.
type ResourceRequirements struct {
	Requests ResourceList `json:"requests,omitempty"`
	Limits   ResourceList `json:"limits,omitempty"`
}

// MustQuantity parses s into a resource.Quantity, panicking on malformed
// input. It exists for concise construction of literal resource lists in
// tests and fixtures; production code paths always go through
// resource.ParseQuantity and surface the error.
func MustQuantity(s string) resource.Quantity {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}
