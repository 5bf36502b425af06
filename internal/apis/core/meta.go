// SPDX-License-Identifier: Apache-2.0

// Package core defines the control plane's resource types: the shared
// ObjectMeta envelope and the Pod, Deployment, Service, Endpoints, HPA,
// VPA, PV, PVC, StorageClass, Ingress, Node and NodeGroup kinds.
package core

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/selection"
	"k8s.io/apimachinery/pkg/types"
)

const labelsEquals = selection.Equals

func toSelectionOperator(op LabelSelectorOperator) (selection.Operator, error) {
	switch op {
	case SelectorOpIn:
		return selection.In, nil
	case SelectorOpNotIn:
		return selection.NotIn, nil
	case SelectorOpExists:
		return selection.Exists, nil
	case SelectorOpDoesNotExist:
		return selection.DoesNotExist, nil
	default:
		return "", fmt.Errorf("unknown selector operator %q", op)
	}
}

// Kind identifies an object type for storage, watch and work-queue keys.
type Kind string

const (
	KindPod                     Kind = "Pod"
	KindDeployment              Kind = "Deployment"
	KindService                 Kind = "Service"
	KindEndpoints               Kind = "Endpoints"
	KindHorizontalPodAutoscaler Kind = "HorizontalPodAutoscaler"
	KindVerticalPodAutoscaler   Kind = "VerticalPodAutoscaler"
	KindPersistentVolume        Kind = "PersistentVolume"
	KindPersistentVolumeClaim   Kind = "PersistentVolumeClaim"
	KindStorageClass            Kind = "StorageClass"
	KindIngress                 Kind = "Ingress"
	KindNode                    Kind = "Node"
	KindNodeGroup               Kind = "NodeGroup"
	KindNamespace               Kind = "Namespace"
	KindConfigMap               Kind = "ConfigMap"
	KindSecret                  Kind = "Secret"
	KindEvent                   Kind = "Event"
)

// Namespaced reports whether objects of this kind live inside a namespace.
func (k Kind) Namespaced() bool {
	switch k {
	case KindNode, KindNodeGroup, KindNamespace, KindStorageClass:
		return false
	default:
		return true
	}
}

// ObjectMeta is embedded by every resource kind. It carries identity,
// versioning, and lifecycle fields shared across the data model.
type ObjectMeta struct {
	Name              string            `json:"name"`
	Namespace         string            `json:"namespace,omitempty"`
	UID               types.UID         `json:"uid,omitempty"`
	ResourceVersion   string            `json:"resourceVersion,omitempty"`
	Generation        int64             `json:"generation,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
	CreationTimestamp time.Time         `json:"creationTimestamp,omitempty"`
	DeletionTimestamp *time.Time        `json:"deletionTimestamp,omitempty"`
	Finalizers        []string          `json:"finalizers,omitempty"`
	OwnerReferences   []OwnerReference  `json:"ownerReferences,omitempty"`
}

// OwnerReference is a weak pointer from a dependent object to its owner,
// resolved through the Object Store rather than held as a live pointer.
type OwnerReference struct {
	Kind       Kind      `json:"kind"`
	Name       string    `json:"name"`
	UID        types.UID `json:"uid"`
	Controller bool      `json:"controller,omitempty"`
}

// IsTerminating reports whether the object is visible-but-draining: a
// deletion has been requested but finalizers still block removal.
func (m *ObjectMeta) IsTerminating() bool {
	return m.DeletionTimestamp != nil
}

// HasFinalizer reports whether f is present in Finalizers.
func (m *ObjectMeta) HasFinalizer(f string) bool {
	for _, existing := range m.Finalizers {
		if existing == f {
			return true
		}
	}
	return false
}

// RemoveFinalizer removes f from Finalizers, if present.
func (m *ObjectMeta) RemoveFinalizer(f string) {
	out := m.Finalizers[:0]
	for _, existing := range m.Finalizers {
		if existing != f {
			out = append(out, existing)
		}
	}
	m.Finalizers = out
}

// LabelSelector mirrors k8s.io/apimachinery's selector shape at the
// object-spec level; resolving it to a labels.Selector is done by
// ToSelector so all matching goes through one code path.
type LabelSelector struct {
	MatchLabels      map[string]string          `json:"matchLabels,omitempty"`
	MatchExpressions []LabelSelectorRequirement `json:"matchExpressions,omitempty"`
}

// LabelSelectorOperator enumerates the supported match-expression verbs.
type LabelSelectorOperator string

const (
	SelectorOpIn           LabelSelectorOperator = "In"
	SelectorOpNotIn        LabelSelectorOperator = "NotIn"
	SelectorOpExists       LabelSelectorOperator = "Exists"
	SelectorOpDoesNotExist LabelSelectorOperator = "DoesNotExist"
)

// LabelSelectorRequirement is a single matchExpressions clause.
type LabelSelectorRequirement struct {
	Key      string                `json:"key"`
	Operator LabelSelectorOperator `json:"operator"`
	Values   []string              `json:"values,omitempty"`
}

// ToSelector compiles a LabelSelector into an apimachinery labels.Selector.
func (s *LabelSelector) ToSelector() (labels.Selector, error) {
	sel := labels.NewSelector()
	if s == nil {
		return sel, nil
	}
	for k, v := range s.MatchLabels {
		req, err := labels.NewRequirement(k, labelsEquals, []string{v})
		if err != nil {
			return nil, err
		}
		sel = sel.Add(*req)
	}
	for _, expr := range s.MatchExpressions {
		op, err := toSelectionOperator(expr.Operator)
		if err != nil {
			return nil, err
		}
		req, err := labels.NewRequirement(expr.Key, op, expr.Values)
		if err != nil {
			return nil, err
		}
		sel = sel.Add(*req)
	}
	return sel, nil
}

// Matches reports whether the given label set satisfies the selector. An
// empty or nil selector matches nothing, per kube's "empty selector
// matches no pods" convention for spec-level selectors.
func (s *LabelSelector) Matches(set map[string]string) bool {
	if s == nil || (len(s.MatchLabels) == 0 && len(s.MatchExpressions) == 0) {
		return false
	}
	sel, err := s.ToSelector()
	if err != nil {
		return false
	}
	return sel.Matches(labels.Set(set))
}
