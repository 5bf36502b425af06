// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DeploymentStrategyType selects the rollout mechanism for a Deployment.
type DeploymentStrategyType string

const (
	StrategyRollingUpdate DeploymentStrategyType = "RollingUpdate"
	StrategyRecreate      DeploymentStrategyType = "Recreate"
)

// RollingUpdateSpec bounds surge and unavailability during a rolling
// update.
type RollingUpdateSpec struct {
	MaxSurge       IntOrString `json:"maxSurge,omitempty"`
	MaxUnavailable IntOrString `json:"maxUnavailable,omitempty"`
}

// DeploymentStrategy is the rollout strategy for a Deployment.
type DeploymentStrategy struct {
	Type          DeploymentStrategyType `json:"type"`
	RollingUpdate *RollingUpdateSpec     `json:"rollingUpdate,omitempty"`
}

// PodTemplate is the blueprint Pods are stamped from by the Scheduler's
// Deployment-expansion loop.
type PodTemplate struct {
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Spec        PodSpec           `json:"spec"`
}

// DeploymentSpec is the desired state of a Deployment.
type DeploymentSpec struct {
	Replicas int32               `json:"replicas"`
	Selector LabelSelector       `json:"selector"`
	Template PodTemplate         `json:"template"`
	Strategy DeploymentStrategy  `json:"strategy"`
}

// DeploymentConditionType enumerates Deployment-level conditions.
type DeploymentConditionType string

const (
	DeploymentAvailable       DeploymentConditionType = "Available"
	DeploymentProgressing     DeploymentConditionType = "Progressing"
	DeploymentReconcileFailed DeploymentConditionType = "ReconcileFailed"
)

// DeploymentCondition is a single Deployment.status.conditions entry.
type DeploymentCondition struct {
	Type    DeploymentConditionType `json:"type"`
	Status  ConditionStatus         `json:"status"`
	Reason  string                  `json:"reason,omitempty"`
	Message string                  `json:"message,omitempty"`
}

// DeploymentStatus is the observed state of a Deployment.
type DeploymentStatus struct {
	Replicas          int32                  `json:"replicas"`
	UpdatedReplicas   int32                  `json:"updatedReplicas"`
	ReadyReplicas     int32                  `json:"readyReplicas"`
	AvailableReplicas int32                  `json:"availableReplicas"`
	Conditions        []DeploymentCondition  `json:"conditions,omitempty"`
	// ScaleTargetReplicas, when set by an HPA via the scale subresource,
	// overrides Spec.Replicas as the Scheduler's target replica count.
	ScaleTargetReplicas *int32 `json:"scaleTargetReplicas,omitempty"`
}

// Deployment declares a desired set of Pod replicas with a rollout
// strategy.
type Deployment struct {
	ObjectMeta
	Spec   DeploymentSpec   `json:"spec"`
	Status DeploymentStatus `json:"status"`
}

func (d *Deployment) GetObjectMeta() *ObjectMeta { return &d.ObjectMeta }
func (d *Deployment) GetKind() Kind              { return KindDeployment }
func (d *Deployment) DeepCopyObject() Object {
	cp := *d
	cp.Labels = copyStringMap(d.Labels)
	cp.Annotations = copyStringMap(d.Annotations)
	cp.Spec.Template.Spec.Containers = append([]Container(nil), d.Spec.Template.Spec.Containers...)
	cp.Status.Conditions = append([]DeploymentCondition(nil), d.Status.Conditions...)
	if d.Status.ScaleTargetReplicas != nil {
		v := *d.Status.ScaleTargetReplicas
		cp.Status.ScaleTargetReplicas = &v
	}
	return &cp
}

// TargetReplicas returns the replica count the Scheduler should converge
// on: the HPA scale override if present, else Spec.Replicas.
func (d *Deployment) TargetReplicas() int32 {
	if d.Status.ScaleTargetReplicas != nil {
		return *d.Status.ScaleTargetReplicas
	}
	return d.Spec.Replicas
}

// IntOrString is an int32 or a percentage string ("25%"), matching the
// kube API convention used for maxSurge/maxUnavailable.
type IntOrString struct {
	IntValue    int32
	StrValue    string
	IsPercent   bool
}

// FromInt constructs a literal integer IntOrString.
func FromInt(v int32) IntOrString { return IntOrString{IntValue: v} }

// FromPercent constructs a percentage IntOrString, e.g. FromPercent(25) -> "25%".
func FromPercent(v int32) IntOrString {
	return IntOrString{IntValue: v, IsPercent: true}
}

// Resolve computes the effective integer value against total, rounding
// up for percentages the way kube's RollingUpdate computation does.
func (v IntOrString) Resolve(total int32) int32 {
	if !v.IsPercent {
		return v.IntValue
	}
	return int32((int64(v.IntValue)*int64(total) + 99) / 100)
}

// MarshalJSON renders the value as a bare scalar — an integer, a named
// string, or a "25%" percentage — matching the kube wire convention.
func (v IntOrString) MarshalJSON() ([]byte, error) {
	if v.StrValue != "" {
		return json.Marshal(v.StrValue)
	}
	if v.IsPercent {
		return json.Marshal(fmt.Sprintf("%d%%", v.IntValue))
	}
	return json.Marshal(v.IntValue)
}

// UnmarshalJSON accepts an integer, a "25%" percentage, or a named
// port string.
func (v *IntOrString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.HasSuffix(s, "%") {
			n, err := strconv.ParseInt(strings.TrimSuffix(s, "%"), 10, 32)
			if err != nil {
				return fmt.Errorf("invalid percentage %q", s)
			}
			*v = IntOrString{IntValue: int32(n), IsPercent: true}
			return nil
		}
		*v = IntOrString{StrValue: s}
		return nil
	}
	var n int32
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = IntOrString{IntValue: n}
	return nil
}
