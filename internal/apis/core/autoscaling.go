// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// CrossVersionObjectReference names the object an HPA/VPA targets.
type CrossVersionObjectReference struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

// MetricSourceType enumerates the kinds of metric an HPA can consume.
type MetricSourceType string

const (
	MetricResource MetricSourceType = "Resource"
	MetricPods     MetricSourceType = "Pods"
	MetricObject   MetricSourceType = "Object"
	MetricExternal MetricSourceType = "External"
)

// MetricTarget is the desired value for a single metric, following
// kube's three-shape convention: a utilization percentage (Resource
// metrics only), an absolute Value, or an AverageValue across Pods.
type MetricTarget struct {
	AverageUtilization *int64 `json:"averageUtilization,omitempty"`
	Value              *int64 `json:"value,omitempty"`
	AverageValue       *int64 `json:"averageValue,omitempty"`
}

// MetricSpec is one entry of HPA.spec.metrics.
type MetricSpec struct {
	Type     MetricSourceType `json:"type"`
	Name     string           `json:"name"`
	Resource ResourceName     `json:"resource,omitempty"`
	Target   MetricTarget     `json:"target"`
}

// ScalingPolicyType selects whether a behavior rate-limit policy is
// expressed as an absolute pod count or a percentage.
type ScalingPolicyType string

const (
	PodsScalingPolicy    ScalingPolicyType = "Pods"
	PercentScalingPolicy ScalingPolicyType = "Percent"
)

// ScalingPolicy bounds how many pods may be added/removed within a period.
type ScalingPolicy struct {
	Type          ScalingPolicyType `json:"type"`
	Value         int32             `json:"value"`
	PeriodSeconds int32             `json:"periodSeconds"`
}

// ScalingPolicySelect selects among multiple policies for one direction.
type ScalingPolicySelect string

const (
	SelectMax      ScalingPolicySelect = "Max"
	SelectMin      ScalingPolicySelect = "Min"
	SelectDisabled ScalingPolicySelect = "Disabled"
)

// HPAScalingRules is the per-direction behavior block.
type HPAScalingRules struct {
	StabilizationWindowSeconds *int32          `json:"stabilizationWindowSeconds,omitempty"`
	SelectPolicy               ScalingPolicySelect `json:"selectPolicy,omitempty"`
	Policies                   []ScalingPolicy `json:"policies,omitempty"`
}

// HPABehavior configures scale-up/scale-down rate limiting.
type HPABehavior struct {
	ScaleUp   *HPAScalingRules `json:"scaleUp,omitempty"`
	ScaleDown *HPAScalingRules `json:"scaleDown,omitempty"`
}

// HorizontalPodAutoscalerSpec is the desired state of an HPA.
type HorizontalPodAutoscalerSpec struct {
	TargetRef   CrossVersionObjectReference `json:"targetRef"`
	MinReplicas int32                       `json:"minReplicas"`
	MaxReplicas int32                       `json:"maxReplicas"`
	Metrics     []MetricSpec                `json:"metrics"`
	Behavior    *HPABehavior                `json:"behavior,omitempty"`
}

// MetricStatus reports the last observed value for one metric.
type MetricStatus struct {
	Type               MetricSourceType `json:"type"`
	Name               string           `json:"name"`
	CurrentValue       int64            `json:"currentValue"`
	CurrentUtilization *int64           `json:"currentUtilization,omitempty"`
}

// ScalingEvent records one replica-count change decided by the HPA loop.
type ScalingEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	OldReplicas   int32          `json:"oldReplicas"`
	NewReplicas   int32          `json:"newReplicas"`
	Reason        string         `json:"reason"`
	MetricsSnapshot []MetricStatus `json:"metricsSnapshot,omitempty"`
}

// HorizontalPodAutoscalerStatus is the observed state of an HPA.
type HorizontalPodAutoscalerStatus struct {
	CurrentReplicas int32          `json:"currentReplicas"`
	DesiredReplicas int32          `json:"desiredReplicas"`
	LastScaleTime   *time.Time     `json:"lastScaleTime,omitempty"`
	CurrentMetrics  []MetricStatus `json:"currentMetrics,omitempty"`
	RecentScaleEvents []ScalingEvent `json:"recentScaleEvents,omitempty"`
	Conditions      []DeploymentCondition `json:"conditions,omitempty"`
}

// HorizontalPodAutoscaler is a replica-count controller driven by
// resource/custom metrics.
type HorizontalPodAutoscaler struct {
	ObjectMeta
	Spec   HorizontalPodAutoscalerSpec   `json:"spec"`
	Status HorizontalPodAutoscalerStatus `json:"status"`
}

func (h *HorizontalPodAutoscaler) GetObjectMeta() *ObjectMeta { return &h.ObjectMeta }
func (h *HorizontalPodAutoscaler) GetKind() Kind              { return KindHorizontalPodAutoscaler }
func (h *HorizontalPodAutoscaler) DeepCopyObject() Object {
	cp := *h
	cp.Labels = copyStringMap(h.Labels)
	cp.Annotations = copyStringMap(h.Annotations)
	cp.Spec.Metrics = append([]MetricSpec(nil), h.Spec.Metrics...)
	cp.Status.CurrentMetrics = append([]MetricStatus(nil), h.Status.CurrentMetrics...)
	cp.Status.RecentScaleEvents = append([]ScalingEvent(nil), h.Status.RecentScaleEvents...)
	return &cp
}

// VPAUpdateMode selects how VPA recommendations are applied.
type VPAUpdateMode string

const (
	VPAUpdateOff        VPAUpdateMode = "Off"
	VPAUpdateInitial    VPAUpdateMode = "Initial"
	VPAUpdateRecreation VPAUpdateMode = "Recreation"
	VPAUpdateAuto       VPAUpdateMode = "Auto"
)

// ContainerResourcePolicy bounds the allowed recommendation range for one container.
type ContainerResourcePolicy struct {
	ContainerName string       `json:"containerName"`
	MinAllowed    ResourceList `json:"minAllowed,omitempty"`
	MaxAllowed    ResourceList `json:"maxAllowed,omitempty"`
}

// PodResourcePolicy is the set of per-container resource policies.
type PodResourcePolicy struct {
	ContainerPolicies []ContainerResourcePolicy `json:"containerPolicies,omitempty"`
}

// VerticalPodAutoscalerSpec is the desired state of a VPA.
type VerticalPodAutoscalerSpec struct {
	TargetRef      CrossVersionObjectReference `json:"targetRef"`
	UpdateMode     VPAUpdateMode               `json:"updateMode"`
	ResourcePolicy *PodResourcePolicy          `json:"resourcePolicy,omitempty"`
}

// RecommendedContainerResources is one container's recommendation.
type RecommendedContainerResources struct {
	ContainerName   string       `json:"containerName"`
	Target          ResourceList `json:"target"`
	LowerBound      ResourceList `json:"lowerBound"`
	UpperBound      ResourceList `json:"upperBound"`
	UncappedTarget  ResourceList `json:"uncappedTarget"`
}

// VerticalPodAutoscalerStatus carries the recommendation produced by the
// VPA controller.
type VerticalPodAutoscalerStatus struct {
	Recommendation []RecommendedContainerResources `json:"recommendation,omitempty"`
}

// VerticalPodAutoscaler produces resource-request recommendations.
type VerticalPodAutoscaler struct {
	ObjectMeta
	Spec   VerticalPodAutoscalerSpec   `json:"spec"`
	Status VerticalPodAutoscalerStatus `json:"status"`
}

func (v *VerticalPodAutoscaler) GetObjectMeta() *ObjectMeta { return &v.ObjectMeta }
func (v *VerticalPodAutoscaler) GetKind() Kind              { return KindVerticalPodAutoscaler }
func (v *VerticalPodAutoscaler) DeepCopyObject() Object {
	cp := *v
	cp.Labels = copyStringMap(v.Labels)
	cp.Annotations = copyStringMap(v.Annotations)
	cp.Status.Recommendation = append([]RecommendedContainerResources(nil), v.Status.Recommendation...)
	return &cp
}
