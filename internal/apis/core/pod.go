// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// RestartPolicy governs whether the Runtime restarts a container after
// it exits.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "Always"
	RestartOnFailure RestartPolicy = "OnFailure"
	RestartNever     RestartPolicy = "Never"
)

// PodPhase is the coarse-grained lifecycle state of a Pod.
type PodPhase string

const (
	PodPending   PodPhase = "Pending"
	PodRunning   PodPhase = "Running"
	PodSucceeded PodPhase = "Succeeded"
	PodFailed    PodPhase = "Failed"
	PodUnknown   PodPhase = "Unknown"
)

// Unscheduled reports whether the phase is compatible with still being a
// scheduling candidate.
func (p PodPhase) Unscheduled() bool { return p == PodPending }

// Active reports whether the phase counts toward a Deployment's live
// replica count.
func (p PodPhase) Active() bool {
	switch p {
	case PodPending, PodRunning:
		return true
	default:
		return false
	}
}

// ContainerPort declares a single exposed port on a container.
type ContainerPort struct {
	Name          string   `json:"name,omitempty"`
	ContainerPort int32    `json:"containerPort"`
	Protocol      Protocol `json:"protocol,omitempty"`
}

// Protocol is a transport-layer protocol for container and service ports.
type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

// EnvVar is a single environment variable, optionally resolved from a
// ConfigMap or Secret key at Pod admission time.
type EnvVar struct {
	Name      string        `json:"name"`
	Value     string        `json:"value,omitempty"`
	ValueFrom *EnvVarSource `json:"valueFrom,omitempty"`
}

// EnvVarSource selects a value from another object instead of a literal.
type EnvVarSource struct {
	ConfigMapKeyRef *KeyRef `json:"configMapKeyRef,omitempty"`
	SecretKeyRef    *KeyRef `json:"secretKeyRef,omitempty"`
}

// KeyRef names a single key within a ConfigMap or Secret.
type KeyRef struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// VolumeMount mounts a named Volume into a container's filesystem.
type VolumeMount struct {
	Name      string `json:"name"`
	MountPath string `json:"mountPath"`
	ReadOnly  bool   `json:"readOnly,omitempty"`
}

// Container describes one container within a Pod's spec.
type Container struct {
	Name         string                `json:"name"`
	Image        string                `json:"image"`
	Command      []string              `json:"command,omitempty"`
	Args         []string              `json:"args,omitempty"`
	Env          []EnvVar              `json:"env,omitempty"`
	Ports        []ContainerPort       `json:"ports,omitempty"`
	Resources    ResourceRequirements  `json:"resources,omitempty"`
	VolumeMounts []VolumeMount         `json:"volumeMounts,omitempty"`
}

// Toleration allows a Pod to schedule onto a Node bearing a matching Taint.
type Toleration struct {
	Key      string        `json:"key,omitempty"`
	Operator TolerationOp  `json:"operator,omitempty"`
	Value    string        `json:"value,omitempty"`
	Effect   TaintEffect   `json:"effect,omitempty"`
}

// TolerationOp is the comparison mode for a Toleration.
type TolerationOp string

const (
	TolerationOpEqual  TolerationOp = "Equal"
	TolerationOpExists TolerationOp = "Exists"
)

// PodAffinityTerm constrains scheduling relative to the labels of Pods
// already placed on a node.
type PodAffinityTerm struct {
	LabelSelector LabelSelector `json:"labelSelector"`
	TopologyKey   string        `json:"topologyKey"`
}

// Affinity bundles the affinity/anti-affinity rules considered by the
// Scheduler's filter stage.
type Affinity struct {
	PodAffinity     []PodAffinityTerm `json:"podAffinity,omitempty"`
	PodAntiAffinity []PodAffinityTerm `json:"podAntiAffinity,omitempty"`
}

// PodSpec is the desired state of a Pod.
type PodSpec struct {
	Containers    []Container       `json:"containers"`
	RestartPolicy RestartPolicy     `json:"restartPolicy,omitempty"`
	NodeSelector  map[string]string `json:"nodeSelector,omitempty"`
	NodeName      string            `json:"nodeName,omitempty"`
	Tolerations   []Toleration      `json:"tolerations,omitempty"`
	Affinity      *Affinity         `json:"affinity,omitempty"`
	Volumes       []PodVolume       `json:"volumes,omitempty"`
}

// PodVolume binds a volume name (referenced by VolumeMount) to a source,
// including a PVC reference for persistent storage.
type PodVolume struct {
	Name                  string  `json:"name"`
	PersistentVolumeClaim *string `json:"persistentVolumeClaim,omitempty"`
	EmptyDir              bool    `json:"emptyDir,omitempty"`
}

// ConditionStatus is a tri-state boolean used by status conditions.
type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// PodConditionType enumerates the condition kinds set on Pod.status.
type PodConditionType string

const (
	PodScheduled    PodConditionType = "PodScheduled"
	PodUnschedulable PodConditionType = "Unschedulable"
	PodReady        PodConditionType = "Ready"
	PodInitialized  PodConditionType = "Initialized"
)

// PodCondition is a single point-in-time observation on Pod.status.conditions.
type PodCondition struct {
	Type               PodConditionType `json:"type"`
	Status             ConditionStatus  `json:"status"`
	Reason             string           `json:"reason,omitempty"`
	Message            string           `json:"message,omitempty"`
	LastTransitionTime time.Time        `json:"lastTransitionTime"`
}

// ContainerState is the current running/waiting/terminated state of a container.
type ContainerState struct {
	Waiting    *ContainerStateWaiting    `json:"waiting,omitempty"`
	Running    *ContainerStateRunning    `json:"running,omitempty"`
	Terminated *ContainerStateTerminated `json:"terminated,omitempty"`
}

type ContainerStateWaiting struct {
	Reason string `json:"reason,omitempty"`
}

type ContainerStateRunning struct {
	StartedAt time.Time `json:"startedAt"`
}

type ContainerStateTerminated struct {
	ExitCode int32     `json:"exitCode"`
	Reason   string    `json:"reason,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

// ContainerStatus reports per-container runtime state.
type ContainerStatus struct {
	Name         string         `json:"name"`
	ContainerID  string         `json:"containerID,omitempty"`
	Ready        bool           `json:"ready"`
	RestartCount int32          `json:"restartCount"`
	State        ContainerState `json:"state"`
}

// PodStatus is the observed state of a Pod.
type PodStatus struct {
	Phase             PodPhase          `json:"phase"`
	PodIP             string            `json:"podIP,omitempty"`
	ContainerStatuses []ContainerStatus `json:"containerStatuses,omitempty"`
	Conditions        []PodCondition    `json:"conditions,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	Message           string            `json:"message,omitempty"`
}

// SetCondition upserts a condition by type, updating LastTransitionTime
// only when the status actually changes.
func (s *PodStatus) SetCondition(c PodCondition) {
	for i := range s.Conditions {
		if s.Conditions[i].Type == c.Type {
			if s.Conditions[i].Status != c.Status {
				s.Conditions[i] = c
			} else {
				s.Conditions[i].Reason = c.Reason
				s.Conditions[i].Message = c.Message
			}
			return
		}
	}
	s.Conditions = append(s.Conditions, c)
}

// Pod is the atomic scheduling unit.
type Pod struct {
	ObjectMeta
	Spec   PodSpec   `json:"spec"`
	Status PodStatus `json:"status"`
}

// GetObjectMeta implements store.Object.
func (p *Pod) GetObjectMeta() *ObjectMeta { return &p.ObjectMeta }

// GetKind implements store.Object.
func (p *Pod) GetKind() Kind { return KindPod }

// DeepCopyObject returns a deep copy suitable for storing snapshots.
func (p *Pod) DeepCopyObject() Object {
	cp := *p
	cp.Labels = copyStringMap(p.Labels)
	cp.Annotations = copyStringMap(p.Annotations)
	cp.Finalizers = append([]string(nil), p.Finalizers...)
	cp.OwnerReferences = append([]OwnerReference(nil), p.OwnerReferences...)
	cp.Spec.Containers = append([]Container(nil), p.Spec.Containers...)
	cp.Spec.Tolerations = append([]Toleration(nil), p.Spec.Tolerations...)
	cp.Spec.Volumes = append([]PodVolume(nil), p.Spec.Volumes...)
	cp.Status.ContainerStatuses = append([]ContainerStatus(nil), p.Status.ContainerStatuses...)
	cp.Status.Conditions = append([]PodCondition(nil), p.Status.Conditions...)
	return &cp
}

// RequestsTotal sums every container's resource requests.
func (p *Pod) RequestsTotal() ResourceList {
	total := ResourceList{}
	for _, c := range p.Spec.Containers {
		total = total.Add(c.Resources.Requests)
	}
	return total
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
