// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// TaintEffect is the scheduling consequence of an unmatched Taint.
type TaintEffect string

const (
	TaintEffectNoSchedule       TaintEffect = "NoSchedule"
	TaintEffectPreferNoSchedule TaintEffect = "PreferNoSchedule"
	TaintEffectNoExecute        TaintEffect = "NoExecute"
)

// Taint repels Pods from a Node unless tolerated.
type Taint struct {
	Key    string      `json:"key"`
	Value  string      `json:"value,omitempty"`
	Effect TaintEffect `json:"effect"`
}

// MatchesToleration reports whether t is satisfied by any of tolerations.
func (t Taint) MatchesToleration(tolerations []Toleration) bool {
	for _, tol := range tolerations {
		if tol.Effect != "" && tol.Effect != t.Effect {
			continue
		}
		switch tol.Operator {
		case TolerationOpExists, "":
			if tol.Key == "" || tol.Key == t.Key {
				return true
			}
		case TolerationOpEqual:
			if tol.Key == t.Key && tol.Value == t.Value {
				return true
			}
		}
	}
	return false
}

// NodeConditionType enumerates node health conditions.
type NodeConditionType string

const (
	NodeReady              NodeConditionType = "Ready"
	NodeMemoryPressure     NodeConditionType = "MemoryPressure"
	NodeDiskPressure       NodeConditionType = "DiskPressure"
	NodeNetworkUnavailable NodeConditionType = "NetworkUnavailable"
)

// NodeCondition is a single observed node health signal.
type NodeCondition struct {
	Type               NodeConditionType `json:"type"`
	Status             ConditionStatus   `json:"status"`
	LastTransitionTime time.Time         `json:"lastTransitionTime"`
	Message            string            `json:"message,omitempty"`
}

// NodeSpec declares the static and operator-controlled configuration of a Node.
type NodeSpec struct {
	Taints        []Taint `json:"taints,omitempty"`
	Unschedulable bool    `json:"unschedulable,omitempty"`
	NodeGroupName string  `json:"nodeGroupName,omitempty"`
}

// NodeStatus is the observed state of a Node, including the running
// allocation tally the Scheduler reconciles against.
type NodeStatus struct {
	Capacity      ResourceList    `json:"capacity"`
	Allocatable   ResourceList    `json:"allocatable"`
	Allocated     ResourceList    `json:"allocated"`
	Conditions    []NodeCondition `json:"conditions,omitempty"`
	LastHeartbeat time.Time       `json:"lastHeartbeat"`
}

// Node is a worker machine capable of running Pods.
type Node struct {
	ObjectMeta
	Spec   NodeSpec   `json:"spec"`
	Status NodeStatus `json:"status"`
}

func (n *Node) GetObjectMeta() *ObjectMeta { return &n.ObjectMeta }
func (n *Node) GetKind() Kind              { return KindNode }
func (n *Node) DeepCopyObject() Object {
	cp := *n
	cp.Labels = copyStringMap(n.Labels)
	cp.Annotations = copyStringMap(n.Annotations)
	cp.Spec.Taints = append([]Taint(nil), n.Spec.Taints...)
	cp.Status.Capacity = n.Status.Capacity.Add(ResourceList{})
	cp.Status.Allocatable = n.Status.Allocatable.Add(ResourceList{})
	cp.Status.Allocated = n.Status.Allocated.Add(ResourceList{})
	cp.Status.Conditions = append([]NodeCondition(nil), n.Status.Conditions...)
	return &cp
}

// Ready reports whether the Node's Ready condition is True.
func (n *Node) Ready() bool {
	for _, c := range n.Status.Conditions {
		if c.Type == NodeReady {
			return c.Status == ConditionTrue
		}
	}
	return false
}

// Free returns the remaining allocatable capacity (allocatable - allocated).
func (n *Node) Free() ResourceList {
	return n.Status.Allocatable.Sub(n.Status.Allocated)
}

// NodeGroup is an autoscaler-owned, uniformly-typed set of nodes.
type NodeGroup struct {
	ObjectMeta
	Spec   NodeGroupSpec   `json:"spec"`
	Status NodeGroupStatus `json:"status"`
}

// NodeGroupSpec declares the autoscaling bounds and template for a group.
type NodeGroupSpec struct {
	MinSize            int32        `json:"minSize"`
	MaxSize            int32        `json:"maxSize"`
	DesiredCapacity    int32        `json:"desiredCapacity"`
	InstanceType       string       `json:"instanceType"`
	Zones              []string     `json:"zones,omitempty"`
	Taints             []Taint      `json:"taints,omitempty"`
	AutoScalingEnabled bool         `json:"autoScalingEnabled"`
	NodeCapacity       ResourceList `json:"nodeCapacity"`
}

// ScalingActivityPhase tracks a ClusterScalingActivity's progress.
type ScalingActivityPhase string

const (
	ActivityInProgress ScalingActivityPhase = "InProgress"
	ActivitySuccessful ScalingActivityPhase = "Successful"
)

// ClusterScalingActivity records one scale operation on a NodeGroup; it
// is driven to Successful once the node it asked for registers.
type ClusterScalingActivity struct {
	StartedAt   time.Time            `json:"startedAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
	Reason      string               `json:"reason"`
	Phase       ScalingActivityPhase `json:"phase"`
}

// NodeGroupStatus reports the observed member count and the scaling
// activity trail.
type NodeGroupStatus struct {
	CurrentSize int32                    `json:"currentSize"`
	Activities  []ClusterScalingActivity `json:"activities,omitempty"`
}

func (g *NodeGroup) GetObjectMeta() *ObjectMeta { return &g.ObjectMeta }
func (g *NodeGroup) GetKind() Kind              { return KindNodeGroup }
func (g *NodeGroup) DeepCopyObject() Object {
	cp := *g
	cp.Labels = copyStringMap(g.Labels)
	cp.Annotations = copyStringMap(g.Annotations)
	cp.Spec.Zones = append([]string(nil), g.Spec.Zones...)
	cp.Spec.Taints = append([]Taint(nil), g.Spec.Taints...)
	cp.Status.Activities = make([]ClusterScalingActivity, len(g.Status.Activities))
	for i, a := range g.Status.Activities {
		if a.CompletedAt != nil {
			at := *a.CompletedAt
			a.CompletedAt = &at
		}
		cp.Status.Activities[i] = a
	}
	return &cp
}
