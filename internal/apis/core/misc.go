// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// NamespacePhase is the lifecycle state of a Namespace.
type NamespacePhase string

const (
	NamespaceActive      NamespacePhase = "Active"
	NamespaceTerminating NamespacePhase = "Terminating"
)

// Namespace scopes names for most kinds.
type Namespace struct {
	ObjectMeta
	Status NamespaceStatus `json:"status"`
}

// NamespaceStatus reports the observed phase.
type NamespaceStatus struct {
	Phase NamespacePhase `json:"phase"`
}

func (n *Namespace) GetObjectMeta() *ObjectMeta { return &n.ObjectMeta }
func (n *Namespace) GetKind() Kind              { return KindNamespace }
func (n *Namespace) DeepCopyObject() Object {
	cp := *n
	cp.Labels = copyStringMap(n.Labels)
	cp.Annotations = copyStringMap(n.Annotations)
	return &cp
}

// ConfigMap holds non-secret configuration consumed via Pod env/volume
// references.
type ConfigMap struct {
	ObjectMeta
	Data map[string]string `json:"data,omitempty"`
}

func (c *ConfigMap) GetObjectMeta() *ObjectMeta { return &c.ObjectMeta }
func (c *ConfigMap) GetKind() Kind              { return KindConfigMap }
func (c *ConfigMap) DeepCopyObject() Object {
	cp := *c
	cp.Labels = copyStringMap(c.Labels)
	cp.Annotations = copyStringMap(c.Annotations)
	cp.Data = copyStringMap(c.Data)
	return &cp
}

// Secret holds sensitive configuration; same storage shape as ConfigMap,
// kept as a distinct kind so callers cannot confuse the two when
// resolving EnvVarSource.
type Secret struct {
	ObjectMeta
	Data map[string][]byte `json:"data,omitempty"`
}

func (s *Secret) GetObjectMeta() *ObjectMeta { return &s.ObjectMeta }
func (s *Secret) GetKind() Kind              { return KindSecret }
func (s *Secret) DeepCopyObject() Object {
	cp := *s
	cp.Labels = copyStringMap(s.Labels)
	cp.Annotations = copyStringMap(s.Annotations)
	if s.Data != nil {
		cp.Data = make(map[string][]byte, len(s.Data))
		for k, v := range s.Data {
			cp.Data[k] = append([]byte(nil), v...)
		}
	}
	return &cp
}

// EventType classifies an Event as informational or a warning.
type EventType string

const (
	EventNormal  EventType = "Normal"
	EventWarning EventType = "Warning"
)

// InvolvedObjectRef names the object an Event is about.
type InvolvedObjectRef struct {
	Kind      Kind   `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
	UID       string `json:"uid,omitempty"`
}

// Event is a cluster activity record, emitted by every controller on
// state transitions.
type Event struct {
	ObjectMeta
	InvolvedObject InvolvedObjectRef `json:"involvedObject"`
	Type           EventType         `json:"type"`
	Reason         string            `json:"reason"`
	Message        string            `json:"message"`
	Count          int32             `json:"count"`
	FirstTimestamp time.Time         `json:"firstTimestamp"`
	LastTimestamp  time.Time         `json:"lastTimestamp"`
}

func (e *Event) GetObjectMeta() *ObjectMeta { return &e.ObjectMeta }
func (e *Event) GetKind() Kind              { return KindEvent }
func (e *Event) DeepCopyObject() Object {
	cp := *e
	cp.Labels = copyStringMap(e.Labels)
	cp.Annotations = copyStringMap(e.Annotations)
	return &cp
}
