// SPDX-License-Identifier: Apache-2.0

package core

import "k8s.io/apimachinery/pkg/types"

// ServiceType selects how a Service is exposed.
type ServiceType string

const (
	ServiceClusterIP    ServiceType = "ClusterIP"
	ServiceNodePort     ServiceType = "NodePort"
	ServiceLoadBalancer ServiceType = "LoadBalancer"
	ServiceExternalName ServiceType = "ExternalName"
)

// ServicePort declares one exposed port and the target container port it
// maps to (by number or by name, resolved in internal/serviceregistry).
type ServicePort struct {
	Name       string      `json:"name,omitempty"`
	Port       int32       `json:"port"`
	TargetPort IntOrString `json:"targetPort"`
	Protocol   Protocol    `json:"protocol,omitempty"`
	NodePort   int32       `json:"nodePort,omitempty"`
}

// ServiceSpec is the desired state of a Service.
type ServiceSpec struct {
	Selector         LabelSelector `json:"selector,omitempty"`
	Ports            []ServicePort `json:"ports"`
	Type             ServiceType   `json:"type,omitempty"`
	ClusterIP        string        `json:"clusterIP,omitempty"`
	ExternalName     string        `json:"externalName,omitempty"`
	SessionAffinity  string        `json:"sessionAffinity,omitempty"`
}

// Service is a stable virtual endpoint load-balancing across a
// selector-matched Pod set.
type Service struct {
	ObjectMeta
	Spec ServiceSpec `json:"spec"`
}

func (s *Service) GetObjectMeta() *ObjectMeta { return &s.ObjectMeta }
func (s *Service) GetKind() Kind              { return KindService }
func (s *Service) DeepCopyObject() Object {
	cp := *s
	cp.Labels = copyStringMap(s.Labels)
	cp.Annotations = copyStringMap(s.Annotations)
	cp.Spec.Ports = append([]ServicePort(nil), s.Spec.Ports...)
	return &cp
}

// EndpointAddress is one Pod backing a Service.
type EndpointAddress struct {
	PodUID      types.UID `json:"podUID"`
	IP          string    `json:"ip"`
	Port        int32     `json:"port"`
	PortName    string    `json:"portName,omitempty"`
	Ready       bool      `json:"ready"`
	Serving     bool      `json:"serving"`
	Terminating bool      `json:"terminating"`
}

// Endpoints is the derived address set for a Service; it is recomputed
// whenever the Service or its matching Pods change.
type Endpoints struct {
	ObjectMeta
	Addresses []EndpointAddress `json:"addresses"`
}

func (e *Endpoints) GetObjectMeta() *ObjectMeta { return &e.ObjectMeta }
func (e *Endpoints) GetKind() Kind              { return KindEndpoints }
func (e *Endpoints) DeepCopyObject() Object {
	cp := *e
	cp.Labels = copyStringMap(e.Labels)
	cp.Annotations = copyStringMap(e.Annotations)
	cp.Addresses = append([]EndpointAddress(nil), e.Addresses...)
	return &cp
}

// Ready returns the subset of addresses eligible to receive traffic.
func (e *Endpoints) Ready() []EndpointAddress {
	out := make([]EndpointAddress, 0, len(e.Addresses))
	for _, a := range e.Addresses {
		if a.Ready && !a.Terminating {
			out = append(out, a)
		}
	}
	return out
}
