// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// PathType selects the path-matching semantics for an IngressPath.
type PathType string

const (
	PathExact                  PathType = "Exact"
	PathPrefix                 PathType = "Prefix"
	PathImplementationSpecific PathType = "ImplementationSpecific"
)

// IngressBackend names the Service+port an IngressPath routes to.
type IngressBackend struct {
	ServiceName string      `json:"serviceName"`
	ServicePort IntOrString `json:"servicePort"`
}

// IngressPath is a single path-matching rule within an IngressRule.
type IngressPath struct {
	Path     string         `json:"path"`
	PathType PathType       `json:"pathType"`
	Backend  IngressBackend `json:"backend"`
}

// IngressRule matches requests by host and dispatches to one of its paths.
type IngressRule struct {
	Host  string        `json:"host,omitempty"`
	Paths []IngressPath `json:"paths"`
	// CreationTimestamp is copied from the owning Ingress at rule
	// construction time so the router's age tie-break can compare rules
	// independent of which Ingress they came from.
	CreationTimestamp time.Time `json:"creationTimestamp"`
}

// IngressTLS names the certificate secret to present for a set of hosts.
// Actual termination happens outside this component.
type IngressTLS struct {
	Hosts      []string `json:"hosts"`
	SecretName string   `json:"secretName"`
}

// IngressSpec is the desired state of an Ingress.
type IngressSpec struct {
	Rules          []IngressRule   `json:"rules"`
	TLS            []IngressTLS    `json:"tls,omitempty"`
	DefaultBackend *IngressBackend `json:"defaultBackend,omitempty"`
}

// Ingress is a host/path-based external HTTP(S) routing configuration.
type Ingress struct {
	ObjectMeta
	Spec IngressSpec `json:"spec"`
}

func (i *Ingress) GetObjectMeta() *ObjectMeta { return &i.ObjectMeta }
func (i *Ingress) GetKind() Kind              { return KindIngress }
func (i *Ingress) DeepCopyObject() Object {
	cp := *i
	cp.Labels = copyStringMap(i.Labels)
	cp.Annotations = copyStringMap(i.Annotations)
	cp.Spec.Rules = append([]IngressRule(nil), i.Spec.Rules...)
	return &cp
}
