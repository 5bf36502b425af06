// SPDX-License-Identifier: Apache-2.0

package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	yamlv3 "gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"
)

// NewObject returns an empty instance of kind, or false for a kind this
// plane does not store.
func NewObject(kind Kind) (Object, bool) {
	switch kind {
	case KindPod:
		return &Pod{}, true
	case KindDeployment:
		return &Deployment{}, true
	case KindService:
		return &Service{}, true
	case KindEndpoints:
		return &Endpoints{}, true
	case KindHorizontalPodAutoscaler:
		return &HorizontalPodAutoscaler{}, true
	case KindVerticalPodAutoscaler:
		return &VerticalPodAutoscaler{}, true
	case KindPersistentVolume:
		return &PersistentVolume{}, true
	case KindPersistentVolumeClaim:
		return &PersistentVolumeClaim{}, true
	case KindStorageClass:
		return &StorageClass{}, true
	case KindIngress:
		return &Ingress{}, true
	case KindNode:
		return &Node{}, true
	case KindNodeGroup:
		return &NodeGroup{}, true
	case KindNamespace:
		return &Namespace{}, true
	case KindConfigMap:
		return &ConfigMap{}, true
	case KindSecret:
		return &Secret{}, true
	case KindEvent:
		return &Event{}, true
	default:
		return nil, false
	}
}

// Encode serializes obj to JSON with kube-convention camelCase field
// names.
func Encode(obj Object) ([]byte, error) {
	return json.Marshal(obj)
}

// Decode parses data into a fresh instance of kind. Unknown top-level
// keys (such as an explicit "kind" discriminator carried by manifest
// files) are ignored.
func Decode(kind Kind, data []byte) (Object, error) {
	obj, ok := NewObject(kind)
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, err)
	}
	return obj, nil
}

// DecodeManifest splits a possibly multi-document YAML manifest and
// decodes each document into its declared kind. Every document must
// carry a top-level "kind" key.
func DecodeManifest(data []byte) ([]Object, error) {
	dec := yamlv3.NewDecoder(bytes.NewReader(data))
	var out []Object
	for i := 0; ; i++ {
		var doc map[string]interface{}
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if len(doc) == 0 {
			continue
		}
		kindVal, ok := doc["kind"].(string)
		if !ok || kindVal == "" {
			return nil, fmt.Errorf("document %d: missing kind", i)
		}

		raw, err := yamlv3.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		jsonBytes, err := sigsyaml.YAMLToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		obj, err := Decode(Kind(kindVal), jsonBytes)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		out = append(out, obj)
	}
}
