// SPDX-License-Identifier: Apache-2.0

// Package volume implements the Volume Binder: binding
// PersistentVolumeClaims to PersistentVolumes, dynamic provisioning,
// and reclaim-on-release.
package volume

import (
	"context"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/infralink/control-plane/internal/apis/core"
)

// ProvisionSpec carries everything a StorageProvider needs to
// synthesize a new volume.
type ProvisionSpec struct {
	Name             string
	StorageClassName string
	Parameters       map[string]string
	Capacity         resource.Quantity
	AccessModes      []core.AccessMode
}

// ProvisionedVolume is the result of a successful Provision call: the
// VolumeSource to embed in the synthesized PersistentVolume.
type ProvisionedVolume struct {
	ID     string
	Source core.VolumeSource
}

// StorageProvider is the external interface the core consumes and
// never implements cloud-specific logic against directly.
type StorageProvider interface {
	Provision(ctx context.Context, spec ProvisionSpec) (ProvisionedVolume, error)
	Delete(ctx context.Context, volumeID string) error
	Recycle(ctx context.Context, volumeID string) error
}
