// SPDX-License-Identifier: Apache-2.0

// Package hostpath implements volume.StorageProvider against the local
// filesystem, the one non-cloud provisioner shipped to exercise
// Provision/Delete/Recycle end to end.
package hostpath

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/volume"
)

// Provider provisions HostPath-backed volumes under BaseDir.
type Provider struct {
	BaseDir string
}

// New constructs a Provider rooted at baseDir, creating it if absent.
func New(baseDir string) (*Provider, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating hostpath base dir: %w", err)
	}
	return &Provider{BaseDir: baseDir}, nil
}

var _ volume.StorageProvider = (*Provider)(nil)

func (p *Provider) Provision(ctx context.Context, spec volume.ProvisionSpec) (volume.ProvisionedVolume, error) {
	id := uuid.NewString()
	path := filepath.Join(p.BaseDir, id)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return volume.ProvisionedVolume{}, fmt.Errorf("provisioning hostpath volume %s: %w", id, err)
	}
	return volume.ProvisionedVolume{
		ID: id,
		Source: core.VolumeSource{
			Kind:     core.VolumeSourceHostPath,
			HostPath: &core.HostPathVolumeSource{Path: path},
		},
	}, nil
}

func (p *Provider) Delete(ctx context.Context, volumeID string) error {
	path := filepath.Join(p.BaseDir, volumeID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("deleting hostpath volume %s: %w", volumeID, err)
	}
	return nil
}

// Recycle scrubs the volume's contents and leaves the directory in
// place for reuse.
func (p *Provider) Recycle(ctx context.Context, volumeID string) error {
	path := filepath.Join(p.BaseDir, volumeID)
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("reading hostpath volume %s for recycle: %w", volumeID, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(path, e.Name())); err != nil {
			return fmt.Errorf("scrubbing hostpath volume %s: %w", volumeID, err)
		}
	}
	return nil
}
