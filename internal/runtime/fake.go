// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory Runtime used by component tests and by the
// control plane when run without a container engine attached.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
}

type fakeContainer struct {
	info  ContainerInfo
	spec  ContainerSpec
	stats ContainerStats
}

// NewFake constructs an empty Fake runtime.
func NewFake() *Fake {
	return &Fake{containers: make(map[string]*fakeContainer)}
}

func (f *Fake) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.containers[id] = &fakeContainer{
		info: ContainerInfo{ID: id, Name: spec.Name, Image: spec.Image, State: "created"},
		spec: spec,
	}
	return id, nil
}

func (f *Fake) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("container %s not found", id)
	}
	c.info.State = "running"
	return nil
}

func (f *Fake) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("container %s not found", id)
	}
	c.info.State = "stopped"
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("container %s not found", id)
	}
	if c.info.State == "running" && !force {
		return fmt.Errorf("container %s is running", id)
	}
	delete(f.containers, id)
	return nil
}

func (f *Fake) ListContainers(ctx context.Context, all bool) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		if !all && c.info.State != "running" {
			continue
		}
		out = append(out, c.info)
	}
	return out, nil
}

func (f *Fake) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ContainerInfo{}, fmt.Errorf("container %s not found", id)
	}
	return c.info, nil
}

func (f *Fake) GetContainerLogs(ctx context.Context, id string, lines int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return nil, fmt.Errorf("container %s not found", id)
	}
	return []byte(""), nil
}

func (f *Fake) GetContainerStats(ctx context.Context, id string) (ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ContainerStats{}, fmt.Errorf("container %s not found", id)
	}
	return c.stats, nil
}

func (f *Fake) ExecInContainer(ctx context.Context, id string, cmd []string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return nil, fmt.Errorf("container %s not found", id)
	}
	return []byte(""), nil
}

// SetStats lets tests drive a container's reported resource usage
// without a real cgroup backing it.
func (f *Fake) SetStats(id string, stats ContainerStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.stats = stats
	}
}
