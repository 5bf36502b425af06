// SPDX-License-Identifier: Apache-2.0

// Package runtime defines the control plane's sole coupling to
// container execution. The core
// never implements container-engine logic directly; it calls through
// this interface, which concrete packages (dockerruntime, or the
// in-memory fake used by tests) implement.
package runtime

import "context"

// ContainerSpec describes the container to create, derived from a
// core.Container entry of a Pod's spec.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Args       []string
	Env        map[string]string
	Resources  ResourceLimits
	Mounts     []Mount
	Ports      []PortMapping
}

// ResourceLimits caps CPU/memory for container creation.
type ResourceLimits struct {
	CPUNanos    int64
	MemoryBytes int64
}

// Mount is a single bind/volume mount into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// PortMapping exposes a container port on the host.
type PortMapping struct {
	ContainerPort int32
	HostPort      int32
	Protocol      string
}

// ContainerInfo is the result of List/Inspect.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string
	StartedAt  string
	ExitCode   int
}

// ContainerStats is the result of GetContainerStats.
type ContainerStats struct {
	CPUNanos        uint64
	MemoryBytes     uint64
	NetworkRxBytes  uint64
	NetworkTxBytes  uint64
	NetworkRxErrors uint64
	NetworkTxErrors uint64
	BlockIORead     uint64
	BlockIOWrite    uint64
	PIDs            int
}

// Runtime is the container-engine abstraction the control plane calls
// through.
type Runtime interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (id string, err error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	ListContainers(ctx context.Context, all bool) ([]ContainerInfo, error)
	InspectContainer(ctx context.Context, id string) (ContainerInfo, error)
	GetContainerLogs(ctx context.Context, id string, lines int) ([]byte, error)
	GetContainerStats(ctx context.Context, id string) (ContainerStats, error)
	ExecInContainer(ctx context.Context, id string, cmd []string) ([]byte, error)
}
