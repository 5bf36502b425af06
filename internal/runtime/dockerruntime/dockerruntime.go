// SPDX-License-Identifier: Apache-2.0

// Package dockerruntime implements runtime.Runtime against a real
// Docker Engine through the official client library.
package dockerruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	crt "github.com/infralink/control-plane/internal/runtime"
)

// Runtime adapts the Docker Engine API client to runtime.Runtime.
type Runtime struct {
	cli *client.Client
}

// New dials the Docker daemon using the standard environment
// variables (DOCKER_HOST, DOCKER_CERT_PATH, ...).
func New() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

var _ crt.Runtime = (*Runtime)(nil)

func (r *Runtime) CreateContainer(ctx context.Context, spec crt.ContainerSpec) (string, error) {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, spec.Image); err != nil {
		reader, pullErr := r.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
		if pullErr != nil {
			return "", fmt.Errorf("pulling image %s: %w", spec.Image, pullErr)
		}
		defer reader.Close()
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return "", fmt.Errorf("draining pull response: %w", err)
		}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	exposed, bindings := portConfig(spec.Ports)

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	resources := container.Resources{
		NanoCPUs: spec.Resources.CPUNanos,
		Memory:   spec.Resources.MemoryBytes,
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Cmd:          append(append([]string{}, spec.Command...), spec.Args...),
		Env:          env,
		ExposedPorts: exposed,
	}, &container.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts,
		Resources:    resources,
	}, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	return r.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (r *Runtime) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	timeout := timeoutSeconds
	return r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string, force bool) error {
	return r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
}

func (r *Runtime) ListContainers(ctx context.Context, all bool) ([]crt.ContainerInfo, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, err
	}
	out := make([]crt.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, crt.ContainerInfo{
			ID:    c.ID,
			Name:  name,
			Image: c.Image,
			State: c.State,
		})
	}
	return out, nil
}

func (r *Runtime) InspectContainer(ctx context.Context, id string) (crt.ContainerInfo, error) {
	inspect, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return crt.ContainerInfo{}, err
	}
	info := crt.ContainerInfo{
		ID:    inspect.ID,
		Name:  inspect.Name,
		Image: inspect.Image,
	}
	if inspect.State != nil {
		info.State = inspect.State.Status
		info.StartedAt = inspect.State.StartedAt
		info.ExitCode = inspect.State.ExitCode
	}
	return info, nil
}

func (r *Runtime) GetContainerLogs(ctx context.Context, id string, lines int) ([]byte, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if lines > 0 {
		opts.Tail = strconv.Itoa(lines)
	}
	reader, err := r.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return nil, fmt.Errorf("demultiplexing logs: %w", err)
	}
	return append(stdout.Bytes(), stderr.Bytes()...), nil
}

func (r *Runtime) GetContainerStats(ctx context.Context, id string) (crt.ContainerStats, error) {
	resp, err := r.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return crt.ContainerStats{}, err
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := decodeJSON(resp.Body, &raw); err != nil {
		return crt.ContainerStats{}, fmt.Errorf("decoding stats for %s: %w", id, err)
	}

	var rx, tx, rxErr, txErr uint64
	for _, n := range raw.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
		rxErr += n.RxErrors
		txErr += n.TxErrors
	}

	cpuDelta := raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage

	return crt.ContainerStats{
		CPUNanos:        cpuDelta,
		MemoryBytes:     raw.MemoryStats.Usage,
		NetworkRxBytes:  rx,
		NetworkTxBytes:  tx,
		NetworkRxErrors: rxErr,
		NetworkTxErrors: txErr,
		PIDs:            int(raw.PidsStats.Current),
	}, nil
}

func (r *Runtime) ExecInContainer(ctx context.Context, id string, cmd []string) ([]byte, error) {
	execID, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec for %s: %w", id, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec for %s: %w", id, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("demultiplexing exec output: %w", err)
	}
	return append(stdout.Bytes(), stderr.Bytes()...), nil
}

func portConfig(ports []crt.PortMapping) (nat.PortSet, nat.PortMap) {
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(int(p.HostPort))}}
	}
	return exposed, bindings
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
