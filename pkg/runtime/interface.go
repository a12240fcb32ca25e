/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package runtime

import (
	"context"
	"io"
	"time"

	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

// Labels stamped on every workspace container so discovery can tell them
// apart from anything else running on the host.
const (
	LabelWorkspace   = "podex.workspace"
	LabelWorkspaceId = "podex.workspace_id"
)

// Paths inside every workspace container.
const (
	HomeDir              = "/home/dev"
	WorkspaceMountTarget = "/home/dev/workspace"
)

type ContainerState string

const (
	StateCreated  ContainerState = "created"
	StateRunning  ContainerState = "running"
	StateExited   ContainerState = "exited"
	StateStopped  ContainerState = "stopped"
	StatePaused   ContainerState = "paused"
	StateDead     ContainerState = "dead"
	StateRemoving ContainerState = "removing"
)

type ContainerInfo struct {
	Id          string
	Name        string
	State       ContainerState
	WorkspaceId string
	Labels      map[string]string
}

// ContainerSpec describes a workspace container to launch.
type ContainerSpec struct {
	Name          string
	Image         string
	WorkspaceId   string
	WorkspaceDir  string
	CpuCores      float64
	MemoryMb      int64
	BandwidthMbps int64
	// PublishPorts are mapped 1:1 onto the host so the reverse proxy can
	// reach them at the server address.
	PublishPorts []int
	Env          []string
}

// HostCommand is a one-shot command executed on the host through a helper
// container, used on fleets whose servers expose only the runtime API.
type HostCommand struct {
	Cmd         string
	Binds       []string
	Privileged  bool
	HostNetwork bool
}

type ExecResult struct {
	ExitCode int
	Output   string
}

// Driver is the per-host container runtime client.
type Driver interface {
	// Ping verifies the runtime endpoint answers.
	Ping(ctx context.Context) error
	// Usage scrapes host-level resource consumption.
	Usage(ctx context.Context) (*types.HostMetrics, error)

	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	// UpdateResources adjusts cpu/memory limits on a live container.
	UpdateResources(ctx context.Context, id string, cpuCores float64, memoryMb int64) error

	ListWorkspaceContainers(ctx context.Context) ([]ContainerInfo, error)
	InspectContainer(ctx context.Context, id string) (*ContainerInfo, error)

	// Exec runs cmd inside the container and waits for its exit code.
	Exec(ctx context.Context, id string, cmd []string, timeout time.Duration) (*ExecResult, error)
	// ExecStream runs cmd and copies its combined output to stdout as it is
	// produced, returning the exit code.
	ExecStream(ctx context.Context, id string, cmd []string, stdout io.Writer, timeout time.Duration) (int, error)
	// HostExec runs a command on the host itself via a helper container.
	HostExec(ctx context.Context, command *HostCommand, timeout time.Duration) (*ExecResult, error)

	Close() error
}

// Factory hands out a driver per server record. Implementations cache
// clients per host.
type Factory interface {
	ForServer(server *types.ServerRecord) (Driver, error)
}
