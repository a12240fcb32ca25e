/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

// FakeDriver is the in-memory runtime used by tests across the control plane.
type FakeDriver struct {
	mu sync.Mutex

	Containers map[string]*ContainerInfo
	Metrics    types.HostMetrics

	PingErr    error
	CreateErr  error
	StartErr   error
	UpdateErr  error
	ExecResult *ExecResult

	ExecCommands []string
	HostCommands []string
	// HostExecOutput is returned as the output of every HostExec call.
	HostExecOutput string
	nextId         int
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		Containers: map[string]*ContainerInfo{},
		ExecResult: &ExecResult{ExitCode: 0},
	}
}

func (f *FakeDriver) Ping(_ context.Context) error {
	return f.PingErr
}

func (f *FakeDriver) Usage(_ context.Context) (*types.HostMetrics, error) {
	if f.PingErr != nil {
		return nil, f.PingErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	metrics := f.Metrics
	metrics.ActiveWorkspaces = 0
	for _, info := range f.Containers {
		if info.State == StateRunning {
			metrics.ActiveWorkspaces++
		}
	}
	return &metrics, nil
}

func (f *FakeDriver) CreateContainer(_ context.Context, spec *ContainerSpec) (string, error) {
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextId++
	id := fmt.Sprintf("ctr-%d", f.nextId)
	f.Containers[id] = &ContainerInfo{
		Id:          id,
		Name:        spec.Name,
		State:       StateCreated,
		WorkspaceId: spec.WorkspaceId,
		Labels: map[string]string{
			LabelWorkspace:   "true",
			LabelWorkspaceId: spec.WorkspaceId,
		},
	}
	return id, nil
}

func (f *FakeDriver) StartContainer(_ context.Context, id string) error {
	if f.StartErr != nil {
		return f.StartErr
	}
	return f.setState(id, StateRunning)
}

func (f *FakeDriver) StopContainer(_ context.Context, id string, _ time.Duration) error {
	return f.setState(id, StateExited)
}

func (f *FakeDriver) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Containers, id)
	return nil
}

func (f *FakeDriver) UpdateResources(_ context.Context, id string, _ float64, _ int64) error {
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Containers[id]; !ok {
		return fmt.Errorf("no such container %s", id)
	}
	return nil
}

func (f *FakeDriver) ListWorkspaceContainers(_ context.Context) ([]ContainerInfo, error) {
	if f.PingErr != nil {
		return nil, f.PingErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]ContainerInfo, 0, len(f.Containers))
	for _, info := range f.Containers {
		result = append(result, *info)
	}
	return result, nil
}

func (f *FakeDriver) InspectContainer(_ context.Context, id string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.Containers[id]
	if !ok {
		return nil, nil
	}
	result := *info
	return &result, nil
}

func (f *FakeDriver) Exec(_ context.Context, id string, cmd []string, _ time.Duration) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExecCommands = append(f.ExecCommands, strings.Join(cmd, " "))
	info, ok := f.Containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s", id)
	}
	if info.State != StateRunning {
		return &ExecResult{ExitCode: 1}, nil
	}
	result := *f.ExecResult
	return &result, nil
}

func (f *FakeDriver) ExecStream(ctx context.Context, id string, cmd []string,
	stdout io.Writer, timeout time.Duration) (int, error) {
	result, err := f.Exec(ctx, id, cmd, timeout)
	if err != nil {
		return 0, err
	}
	if _, err = io.WriteString(stdout, result.Output); err != nil {
		return 0, err
	}
	return result.ExitCode, nil
}

func (f *FakeDriver) HostExec(_ context.Context, command *HostCommand, _ time.Duration) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HostCommands = append(f.HostCommands, command.Cmd)
	return &ExecResult{ExitCode: 0, Output: f.HostExecOutput}, nil
}

func (f *FakeDriver) Close() error {
	return nil
}

func (f *FakeDriver) setState(id string, state ContainerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.Containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	info.State = state
	return nil
}

// SetState is a test hook for simulating out-of-band container transitions.
func (f *FakeDriver) SetState(id string, state ContainerState) {
	_ = f.setState(id, state)
}

// FakeFactory returns the same fake driver for every server unless a
// per-server driver is registered.
type FakeFactory struct {
	mu      sync.Mutex
	Default *FakeDriver
	PerHost map[string]*FakeDriver
}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{Default: NewFakeDriver(), PerHost: map[string]*FakeDriver{}}
}

func (f *FakeFactory) ForServer(server *types.ServerRecord) (Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if driver, ok := f.PerHost[server.Id]; ok {
		return driver, nil
	}
	return f.Default, nil
}

// Register pins a dedicated fake driver to a server id.
func (f *FakeFactory) Register(serverId string, driver *FakeDriver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PerHost[serverId] = driver
}
