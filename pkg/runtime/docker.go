/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

type dockerDriver struct {
	cli      *client.Client
	capacity types.Resources
}

// NewDockerDriver connects to the docker engine API exposed on
// host:port. The caller owns the capacity figure used for utilisation math.
func NewDockerDriver(host string, port int, capacity types.Resources) (Driver, error) {
	endpoint := fmt.Sprintf("tcp://%s:%d", host, port)
	cli, err := client.NewClientWithOpts(
		client.WithHost(endpoint),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}
	return &dockerDriver{cli: cli, capacity: capacity}, nil
}

func (d *dockerDriver) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *dockerDriver) Usage(ctx context.Context) (*types.HostMetrics, error) {
	containers, err := d.ListWorkspaceContainers(ctx)
	if err != nil {
		return nil, err
	}
	metrics := &types.HostMetrics{}
	for _, info := range containers {
		if info.State != StateRunning {
			continue
		}
		metrics.ActiveWorkspaces++
		stats, err := d.containerStats(ctx, info.Id)
		if err != nil {
			klog.ErrorS(err, "failed to read container stats", "container", info.Id)
			continue
		}
		metrics.UsedCpu += stats.cpuCores
		metrics.UsedMemoryMb += stats.memoryMb
		metrics.BandwidthUsedMbps += stats.bandwidthMbps
	}
	usage, err := d.cli.DiskUsage(ctx, dockertypes.DiskUsageOptions{})
	if err == nil {
		var bytes int64
		for _, c := range usage.Containers {
			bytes += c.SizeRw
		}
		metrics.UsedDiskGb = bytes / units.GiB
	}
	if d.capacity.CpuCores > 0 {
		metrics.CpuUtil = metrics.UsedCpu / d.capacity.CpuCores * 100
	}
	if d.capacity.MemoryMb > 0 {
		metrics.MemUtil = float64(metrics.UsedMemoryMb) / float64(d.capacity.MemoryMb) * 100
	}
	return metrics, nil
}

type containerStats struct {
	cpuCores      float64
	memoryMb      int64
	bandwidthMbps int64
}

func (d *dockerDriver) containerStats(ctx context.Context, id string) (*containerStats, error) {
	rsp, err := d.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	var stats container.StatsResponse
	if err = json.NewDecoder(rsp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	result := &containerStats{
		memoryMb: int64(stats.MemoryStats.Usage) / units.MiB,
	}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	if systemDelta > 0 {
		result.cpuCores = cpuDelta / systemDelta * float64(stats.CPUStats.OnlineCPUs)
	}
	return result, nil
}

func (d *dockerDriver) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
		Labels: map[string]string{
			LabelWorkspace:   "true",
			LabelWorkspaceId: spec.WorkspaceId,
		},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{spec.WorkspaceDir + ":" + WorkspaceMountTarget},
		Resources: container.Resources{
			NanoCPUs: int64(spec.CpuCores * 1e9),
			Memory:   spec.MemoryMb * units.MiB,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if len(spec.PublishPorts) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
		for _, port := range spec.PublishPorts {
			// Host port mirrors the container port, proxy targets depend on it.
			proto := nat.Port(fmt.Sprintf("%d/tcp", port))
			cfg.ExposedPorts[proto] = struct{}{}
			hostCfg.PortBindings[proto] = []nat.PortBinding{
				{HostPort: strconv.Itoa(port)},
			}
		}
	}
	rsp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return rsp.ID, nil
}

func (d *dockerDriver) StartContainer(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerDriver) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
}

func (d *dockerDriver) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (d *dockerDriver) UpdateResources(ctx context.Context, id string, cpuCores float64, memoryMb int64) error {
	_, err := d.cli.ContainerUpdate(ctx, id, container.UpdateConfig{
		Resources: container.Resources{
			NanoCPUs: int64(cpuCores * 1e9),
			Memory:   memoryMb * units.MiB,
			// Memory swap must stay above the memory limit or the update is
			// rejected by the engine.
			MemorySwap: memoryMb * units.MiB * 2,
		},
	})
	return err
}

func (d *dockerDriver) ListWorkspaceContainers(ctx context.Context) ([]ContainerInfo, error) {
	args := filters.NewArgs(filters.Arg("label", LabelWorkspace+"=true"))
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}
	result := make([]ContainerInfo, 0, len(summaries))
	for _, summary := range summaries {
		name := ""
		if len(summary.Names) > 0 {
			name = strings.TrimPrefix(summary.Names[0], "/")
		}
		result = append(result, ContainerInfo{
			Id:          summary.ID,
			Name:        name,
			State:       ContainerState(summary.State),
			WorkspaceId: summary.Labels[LabelWorkspaceId],
			Labels:      summary.Labels,
		})
	}
	return result, nil
}

func (d *dockerDriver) InspectContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	rsp, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	info := &ContainerInfo{
		Id:     rsp.ID,
		Name:   strings.TrimPrefix(rsp.Name, "/"),
		Labels: rsp.Config.Labels,
	}
	if rsp.State != nil {
		info.State = ContainerState(rsp.State.Status)
	}
	if rsp.Config != nil {
		info.WorkspaceId = rsp.Config.Labels[LabelWorkspaceId]
	}
	return info, nil
}

func (d *dockerDriver) Exec(ctx context.Context, id string, cmd []string, timeout time.Duration) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execRsp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, err
	}
	attach, err := d.cli.ContainerExecAttach(ctx, execRsp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, err
	}
	defer attach.Close()
	output, err := io.ReadAll(attach.Reader)
	if err != nil {
		return nil, err
	}
	inspect, err := d.cli.ContainerExecInspect(ctx, execRsp.ID)
	if err != nil {
		return nil, err
	}
	return &ExecResult{ExitCode: inspect.ExitCode, Output: string(output)}, nil
}

func (d *dockerDriver) ExecStream(ctx context.Context, id string, cmd []string,
	stdout io.Writer, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execRsp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, err
	}
	attach, err := d.cli.ContainerExecAttach(ctx, execRsp.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, err
	}
	defer attach.Close()
	if _, err = io.Copy(stdout, attach.Reader); err != nil {
		return 0, err
	}
	inspect, err := d.cli.ContainerExecInspect(ctx, execRsp.ID)
	if err != nil {
		return 0, err
	}
	return inspect.ExitCode, nil
}

// HostExec launches a one-shot helper container, waits for it, collects its
// logs and exit code, and removes it.
func (d *dockerDriver) HostExec(ctx context.Context, command *HostCommand, timeout time.Duration) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := &container.Config{
		Image: config.GetHelperImage(),
		Cmd:   []string{"/bin/sh", "-c", command.Cmd},
		Labels: map[string]string{
			"podex.helper": "true",
		},
	}
	hostCfg := &container.HostConfig{
		Binds:      command.Binds,
		Privileged: command.Privileged,
	}
	if command.HostNetwork {
		hostCfg.NetworkMode = "host"
	}
	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := d.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); err != nil {
			klog.ErrorS(err, "failed to remove helper container", "container", created.ID)
		}
	}()
	if err = d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, err
	}
	waitCh, errCh := d.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case wait := <-waitCh:
		exitCode = int(wait.StatusCode)
	case err = <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	logs, err := d.cli.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return &ExecResult{ExitCode: exitCode}, nil
	}
	defer logs.Close()
	output, _ := io.ReadAll(logs)
	return &ExecResult{ExitCode: exitCode, Output: string(output)}, nil
}

func (d *dockerDriver) Close() error {
	return d.cli.Close()
}

type dockerFactory struct {
	mu      sync.Mutex
	drivers map[string]Driver
}

func NewDockerFactory() Factory {
	return &dockerFactory{drivers: map[string]Driver{}}
}

func (f *dockerFactory) ForServer(server *types.ServerRecord) (Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%d", server.Address, server.ManagementPort)
	if driver, ok := f.drivers[key]; ok {
		return driver, nil
	}
	driver, err := NewDockerDriver(server.Address, server.ManagementPort, server.Capacity)
	if err != nil {
		return nil, err
	}
	f.drivers[key] = driver
	return driver, nil
}
