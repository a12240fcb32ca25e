/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/runtime"
)

const hostOpTimeout = 60 * time.Second

// WorkspaceDir is the per-workspace directory on the host.
func WorkspaceDir(workspaceId string) string {
	return path.Join(config.GetWorkspacePathBase(), workspaceId)
}

// ensureWorkspaceDir creates the workspace directory on the host and applies
// the disk quota when quotas are enabled.
func ensureWorkspaceDir(ctx context.Context, driver runtime.Driver, workspaceId string, diskGb int64) error {
	dir := WorkspaceDir(workspaceId)
	result, err := driver.HostExec(ctx, &runtime.HostCommand{
		Cmd:        fmt.Sprintf("mkdir -p %q && chown 1000:1000 %q", dir, dir),
		Binds:      []string{config.GetWorkspacePathBase() + ":" + config.GetWorkspacePathBase()},
		Privileged: true,
	}, hostOpTimeout)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("create workspace dir failed with exit %d: %s", result.ExitCode, result.Output)
	}
	return applyDiskQuota(ctx, driver, workspaceId, diskGb)
}

// applyDiskQuota sets an xfs project quota on the workspace directory. The
// project id is derived from the directory so re-applying is idempotent.
func applyDiskQuota(ctx context.Context, driver runtime.Driver, workspaceId string, diskGb int64) error {
	if !config.IsDiskQuotaEnable() || diskGb <= 0 {
		return nil
	}
	dir := WorkspaceDir(workspaceId)
	base := config.GetWorkspacePathBase()
	cmd := fmt.Sprintf(
		"xfs_quota -x -c 'project -s -p %q %d' %q && xfs_quota -x -c 'limit -p bhard=%dg %d' %q",
		dir, projectId(workspaceId), base, diskGb, projectId(workspaceId), base)
	result, err := driver.HostExec(ctx, &runtime.HostCommand{
		Cmd:        cmd,
		Binds:      []string{base + ":" + base},
		Privileged: true,
	}, hostOpTimeout)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("apply disk quota failed with exit %d: %s", result.ExitCode, result.Output)
	}
	return nil
}

// projectId derives a stable xfs project id from the workspace id.
func projectId(workspaceId string) uint32 {
	var id uint32
	for _, c := range workspaceId {
		id = id*31 + uint32(c)
	}
	// Project 0 is the unquotad default.
	if id == 0 {
		id = 1
	}
	return id
}

// applyBandwidthLimit shapes container egress on the host interface. Best
// effort when shaping is disabled or unsupported.
func applyBandwidthLimit(ctx context.Context, driver runtime.Driver, workspaceId string, mbps int64) error {
	if !config.IsBandwidthShapingEnable() || mbps <= 0 {
		return nil
	}
	iface := config.GetHostInterface()
	classId := projectId(workspaceId)%9000 + 10
	cmd := fmt.Sprintf(
		"tc qdisc add dev %s root handle 1: htb 2>/dev/null; "+
			"tc class replace dev %s parent 1: classid 1:%d htb rate %dmbit",
		iface, iface, classId, mbps)
	result, err := driver.HostExec(ctx, &runtime.HostCommand{
		Cmd:         cmd,
		Privileged:  true,
		HostNetwork: true,
	}, hostOpTimeout)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("apply bandwidth limit failed with exit %d: %s", result.ExitCode, result.Output)
	}
	return nil
}

// removeWorkspaceDir deletes the workspace directory on the host; idempotent.
func removeWorkspaceDir(ctx context.Context, driver runtime.Driver, workspaceId string) error {
	dir := WorkspaceDir(workspaceId)
	base := config.GetWorkspacePathBase()
	// Refuse to operate outside the base; a malformed id must not reach rm.
	if !strings.HasPrefix(dir, base+"/") || strings.Contains(workspaceId, "..") {
		return fmt.Errorf("refusing to remove suspicious workspace dir %q", dir)
	}
	result, err := driver.HostExec(ctx, &runtime.HostCommand{
		Cmd:        fmt.Sprintf("rm -rf %q", dir),
		Binds:      []string{base + ":" + base},
		Privileged: true,
	}, hostOpTimeout)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("remove workspace dir failed with exit %d: %s", result.ExitCode, result.Output)
	}
	return nil
}

// listWorkspaceDirs enumerates per-workspace directory names on the host.
func listWorkspaceDirs(ctx context.Context, driver runtime.Driver) ([]string, error) {
	base := config.GetWorkspacePathBase()
	result, err := driver.HostExec(ctx, &runtime.HostCommand{
		Cmd:   fmt.Sprintf("ls -1 %q 2>/dev/null || true", base),
		Binds: []string{base + ":" + base},
	}, hostOpTimeout)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, line := range strings.Split(result.Output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			dirs = append(dirs, line)
		}
	}
	return dirs, nil
}

// hostDirExists reports whether the workspace directory survives on the host.
func hostDirExists(ctx context.Context, driver runtime.Driver, workspaceId string) bool {
	dir := WorkspaceDir(workspaceId)
	result, err := driver.HostExec(ctx, &runtime.HostCommand{
		Cmd:   fmt.Sprintf("test -d %q", dir),
		Binds: []string{config.GetWorkspacePathBase() + ":" + config.GetWorkspacePathBase()},
	}, hostOpTimeout)
	if err != nil {
		klog.ErrorS(err, "failed to stat workspace dir", "workspace", workspaceId)
		return false
	}
	return result.ExitCode == 0
}
