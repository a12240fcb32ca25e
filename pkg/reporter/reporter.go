/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package reporter

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/httpclient"
)

// Interface pushes fleet telemetry to the admin/billing collaborators. The
// control plane only ships quantities; pricing lives downstream.
type Interface interface {
	ServerHeartbeat(serverId string, metrics *types.HostMetrics) error
	WorkspaceSyncStatus(workspaceId string, status string) error
	UsageCompute(tick *types.UsageTick) error
}

type Client struct {
	httpClient httpclient.Interface
}

func NewClient(httpClient httpclient.Interface) *Client {
	return &Client{httpClient: httpClient}
}

func (c *Client) ServerHeartbeat(serverId string, metrics *types.HostMetrics) error {
	body := map[string]interface{}{
		"used_cpu":            metrics.UsedCpu,
		"used_memory_mb":      metrics.UsedMemoryMb,
		"used_disk_gb":        metrics.UsedDiskGb,
		"used_bandwidth_mbps": metrics.BandwidthUsedMbps,
		"active_workspaces":   metrics.ActiveWorkspaces,
	}
	return c.post(fmt.Sprintf("/internal/servers/%s/heartbeat", serverId), body)
}

func (c *Client) WorkspaceSyncStatus(workspaceId string, status string) error {
	return c.post(fmt.Sprintf("/internal/workspaces/%s/sync-status", workspaceId),
		map[string]string{"status": status})
}

func (c *Client) UsageCompute(tick *types.UsageTick) error {
	return c.post("/internal/usage/compute", tick)
}

func (c *Client) post(path string, body interface{}) error {
	endpoint := config.GetAdminEndpoint()
	if endpoint == "" {
		// Collaborator not wired in this deployment; drop silently at V(4).
		klog.V(4).Infof("admin endpoint unset, dropping report to %s", path)
		return nil
	}
	rsp, err := c.httpClient.Post(endpoint+path, body,
		"X-Service-Token", config.GetInternalServiceToken())
	if err != nil {
		return err
	}
	if !rsp.IsSuccess() {
		return fmt.Errorf("report to %s returned status %d", path, rsp.StatusCode)
	}
	return nil
}

// Nop discards every report; used by tests and agentless deployments.
type Nop struct{}

func (Nop) ServerHeartbeat(string, *types.HostMetrics) error { return nil }
func (Nop) WorkspaceSyncStatus(string, string) error { return nil }
func (Nop) UsageCompute(*types.UsageTick) error { return nil }
