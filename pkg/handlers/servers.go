/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	apitypes "github.com/AMD-AIG-AIMA/podex/pkg/handlers/types"
	"github.com/AMD-AIG-AIMA/podex/pkg/registry"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

// InitServerRouters registers the fleet management routes.
func InitServerRouters(e *gin.Engine, h *Handler) {
	group := e.Group("/servers")
	{
		group.GET("", h.ListServers)
		group.POST("", h.RegisterServer)
		group.GET("/cluster/status", h.ClusterStatus)
		group.GET("/capacity/:region", h.RegionCapacity)
		group.GET("/:id", h.GetServer)
		group.PATCH("/:id", h.PatchServer)
		group.DELETE("/:id", h.DeleteServer)
		group.POST("/:id/drain", h.DrainServer)
		group.POST("/:id/activate", h.ActivateServer)
		group.GET("/:id/health", h.ServerHealth)
		group.GET("/:id/workspaces", h.ServerWorkspaces)
	}
}

func (h *Handler) ListServers(c *gin.Context) {
	handle(c, func(*gin.Context) (interface{}, error) {
		return h.registry.Snapshot(), nil
	})
}

func (h *Handler) RegisterServer(c *gin.Context) {
	handle(c, h.registerServer)
}

func (h *Handler) GetServer(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.registry.Get(c.Param("id"))
	})
}

func (h *Handler) PatchServer(c *gin.Context) {
	handle(c, h.patchServer)
}

func (h *Handler) DeleteServer(c *gin.Context) {
	handle(c, h.deleteServer)
}

func (h *Handler) DrainServer(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.setServerStatus(c.Param("id"), types.ServerDraining)
	})
}

func (h *Handler) ActivateServer(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.setServerStatus(c.Param("id"), types.ServerActive)
	})
}

func (h *Handler) ServerHealth(c *gin.Context) {
	handle(c, h.serverHealth)
}

func (h *Handler) ClusterStatus(c *gin.Context) {
	handle(c, func(*gin.Context) (interface{}, error) {
		return h.clusterStatus(), nil
	})
}

func (h *Handler) RegionCapacity(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.regionCapacity(c.Param("region")), nil
	})
}

func (h *Handler) ServerWorkspaces(c *gin.Context) {
	handle(c, h.serverWorkspaces)
}

func (h *Handler) registerServer(c *gin.Context) (interface{}, error) {
	var req apitypes.RegisterServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, podexerrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	record := &types.ServerRecord{
		Id:             req.Id,
		Hostname:       req.Hostname,
		Address:        req.Address,
		ManagementPort: req.ManagementPort,
		Capacity:       req.Capacity,
		Topology:       req.Topology,
		ImageByVariant: req.ImageByVariant,
		MaxWorkspaces:  req.MaxWorkspaces,
	}
	return h.registry.Register(record)
}

func (h *Handler) patchServer(c *gin.Context) (interface{}, error) {
	var req apitypes.PatchServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, podexerrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	return h.registry.Update(c.Param("id"), &registry.ServerPatch{
		Hostname:      req.Hostname,
		Labels:        req.Labels,
		Status:        req.Status,
		MaxWorkspaces: req.MaxWorkspaces,
	})
}

func (h *Handler) deleteServer(c *gin.Context) (interface{}, error) {
	force := c.Query("force") == "true"
	if err := h.registry.Delete(c.Param("id"), force); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handler) setServerStatus(serverId string, status types.ServerStatus) (interface{}, error) {
	return h.registry.Update(serverId, &registry.ServerPatch{Status: &status})
}

func (h *Handler) serverHealth(c *gin.Context) (interface{}, error) {
	serverId := c.Param("id")
	if _, err := h.registry.Get(serverId); err != nil {
		return nil, err
	}
	sample := h.heartbeat.Sample(serverId)
	if sample == nil {
		sample = &types.HealthSample{Status: types.HealthUnknown}
	}
	return sample, nil
}

func (h *Handler) serverWorkspaces(c *gin.Context) (interface{}, error) {
	serverId := c.Param("id")
	if _, err := h.registry.Get(serverId); err != nil {
		return nil, err
	}
	return h.store.ListByServer(c.Request.Context(), serverId)
}

func (h *Handler) clusterStatus() *apitypes.ClusterStatus {
	status := &apitypes.ClusterStatus{ServersByStatus: map[string]int{}}
	for _, server := range h.registry.Snapshot() {
		status.TotalServers++
		status.ServersByStatus[string(server.Status)]++
		status.TotalCapacity = status.TotalCapacity.Add(server.Capacity)
		status.TotalReserved = status.TotalReserved.Add(server.Reserved)
		status.ActiveWorkspaces += server.ActiveWorkspaces
	}
	return status
}

// regionCapacity counts how many workspaces of each tier the region could
// still place: per server the minimum over resource dimensions, summed over
// ACTIVE servers.
func (h *Handler) regionCapacity(region string) *apitypes.RegionCapacity {
	result := &apitypes.RegionCapacity{Region: region, Slots: map[string]int{}}
	servers := h.registry.Snapshot()
	for _, spec := range h.catalogue.Tiers() {
		req := spec.ToRequirements()
		slots := 0
		for _, server := range servers {
			if server.Status != types.ServerActive || server.Topology.Region != region {
				continue
			}
			if req.Architecture != "" && server.Topology.Architecture != req.Architecture {
				continue
			}
			if req.RequiresGpu && !server.Topology.HasGpu {
				continue
			}
			slots += tierSlots(server.Available(), req.Resources)
		}
		result.Slots[spec.Tier] = slots
	}
	return result
}

func tierSlots(available, req types.Resources) int {
	slots := -1
	consider := func(n int) {
		if slots < 0 || n < slots {
			slots = n
		}
	}
	if req.CpuCores > 0 {
		consider(int(available.CpuCores / req.CpuCores))
	}
	if req.MemoryMb > 0 {
		consider(int(available.MemoryMb / req.MemoryMb))
	}
	if req.DiskGb > 0 {
		consider(int(available.DiskGb / req.DiskGb))
	}
	if req.BandwidthMbps > 0 {
		consider(int(available.BandwidthMbps / req.BandwidthMbps))
	}
	if slots < 0 {
		return 0
	}
	return slots
}
