/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/registry"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

func server(id, region string, capacity types.Resources) *types.ServerRecord {
	return &types.ServerRecord{
		Id:       id,
		Hostname: id,
		Status:   types.ServerActive,
		Capacity: capacity,
		Topology: types.Topology{Architecture: types.ArchAmd64, Region: region},
	}
}

func smallRequest() *Request {
	return &Request{
		Requirements: types.Requirements{
			Resources:    types.Resources{CpuCores: 2, MemoryMb: 4096, DiskGb: 50, BandwidthMbps: 100},
			Architecture: types.ArchAmd64,
		},
	}
}

var stdCapacity = types.Resources{CpuCores: 8, MemoryMb: 16384, DiskGb: 200, BandwidthMbps: 1000}

func TestSelectPrefersLeastUtilised(t *testing.T) {
	busy := server("host-a", "us-east", stdCapacity)
	busy.Reserved = types.Resources{CpuCores: 6, MemoryMb: 4096, DiskGb: 50, BandwidthMbps: 100}
	idle := server("host-b", "us-east", stdCapacity)

	selected, err := Select([]*types.ServerRecord{busy, idle}, smallRequest())
	require.NoError(t, err)
	assert.Equal(t, "host-b", selected.Id)
}

func TestSelectTieBreaksByWorkspaceCountThenId(t *testing.T) {
	first := server("host-b", "us-east", stdCapacity)
	second := server("host-a", "us-east", stdCapacity)
	second.ActiveWorkspaces = 1
	second.Reserved = types.Resources{}

	// Identical utilisation, fewer workspaces wins.
	selected, err := Select([]*types.ServerRecord{first, second}, smallRequest())
	require.NoError(t, err)
	assert.Equal(t, "host-b", selected.Id)

	// Fully identical servers fall back to the lexically smaller id.
	second.ActiveWorkspaces = 0
	selected, err = Select([]*types.ServerRecord{first, second}, smallRequest())
	require.NoError(t, err)
	assert.Equal(t, "host-a", selected.Id)
}

func TestSelectHonoursRegionPreference(t *testing.T) {
	east := server("host-a", "us-east", stdCapacity)
	west := server("host-b", "eu-west", stdCapacity)

	req := smallRequest()
	req.RegionPreference = "eu-west"
	selected, err := Select([]*types.ServerRecord{east, west}, req)
	require.NoError(t, err)
	assert.Equal(t, "host-b", selected.Id)

	req.RegionPreference = "ap-south"
	_, err = Select([]*types.ServerRecord{east, west}, req)
	assert.True(t, podexerrors.IsRegionUnsatisfiable(err))
}

func TestSelectFiltersArchGpuAndLabels(t *testing.T) {
	amd := server("host-a", "us-east", stdCapacity)
	arm := server("host-b", "us-east", stdCapacity)
	arm.Topology.Architecture = types.ArchArm64
	gpu := server("host-c", "us-east", stdCapacity)
	gpu.Topology.HasGpu = true
	gpu.Topology.GpuKind = "mi300"
	gpu.Topology.Labels = map[string]string{"pool": "research"}
	fleet := []*types.ServerRecord{amd, arm, gpu}

	req := smallRequest()
	req.Requirements.RequiresGpu = true
	selected, err := Select(fleet, req)
	require.NoError(t, err)
	assert.Equal(t, "host-c", selected.Id)

	req.Requirements.GpuKind = "mi325"
	_, err = Select(fleet, req)
	assert.True(t, podexerrors.IsCapacityUnsatisfiable(err))

	req = smallRequest()
	req.LabelsRequired = map[string]string{"pool": "research"}
	selected, err = Select(fleet, req)
	require.NoError(t, err)
	assert.Equal(t, "host-c", selected.Id)
}

func TestSelectSkipsFullAndCappedServers(t *testing.T) {
	full := server("host-a", "us-east", stdCapacity)
	full.Reserved = stdCapacity
	capped := server("host-b", "us-east", stdCapacity)
	capped.MaxWorkspaces = 1
	capped.ActiveWorkspaces = 1
	open := server("host-c", "us-east", stdCapacity)

	selected, err := Select([]*types.ServerRecord{full, capped, open}, smallRequest())
	require.NoError(t, err)
	assert.Equal(t, "host-c", selected.Id)

	_, err = Select([]*types.ServerRecord{full, capped}, smallRequest())
	assert.True(t, podexerrors.IsCapacityUnsatisfiable(err))
}

func TestSelectIgnoresNonActiveServers(t *testing.T) {
	draining := server("host-a", "us-east", stdCapacity)
	draining.Status = types.ServerDraining

	_, err := Select([]*types.ServerRecord{draining}, smallRequest())
	assert.True(t, podexerrors.IsCapacityUnsatisfiable(err))
}

func TestPlaceBooksReservation(t *testing.T) {
	reg, err := registry.NewRegistry(nil)
	require.NoError(t, err)
	record, err := reg.Register(&types.ServerRecord{
		Hostname: "host-a",
		Capacity: stdCapacity,
		Topology: types.Topology{Architecture: types.ArchAmd64, Region: "us-east"},
	})
	require.NoError(t, err)

	engine := NewEngine(reg)
	selected, err := engine.Place(smallRequest())
	require.NoError(t, err)
	assert.Equal(t, record.Id, selected.Id)

	got, err := reg.Get(record.Id)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Reserved.CpuCores)
	assert.Equal(t, 1, got.ActiveWorkspaces)
}

func TestPlaceFailsWhenFleetFull(t *testing.T) {
	reg, err := registry.NewRegistry(nil)
	require.NoError(t, err)
	_, err = reg.Register(&types.ServerRecord{
		Hostname: "host-a",
		// Only one small workspace ever fits.
		Capacity: types.Resources{CpuCores: 2, MemoryMb: 4096, DiskGb: 50, BandwidthMbps: 100},
		Topology: types.Topology{Architecture: types.ArchAmd64, Region: "us-east"},
	})
	require.NoError(t, err)

	engine := NewEngine(reg)
	_, err = engine.Place(smallRequest())
	require.NoError(t, err)

	_, err = engine.Place(smallRequest())
	assert.True(t, podexerrors.IsCapacityUnsatisfiable(err))
}
