/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package placement

import (
	"fmt"
	"sort"

	"k8s.io/klog/v2"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/registry"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

const defaultMaxRetries = 3

// Request is one placement question.
type Request struct {
	Requirements     types.Requirements
	RegionPreference string
	LabelsRequired   map[string]string
}

type Engine struct {
	registry   *registry.Registry
	maxRetries int
}

func NewEngine(reg *registry.Registry) *Engine {
	return &Engine{registry: reg, maxRetries: defaultMaxRetries}
}

// Place selects a server for the request and books the reservation. The
// selection itself is pure over a registry snapshot; losing the reservation
// race restarts the selection, up to maxRetries attempts.
func (e *Engine) Place(req *Request) (*types.ServerRecord, error) {
	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		candidate, err := Select(e.registry.Snapshot(), req)
		if err != nil {
			return nil, err
		}
		if err = e.registry.Reserve(candidate.Id, req.Requirements.Resources); err != nil {
			if podexerrors.IsPlacementConflict(err) {
				klog.V(2).Infof("placement race on server %s, attempt %d", candidate.Id, attempt+1)
				lastErr = err
				continue
			}
			return nil, err
		}
		return candidate, nil
	}
	return nil, podexerrors.NewCapacityUnsatisfiable(
		fmt.Sprintf("placement failed after %d attempts: %v", e.maxRetries, lastErr))
}

// PlaceSameServer accepts a live-scaling delta only if the current host still
// fits after it; it never migrates across servers.
func (e *Engine) PlaceSameServer(serverId string, current, next types.Requirements) error {
	return e.registry.Adjust(serverId, current.Resources, next.Resources)
}

type scoredServer struct {
	server *types.ServerRecord
	// utilisation is the max-dimension utilisation after placing the
	// request; lower is better.
	utilisation float64
}

// Select is the pure selection over a snapshot. Deterministic: the same
// snapshot and request always yield the same server.
func Select(snapshot []*types.ServerRecord, req *Request) (*types.ServerRecord, error) {
	candidates := make([]*types.ServerRecord, 0, len(snapshot))
	for _, server := range snapshot {
		if server.Status == types.ServerActive {
			candidates = append(candidates, server)
		}
	}
	if req.RegionPreference != "" {
		candidates = filter(candidates, func(s *types.ServerRecord) bool {
			return s.Topology.Region == req.RegionPreference
		})
		if len(candidates) == 0 {
			return nil, podexerrors.NewRegionUnsatisfiable(req.RegionPreference)
		}
	}
	candidates = filter(candidates, func(s *types.ServerRecord) bool {
		return s.Topology.Architecture == req.Requirements.Architecture
	})
	if req.Requirements.RequiresGpu {
		candidates = filter(candidates, func(s *types.ServerRecord) bool {
			if !s.Topology.HasGpu {
				return false
			}
			return req.Requirements.GpuKind == "" || s.Topology.GpuKind == req.Requirements.GpuKind
		})
	}
	for key, val := range req.LabelsRequired {
		key, val := key, val
		candidates = filter(candidates, func(s *types.ServerRecord) bool {
			return s.Topology.Labels[key] == val
		})
	}
	candidates = filter(candidates, func(s *types.ServerRecord) bool {
		if s.MaxWorkspaces > 0 && s.ActiveWorkspaces >= s.MaxWorkspaces {
			return false
		}
		return s.Available().Fits(req.Requirements.Resources)
	})
	if len(candidates) == 0 {
		return nil, podexerrors.NewCapacityUnsatisfiable("no active server fits the requirements")
	}

	scored := make([]scoredServer, 0, len(candidates))
	for _, server := range candidates {
		scored = append(scored, scoredServer{
			server:      server,
			utilisation: postPlacementUtilisation(server, req.Requirements.Resources),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].utilisation != scored[j].utilisation {
			return scored[i].utilisation < scored[j].utilisation
		}
		if scored[i].server.ActiveWorkspaces != scored[j].server.ActiveWorkspaces {
			return scored[i].server.ActiveWorkspaces < scored[j].server.ActiveWorkspaces
		}
		return scored[i].server.Id < scored[j].server.Id
	})
	return scored[0].server, nil
}

// postPlacementUtilisation is the max dimension utilisation were the request
// placed on the server.
func postPlacementUtilisation(server *types.ServerRecord, req types.Resources) float64 {
	reserved := server.Reserved.Add(req)
	result := 0.0
	for _, dim := range []struct {
		used, total float64
	}{
		{reserved.CpuCores, server.Capacity.CpuCores},
		{float64(reserved.MemoryMb), float64(server.Capacity.MemoryMb)},
		{float64(reserved.DiskGb), float64(server.Capacity.DiskGb)},
		{float64(reserved.BandwidthMbps), float64(server.Capacity.BandwidthMbps)},
	} {
		if dim.total <= 0 {
			continue
		}
		if util := dim.used / dim.total; util > result {
			result = util
		}
	}
	return result
}

func filter(servers []*types.ServerRecord, keep func(*types.ServerRecord) bool) []*types.ServerRecord {
	result := servers[:0]
	for _, server := range servers {
		if keep(server) {
			result = append(result, server)
		}
	}
	return result
}
