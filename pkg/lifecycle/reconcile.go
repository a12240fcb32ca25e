/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/coordination"
	"github.com/AMD-AIG-AIMA/podex/pkg/heartbeat"
	"github.com/AMD-AIG-AIMA/podex/pkg/runtime"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/channel"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/timeutil"
)

const meteringTick = 60 * time.Second

// StartLoops runs discovery once at startup and then keeps the discovery and
// metering jobs ticking until StopLoops.
func (m *Manager) StartLoops() {
	m.loops = channel.NewTomb()
	go func() {
		defer m.loops.Done()
		m.RunDiscovery(context.Background())
		discovery := time.NewTicker(config.GetDiscoveryInterval())
		metering := time.NewTicker(meteringTick)
		defer discovery.Stop()
		defer metering.Stop()
		for {
			select {
			case <-m.loops.Stopping():
				return
			case <-discovery.C:
				m.RunDiscovery(context.Background())
			case <-metering.C:
				m.RunMetering(context.Background())
			}
		}
	}()
	klog.Infof("lifecycle reconciliation loops started")
}

func (m *Manager) StopLoops() {
	if m.loops != nil {
		m.loops.Stop()
	}
}

// RunDiscovery reconciles the store against what the hosts actually run. One
// replica wins the discovery lease per interval.
func (m *Manager) RunDiscovery(ctx context.Context) {
	acquired, err := m.leases.TryAcquire(ctx, coordination.LeaseDiscovery, config.GetDiscoveryInterval())
	if err != nil {
		klog.ErrorS(err, "failed to acquire discovery lease")
		return
	}
	if !acquired {
		return
	}
	known, err := m.store.ListAll(ctx)
	if err != nil {
		klog.ErrorS(err, "discovery aborted, store unavailable")
		return
	}
	knownIds := make(map[string]*types.WorkspaceRecord, len(known))
	for _, record := range known {
		knownIds[record.Id] = record
	}
	for _, server := range m.registry.Snapshot() {
		m.discoverServer(ctx, server, knownIds)
	}
}

func (m *Manager) discoverServer(ctx context.Context, server *types.ServerRecord,
	known map[string]*types.WorkspaceRecord) {
	driver, err := m.factory.ForServer(server)
	if err != nil {
		return
	}
	containers, err := driver.ListWorkspaceContainers(ctx)
	if err != nil {
		klog.ErrorS(err, "discovery skipped unreachable server", "server", server.Id)
		return
	}
	running := map[string]runtime.ContainerInfo{}
	for _, info := range containers {
		if info.WorkspaceId != "" {
			running[info.WorkspaceId] = info
		}
	}

	// Containers with no record: synthesize one so the fleet view is honest.
	for workspaceId, info := range running {
		if _, ok := known[workspaceId]; ok {
			continue
		}
		now := time.Now().UTC()
		record := &types.WorkspaceRecord{
			Id:     workspaceId,
			Status: heartbeat.CvtContainerState(info.State),
			Assigned: &types.Assignment{
				ServerId:    server.Id,
				ContainerId: info.Id,
				HostAddress: server.Address,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		record.SetMeta(types.MetaStaleDiscovery, "true")
		if err = m.store.Save(ctx, record); err != nil {
			klog.ErrorS(err, "failed to save discovered workspace", "workspace", workspaceId)
			continue
		}
		known[workspaceId] = record
		klog.Warningf("discovered unrecorded workspace %s on server %s", workspaceId, server.Id)
	}

	// RUNNING records with no backing container: the runtime lost them.
	records, err := m.store.ListByServer(ctx, server.Id)
	if err != nil {
		return
	}
	for _, record := range records {
		if record.Status != types.WorkspaceRunning {
			continue
		}
		if info, ok := running[record.Id]; ok {
			// A restarted control plane has no backup loop for this workspace
			// yet; StartBackground no-ops when one is already running.
			if info.State == runtime.StateRunning {
				m.sync.StartBackground(record.Id, workspaceFS(driver, info.Id), 0)
			}
			continue
		}
		record.Status = types.WorkspaceStopped
		record.SetMeta(types.MetaStaleDiscovery, "true")
		if err = m.store.Save(ctx, record); err != nil {
			klog.ErrorS(err, "failed to mark stale workspace", "workspace", record.Id)
			continue
		}
		m.sync.StopBackground(record.Id)
		m.releaseQuiet(server.Id, record)
		klog.Warningf("workspace %s has no backing container on server %s, marked STOPPED", record.Id, server.Id)
	}

	// Orphan directories: ids on disk that no record claims.
	dirs, err := listWorkspaceDirs(ctx, driver)
	if err != nil {
		return
	}
	for _, dir := range dirs {
		if _, ok := known[dir]; ok {
			continue
		}
		if err = removeWorkspaceDir(ctx, driver, dir); err != nil {
			klog.ErrorS(err, "failed to remove orphan workspace dir", "dir", dir, "server", server.Id)
			continue
		}
		klog.Infof("removed orphan workspace dir %s on server %s", dir, server.Id)
	}
}

// RunMetering emits one usage tick per RUNNING workspace whose last tick is
// at least a billing granularity old. A failed emit keeps the old timestamp
// so the tick is retried next round.
func (m *Manager) RunMetering(ctx context.Context) {
	acquired, err := m.leases.TryAcquire(ctx, coordination.LeaseMetering, meteringTick)
	if err != nil {
		klog.ErrorS(err, "failed to acquire metering lease")
		return
	}
	if !acquired {
		return
	}
	records, err := m.store.ListRunning(ctx)
	if err != nil {
		klog.ErrorS(err, "metering aborted, store unavailable")
		return
	}
	granularity := config.GetMeteringGranularity()
	now := time.Now().UTC()
	for _, record := range records {
		m.meterWorkspace(ctx, record, now, granularity)
	}
}

func (m *Manager) meterWorkspace(ctx context.Context, record *types.WorkspaceRecord,
	now time.Time, granularity time.Duration) {
	last := timeutil.CvtStrUnixToTime(record.GetMeta(types.MetaLastMeteringTs))
	if last.IsZero() {
		// Older records may predate metering; start the clock now.
		record.SetMeta(types.MetaLastMeteringTs, timeutil.CvtTimeToStrUnix(now))
		if err := m.store.Save(ctx, record); err != nil {
			klog.ErrorS(err, "failed to initialise metering timestamp", "workspace", record.Id)
		}
		return
	}
	elapsed := now.Sub(last)
	if elapsed < granularity {
		return
	}
	tick := &types.UsageTick{
		UserId:          record.UserId,
		WorkspaceId:     record.Id,
		SessionId:       record.SessionId,
		Tier:            record.Tier,
		DurationSeconds: int64(elapsed.Seconds()),
	}
	if err := m.reporter.UsageCompute(tick); err != nil {
		// Timestamp stays put so no billed interval is lost.
		klog.ErrorS(err, "usage tick failed, will retry", "workspace", record.Id)
		return
	}
	record.SetMeta(types.MetaLastMeteringTs, timeutil.CvtTimeToStrUnix(now))
	if err := m.store.Save(ctx, record); err != nil {
		klog.ErrorS(err, "failed to advance metering timestamp", "workspace", record.Id)
	}
}
