/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package heartbeat

import (
	"context"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/coordination"
	"github.com/AMD-AIG-AIMA/podex/pkg/registry"
	"github.com/AMD-AIG-AIMA/podex/pkg/reporter"
	"github.com/AMD-AIG-AIMA/podex/pkg/runtime"
	"github.com/AMD-AIG-AIMA/podex/pkg/store"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/channel"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/concurrent"
)

const (
	pingTimeout = 10 * time.Second
	pollWorkers = 16
)

// StatusChange is emitted whenever a server's health sample transitions.
type StatusChange struct {
	ServerId  string
	OldStatus types.HealthStatus
	NewStatus types.HealthStatus
}

type Callback func(change StatusChange)

// Service polls every registered server's container runtime once per cycle,
// derives health samples, refreshes workspace statuses from container state
// every few cycles and fans status changes out to registered callbacks. The
// cycle is gated by the heartbeat lease so one control-plane replica runs it
// at a time.
type Service struct {
	registry *registry.Registry
	factory  runtime.Factory
	store    store.Interface
	reporter reporter.Interface
	leases   coordination.Interface

	mu        sync.RWMutex
	samples   map[string]*types.HealthSample
	callbacks []Callback

	syncStopper func(workspaceId string)

	queue      workqueue.TypedInterface[StatusChange]
	tomb       *channel.Tomb
	dispatcher sync.WaitGroup
	cycle      int
}

func NewService(reg *registry.Registry, factory runtime.Factory, st store.Interface,
	rep reporter.Interface, leases coordination.Interface) *Service {
	return &Service{
		registry: reg,
		factory:  factory,
		store:    st,
		reporter: rep,
		leases:   leases,
		samples:  map[string]*types.HealthSample{},
		queue:    workqueue.NewTyped[StatusChange](),
		tomb:     channel.NewTomb(),
	}
}

func (s *Service) RegisterCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// SetSyncStopper wires the hook that halts a workspace's background file
// sync loop; the sweep invokes it when a container leaves RUNNING outside a
// lifecycle operation. Wired once at assembly, before Start.
func (s *Service) SetSyncStopper(stop func(workspaceId string)) {
	s.syncStopper = stop
}

// Sample returns the current health sample for a server; UNKNOWN before the
// first cycle touches it.
func (s *Service) Sample(serverId string) *types.HealthSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.samples[serverId]
	if !ok {
		return &types.HealthSample{Status: types.HealthUnknown}
	}
	copied := *sample
	return &copied
}

func (s *Service) Start() {
	s.dispatcher.Add(1)
	go s.dispatch()
	go s.run()
	klog.Infof("heartbeat service started, interval %s", config.GetHeartbeatInterval())
}

// Stop cancels the loop; an in-flight cycle finishes its sample writes
// before the method returns.
func (s *Service) Stop() {
	s.tomb.Stop()
	s.queue.ShutDown()
	s.dispatcher.Wait()
	klog.Infof("heartbeat service stopped")
}

func (s *Service) run() {
	defer s.tomb.Done()
	ticker := time.NewTicker(config.GetHeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.tomb.Stopping():
			return
		case <-ticker.C:
			s.RunCycle(context.Background())
		}
	}
}

// RunCycle executes one heartbeat cycle if this replica wins the lease.
func (s *Service) RunCycle(ctx context.Context) {
	interval := config.GetHeartbeatInterval()
	ok, err := s.leases.TryAcquire(ctx, coordination.LeaseHeartbeat, interval)
	if err != nil {
		klog.ErrorS(err, "failed to acquire heartbeat lease")
		return
	}
	if !ok {
		return
	}
	s.cycle++
	servers := s.registry.Snapshot()
	concurrent.ForEach(len(servers), pollWorkers, func(index int) {
		s.pollServer(ctx, servers[index])
	})
	s.markStaleSamples()
	if s.cycle%config.GetWorkspaceCheckMultiplier() == 0 {
		s.syncWorkspaceStatuses(ctx, servers)
	}
}

func (s *Service) pollServer(ctx context.Context, server *types.ServerRecord) {
	driver, err := s.factory.ForServer(server)
	if err != nil {
		s.recordFailure(server.Id, err)
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err = driver.Ping(pingCtx); err != nil {
		s.recordFailure(server.Id, err)
		return
	}
	metrics, err := driver.Usage(pingCtx)
	if err != nil {
		s.recordFailure(server.Id, err)
		return
	}
	s.recordSuccess(server.Id, metrics)
	if err = s.reporter.ServerHeartbeat(server.Id, metrics); err != nil {
		klog.ErrorS(err, "failed to report heartbeat upstream", "server", server.Id)
	}
}

func (s *Service) recordSuccess(serverId string, metrics *types.HostMetrics) {
	status := types.HealthHealthy
	if metrics.CpuUtil > 95 || metrics.MemUtil > 95 {
		status = types.HealthDegraded
	}
	s.mu.Lock()
	sample, ok := s.samples[serverId]
	if !ok {
		sample = &types.HealthSample{Status: types.HealthUnknown}
		s.samples[serverId] = sample
	}
	old := sample.Status
	sample.Status = status
	sample.LastSuccessTs = time.Now().UTC()
	sample.ConsecutiveFailures = 0
	sample.LastError = ""
	sample.Metrics = *metrics
	s.mu.Unlock()

	s.registry.RecordHeartbeat(serverId, true, config.GetHeartbeatStaleThreshold())
	s.emitChange(serverId, old, status)
}

func (s *Service) recordFailure(serverId string, err error) {
	s.mu.Lock()
	sample, ok := s.samples[serverId]
	if !ok {
		sample = &types.HealthSample{Status: types.HealthUnknown}
		s.samples[serverId] = sample
	}
	old := sample.Status
	sample.ConsecutiveFailures++
	sample.LastError = err.Error()
	if sample.ConsecutiveFailures >= config.GetHeartbeatFailureThreshold() {
		sample.Status = types.HealthUnhealthy
	}
	status := sample.Status
	s.mu.Unlock()

	s.registry.RecordHeartbeat(serverId, false, config.GetHeartbeatStaleThreshold())
	s.emitChange(serverId, old, status)
}

// markStaleSamples flips samples with no recent success to UNREACHABLE.
func (s *Service) markStaleSamples() {
	threshold := config.GetHeartbeatStaleThreshold()
	now := time.Now().UTC()
	var changes []StatusChange
	s.mu.Lock()
	for serverId, sample := range s.samples {
		if sample.Status == types.HealthUnreachable || sample.LastSuccessTs.IsZero() {
			continue
		}
		if now.Sub(sample.LastSuccessTs) > threshold {
			changes = append(changes, StatusChange{
				ServerId: serverId, OldStatus: sample.Status, NewStatus: types.HealthUnreachable,
			})
			sample.Status = types.HealthUnreachable
		}
	}
	s.mu.Unlock()
	for _, change := range changes {
		s.queue.Add(change)
	}
}

// syncWorkspaceStatuses refreshes workspace records from the containers the
// hosts actually run.
func (s *Service) syncWorkspaceStatuses(ctx context.Context, servers []*types.ServerRecord) {
	for _, server := range servers {
		driver, err := s.factory.ForServer(server)
		if err != nil {
			continue
		}
		containers, err := driver.ListWorkspaceContainers(ctx)
		if err != nil {
			klog.ErrorS(err, "failed to list workspace containers", "server", server.Id)
			continue
		}
		for _, info := range containers {
			if info.WorkspaceId == "" {
				continue
			}
			s.syncWorkspace(ctx, info)
		}
	}
}

func (s *Service) syncWorkspace(ctx context.Context, info runtime.ContainerInfo) {
	record, err := s.store.Get(ctx, info.WorkspaceId)
	if err != nil {
		return
	}
	status := CvtContainerState(info.State)
	if status == record.Status {
		return
	}
	klog.Infof("workspace %s container state %s, status %s -> %s",
		record.Id, info.State, record.Status, status)
	if record.Status == types.WorkspaceRunning {
		s.releaseWorkspace(record)
	}
	record.Status = status
	if err = s.store.Save(ctx, record); err != nil {
		klog.ErrorS(err, "failed to save workspace status", "workspace", record.Id)
		return
	}
	if err = s.reporter.WorkspaceSyncStatus(record.Id, syncStatusName(status)); err != nil {
		klog.ErrorS(err, "failed to report workspace status", "workspace", record.Id)
	}
}

// releaseWorkspace frees what the control plane still holds for a workspace
// whose container left RUNNING behind its back: the background sync loop and
// the registry reservation. Stop and Delete see the record out of RUNNING
// afterwards and do not release again.
func (s *Service) releaseWorkspace(record *types.WorkspaceRecord) {
	if s.syncStopper != nil {
		s.syncStopper(record.Id)
	}
	if record.Assigned == nil {
		return
	}
	if err := s.registry.Release(record.Assigned.ServerId, record.Requirements.Resources); err != nil {
		klog.ErrorS(err, "failed to release reservation", "workspace", record.Id,
			"server", record.Assigned.ServerId)
	}
}

// CvtContainerState maps a runtime container state onto a workspace status.
func CvtContainerState(state runtime.ContainerState) types.WorkspaceStatus {
	switch state {
	case runtime.StateRunning:
		return types.WorkspaceRunning
	case runtime.StateExited, runtime.StateStopped:
		return types.WorkspaceStopped
	case runtime.StateCreated:
		return types.WorkspaceCreating
	default:
		// dead, removing, paused
		return types.WorkspaceError
	}
}

func syncStatusName(status types.WorkspaceStatus) string {
	switch status {
	case types.WorkspaceRunning:
		return "running"
	case types.WorkspaceStopped:
		return "stopped"
	case types.WorkspaceCreating:
		return "starting"
	default:
		return "error"
	}
}

func (s *Service) emitChange(serverId string, old, next types.HealthStatus) {
	if old == next {
		return
	}
	s.queue.Add(StatusChange{ServerId: serverId, OldStatus: old, NewStatus: next})
}

func (s *Service) dispatch() {
	defer s.dispatcher.Done()
	for {
		change, shutdown := s.queue.Get()
		if shutdown {
			return
		}
		s.mu.RLock()
		callbacks := make([]Callback, len(s.callbacks))
		copy(callbacks, s.callbacks)
		s.mu.RUnlock()
		for _, cb := range callbacks {
			cb(change)
		}
		s.queue.Done(change)
	}
}
