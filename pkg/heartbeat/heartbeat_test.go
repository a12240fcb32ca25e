/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/coordination"
	"github.com/AMD-AIG-AIMA/podex/pkg/registry"
	"github.com/AMD-AIG-AIMA/podex/pkg/reporter"
	"github.com/AMD-AIG-AIMA/podex/pkg/runtime"
	"github.com/AMD-AIG-AIMA/podex/pkg/store"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

type testEnv struct {
	service  *Service
	registry *registry.Registry
	factory  *runtime.FakeFactory
	store    store.Interface
	server   *types.ServerRecord
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	reg, err := registry.NewRegistry(nil)
	require.NoError(t, err)
	server, err := reg.Register(&types.ServerRecord{
		Hostname: "host-1",
		Address:  "10.0.0.1",
		Capacity: types.Resources{CpuCores: 8, MemoryMb: 16384, DiskGb: 200, BandwidthMbps: 1000},
		Topology: types.Topology{Architecture: types.ArchAmd64, Region: "us-east"},
	})
	require.NoError(t, err)

	factory := runtime.NewFakeFactory()
	st := store.NewStore(client)
	leases := coordination.NewLeaseManager(client)
	service := NewService(reg, factory, st, reporter.Nop{}, leases)
	return &testEnv{
		service:  service,
		registry: reg,
		factory:  factory,
		store:    st,
		server:   server,
	}
}

// runCycle releases the lease afterwards so the next call in the same test
// does not skip itself.
func (e *testEnv) runCycle(t *testing.T) {
	t.Helper()
	e.service.RunCycle(context.Background())
	e.service.leases.Release(context.Background(), coordination.LeaseHeartbeat)
}

func TestCycleRecordsHealthySample(t *testing.T) {
	env := newTestEnv(t)
	env.factory.Default.Metrics = types.HostMetrics{CpuUtil: 40, MemUtil: 30}

	env.runCycle(t)

	sample := env.service.Sample(env.server.Id)
	assert.Equal(t, types.HealthHealthy, sample.Status)
	assert.Zero(t, sample.ConsecutiveFailures)
	assert.Equal(t, 40.0, sample.Metrics.CpuUtil)

	record, err := env.registry.Get(env.server.Id)
	require.NoError(t, err)
	assert.False(t, record.LastHeartbeatTs.IsZero())
}

func TestDegradedAboveUtilisationWatermark(t *testing.T) {
	env := newTestEnv(t)
	env.factory.Default.Metrics = types.HostMetrics{CpuUtil: 97}

	env.runCycle(t)

	assert.Equal(t, types.HealthDegraded, env.service.Sample(env.server.Id).Status)
}

func TestUnhealthyAfterFailureThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.factory.Default.PingErr = errors.New("connection refused")

	threshold := config.GetHeartbeatFailureThreshold()
	for i := 0; i < threshold-1; i++ {
		env.runCycle(t)
		assert.Equal(t, types.HealthUnknown, env.service.Sample(env.server.Id).Status)
	}
	env.runCycle(t)

	sample := env.service.Sample(env.server.Id)
	assert.Equal(t, types.HealthUnhealthy, sample.Status)
	assert.Equal(t, threshold, sample.ConsecutiveFailures)
	assert.Contains(t, sample.LastError, "connection refused")
}

func TestRecoveryResetsFailureCount(t *testing.T) {
	env := newTestEnv(t)
	env.factory.Default.PingErr = errors.New("connection refused")
	env.runCycle(t)

	env.factory.Default.PingErr = nil
	env.runCycle(t)

	sample := env.service.Sample(env.server.Id)
	assert.Equal(t, types.HealthHealthy, sample.Status)
	assert.Zero(t, sample.ConsecutiveFailures)
	assert.Empty(t, sample.LastError)
}

func TestCycleSkippedWithoutLease(t *testing.T) {
	env := newTestEnv(t)
	ok, err := env.service.leases.TryAcquire(context.Background(), coordination.LeaseHeartbeat, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	env.service.RunCycle(context.Background())

	assert.Equal(t, types.HealthUnknown, env.service.Sample(env.server.Id).Status)
}

func TestCallbacksFireOnStatusChange(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var changes []StatusChange
	env.service.RegisterCallback(func(change StatusChange) {
		mu.Lock()
		changes = append(changes, change)
		mu.Unlock()
	})
	env.service.Start()
	defer env.service.Stop()

	env.runCycle(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, types.HealthUnknown, changes[0].OldStatus)
	assert.Equal(t, types.HealthHealthy, changes[0].NewStatus)
	mu.Unlock()
}

func TestWorkspaceStatusSyncEveryNthCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.factory.Default.CreateContainer(ctx, &runtime.ContainerSpec{
		Name:        "podex-ws-ws-1",
		WorkspaceId: "ws-1",
	})
	require.NoError(t, err)
	require.NoError(t, env.factory.Default.StartContainer(ctx, id))
	require.NoError(t, env.store.Save(ctx, &types.WorkspaceRecord{
		Id:     "ws-1",
		UserId: "user-1",
		Status: types.WorkspaceRunning,
	}))

	// Container dies behind the control plane's back.
	env.factory.Default.SetState(id, runtime.StateExited)

	// The sweep only runs every workspace_check_interval_multiplier cycles.
	multiplier := config.GetWorkspaceCheckMultiplier()
	for i := 0; i < multiplier; i++ {
		env.runCycle(t)
	}

	record, err := env.store.Get(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceStopped, record.Status)
}

func TestSweepReleasesReservationWhenContainerDies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resources := types.Resources{CpuCores: 2, MemoryMb: 4096, DiskGb: 50, BandwidthMbps: 100}

	var stopped []string
	env.service.SetSyncStopper(func(workspaceId string) {
		stopped = append(stopped, workspaceId)
	})

	containerIds := map[string]string{}
	for _, workspaceId := range []string{"ws-1", "ws-2"} {
		id, err := env.factory.Default.CreateContainer(ctx, &runtime.ContainerSpec{
			Name:        "podex-ws-" + workspaceId,
			WorkspaceId: workspaceId,
		})
		require.NoError(t, err)
		require.NoError(t, env.factory.Default.StartContainer(ctx, id))
		require.NoError(t, env.registry.Reserve(env.server.Id, resources))
		require.NoError(t, env.store.Save(ctx, &types.WorkspaceRecord{
			Id:           workspaceId,
			UserId:       "user-1",
			Status:       types.WorkspaceRunning,
			Requirements: types.Requirements{Resources: resources},
			Assigned:     &types.Assignment{ServerId: env.server.Id, ContainerId: id},
		}))
		containerIds[workspaceId] = id
	}

	// ws-1's container dies in place; the host still lists it as exited.
	env.factory.Default.SetState(containerIds["ws-1"], runtime.StateExited)
	for i := 0; i < config.GetWorkspaceCheckMultiplier(); i++ {
		env.runCycle(t)
	}

	record, err := env.store.Get(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceStopped, record.Status)

	// Only the dead workspace's share comes back; ws-2 keeps its reservation.
	server, err := env.registry.Get(env.server.Id)
	require.NoError(t, err)
	assert.Equal(t, resources, server.Reserved)
	assert.Equal(t, 1, server.ActiveWorkspaces)
	assert.Equal(t, []string{"ws-1"}, stopped)

	// Another sweep over the already-STOPPED record must not release again.
	for i := 0; i < config.GetWorkspaceCheckMultiplier(); i++ {
		env.runCycle(t)
	}
	server, err = env.registry.Get(env.server.Id)
	require.NoError(t, err)
	assert.Equal(t, resources, server.Reserved)
	assert.Equal(t, 1, server.ActiveWorkspaces)
}

func TestCvtContainerState(t *testing.T) {
	assert.Equal(t, types.WorkspaceRunning, CvtContainerState(runtime.StateRunning))
	assert.Equal(t, types.WorkspaceStopped, CvtContainerState(runtime.StateExited))
	assert.Equal(t, types.WorkspaceCreating, CvtContainerState(runtime.StateCreated))
	assert.Equal(t, types.WorkspaceError, CvtContainerState(runtime.StateDead))
}
