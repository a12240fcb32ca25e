/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/coordination"
	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/filesync"
	"github.com/AMD-AIG-AIMA/podex/pkg/hardware"
	"github.com/AMD-AIG-AIMA/podex/pkg/placement"
	"github.com/AMD-AIG-AIMA/podex/pkg/registry"
	"github.com/AMD-AIG-AIMA/podex/pkg/runtime"
	"github.com/AMD-AIG-AIMA/podex/pkg/store"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/timeutil"
)

type captureReporter struct {
	ticks   []*types.UsageTick
	tickErr error
}

func (c *captureReporter) ServerHeartbeat(string, *types.HostMetrics) error { return nil }
func (c *captureReporter) WorkspaceSyncStatus(string, string) error { return nil }
func (c *captureReporter) UsageCompute(tick *types.UsageTick) error {
	if c.tickErr != nil {
		return c.tickErr
	}
	c.ticks = append(c.ticks, tick)
	return nil
}

type testEnv struct {
	manager  *Manager
	registry *registry.Registry
	store    store.Interface
	objects  *filesync.FakeObjectStore
	factory  *runtime.FakeFactory
	reporter *captureReporter
	server   *types.ServerRecord
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	config.SetValue("workspace.default_image_amd64", "podex/workspace:amd64")

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

	catalogue := hardware.NewCatalogue(nil)
	catalogue.SetSpecs([]types.HardwareSpec{
		{Tier: "small", Cpu: 2, MemoryMb: 4096, DiskGb: 50, BandwidthMbps: 100},
		{Tier: "medium", Cpu: 4, MemoryMb: 8192, DiskGb: 100, BandwidthMbps: 200},
		{Tier: "huge", Cpu: 32, MemoryMb: 65536, DiskGb: 500, BandwidthMbps: 1000},
	})

	objects := filesync.NewFakeObjectStore()
	factory := runtime.NewFakeFactory()
	rep := &captureReporter{}
	st := store.NewStore(client)
	manager := NewManager(st, reg, placement.NewEngine(reg), factory,
		filesync.NewEngine(objects), catalogue, rep, coordination.NewLeaseManager(client))
	return &testEnv{
		manager:  manager,
		registry: reg,
		store:    st,
		objects:  objects,
		factory:  factory,
		reporter: rep,
		server:   server,
	}
}

func (e *testEnv) createRunning(t *testing.T, workspaceId, tier string) *types.WorkspaceRecord {
	t.Helper()
	record, err := e.manager.Create(context.Background(), "user-1", "sess-1",
		&types.WorkspaceCreateConfig{Tier: tier, WorkspaceId: workspaceId})
	require.NoError(t, err)
	require.Equal(t, types.WorkspaceRunning, record.Status)
	return record
}

func TestCreateHappyPath(t *testing.T) {
	env := newTestEnv(t)
	record := env.createRunning(t, "ws-1", "small")

	require.NotNil(t, record.Assigned)
	assert.Equal(t, env.server.Id, record.Assigned.ServerId)
	assert.NotEmpty(t, record.Assigned.ContainerId)
	assert.NotEmpty(t, record.GetMeta(types.MetaLastMeteringTs))

	server, err := env.registry.Get(env.server.Id)
	require.NoError(t, err)
	assert.Equal(t, 2.0, server.Reserved.CpuCores)
	assert.Equal(t, 1, server.ActiveWorkspaces)

	info := env.factory.Default.Containers[record.Assigned.ContainerId]
	require.NotNil(t, info)
	assert.Equal(t, runtime.StateRunning, info.State)
	assert.Equal(t, "ws-1", info.WorkspaceId)

	env.manager.sync.StopBackground("ws-1")
}

func TestCreateDuplicateId(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "ws-1", "small")
	defer env.manager.sync.StopBackground("ws-1")

	_, err := env.manager.Create(context.Background(), "user-1", "sess-1",
		&types.WorkspaceCreateConfig{Tier: "small", WorkspaceId: "ws-1"})
	assert.True(t, podexerrors.IsAlreadyExist(err))
}

func TestCreatePlacementFailureSetsError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Create(context.Background(), "user-1", "sess-1",
		&types.WorkspaceCreateConfig{Tier: "huge", WorkspaceId: "ws-1"})
	require.Error(t, err)

	record, err := env.store.Get(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceError, record.Status)
	assert.NotEmpty(t, record.LastError)

	server, _ := env.registry.Get(env.server.Id)
	assert.True(t, server.Reserved.IsZero())
}

func TestCreateLaunchFailureReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	env.factory.Default.StartErr = errors.New("image pull failed")

	_, err := env.manager.Create(context.Background(), "user-1", "sess-1",
		&types.WorkspaceCreateConfig{Tier: "small", WorkspaceId: "ws-1"})
	require.Error(t, err)

	record, err := env.store.Get(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceError, record.Status)

	server, _ := env.registry.Get(env.server.Id)
	assert.True(t, server.Reserved.IsZero())
	assert.Equal(t, 0, server.ActiveWorkspaces)
	assert.Empty(t, env.factory.Default.Containers)
}

func TestCreateRegionStrict(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Create(context.Background(), "user-1", "sess-1",
		&types.WorkspaceCreateConfig{Tier: "small", WorkspaceId: "ws-1", RequiredRegion: "eu-west"})
	assert.True(t, podexerrors.IsRegionUnsatisfiable(err))
}

func TestStopReleasesAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	record := env.createRunning(t, "ws-1", "small")

	require.NoError(t, env.manager.Stop(context.Background(), "ws-1"))

	stopped, err := env.store.Get(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceStopped, stopped.Status)

	server, _ := env.registry.Get(env.server.Id)
	assert.True(t, server.Reserved.IsZero())
	assert.Equal(t, 0, server.ActiveWorkspaces)

	info := env.factory.Default.Containers[record.Assigned.ContainerId]
	require.NotNil(t, info)
	assert.Equal(t, runtime.StateExited, info.State)

	// Second stop is a no-op, no double release.
	require.NoError(t, env.manager.Stop(context.Background(), "ws-1"))
	server, _ = env.registry.Get(env.server.Id)
	assert.True(t, server.Reserved.IsZero())
}

func TestStopFlushesFinalBackupWithoutLoop(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "ws-1", "small")

	// Simulate a control-plane restart: the record survived, the in-memory
	// backup loop did not.
	require.True(t, env.manager.sync.StopBackground("ws-1"))
	env.factory.Default.ExecCommands = nil

	require.NoError(t, env.manager.Stop(context.Background(), "ws-1"))

	// The synchronous flush walks the tree before the container stops.
	var walked bool
	for _, cmd := range env.factory.Default.ExecCommands {
		if strings.Contains(cmd, "md5sum") {
			walked = true
		}
	}
	assert.True(t, walked)
}

func TestStopAfterFailedRestartKeepsAccounting(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "ws-1", "small")
	env.createRunning(t, "ws-2", "small")
	defer env.manager.sync.StopBackground("ws-2")
	require.NoError(t, env.manager.Stop(context.Background(), "ws-1"))

	env.factory.Default.StartErr = errors.New("image pull failed")
	_, err := env.manager.Restart(context.Background(), "ws-1")
	require.Error(t, err)
	env.factory.Default.StartErr = nil

	// The failed restart already released its reservation; stopping the
	// errored workspace must not take ws-2's share with it.
	require.NoError(t, env.manager.Stop(context.Background(), "ws-1"))
	server, _ := env.registry.Get(env.server.Id)
	assert.Equal(t, 2.0, server.Reserved.CpuCores)
	assert.Equal(t, 1, server.ActiveWorkspaces)
}

func TestRestartFromStopped(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "ws-1", "small")
	require.NoError(t, env.manager.Stop(context.Background(), "ws-1"))

	record, err := env.manager.Restart(context.Background(), "ws-1")
	require.NoError(t, err)
	defer env.manager.sync.StopBackground("ws-1")
	assert.Equal(t, types.WorkspaceRunning, record.Status)
	require.NotNil(t, record.Assigned)

	server, _ := env.registry.Get(env.server.Id)
	assert.Equal(t, 2.0, server.Reserved.CpuCores)
	assert.Equal(t, 1, server.ActiveWorkspaces)
}

func TestScaleSameServer(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "ws-1", "small")
	defer env.manager.sync.StopBackground("ws-1")

	record, err := env.manager.Scale(context.Background(), "ws-1", "medium")
	require.NoError(t, err)
	assert.Equal(t, "medium", record.Tier)
	assert.Equal(t, 4.0, record.Requirements.CpuCores)

	server, _ := env.registry.Get(env.server.Id)
	assert.Equal(t, 4.0, server.Reserved.CpuCores)
	assert.Equal(t, 1, server.ActiveWorkspaces)

	// Overflowing the current host must not mutate anything.
	_, err = env.manager.Scale(context.Background(), "ws-1", "huge")
	assert.True(t, podexerrors.IsSameServerCapacity(err))
	server, _ = env.registry.Get(env.server.Id)
	assert.Equal(t, 4.0, server.Reserved.CpuCores)
}

func TestScaleRevertsOnContainerUpdateFailure(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "ws-1", "small")
	defer env.manager.sync.StopBackground("ws-1")
	env.factory.Default.UpdateErr = errors.New("runtime refused update")

	_, err := env.manager.Scale(context.Background(), "ws-1", "medium")
	require.Error(t, err)

	server, _ := env.registry.Get(env.server.Id)
	assert.Equal(t, 2.0, server.Reserved.CpuCores)
	record, _ := env.store.Get(context.Background(), "ws-1")
	assert.Equal(t, "small", record.Tier)
}

func TestDeleteDropsRecordAndFiles(t *testing.T) {
	env := newTestEnv(t)
	record := env.createRunning(t, "ws-1", "small")
	require.NoError(t, env.objects.Put(context.Background(),
		config.GetS3KeyPrefix()+"/ws-1/main.go", []byte("package main")))

	require.NoError(t, env.manager.Delete(context.Background(), "ws-1", false))

	_, err := env.store.Get(context.Background(), "ws-1")
	assert.True(t, podexerrors.IsNotFound(err))
	assert.Empty(t, env.objects.Objects)
	assert.NotContains(t, env.factory.Default.Containers, record.Assigned.ContainerId)

	server, _ := env.registry.Get(env.server.Id)
	assert.True(t, server.Reserved.IsZero())
}

func TestDeletePreservesFiles(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "ws-1", "small")
	key := config.GetS3KeyPrefix() + "/ws-1/main.go"
	require.NoError(t, env.objects.Put(context.Background(), key, []byte("package main")))

	require.NoError(t, env.manager.Delete(context.Background(), "ws-1", true))
	assert.Contains(t, env.objects.Objects, key)
}

func TestCheckWorkspaceHealth(t *testing.T) {
	env := newTestEnv(t)
	record := env.createRunning(t, "ws-1", "small")
	defer env.manager.sync.StopBackground("ws-1")

	healthy, err := env.manager.CheckWorkspaceHealth(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.True(t, healthy)

	env.factory.Default.SetState(record.Assigned.ContainerId, runtime.StateExited)
	healthy, err = env.manager.CheckWorkspaceHealth(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.False(t, healthy)
}

func TestDiscoveryMarksStaleWorkspaces(t *testing.T) {
	env := newTestEnv(t)
	record := env.createRunning(t, "ws-1", "small")

	// The host lost the container out-of-band.
	require.NoError(t, env.factory.Default.RemoveContainer(context.Background(),
		record.Assigned.ContainerId, true))

	env.manager.RunDiscovery(context.Background())

	stale, err := env.store.Get(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceStopped, stale.Status)
	assert.Equal(t, "true", stale.GetMeta(types.MetaStaleDiscovery))

	server, _ := env.registry.Get(env.server.Id)
	assert.True(t, server.Reserved.IsZero())
	assert.Equal(t, 0, server.ActiveWorkspaces)
}

func TestDiscoverySynthesizesUnknownContainers(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.factory.Default.CreateContainer(context.Background(), &runtime.ContainerSpec{
		Name:        "podex-ws-ghost",
		WorkspaceId: "ws-ghost",
	})
	require.NoError(t, err)
	require.NoError(t, env.factory.Default.StartContainer(context.Background(), id))

	env.manager.RunDiscovery(context.Background())
	defer env.manager.sync.StopBackground("ws-ghost")

	record, err := env.store.Get(context.Background(), "ws-ghost")
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceRunning, record.Status)
	assert.Equal(t, "true", record.GetMeta(types.MetaStaleDiscovery))
	require.NotNil(t, record.Assigned)
	assert.Equal(t, env.server.Id, record.Assigned.ServerId)
}

func TestDiscoveryResumesBackgroundSync(t *testing.T) {
	env := newTestEnv(t)
	env.createRunning(t, "ws-1", "small")

	// The loop died with the previous control-plane process.
	require.True(t, env.manager.sync.StopBackground("ws-1"))

	env.manager.RunDiscovery(context.Background())

	// Discovery brought the loop back for the still-running workspace.
	assert.True(t, env.manager.sync.StopBackground("ws-1"))
}

func TestDiscoveryRemovesOrphanDirs(t *testing.T) {
	env := newTestEnv(t)
	env.factory.Default.HostExecOutput = "ws-orphan\n"

	env.manager.RunDiscovery(context.Background())

	var removed bool
	for _, cmd := range env.factory.Default.HostCommands {
		if cmd == `rm -rf "`+WorkspaceDir("ws-orphan")+`"` {
			removed = true
		}
	}
	assert.True(t, removed)
}

func TestMeteringEmitsAndAdvances(t *testing.T) {
	env := newTestEnv(t)
	record := env.createRunning(t, "ws-1", "small")
	defer env.manager.sync.StopBackground("ws-1")

	// Age the last tick past the granularity.
	past := time.Now().UTC().Add(-2 * config.GetMeteringGranularity())
	record.SetMeta(types.MetaLastMeteringTs, timeutil.CvtTimeToStrUnix(past))
	require.NoError(t, env.store.Save(context.Background(), record))

	env.manager.RunMetering(context.Background())

	require.Len(t, env.reporter.ticks, 1)
	tick := env.reporter.ticks[0]
	assert.Equal(t, "user-1", tick.UserId)
	assert.Equal(t, "ws-1", tick.WorkspaceId)
	assert.Equal(t, "small", tick.Tier)
	assert.GreaterOrEqual(t, tick.DurationSeconds, int64(config.GetMeteringGranularity().Seconds()))

	after, err := env.store.Get(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.NotEqual(t, timeutil.CvtTimeToStrUnix(past), after.GetMeta(types.MetaLastMeteringTs))
}

func TestMeteringRollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t)
	record := env.createRunning(t, "ws-1", "small")
	defer env.manager.sync.StopBackground("ws-1")

	past := time.Now().UTC().Add(-2 * config.GetMeteringGranularity())
	record.SetMeta(types.MetaLastMeteringTs, timeutil.CvtTimeToStrUnix(past))
	require.NoError(t, env.store.Save(context.Background(), record))
	env.reporter.tickErr = errors.New("collaborator down")

	env.manager.RunMetering(context.Background())

	after, err := env.store.Get(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, timeutil.CvtTimeToStrUnix(past), after.GetMeta(types.MetaLastMeteringTs))
	assert.Empty(t, env.reporter.ticks)
}
