/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/coordination"
	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/filesync"
	"github.com/AMD-AIG-AIMA/podex/pkg/placement"
	"github.com/AMD-AIG-AIMA/podex/pkg/registry"
	"github.com/AMD-AIG-AIMA/podex/pkg/reporter"
	"github.com/AMD-AIG-AIMA/podex/pkg/runtime"
	"github.com/AMD-AIG-AIMA/podex/pkg/store"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/channel"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/timeutil"
)

const (
	containerStopTimeout = 30 * time.Second
	healthProbeTimeout   = 5 * time.Second
	workspaceLeaseTtl    = 2 * time.Minute
)

// TierResolver maps tier names to concrete requirements; satisfied by the
// hardware catalogue.
type TierResolver interface {
	Resolve(tier string) (*types.Requirements, error)
}

// Manager is the workspace state machine. All transitions for one workspace
// are serialised by a per-workspace lock inside the replica and by the
// workspace lease across replicas.
type Manager struct {
	store    store.Interface
	registry *registry.Registry
	placer   *placement.Engine
	factory  runtime.Factory
	sync     *filesync.Engine
	resolver TierResolver
	reporter reporter.Interface
	leases   coordination.Interface

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	loops *channel.Tomb
}

func NewManager(st store.Interface, reg *registry.Registry, placer *placement.Engine,
	factory runtime.Factory, syncEngine *filesync.Engine, resolver TierResolver,
	rep reporter.Interface, leases coordination.Interface) *Manager {
	return &Manager{
		store:    st,
		registry: reg,
		placer:   placer,
		factory:  factory,
		sync:     syncEngine,
		resolver: resolver,
		reporter: rep,
		leases:   leases,
		locks:    map[string]*sync.Mutex{},
	}
}

// lockWorkspace serialises transitions per workspace id, locally through a
// per-workspace mutex and across replicas through the workspace lease. When
// coordination is unavailable the local lock still holds within the replica.
func (m *Manager) lockWorkspace(ctx context.Context, workspaceId string) (func(), error) {
	m.mu.Lock()
	lock, ok := m.locks[workspaceId]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[workspaceId] = lock
	}
	m.mu.Unlock()
	lock.Lock()

	leaseName := coordination.WorkspaceLease(workspaceId)
	for attempt := 0; ; attempt++ {
		acquired, err := m.leases.TryAcquire(ctx, leaseName, workspaceLeaseTtl)
		if err != nil {
			klog.ErrorS(err, "coordination unavailable, local serialisation only", "workspace", workspaceId)
			return lock.Unlock, nil
		}
		if acquired {
			return func() {
				m.leases.Release(context.Background(), leaseName)
				lock.Unlock()
			}, nil
		}
		if attempt >= 4 {
			lock.Unlock()
			return nil, podexerrors.NewInvalidState(
				"workspace " + workspaceId + " has a lifecycle operation in flight")
		}
		select {
		case <-ctx.Done():
			lock.Unlock()
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Create provisions a new workspace and drives it to RUNNING. Any failure
// after placement releases the reservation and parks the record in ERROR.
func (m *Manager) Create(ctx context.Context, userId, sessionId string,
	cfg *types.WorkspaceCreateConfig) (*types.WorkspaceRecord, error) {
	req, err := m.resolver.Resolve(cfg.Tier)
	if err != nil {
		return nil, err
	}
	if cfg.Architecture != "" {
		req.Architecture = cfg.Architecture
	}
	for _, port := range cfg.ExposePorts {
		if port < 1 || port > 65535 {
			return nil, podexerrors.NewBadRequest(fmt.Sprintf("invalid expose port %d", port))
		}
	}
	workspaceId := cfg.WorkspaceId
	if workspaceId == "" {
		workspaceId = uuid.NewString()
	}
	unlock, err := m.lockWorkspace(ctx, workspaceId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := m.store.Get(ctx, workspaceId); err == nil && existing != nil {
		return nil, podexerrors.NewAlreadyExist("workspace " + workspaceId + " already exists")
	}

	now := time.Now().UTC()
	record := &types.WorkspaceRecord{
		Id:               workspaceId,
		UserId:           userId,
		SessionId:        sessionId,
		Tier:             cfg.Tier,
		Requirements:     *req,
		Status:           types.WorkspaceCreating,
		RegionPreference: cfg.RequiredRegion,
		ExposePorts:      cfg.ExposePorts,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err = m.store.Save(ctx, record); err != nil {
		return nil, err
	}

	server, err := m.placer.Place(&placement.Request{
		Requirements:     *req,
		RegionPreference: cfg.RequiredRegion,
		LabelsRequired:   cfg.LabelsRequired,
	})
	if err != nil {
		return nil, m.failCreate(ctx, record, "", err)
	}

	driver, err := m.factory.ForServer(server)
	if err != nil {
		return nil, m.failCreate(ctx, record, server.Id, err)
	}
	if err = ensureWorkspaceDir(ctx, driver, workspaceId, req.DiskGb); err != nil {
		return nil, m.failCreate(ctx, record, server.Id, err)
	}
	containerId, err := m.launchContainer(ctx, driver, server, record)
	if err != nil {
		return nil, m.failCreate(ctx, record, server.Id, err)
	}
	record.Assigned = &types.Assignment{
		ServerId:    server.Id,
		ContainerId: containerId,
		HostAddress: server.Address,
	}

	// Restore and template failures downgrade to WARN; the workspace still
	// comes up on its own disk.
	m.seedWorkspace(ctx, record, driver, cfg)

	m.sync.StartBackground(workspaceId, workspaceFS(driver, containerId), 0)
	record.Status = types.WorkspaceRunning
	record.SetMeta(types.MetaLastMeteringTs, timeutil.CvtTimeToStrUnix(time.Now().UTC()))
	if err = m.store.Save(ctx, record); err != nil {
		return nil, err
	}
	klog.Infof("workspace %s created on server %s, container %s", workspaceId, server.Id, containerId)
	return record.DeepCopy(), nil
}

// launchContainer creates and starts the workspace container with limits
// from the requirements. The half-created container is removed on failure.
func (m *Manager) launchContainer(ctx context.Context, driver runtime.Driver,
	server *types.ServerRecord, record *types.WorkspaceRecord) (string, error) {
	req := record.Requirements
	image := server.WorkspaceImage(&req)
	if image == "" {
		image = config.GetDefaultImage(imageVariant(&req))
	}
	if image == "" {
		return "", podexerrors.NewInternalError("no workspace image configured for variant " + imageVariant(&req))
	}
	containerId, err := driver.CreateContainer(ctx, &runtime.ContainerSpec{
		Name:          "podex-ws-" + record.Id,
		Image:         image,
		WorkspaceId:   record.Id,
		WorkspaceDir:  WorkspaceDir(record.Id),
		CpuCores:      req.CpuCores,
		MemoryMb:      req.MemoryMb,
		BandwidthMbps: req.BandwidthMbps,
		PublishPorts:  record.ExposePorts,
		Env:           []string{"PODEX_WORKSPACE_ID=" + record.Id},
	})
	if err != nil {
		return "", err
	}
	if err = driver.StartContainer(ctx, containerId); err != nil {
		if removeErr := driver.RemoveContainer(ctx, containerId, true); removeErr != nil {
			klog.ErrorS(removeErr, "failed to remove half-started container", "workspace", record.Id)
		}
		return "", err
	}
	if err = applyBandwidthLimit(ctx, driver, record.Id, req.BandwidthMbps); err != nil {
		klog.ErrorS(err, "failed to apply bandwidth shaping", "workspace", record.Id)
	}
	return containerId, nil
}

// seedWorkspace restores the tree, dotfiles and pod template into a freshly
// launched container.
func (m *Manager) seedWorkspace(ctx context.Context, record *types.WorkspaceRecord,
	driver runtime.Driver, cfg *types.WorkspaceCreateConfig) {
	result, err := m.sync.Restore(ctx, record.Id, workspaceFS(driver, record.Assigned.ContainerId))
	if err != nil || result.Partial() {
		klog.Warningf("restore for workspace %s incomplete: err=%v", record.Id, err)
		record.SetMeta(types.MetaRestorePartial, "true")
	}
	homeFS := filesync.NewContainerFS(driver, record.Assigned.ContainerId, runtime.HomeDir)
	if cfg.SyncUserDotfiles {
		if err = m.sync.RestoreDotfiles(ctx, record.UserId, homeFS); err != nil {
			klog.ErrorS(err, "failed to restore dotfiles", "workspace", record.Id)
		}
	}
	if cfg.PodTemplate != nil {
		templateResult, err := m.sync.ApplyPodTemplate(ctx, record.Id, cfg.PodTemplate, homeFS)
		if err != nil {
			klog.ErrorS(err, "failed to apply pod template", "workspace", record.Id)
		} else if templateResult.CommandsFailed > 0 {
			klog.Warningf("pod template for workspace %s: %d of %d commands failed",
				record.Id, templateResult.CommandsFailed, templateResult.CommandsRun)
		}
	}
}

// failCreate releases the reservation if one was booked and parks the record
// in ERROR with the failure attached.
func (m *Manager) failCreate(ctx context.Context, record *types.WorkspaceRecord,
	serverId string, cause error) error {
	if serverId != "" {
		if err := m.registry.Release(serverId, record.Requirements.Resources); err != nil {
			klog.ErrorS(err, "failed to release reservation", "workspace", record.Id, "server", serverId)
		}
	}
	record.Status = types.WorkspaceError
	record.LastError = cause.Error()
	if err := m.store.Save(ctx, record); err != nil {
		klog.ErrorS(err, "failed to persist error state", "workspace", record.Id)
	}
	klog.ErrorS(cause, "workspace create failed", "workspace", record.Id)
	return cause
}

// Stop flushes a final backup, stops the container and releases the
// reservation. Idempotent: stopping a STOPPED workspace is a no-op.
func (m *Manager) Stop(ctx context.Context, workspaceId string) error {
	unlock, err := m.lockWorkspace(ctx, workspaceId)
	if err != nil {
		return err
	}
	defer unlock()

	record, err := m.store.Get(ctx, workspaceId)
	if err != nil {
		return err
	}
	if record.Status == types.WorkspaceStopped {
		return nil
	}
	if record.Status != types.WorkspaceRunning && record.Status != types.WorkspaceError {
		return podexerrors.NewInvalidState(
			fmt.Sprintf("cannot stop workspace %s in status %s", workspaceId, record.Status))
	}

	// StopBackground blocks until the loop has flushed its final backup.
	// After a control-plane restart no loop exists yet; flush synchronously
	// so nothing unsynced is lost with the container.
	if !m.sync.StopBackground(workspaceId) && record.Assigned != nil && record.Assigned.ContainerId != "" {
		if driver, err := m.driverFor(record.Assigned.ServerId); err == nil {
			if _, err = m.sync.Backup(ctx, workspaceId,
				workspaceFS(driver, record.Assigned.ContainerId), nil, false); err != nil {
				klog.ErrorS(err, "final backup failed", "workspace", workspaceId)
			}
		}
	}

	if record.Assigned != nil {
		if driver, err := m.driverFor(record.Assigned.ServerId); err == nil {
			if err = driver.StopContainer(ctx, record.Assigned.ContainerId, containerStopTimeout); err != nil {
				klog.ErrorS(err, "failed to stop container", "workspace", workspaceId)
			}
		}
		// Only a RUNNING record still holds its reservation; an ERROR record
		// released it on the failure path already.
		if record.Status == types.WorkspaceRunning {
			if err = m.registry.Release(record.Assigned.ServerId, record.Requirements.Resources); err != nil {
				klog.ErrorS(err, "failed to release reservation", "workspace", workspaceId)
			}
		}
	}
	record.Status = types.WorkspaceStopped
	return m.store.Save(ctx, record)
}

// Restart brings a STOPPED workspace back to RUNNING. Placement reruns, so
// the workspace may land on a different host; the tree is restored from the
// object store unless the old directory survives on the chosen host.
func (m *Manager) Restart(ctx context.Context, workspaceId string) (*types.WorkspaceRecord, error) {
	unlock, err := m.lockWorkspace(ctx, workspaceId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := m.store.Get(ctx, workspaceId)
	if err != nil {
		return nil, err
	}
	if record.Status == types.WorkspaceRunning {
		return record.DeepCopy(), nil
	}
	if record.Status != types.WorkspaceStopped && record.Status != types.WorkspaceError {
		return nil, podexerrors.NewInvalidState(
			fmt.Sprintf("cannot restart workspace %s in status %s", workspaceId, record.Status))
	}
	previous := record.Assigned

	server, err := m.placer.Place(&placement.Request{
		Requirements:     record.Requirements,
		RegionPreference: record.RegionPreference,
	})
	if err != nil {
		return nil, err
	}
	driver, err := m.factory.ForServer(server)
	if err != nil {
		m.releaseQuiet(server.Id, record)
		return nil, err
	}

	// Drop the old container; it may live on another host entirely.
	if previous != nil && previous.ContainerId != "" {
		if oldDriver, err := m.driverFor(previous.ServerId); err == nil {
			if err = oldDriver.RemoveContainer(ctx, previous.ContainerId, true); err != nil {
				klog.ErrorS(err, "failed to remove stale container", "workspace", workspaceId)
			}
		}
	}

	dirSurvived := previous != nil && previous.ServerId == server.Id && hostDirExists(ctx, driver, workspaceId)
	if err = ensureWorkspaceDir(ctx, driver, workspaceId, record.Requirements.DiskGb); err != nil {
		m.releaseQuiet(server.Id, record)
		return nil, m.failRestart(ctx, record, err)
	}
	containerId, err := m.launchContainer(ctx, driver, server, record)
	if err != nil {
		m.releaseQuiet(server.Id, record)
		return nil, m.failRestart(ctx, record, err)
	}
	record.Assigned = &types.Assignment{
		ServerId:    server.Id,
		ContainerId: containerId,
		HostAddress: server.Address,
	}
	if !dirSurvived {
		result, err := m.sync.Restore(ctx, workspaceId, workspaceFS(driver, containerId))
		if err != nil || result.Partial() {
			klog.Warningf("restore on restart of workspace %s incomplete: err=%v", workspaceId, err)
			record.SetMeta(types.MetaRestorePartial, "true")
		}
	}
	m.sync.StartBackground(workspaceId, workspaceFS(driver, containerId), 0)
	record.Status = types.WorkspaceRunning
	record.LastError = ""
	record.SetMeta(types.MetaLastMeteringTs, timeutil.CvtTimeToStrUnix(time.Now().UTC()))
	if err = m.store.Save(ctx, record); err != nil {
		return nil, err
	}
	klog.Infof("workspace %s restarted on server %s", workspaceId, server.Id)
	return record.DeepCopy(), nil
}

func (m *Manager) failRestart(ctx context.Context, record *types.WorkspaceRecord, cause error) error {
	record.Status = types.WorkspaceError
	record.LastError = cause.Error()
	if err := m.store.Save(ctx, record); err != nil {
		klog.ErrorS(err, "failed to persist error state", "workspace", record.Id)
	}
	return cause
}

func (m *Manager) releaseQuiet(serverId string, record *types.WorkspaceRecord) {
	if err := m.registry.Release(serverId, record.Requirements.Resources); err != nil {
		klog.ErrorS(err, "failed to release reservation", "workspace", record.Id, "server", serverId)
	}
}

// Delete tears the workspace down and drops its record. With preserveFiles
// the tree is flushed to the object store first; without it the whole object
// key space goes away after the background loop is disabled.
func (m *Manager) Delete(ctx context.Context, workspaceId string, preserveFiles bool) error {
	unlock, err := m.lockWorkspace(ctx, workspaceId)
	if err != nil {
		return err
	}
	defer unlock()

	record, err := m.store.Get(ctx, workspaceId)
	if err != nil {
		return err
	}
	if record.Status == types.WorkspaceCreating {
		return podexerrors.NewInvalidState("cannot delete workspace " + workspaceId + " while it is being created")
	}
	reservationHeld := record.Status == types.WorkspaceRunning
	record.Status = types.WorkspaceDeleting
	if err = m.store.Save(ctx, record); err != nil {
		return err
	}

	m.sync.StopBackground(workspaceId)

	var driver runtime.Driver
	if record.Assigned != nil {
		driver, err = m.driverFor(record.Assigned.ServerId)
		if err != nil {
			klog.ErrorS(err, "host unreachable during delete", "workspace", workspaceId)
			driver = nil
		}
	}
	if preserveFiles && driver != nil && record.Assigned.ContainerId != "" {
		if _, err = m.sync.Backup(ctx, workspaceId,
			workspaceFS(driver, record.Assigned.ContainerId), nil, false); err != nil {
			klog.ErrorS(err, "final backup failed", "workspace", workspaceId)
		}
	}
	if driver != nil {
		if record.Assigned.ContainerId != "" {
			if err = driver.RemoveContainer(ctx, record.Assigned.ContainerId, true); err != nil {
				klog.ErrorS(err, "failed to remove container", "workspace", workspaceId)
			}
		}
		if err = removeWorkspaceDir(ctx, driver, workspaceId); err != nil {
			klog.ErrorS(err, "failed to remove workspace dir", "workspace", workspaceId)
		}
	}
	if !preserveFiles {
		if err = m.sync.DeleteWorkspaceFiles(ctx, workspaceId); err != nil {
			return err
		}
	}
	if reservationHeld && record.Assigned != nil {
		m.releaseQuiet(record.Assigned.ServerId, record)
	}
	if err = m.store.Delete(ctx, workspaceId); err != nil {
		return err
	}
	klog.Infof("workspace %s deleted (preserve_files=%v)", workspaceId, preserveFiles)
	return nil
}

// Scale adjusts a RUNNING workspace to a new tier on its current host. Steps
// apply in a fixed order; a container update failure reverts the reservation
// delta so nothing is half-applied.
func (m *Manager) Scale(ctx context.Context, workspaceId, newTier string) (*types.WorkspaceRecord, error) {
	unlock, err := m.lockWorkspace(ctx, workspaceId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := m.store.Get(ctx, workspaceId)
	if err != nil {
		return nil, err
	}
	if record.Status != types.WorkspaceRunning || record.Assigned == nil {
		return nil, podexerrors.NewWorkspaceNotRunning(workspaceId)
	}
	next, err := m.resolver.Resolve(newTier)
	if err != nil {
		return nil, err
	}
	current := record.Requirements
	if next.Resources == current.Resources {
		record.Tier = newTier
		record.Requirements = *next
		return record.DeepCopy(), m.store.Save(ctx, record)
	}

	serverId := record.Assigned.ServerId
	if err = m.placer.PlaceSameServer(serverId, current, *next); err != nil {
		return nil, err
	}
	driver, err := m.driverFor(serverId)
	if err != nil {
		m.revertScale(serverId, current, *next)
		return nil, err
	}
	if err = driver.UpdateResources(ctx, record.Assigned.ContainerId, next.CpuCores, next.MemoryMb); err != nil {
		m.revertScale(serverId, current, *next)
		return nil, err
	}
	if err = applyBandwidthLimit(ctx, driver, workspaceId, next.BandwidthMbps); err != nil {
		klog.ErrorS(err, "failed to reapply bandwidth shaping", "workspace", workspaceId)
	}
	if err = applyDiskQuota(ctx, driver, workspaceId, next.DiskGb); err != nil {
		klog.ErrorS(err, "failed to reapply disk quota", "workspace", workspaceId)
	}
	record.Tier = newTier
	record.Requirements = *next
	if err = m.store.Save(ctx, record); err != nil {
		return nil, err
	}
	klog.Infof("workspace %s scaled to tier %s", workspaceId, newTier)
	return record.DeepCopy(), nil
}

func (m *Manager) revertScale(serverId string, current, next types.Requirements) {
	if err := m.registry.Adjust(serverId, next.Resources, current.Resources); err != nil {
		klog.ErrorS(err, "failed to revert scaling reservation", "server", serverId)
	}
}

// CheckWorkspaceHealth reports true only when the container is running and a
// trivial exec returns zero within the probe timeout.
func (m *Manager) CheckWorkspaceHealth(ctx context.Context, workspaceId string) (bool, error) {
	record, err := m.store.Get(ctx, workspaceId)
	if err != nil {
		return false, err
	}
	if record.Status != types.WorkspaceRunning || record.Assigned == nil {
		return false, nil
	}
	driver, err := m.driverFor(record.Assigned.ServerId)
	if err != nil {
		return false, nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	info, err := driver.InspectContainer(probeCtx, record.Assigned.ContainerId)
	if err != nil || info == nil || info.State != runtime.StateRunning {
		return false, nil
	}
	result, err := driver.Exec(probeCtx, record.Assigned.ContainerId, []string{"true"}, healthProbeTimeout)
	if err != nil {
		return false, nil
	}
	return result.ExitCode == 0, nil
}

// Exec runs a command inside a RUNNING workspace.
func (m *Manager) Exec(ctx context.Context, workspaceId string, cmd []string,
	timeout time.Duration) (*runtime.ExecResult, error) {
	record, err := m.store.Get(ctx, workspaceId)
	if err != nil {
		return nil, err
	}
	if record.Status != types.WorkspaceRunning || record.Assigned == nil {
		return nil, podexerrors.NewWorkspaceNotRunning(workspaceId)
	}
	driver, err := m.driverFor(record.Assigned.ServerId)
	if err != nil {
		return nil, err
	}
	return driver.Exec(ctx, record.Assigned.ContainerId, cmd, timeout)
}

// ExecStream runs a command inside a RUNNING workspace, copying output to
// stdout as it is produced.
func (m *Manager) ExecStream(ctx context.Context, workspaceId string, cmd []string,
	stdout io.Writer, timeout time.Duration) (int, error) {
	record, err := m.store.Get(ctx, workspaceId)
	if err != nil {
		return 0, err
	}
	if record.Status != types.WorkspaceRunning || record.Assigned == nil {
		return 0, podexerrors.NewWorkspaceNotRunning(workspaceId)
	}
	driver, err := m.driverFor(record.Assigned.ServerId)
	if err != nil {
		return 0, err
	}
	return driver.ExecStream(ctx, record.Assigned.ContainerId, cmd, stdout, timeout)
}

// Get returns a copy of the workspace record.
func (m *Manager) Get(ctx context.Context, workspaceId string) (*types.WorkspaceRecord, error) {
	return m.store.Get(ctx, workspaceId)
}

func (m *Manager) driverFor(serverId string) (runtime.Driver, error) {
	server, err := m.registry.Get(serverId)
	if err != nil {
		return nil, err
	}
	return m.factory.ForServer(server)
}

func workspaceFS(driver runtime.Driver, containerId string) filesync.WorkspaceFS {
	return filesync.NewContainerFS(driver, containerId, runtime.WorkspaceMountTarget)
}

func imageVariant(req *types.Requirements) string {
	if req.RequiresGpu {
		return "gpu"
	}
	return req.Architecture
}
