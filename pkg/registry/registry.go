/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/klog/v2"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

// ServerPatch is the mutable subset of a server record. Nil fields are left
// untouched.
type ServerPatch struct {
	Hostname      *string
	Labels        map[string]string
	Status        *types.ServerStatus
	MaxWorkspaces *int
}

// Registry is the authoritative in-memory index of the fleet plus its
// capacity arithmetic. Mutations per server are serialised through a striped
// lock so no two placement decisions observe the same pre-reservation view.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*types.ServerRecord

	stripes [lockStripes]sync.Mutex

	db *gorm.DB
}

const lockStripes = 64

// NewRegistry builds the registry; db may be nil for a purely in-memory
// fleet (tests, single-replica deployments).
func NewRegistry(db *gorm.DB) (*Registry, error) {
	r := &Registry{
		servers: map[string]*types.ServerRecord{},
		db:      db,
	}
	if db != nil {
		if err := r.loadAll(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) loadAll() error {
	var models []serverModel
	if err := r.db.Find(&models).Error; err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range models {
		record, err := cvtFromModel(&models[i])
		if err != nil {
			klog.ErrorS(err, "failed to decode server row", "server", models[i].Id)
			continue
		}
		r.servers[record.Id] = record
	}
	klog.Infof("loaded %d servers from database", len(r.servers))
	return nil
}

func (r *Registry) stripe(serverId string) *sync.Mutex {
	var sum uint32
	for i := 0; i < len(serverId); i++ {
		sum = sum*31 + uint32(serverId[i])
	}
	return &r.stripes[sum%lockStripes]
}

// Register adds a new server; the hostname must be unique fleet-wide.
func (r *Registry) Register(record *types.ServerRecord) (*types.ServerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.servers {
		if existing.Hostname == record.Hostname {
			return nil, podexerrors.NewAlreadyExist("server hostname " + record.Hostname + " is already registered")
		}
	}
	result := record.DeepCopy()
	if result.Id == "" {
		result.Id = uuid.NewString()
	}
	if result.Status == "" {
		result.Status = types.ServerActive
	}
	result.Reserved = types.Resources{}
	now := time.Now().UTC()
	result.CreatedAt = now
	result.UpdatedAt = now
	r.servers[result.Id] = result
	if err := r.persist(result); err != nil {
		delete(r.servers, result.Id)
		return nil, err
	}
	klog.Infof("registered server %s (%s, region %s)", result.Id, result.Hostname, result.Topology.Region)
	return result.DeepCopy(), nil
}

func (r *Registry) Get(serverId string) (*types.ServerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.servers[serverId]
	if !ok {
		return nil, podexerrors.NewServerNotFound(serverId)
	}
	return record.DeepCopy(), nil
}

// Update applies a patch. Status transitions are restricted to the
// user-drivable set; ERROR is owned by the heartbeat service.
func (r *Registry) Update(serverId string, patch *ServerPatch) (*types.ServerRecord, error) {
	lock := r.stripe(serverId)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	record, ok := r.servers[serverId]
	if !ok {
		r.mu.Unlock()
		return nil, podexerrors.NewServerNotFound(serverId)
	}
	if patch.Status != nil {
		if !isUserDrivableStatus(*patch.Status) {
			r.mu.Unlock()
			return nil, podexerrors.NewBadRequest("status " + string(*patch.Status) + " cannot be set directly")
		}
		record.Status = *patch.Status
	}
	if patch.Hostname != nil {
		record.Hostname = *patch.Hostname
	}
	if patch.Labels != nil {
		record.Topology.Labels = patch.Labels
	}
	if patch.MaxWorkspaces != nil {
		record.MaxWorkspaces = *patch.MaxWorkspaces
	}
	record.UpdatedAt = time.Now().UTC()
	result := record.DeepCopy()
	r.mu.Unlock()

	if err := r.persist(result); err != nil {
		return nil, err
	}
	return result, nil
}

func isUserDrivableStatus(status types.ServerStatus) bool {
	switch status {
	case types.ServerActive, types.ServerDraining, types.ServerMaintenance, types.ServerOffline:
		return true
	default:
		return false
	}
}

// Delete removes a server. Refused while workspaces are assigned unless
// force is set.
func (r *Registry) Delete(serverId string, force bool) error {
	lock := r.stripe(serverId)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	record, ok := r.servers[serverId]
	if !ok {
		r.mu.Unlock()
		return podexerrors.NewServerNotFound(serverId)
	}
	if record.ActiveWorkspaces > 0 && !force {
		count := record.ActiveWorkspaces
		r.mu.Unlock()
		return podexerrors.NewHasActiveWorkspaces(serverId, count)
	}
	delete(r.servers, serverId)
	r.mu.Unlock()

	if r.db != nil {
		if err := r.db.Delete(&serverModel{Id: serverId}).Error; err != nil {
			klog.ErrorS(err, "failed to delete server row", "server", serverId)
			return err
		}
	}
	klog.Infof("deleted server %s (force=%v)", serverId, force)
	return nil
}

// Reserve books requirements onto a server. The check against available
// capacity and the bump happen under the server's stripe lock.
func (r *Registry) Reserve(serverId string, req types.Resources) error {
	lock := r.stripe(serverId)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	record, ok := r.servers[serverId]
	if !ok {
		r.mu.Unlock()
		return podexerrors.NewServerNotFound(serverId)
	}
	if record.Status != types.ServerActive {
		r.mu.Unlock()
		return podexerrors.NewPlacementConflict("server " + serverId + " is not active")
	}
	if !record.Available().Fits(req) {
		r.mu.Unlock()
		return podexerrors.NewPlacementConflict("server " + serverId + " cannot fit the reservation")
	}
	record.Reserved = record.Reserved.Add(req)
	record.ActiveWorkspaces++
	record.UpdatedAt = time.Now().UTC()
	result := record.DeepCopy()
	r.mu.Unlock()

	return r.persist(result)
}

// Release undoes a reservation; arithmetic never goes below zero.
func (r *Registry) Release(serverId string, req types.Resources) error {
	lock := r.stripe(serverId)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	record, ok := r.servers[serverId]
	if !ok {
		r.mu.Unlock()
		// Releasing against a deregistered server is not an error.
		return nil
	}
	record.Reserved = record.Reserved.Sub(req)
	if record.ActiveWorkspaces > 0 {
		record.ActiveWorkspaces--
	}
	record.UpdatedAt = time.Now().UTC()
	result := record.DeepCopy()
	r.mu.Unlock()

	return r.persist(result)
}

// Adjust applies a live-scaling delta without touching the workspace count.
// A negative delta releases, a positive one must still fit.
func (r *Registry) Adjust(serverId string, release, reserve types.Resources) error {
	lock := r.stripe(serverId)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	record, ok := r.servers[serverId]
	if !ok {
		r.mu.Unlock()
		return podexerrors.NewServerNotFound(serverId)
	}
	next := record.Reserved.Sub(release).Add(reserve)
	if !record.Capacity.Fits(next) {
		r.mu.Unlock()
		return podexerrors.NewSameServerCapacity("server " + serverId + " cannot fit the scaled reservation")
	}
	record.Reserved = next
	record.UpdatedAt = time.Now().UTC()
	result := record.DeepCopy()
	r.mu.Unlock()

	return r.persist(result)
}

// RecordHeartbeat updates liveness bookkeeping from the heartbeat service.
func (r *Registry) RecordHeartbeat(serverId string, success bool, staleThreshold time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.servers[serverId]
	if !ok {
		return
	}
	now := time.Now().UTC()
	if success {
		record.LastHeartbeatTs = now
		record.HeartbeatFailures = 0
		if record.Status == types.ServerOffline {
			record.Status = types.ServerActive
		}
	} else {
		record.HeartbeatFailures++
		if !record.LastHeartbeatTs.IsZero() && now.Sub(record.LastHeartbeatTs) > staleThreshold &&
			record.Status == types.ServerActive {
			record.Status = types.ServerOffline
		}
	}
	record.UpdatedAt = now
}

// Snapshot returns a deep copy of every record for the placement engine.
func (r *Registry) Snapshot() []*types.ServerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*types.ServerRecord, 0, len(r.servers))
	for _, record := range r.servers {
		result = append(result, record.DeepCopy())
	}
	return result
}

func (r *Registry) persist(record *types.ServerRecord) error {
	if r.db == nil {
		return nil
	}
	model := cvtToModel(record)
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(model).Error
}
