/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package types

import (
	"time"
)

type WorkspaceStatus string

const (
	WorkspaceCreating WorkspaceStatus = "CREATING"
	WorkspaceRunning  WorkspaceStatus = "RUNNING"
	WorkspaceStopped  WorkspaceStatus = "STOPPED"
	WorkspaceError    WorkspaceStatus = "ERROR"
	WorkspaceDeleting WorkspaceStatus = "DELETING"
)

type ServerStatus string

const (
	ServerActive      ServerStatus = "ACTIVE"
	ServerDraining    ServerStatus = "DRAINING"
	ServerMaintenance ServerStatus = "MAINTENANCE"
	ServerOffline     ServerStatus = "OFFLINE"
	ServerError       ServerStatus = "ERROR"
)

type HealthStatus string

const (
	HealthHealthy     HealthStatus = "HEALTHY"
	HealthDegraded    HealthStatus = "DEGRADED"
	HealthUnhealthy   HealthStatus = "UNHEALTHY"
	HealthUnreachable HealthStatus = "UNREACHABLE"
	HealthUnknown     HealthStatus = "UNKNOWN"
)

const (
	ArchAmd64 = "amd64"
	ArchArm64 = "arm64"
)

// Metadata keys reserved by the control plane on workspace records.
const (
	MetaLastMeteringTs    = "last_metering_ts"
	MetaStaleDiscovery    = "stale_discovery"
	MetaRestorePartial    = "restore_partial"
	MetaClaudeSessionId   = "claude_session_id"
	MetaClaudeProjectPath = "claude_project_path"
	MetaWatchers          = "watched_conversations"
)

// Resources is the capacity vector shared by server capacity, server
// reservations and workspace requirements.
type Resources struct {
	CpuCores      float64 `json:"cpuCores"`
	MemoryMb      int64   `json:"memoryMb"`
	DiskGb        int64   `json:"diskGb"`
	BandwidthMbps int64   `json:"bandwidthMbps"`
}

func (r Resources) Add(other Resources) Resources {
	return Resources{
		CpuCores:      r.CpuCores + other.CpuCores,
		MemoryMb:      r.MemoryMb + other.MemoryMb,
		DiskGb:        r.DiskGb + other.DiskGb,
		BandwidthMbps: r.BandwidthMbps + other.BandwidthMbps,
	}
}

// Sub subtracts other from r, clamping every dimension at zero so release
// arithmetic can never drive a reservation negative.
func (r Resources) Sub(other Resources) Resources {
	return Resources{
		CpuCores:      maxFloat(r.CpuCores-other.CpuCores, 0),
		MemoryMb:      maxInt(r.MemoryMb-other.MemoryMb, 0),
		DiskGb:        maxInt(r.DiskGb-other.DiskGb, 0),
		BandwidthMbps: maxInt(r.BandwidthMbps-other.BandwidthMbps, 0),
	}
}

// Fits reports whether r is large enough to hold req on every dimension.
func (r Resources) Fits(req Resources) bool {
	return r.CpuCores >= req.CpuCores &&
		r.MemoryMb >= req.MemoryMb &&
		r.DiskGb >= req.DiskGb &&
		r.BandwidthMbps >= req.BandwidthMbps
}

func (r Resources) IsZero() bool {
	return r.CpuCores == 0 && r.MemoryMb == 0 && r.DiskGb == 0 && r.BandwidthMbps == 0
}

// Requirements is a tier resolved against the hardware-spec catalogue.
type Requirements struct {
	Resources   `json:",inline"`
	Architecture string `json:"architecture"`
	RequiresGpu  bool   `json:"requiresGpu"`
	GpuKind      string `json:"gpuKind,omitempty"`
}

type Topology struct {
	Architecture string            `json:"architecture"`
	Region       string            `json:"region"`
	Labels       map[string]string `json:"labels,omitempty"`
	HasGpu       bool              `json:"hasGpu"`
	GpuKind      string            `json:"gpuKind,omitempty"`
	GpuCount     int               `json:"gpuCount"`
}

type ServerRecord struct {
	Id             string       `json:"id"`
	Hostname       string       `json:"hostname"`
	Address        string       `json:"address"`
	ManagementPort int          `json:"managementPort"`
	Status         ServerStatus `json:"status"`
	Capacity       Resources    `json:"capacity"`
	Reserved       Resources    `json:"reserved"`
	Topology       Topology     `json:"topology"`
	// ImageByVariant maps a host variant (amd64/arm64/gpu) to the workspace
	// image launched on this server.
	ImageByVariant       map[string]string `json:"workspaceImageByVariant,omitempty"`
	MaxWorkspaces        int               `json:"maxWorkspaces,omitempty"`
	ActiveWorkspaces     int               `json:"activeWorkspaces"`
	LastHeartbeatTs      time.Time         `json:"lastHeartbeatTs,omitempty"`
	HeartbeatFailures    int               `json:"consecutiveHeartbeatFailures"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

func (s *ServerRecord) Available() Resources {
	return s.Capacity.Sub(s.Reserved)
}

// WorkspaceImage picks the variant-appropriate image for the given
// requirements, falling back to the architecture variant when no gpu image
// is declared.
func (s *ServerRecord) WorkspaceImage(req *Requirements) string {
	if req.RequiresGpu {
		if image, ok := s.ImageByVariant["gpu"]; ok && image != "" {
			return image
		}
	}
	return s.ImageByVariant[s.Topology.Architecture]
}

func (s *ServerRecord) DeepCopy() *ServerRecord {
	if s == nil {
		return nil
	}
	result := *s
	if s.Topology.Labels != nil {
		result.Topology.Labels = make(map[string]string, len(s.Topology.Labels))
		for key, val := range s.Topology.Labels {
			result.Topology.Labels[key] = val
		}
	}
	if s.ImageByVariant != nil {
		result.ImageByVariant = make(map[string]string, len(s.ImageByVariant))
		for key, val := range s.ImageByVariant {
			result.ImageByVariant[key] = val
		}
	}
	return &result
}

type Assignment struct {
	ServerId    string `json:"serverId"`
	ContainerId string `json:"containerId"`
	HostAddress string `json:"hostAddress"`
}

type WorkspaceRecord struct {
	Id               string            `json:"id"`
	UserId           string            `json:"userId"`
	SessionId        string            `json:"sessionId"`
	Tier             string            `json:"tier"`
	Requirements     Requirements      `json:"requirements"`
	Assigned         *Assignment       `json:"assigned,omitempty"`
	Status           WorkspaceStatus   `json:"status"`
	RegionPreference string            `json:"regionPreference,omitempty"`
	ExposePorts      []int             `json:"exposePorts,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	LastError        string            `json:"lastError,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func (w *WorkspaceRecord) SetMeta(key, value string) {
	if w.Metadata == nil {
		w.Metadata = map[string]string{}
	}
	w.Metadata[key] = value
}

func (w *WorkspaceRecord) GetMeta(key string) string {
	if w.Metadata == nil {
		return ""
	}
	return w.Metadata[key]
}

func (w *WorkspaceRecord) DeepCopy() *WorkspaceRecord {
	if w == nil {
		return nil
	}
	result := *w
	if w.Assigned != nil {
		assigned := *w.Assigned
		result.Assigned = &assigned
	}
	if w.Metadata != nil {
		result.Metadata = make(map[string]string, len(w.Metadata))
		for key, val := range w.Metadata {
			result.Metadata[key] = val
		}
	}
	if w.ExposePorts != nil {
		result.ExposePorts = append([]int(nil), w.ExposePorts...)
	}
	return &result
}

// HostMetrics is the usage sample scraped from a host's container runtime.
type HostMetrics struct {
	UsedCpu           float64 `json:"usedCpu"`
	UsedMemoryMb      int64   `json:"usedMemoryMb"`
	UsedDiskGb        int64   `json:"usedDiskGb"`
	BandwidthUsedMbps int64   `json:"usedBandwidthMbps"`
	ActiveWorkspaces  int     `json:"activeWorkspaces"`
	CpuUtil           float64 `json:"cpuUtil"`
	MemUtil           float64 `json:"memUtil"`
}

type HealthSample struct {
	Status              HealthStatus `json:"status"`
	LastSuccessTs       time.Time    `json:"lastSuccessTs,omitempty"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	Metrics             HostMetrics  `json:"metrics"`
}

// HardwareSpec is one tier of the catalogue served by the admin collaborator.
type HardwareSpec struct {
	Tier          string  `json:"tier"`
	Cpu           float64 `json:"cpu"`
	MemoryMb      int64   `json:"memory_mb"`
	DiskGb        int64   `json:"disk_gb"`
	BandwidthMbps int64   `json:"bandwidth_mbps"`
	Architecture  string  `json:"architecture,omitempty"`
	IsGpu         bool    `json:"is_gpu"`
	GpuKind       string  `json:"gpu_kind,omitempty"`
}

func (h *HardwareSpec) ToRequirements() Requirements {
	arch := h.Architecture
	if arch == "" {
		arch = ArchAmd64
	}
	return Requirements{
		Resources: Resources{
			CpuCores:      h.Cpu,
			MemoryMb:      h.MemoryMb,
			DiskGb:        h.DiskGb,
			BandwidthMbps: h.BandwidthMbps,
		},
		Architecture: arch,
		RequiresGpu:  h.IsGpu,
		GpuKind:      h.GpuKind,
	}
}

// WorkspaceCreateConfig is the closed create-time configuration. Unknown keys
// arriving from callers are dropped with a warning at the handler layer.
type WorkspaceCreateConfig struct {
	Tier             string            `json:"tier"`
	WorkspaceId      string            `json:"workspaceId,omitempty"`
	RequiredRegion   string            `json:"requiredRegion,omitempty"`
	Architecture     string            `json:"architecture,omitempty"`
	LabelsRequired   map[string]string `json:"labelsRequired,omitempty"`
	ExposePorts      []int             `json:"exposePorts,omitempty"`
	PreserveFiles    bool              `json:"preserveFiles,omitempty"`
	PodTemplate      *PodTemplate      `json:"podTemplate,omitempty"`
	SyncUserDotfiles bool              `json:"syncUserDotfiles,omitempty"`
}

// PodTemplate is applied inside the workspace after restore.
type PodTemplate struct {
	Env                map[string]string `json:"env,omitempty"`
	PreInstallCommands []string          `json:"preInstallCommands,omitempty"`
}

// LocalPod is the bridge-derived view of a laptop agent.
type LocalPod struct {
	Id     string `json:"id"`
	UserId string `json:"userId"`
	Status string `json:"status"`
}

const (
	LocalPodOnline  = "online"
	LocalPodOffline = "offline"
)

// WatchedConversation is the subscription intent mirrored into workspace
// metadata so subscribers survive a laptop bridge restart.
type WatchedConversation struct {
	ConversationId      string `json:"conversationId"`
	ProjectPath         string `json:"projectPath"`
	SubscriberSessionId string `json:"subscriberSessionId"`
	SubscriberAgentId   string `json:"subscriberAgentId"`
	LastSyncedEntryId   string `json:"lastSyncedEntryId,omitempty"`
}

// UsageTick is emitted to the usage-tracking collaborator; quantities only,
// pricing is computed downstream.
type UsageTick struct {
	UserId          string            `json:"user_id"`
	WorkspaceId     string            `json:"workspace_id"`
	SessionId       string            `json:"session_id,omitempty"`
	Tier            string            `json:"tier"`
	DurationSeconds int64             `json:"duration_seconds"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
