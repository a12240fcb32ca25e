/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package types holds the request and response shapes of the public HTTP
// surface. Core records cross the wire as-is; these structs exist where the
// wire shape differs from the internal one.
package types

import (
	podextypes "github.com/AMD-AIG-AIMA/podex/pkg/types"
)

// RegisterServerRequest registers one host with the fleet.
type RegisterServerRequest struct {
	Id             string               `json:"id" binding:"required"`
	Hostname       string               `json:"hostname"`
	Address        string               `json:"address" binding:"required"`
	ManagementPort int                  `json:"managementPort"`
	Capacity       podextypes.Resources `json:"capacity" binding:"required"`
	Topology       podextypes.Topology  `json:"topology"`
	ImageByVariant map[string]string    `json:"workspaceImageByVariant,omitempty"`
	MaxWorkspaces  int                  `json:"maxWorkspaces,omitempty"`
}

// PatchServerRequest carries the mutable server fields; absent fields stay
// untouched.
type PatchServerRequest struct {
	Hostname      *string                  `json:"hostname,omitempty"`
	Labels        map[string]string        `json:"labels,omitempty"`
	Status        *podextypes.ServerStatus `json:"status,omitempty"`
	MaxWorkspaces *int                     `json:"maxWorkspaces,omitempty"`
}

// CreateWorkspaceRequest provisions one workspace.
type CreateWorkspaceRequest struct {
	UserId    string                           `json:"userId" binding:"required"`
	SessionId string                           `json:"sessionId"`
	Config    podextypes.WorkspaceCreateConfig `json:"config" binding:"required"`
}

// ScaleWorkspaceRequest moves a workspace to another tier.
type ScaleWorkspaceRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// ExecRequest runs a command inside a workspace.
type ExecRequest struct {
	Command        []string `json:"command" binding:"required"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
}

// ExecResponse is the collected result of a non-streaming exec.
type ExecResponse struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
}

// ExecStreamResult is the final frame of a streaming exec.
type ExecStreamResult struct {
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// HealthResponse reports one workspace's probe outcome.
type HealthResponse struct {
	WorkspaceId string `json:"workspaceId"`
	Healthy     bool   `json:"healthy"`
}

// ClusterStatus aggregates the fleet.
type ClusterStatus struct {
	TotalServers     int                  `json:"totalServers"`
	ServersByStatus  map[string]int       `json:"serversByStatus"`
	TotalCapacity    podextypes.Resources `json:"totalCapacity"`
	TotalReserved    podextypes.Resources `json:"totalReserved"`
	ActiveWorkspaces int                  `json:"activeWorkspaces"`
}

// RegionCapacity is the per-tier slot count of one region.
type RegionCapacity struct {
	Region string         `json:"region"`
	Slots  map[string]int `json:"slotsByTier"`
}

// PodCallRequest relays one RPC to a laptop agent.
type PodCallRequest struct {
	Method         string      `json:"method" binding:"required"`
	Params         interface{} `json:"params"`
	TimeoutSeconds int         `json:"timeoutSeconds"`
}

// WatchSessionRequest subscribes a workspace session to a local conversation.
type WatchSessionRequest struct {
	WorkspaceId         string `json:"workspaceId" binding:"required"`
	ConversationId      string `json:"conversationId" binding:"required"`
	ProjectPath         string `json:"projectPath" binding:"required"`
	SubscriberSessionId string `json:"subscriberSessionId" binding:"required"`
	SubscriberAgentId   string `json:"subscriberAgentId"`
	LastSyncedEntryId   string `json:"lastSyncedEntryId,omitempty"`
}

// UnwatchSessionRequest removes the subscription.
type UnwatchSessionRequest struct {
	WorkspaceId         string `json:"workspaceId" binding:"required"`
	ConversationId      string `json:"conversationId" binding:"required"`
	ProjectPath         string `json:"projectPath" binding:"required"`
	SubscriberSessionId string `json:"subscriberSessionId"`
}
