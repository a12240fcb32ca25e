/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AMD-AIG-AIMA/podex/pkg/bridge"
	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	apitypes "github.com/AMD-AIG-AIMA/podex/pkg/handlers/types"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

// InitLocalPodRouters registers the laptop-agent channel and the RPC relay
// routes in front of it.
func InitLocalPodRouters(e *gin.Engine, h *Handler) {
	group := e.Group("/localpods")
	{
		group.GET("/connect", h.ConnectLocalPod)
		group.GET("", h.ListLocalPods)
		group.POST("/:pod_id/call", h.CallLocalPod)
		group.POST("/:pod_id/watch-session", h.WatchSession)
		group.POST("/:pod_id/unwatch-session", h.UnwatchSession)
	}
}

// ConnectLocalPod upgrades the request into the pod's websocket channel.
func (h *Handler) ConnectLocalPod(c *gin.Context) {
	if err := h.hub.Connect(c.Writer, c.Request); err != nil {
		AbortWithApiError(c, err)
	}
}

func (h *Handler) ListLocalPods(c *gin.Context) {
	handle(c, func(*gin.Context) (interface{}, error) {
		return h.hub.OnlinePods(), nil
	})
}

// CallLocalPod relays one RPC to the pod and returns its raw result. The
// method set is opaque here; the pod decides what it serves.
func (h *Handler) CallLocalPod(c *gin.Context) {
	handle(c, h.callLocalPod)
}

func (h *Handler) WatchSession(c *gin.Context) {
	handle(c, h.watchSession)
}

func (h *Handler) UnwatchSession(c *gin.Context) {
	handle(c, h.unwatchSession)
}

func (h *Handler) callLocalPod(c *gin.Context) (interface{}, error) {
	var req apitypes.PodCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, podexerrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	timeout := bridge.DefaultCallTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	result, err := h.hub.Call(c.Request.Context(), c.Param("pod_id"), req.Method,
		req.Params, timeout)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(result), nil
}

func (h *Handler) watchSession(c *gin.Context) (interface{}, error) {
	var req apitypes.WatchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, podexerrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	watched := types.WatchedConversation{
		ConversationId:      req.ConversationId,
		ProjectPath:         req.ProjectPath,
		SubscriberSessionId: req.SubscriberSessionId,
		SubscriberAgentId:   req.SubscriberAgentId,
		LastSyncedEntryId:   req.LastSyncedEntryId,
	}
	err := h.hub.WatchSession(c.Request.Context(), c.Param("pod_id"), req.WorkspaceId, watched)
	if err != nil {
		return nil, err
	}
	return gin.H{"status": "registered"}, nil
}

func (h *Handler) unwatchSession(c *gin.Context) (interface{}, error) {
	var req apitypes.UnwatchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, podexerrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	watched := types.WatchedConversation{
		ConversationId:      req.ConversationId,
		ProjectPath:         req.ProjectPath,
		SubscriberSessionId: req.SubscriberSessionId,
	}
	err := h.hub.UnwatchSession(c.Request.Context(), c.Param("pod_id"), req.WorkspaceId, watched)
	if err != nil {
		return nil, err
	}
	return gin.H{"status": "ok"}, nil
}
