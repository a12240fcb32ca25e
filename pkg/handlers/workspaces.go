/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	apitypes "github.com/AMD-AIG-AIMA/podex/pkg/handlers/types"
)

const (
	defaultExecTimeout = 60 * time.Second
	maxExecTimeout     = 10 * time.Minute

	execStreamWriteTimeout = 10 * time.Second
)

// InitWorkspaceRouters registers the workspace lifecycle and proxy routes.
func InitWorkspaceRouters(e *gin.Engine, h *Handler) {
	group := e.Group("/workspaces")
	{
		group.POST("", h.CreateWorkspace)
		group.GET("", h.ListWorkspaces)
		group.GET("/:id", h.GetWorkspace)
		group.DELETE("/:id", h.DeleteWorkspace)
		group.POST("/:id/stop", h.StopWorkspace)
		group.POST("/:id/restart", h.RestartWorkspace)
		group.POST("/:id/scale", h.ScaleWorkspace)
		group.GET("/:id/health", h.WorkspaceHealth)
		group.POST("/:id/exec", h.ExecCommand)
		group.GET("/:id/exec-stream", h.ExecCommandStream)
		group.Any("/:id/proxy/:port/*path", h.ProxyForward)
	}
}

func (h *Handler) CreateWorkspace(c *gin.Context) {
	handle(c, h.createWorkspace)
}

func (h *Handler) ListWorkspaces(c *gin.Context) {
	handle(c, h.listWorkspaces)
}

func (h *Handler) GetWorkspace(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.manager.Get(c.Request.Context(), c.Param("id"))
	})
}

func (h *Handler) StopWorkspace(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return nil, h.manager.Stop(c.Request.Context(), c.Param("id"))
	})
}

func (h *Handler) RestartWorkspace(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.manager.Restart(c.Request.Context(), c.Param("id"))
	})
}

func (h *Handler) DeleteWorkspace(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		preserve := c.Query("preserve_files") == "true"
		return nil, h.manager.Delete(c.Request.Context(), c.Param("id"), preserve)
	})
}

func (h *Handler) ScaleWorkspace(c *gin.Context) {
	handle(c, h.scaleWorkspace)
}

func (h *Handler) WorkspaceHealth(c *gin.Context) {
	handle(c, h.workspaceHealth)
}

func (h *Handler) ExecCommand(c *gin.Context) {
	handle(c, h.execCommand)
}

func (h *Handler) createWorkspace(c *gin.Context) (interface{}, error) {
	var req apitypes.CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, podexerrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	return h.manager.Create(c.Request.Context(), req.UserId, req.SessionId, &req.Config)
}

func (h *Handler) listWorkspaces(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	if userId := c.Query("user_id"); userId != "" {
		return h.store.ListByUser(ctx, userId)
	}
	if sessionId := c.Query("session_id"); sessionId != "" {
		return h.store.ListBySession(ctx, sessionId)
	}
	if serverId := c.Query("server_id"); serverId != "" {
		return h.store.ListByServer(ctx, serverId)
	}
	return h.store.ListAll(ctx)
}

func (h *Handler) scaleWorkspace(c *gin.Context) (interface{}, error) {
	var req apitypes.ScaleWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, podexerrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	return h.manager.Scale(c.Request.Context(), c.Param("id"), req.Tier)
}

func (h *Handler) workspaceHealth(c *gin.Context) (interface{}, error) {
	workspaceId := c.Param("id")
	healthy, err := h.manager.CheckWorkspaceHealth(c.Request.Context(), workspaceId)
	if err != nil {
		return nil, err
	}
	return &apitypes.HealthResponse{WorkspaceId: workspaceId, Healthy: healthy}, nil
}

func (h *Handler) execCommand(c *gin.Context) (interface{}, error) {
	var req apitypes.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, podexerrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	result, err := h.manager.Exec(c.Request.Context(), c.Param("id"), req.Command,
		execTimeout(req.TimeoutSeconds))
	if err != nil {
		return nil, err
	}
	return &apitypes.ExecResponse{ExitCode: result.ExitCode, Output: result.Output}, nil
}

// ExecCommandStream upgrades to a websocket, reads one ExecRequest frame,
// then streams the command output as text frames followed by a final JSON
// result frame.
func (h *Handler) ExecCommandStream(c *gin.Context) {
	conn, err := execUpgrade(c)
	if err != nil {
		AbortWithApiError(c, podexerrors.NewBadRequest(err.Error()))
		return
	}
	defer conn.Close()

	var req apitypes.ExecRequest
	if err = conn.ReadJSON(&req); err != nil {
		writeStreamResult(conn, 0, "invalid exec request: "+err.Error())
		return
	}
	if len(req.Command) == 0 {
		writeStreamResult(conn, 0, "command is required")
		return
	}
	writer := &wsWriter{conn: conn}
	exitCode, err := h.manager.ExecStream(c.Request.Context(), c.Param("id"),
		req.Command, writer, execTimeout(req.TimeoutSeconds))
	if err != nil {
		writeStreamResult(conn, 0, err.Error())
		return
	}
	writeStreamResult(conn, exitCode, "")
}

// ProxyForward relays the request to a service port inside the workspace.
func (h *Handler) ProxyForward(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port <= 0 || port > 65535 {
		AbortWithApiError(c, podexerrors.NewBadRequest("invalid proxy port"))
		return
	}
	path := strings.TrimPrefix(c.Param("path"), "/")
	err = h.proxy.Forward(c.Writer, c.Request, c.Param("id"), port, path)
	if err != nil {
		AbortWithApiError(c, err)
	}
}

func execTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultExecTimeout
	}
	timeout := time.Duration(seconds) * time.Second
	if timeout > maxExecTimeout {
		return maxExecTimeout
	}
	return timeout
}

// wsWriter adapts a websocket connection into the io.Writer the runtime
// driver streams into.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(execStreamWriteTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func writeStreamResult(conn *websocket.Conn, exitCode int, errMessage string) {
	conn.SetWriteDeadline(time.Now().Add(execStreamWriteTimeout))
	result := &apitypes.ExecStreamResult{ExitCode: exitCode, Error: errMessage}
	if err := conn.WriteJSON(result); err != nil {
		klog.V(2).Infof("failed to write exec stream result: %v", err)
	}
}

func execUpgrade(c *gin.Context) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The API collaborator fronts this endpoint; origin policy lives there.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return upgrader.Upgrade(c.Writer, c.Request, nil)
}
