/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package localpod

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/bridge"
	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/backoff"
)

const (
	// reconnectMaxInterval caps the backoff between dial attempts; the agent
	// keeps trying for as long as it runs.
	reconnectMaxInterval = 30 * time.Second

	agentWriteTimeout = 10 * time.Second
	agentCallTimeout  = 30 * time.Second
)

// terminalBinding remembers which workspace terminal a conversation was
// resumed into.
type terminalBinding struct {
	WorkspaceId     string
	WorkingDir      string
	ClaudeSessionId string
}

// Agent is the laptop-side daemon: it holds the channel to the control
// plane, serves the conversation-library RPCs, and pushes watcher emissions
// upstream.
type Agent struct {
	podId      string
	userId     string
	controlUrl string

	library *Library
	watcher *Watcher

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *bridge.Message

	terminalMu sync.Mutex
	terminals  map[string]terminalBinding

	stopOnce sync.Once
	stopCh   chan struct{}
	running  atomic.Bool
	done     chan struct{}
}

// NewAgent wires the agent. controlUrl is the websocket endpoint of the
// control plane's pod connect route, without query parameters.
func NewAgent(podId, userId, controlUrl string, library *Library) (*Agent, error) {
	agent := &Agent{
		podId:      podId,
		userId:     userId,
		controlUrl: controlUrl,
		library:    library,
		pending:    map[string]chan *bridge.Message{},
		terminals:  map[string]terminalBinding{},
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	watcher, err := NewWatcher(library, agent.pushSync)
	if err != nil {
		return nil, err
	}
	watcher.OnUnknownChange(agent.recoverWatchers)
	agent.watcher = watcher
	return agent, nil
}

// Run dials the control plane and serves the channel until Stop. Every drop
// of the connection goes back through backoff and re-dials.
func (a *Agent) Run() {
	a.running.Store(true)
	defer close(a.done)
	for !a.stopped() {
		err := backoff.Retry(a.dial, 0, reconnectMaxInterval)
		if err != nil {
			klog.ErrorS(err, "giving up dialing control plane")
			return
		}
		if a.stopped() {
			return
		}
		a.serve()
	}
}

// Stop closes the channel and flushes the watcher.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.watcher.Stop()
	a.connMu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.connMu.Unlock()
	if a.running.Load() {
		<-a.done
	}
}

func (a *Agent) stopped() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

func (a *Agent) dial() error {
	if a.stopped() {
		return nil
	}
	url := fmt.Sprintf("%s?pod_id=%s&user_id=%s", a.controlUrl, a.podId, a.userId)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		klog.V(2).Infof("control plane dial failed, will retry: %v", err)
		return err
	}
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	klog.Infof("connected to control plane as pod %s", a.podId)
	return nil
}

func (a *Agent) serve() {
	a.connMu.RLock()
	conn := a.conn
	a.connMu.RUnlock()
	if conn == nil {
		return
	}
	for {
		var msg bridge.Message
		if err := conn.ReadJSON(&msg); err != nil {
			klog.V(2).Infof("control plane channel closed: %v", err)
			return
		}
		switch msg.Type {
		case bridge.TypeRequest:
			go a.answer(&msg)
		case bridge.TypeResponse:
			a.deliver(&msg)
		default:
			klog.Warningf("control plane sent unknown frame type %q", msg.Type)
		}
	}
}

func (a *Agent) answer(msg *bridge.Message) {
	response := &bridge.Message{Id: msg.Id, Type: bridge.TypeResponse}
	result, err := a.handle(msg.Method, msg.Params)
	if err != nil {
		response.Error = err.Error()
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			response.Error = err.Error()
		} else {
			response.Result = data
		}
	}
	if err := a.write(response); err != nil {
		klog.ErrorS(err, "failed to answer control plane", "method", msg.Method)
	}
}

func (a *Agent) handle(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "list_projects":
		return a.handleListProjects()
	case "list_sessions":
		return a.handleListSessions(params)
	case "get_session":
		return a.handleGetSession(params)
	case "get_messages":
		return a.handleGetMessages(params)
	case "sync_session":
		return a.handleSyncSession(params)
	case "resume_session":
		return a.handleResumeSession(params)
	case "watch_session":
		return a.handleWatchSession(params)
	case "unwatch_session":
		return a.handleUnwatchSession(params)
	default:
		return nil, podexerrors.NewBadRequest("unknown method " + method)
	}
}

func (a *Agent) handleListProjects() (interface{}, error) {
	projects, err := a.library.ListProjects()
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []ProjectInfo{}
	}
	return map[string]interface{}{"projects": projects}, nil
}

type listSessionsParams struct {
	ProjectPath string `json:"project_path"`
	Limit       int    `json:"limit"`
	Offset      int    `json:"offset"`
	SortBy      string `json:"sort_by"`
	SortOrder   string `json:"sort_order"`
}

func (a *Agent) handleListSessions(params json.RawMessage) (interface{}, error) {
	var req listSessionsParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, podexerrors.NewBadRequest(err.Error())
	}
	sessions, total, err := a.library.ListSessions(req.ProjectPath, req.Limit, req.Offset,
		req.SortBy, req.SortOrder)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []SessionSummary{}
	}
	return map[string]interface{}{"sessions": sessions, "total": total}, nil
}

type getSessionParams struct {
	ProjectPath     string `json:"project_path"`
	SessionId       string `json:"session_id"`
	IncludeMessages bool   `json:"include_messages"`
	MessageLimit    int    `json:"message_limit"`
}

func (a *Agent) handleGetSession(params json.RawMessage) (interface{}, error) {
	var req getSessionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, podexerrors.NewBadRequest(err.Error())
	}
	entries, total, err := a.library.GetMessages(req.ProjectPath, req.SessionId, 0, 0, false)
	if err != nil {
		return nil, err
	}
	session := map[string]interface{}{
		"session_id":    req.SessionId,
		"project_path":  req.ProjectPath,
		"message_count": total,
	}
	if req.IncludeMessages {
		session["messages"] = Page(entries, req.MessageLimit, 0, false)
	}
	return map[string]interface{}{"session": session}, nil
}

type getMessagesParams struct {
	ProjectPath string `json:"project_path"`
	SessionId   string `json:"session_id"`
	Limit       int    `json:"limit"`
	Offset      int    `json:"offset"`
	Reverse     bool   `json:"reverse"`
}

func (a *Agent) handleGetMessages(params json.RawMessage) (interface{}, error) {
	var req getMessagesParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, podexerrors.NewBadRequest(err.Error())
	}
	messages, total, err := a.library.GetMessages(req.ProjectPath, req.SessionId,
		req.Limit, req.Offset, req.Reverse)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []Entry{}
	}
	return map[string]interface{}{"messages": messages, "total": total}, nil
}

type syncSessionParams struct {
	ProjectPath string `json:"project_path"`
	SessionId   string `json:"session_id"`
}

// handleSyncSession ships the whole conversation in one payload, for a
// workspace that wants to pick up a local session from scratch.
func (a *Agent) handleSyncSession(params json.RawMessage) (interface{}, error) {
	var req syncSessionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, podexerrors.NewBadRequest(err.Error())
	}
	entries, total, err := a.library.GetMessages(req.ProjectPath, req.SessionId, 0, 0, false)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sync_data": map[string]interface{}{
			"claude_session_id": req.SessionId,
			"project_path":      req.ProjectPath,
			"messages":          entries,
			"message_count":     total,
		},
	}, nil
}

type resumeSessionParams struct {
	SessionId         string `json:"session_id"`
	WorkingDir        string `json:"working_dir"`
	WorkspaceId       string `json:"workspace_id"`
	TerminalSessionId string `json:"terminal_session_id"`
}

// handleResumeSession binds a conversation to a workspace terminal. The
// binding is remembered so a repeat resume of the same terminal keeps its id.
func (a *Agent) handleResumeSession(params json.RawMessage) (interface{}, error) {
	var req resumeSessionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, podexerrors.NewBadRequest(err.Error())
	}
	terminalId := req.TerminalSessionId
	if terminalId == "" {
		terminalId = uuid.NewString()
	}
	a.terminalMu.Lock()
	a.terminals[terminalId] = terminalBinding{
		WorkspaceId:     req.WorkspaceId,
		WorkingDir:      req.WorkingDir,
		ClaudeSessionId: req.SessionId,
	}
	a.terminalMu.Unlock()
	klog.Infof("resumed session %s into workspace %s terminal %s",
		req.SessionId, req.WorkspaceId, terminalId)
	return map[string]interface{}{
		"terminal_session_id": terminalId,
		"workspace_id":        req.WorkspaceId,
		"working_dir":         req.WorkingDir,
		"claude_session_id":   req.SessionId,
	}, nil
}

func (a *Agent) handleWatchSession(params json.RawMessage) (interface{}, error) {
	var req bridge.WatchSessionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, podexerrors.NewBadRequest(err.Error())
	}
	err := a.watcher.Watch(req.ClaudeSessionId, req.ProjectPath,
		req.PodexSessionId, req.PodexAgentId, req.LastSyncedUuid)
	if err != nil {
		return map[string]string{"status": "error"}, nil
	}
	return map[string]string{"status": "registered"}, nil
}

func (a *Agent) handleUnwatchSession(params json.RawMessage) (interface{}, error) {
	var req bridge.UnwatchSessionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, podexerrors.NewBadRequest(err.Error())
	}
	a.watcher.Unwatch(req.ClaudeSessionId, req.ProjectPath)
	return map[string]string{"status": "ok"}, nil
}

// pushSync sends one conversation_sync event upstream.
func (a *Agent) pushSync(event SyncEvent) error {
	params, err := json.Marshal(&event)
	if err != nil {
		return err
	}
	return a.write(&bridge.Message{
		Type:   bridge.TypeEvent,
		Method: "conversation_sync",
		Params: params,
	})
}

// recoverWatchers asks the control plane who subscribes to a conversation
// this agent has no local state for, then re-registers them.
func (a *Agent) recoverWatchers(projectPath, conversationId string) {
	result, err := a.call("lookup_watchers", map[string]string{
		"project_path":    projectPath,
		"conversation_id": conversationId,
	})
	if err != nil {
		klog.ErrorS(err, "watcher recovery lookup failed", "conversation", conversationId)
		return
	}
	a.registerRecovered(projectPath, conversationId, result)
}

// registerRecovered re-registers every watcher from a lookup_watchers result.
// Each subscriber resumes from its mirrored sync mark, not from the start of
// the conversation.
func (a *Agent) registerRecovered(projectPath, conversationId string, result json.RawMessage) {
	var lookup struct {
		Watchers []struct {
			SubscriberSessionId string `json:"subscriber_session_id"`
			SubscriberAgentId   string `json:"subscriber_agent_id"`
			LastSyncedEntryId   string `json:"last_synced_entry_id"`
		} `json:"watchers"`
	}
	if err := json.Unmarshal(result, &lookup); err != nil {
		klog.ErrorS(err, "malformed lookup_watchers result")
		return
	}
	for _, watcher := range lookup.Watchers {
		err := a.watcher.Watch(conversationId, projectPath,
			watcher.SubscriberSessionId, watcher.SubscriberAgentId, watcher.LastSyncedEntryId)
		if err != nil {
			klog.ErrorS(err, "failed to re-register recovered watcher",
				"subscriber", watcher.SubscriberSessionId)
		}
	}
	if len(lookup.Watchers) > 0 {
		klog.Infof("recovered %d watchers for conversation %s", len(lookup.Watchers), conversationId)
	}
}

// call issues an agent-originated RPC to the control plane.
func (a *Agent) call(method string, params interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	msg := &bridge.Message{
		Id:     uuid.NewString(),
		Type:   bridge.TypeRequest,
		Method: method,
		Params: data,
	}
	wait := make(chan *bridge.Message, 1)
	a.pendingMu.Lock()
	a.pending[msg.Id] = wait
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, msg.Id)
		a.pendingMu.Unlock()
	}()

	if err := a.write(msg); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), agentCallTimeout)
	defer cancel()
	select {
	case response := <-wait:
		if response.Error != "" {
			return nil, podexerrors.NewInternalError(response.Error)
		}
		return response.Result, nil
	case <-a.stopCh:
		return nil, podexerrors.NewInternalError("agent stopping")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) deliver(msg *bridge.Message) {
	a.pendingMu.Lock()
	ch, ok := a.pending[msg.Id]
	a.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
}

func (a *Agent) write(msg *bridge.Message) error {
	a.connMu.RLock()
	conn := a.conn
	a.connMu.RUnlock()
	if conn == nil {
		return podexerrors.NewInternalError("not connected to control plane")
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(agentWriteTimeout))
	return conn.WriteJSON(msg)
}
