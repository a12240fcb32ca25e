/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package localpod

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgentEnv(t *testing.T) (*Agent, string) {
	t.Helper()
	root := t.TempDir()
	agent, err := NewAgent("pod-1", "user-1", "ws://unused", NewLibrary(root))
	require.NoError(t, err)
	t.Cleanup(agent.Stop)
	return agent, root
}

func callAgent(t *testing.T, agent *Agent, method string, params interface{}) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(params)
	require.NoError(t, err)
	result, err := agent.handle(method, data)
	require.NoError(t, err)
	encoded, err := json.Marshal(result)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	return decoded
}

func TestAgentListProjectsAndSessions(t *testing.T) {
	agent, root := newAgentEnv(t)
	writeSession(t, root, "/home/me/proj", "conv-1", `{"uuid":"u1"}`, `{"uuid":"u2"}`)

	projects := callAgent(t, agent, "list_projects", map[string]string{})
	require.Len(t, projects["projects"], 1)

	sessions := callAgent(t, agent, "list_sessions", map[string]interface{}{
		"project_path": "/home/me/proj",
	})
	assert.EqualValues(t, 1, sessions["total"])
}

func TestAgentGetMessagesReverse(t *testing.T) {
	agent, root := newAgentEnv(t)
	writeSession(t, root, "/p", "conv-1",
		`{"uuid":"u1"}`, `{"uuid":"u2"}`, `{"uuid":"u3"}`)

	result := callAgent(t, agent, "get_messages", map[string]interface{}{
		"project_path": "/p",
		"session_id":   "conv-1",
		"limit":        2,
		"reverse":      true,
	})
	assert.EqualValues(t, 3, result["total"])
	messages := result["messages"].([]interface{})
	require.Len(t, messages, 2)
	first := messages[0].(map[string]interface{})
	assert.Equal(t, "u2", first["id"])
}

func TestAgentGetSession(t *testing.T) {
	agent, root := newAgentEnv(t)
	writeSession(t, root, "/p", "conv-1", `{"uuid":"u1"}`)

	result := callAgent(t, agent, "get_session", map[string]interface{}{
		"project_path":     "/p",
		"session_id":       "conv-1",
		"include_messages": true,
	})
	session := result["session"].(map[string]interface{})
	assert.EqualValues(t, 1, session["message_count"])
	assert.Len(t, session["messages"], 1)
}

func TestAgentSyncSession(t *testing.T) {
	agent, root := newAgentEnv(t)
	writeSession(t, root, "/p", "conv-1", `{"uuid":"u1"}`, `{"uuid":"u2"}`)

	result := callAgent(t, agent, "sync_session", map[string]interface{}{
		"project_path": "/p",
		"session_id":   "conv-1",
	})
	syncData := result["sync_data"].(map[string]interface{})
	assert.Equal(t, "conv-1", syncData["claude_session_id"])
	assert.EqualValues(t, 2, syncData["message_count"])
}

func TestAgentResumeSession(t *testing.T) {
	agent, _ := newAgentEnv(t)

	result := callAgent(t, agent, "resume_session", map[string]interface{}{
		"session_id":   "conv-1",
		"working_dir":  "/home/dev/workspace",
		"workspace_id": "ws-1",
	})
	assert.Equal(t, "ws-1", result["workspace_id"])
	assert.Equal(t, "conv-1", result["claude_session_id"])
	terminalId := result["terminal_session_id"].(string)
	assert.NotEmpty(t, terminalId)

	// Resuming the same terminal keeps its id.
	again := callAgent(t, agent, "resume_session", map[string]interface{}{
		"session_id":          "conv-1",
		"working_dir":         "/home/dev/workspace",
		"workspace_id":        "ws-1",
		"terminal_session_id": terminalId,
	})
	assert.Equal(t, terminalId, again["terminal_session_id"])
}

func TestAgentWatchAndUnwatch(t *testing.T) {
	agent, root := newAgentEnv(t)
	writeSession(t, root, "/p", "conv-1", `{"uuid":"u1"}`)

	result := callAgent(t, agent, "watch_session", map[string]interface{}{
		"claude_session_id": "conv-1",
		"project_path":      "/p",
		"podex_session_id":  "sess-1",
		"podex_agent_id":    "agent-1",
		"last_synced_uuid":  "u1",
	})
	assert.Equal(t, "registered", result["status"])
	assert.Equal(t, "/p", agent.watcher.WatchedConversations()["conv-1"])

	result = callAgent(t, agent, "unwatch_session", map[string]interface{}{
		"claude_session_id": "conv-1",
		"project_path":      "/p",
	})
	assert.Equal(t, "ok", result["status"])
	assert.Empty(t, agent.watcher.WatchedConversations())
}

func TestAgentRecoverWatchersResumesFromMirroredMark(t *testing.T) {
	agent, root := newAgentEnv(t)
	writeSession(t, root, "/p", "conv-1", `{"uuid":"u1"}`, `{"uuid":"u2"}`)

	agent.registerRecovered("/p", "conv-1", json.RawMessage(
		`{"watchers":[{"subscriber_session_id":"s1","subscriber_agent_id":"a1","last_synced_entry_id":"u1"}]}`))

	path := agent.library.SessionFile("/p", "conv-1")
	agent.watcher.mu.Lock()
	defer agent.watcher.mu.Unlock()
	file := agent.watcher.files[path]
	require.NotNil(t, file)
	state := file.subscribers["s1"]
	require.NotNil(t, state)
	assert.Equal(t, "a1", state.agentId)
	// The subscriber resumes past the mirrored mark instead of replaying the
	// whole conversation.
	assert.Equal(t, "u1", state.lastSyncedEntryId)
}

func TestAgentUnknownMethod(t *testing.T) {
	agent, _ := newAgentEnv(t)
	_, err := agent.handle("no_such_method", json.RawMessage(`{}`))
	require.Error(t, err)
}
