/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/store"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

// fakePod is a scripted laptop agent on the other side of the channel.
type fakePod struct {
	conn *websocket.Conn
}

func newBridgeEnv(t *testing.T) (*Hub, store.Interface, *fakePod) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewStore(client)
	hub := NewHub(st)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Connect(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?pod_id=pod-1&user_id=user-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.IsPodOnline("pod-1") },
		2*time.Second, 10*time.Millisecond)
	return hub, st, &fakePod{conn: conn}
}

// serve answers every incoming request with the scripted result.
func (p *fakePod) serve(t *testing.T, results map[string]interface{}) {
	t.Helper()
	go func() {
		for {
			var msg Message
			if err := p.conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != TypeRequest {
				continue
			}
			response := Message{Id: msg.Id, Type: TypeResponse}
			if result, ok := results[msg.Method]; ok {
				data, _ := json.Marshal(result)
				response.Result = data
			} else {
				response.Error = "unsupported method " + msg.Method
			}
			if err := p.conn.WriteJSON(&response); err != nil {
				return
			}
		}
	}()
}

func TestCallRoundTrip(t *testing.T) {
	hub, _, pod := newBridgeEnv(t)
	pod.serve(t, map[string]interface{}{
		"list_projects": map[string]interface{}{"projects": []string{}},
	})

	result, err := hub.Call(context.Background(), "pod-1", "list_projects",
		map[string]string{}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"projects":[]}`, string(result))
}

func TestCallErrorsFromPod(t *testing.T) {
	hub, _, pod := newBridgeEnv(t)
	pod.serve(t, map[string]interface{}{})

	_, err := hub.Call(context.Background(), "pod-1", "no_such_method", nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported method")
}

func TestCallPodNotConnected(t *testing.T) {
	hub, _, _ := newBridgeEnv(t)
	_, err := hub.Call(context.Background(), "pod-missing", "list_projects", nil, time.Second)
	assert.True(t, podexerrors.IsPodNotConnected(err))
}

func TestCallTimeout(t *testing.T) {
	hub, _, _ := newBridgeEnv(t)
	// The pod never answers.
	_, err := hub.Call(context.Background(), "pod-1", "list_projects", nil, 100*time.Millisecond)
	require.Error(t, err)
	apiErr := podexerrors.FromError(err)
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.HttpCode)
}

func TestPodGoesOfflineOnClose(t *testing.T) {
	hub, _, pod := newBridgeEnv(t)
	require.True(t, hub.IsPodOnline("pod-1"))
	pod.conn.Close()
	require.Eventually(t, func() bool { return !hub.IsPodOnline("pod-1") },
		2*time.Second, 10*time.Millisecond)
	assert.Empty(t, hub.OnlinePods())
}

func TestWatchSessionMirrorsIntent(t *testing.T) {
	hub, st, pod := newBridgeEnv(t)
	pod.serve(t, map[string]interface{}{
		"watch_session":   map[string]string{"status": "registered"},
		"unwatch_session": map[string]string{"status": "ok"},
	})
	require.NoError(t, st.Save(context.Background(), &types.WorkspaceRecord{
		Id:     "ws-1",
		UserId: "user-1",
		Status: types.WorkspaceRunning,
	}))

	watched := types.WatchedConversation{
		ConversationId:      "conv-1",
		ProjectPath:         "/home/me/project",
		SubscriberSessionId: "sess-9",
		SubscriberAgentId:   "agent-3",
	}
	require.NoError(t, hub.WatchSession(context.Background(), "pod-1", "ws-1", watched))

	watchers, err := hub.LookupWatchers(context.Background(), "/home/me/project", "conv-1")
	require.NoError(t, err)
	require.Len(t, watchers, 1)
	assert.Equal(t, "sess-9", watchers[0].SubscriberSessionId)

	record, err := st.Get(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", record.GetMeta(types.MetaClaudeSessionId))

	require.NoError(t, hub.UnwatchSession(context.Background(), "pod-1", "ws-1", watched))
	watchers, err = hub.LookupWatchers(context.Background(), "/home/me/project", "conv-1")
	require.NoError(t, err)
	assert.Empty(t, watchers)
}

func TestLookupWatchersAnswersPodRpc(t *testing.T) {
	hub, st, pod := newBridgeEnv(t)

	record := &types.WorkspaceRecord{Id: "ws-1", Status: types.WorkspaceRunning}
	record.SetMeta(types.MetaWatchers,
		`[{"conversationId":"conv-1","projectPath":"/p","subscriberSessionId":"s1","subscriberAgentId":"a1","lastSyncedEntryId":"u7"}]`)
	require.NoError(t, st.Save(context.Background(), record))
	_ = hub

	request := Message{
		Id:     "req-1",
		Type:   TypeRequest,
		Method: "lookup_watchers",
		Params: json.RawMessage(`{"project_path":"/p","conversation_id":"conv-1"}`),
	}
	require.NoError(t, pod.conn.WriteJSON(&request))

	// The mirrored sync mark rides along so a recovering pod resumes from it.
	var response Message
	require.NoError(t, pod.conn.ReadJSON(&response))
	assert.Equal(t, "req-1", response.Id)
	assert.Empty(t, response.Error)
	assert.JSONEq(t,
		`{"watchers":[{"subscriber_session_id":"s1","subscriber_agent_id":"a1","last_synced_entry_id":"u7"}]}`,
		string(response.Result))
}

func TestConversationSyncAdvancesMirroredMark(t *testing.T) {
	hub, st, pod := newBridgeEnv(t)
	_ = hub

	record := &types.WorkspaceRecord{Id: "ws-1", Status: types.WorkspaceRunning}
	record.SetMeta(types.MetaWatchers,
		`[{"conversationId":"conv-1","projectPath":"/p","subscriberSessionId":"s1","subscriberAgentId":"a1"}]`)
	require.NoError(t, st.Save(context.Background(), record))

	event := Message{
		Type:   TypeEvent,
		Method: "conversation_sync",
		Params: json.RawMessage(`{
			"subscriber_session_id": "s1",
			"conversation_id":       "conv-1",
			"project_path":          "/p",
			"entries":               [{"id": "u1"}, {"id": "u2"}]
		}`),
	}
	require.NoError(t, pod.conn.WriteJSON(&event))

	// The event is handled on the channel's read loop.
	require.Eventually(t, func() bool {
		stored, err := st.Get(context.Background(), "ws-1")
		if err != nil {
			return false
		}
		watchers := decodeWatchers(stored.GetMeta(types.MetaWatchers))
		return len(watchers) == 1 && watchers[0].LastSyncedEntryId == "u2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventFanOut(t *testing.T) {
	hub, _, pod := newBridgeEnv(t)
	received := make(chan string, 1)
	hub.OnEvent(func(podId, method string, params json.RawMessage) {
		received <- method
	})

	event := Message{
		Type:   TypeEvent,
		Method: "conversation_sync",
		Params: json.RawMessage(`{"conversation_id":"conv-1","entries":[]}`),
	}
	require.NoError(t, pod.conn.WriteJSON(&event))

	select {
	case method := <-received:
		assert.Equal(t, "conversation_sync", method)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not fanned out")
	}
}
