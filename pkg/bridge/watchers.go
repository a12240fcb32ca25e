/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package bridge

import (
	"context"
	"encoding/json"

	"k8s.io/klog/v2"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
	utiljson "github.com/AMD-AIG-AIMA/podex/pkg/utils/json"
)

// WatchSessionParams is the watch_session RPC payload sent to the pod.
type WatchSessionParams struct {
	ClaudeSessionId string `json:"claude_session_id"`
	ProjectPath     string `json:"project_path"`
	PodexSessionId  string `json:"podex_session_id"`
	PodexAgentId    string `json:"podex_agent_id"`
	LastSyncedUuid  string `json:"last_synced_uuid,omitempty"`
}

type UnwatchSessionParams struct {
	ClaudeSessionId string `json:"claude_session_id"`
	ProjectPath     string `json:"project_path"`
}

type lookupWatchersParams struct {
	ProjectPath    string `json:"project_path"`
	ConversationId string `json:"conversation_id"`
}

type watcherView struct {
	SubscriberSessionId string `json:"subscriber_session_id"`
	SubscriberAgentId   string `json:"subscriber_agent_id"`
	LastSyncedEntryId   string `json:"last_synced_entry_id,omitempty"`
}

type lookupWatchersResult struct {
	Watchers []watcherView `json:"watchers"`
}

// WatchSession registers a subscriber on the pod's session watcher and
// mirrors the intent into the workspace record so the pod can recover its
// subscribers after a restart.
func (h *Hub) WatchSession(ctx context.Context, podId, workspaceId string,
	watched types.WatchedConversation) error {
	params := &WatchSessionParams{
		ClaudeSessionId: watched.ConversationId,
		ProjectPath:     watched.ProjectPath,
		PodexSessionId:  watched.SubscriberSessionId,
		PodexAgentId:    watched.SubscriberAgentId,
		LastSyncedUuid:  watched.LastSyncedEntryId,
	}
	if _, err := h.Call(ctx, podId, "watch_session", params, DefaultCallTimeout); err != nil {
		return err
	}
	return h.mirrorWatcher(ctx, workspaceId, watched, true)
}

// UnwatchSession removes the subscriber on the pod and from the mirrored
// intent.
func (h *Hub) UnwatchSession(ctx context.Context, podId, workspaceId string,
	watched types.WatchedConversation) error {
	params := &UnwatchSessionParams{
		ClaudeSessionId: watched.ConversationId,
		ProjectPath:     watched.ProjectPath,
	}
	if _, err := h.Call(ctx, podId, "unwatch_session", params, DefaultCallTimeout); err != nil {
		// The mirror still has to go; a dead pod must not pin subscriptions.
		if !podexerrors.IsPodNotConnected(err) {
			return err
		}
		klog.Warningf("pod %s offline during unwatch, clearing mirrored intent only", podId)
	}
	return h.mirrorWatcher(ctx, workspaceId, watched, false)
}

// mirrorWatcher adds or removes one WatchedConversation in the workspace
// record metadata.
func (h *Hub) mirrorWatcher(ctx context.Context, workspaceId string,
	watched types.WatchedConversation, add bool) error {
	record, err := h.store.Get(ctx, workspaceId)
	if err != nil {
		return err
	}
	watchers := decodeWatchers(record.GetMeta(types.MetaWatchers))
	next := make([]types.WatchedConversation, 0, len(watchers)+1)
	for _, existing := range watchers {
		if existing.ConversationId == watched.ConversationId &&
			existing.ProjectPath == watched.ProjectPath &&
			existing.SubscriberSessionId == watched.SubscriberSessionId {
			continue
		}
		next = append(next, existing)
	}
	if add {
		next = append(next, watched)
	}
	record.SetMeta(types.MetaWatchers, string(utiljson.MarshalSilently(next)))
	record.SetMeta(types.MetaClaudeSessionId, watched.ConversationId)
	record.SetMeta(types.MetaClaudeProjectPath, watched.ProjectPath)
	return h.store.Save(ctx, record)
}

// LookupWatchers answers from the store: every subscriber mirrored for the
// conversation across all workspace records.
func (h *Hub) LookupWatchers(ctx context.Context, projectPath, conversationId string) ([]types.WatchedConversation, error) {
	records, err := h.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var result []types.WatchedConversation
	for _, record := range records {
		for _, watched := range decodeWatchers(record.GetMeta(types.MetaWatchers)) {
			if watched.ProjectPath == projectPath && watched.ConversationId == conversationId {
				result = append(result, watched)
			}
		}
	}
	return result, nil
}

func (h *Hub) handleLookupWatchers(ctx context.Context, podId string,
	params json.RawMessage) (interface{}, error) {
	var req lookupWatchersParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, podexerrors.NewBadRequest(err.Error())
	}
	watchers, err := h.LookupWatchers(ctx, req.ProjectPath, req.ConversationId)
	if err != nil {
		return nil, err
	}
	result := &lookupWatchersResult{Watchers: make([]watcherView, 0, len(watchers))}
	for _, watched := range watchers {
		result.Watchers = append(result.Watchers, watcherView{
			SubscriberSessionId: watched.SubscriberSessionId,
			SubscriberAgentId:   watched.SubscriberAgentId,
			LastSyncedEntryId:   watched.LastSyncedEntryId,
		})
	}
	klog.V(3).Infof("pod %s looked up %d watchers for %s", podId, len(result.Watchers), req.ConversationId)
	return result, nil
}

// syncEventHead is the subset of a conversation_sync event needed to advance
// the mirrored high water mark.
type syncEventHead struct {
	SubscriberSessionId string `json:"subscriber_session_id"`
	ConversationId      string `json:"conversation_id"`
	ProjectPath         string `json:"project_path"`
	Entries             []struct {
		Id string `json:"id"`
	} `json:"entries"`
}

// advanceSyncMark moves last_synced_entry_id forward in the mirrored watcher
// intent, so a pod that re-registers from the mirror resumes where delivery
// actually got to.
func (h *Hub) advanceSyncMark(podId, method string, params json.RawMessage) {
	if method != "conversation_sync" {
		return
	}
	var event syncEventHead
	if err := json.Unmarshal(params, &event); err != nil {
		klog.ErrorS(err, "malformed conversation_sync event", "pod", podId)
		return
	}
	if len(event.Entries) == 0 {
		return
	}
	lastId := event.Entries[len(event.Entries)-1].Id

	ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
	defer cancel()
	records, err := h.store.ListAll(ctx)
	if err != nil {
		klog.ErrorS(err, "failed to list workspaces for sync mark")
		return
	}
	for _, record := range records {
		watchers := decodeWatchers(record.GetMeta(types.MetaWatchers))
		changed := false
		for i := range watchers {
			if watchers[i].ConversationId == event.ConversationId &&
				watchers[i].ProjectPath == event.ProjectPath &&
				watchers[i].SubscriberSessionId == event.SubscriberSessionId {
				watchers[i].LastSyncedEntryId = lastId
				changed = true
			}
		}
		if !changed {
			continue
		}
		record.SetMeta(types.MetaWatchers, string(utiljson.MarshalSilently(watchers)))
		if err = h.store.Save(ctx, record); err != nil {
			klog.ErrorS(err, "failed to save sync mark", "workspace", record.Id)
		}
	}
}

func decodeWatchers(raw string) []types.WatchedConversation {
	if raw == "" {
		return nil
	}
	var watchers []types.WatchedConversation
	if err := json.Unmarshal([]byte(raw), &watchers); err != nil {
		klog.ErrorS(err, "malformed watcher metadata, ignoring")
		return nil
	}
	return watchers
}
