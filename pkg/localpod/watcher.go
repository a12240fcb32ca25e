/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package localpod

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/utils/channel"
)

// debounceWindow coalesces the burst of write events an agent produces while
// appending a turn to its log.
const debounceWindow = 500 * time.Millisecond

// SyncEvent is one conversation_sync emission: the new entries of one
// conversation, addressed to one subscriber.
type SyncEvent struct {
	SubscriberSessionId string  `json:"subscriber_session_id"`
	SubscriberAgentId   string  `json:"subscriber_agent_id"`
	ConversationId      string  `json:"conversation_id"`
	ProjectPath         string  `json:"project_path"`
	Entries             []Entry `json:"entries"`
	SyncType            string  `json:"sync_type"`
}

type subscriberState struct {
	agentId           string
	lastSyncedEntryId string
}

type watchedFile struct {
	conversationId string
	projectPath    string
	subscribers    map[string]*subscriberState
}

// Watcher tails watched conversation logs and pushes incremental entries to
// the control plane. Emissions preserve file order; per subscriber the high
// water mark only moves forward when the emit callback succeeds.
type Watcher struct {
	library *Library
	emit    func(SyncEvent) error

	// onUnknownChange fires when a log changes in a watched project but has
	// no local subscribers, so the agent can recover state it lost across a
	// restart.
	onUnknownChange func(projectPath, conversationId string)

	fsw  *fsnotify.Watcher
	tomb *channel.Tomb

	mu          sync.Mutex
	files       map[string]*watchedFile
	watchedDirs map[string]int
	timers      map[string]*time.Timer

	flushCh chan string
}

func NewWatcher(library *Library, emit func(SyncEvent) error) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		library:     library,
		emit:        emit,
		fsw:         fsw,
		tomb:        channel.NewTomb(),
		files:       map[string]*watchedFile{},
		watchedDirs: map[string]int{},
		timers:      map[string]*time.Timer{},
		flushCh:     make(chan string, 64),
	}
	go w.run()
	return w, nil
}

// OnUnknownChange installs the recovery hook.
func (w *Watcher) OnUnknownChange(hook func(projectPath, conversationId string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onUnknownChange = hook
}

// Watch registers a subscriber on a conversation log. The directory watch is
// shared between every log of the project.
func (w *Watcher) Watch(conversationId, projectPath, sessionId, agentId, lastSyncedEntryId string) error {
	path := w.library.SessionFile(projectPath, conversationId)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	file, ok := w.files[path]
	if !ok {
		if err := w.watchDirLocked(dir); err != nil {
			return err
		}
		file = &watchedFile{
			conversationId: conversationId,
			projectPath:    projectPath,
			subscribers:    map[string]*subscriberState{},
		}
		w.files[path] = file
	}
	file.subscribers[sessionId] = &subscriberState{
		agentId:           agentId,
		lastSyncedEntryId: lastSyncedEntryId,
	}
	klog.Infof("watching %s for subscriber %s (from %q)", path, sessionId, lastSyncedEntryId)

	// A stale high water mark means entries already exist beyond it; sync
	// immediately instead of waiting for the next change.
	w.scheduleLocked(path)
	return nil
}

// Unwatch drops every subscriber of the conversation.
func (w *Watcher) Unwatch(conversationId, projectPath string) {
	path := w.library.SessionFile(projectPath, conversationId)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; !ok {
		return
	}
	delete(w.files, path)
	w.unwatchDirLocked(filepath.Dir(path))
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
		delete(w.timers, path)
	}
	klog.Infof("stopped watching %s", path)
}

// WatchedConversations lists the (conversationId, projectPath) pairs with at
// least one subscriber.
func (w *Watcher) WatchedConversations() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	result := map[string]string{}
	for _, file := range w.files {
		result[file.conversationId] = file.projectPath
	}
	return result
}

// Stop tears the watcher down after flushing every pending debounce.
func (w *Watcher) Stop() {
	w.tomb.Stop()
	w.fsw.Close()

	w.mu.Lock()
	var pending []string
	for path, timer := range w.timers {
		if timer.Stop() {
			pending = append(pending, path)
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()
	for _, path := range pending {
		w.flush(path)
	}
}

func (w *Watcher) watchDirLocked(dir string) error {
	if w.watchedDirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
	}
	w.watchedDirs[dir]++
	return nil
}

func (w *Watcher) unwatchDirLocked(dir string) {
	w.watchedDirs[dir]--
	if w.watchedDirs[dir] <= 0 {
		delete(w.watchedDirs, dir)
		if err := w.fsw.Remove(dir); err != nil {
			klog.V(2).Infof("failed to remove watch on %s: %v", dir, err)
		}
	}
}

func (w *Watcher) run() {
	defer w.tomb.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.handleChange(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			klog.ErrorS(err, "session watcher error")
		case path := <-w.flushCh:
			w.flush(path)
		case <-w.tomb.Stopping():
			return
		}
	}
}

func (w *Watcher) handleChange(path string) {
	if filepath.Ext(path) != ".jsonl" {
		return
	}
	w.mu.Lock()
	_, known := w.files[path]
	hook := w.onUnknownChange
	w.mu.Unlock()

	if !known {
		// A log changed that nobody here subscribes to. After an agent
		// restart the control plane still remembers the watchers, so ask.
		if hook != nil {
			conversationId := filepath.Base(path[:len(path)-len(".jsonl")])
			projectPath := decodeProjectPath(filepath.Base(filepath.Dir(path)))
			go hook(projectPath, conversationId)
		}
		return
	}
	w.mu.Lock()
	w.scheduleLocked(path)
	w.mu.Unlock()
}

func (w *Watcher) scheduleLocked(path string) {
	if timer, ok := w.timers[path]; ok {
		timer.Reset(debounceWindow)
		return
	}
	w.timers[path] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.flushCh <- path:
		case <-w.tomb.Stopping():
		}
	})
}

// flush re-reads one log and emits the entries past each subscriber's high
// water mark.
func (w *Watcher) flush(path string) {
	w.mu.Lock()
	file, ok := w.files[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	conversationId := file.conversationId
	projectPath := file.projectPath
	subscribers := make(map[string]*subscriberState, len(file.subscribers))
	for id, state := range file.subscribers {
		subscribers[id] = state
	}
	w.mu.Unlock()

	entries, err := ParseSessionFile(path)
	if err != nil {
		klog.ErrorS(err, "failed to read session log", "path", path)
		return
	}
	for sessionId, state := range subscribers {
		fresh := EntriesAfter(entries, state.lastSyncedEntryId)
		if len(fresh) == 0 {
			continue
		}
		event := SyncEvent{
			SubscriberSessionId: sessionId,
			SubscriberAgentId:   state.agentId,
			ConversationId:      conversationId,
			ProjectPath:         projectPath,
			Entries:             fresh,
			SyncType:            "incremental",
		}
		if err := w.emit(event); err != nil {
			// Leave the mark where it is; the entries go out again on the
			// next change.
			klog.ErrorS(err, "failed to push conversation entries",
				"conversation", conversationId, "subscriber", sessionId)
			continue
		}
		state.lastSyncedEntryId = fresh[len(fresh)-1].Id
	}
}
