/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package localpod

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
)

func writeSession(t *testing.T, root, projectPath, sessionId string, lines ...string) string {
	t.Helper()
	dir := filepath.Join(root, EncodeProjectPath(projectPath))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, sessionId+".jsonl")
	var content string
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseSessionFile(t *testing.T) {
	root := t.TempDir()
	path := writeSession(t, root, "/home/me/proj", "conv-1",
		`{"uuid":"u1","type":"user","message":"hi"}`,
		``,
		`{"type":"summary","summary":"greeting"}`,
		`{"uuid":"u2","type":"assistant","mess`, // torn tail
	)

	entries, err := ParseSessionFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "u1", entries[0].Id)
	assert.Equal(t, "user", entries[0].Type)

	// A line without a uuid gets a stable synthetic id.
	assert.Contains(t, entries[1].Id, "hash-")
	again, err := ParseSessionFile(path)
	require.NoError(t, err)
	assert.Equal(t, entries[1].Id, again[1].Id)
}

func TestEntriesAfter(t *testing.T) {
	entries := []Entry{{Id: "a"}, {Id: "b"}, {Id: "c"}}

	assert.Equal(t, entries, EntriesAfter(entries, ""))
	assert.Equal(t, entries, EntriesAfter(entries, "missing"))
	assert.Equal(t, []Entry{{Id: "c"}}, EntriesAfter(entries, "b"))
	assert.Empty(t, EntriesAfter(entries, "c"))
}

func TestPage(t *testing.T) {
	entries := []Entry{{Id: "a"}, {Id: "b"}, {Id: "c"}, {Id: "d"}}

	assert.Equal(t, []Entry{{Id: "a"}, {Id: "b"}}, Page(entries, 2, 0, false))
	assert.Equal(t, []Entry{{Id: "c"}, {Id: "d"}}, Page(entries, 2, 2, false))
	assert.Empty(t, Page(entries, 2, 10, false))

	// Reverse pages from the tail, keeping file order inside each page.
	assert.Equal(t, []Entry{{Id: "c"}, {Id: "d"}}, Page(entries, 2, 0, true))
	assert.Equal(t, []Entry{{Id: "a"}, {Id: "b"}}, Page(entries, 2, 2, true))
	assert.Empty(t, Page(entries, 2, 10, true))
}

func TestLibraryListProjects(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "/home/me/alpha", "conv-1", `{"uuid":"u1"}`)
	writeSession(t, root, "/home/me/alpha", "conv-2", `{"uuid":"u2"}`)
	writeSession(t, root, "/home/me/beta", "conv-3", `{"uuid":"u3"}`)

	library := NewLibrary(root)
	projects, err := library.ListProjects()
	require.NoError(t, err)
	require.Len(t, projects, 2)

	byPath := map[string]ProjectInfo{}
	for _, project := range projects {
		byPath[project.Path] = project
	}
	assert.Equal(t, 2, byPath["/home/me/alpha"].SessionCount)
	assert.Equal(t, "-home-me-alpha", byPath["/home/me/alpha"].EncodedPath)
	assert.Equal(t, 1, byPath["/home/me/beta"].SessionCount)
}

func TestLibraryListSessions(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "/p", "short", `{"uuid":"u1"}`)
	writeSession(t, root, "/p", "long", `{"uuid":"u2"}`, `{"uuid":"u3"}`, `{"uuid":"u4"}`)

	library := NewLibrary(root)
	sessions, total, err := library.ListSessions("/p", 0, 0, "message_count", "desc")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, sessions, 2)
	assert.Equal(t, "long", sessions[0].SessionId)
	assert.Equal(t, 3, sessions[0].MessageCount)

	paged, total, err := library.ListSessions("/p", 1, 1, "message_count", "desc")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, paged, 1)
	assert.Equal(t, "short", paged[0].SessionId)

	none, total, err := library.ListSessions("/unknown", 0, 0, "", "")
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)
}

func TestLibraryGetMessages(t *testing.T) {
	root := t.TempDir()
	var lines []string
	for i := 0; i < 5; i++ {
		lines = append(lines, fmt.Sprintf(`{"uuid":"u%d"}`, i))
	}
	writeSession(t, root, "/p", "conv-1", lines...)

	library := NewLibrary(root)
	messages, total, err := library.GetMessages("/p", "conv-1", 2, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, messages, 2)
	assert.Equal(t, "u3", messages[0].Id)
	assert.Equal(t, "u4", messages[1].Id)

	_, _, err = library.GetMessages("/p", "missing", 0, 0, false)
	assert.True(t, podexerrors.IsNotFound(err))
}

func TestWatcherEmitsIncrementalEntries(t *testing.T) {
	root := t.TempDir()
	path := writeSession(t, root, "/home/me/proj", "conv-1",
		`{"uuid":"u1"}`, `{"uuid":"u2"}`)

	events := make(chan SyncEvent, 8)
	watcher, err := NewWatcher(NewLibrary(root), func(event SyncEvent) error {
		events <- event
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(watcher.Stop)

	require.NoError(t, watcher.Watch("conv-1", "/home/me/proj", "sess-1", "agent-1", "u1"))

	// The registration itself flushes the entries past the high water mark.
	event := waitEvent(t, events)
	assert.Equal(t, "sess-1", event.SubscriberSessionId)
	assert.Equal(t, "agent-1", event.SubscriberAgentId)
	assert.Equal(t, "conv-1", event.ConversationId)
	assert.Equal(t, "/home/me/proj", event.ProjectPath)
	assert.Equal(t, "incremental", event.SyncType)
	require.Len(t, event.Entries, 1)
	assert.Equal(t, "u2", event.Entries[0].Id)

	// Append two turns; the debounce coalesces them into one emission in
	// file order.
	appendLine(t, path, `{"uuid":"u3"}`)
	appendLine(t, path, `{"uuid":"u4"}`)
	event = waitEvent(t, events)
	require.Len(t, event.Entries, 2)
	assert.Equal(t, "u3", event.Entries[0].Id)
	assert.Equal(t, "u4", event.Entries[1].Id)

	// Nothing new: no emission.
	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event: %+v", extra)
	case <-time.After(debounceWindow * 2):
	}
}

func TestWatcherHoldsMarkOnEmitFailure(t *testing.T) {
	root := t.TempDir()
	path := writeSession(t, root, "/p", "conv-1", `{"uuid":"u1"}`)

	var fail atomic.Bool
	fail.Store(true)
	events := make(chan SyncEvent, 8)
	watcher, err := NewWatcher(NewLibrary(root), func(event SyncEvent) error {
		if fail.Load() {
			return fmt.Errorf("channel down")
		}
		events <- event
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(watcher.Stop)

	require.NoError(t, watcher.Watch("conv-1", "/p", "sess-1", "agent-1", ""))
	time.Sleep(debounceWindow * 2)

	// The failed emission did not advance the mark; the next change
	// redelivers everything.
	fail.Store(false)
	appendLine(t, path, `{"uuid":"u2"}`)
	event := waitEvent(t, events)
	require.Len(t, event.Entries, 2)
	assert.Equal(t, "u1", event.Entries[0].Id)
	assert.Equal(t, "u2", event.Entries[1].Id)
}

func TestWatcherUnknownChangeHook(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "/home/me/proj", "conv-1", `{"uuid":"u1"}`)

	watcher, err := NewWatcher(NewLibrary(root), func(SyncEvent) error { return nil })
	require.NoError(t, err)
	t.Cleanup(watcher.Stop)

	recovered := make(chan string, 1)
	watcher.OnUnknownChange(func(projectPath, conversationId string) {
		recovered <- projectPath + "|" + conversationId
	})

	// Watch one conversation so the project directory is under watch, then
	// change a sibling log nobody subscribes to.
	require.NoError(t, watcher.Watch("conv-1", "/home/me/proj", "sess-1", "agent-1", "u1"))
	writeSession(t, root, "/home/me/proj", "conv-2", `{"uuid":"x1"}`)

	select {
	case got := <-recovered:
		assert.Equal(t, "/home/me/proj|conv-2", got)
	case <-time.After(2 * time.Second):
		t.Fatal("unknown-change hook never fired")
	}
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer file.Close()
	_, err = file.WriteString(line + "\n")
	require.NoError(t, err)
}

func waitEvent(t *testing.T, events chan SyncEvent) SyncEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for sync event")
		return SyncEvent{}
	}
}
