/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package localpod

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
)

// Entry is one conversation-log line. Entries are heterogeneous; the raw
// bytes are preserved so unknown entry types survive the trip untouched.
type Entry struct {
	Id   string          `json:"id"`
	Type string          `json:"type,omitempty"`
	Raw  json.RawMessage `json:"raw"`
}

// entryHead is the subset of fields the parser needs to identify a line.
type entryHead struct {
	Uuid string `json:"uuid"`
	Type string `json:"type"`
}

// parseEntry wraps one log line. Lines without a native uuid get a
// deterministic identifier hashed from the bytes, so deduplication holds
// across restarts.
func parseEntry(line []byte) (Entry, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Entry{}, false
	}
	var head entryHead
	if err := json.Unmarshal([]byte(trimmed), &head); err != nil {
		// Torn writes leave a partial last line; skip it, the next change
		// event re-reads the file.
		return Entry{}, false
	}
	id := head.Uuid
	if id == "" {
		id = fmt.Sprintf("hash-%016x", xxhash.Sum64String(trimmed))
	}
	return Entry{Id: id, Type: head.Type, Raw: json.RawMessage(trimmed)}, true
}

// ParseSessionFile reads a whole conversation log in file order.
func ParseSessionFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if entry, ok := parseEntry(scanner.Bytes()); ok {
			entries = append(entries, entry)
		}
	}
	return entries, scanner.Err()
}

// EntriesAfter returns the entries strictly after lastId in file order. An
// empty or unknown lastId returns everything.
func EntriesAfter(entries []Entry, lastId string) []Entry {
	if lastId == "" {
		return entries
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Id == lastId {
			return entries[i+1:]
		}
	}
	return entries
}

// Page slices entries for pagination. With reverse the window walks from the
// tail so a UI can render the newest entries first and backfill.
func Page(entries []Entry, limit, offset int, reverse bool) []Entry {
	total := len(entries)
	if limit <= 0 {
		limit = total
	}
	if reverse {
		end := total - offset
		if end <= 0 {
			return nil
		}
		start := end - limit
		if start < 0 {
			start = 0
		}
		return entries[start:end]
	}
	if offset >= total {
		return nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return entries[offset:end]
}

// ProjectInfo is one local project directory holding conversation logs.
type ProjectInfo struct {
	Path         string    `json:"path"`
	EncodedPath  string    `json:"encoded_path"`
	SessionCount int       `json:"session_count"`
	LastModified time.Time `json:"last_modified"`
}

// SessionSummary describes one conversation log without its entries.
type SessionSummary struct {
	SessionId    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created"`
	ModifiedAt   time.Time `json:"modified"`
	MessageCount int       `json:"message_count"`
}

// Library is the on-disk conversation store: one directory per project
// (path-encoded), one jsonl file per session.
type Library struct {
	Root string
}

func NewLibrary(root string) *Library {
	return &Library{Root: root}
}

// EncodeProjectPath flattens an absolute project path into a directory name.
func EncodeProjectPath(projectPath string) string {
	return strings.ReplaceAll(projectPath, "/", "-")
}

// SessionFile is the absolute path of a session's log file.
func (l *Library) SessionFile(projectPath, sessionId string) string {
	return filepath.Join(l.Root, EncodeProjectPath(projectPath), sessionId+".jsonl")
}

func (l *Library) ListProjects() ([]ProjectInfo, error) {
	dirs, err := os.ReadDir(l.Root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var projects []ProjectInfo
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		sessions, err := os.ReadDir(filepath.Join(l.Root, dir.Name()))
		if err != nil {
			continue
		}
		info := ProjectInfo{
			Path:        decodeProjectPath(dir.Name()),
			EncodedPath: dir.Name(),
		}
		for _, session := range sessions {
			if filepath.Ext(session.Name()) != ".jsonl" {
				continue
			}
			info.SessionCount++
			if stat, err := session.Info(); err == nil && stat.ModTime().After(info.LastModified) {
				info.LastModified = stat.ModTime()
			}
		}
		projects = append(projects, info)
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].LastModified.After(projects[j].LastModified)
	})
	return projects, nil
}

func decodeProjectPath(encoded string) string {
	return strings.ReplaceAll(encoded, "-", "/")
}

// ListSessions returns session summaries for a project, sorted and paged.
func (l *Library) ListSessions(projectPath string, limit, offset int,
	sortBy, sortOrder string) ([]SessionSummary, int, error) {
	dir := filepath.Join(l.Root, EncodeProjectPath(projectPath))
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var sessions []SessionSummary
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".jsonl" {
			continue
		}
		summary := SessionSummary{
			SessionId: strings.TrimSuffix(file.Name(), ".jsonl"),
		}
		if stat, err := file.Info(); err == nil {
			summary.ModifiedAt = stat.ModTime()
		}
		entries, err := ParseSessionFile(filepath.Join(dir, file.Name()))
		if err == nil {
			summary.MessageCount = len(entries)
		}
		sessions = append(sessions, summary)
	}
	sortSessions(sessions, sortBy, sortOrder)
	total := len(sessions)
	if offset >= total {
		return nil, total, nil
	}
	if limit <= 0 {
		limit = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return sessions[offset:end], total, nil
}

func sortSessions(sessions []SessionSummary, sortBy, sortOrder string) {
	less := func(i, j int) bool {
		switch sortBy {
		case "message_count":
			return sessions[i].MessageCount < sessions[j].MessageCount
		case "created":
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		default:
			return sessions[i].ModifiedAt.Before(sessions[j].ModifiedAt)
		}
	}
	if sortOrder == "desc" {
		sort.Slice(sessions, func(i, j int) bool { return less(j, i) })
		return
	}
	sort.Slice(sessions, less)
}

// GetMessages loads and pages one session's entries.
func (l *Library) GetMessages(projectPath, sessionId string, limit, offset int,
	reverse bool) ([]Entry, int, error) {
	entries, err := ParseSessionFile(l.SessionFile(projectPath, sessionId))
	if os.IsNotExist(err) {
		return nil, 0, podexerrors.NewNotFound("session", sessionId)
	}
	if err != nil {
		return nil, 0, err
	}
	return Page(entries, limit, offset, reverse), len(entries), nil
}
