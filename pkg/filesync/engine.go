/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package filesync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/channel"
)

// Default exclusion set: build caches and VCS metadata never leave the
// workspace.
var DefaultExcludes = []string{
	"node_modules", ".venv", "__pycache__", "dist", "build", ".next", ".cache", ".git",
}

// partialThreshold is the tolerated per-file failure rate before an
// operation is reported as partial.
const partialThreshold = 0.1

// SyncResult aggregates per-file outcomes of a restore or backup.
type SyncResult struct {
	Total   int
	Synced  int
	Failed  int
	Deleted int
	Errors  []string
}

// Partial reports whether the failure rate crossed the tolerated threshold.
func (r *SyncResult) Partial() bool {
	if r.Total == 0 {
		return false
	}
	return float64(r.Failed)/float64(r.Total) >= partialThreshold
}

// Engine mirrors workspace trees between the object store and running
// workspaces. One engine serves the whole control plane; background loops
// are tracked per workspace.
type Engine struct {
	store ObjectStore

	mu    sync.Mutex
	loops map[string]*backgroundLoop
}

type backgroundLoop struct {
	tomb *channel.Tomb
}

func NewEngine(store ObjectStore) *Engine {
	return &Engine{
		store: store,
		loops: map[string]*backgroundLoop{},
	}
}

func workspacePrefix(workspaceId string) string {
	return config.GetS3KeyPrefix() + "/" + workspaceId + "/"
}

// Restore materialises every stored object of the workspace into fs.
// Per-file failures are collected; the restore is partial once they cross
// the threshold.
func (e *Engine) Restore(ctx context.Context, workspaceId string, fs WorkspaceFS) (*SyncResult, error) {
	prefix := workspacePrefix(workspaceId)
	objects, err := e.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	result := &SyncResult{Total: len(objects)}
	for _, object := range objects {
		relPath := strings.TrimPrefix(object.Key, prefix)
		if relPath == "" {
			continue
		}
		data, err := e.store.Get(ctx, object.Key)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", relPath, err))
			continue
		}
		if err = fs.WriteFile(ctx, relPath, data, 0o644); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", relPath, err))
			continue
		}
		result.Synced++
	}
	if result.Failed > 0 {
		klog.Warningf("restore of workspace %s finished with %d/%d failures",
			workspaceId, result.Failed, result.Total)
	}
	return result, nil
}

// Backup uploads files whose content hash differs from the stored ETag.
// Objects missing on disk are only deleted when deleteMissing is set; a
// crashed container can present an empty tree and must not wipe the store.
func (e *Engine) Backup(ctx context.Context, workspaceId string, fs WorkspaceFS,
	excludes []string, deleteMissing bool) (*SyncResult, error) {
	if excludes == nil {
		excludes = DefaultExcludes
	}
	prefix := workspacePrefix(workspaceId)
	objects, err := e.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	stored := make(map[string]string, len(objects))
	for _, object := range objects {
		stored[strings.TrimPrefix(object.Key, prefix)] = object.ETag
	}

	entries, err := fs.Walk(ctx)
	if err != nil {
		return nil, err
	}
	result := &SyncResult{}
	onDisk := map[string]bool{}
	for _, entry := range entries {
		if isExcluded(entry.RelPath, excludes) {
			continue
		}
		onDisk[entry.RelPath] = true
		result.Total++
		if stored[entry.RelPath] == entry.Md5 {
			continue
		}
		data, err := fs.ReadFile(ctx, entry.RelPath)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.RelPath, err))
			continue
		}
		if err = e.store.Put(ctx, prefix+entry.RelPath, data); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.RelPath, err))
			continue
		}
		result.Synced++
	}
	if deleteMissing {
		for relPath := range stored {
			if onDisk[relPath] {
				continue
			}
			if err = e.store.Delete(ctx, prefix+relPath); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", relPath, err))
				continue
			}
			result.Deleted++
		}
	}
	return result, nil
}

func isExcluded(relPath string, excludes []string) bool {
	for _, segment := range strings.Split(relPath, "/") {
		for _, exclude := range excludes {
			if segment == exclude {
				return true
			}
		}
	}
	return false
}

// StartBackground runs periodic backups for the workspace until stopped.
// The final backup always runs, even on cancellation.
func (e *Engine) StartBackground(workspaceId string, fs WorkspaceFS, interval time.Duration) {
	if interval <= 0 {
		interval = config.GetFileSyncInterval()
	}
	e.mu.Lock()
	if _, ok := e.loops[workspaceId]; ok {
		e.mu.Unlock()
		return
	}
	loop := &backgroundLoop{tomb: channel.NewTomb()}
	e.loops[workspaceId] = loop
	e.mu.Unlock()

	go func() {
		defer loop.tomb.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loop.tomb.Stopping():
				e.runBackup(workspaceId, fs)
				return
			case <-ticker.C:
				e.runBackup(workspaceId, fs)
			}
		}
	}()
	klog.Infof("started background sync for workspace %s, interval %s", workspaceId, interval)
}

func (e *Engine) runBackup(workspaceId string, fs WorkspaceFS) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if _, err := e.Backup(ctx, workspaceId, fs, nil, false); err != nil {
		klog.ErrorS(err, "background backup failed", "workspace", workspaceId)
	}
}

// StopBackground stops the loop after its final backup; idempotent. It
// reports whether a loop was running, so callers can flush synchronously
// when the loop was lost to a control-plane restart.
func (e *Engine) StopBackground(workspaceId string) bool {
	e.mu.Lock()
	loop, ok := e.loops[workspaceId]
	if ok {
		delete(e.loops, workspaceId)
	}
	e.mu.Unlock()
	if ok {
		loop.tomb.Stop()
	}
	return ok
}

// DeleteWorkspaceFiles drops the whole key space of a workspace; idempotent.
func (e *Engine) DeleteWorkspaceFiles(ctx context.Context, workspaceId string) error {
	return e.store.DeletePrefix(ctx, workspacePrefix(workspaceId))
}
