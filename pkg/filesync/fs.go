/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package filesync

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AMD-AIG-AIMA/podex/pkg/runtime"
)

// FileEntry is one file inside a workspace tree, identified by its relative
// path and content hash.
type FileEntry struct {
	RelPath string
	Md5     string
}

// WorkspaceFS abstracts the workspace tree the sync engine mirrors. The
// container-backed implementation ships bytes over the runtime exec channel
// base64-encoded so arbitrary binary content survives the transport.
type WorkspaceFS interface {
	WriteFile(ctx context.Context, relPath string, data []byte, mode os.FileMode) error
	ReadFile(ctx context.Context, relPath string) ([]byte, error)
	Walk(ctx context.Context) ([]FileEntry, error)
	RunCommand(ctx context.Context, cmd string, timeout time.Duration) (int, string, error)
}

// containerFS addresses a tree inside a running workspace container.
type containerFS struct {
	driver      runtime.Driver
	containerId string
	root        string
}

func NewContainerFS(driver runtime.Driver, containerId, root string) WorkspaceFS {
	return &containerFS{driver: driver, containerId: containerId, root: root}
}

func (c *containerFS) WriteFile(ctx context.Context, relPath string, data []byte, mode os.FileMode) error {
	target := filepath.Join(c.root, relPath)
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("mkdir -p %q && base64 -d > %q <<'PODEX_EOF'\n%s\nPODEX_EOF\nchmod %o %q",
		filepath.Dir(target), target, encoded, mode.Perm(), target)
	result, err := c.driver.Exec(ctx, c.containerId, []string{"/bin/sh", "-c", cmd}, objectTimeout)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("write %s failed with exit %d: %s", relPath, result.ExitCode, result.Output)
	}
	return nil
}

func (c *containerFS) ReadFile(ctx context.Context, relPath string) ([]byte, error) {
	target := filepath.Join(c.root, relPath)
	result, err := c.driver.Exec(ctx, c.containerId,
		[]string{"/bin/sh", "-c", fmt.Sprintf("base64 %q", target)}, objectTimeout)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("read %s failed with exit %d", relPath, result.ExitCode)
	}
	return base64.StdEncoding.DecodeString(strings.ReplaceAll(result.Output, "\n", ""))
}

// Walk hashes the whole tree in a single exec round trip.
func (c *containerFS) Walk(ctx context.Context) ([]FileEntry, error) {
	cmd := fmt.Sprintf("cd %q && find . -type f -exec md5sum {} +", c.root)
	result, err := c.driver.Exec(ctx, c.containerId, []string{"/bin/sh", "-c", cmd}, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("walk failed with exit %d: %s", result.ExitCode, result.Output)
	}
	var entries []FileEntry
	for _, line := range strings.Split(result.Output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		relPath := strings.TrimPrefix(strings.Join(fields[1:], " "), "./")
		entries = append(entries, FileEntry{RelPath: relPath, Md5: fields[0]})
	}
	return entries, nil
}

func (c *containerFS) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (int, string, error) {
	result, err := c.driver.Exec(ctx, c.containerId, []string{"/bin/sh", "-c", cmd}, timeout)
	if err != nil {
		return -1, "", err
	}
	return result.ExitCode, result.Output, nil
}

// LocalFS addresses a tree on the local filesystem; used by tests and by the
// laptop agent's project mirror.
type LocalFS struct {
	Root string
}

func NewLocalFS(root string) *LocalFS {
	return &LocalFS{Root: root}
}

func (l *LocalFS) WriteFile(_ context.Context, relPath string, data []byte, mode os.FileMode) error {
	target := filepath.Join(l.Root, relPath)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, data, mode)
}

func (l *LocalFS) ReadFile(_ context.Context, relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(l.Root, relPath))
}

func (l *LocalFS) Walk(_ context.Context) ([]FileEntry, error) {
	var entries []FileEntry
	err := filepath.WalkDir(l.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(l.Root, path)
		if err != nil {
			return err
		}
		sum := md5.Sum(data)
		entries = append(entries, FileEntry{RelPath: relPath, Md5: hex.EncodeToString(sum[:])})
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return entries, err
}

func (l *LocalFS) RunCommand(_ context.Context, _ string, _ time.Duration) (int, string, error) {
	return 0, "", nil
}
