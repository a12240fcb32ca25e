/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package filesync

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/utils/json"
)

const userKeyPrefix = "users"

// GitIdentity is the per-user git configuration stored alongside dotfiles.
type GitIdentity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func userDotfilesPrefix(userId string) string {
	return userKeyPrefix + "/" + userId + "/dotfiles/"
}

func userGitKey(userId string) string {
	return userKeyPrefix + "/" + userId + "/config/git.json"
}

// SaveDotfile stores one dotfile for the user, keyed by its home-relative
// path.
func (e *Engine) SaveDotfile(ctx context.Context, userId, relPath string, data []byte) error {
	return e.store.Put(ctx, userDotfilesPrefix(userId)+relPath, data)
}

// ListDotfiles returns the home-relative paths of the user's stored dotfiles.
func (e *Engine) ListDotfiles(ctx context.Context, userId string) ([]string, error) {
	prefix := userDotfilesPrefix(userId)
	objects, err := e.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(objects))
	for _, object := range objects {
		paths = append(paths, strings.TrimPrefix(object.Key, prefix))
	}
	return paths, nil
}

// RestoreDotfiles writes the user's stored dotfiles into the workspace home
// directory. SSH material gets owner-only permissions; everything else is
// written 0644. Failures are logged and skipped so one bad file does not
// block workspace creation.
func (e *Engine) RestoreDotfiles(ctx context.Context, userId string, fs WorkspaceFS) error {
	prefix := userDotfilesPrefix(userId)
	objects, err := e.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, object := range objects {
		relPath := strings.TrimPrefix(object.Key, prefix)
		if relPath == "" {
			continue
		}
		data, err := e.store.Get(ctx, object.Key)
		if err != nil {
			klog.ErrorS(err, "failed to fetch dotfile", "user", userId, "path", relPath)
			continue
		}
		mode := os.FileMode(0o644)
		if strings.HasPrefix(relPath, ".ssh/") {
			mode = 0o600
		}
		if err = fs.WriteFile(ctx, relPath, data, mode); err != nil {
			klog.ErrorS(err, "failed to restore dotfile", "user", userId, "path", relPath)
		}
	}
	return e.applyGitIdentity(ctx, userId, fs)
}

func (e *Engine) applyGitIdentity(ctx context.Context, userId string, fs WorkspaceFS) error {
	data, err := e.store.Get(ctx, userGitKey(userId))
	if err != nil {
		// No stored identity is the common case for fresh users.
		return nil
	}
	var identity GitIdentity
	if err = json.UnmarshalWithCheck(data, &identity); err != nil {
		klog.ErrorS(err, "malformed git identity, skipping", "user", userId)
		return nil
	}
	if identity.Name == "" && identity.Email == "" {
		return nil
	}
	cmd := fmt.Sprintf("git config --global user.name %q && git config --global user.email %q",
		identity.Name, identity.Email)
	exitCode, output, err := fs.RunCommand(ctx, cmd, 30*time.Second)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("git config failed with exit %d: %s", exitCode, output)
	}
	return nil
}

// SaveGitIdentity stores the user's git identity for future workspaces.
func (e *Engine) SaveGitIdentity(ctx context.Context, userId string, identity *GitIdentity) error {
	return e.store.Put(ctx, userGitKey(userId), json.MarshalSilently(identity))
}
