/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package filesync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

const commandTimeout = 300 * time.Second

// rc files the env exports are appended to; shells pick up whichever they
// source.
var rcFiles = []string{"$HOME/.bashrc", "$HOME/.profile"}

// TemplateResult records what a template application managed to do. Command
// failures do not abort the remaining commands.
type TemplateResult struct {
	EnvApplied     bool
	CommandsRun    int
	CommandsFailed int
	Failures       []string
}

// ApplyPodTemplate writes the template's env exports into the workspace rc
// files and runs its pre-install commands in order. Each command gets its own
// timeout; a failing command is recorded and the rest still run.
func (e *Engine) ApplyPodTemplate(ctx context.Context, workspaceId string,
	template *types.PodTemplate, fs WorkspaceFS) (*TemplateResult, error) {
	result := &TemplateResult{}
	if template == nil {
		return result, nil
	}
	if len(template.Env) > 0 {
		if err := applyEnv(ctx, template.Env, fs); err != nil {
			return result, err
		}
		result.EnvApplied = true
	}
	for _, cmd := range template.PreInstallCommands {
		result.CommandsRun++
		exitCode, output, err := fs.RunCommand(ctx, cmd, commandTimeout)
		if err != nil {
			result.CommandsFailed++
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", cmd, err))
			klog.ErrorS(err, "pre-install command failed", "workspace", workspaceId, "cmd", cmd)
			continue
		}
		if exitCode != 0 {
			result.CommandsFailed++
			result.Failures = append(result.Failures,
				fmt.Sprintf("%s: exit %d: %s", cmd, exitCode, truncate(output, 512)))
			klog.Warningf("pre-install command for workspace %s exited %d: %s", workspaceId, exitCode, cmd)
		}
	}
	return result, nil
}

func applyEnv(ctx context.Context, env map[string]string, fs WorkspaceFS) error {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var block strings.Builder
	for _, key := range keys {
		block.WriteString(fmt.Sprintf("export %s=%q\n", key, env[key]))
	}
	for _, rcFile := range rcFiles {
		cmd := fmt.Sprintf("cat >> %s <<'PODEX_ENV_EOF'\n%sPODEX_ENV_EOF", rcFile, block.String())
		exitCode, output, err := fs.RunCommand(ctx, cmd, 30*time.Second)
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return fmt.Errorf("append env to %s failed with exit %d: %s", rcFile, exitCode, output)
		}
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
