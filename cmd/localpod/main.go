/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/localpod"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the podex config.yaml")
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if err := config.LoadConfig(configPath); err != nil {
		klog.Fatalf("failed to load config %q: %v", configPath, err)
	}

	root := config.GetLocalPodProjectsRoot()
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			klog.Fatalf("failed to locate home directory: %v", err)
		}
		root = filepath.Join(home, ".claude", "projects")
	}
	podId := config.GetLocalPodId()
	if podId == "" {
		hostname, err := os.Hostname()
		if err != nil {
			klog.Fatalf("failed to read hostname: %v", err)
		}
		podId = hostname
	}

	agent, err := localpod.NewAgent(podId, config.GetLocalPodUserId(),
		config.GetLocalPodControlUrl(), localpod.NewLibrary(root))
	if err != nil {
		klog.Fatalf("failed to init agent: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		agent.Stop()
	}()

	klog.Infof("local pod %s serving conversations from %s", podId, root)
	agent.Run()
}
