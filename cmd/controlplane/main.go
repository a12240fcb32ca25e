/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/server"
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

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := server.NewServer(ctx)
	if err != nil {
		klog.Fatalf("failed to init server: %v", err)
	}
	if err = s.Run(ctx); err != nil {
		klog.Errorf("server exited: %v", err)
	}
}
