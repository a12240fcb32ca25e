/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/bridge"
	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/coordination"
	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/filesync"
	"github.com/AMD-AIG-AIMA/podex/pkg/handlers"
	"github.com/AMD-AIG-AIMA/podex/pkg/hardware"
	"github.com/AMD-AIG-AIMA/podex/pkg/heartbeat"
	"github.com/AMD-AIG-AIMA/podex/pkg/lifecycle"
	"github.com/AMD-AIG-AIMA/podex/pkg/placement"
	"github.com/AMD-AIG-AIMA/podex/pkg/registry"
	"github.com/AMD-AIG-AIMA/podex/pkg/reporter"
	"github.com/AMD-AIG-AIMA/podex/pkg/runtime"
	"github.com/AMD-AIG-AIMA/podex/pkg/store"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/httpclient"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/httpserver"
)

const gracefulStopTimeout = 30 * time.Second

// Server assembles the control plane: registry, heartbeat, lifecycle
// manager, bridge hub and the HTTP surface in front of them.
type Server struct {
	engine    *gin.Engine
	catalogue *hardware.Catalogue
	heartbeat *heartbeat.Service
	manager   *lifecycle.Manager
	store     store.Interface
	hub       *bridge.Hub
}

func NewServer(ctx context.Context) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	client := redis.NewClient(&redis.Options{
		Addr:     config.GetRedisAddr(),
		Password: config.GetRedisPassword(),
		DB:       config.GetRedisDB(),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis is unreachable: %w", err)
	}

	var db *gorm.DB
	if config.IsDBEnable() {
		var err error
		if db, err = registry.ConnectGorm(); err != nil {
			return nil, fmt.Errorf("fleet database: %w", err)
		}
	}
	reg, err := registry.NewRegistry(db)
	if err != nil {
		return nil, err
	}

	catalogue := hardware.NewCatalogue(httpclient.Instance())
	if err = catalogue.Start(); err != nil {
		return nil, fmt.Errorf("hardware catalogue: %w", err)
	}

	objects, err := filesync.NewS3Store(ctx)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	var rep reporter.Interface = reporter.Nop{}
	if config.GetAdminEndpoint() != "" {
		rep = reporter.NewClient(httpclient.Instance())
	}

	st := store.NewStore(client)
	leases := coordination.NewLeaseManager(client)
	factory := runtime.NewDockerFactory()
	syncEngine := filesync.NewEngine(objects)
	manager := lifecycle.NewManager(st, reg, placement.NewEngine(reg), factory,
		syncEngine, catalogue, rep, leases)
	hb := heartbeat.NewService(reg, factory, st, rep, leases)
	hb.SetSyncStopper(func(workspaceId string) { syncEngine.StopBackground(workspaceId) })
	hub := bridge.NewHub(st)

	handler := handlers.NewHandler(manager, reg, hb, catalogue, st, hub)
	engine := gin.New()
	engine.Use(Logger(), gin.Recovery())
	engine.NoRoute(func(c *gin.Context) {
		handlers.AbortWithApiError(c,
			podexerrors.NewNotFound("route", c.Request.URL.Path))
	})
	handlers.InitRouters(engine, handler)

	return &Server{
		engine:    engine,
		catalogue: catalogue,
		heartbeat: hb,
		manager:   manager,
		store:     st,
		hub:       hub,
	}, nil
}

// Run starts the background loops and serves HTTP until the context is
// cancelled, then stops everything in reverse order.
func (s *Server) Run(ctx context.Context) error {
	s.heartbeat.Start()
	s.manager.StartLoops()

	servers := []httpserver.HTTPServer{
		&http.Server{
			Addr:    fmt.Sprintf(":%d", config.GetServerPort()),
			Handler: s.engine,
		},
	}
	if port := config.GetDebugPort(); port > 0 {
		debugMux := http.NewServeMux()
		httpserver.EnableMuxProfile(debugMux)
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", port),
			Handler: debugMux,
		})
	}

	klog.Infof("control plane listening on :%d", config.GetServerPort())
	err := httpserver.Run(ctx.Done(), gracefulStopTimeout, servers...)

	s.manager.StopLoops()
	s.heartbeat.Stop()
	s.catalogue.Stop()
	return err
}

// Logger logs one line per request in klog format.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()
		msg := fmt.Sprintf("%s %s %d %v", c.Request.Method, c.Request.URL.Path,
			status, latency.Round(time.Millisecond))
		if len(c.Errors) > 0 {
			msg += " errors=" + c.Errors.String()
		}
		if status >= http.StatusInternalServerError {
			klog.Error(msg)
		} else {
			klog.V(2).Info(msg)
		}
	}
}
