/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"github.com/gin-gonic/gin"
)

// InitInternalRouters registers the operational endpoints used by deployment
// tooling. All of them sit behind the service-token middleware.
func InitInternalRouters(e *gin.Engine, h *Handler) {
	group := e.Group("/internal", AuthorizeInternal())
	{
		group.POST("/discovery/run", h.RunDiscovery)
		group.POST("/metering/run", h.RunMetering)
		group.POST("/heartbeat/run", h.RunHeartbeat)
		group.POST("/store/rebuild-indexes", h.RebuildStoreIndexes)
	}
}

// RunDiscovery triggers one discovery pass outside the periodic loop.
func (h *Handler) RunDiscovery(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		h.manager.RunDiscovery(c.Request.Context())
		return gin.H{"status": "ok"}, nil
	})
}

// RunMetering triggers one metering pass outside the periodic loop.
func (h *Handler) RunMetering(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		h.manager.RunMetering(c.Request.Context())
		return gin.H{"status": "ok"}, nil
	})
}

// RunHeartbeat triggers one heartbeat cycle outside the periodic loop.
func (h *Handler) RunHeartbeat(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		h.heartbeat.RunCycle(c.Request.Context())
		return gin.H{"status": "ok"}, nil
	})
}

// RebuildStoreIndexes rebuilds the secondary index sets from the record
// blobs.
func (h *Handler) RebuildStoreIndexes(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		if err := h.store.RebuildIndexes(c.Request.Context()); err != nil {
			return nil, err
		}
		return gin.H{"status": "ok"}, nil
	})
}
