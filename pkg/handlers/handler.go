/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AMD-AIG-AIMA/podex/pkg/bridge"
	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/hardware"
	"github.com/AMD-AIG-AIMA/podex/pkg/heartbeat"
	"github.com/AMD-AIG-AIMA/podex/pkg/lifecycle"
	"github.com/AMD-AIG-AIMA/podex/pkg/proxy"
	"github.com/AMD-AIG-AIMA/podex/pkg/registry"
	"github.com/AMD-AIG-AIMA/podex/pkg/store"
)

// Handler carries the control-plane components behind the HTTP surface.
type Handler struct {
	manager   *lifecycle.Manager
	registry  *registry.Registry
	heartbeat *heartbeat.Service
	catalogue *hardware.Catalogue
	store     store.Interface
	hub       *bridge.Hub
	proxy     *proxy.Proxy
}

func NewHandler(manager *lifecycle.Manager, reg *registry.Registry,
	hb *heartbeat.Service, catalogue *hardware.Catalogue, st store.Interface,
	hub *bridge.Hub) *Handler {
	return &Handler{
		manager:   manager,
		registry:  reg,
		heartbeat: hb,
		catalogue: catalogue,
		store:     st,
		hub:       hub,
		proxy:     proxy.NewProxy(st),
	}
}

// InitRouters registers every control-plane route on the engine.
func InitRouters(e *gin.Engine, h *Handler) {
	InitServerRouters(e, h)
	InitWorkspaceRouters(e, h)
	InitLocalPodRouters(e, h)
	InitInternalRouters(e, h)
}

type handleFunc func(*gin.Context) (interface{}, error)

// handle executes the handler function and converts its outcome into a
// JSON response.
func handle(c *gin.Context, fn handleFunc) {
	response, err := fn(c)
	if err != nil {
		AbortWithApiError(c, err)
		return
	}
	if response == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, response)
}

// AbortWithApiError normalizes the error into the wire form and aborts the
// request.
func AbortWithApiError(c *gin.Context, err error) {
	_ = c.Error(err)
	apiErr := podexerrors.FromError(err)
	c.AbortWithStatusJSON(apiErr.HttpCode, apiErr)
}

// AuthorizeInternal gates the internal operational endpoints on the shared
// service token. The compare is constant time.
func AuthorizeInternal() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := config.GetInternalServiceToken()
		if token == "" {
			AbortWithApiError(c, podexerrors.NewUnauthorized("internal endpoints disabled"))
			return
		}
		presented := c.GetHeader("X-Service-Token")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			AbortWithApiError(c, podexerrors.NewUnauthorized("invalid service token"))
			return
		}
		c.Next()
	}
}
