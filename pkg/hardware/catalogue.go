/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package hardware

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/httpclient"
)

// Catalogue is the locally cached view of the admin collaborator's
// hardware-spec list, keyed by tier. Refreshed on startup and hourly; tiers
// and prices are never hard-coded here.
type Catalogue struct {
	mu    sync.RWMutex
	specs map[string]*types.HardwareSpec

	client httpclient.Interface
	cron   *cron.Cron
}

func NewCatalogue(client httpclient.Interface) *Catalogue {
	return &Catalogue{
		specs:  map[string]*types.HardwareSpec{},
		client: client,
	}
}

// Start performs the initial fetch and schedules the hourly refresh.
func (c *Catalogue) Start() error {
	if err := c.Refresh(); err != nil {
		return err
	}
	c.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.cron.AddFunc("@hourly", func() {
		if err := c.Refresh(); err != nil {
			klog.ErrorS(err, "failed to refresh hardware specs")
		}
	}); err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

func (c *Catalogue) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

func (c *Catalogue) Refresh() error {
	endpoint := config.GetAdminEndpoint()
	if endpoint == "" {
		klog.Warning("admin endpoint is not configured, hardware catalogue stays empty")
		return nil
	}
	rsp, err := c.client.Get(endpoint+"/internal/hardware-specs",
		"X-Service-Token", config.GetInternalServiceToken())
	if err != nil {
		return err
	}
	if !rsp.IsSuccess() {
		return fmt.Errorf("hardware-specs returned status %d", rsp.StatusCode)
	}
	var specs []types.HardwareSpec
	if err = rsp.Into(&specs); err != nil {
		return err
	}
	next := make(map[string]*types.HardwareSpec, len(specs))
	for i := range specs {
		next[specs[i].Tier] = &specs[i]
	}
	c.mu.Lock()
	c.specs = next
	c.mu.Unlock()
	klog.Infof("refreshed hardware catalogue, %d tiers", len(next))
	return nil
}

// Resolve maps a tier name to requirements.
func (c *Catalogue) Resolve(tier string) (*types.Requirements, error) {
	c.mu.RLock()
	spec, ok := c.specs[tier]
	c.mu.RUnlock()
	if !ok {
		return nil, podexerrors.NewBadRequest("unknown hardware tier " + tier)
	}
	req := spec.ToRequirements()
	return &req, nil
}

func (c *Catalogue) Tiers() []*types.HardwareSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]*types.HardwareSpec, 0, len(c.specs))
	for _, spec := range c.specs {
		copied := *spec
		result = append(result, &copied)
	}
	return result
}

// SetSpecs overrides the cache; test hook.
func (c *Catalogue) SetSpecs(specs []types.HardwareSpec) {
	next := make(map[string]*types.HardwareSpec, len(specs))
	for i := range specs {
		next[specs[i].Tier] = &specs[i]
	}
	c.mu.Lock()
	c.specs = next
	c.mu.Unlock()
}
