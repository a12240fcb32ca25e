/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package hardware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
	"github.com/AMD-AIG-AIMA/podex/pkg/utils/httpclient"
)

func TestRefreshFetchesSpecsFromAdmin(t *testing.T) {
	specs := []types.HardwareSpec{
		{Tier: "small", Cpu: 2, MemoryMb: 4096, DiskGb: 50, BandwidthMbps: 100},
		{Tier: "gpu-large", Cpu: 16, MemoryMb: 65536, DiskGb: 500, BandwidthMbps: 1000, IsGpu: true, GpuKind: "mi300"},
	}
	var gotToken string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/internal/hardware-specs", r.URL.Path)
		gotToken = r.Header.Get("X-Service-Token")
		require.NoError(t, json.NewEncoder(w).Encode(specs))
	}))
	defer ts.Close()

	config.SetValue("internal.admin_endpoint", ts.URL)
	config.SetValue("internal.service_token", "secret")
	t.Cleanup(func() {
		config.SetValue("internal.admin_endpoint", "")
		config.SetValue("internal.service_token", "")
	})

	catalogue := NewCatalogue(httpclient.Instance())
	require.NoError(t, catalogue.Refresh())

	assert.Equal(t, "secret", gotToken)
	assert.Len(t, catalogue.Tiers(), 2)

	req, err := catalogue.Resolve("gpu-large")
	require.NoError(t, err)
	assert.Equal(t, 16.0, req.CpuCores)
	assert.True(t, req.RequiresGpu)
	assert.Equal(t, "mi300", req.GpuKind)
}

func TestRefreshWithoutAdminEndpointIsNoop(t *testing.T) {
	catalogue := NewCatalogue(httpclient.Instance())
	require.NoError(t, catalogue.Refresh())
	assert.Empty(t, catalogue.Tiers())
}

func TestResolveUnknownTier(t *testing.T) {
	catalogue := NewCatalogue(nil)
	catalogue.SetSpecs([]types.HardwareSpec{{Tier: "small", Cpu: 2}})

	_, err := catalogue.Resolve("xlarge")
	assert.Error(t, err)
}
