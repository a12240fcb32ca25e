/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

// Lease names used by the control plane's periodic jobs.
const (
	LeaseHeartbeat = "heartbeat"
	LeaseMetering  = "metering"
	LeaseDiscovery = "workspace_discovery"
)

const leasePrefix = "lease:"

// WorkspaceLease is the per-workspace mutation lease name.
func WorkspaceLease(workspaceId string) string {
	return "ws:" + workspaceId
}

// releaseScript deletes the lease only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// renewScript extends the TTL only when the caller still holds the lease.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

type Interface interface {
	// TryAcquire takes the named lease for ttl; false means another replica
	// holds it. Holding a lease past its ttl is never guaranteed.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string)
	Renew(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

type LeaseManager struct {
	client redis.UniversalClient
	// holder identifies this replica; releases from other replicas are no-ops.
	holder string
}

func NewLeaseManager(client redis.UniversalClient) *LeaseManager {
	return &LeaseManager{
		client: client,
		holder: uuid.NewString(),
	}
}

func (m *LeaseManager) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, leasePrefix+name, m.holder, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (m *LeaseManager) Release(ctx context.Context, name string) {
	if err := releaseScript.Run(ctx, m.client, []string{leasePrefix + name}, m.holder).Err(); err != nil && err != redis.Nil {
		klog.ErrorS(err, "failed to release lease", "lease", name)
	}
}

func (m *LeaseManager) Renew(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	extended, err := renewScript.Run(ctx, m.client, []string{leasePrefix + name},
		m.holder, ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return extended == 1, nil
}
