/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package config

import (
	"time"

	"github.com/spf13/viper"
)

func SetValue(key string, value interface{}) {
	viper.Set(key, value)
}

func LoadConfig(path string) error {
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	return viper.ReadInConfig()
}

func getString(key, defaultValue string) string {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetString(key)
}

func getBool(key string, defaultValue bool) bool {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetBool(key)
}

func getInt(key string, defaultValue int) int {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetInt(key)
}

func GetServerPort() int {
	return getInt(serverPort, 8800)
}

// GetDebugPort is the localhost pprof listener; zero disables it.
func GetDebugPort() int {
	return getInt(debugPort, 0)
}

func GetRegion() string {
	return getString(region, "")
}

// GetHeartbeatInterval returns the heartbeat cycle length, clamped to the
// supported [5s, 300s] window.
func GetHeartbeatInterval() time.Duration {
	seconds := getInt(heartbeatInterval, 30)
	if seconds < 5 {
		seconds = 5
	} else if seconds > 300 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}

func GetHeartbeatFailureThreshold() int {
	return getInt(heartbeatFailureThreshold, 3)
}

func GetHeartbeatStaleThreshold() time.Duration {
	return time.Duration(getInt(heartbeatStaleThreshold, 120)) * time.Second
}

func GetWorkspaceCheckMultiplier() int {
	multiplier := getInt(workspaceCheckMultiplier, 2)
	if multiplier < 1 {
		multiplier = 1
	}
	return multiplier
}

func GetMeteringGranularity() time.Duration {
	return time.Duration(getInt(meteringGranularity, 600)) * time.Second
}

func GetFileSyncInterval() time.Duration {
	return time.Duration(getInt(fileSyncInterval, 300)) * time.Second
}

func GetDiscoveryInterval() time.Duration {
	return time.Duration(getInt(discoveryInterval, 300)) * time.Second
}

func GetWorkspacePathBase() string {
	return getString(workspacePathBase, "/var/lib/podex/workspaces")
}

func GetDefaultImage(variant string) string {
	switch variant {
	case "arm64":
		return getString(defaultImageArm64, "")
	case "gpu":
		return getString(defaultImageGpu, "")
	default:
		return getString(defaultImageAmd64, "")
	}
}

// GetHelperImage is the utility image used for host-side operations
// (directory setup, quota, traffic shaping) on servers that only expose the
// container runtime API.
func GetHelperImage() string {
	return getString(helperImage, "busybox:1.36")
}

// GetTracerScriptUrl is the script the proxy injects into proxied HTML pages;
// empty disables the rewrite.
func GetTracerScriptUrl() string {
	return getString(tracerScriptUrl, "")
}

// IsDiskQuotaEnable gates per-workspace xfs project quotas; requires hosts
// whose workspace volume is xfs mounted with prjquota.
func IsDiskQuotaEnable() bool {
	return getBool(diskQuotaEnable, false)
}

// IsBandwidthShapingEnable gates per-workspace egress shaping on the host
// interface.
func IsBandwidthShapingEnable() bool {
	return getBool(bandwidthEnable, false)
}

func GetHostInterface() string {
	return getString(hostInterface, "eth0")
}

func GetInternalServiceToken() string {
	return getString(internalServiceToken, "")
}

func GetAdminEndpoint() string {
	return getString(adminEndpoint, "")
}

func GetRedisAddr() string {
	return getString(redisAddr, "127.0.0.1:6379")
}

func GetRedisPassword() string {
	return getString(redisPassword, "")
}

func GetRedisDB() int {
	return getInt(redisDB, 0)
}

func IsDBEnable() bool {
	return getBool(dbEnable, false)
}

func GetDBHost() string {
	return getString(dbHost, "127.0.0.1")
}

func GetDBPort() int {
	return getInt(dbPort, 5432)
}

func GetDBName() string {
	return getString(dbName, "podex")
}

func GetDBUser() string {
	return getString(dbUser, "podex")
}

func GetDBPassword() string {
	return getString(dbPassword, "")
}

func GetDBSSLMode() string {
	return getString(dbSSLMode, "disable")
}

func GetLocalPodId() string {
	return getString(localpodId, "")
}

func GetLocalPodUserId() string {
	return getString(localpodUserId, "")
}

func GetLocalPodControlUrl() string {
	return getString(localpodControlUrl, "ws://127.0.0.1:8800/localpods/connect")
}

// GetLocalPodProjectsRoot is the directory holding the per-project
// conversation logs on the laptop.
func GetLocalPodProjectsRoot() string {
	return getString(localpodProjectsRoot, "")
}

func GetS3Endpoint() string {
	return getString(s3Endpoint, "")
}

func GetS3Region() string {
	return getString(s3Region, "us-east-1")
}

func GetS3Bucket() string {
	return getString(s3Bucket, "podex-workspaces")
}

func GetS3AccessKey() string {
	return getString(s3AccessKey, "")
}

func GetS3SecretKey() string {
	return getString(s3SecretKey, "")
}

func IsS3ForcePathStyle() bool {
	return getBool(s3ForcePathStyle, true)
}

func GetS3KeyPrefix() string {
	return getString(s3KeyPrefix, "workspaces")
}
