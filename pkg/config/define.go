/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package config

const (
	// global
	globalPrefix = "global."
	serverPort   = globalPrefix + "server_port"
	debugPort    = globalPrefix + "debug_port"
	region       = globalPrefix + "region"

	// heartbeat
	heartbeatPrefix           = "heartbeat."
	heartbeatInterval         = heartbeatPrefix + "interval_seconds"
	heartbeatFailureThreshold = heartbeatPrefix + "failure_threshold"
	heartbeatStaleThreshold   = heartbeatPrefix + "stale_threshold_seconds"
	workspaceCheckMultiplier  = heartbeatPrefix + "workspace_check_interval_multiplier"

	// metering
	meteringPrefix      = "metering."
	meteringGranularity = meteringPrefix + "granularity_seconds"

	// file_sync
	fileSyncPrefix   = "file_sync."
	fileSyncInterval = fileSyncPrefix + "interval_seconds"

	// workspace
	workspacePrefix    = "workspace."
	workspacePathBase  = workspacePrefix + "path_base"
	discoveryInterval  = workspacePrefix + "discovery_interval_seconds"
	defaultImageAmd64  = workspacePrefix + "default_image_amd64"
	defaultImageArm64  = workspacePrefix + "default_image_arm64"
	defaultImageGpu    = workspacePrefix + "default_image_gpu"
	helperImage        = workspacePrefix + "helper_image"
	diskQuotaEnable    = workspacePrefix + "disk_quota_enable"
	bandwidthEnable    = workspacePrefix + "bandwidth_shaping_enable"
	hostInterface      = workspacePrefix + "host_interface"

	// reverse proxy
	proxyPrefix     = "proxy."
	tracerScriptUrl = proxyPrefix + "tracer_script_url"

	// internal collaborator endpoints
	internalPrefix       = "internal."
	internalServiceToken = internalPrefix + "service_token"
	adminEndpoint        = internalPrefix + "admin_endpoint"

	// redis (workspace store + leases)
	redisPrefix   = "redis."
	redisAddr     = redisPrefix + "addr"
	redisPassword = redisPrefix + "password"
	redisDB       = redisPrefix + "db"

	// database (fleet registry persistence)
	dbPrefix   = "database."
	dbEnable   = dbPrefix + "enable"
	dbHost     = dbPrefix + "host"
	dbPort     = dbPrefix + "port"
	dbName     = dbPrefix + "name"
	dbUser     = dbPrefix + "user"
	dbPassword = dbPrefix + "password"
	dbSSLMode  = dbPrefix + "ssl_mode"

	// laptop agent
	localpodPrefix       = "localpod."
	localpodId           = localpodPrefix + "pod_id"
	localpodUserId       = localpodPrefix + "user_id"
	localpodControlUrl   = localpodPrefix + "control_url"
	localpodProjectsRoot = localpodPrefix + "projects_root"

	// s3
	s3Prefix         = "s3."
	s3Endpoint       = s3Prefix + "endpoint"
	s3Region         = s3Prefix + "region"
	s3Bucket         = s3Prefix + "bucket"
	s3AccessKey      = s3Prefix + "access_key"
	s3SecretKey      = s3Prefix + "secret_key"
	s3ForcePathStyle = s3Prefix + "force_path_style"
	s3KeyPrefix      = s3Prefix + "key_prefix"
)

// Environment variable names recognised on top of the yaml config. These are
// the operator-facing knobs; yaml keys above are the canonical form.
var envBindings = map[string]string{
	heartbeatInterval:         "HEARTBEAT_INTERVAL_SECONDS",
	heartbeatFailureThreshold: "HEARTBEAT_FAILURE_THRESHOLD",
	heartbeatStaleThreshold:   "HEARTBEAT_STALE_THRESHOLD_SECONDS",
	workspaceCheckMultiplier:  "WORKSPACE_CHECK_INTERVAL_MULTIPLIER",
	meteringGranularity:       "METERING_GRANULARITY_SECONDS",
	fileSyncInterval:          "FILE_SYNC_INTERVAL_SECONDS",
	internalServiceToken:      "INTERNAL_SERVICE_TOKEN",
	defaultImageAmd64:         "DEFAULT_WORKSPACE_IMAGE_AMD64",
	defaultImageArm64:         "DEFAULT_WORKSPACE_IMAGE_ARM64",
	defaultImageGpu:           "DEFAULT_WORKSPACE_IMAGE_GPU",
	workspacePathBase:         "WORKSPACE_PATH_BASE",
	region:                    "REGION",
	localpodId:                "PODEX_POD_ID",
	localpodUserId:            "PODEX_USER_ID",
	localpodControlUrl:        "PODEX_CONTROL_URL",
	localpodProjectsRoot:      "PODEX_PROJECTS_ROOT",
}
