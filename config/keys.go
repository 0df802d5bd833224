// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

const (
	// Command line option keys
	ConfigFileKey = "config-file"
	VersionKey    = "version"
	HelpKey       = "help"

	// Environment variable keys
	ConfigFileEnvKey = "CONFIG_FILE"

	// Top-level configuration keys
	LogLevelKey          = "log-level"
	APIPortKey           = "api-port"
	MetricsPortKey       = "metrics-port"
	DataDirKey           = "data-dir"
	CoordinatorURLKey    = "coordinator-url"
	RPCURLKey            = "rpc-url"
	KeyCacheTTLKey       = "key-cache-ttl-seconds"
	IntentExpiryKey      = "intent-expiry-seconds"
	ClockSkewKey         = "clock-skew-seconds"
	RateLimitKey         = "rate-limit"
	RateWindowKey        = "rate-window-seconds"
	ExecutorProgramIDKey = "executor-program-id"
	CoordinatorKeyKey    = "coordinator-key-file"
	DevMockSwapKey       = "dev-mock-swap"
)
