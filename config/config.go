// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the coordinator daemon configuration, loaded from a
// JSON config file with flag and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

const (
	defaultLogLevel     = "info"
	defaultAPIPort      = uint16(8080)
	defaultMetricsPort  = uint16(8081)
	defaultDataDir      = "data"
	defaultKeyCacheTTL  = uint64(3600)
	defaultIntentExpiry = uint64(300)
	defaultClockSkew    = uint64(30)
	defaultRateLimit    = uint64(60)
	defaultRateWindow   = uint64(60)

	usageText = `Usage:
intentd --config-file <path> [--version] [--help]
Config keys may also be set via environment variables or the JSON config file.`
)

type Config struct {
	LogLevel           string `mapstructure:"log-level" json:"log-level"`
	APIPort            uint16 `mapstructure:"api-port" json:"api-port"`
	MetricsPort        uint16 `mapstructure:"metrics-port" json:"metrics-port"`
	DataDir            string `mapstructure:"data-dir" json:"data-dir"`
	CoordinatorURL     string `mapstructure:"coordinator-url" json:"coordinator-url"`
	RPCURL             string `mapstructure:"rpc-url" json:"rpc-url"`
	KeyCacheTTLSeconds uint64 `mapstructure:"key-cache-ttl-seconds" json:"key-cache-ttl-seconds"`
	IntentExpirySecs   uint64 `mapstructure:"intent-expiry-seconds" json:"intent-expiry-seconds"`
	ClockSkewSeconds   uint64 `mapstructure:"clock-skew-seconds" json:"clock-skew-seconds"`
	RateLimit          uint64 `mapstructure:"rate-limit" json:"rate-limit"`
	RateWindowSeconds  uint64 `mapstructure:"rate-window-seconds" json:"rate-window-seconds"`
	ExecutorProgramID  string `mapstructure:"executor-program-id" json:"executor-program-id"`
	CoordinatorKeyFile string `mapstructure:"coordinator-key-file" json:"coordinator-key-file"`
	DevMockSwap        bool   `mapstructure:"dev-mock-swap" json:"dev-mock-swap"`
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%q must be set", DataDirKey)
	}
	if c.APIPort == c.MetricsPort {
		return fmt.Errorf("%q and %q must differ", APIPortKey, MetricsPortKey)
	}
	if c.KeyCacheTTLSeconds == 0 {
		return fmt.Errorf("%q must be positive", KeyCacheTTLKey)
	}
	if c.IntentExpirySecs == 0 {
		return fmt.Errorf("%q must be positive", IntentExpiryKey)
	}
	if c.RateLimit == 0 || c.RateWindowSeconds == 0 {
		return fmt.Errorf("%q and %q must be positive", RateLimitKey, RateWindowKey)
	}
	if !c.DevMockSwap && c.RPCURL == "" {
		return fmt.Errorf("%q must be set unless %q is enabled", RPCURLKey, DevMockSwapKey)
	}
	return nil
}

// KeyCacheTTL returns the key cache TTL as a duration
func (c *Config) KeyCacheTTL() time.Duration {
	return time.Duration(c.KeyCacheTTLSeconds) * time.Second
}

// IntentExpiry returns the default intent validity window
func (c *Config) IntentExpiry() time.Duration {
	return time.Duration(c.IntentExpirySecs) * time.Second
}

// ClockSkew returns the expiry check tolerance
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSeconds) * time.Second
}

// RateWindow returns the rate limiting window
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSeconds) * time.Second
}

// BuildFlagSet returns the command line flags understood by the daemon
func BuildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("intentd", pflag.ContinueOnError)
	fs.String(ConfigFileKey, os.Getenv(ConfigFileEnvKey), "Path to the JSON config file")
	fs.Bool(VersionKey, false, "Print the version and exit")
	fs.Bool(HelpKey, false, "Print usage information and exit")
	return fs
}

func DisplayUsageText() {
	fmt.Println(usageText)
}
