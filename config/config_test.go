// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func buildFromFile(t *testing.T, contents string) (Config, error) {
	t.Helper()
	fs := BuildFlagSet()
	require.NoError(t, fs.Parse([]string{"--config-file", writeConfigFile(t, contents)}))
	v, err := BuildViper(fs)
	require.NoError(t, err)
	return NewConfig(v)
}

func TestNewConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := buildFromFile(t, `{"dev-mock-swap": true}`)
	require.NoError(err)
	require.Equal("info", cfg.LogLevel)
	require.Equal(uint16(8080), cfg.APIPort)
	require.Equal(uint16(8081), cfg.MetricsPort)
	require.Equal(time.Hour, cfg.KeyCacheTTL())
	require.Equal(30*time.Second, cfg.ClockSkew())
	require.Equal(time.Minute, cfg.RateWindow())
}

func TestNewConfigOverrides(t *testing.T) {
	require := require.New(t)

	cfg, err := buildFromFile(t, `{
		"log-level": "debug",
		"api-port": 9090,
		"coordinator-url": "http://localhost:9090",
		"rpc-url": "http://localhost:8899",
		"key-cache-ttl-seconds": 60,
		"rate-limit": 5,
		"rate-window-seconds": 10
	}`)
	require.NoError(err)
	require.Equal("debug", cfg.LogLevel)
	require.Equal(uint16(9090), cfg.APIPort)
	require.Equal(time.Minute, cfg.KeyCacheTTL())
	require.Equal(uint64(5), cfg.RateLimit)
	require.Equal(10*time.Second, cfg.RateWindow())
}

func TestNewConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{
			name:     "rpc url required without mock swap",
			contents: `{}`,
		},
		{
			name:     "api and metrics port collide",
			contents: `{"dev-mock-swap": true, "api-port": 8081}`,
		},
		{
			name:     "zero rate limit",
			contents: `{"dev-mock-swap": true, "rate-limit": 0}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildFromFile(t, tt.contents)
			require.Error(t, err)
		})
	}
}

func TestBuildViperRequiresConfigFile(t *testing.T) {
	require := require.New(t)

	fs := BuildFlagSet()
	require.NoError(fs.Parse(nil))
	_, err := BuildViper(fs)
	require.Error(err)
}
