package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/experience/internal/experience"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	pc, err := cfg.Experience()
	require.NoError(t, err)
	assert.Equal(t, experience.DefaultCapacity, pc.Capacity)
	assert.Equal(t, []int{4}, pc.StateDims)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("XPOOL_POOL_CAPACITY", "500")
	t.Setenv("XPOOL_POOL_STATE_DIMS", "3,3")
	t.Setenv("XPOOL_POOL_STATE_TYPE", "image")
	t.Setenv("XPOOL_SNAPSHOT_INTERVAL", "90s")
	t.Setenv("XPOOL_LOG_LEVEL", "debug")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Pool.Capacity)
	assert.Equal(t, []int{3, 3}, cfg.Pool.StateDims)
	assert.Equal(t, 90*time.Second, cfg.Snapshot.Interval)
	assert.Equal(t, "debug", cfg.LogLevel)

	pc, err := cfg.Experience()
	require.NoError(t, err)
	assert.Equal(t, experience.TypeImage, pc.StateType)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool:
  name: atari
  capacity: 1000
  state_dims: [84, 84]
  action_dims: [6]
  action_type: discrete
  backend: file
  dir: /var/lib/xpool
server:
  grpc_addr: ""
mirror:
  endpoint: minio:9000
  bucket: replay
`), 0o644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "atari", cfg.Pool.Name)
	assert.Equal(t, []int{84, 84}, cfg.Pool.StateDims)
	assert.Equal(t, "file", cfg.Pool.Backend)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "experience", cfg.Mirror.Prefix)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Pool.Backend = "tape" }},
		{"file backend without dir", func(c *Config) { c.Pool.Backend = "file"; c.Pool.Dir = "" }},
		{"bad element type", func(c *Config) { c.Pool.ActionType = "complex" }},
		{"no listeners", func(c *Config) { c.Server.HTTPAddr = ""; c.Server.GRPCAddr = "" }},
		{"snapshots without dir", func(c *Config) { c.Pool.Dir = "" }},
		{"mirror without bucket", func(c *Config) { c.Mirror.Endpoint = "minio:9000" }},
		{"empty state dims", func(c *Config) { c.Pool.StateDims = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
