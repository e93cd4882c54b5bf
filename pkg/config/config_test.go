package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/neurogrid/feature-cache-p2p/pkg/cache"
	"github.com/neurogrid/feature-cache-p2p/pkg/tensor"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "featurecache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ec, err := cfg.EngineConfig(cfg.Cache.NumGPUBlocks)
	require.NoError(t, err)
	assert.Equal(t, cache.DefaultEngineConfig(), ec)
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
cache:
  numGPUBlocks: 0
  dtype: bfloat16
  memoryFraction: 0.5
rank:
  rank: 1
  tpRank: 1
  worldSize: 2
backend:
  name: loopback
transport:
  listenHost: 127.0.0.1
  listenPort: 9100
  enableMDNS: false
  bootstrapPeers:
    - /ip4/10.0.0.2/tcp/9100/p2p/12D3KooWExample
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Cache.NumGPUBlocks)
	assert.Equal(t, 0.5, cfg.Cache.MemoryFraction)
	assert.Equal(t, cache.RankIdentity{Rank: 1, TPRank: 1, WorldSize: 2}, cfg.Identity())
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unset sections keep their defaults.
	assert.Equal(t, Default().Metrics, cfg.Metrics)
	assert.Equal(t, Default().Device, cfg.Device)

	ec, err := cfg.EngineConfig(4)
	require.NoError(t, err)
	assert.Equal(t, tensor.BF16, ec.DType)
	assert.Equal(t, 4, ec.NumGPUBlocks)

	pc := cfg.P2PConfig()
	assert.Equal(t, "127.0.0.1", pc.ListenHost)
	assert.Equal(t, 9100, pc.ListenPort)
	assert.False(t, pc.EnableMDNS)
	assert.Len(t, pc.BootstrapPeers, 1)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "cache:\n  numGPUBlock: 3\n"))
	assert.Error(t, err, "unknown fields are rejected")

	_, err = Load(writeConfig(t, "rank:\n  rank: 2\n  worldSize: 2\n"))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestValidate_ReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Cache.DType = "F8"
	cfg.Cache.NumGPUBlocks = 0
	cfg.Cache.MemoryFraction = 1.5
	cfg.Backend.Name = ""
	cfg.Transport.ListenPort = 70000

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 4)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}
