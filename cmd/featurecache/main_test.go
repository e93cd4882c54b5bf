package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurogrid/feature-cache-p2p/pkg/cache"
	"github.com/neurogrid/feature-cache-p2p/pkg/config"
	"github.com/neurogrid/feature-cache-p2p/pkg/gpu"
	"github.com/neurogrid/feature-cache-p2p/pkg/tensor"
)

func TestPoolBlocks_ExplicitCount(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.NumGPUBlocks = 16
	cfg.Cache.MemoryFraction = 0
	require.NoError(t, cfg.Validate())

	// Accepted by validation, so the daemon must start with it.
	n, capacity, err := poolBlocks(cfg, gpu.NewMockDevice(0, 8<<30), tensor.F16)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Nil(t, capacity)

	// No memory info on an unlimited mock device.
	cfg.Cache.MemoryFraction = 0.5
	n, capacity, err = poolBlocks(cfg, gpu.NewMockDevice(0, 0), tensor.F16)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Nil(t, capacity)

	// A usable plan is reported but does not override the count.
	n, capacity, err = poolBlocks(cfg, gpu.NewMockDevice(0, 8<<30), tensor.F16)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	require.NotNil(t, capacity)
	assert.Equal(t, 2048, capacity.NumBlocks)
}

func TestPoolBlocks_Planned(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.NumGPUBlocks = 0
	cfg.Cache.MemoryFraction = 0.5

	n, capacity, err := poolBlocks(cfg, gpu.NewMockDevice(0, 8<<30), tensor.F16)
	require.NoError(t, err)
	require.NotNil(t, capacity)
	assert.Equal(t, 2048, n)
	assert.Equal(t, capacity.NumBlocks, n)

	_, _, err = poolBlocks(cfg, gpu.NewMockDevice(0, 0), tensor.F16)
	assert.True(t, errors.Is(err, cache.ErrNoMemoryInfo))
}
