// Package config loads the feature cache daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"sigs.k8s.io/yaml"

	"github.com/neurogrid/feature-cache-p2p/pkg/cache"
	"github.com/neurogrid/feature-cache-p2p/pkg/migration"
	"github.com/neurogrid/feature-cache-p2p/pkg/tensor"
	"github.com/neurogrid/feature-cache-p2p/pkg/transport"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the daemon configuration.
type Config struct {
	Cache     CacheConfig     `json:"cache"`
	Rank      RankConfig      `json:"rank"`
	Device    DeviceConfig    `json:"device"`
	Backend   BackendConfig   `json:"backend"`
	Transport TransportConfig `json:"transport"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
}

// CacheConfig sizes the feature pool.
type CacheConfig struct {
	// NumGPUBlocks is the pool capacity. 0 plans it from device memory.
	NumGPUBlocks int `json:"numGPUBlocks"`

	DType string `json:"dtype"`

	// MemoryFraction is the share of device memory used when planning.
	MemoryFraction float64 `json:"memoryFraction"`
}

// RankConfig is the engine's rank triple.
type RankConfig struct {
	Rank      int `json:"rank"`
	TPRank    int `json:"tpRank"`
	WorldSize int `json:"worldSize"`
}

// DeviceConfig selects the device. MemoryLimit only applies to the mock device.
type DeviceConfig struct {
	ID          int   `json:"id"`
	MemoryLimit int64 `json:"memoryLimit"`
}

// BackendConfig names the migration backend.
type BackendConfig struct {
	Name string `json:"name"`
}

// TransportConfig configures the libp2p control plane.
type TransportConfig struct {
	ListenHost     string   `json:"listenHost"`
	ListenPort     int      `json:"listenPort"`
	ExternalIP     string   `json:"externalIP,omitempty"`
	EnableMDNS     bool     `json:"enableMDNS"`
	BootstrapPeers []string `json:"bootstrapPeers,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `json:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Default returns default configuration.
func Default() Config {
	engine := cache.DefaultEngineConfig()
	tc := transport.DefaultConfig()

	return Config{
		Cache: CacheConfig{
			NumGPUBlocks:   engine.NumGPUBlocks,
			DType:          engine.DType.String(),
			MemoryFraction: 0.9,
		},
		Rank: RankConfig{
			Rank:      engine.Identity.Rank,
			TPRank:    engine.Identity.TPRank,
			WorldSize: engine.Identity.WorldSize,
		},
		Device:  DeviceConfig{ID: 0, MemoryLimit: 8 << 30},
		Backend: BackendConfig{Name: migration.LoopbackName},
		Transport: TransportConfig{
			ListenHost: tc.ListenHost,
			ListenPort: tc.ListenPort,
			EnableMDNS: tc.EnableMDNS,
		},
		Metrics: MetricsConfig{Addr: ":9464"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var err error
	invalid := func(format string, args ...interface{}) {
		err = multierr.Append(err, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	if c.Cache.NumGPUBlocks < 0 {
		invalid("cache.numGPUBlocks %d is negative", c.Cache.NumGPUBlocks)
	}
	if _, perr := tensor.ParseDType(c.Cache.DType); perr != nil {
		invalid("cache.dtype: %v", perr)
	}
	if c.Cache.NumGPUBlocks == 0 && (c.Cache.MemoryFraction <= 0 || c.Cache.MemoryFraction > 1) {
		invalid("cache.memoryFraction %g outside (0, 1]", c.Cache.MemoryFraction)
	}
	if verr := c.Identity().Validate(); verr != nil {
		invalid("rank: %v", verr)
	}
	if c.Device.ID < 0 {
		invalid("device.id %d is negative", c.Device.ID)
	}
	if c.Backend.Name == "" {
		invalid("backend.name is empty")
	}
	if c.Transport.ListenPort < 0 || c.Transport.ListenPort > 65535 {
		invalid("transport.listenPort %d out of range", c.Transport.ListenPort)
	}
	return err
}

// Identity returns the rank triple.
func (c Config) Identity() cache.RankIdentity {
	return cache.RankIdentity{Rank: c.Rank.Rank, TPRank: c.Rank.TPRank, WorldSize: c.Rank.WorldSize}
}

// EngineConfig returns the engine configuration for numBlocks pool blocks.
func (c Config) EngineConfig(numBlocks int) (cache.EngineConfig, error) {
	dtype, err := tensor.ParseDType(c.Cache.DType)
	if err != nil {
		return cache.EngineConfig{}, err
	}
	return cache.EngineConfig{
		NumGPUBlocks: numBlocks,
		DType:        dtype,
		Identity:     c.Identity(),
	}, nil
}

// P2PConfig returns the libp2p node configuration.
func (c Config) P2PConfig() transport.Config {
	return transport.Config{
		ListenHost:     c.Transport.ListenHost,
		ListenPort:     c.Transport.ListenPort,
		EnableMDNS:     c.Transport.EnableMDNS,
		BootstrapPeers: c.Transport.BootstrapPeers,
		ExternalIP:     c.Transport.ExternalIP,
	}
}
