// Package main runs one rank's feature cache engine.
//
// The engine allocates the feature pool on the configured device, binds the
// migration backend on the first handshake, and serves the handshake to peers
// over libp2p.
//
// Usage:
//
//	# Print the pool capacity plan and exit
//	featurecache -config featurecache.yaml -plan
//
//	# Serve the engine
//	featurecache -config featurecache.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/neurogrid/feature-cache-p2p/pkg/cache"
	"github.com/neurogrid/feature-cache-p2p/pkg/config"
	"github.com/neurogrid/feature-cache-p2p/pkg/gpu"
	"github.com/neurogrid/feature-cache-p2p/pkg/logging"
	"github.com/neurogrid/feature-cache-p2p/pkg/migration"
	"github.com/neurogrid/feature-cache-p2p/pkg/tensor"
	"github.com/neurogrid/feature-cache-p2p/pkg/transport"
)

// PlanOutput is the JSON output of -plan.
type PlanOutput struct {
	CUDA         bool                `json:"cuda"`
	DeviceID     int                 `json:"device_id"`
	DType        tensor.DType        `json:"dtype"`
	BlockShape   string              `json:"block_shape"`
	BlockBytes   int64               `json:"block_bytes"`
	NumGPUBlocks int                 `json:"num_gpu_blocks"`
	PoolBytes    int64               `json:"pool_bytes"`
	Capacity     *cache.CapacityPlan `json:"capacity,omitempty"`
	Backends     []string            `json:"backends"`
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file (defaults apply when empty)")
	plan := flag.Bool("plan", false, "Print the capacity plan as JSON and exit")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Error: %v", err)
		}
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, *plan, logger); err != nil {
		logger.Fatal("featurecache failed", zap.Error(err))
	}
}

func newRegistry() (*migration.Registry, error) {
	r := migration.NewRegistry()
	if err := r.Register(migration.LoopbackName, migration.LoopbackFactory); err != nil {
		return nil, err
	}
	return r, nil
}

// poolBlocks returns the configured block count, planning it from device
// memory when the configuration leaves it at 0. An explicit count never
// depends on planning; the plan is then only reported when it succeeds.
func poolBlocks(cfg config.Config, dev gpu.Device, dtype tensor.DType) (int, *cache.CapacityPlan, error) {
	if n := cfg.Cache.NumGPUBlocks; n > 0 {
		capacity, err := cache.PlanCapacity(dev, dtype, cfg.Cache.MemoryFraction)
		if err != nil {
			return n, nil, nil
		}
		return n, &capacity, nil
	}

	capacity, err := cache.PlanCapacity(dev, dtype, cfg.Cache.MemoryFraction)
	if err != nil {
		return 0, nil, err
	}
	return capacity.NumBlocks, &capacity, nil
}

func run(cfg config.Config, plan bool, logger *zap.Logger) error {
	registry, err := newRegistry()
	if err != nil {
		return err
	}
	factory, err := registry.Factory(cfg.Backend.Name)
	if err != nil {
		return err
	}

	dev, err := gpu.NewDevice(cfg.Device.ID, cfg.Device.MemoryLimit)
	if err != nil {
		return fmt.Errorf("open device %d: %w", cfg.Device.ID, err)
	}

	ec, err := cfg.EngineConfig(0)
	if err != nil {
		return err
	}
	numBlocks, capacity, err := poolBlocks(cfg, dev, ec.DType)
	if err != nil {
		return err
	}
	ec.NumGPUBlocks = numBlocks

	if plan {
		return printPlan(cfg, ec, capacity, registry.Names())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := cache.NewMetrics(reg)
	if err != nil {
		return err
	}

	engine, err := cache.NewEngine(ec, dev, factory, cache.WithLogger(logger), cache.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := transport.NewP2PNode(ctx, cfg.P2PConfig(), engine,
		transport.WithLogger(logger), transport.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer node.Close()

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Feature cache engine ready",
		zap.String("backend", cfg.Backend.Name),
		zap.Int("num_gpu_blocks", engine.NumGPUBlocks()),
		zap.Int64("pool_bytes", engine.Pool().NumBytes()),
		zap.Bool("cuda", gpu.IsCUDAEnabled()),
		zap.Strings("addrs", node.Addrs()))

	<-ctx.Done()
	logger.Info("Shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown", zap.Error(err))
		}
	}
	return nil
}

func printPlan(cfg config.Config, ec cache.EngineConfig, capacity *cache.CapacityPlan, backends []string) error {
	blockBytes, err := cache.BlockSize(ec.DType)
	if err != nil {
		return err
	}

	out := PlanOutput{
		CUDA:         gpu.IsCUDAEnabled(),
		DeviceID:     cfg.Device.ID,
		DType:        ec.DType,
		BlockShape:   cache.FeatureBlockShape().String(),
		BlockBytes:   blockBytes,
		NumGPUBlocks: ec.NumGPUBlocks,
		PoolBytes:    int64(ec.NumGPUBlocks) * blockBytes,
		Capacity:     capacity,
		Backends:     backends,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
