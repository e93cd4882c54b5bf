package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/neurogrid/feature-cache-p2p/pkg/gpu"
	"github.com/neurogrid/feature-cache-p2p/pkg/migration"
	"github.com/neurogrid/feature-cache-p2p/pkg/tensor"
)

var (
	ErrNotInitialized      = errors.New("migration backend not initialized")
	ErrBackendConstruction = errors.New("migration backend construction failed")
	ErrEndpointIndex       = errors.New("no remote endpoint for tp rank")
	ErrInvalidIdentity     = errors.New("invalid rank identity")
	ErrEngineClosed        = errors.New("engine closed")
)

// RankIdentity is the engine's position among distributed peers.
type RankIdentity struct {
	Rank      int `json:"rank"`
	TPRank    int `json:"tp_rank"`
	WorldSize int `json:"world_size"`
}

// Validate checks the triple is self-consistent.
func (r RankIdentity) Validate() error {
	if r.WorldSize < 1 || r.Rank < 0 || r.TPRank < 0 || r.Rank >= r.WorldSize || r.TPRank >= r.WorldSize {
		return fmt.Errorf("%w: rank=%d tp_rank=%d world_size=%d", ErrInvalidIdentity, r.Rank, r.TPRank, r.WorldSize)
	}
	return nil
}

// EngineConfig holds feature cache engine configuration.
type EngineConfig struct {
	// NumGPUBlocks is the pool capacity in blocks.
	NumGPUBlocks int

	// DType is the element type of pooled features.
	DType tensor.DType

	// Identity is this engine's rank triple.
	Identity RankIdentity
}

// DefaultEngineConfig returns default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NumGPUBlocks: 128,
		DType:        tensor.F16,
		Identity:     RankIdentity{WorldSize: 1},
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine owns the feature pool of one rank and exposes it to a migration backend.
//
// Pool contents are not guarded; producers, consumers and the backend
// coordinate through Stream and Event. Handshake calls are serialized.
type Engine struct {
	identity RankIdentity
	pool     *FeaturePool
	syncCtx  *gpu.SyncContext
	factory  migration.Factory
	logger   *zap.Logger
	metrics  *Metrics

	mu      sync.Mutex
	binding Binding
	closed  bool
}

// Info is a snapshot of engine state.
type Info struct {
	Identity   RankIdentity `json:"identity"`
	NumBlocks  int          `json:"num_blocks"`
	BlockBytes int64        `json:"block_bytes"`
	PoolBytes  int64        `json:"pool_bytes"`
	DType      tensor.DType `json:"dtype"`
	Binding    BindingState `json:"binding"`
}

// NewEngine allocates the feature pool on dev and acquires the cache stream.
// factory builds the migration backend on the first Initialize.
// Any failure releases what was acquired.
func NewEngine(cfg EngineConfig, dev gpu.Device, factory migration.Factory, opts ...Option) (*Engine, error) {
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		identity: cfg.Identity,
		factory:  factory,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.Int("rank", cfg.Identity.Rank), zap.Int("tp_rank", cfg.Identity.TPRank))

	pool, err := allocatePool(dev, cfg.NumGPUBlocks, cfg.DType)
	if err != nil {
		return nil, err
	}

	sc, err := gpu.NewSyncContext(dev)
	if err != nil {
		return nil, multierr.Append(err, pool.free())
	}

	e.pool = pool
	e.syncCtx = sc

	if e.metrics != nil {
		e.metrics.PoolBlocks.Set(float64(pool.NumBlocks()))
		e.metrics.PoolBytes.Set(float64(pool.NumBytes()))
	}

	e.logger.Debug("Initialize feature cache engine",
		zap.Int("num_gpu_blocks", pool.NumBlocks()),
		zap.Stringer("block_shape", pool.BlockShape()),
		zap.Stringer("dtype", pool.DType()),
		zap.Int64("pool_bytes", pool.NumBytes()))

	return e, nil
}

// Pool returns the feature pool.
func (e *Engine) Pool() *FeaturePool {
	return e.pool
}

// NumGPUBlocks returns the number of pool blocks.
func (e *Engine) NumGPUBlocks() int {
	return e.pool.NumBlocks()
}

// Identity returns the rank triple.
func (e *Engine) Identity() RankIdentity {
	return e.identity
}

// Stream returns the cache stream.
func (e *Engine) Stream() gpu.Stream {
	return e.syncCtx.Stream()
}

// Event returns the cache completion event.
func (e *Engine) Event() gpu.Event {
	return e.syncCtx.Event()
}

// BindingState reports whether a backend has been bound.
func (e *Engine) BindingState() BindingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.binding.State()
}

// Info returns a snapshot of engine state.
func (e *Engine) Info() Info {
	return Info{
		Identity:   e.identity,
		NumBlocks:  e.pool.NumBlocks(),
		BlockBytes: e.pool.BlockBytes(),
		PoolBytes:  e.pool.NumBytes(),
		DType:      e.pool.DType(),
		Binding:    e.BindingState(),
	}
}

// Initialize prepares the backend for the remote engine in req and returns this
// rank's endpoint descriptors.
//
// The backend is built on the first call only. Every call stamps req with this
// engine's rank, registers the whole pool as one memory region and queries a
// fresh endpoint description. Nothing is returned unless every step succeeded.
func (e *Engine) Initialize(ctx context.Context, req migration.InitRequest) ([]migration.EndpointInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}

	binding, err := e.binding.Bind(e.factory)
	if err != nil {
		e.backendError("bind")
		return nil, err
	}
	if binding.State() != e.binding.State() {
		e.logger.Info("Bound migration backend", zap.String("remote_engine_id", req.RemoteEngineID))
	}
	e.binding = binding
	backend, err := binding.Backend()
	if err != nil {
		return nil, err
	}

	req.Rank = e.identity.Rank
	if err := backend.P2PInitialize(ctx, req); err != nil {
		e.backendError("p2p_initialize")
		return nil, fmt.Errorf("p2p initialize %s: %w", req.RemoteEngineID, err)
	}

	if p := e.pool; p.NumElements() > 0 {
		mr := migration.RegisterMRMessage{
			Protocol:       req.Protocol,
			RemoteEngineID: req.RemoteEngineID,
			MRKey:          migration.MRKeyFeaturePool,
			Addr:           uint64(p.Addr()),
			Offset:         p.StorageOffset(),
			Length:         p.NumElements() * int64(p.ItemSize()),
		}
		if err := backend.RegisterMemoryRegion(ctx, mr); err != nil {
			e.backendError("register_memory_region")
			return nil, fmt.Errorf("register memory region %s: %w", mr.MRKey, err)
		}
		if e.metrics != nil {
			e.metrics.Registrations.Inc()
		}
	}

	info, err := backend.EndpointInfo(ctx, req.RemoteEngineID, req.Protocol)
	if err != nil {
		e.backendError("endpoint_info")
		return nil, fmt.Errorf("endpoint info %s: %w", req.RemoteEngineID, err)
	}
	blob, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("serialize endpoint info: %w", err)
	}

	if e.metrics != nil {
		e.metrics.Initializes.Inc()
	}
	e.logger.Debug("P2P initialized",
		zap.String("remote_engine_id", req.RemoteEngineID),
		zap.String("protocol", string(req.Protocol)))

	return []migration.EndpointInfo{{
		Protocol:     req.Protocol,
		EndpointInfo: string(blob),
	}}, nil
}

// Connect binds the backend to the remote engine's endpoint for this tp rank.
//
// endpoints must be ordered by remote tp rank: endpoints[i] belongs to the
// peer with tp rank i. The order is not verified.
func (e *Engine) Connect(ctx context.Context, remoteEngineID string, endpoints []migration.EndpointInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	backend, err := e.binding.Backend()
	if err != nil {
		return fmt.Errorf("connect %s: %w", remoteEngineID, err)
	}

	idx := e.identity.TPRank
	if idx >= len(endpoints) {
		return fmt.Errorf("connect %s: %w: tp_rank %d, %d endpoints", remoteEngineID, ErrEndpointIndex, idx, len(endpoints))
	}

	if err := backend.P2PConnect(ctx, remoteEngineID, endpoints[idx]); err != nil {
		e.backendError("p2p_connect")
		return fmt.Errorf("p2p connect %s: %w", remoteEngineID, err)
	}

	if e.metrics != nil {
		e.metrics.Connects.Inc()
	}
	e.logger.Debug("P2P connected", zap.String("remote_engine_id", remoteEngineID))
	return nil
}

func (e *Engine) backendError(op string) {
	if e.metrics != nil {
		e.metrics.BackendErrors.WithLabelValues(op).Inc()
	}
}

// Close releases the pool, the sync context and the backend if it is an io.Closer.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var err error
	if backend, berr := e.binding.Backend(); berr == nil {
		if c, ok := backend.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	err = multierr.Append(err, e.syncCtx.Close())
	err = multierr.Append(err, e.pool.free())
	return err
}
