// Package cache manages the encoder feature pool and its P2P migration handshake.
package cache

import (
	"errors"
	"fmt"

	"github.com/neurogrid/feature-cache-p2p/pkg/gpu"
	"github.com/neurogrid/feature-cache-p2p/pkg/tensor"
)

var (
	ErrInvalidBudget   = errors.New("invalid memory budget")
	ErrNoMemoryInfo    = errors.New("device reports no memory info")
	ErrInvalidFraction = errors.New("memory fraction must be in (0, 1]")
)

// BlockShape is the (sequence, hidden) shape of one feature block.
type BlockShape struct {
	Rows int // Sequence-length dimension
	Cols int // Hidden dimension
}

// DefaultBlockShape holds 256 feature tokens of hidden size 4096.
var DefaultBlockShape = BlockShape{Rows: 256, Cols: 4096}

// Dims returns the shape as a slice.
func (s BlockShape) Dims() []int {
	return []int{s.Rows, s.Cols}
}

// Size returns the byte footprint of one block of dtype.
func (s BlockShape) Size(dtype tensor.DType) (int64, error) {
	if s.Rows <= 0 || s.Cols <= 0 {
		return 0, fmt.Errorf("%w: block %dx%d", tensor.ErrInvalidShape, s.Rows, s.Cols)
	}
	return tensor.Meta{Shape: s.Dims(), DType: dtype}.NumBytes()
}

func (s BlockShape) String() string {
	return fmt.Sprintf("%dx%d", s.Rows, s.Cols)
}

// FeatureBlockShape returns the shape of a single feature block.
func FeatureBlockShape() BlockShape {
	return DefaultBlockShape
}

// BlockSize returns the memory size in bytes of a single feature block of dtype.
// Nothing is allocated; it can be called before a device is chosen.
func BlockSize(dtype tensor.DType) (int64, error) {
	return FeatureBlockShape().Size(dtype)
}

// BlocksForBudget returns how many whole blocks of dtype fit in budget bytes.
func BlocksForBudget(budget int64, dtype tensor.DType) (int, error) {
	if budget < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBudget, budget)
	}
	size, err := BlockSize(dtype)
	if err != nil {
		return 0, err
	}
	return int(budget / size), nil
}

// CapacityPlan is the result of sizing a pool against device memory.
type CapacityPlan struct {
	DType      tensor.DType `json:"dtype"`
	BlockShape string       `json:"block_shape"`
	BlockBytes int64        `json:"block_bytes"`
	FreeBytes  int64        `json:"free_bytes"`
	Budget     int64        `json:"budget_bytes"`
	NumBlocks  int          `json:"num_blocks"`
}

// PlanCapacity sizes a pool to fraction of the device's free memory.
func PlanCapacity(dev gpu.Device, dtype tensor.DType, fraction float64) (CapacityPlan, error) {
	if fraction <= 0 || fraction > 1 {
		return CapacityPlan{}, fmt.Errorf("%w: %v", ErrInvalidFraction, fraction)
	}

	blockBytes, err := BlockSize(dtype)
	if err != nil {
		return CapacityPlan{}, err
	}

	total, free, err := dev.MemInfo()
	if err != nil {
		return CapacityPlan{}, fmt.Errorf("query device %d memory: %w", dev.ID(), err)
	}
	if total == 0 {
		return CapacityPlan{}, fmt.Errorf("%w: device %d", ErrNoMemoryInfo, dev.ID())
	}

	budget := int64(float64(free) * fraction)
	n, err := BlocksForBudget(budget, dtype)
	if err != nil {
		return CapacityPlan{}, err
	}

	return CapacityPlan{
		DType:      dtype,
		BlockShape: FeatureBlockShape().String(),
		BlockBytes: blockBytes,
		FreeBytes:  free,
		Budget:     budget,
		NumBlocks:  n,
	}, nil
}
