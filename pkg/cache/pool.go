package cache

import (
	"errors"
	"fmt"

	"github.com/neurogrid/feature-cache-p2p/pkg/gpu"
	"github.com/neurogrid/feature-cache-p2p/pkg/tensor"
)

var ErrBlockIndex = errors.New("block index out of range")

// FeaturePool is one contiguous device buffer of numBlocks feature blocks.
// Blocks are addressed by index only; which index holds which feature is
// decided by the caller.
type FeaturePool struct {
	buf        gpu.Buffer
	numBlocks  int
	shape      BlockShape
	dtype      tensor.DType
	blockBytes int64
}

// allocatePool allocates the pool on dev.
func allocatePool(dev gpu.Device, numBlocks int, dtype tensor.DType) (*FeaturePool, error) {
	if numBlocks < 0 {
		return nil, fmt.Errorf("invalid block count %d", numBlocks)
	}

	shape := FeatureBlockShape()
	blockBytes, err := shape.Size(dtype)
	if err != nil {
		return nil, err
	}

	buf, err := dev.Alloc(int64(numBlocks) * blockBytes)
	if err != nil {
		return nil, fmt.Errorf("allocate feature pool of %d blocks on device %d: %w", numBlocks, dev.ID(), err)
	}

	return &FeaturePool{
		buf:        buf,
		numBlocks:  numBlocks,
		shape:      shape,
		dtype:      dtype,
		blockBytes: blockBytes,
	}, nil
}

// NumBlocks returns the pool capacity in blocks.
func (p *FeaturePool) NumBlocks() int {
	return p.numBlocks
}

// BlockShape returns the per-block shape.
func (p *FeaturePool) BlockShape() BlockShape {
	return p.shape
}

// DType returns the element type.
func (p *FeaturePool) DType() tensor.DType {
	return p.dtype
}

// Shape returns (numBlocks, rows, cols).
func (p *FeaturePool) Shape() []int {
	return []int{p.numBlocks, p.shape.Rows, p.shape.Cols}
}

// NumElements returns the element count of the whole pool.
func (p *FeaturePool) NumElements() int64 {
	return int64(p.numBlocks) * int64(p.shape.Rows) * int64(p.shape.Cols)
}

// ItemSize returns bytes per element.
func (p *FeaturePool) ItemSize() int {
	return p.dtype.ElementSize()
}

// NumBytes returns the pool size in bytes.
func (p *FeaturePool) NumBytes() int64 {
	return p.NumElements() * int64(p.ItemSize())
}

// BlockBytes returns the size of one block in bytes.
func (p *FeaturePool) BlockBytes() int64 {
	return p.blockBytes
}

// Addr returns the device address of the pool's first byte.
func (p *FeaturePool) Addr() uintptr {
	return p.buf.Ptr()
}

// StorageOffset returns the offset of the pool within its allocation, in elements.
// The pool owns its allocation, so this is always 0.
func (p *FeaturePool) StorageOffset() int64 {
	return 0
}

// BlockOffset returns the byte offset of block i from Addr.
func (p *FeaturePool) BlockOffset(i int) (int64, error) {
	if i < 0 || i >= p.numBlocks {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrBlockIndex, i, p.numBlocks)
	}
	return int64(i) * p.blockBytes, nil
}

// Buffer returns the underlying device buffer.
func (p *FeaturePool) Buffer() gpu.Buffer {
	return p.buf
}

func (p *FeaturePool) free() error {
	if p.buf == nil {
		return nil
	}
	return p.buf.Free()
}
