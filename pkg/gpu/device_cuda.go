//go:build cuda
// +build cuda

package gpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/neurogrid/feature-cache-p2p/gpu/bindings"
)

// CUDADevice implements Device on a CUDA GPU.
type CUDADevice struct {
	id int
	mu sync.Mutex
}

// NewCUDADevice selects the CUDA device with ordinal id.
func NewCUDADevice(id int) (*CUDADevice, error) {
	if err := bindings.SetDevice(id); err != nil {
		return nil, fmt.Errorf("select device %d: %w", id, err)
	}
	return &CUDADevice{id: id}, nil
}

// ID returns the device ordinal.
func (d *CUDADevice) ID() int {
	return d.id
}

// Alloc allocates device memory with cudaMalloc.
func (d *CUDADevice) Alloc(size int64) (Buffer, error) {
	if size == 0 {
		return &cudaBuffer{}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := bindings.SetDevice(d.id); err != nil {
		return nil, err
	}
	ptr, err := bindings.AllocDevice(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes on device %d: %v", ErrAllocationFailed, size, d.id, err)
	}
	return &cudaBuffer{ptr: ptr, size: size}, nil
}

// CurrentStream returns the legacy default stream.
func (d *CUDADevice) CurrentStream() Stream {
	return &cudaStream{stream: bindings.DefaultStream, borrowed: true}
}

// NewStream creates a non-blocking stream.
func (d *CUDADevice) NewStream() (Stream, error) {
	s, err := bindings.CreateStream()
	if err != nil {
		return nil, err
	}
	return &cudaStream{stream: s}, nil
}

// NewEvent creates an event with timing disabled.
func (d *CUDADevice) NewEvent() (Event, error) {
	e, err := bindings.CreateEvent()
	if err != nil {
		return nil, err
	}
	return &cudaEvent{event: e}, nil
}

// MemInfo returns GPU memory info.
func (d *CUDADevice) MemInfo() (total, free int64, err error) {
	return bindings.GetDeviceMemInfo(d.id)
}

type cudaBuffer struct {
	ptr  unsafe.Pointer
	size int64
	mu   sync.Mutex
}

func (b *cudaBuffer) Ptr() uintptr {
	return uintptr(b.ptr)
}

func (b *cudaBuffer) Size() int64 {
	return b.size
}

func (b *cudaBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ptr == nil {
		return nil
	}
	err := bindings.FreeDevice(b.ptr)
	b.ptr = nil
	return err
}

type cudaStream struct {
	stream   bindings.Stream
	borrowed bool
}

func (s *cudaStream) Handle() uintptr {
	return bindings.StreamHandle(s.stream)
}

func (s *cudaStream) Synchronize() error {
	return bindings.SyncStream(s.stream)
}

func (s *cudaStream) Destroy() error {
	if s.borrowed || s.stream == nil {
		return nil
	}
	err := bindings.DestroyStream(s.stream)
	s.stream = nil
	return err
}

type cudaEvent struct {
	event bindings.Event
}

func (e *cudaEvent) Record(s Stream) error {
	cs, ok := s.(*cudaStream)
	if !ok {
		return ErrInvalidHandle
	}
	return bindings.RecordEvent(e.event, cs.stream)
}

func (e *cudaEvent) Synchronize() error {
	return bindings.SyncEvent(e.event)
}

func (e *cudaEvent) Query() (bool, error) {
	return bindings.QueryEvent(e.event)
}

func (e *cudaEvent) Destroy() error {
	if e.event == nil {
		return nil
	}
	err := bindings.DestroyEvent(e.event)
	e.event = nil
	return err
}

// Verify interface compliance.
var _ Device = (*CUDADevice)(nil)
