package gpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// MockDevice implements Device for testing without a real GPU.
// Memory is ordinary Go memory; streams and events complete immediately.
type MockDevice struct {
	id      int
	limit   int64 // 0 means unlimited
	used    int64
	mu      sync.Mutex
	current *mockStream
	handles atomic.Uintptr
	streams int
	events  int

	// AliasStreams makes NewStream hand out the current stream.
	// It simulates a runtime without multi-stream support.
	AliasStreams bool
}

// NewMockDevice creates a mock device. limit caps total allocated bytes; 0 disables the cap.
func NewMockDevice(id int, limit int64) *MockDevice {
	d := &MockDevice{id: id, limit: limit}
	d.current = &mockStream{handle: d.nextHandle()}
	return d
}

func (d *MockDevice) nextHandle() uintptr {
	return d.handles.Add(1)
}

// ID returns the device ordinal.
func (d *MockDevice) ID() int {
	return d.id
}

// Alloc allocates a Go-backed buffer.
func (d *MockDevice) Alloc(size int64) (Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrAllocationFailed, size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.limit > 0 && d.used+size > d.limit {
		return nil, fmt.Errorf("%w: need %d bytes, %d available", ErrAllocationFailed, size, d.limit-d.used)
	}
	d.used += size

	return &mockBuffer{dev: d, data: make([]byte, size)}, nil
}

// CurrentStream returns the default stream.
func (d *MockDevice) CurrentStream() Stream {
	return d.current
}

// NewStream creates a new mock stream.
func (d *MockDevice) NewStream() (Stream, error) {
	if d.AliasStreams {
		return d.current, nil
	}

	d.mu.Lock()
	d.streams++
	d.mu.Unlock()

	return &mockStream{handle: d.nextHandle(), dev: d}, nil
}

// NewEvent creates a new mock event.
func (d *MockDevice) NewEvent() (Event, error) {
	d.mu.Lock()
	d.events++
	d.mu.Unlock()

	return &mockEvent{dev: d}, nil
}

// MemInfo returns the configured limit and what is left of it.
// An unlimited device reports 0 for both.
func (d *MockDevice) MemInfo() (total, free int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limit == 0 {
		return 0, 0, nil
	}
	return d.limit, d.limit - d.used, nil
}

// Used returns bytes currently allocated.
func (d *MockDevice) Used() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// LiveStreams returns the number of created streams not yet destroyed.
func (d *MockDevice) LiveStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams
}

// LiveEvents returns the number of created events not yet destroyed.
func (d *MockDevice) LiveEvents() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

type mockBuffer struct {
	dev   *MockDevice
	data  []byte
	freed bool
	mu    sync.Mutex
}

func (b *mockBuffer) Ptr() uintptr {
	if len(b.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.data[0]))
}

func (b *mockBuffer) Size() int64 {
	return int64(len(b.data))
}

// Bytes exposes the backing memory. Only the mock has host-visible storage.
func (b *mockBuffer) Bytes() []byte {
	return b.data
}

func (b *mockBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil
	}
	b.freed = true

	b.dev.mu.Lock()
	b.dev.used -= int64(len(b.data))
	b.dev.mu.Unlock()

	b.data = nil
	return nil
}

type mockStream struct {
	handle    uintptr
	dev       *MockDevice // nil for the default stream
	destroyed atomic.Bool
}

func (s *mockStream) Handle() uintptr {
	return s.handle
}

func (s *mockStream) Synchronize() error {
	if s.destroyed.Load() {
		return ErrInvalidHandle
	}
	return nil
}

func (s *mockStream) Destroy() error {
	if s.dev == nil || !s.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	s.dev.mu.Lock()
	s.dev.streams--
	s.dev.mu.Unlock()
	return nil
}

type mockEvent struct {
	dev       *MockDevice
	recorded  atomic.Bool
	destroyed atomic.Bool
}

func (e *mockEvent) Record(s Stream) error {
	if e.destroyed.Load() || s == nil {
		return ErrInvalidHandle
	}
	e.recorded.Store(true)
	return nil
}

func (e *mockEvent) Synchronize() error {
	if e.destroyed.Load() {
		return ErrInvalidHandle
	}
	return nil
}

// Query reports true once the event was recorded; mock work completes instantly.
func (e *mockEvent) Query() (bool, error) {
	if e.destroyed.Load() {
		return false, ErrInvalidHandle
	}
	return e.recorded.Load(), nil
}

func (e *mockEvent) Destroy() error {
	if !e.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	e.dev.mu.Lock()
	e.dev.events--
	e.dev.mu.Unlock()
	return nil
}

// HostBytes returns the host-visible memory behind a mock buffer, or nil
// for buffers from any other device.
func HostBytes(b Buffer) []byte {
	if mb, ok := b.(*mockBuffer); ok {
		return mb.Bytes()
	}
	return nil
}

// Verify interface compliance.
var _ Device = (*MockDevice)(nil)
