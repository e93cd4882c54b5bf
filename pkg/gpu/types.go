// Package gpu provides the accelerator device abstraction used by the feature cache.
package gpu

import (
	"errors"
)

var (
	ErrAllocationFailed = errors.New("device memory allocation failed")
	ErrStreamAliased    = errors.New("cache stream must differ from the current stream")
	ErrDeviceClosed     = errors.New("device closed")
	ErrInvalidHandle    = errors.New("invalid device handle")
)

// Buffer is a contiguous span of device memory.
type Buffer interface {
	// Ptr returns the raw device address of the first byte.
	// A zero-length buffer may report 0.
	Ptr() uintptr

	// Size returns the buffer length in bytes.
	Size() int64

	// Free releases the memory. Calling Free twice is a no-op.
	Free() error
}

// Stream is an ordered queue of device work.
type Stream interface {
	// Handle identifies the stream; two streams are the same iff handles match.
	Handle() uintptr

	// Synchronize blocks until all queued work completed.
	Synchronize() error

	// Destroy releases the stream.
	Destroy() error
}

// Event marks a point in a stream's work queue.
type Event interface {
	// Record captures the current tail of the stream.
	Record(s Stream) error

	// Synchronize blocks until the recorded work completed.
	Synchronize() error

	// Query reports whether the recorded work completed without blocking.
	Query() (bool, error)

	// Destroy releases the event.
	Destroy() error
}

// Device allocates memory and execution resources on one accelerator.
type Device interface {
	// ID returns the device ordinal.
	ID() int

	// Alloc allocates size bytes of uninitialized device memory.
	Alloc(size int64) (Buffer, error)

	// CurrentStream returns the stream compute work is issued on.
	CurrentStream() Stream

	// NewStream creates a stream separate from CurrentStream.
	NewStream() (Stream, error)

	// NewEvent creates a completion event.
	NewEvent() (Event, error)

	// MemInfo returns total and free device memory in bytes.
	MemInfo() (total, free int64, err error)
}
