//go:build cuda
// +build cuda

package bindings

/*
// x86_64 with standard CUDA install
#cgo linux,amd64 CFLAGS: -I/usr/local/cuda/include
#cgo linux,amd64 LDFLAGS: -L/usr/local/cuda/lib64 -lcudart

// arm64 with system CUDA install (apt)
#cgo linux,arm64 LDFLAGS: -L/usr/lib/aarch64-linux-gnu -lcudart

#include <cuda_runtime.h>
#include <stdint.h>

static int setDevice(int id) {
	return (int)cudaSetDevice(id);
}

static int allocDevice(void **ptr, size_t size) {
	return (int)cudaMalloc(ptr, size);
}

static int freeDevice(void *ptr) {
	return (int)cudaFree(ptr);
}

static int createStream(cudaStream_t *stream) {
	return (int)cudaStreamCreateWithFlags(stream, cudaStreamNonBlocking);
}

static int destroyStream(cudaStream_t stream) {
	return (int)cudaStreamDestroy(stream);
}

static int syncStream(cudaStream_t stream) {
	return (int)cudaStreamSynchronize(stream);
}

static int createEvent(cudaEvent_t *event) {
	return (int)cudaEventCreateWithFlags(event, cudaEventDisableTiming);
}

static int destroyEvent(cudaEvent_t event) {
	return (int)cudaEventDestroy(event);
}

static int recordEvent(cudaEvent_t event, cudaStream_t stream) {
	return (int)cudaEventRecord(event, stream);
}

static int syncEvent(cudaEvent_t event) {
	return (int)cudaEventSynchronize(event);
}

static int queryEvent(cudaEvent_t event) {
	return (int)cudaEventQuery(event);
}

static int getDeviceMemInfo(int id, size_t *total, size_t *free) {
	int ret = (int)cudaSetDevice(id);
	if (ret != 0) {
		return ret;
	}
	return (int)cudaMemGetInfo(free, total);
}

static uintptr_t streamHandle(cudaStream_t stream) {
	return (uintptr_t)stream;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// errNotReady is cudaErrorNotReady.
const errNotReady = 600

// CUDAError wraps CUDA error codes.
type CUDAError int

func (e CUDAError) Error() string {
	return fmt.Sprintf("CUDA error: %d", int(e))
}

// Stream represents a CUDA stream handle.
type Stream C.cudaStream_t

// Event represents a CUDA event handle.
type Event C.cudaEvent_t

// DefaultStream is the legacy default stream (handle 0).
var DefaultStream Stream

// =============================================================================
// Memory Management
// =============================================================================

// SetDevice selects the device for subsequent calls on this thread.
func SetDevice(id int) error {
	if ret := C.setDevice(C.int(id)); ret != 0 {
		return CUDAError(ret)
	}
	return nil
}

// AllocDevice allocates GPU device memory.
func AllocDevice(size int64) (unsafe.Pointer, error) {
	var ptr unsafe.Pointer
	ret := C.allocDevice(&ptr, C.size_t(size))
	if ret != 0 {
		return nil, CUDAError(ret)
	}
	return ptr, nil
}

// FreeDevice frees GPU device memory.
func FreeDevice(ptr unsafe.Pointer) error {
	ret := C.freeDevice(ptr)
	if ret != 0 {
		return CUDAError(ret)
	}
	return nil
}

// =============================================================================
// Stream Management
// =============================================================================

// CreateStream creates a new non-blocking CUDA stream.
func CreateStream() (Stream, error) {
	var stream C.cudaStream_t
	ret := C.createStream(&stream)
	if ret != 0 {
		return Stream(nil), CUDAError(ret)
	}
	return Stream(stream), nil
}

// DestroyStream destroys a CUDA stream.
func DestroyStream(stream Stream) error {
	ret := C.destroyStream(C.cudaStream_t(stream))
	if ret != 0 {
		return CUDAError(ret)
	}
	return nil
}

// SyncStream synchronizes a CUDA stream (blocks until complete).
func SyncStream(stream Stream) error {
	ret := C.syncStream(C.cudaStream_t(stream))
	if ret != 0 {
		return CUDAError(ret)
	}
	return nil
}

// StreamHandle returns the numeric value of a stream handle.
func StreamHandle(stream Stream) uintptr {
	return uintptr(C.streamHandle(C.cudaStream_t(stream)))
}

// =============================================================================
// Event Management
// =============================================================================

// CreateEvent creates a CUDA event with timing disabled.
func CreateEvent() (Event, error) {
	var event C.cudaEvent_t
	ret := C.createEvent(&event)
	if ret != 0 {
		return Event(nil), CUDAError(ret)
	}
	return Event(event), nil
}

// DestroyEvent destroys a CUDA event.
func DestroyEvent(event Event) error {
	if ret := C.destroyEvent(C.cudaEvent_t(event)); ret != 0 {
		return CUDAError(ret)
	}
	return nil
}

// RecordEvent records event on stream.
func RecordEvent(event Event, stream Stream) error {
	if ret := C.recordEvent(C.cudaEvent_t(event), C.cudaStream_t(stream)); ret != 0 {
		return CUDAError(ret)
	}
	return nil
}

// SyncEvent blocks until event completed.
func SyncEvent(event Event) error {
	if ret := C.syncEvent(C.cudaEvent_t(event)); ret != 0 {
		return CUDAError(ret)
	}
	return nil
}

// QueryEvent reports whether event completed.
func QueryEvent(event Event) (bool, error) {
	switch ret := C.queryEvent(C.cudaEvent_t(event)); ret {
	case 0:
		return true, nil
	case errNotReady:
		return false, nil
	default:
		return false, CUDAError(ret)
	}
}

// =============================================================================
// Device Info
// =============================================================================

// GetDeviceMemInfo returns total and free GPU memory.
func GetDeviceMemInfo(deviceID int) (totalMem, freeMem int64, err error) {
	var total, free C.size_t
	ret := C.getDeviceMemInfo(C.int(deviceID), &total, &free)
	if ret != 0 {
		return 0, 0, CUDAError(ret)
	}
	return int64(total), int64(free), nil
}
