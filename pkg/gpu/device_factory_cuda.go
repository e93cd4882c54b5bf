//go:build cuda
// +build cuda

package gpu

// NewDevice opens a device.
// With CUDA enabled, this opens a real CUDA device; memoryLimit is ignored.
func NewDevice(id int, memoryLimit int64) (Device, error) {
	return NewCUDADevice(id)
}

// IsCUDAEnabled returns true when CUDA support is compiled in.
func IsCUDAEnabled() bool {
	return true
}
