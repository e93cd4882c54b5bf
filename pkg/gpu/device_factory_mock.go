//go:build !cuda
// +build !cuda

package gpu

// NewDevice opens a device.
// Without CUDA, this creates a mock device capped at memoryLimit bytes.
func NewDevice(id int, memoryLimit int64) (Device, error) {
	return NewMockDevice(id, memoryLimit), nil
}

// IsCUDAEnabled returns true when CUDA support is compiled in.
func IsCUDAEnabled() bool {
	return false
}
