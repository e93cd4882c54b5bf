// Package tensor describes element types and shapes of device tensors.
// DType names follow the safetensors convention so they can be read from model configs.
package tensor

import (
	"errors"
	"fmt"
	"strings"
)

// Errors
var (
	ErrUnsupportedDType = errors.New("unsupported data type")
	ErrInvalidShape     = errors.New("invalid tensor shape")
)

// DType represents the data type of tensor elements
type DType string

const (
	F16  DType = "F16"  // IEEE 754 half-precision float (2 bytes)
	BF16 DType = "BF16" // Brain floating-point (2 bytes)
	F32  DType = "F32"  // IEEE 754 single-precision float (4 bytes)
	F64  DType = "F64"  // IEEE 754 double-precision float (8 bytes)
	I8   DType = "I8"   // Signed 8-bit integer
	U8   DType = "U8"   // Unsigned 8-bit integer
	I16  DType = "I16"  // Signed 16-bit integer
	I32  DType = "I32"  // Signed 32-bit integer
	I64  DType = "I64"  // Signed 64-bit integer
	BOOL DType = "BOOL" // Boolean (1 byte)
)

var aliases = map[string]DType{
	"float16":  F16,
	"half":     F16,
	"fp16":     F16,
	"bfloat16": BF16,
	"bf16":     BF16,
	"float32":  F32,
	"float":    F32,
	"fp32":     F32,
	"float64":  F64,
	"int8":     I8,
	"uint8":    U8,
	"int16":    I16,
	"int32":    I32,
	"int64":    I64,
	"bool":     BOOL,
}

// ParseDType resolves a dtype name or a common framework alias.
func ParseDType(s string) (DType, error) {
	d := DType(strings.ToUpper(strings.TrimSpace(s)))
	if d.ElementSize() > 0 {
		return d, nil
	}
	if d, ok := aliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
}

// ElementSize returns the number of bytes per element for a dtype
func (d DType) ElementSize() int {
	switch d {
	case F16, BF16, I16:
		return 2
	case F32, I32:
		return 4
	case F64, I64:
		return 8
	case I8, U8, BOOL:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the dtype is known.
func (d DType) Valid() bool {
	return d.ElementSize() > 0
}

func (d DType) String() string {
	return string(d)
}

// Meta describes a tensor without backing storage.
// It is used to size allocations before any device is selected.
type Meta struct {
	Shape []int
	DType DType
}

// NumElements returns the total number of elements in the tensor
func (m Meta) NumElements() int64 {
	if len(m.Shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, dim := range m.Shape {
		n *= int64(dim)
	}
	return n
}

// NumBytes returns the storage footprint of the tensor in bytes.
func (m Meta) NumBytes() (int64, error) {
	size := m.DType.ElementSize()
	if size == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDType, m.DType)
	}
	for _, dim := range m.Shape {
		if dim < 0 {
			return 0, fmt.Errorf("%w: %v", ErrInvalidShape, m.Shape)
		}
	}
	return m.NumElements() * int64(size), nil
}
