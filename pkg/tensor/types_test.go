package tensor

import (
	"errors"
	"testing"
)

func TestDType_ElementSize(t *testing.T) {
	tests := []struct {
		dtype DType
		want  int
	}{
		{F16, 2},
		{BF16, 2},
		{F32, 4},
		{F64, 8},
		{I8, 1},
		{U8, 1},
		{I64, 8},
		{BOOL, 1},
		{DType("F8"), 0},
	}

	for _, tt := range tests {
		if got := tt.dtype.ElementSize(); got != tt.want {
			t.Errorf("%s.ElementSize() = %d, want %d", tt.dtype, got, tt.want)
		}
	}
}

func TestParseDType(t *testing.T) {
	tests := map[string]DType{
		"F16":      F16,
		"f16":      F16,
		"float16":  F16,
		"half":     F16,
		"bfloat16": BF16,
		" BF16 ":   BF16,
		"float32":  F32,
		"int8":     I8,
	}

	for in, want := range tests {
		got, err := ParseDType(in)
		if err != nil {
			t.Errorf("ParseDType(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDType(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParseDType("complex64"); !errors.Is(err, ErrUnsupportedDType) {
		t.Errorf("Expected ErrUnsupportedDType, got %v", err)
	}
}

func TestMeta_NumBytes(t *testing.T) {
	m := Meta{Shape: []int{256, 4096}, DType: F16}

	if m.NumElements() != 256*4096 {
		t.Errorf("NumElements = %d", m.NumElements())
	}

	n, err := m.NumBytes()
	if err != nil {
		t.Fatalf("NumBytes failed: %v", err)
	}
	if n != 256*4096*2 {
		t.Errorf("NumBytes = %d, want %d", n, 256*4096*2)
	}
}

func TestMeta_NumBytesErrors(t *testing.T) {
	if _, err := (Meta{Shape: []int{2, 2}, DType: "X"}).NumBytes(); !errors.Is(err, ErrUnsupportedDType) {
		t.Errorf("Expected ErrUnsupportedDType, got %v", err)
	}
	if _, err := (Meta{Shape: []int{-1, 2}, DType: F32}).NumBytes(); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("Expected ErrInvalidShape, got %v", err)
	}

	// Scalar-less meta has no elements.
	n, err := (Meta{DType: F32}).NumBytes()
	if err != nil || n != 0 {
		t.Errorf("Empty shape: got %d, %v", n, err)
	}
}
