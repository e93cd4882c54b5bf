package gpu

import (
	"errors"
	"testing"
)

func TestMockDevice_Alloc(t *testing.T) {
	dev := NewMockDevice(0, 4096)

	buf, err := dev.Alloc(1024)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	if buf.Size() != 1024 {
		t.Errorf("Expected size 1024, got %d", buf.Size())
	}
	if buf.Ptr() == 0 {
		t.Error("Non-empty buffer should have a non-zero address")
	}
	if dev.Used() != 1024 {
		t.Errorf("Expected 1024 used, got %d", dev.Used())
	}

	if err := buf.Free(); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if err := buf.Free(); err != nil {
		t.Fatalf("Second Free should be a no-op: %v", err)
	}
	if dev.Used() != 0 {
		t.Errorf("Expected 0 used after free, got %d", dev.Used())
	}
}

func TestMockDevice_AllocOverLimit(t *testing.T) {
	dev := NewMockDevice(0, 1000)

	if _, err := dev.Alloc(600); err != nil {
		t.Fatalf("First Alloc failed: %v", err)
	}

	_, err := dev.Alloc(600)
	if !errors.Is(err, ErrAllocationFailed) {
		t.Errorf("Expected ErrAllocationFailed, got %v", err)
	}
}

func TestMockDevice_ZeroAlloc(t *testing.T) {
	dev := NewMockDevice(0, 0)

	buf, err := dev.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc(0) failed: %v", err)
	}
	if buf.Ptr() != 0 || buf.Size() != 0 {
		t.Errorf("Empty buffer: ptr=%#x size=%d", buf.Ptr(), buf.Size())
	}
}

func TestMockDevice_MemInfo(t *testing.T) {
	dev := NewMockDevice(0, 2048)
	dev.Alloc(512)

	total, free, err := dev.MemInfo()
	if err != nil {
		t.Fatalf("MemInfo failed: %v", err)
	}
	if total != 2048 || free != 1536 {
		t.Errorf("MemInfo = (%d, %d), want (2048, 1536)", total, free)
	}
}

func TestMockDevice_HostBytes(t *testing.T) {
	dev := NewMockDevice(0, 0)
	buf, _ := dev.Alloc(16)

	data := HostBytes(buf)
	if len(data) != 16 {
		t.Fatalf("Expected 16 host bytes, got %d", len(data))
	}

	data[3] = 0xAB
	if HostBytes(buf)[3] != 0xAB {
		t.Error("HostBytes should expose the same backing memory")
	}
}

func TestMockDevice_Streams(t *testing.T) {
	dev := NewMockDevice(0, 0)

	s, err := dev.NewStream()
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	if s.Handle() == dev.CurrentStream().Handle() {
		t.Error("New stream should differ from current stream")
	}
	if dev.LiveStreams() != 1 {
		t.Errorf("Expected 1 live stream, got %d", dev.LiveStreams())
	}

	s.Destroy()
	if dev.LiveStreams() != 0 {
		t.Errorf("Expected 0 live streams, got %d", dev.LiveStreams())
	}
	if err := s.Synchronize(); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Synchronize on destroyed stream: got %v", err)
	}
}

func TestMockEvent_Query(t *testing.T) {
	dev := NewMockDevice(0, 0)
	ev, _ := dev.NewEvent()

	done, err := ev.Query()
	if err != nil || done {
		t.Errorf("Unrecorded event: done=%v err=%v", done, err)
	}

	if err := ev.Record(dev.CurrentStream()); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	done, err = ev.Query()
	if err != nil || !done {
		t.Errorf("Recorded event: done=%v err=%v", done, err)
	}
}
