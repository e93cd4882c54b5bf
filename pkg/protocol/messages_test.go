package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/neurogrid/feature-cache-p2p/pkg/migration"
)

func TestHeader_Serialization(t *testing.T) {
	header := Header{
		Type:      MsgInit,
		RequestID: 12345,
		Timestamp: time.Now().UnixNano(),
	}

	buf := SerializeHeader(header)
	if len(buf) != HeaderSize {
		t.Errorf("Expected buffer size %d, got %d", HeaderSize, len(buf))
	}

	decoded, err := DeserializeHeader(buf)
	if err != nil {
		t.Fatalf("DeserializeHeader failed: %v", err)
	}

	if decoded != header {
		t.Errorf("Header mismatch: %+v vs %+v", decoded, header)
	}
}

func TestHeader_DeserializeTooSmall(t *testing.T) {
	buf := make([]byte, HeaderSize-1)
	_, err := DeserializeHeader(buf)
	if err == nil {
		t.Error("Expected error for too small buffer")
	}
}

func TestWriteReadMessage_InitRequest(t *testing.T) {
	var buf bytes.Buffer

	req := InitRequest{Request: migration.InitRequest{
		LocalEngineID:  "encoder",
		RemoteEngineID: "llm",
		Protocol:       migration.RDMA,
		Rank:           3,
		Options:        map[string]string{"device": "mlx5_0"},
	}}

	reqID := uint64(42)
	if err := WriteMessage(&buf, MsgInit, reqID, req); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	header, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	if header.Type != MsgInit {
		t.Errorf("Expected MsgInit, got %s", header.Type)
	}
	if header.RequestID != reqID {
		t.Errorf("Expected RequestID %d, got %d", reqID, header.RequestID)
	}

	var decoded InitRequest
	if err := DecodePayload(payload, &decoded); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if diff := cmp.Diff(req, decoded); diff != "" {
		t.Errorf("InitRequest mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteReadMessage_InitResponse(t *testing.T) {
	var buf bytes.Buffer

	resp := InitResponse{Endpoints: []migration.EndpointInfo{
		{Protocol: migration.RDMA, EndpointInfo: `{"qpn":17,"gid":"fe80::1"}`},
	}}

	if err := WriteMessage(&buf, MsgInitAck, 1, resp); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	_, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var decoded InitResponse
	if err := DecodePayload(payload, &decoded); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}

	// Endpoint info must survive byte for byte.
	if diff := cmp.Diff(resp, decoded); diff != "" {
		t.Errorf("InitResponse mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteReadMessage_ConnectRequest(t *testing.T) {
	var buf bytes.Buffer

	req := ConnectRequest{
		RemoteEngineID: "encoder",
		Endpoints: []migration.EndpointInfo{
			{Protocol: migration.NVLink, EndpointInfo: "d0"},
			{Protocol: migration.NVLink, EndpointInfo: "d1"},
		},
	}

	if err := WriteMessage(&buf, MsgConnect, 7, req); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	header, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if header.Type != MsgConnect {
		t.Errorf("Expected MsgConnect, got %s", header.Type)
	}

	var decoded ConnectRequest
	if err := DecodePayload(payload, &decoded); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if diff := cmp.Diff(req, decoded); diff != "" {
		t.Errorf("ConnectRequest mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteReadMessage_PingPong(t *testing.T) {
	var buf bytes.Buffer

	pong := PongResponse{
		SentAt:     time.Now().UnixNano(),
		ReceivedAt: time.Now().UnixNano(),
		Engine:     EngineInfo{Rank: 1, TPRank: 1, WorldSize: 2, NumBlocks: 128, BlockBytes: 2 << 20, DType: "F16", Bound: true},
	}

	if err := WriteMessage(&buf, MsgPong, 1, pong); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	header, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if header.Type != MsgPong {
		t.Errorf("Expected MsgPong, got %s", header.Type)
	}

	var decoded PongResponse
	if err := DecodePayload(payload, &decoded); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if decoded != pong {
		t.Errorf("Pong mismatch: %+v", decoded)
	}
}

func TestReadMessage_Truncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgPing, 1, PingRequest{SentAt: 1}); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	data := buf.Bytes()
	if _, _, err := ReadMessage(bytes.NewReader(data[:len(data)-1])); err == nil {
		t.Error("Expected error for truncated payload")
	}
	if _, _, err := ReadMessage(bytes.NewReader(data[:HeaderSize+2])); err == nil {
		t.Error("Expected error for truncated length")
	}
}

func TestReadMessage_PayloadTooLarge(t *testing.T) {
	frame := SerializeHeader(Header{Type: MsgInit, RequestID: 1})
	frame = binary.BigEndian.AppendUint32(frame, MaxPayloadSize+1)

	_, _, err := ReadMessage(bytes.NewReader(frame))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestMessageType_String(t *testing.T) {
	types := map[MessageType]string{
		MsgInit:       "init",
		MsgInitAck:    "init_ack",
		MsgConnect:    "connect",
		MsgConnectAck: "connect_ack",
		MsgPing:       "ping",
		MsgPong:       "pong",
		MsgError:      "error",
	}

	for mt, want := range types {
		if got := mt.String(); got != want {
			t.Errorf("MessageType(%d).String() = %q, want %q", uint8(mt), got, want)
		}
	}

	if got := MessageType(99).String(); got != "unknown(99)" {
		t.Errorf("Unexpected name for unknown type: %q", got)
	}
}
