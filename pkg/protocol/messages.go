// Package protocol defines P2P message types for the feature cache handshake.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/neurogrid/feature-cache-p2p/pkg/migration"
)

// ProtocolID is the libp2p protocol identifier.
const ProtocolID = "/neurogrid/featurecache/handshake/1.0.0"

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 16 << 20

var ErrPayloadTooLarge = errors.New("payload too large")

// MessageType defines P2P message types.
type MessageType uint8

const (
	MsgInit       MessageType = 1 // Prepare a link to the sender
	MsgInitAck    MessageType = 2 // Endpoint descriptors
	MsgConnect    MessageType = 3 // Remote endpoint list
	MsgConnectAck MessageType = 4 // Connect result
	MsgPing       MessageType = 5 // Health check
	MsgPong       MessageType = 6 // Health response
	MsgError      MessageType = 7 // Malformed or unknown request
)

func (t MessageType) String() string {
	switch t {
	case MsgInit:
		return "init"
	case MsgInitAck:
		return "init_ack"
	case MsgConnect:
		return "connect"
	case MsgConnectAck:
		return "connect_ack"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgError:
		return "error"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Header is the common message header.
type Header struct {
	Type      MessageType
	RequestID uint64
	Timestamp int64 // Unix nano
}

// HeaderSize is the size of serialized header.
const HeaderSize = 1 + 8 + 8 // type + request_id + timestamp

// SerializeHeader writes header to buffer.
func SerializeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint64(buf[1:9], h.RequestID)
	binary.BigEndian.PutUint64(buf[9:17], uint64(h.Timestamp))
	return buf
}

// DeserializeHeader reads header from buffer.
func DeserializeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.New("buffer too small for header")
	}
	return Header{
		Type:      MessageType(buf[0]),
		RequestID: binary.BigEndian.Uint64(buf[1:9]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[9:17])),
	}, nil
}

// InitRequest asks the receiving engine to prepare a link to the sender.
type InitRequest struct {
	Request migration.InitRequest `msgpack:"req"`
}

// InitResponse carries the receiver's endpoint descriptors.
type InitResponse struct {
	Endpoints []migration.EndpointInfo `msgpack:"endpoints"`
	Error     string                   `msgpack:"error,omitempty"`
}

// ConnectRequest hands the receiver the remote engine's endpoints, ordered by tp rank.
type ConnectRequest struct {
	RemoteEngineID string                   `msgpack:"remote_engine_id"`
	Endpoints      []migration.EndpointInfo `msgpack:"endpoints"`
}

// ConnectResponse confirms a connect.
type ConnectResponse struct {
	Error string `msgpack:"error,omitempty"`
}

// PingRequest is a health check.
type PingRequest struct {
	SentAt int64 `msgpack:"sent_at"`
}

// PongResponse is the ping reply.
type PongResponse struct {
	SentAt     int64      `msgpack:"sent_at"`     // Echo back
	ReceivedAt int64      `msgpack:"received_at"` // When received
	Engine     EngineInfo `msgpack:"engine"`
}

// EngineInfo is the wire format for an engine snapshot.
type EngineInfo struct {
	Rank       int    `msgpack:"rank"`
	TPRank     int    `msgpack:"tp_rank"`
	WorldSize  int    `msgpack:"world_size"`
	NumBlocks  int    `msgpack:"num_blocks"`
	BlockBytes int64  `msgpack:"block_bytes"`
	DType      string `msgpack:"dtype"`
	Bound      bool   `msgpack:"bound"`
}

// ErrorResponse reports a request the receiver could not decode or dispatch.
type ErrorResponse struct {
	Message string `msgpack:"message"`
}

// WriteMessage writes a message to a writer.
func WriteMessage(w io.Writer, msgType MessageType, reqID uint64, payload interface{}) error {
	header := Header{
		Type:      msgType,
		RequestID: reqID,
		Timestamp: time.Now().UnixNano(),
	}

	data, err := msgpack.Marshal(payload)
	if err != nil {
		return err
	}
	if len(data) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}

	// header + length + payload in one write
	buf := make([]byte, 0, HeaderSize+4+len(data))
	buf = append(buf, SerializeHeader(header)...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)

	_, err = w.Write(buf)
	return err
}

// ReadMessage reads a message from a reader.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Header{}, nil, err
	}

	header, err := DeserializeHeader(headerBuf)
	if err != nil {
		return Header{}, nil, err
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Header{}, nil, err
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf)
	if payloadLen > MaxPayloadSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, err
	}

	return header, payload, nil
}

// DecodePayload unmarshals payload into target.
func DecodePayload(data []byte, target interface{}) error {
	return msgpack.Unmarshal(data, target)
}
