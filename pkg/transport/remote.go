package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/neurogrid/feature-cache-p2p/pkg/migration"
	"github.com/neurogrid/feature-cache-p2p/pkg/protocol"
)

// RemoteError is a failure reported by the serving peer.
type RemoteError struct {
	Peer    peer.ID
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s %s: %s", e.Peer, e.Op, e.Message)
}

// RemoteEngine issues handshake calls to the engine served by one peer.
type RemoteEngine struct {
	node *P2PNode
	peer peer.ID
}

// Remote returns a client for the engine served by pid. The peer must be
// reachable; no request is sent until a method is called.
func (n *P2PNode) Remote(pid peer.ID) *RemoteEngine {
	return &RemoteEngine{node: n, peer: pid}
}

// Peer returns the remote peer ID.
func (r *RemoteEngine) Peer() peer.ID {
	return r.peer
}

// Initialize asks the remote engine to prepare a link and returns its endpoints.
func (r *RemoteEngine) Initialize(ctx context.Context, req migration.InitRequest) ([]migration.EndpointInfo, error) {
	resp, err := r.call(ctx, protocol.MsgInit, protocol.MsgInitAck, protocol.InitRequest{Request: req})
	if err != nil {
		return nil, err
	}

	var ack protocol.InitResponse
	if err := protocol.DecodePayload(resp.payload, &ack); err != nil {
		return nil, fmt.Errorf("decode init response: %w", err)
	}
	if ack.Error != "" {
		return nil, &RemoteError{Peer: r.peer, Op: protocol.MsgInit.String(), Message: ack.Error}
	}
	return ack.Endpoints, nil
}

// Connect hands the remote engine the endpoints of remoteEngineID, ordered by tp rank.
func (r *RemoteEngine) Connect(ctx context.Context, remoteEngineID string, endpoints []migration.EndpointInfo) error {
	resp, err := r.call(ctx, protocol.MsgConnect, protocol.MsgConnectAck, protocol.ConnectRequest{
		RemoteEngineID: remoteEngineID,
		Endpoints:      endpoints,
	})
	if err != nil {
		return err
	}

	var ack protocol.ConnectResponse
	if err := protocol.DecodePayload(resp.payload, &ack); err != nil {
		return fmt.Errorf("decode connect response: %w", err)
	}
	if ack.Error != "" {
		return &RemoteError{Peer: r.peer, Op: protocol.MsgConnect.String(), Message: ack.Error}
	}
	return nil
}

// Ping returns the remote engine's state and the round trip time.
func (r *RemoteEngine) Ping(ctx context.Context) (protocol.EngineInfo, time.Duration, error) {
	start := time.Now()
	resp, err := r.call(ctx, protocol.MsgPing, protocol.MsgPong, protocol.PingRequest{SentAt: start.UnixNano()})
	if err != nil {
		return protocol.EngineInfo{}, 0, err
	}

	var pong protocol.PongResponse
	if err := protocol.DecodePayload(resp.payload, &pong); err != nil {
		return protocol.EngineInfo{}, 0, fmt.Errorf("decode pong: %w", err)
	}
	return pong.Engine, time.Since(start), nil
}

func (r *RemoteEngine) call(ctx context.Context, reqType, ackType protocol.MessageType, payload interface{}) (*response, error) {
	resp, err := r.node.sendRequest(ctx, r.peer, reqType, payload)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", reqType, r.peer, err)
	}
	if resp.header.Type != ackType {
		return nil, fmt.Errorf("%s %s: unexpected response type %s", reqType, r.peer, resp.header.Type)
	}
	return resp, nil
}
