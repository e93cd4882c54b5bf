// Package transport carries the feature cache handshake between hosts over libp2p.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/neurogrid/feature-cache-p2p/pkg/cache"
	"github.com/neurogrid/feature-cache-p2p/pkg/migration"
	"github.com/neurogrid/feature-cache-p2p/pkg/protocol"
)

const (
	// ServiceTag for mDNS discovery
	ServiceTag = "neurogrid-featurecache"

	// DefaultRequestTimeout bounds a request when the caller's context has no deadline.
	DefaultRequestTimeout = 30 * time.Second
)

// Handler serves handshake requests arriving from peers. *cache.Engine implements it.
type Handler interface {
	Initialize(ctx context.Context, req migration.InitRequest) ([]migration.EndpointInfo, error)
	Connect(ctx context.Context, remoteEngineID string, endpoints []migration.EndpointInfo) error
	Info() cache.Info
}

// P2PNode serves one engine's handshake over libp2p and issues requests to peers.
type P2PNode struct {
	host     host.Host
	handler  Handler
	logger   *zap.Logger
	messages *prometheus.CounterVec
	mdns     mdns.Service
	peers    map[peer.ID]*PeerState
	peersMu  sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	reqIDGen atomic.Uint64
}

// PeerState tracks state of a connected peer.
type PeerState struct {
	ID        peer.ID
	Addrs     []multiaddr.Multiaddr
	LastSeen  time.Time
	Connected bool
}

// response wraps response data.
type response struct {
	header  protocol.Header
	payload []byte
}

// Config holds P2P node configuration.
type Config struct {
	ListenHost     string
	ListenPort     int
	EnableMDNS     bool
	BootstrapPeers []string // Multiaddrs of bootstrap peers
	ExternalIP     string   // External/public IP to announce (optional)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		ListenHost: "0.0.0.0",
		ListenPort: 9000,
		EnableMDNS: true,
	}
}

// NodeOption configures a P2PNode.
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger sets the node logger.
func WithLogger(l *zap.Logger) NodeOption {
	return func(o *nodeOptions) { o.logger = l }
}

// WithRegisterer registers the node's collectors with reg.
func WithRegisterer(reg prometheus.Registerer) NodeOption {
	return func(o *nodeOptions) { o.registerer = reg }
}

// NewP2PNode creates a new P2P node serving handler. handler may be nil.
func NewP2PNode(ctx context.Context, cfg Config, handler Handler, opts ...NodeOption) (*P2PNode, error) {
	o := nodeOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	listenHost := cfg.ListenHost
	if listenHost == "" {
		listenHost = "0.0.0.0"
	}

	listenAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", listenHost, cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("invalid listen address: %w", err)
	}

	libp2pOpts := []libp2p.Option{
		libp2p.ListenAddrs(listenAddr),
	}

	// If external IP is specified, announce it
	if cfg.ExternalIP != "" {
		externalAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ExternalIP, cfg.ListenPort))
		if err != nil {
			return nil, fmt.Errorf("invalid external address: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.AddrsFactory(func(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
			return append(addrs, externalAddr)
		}))
		o.logger.Info("Announcing external address", zap.Stringer("addr", externalAddr))
	}

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "featurecache",
		Subsystem: "transport",
		Name:      "messages_total",
		Help:      "Handshake messages served, by type and result.",
	}, []string{"type", "result"})
	if o.registerer != nil {
		if err := o.registerer.Register(messages); err != nil {
			return nil, fmt.Errorf("register transport metrics: %w", err)
		}
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	node := &P2PNode{
		host:     h,
		handler:  handler,
		logger:   o.logger.With(zap.Stringer("peer_id", h.ID())),
		messages: messages,
		peers:    make(map[peer.ID]*PeerState),
		ctx:      nodeCtx,
		cancel:   cancel,
	}

	// A node without a handler only issues requests.
	if handler != nil {
		h.SetStreamHandler(libp2pprotocol.ID(protocol.ProtocolID), node.handleStream)
	}

	if cfg.EnableMDNS {
		node.mdns = mdns.NewMdnsService(h, ServiceTag, &discoveryNotifee{node: node})
		if err := node.mdns.Start(); err != nil {
			node.logger.Warn("mDNS start failed", zap.Error(err))
		}
	}

	for _, addr := range cfg.BootstrapPeers {
		if _, err := node.ConnectPeer(ctx, addr); err != nil {
			node.logger.Warn("Failed to connect to bootstrap peer", zap.String("addr", addr), zap.Error(err))
		}
	}

	node.logger.Info("P2P node started", zap.Strings("addrs", node.Addrs()))
	return node, nil
}

// ID returns the node's peer ID.
func (n *P2PNode) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's dialable multiaddrs including the /p2p component.
func (n *P2PNode) Addrs() []string {
	addrs := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// ConnectPeer connects to a peer by multiaddr and adds it to the peer list.
func (n *P2PNode) ConnectPeer(ctx context.Context, addr string) (peer.ID, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}

	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return "", err
	}

	if err := n.host.Connect(ctx, *pi); err != nil {
		return "", err
	}

	n.addPeer(*pi)
	n.logger.Info("Connected to peer", zap.Stringer("remote_peer", pi.ID))
	return pi.ID, nil
}

func (n *P2PNode) addPeer(pi peer.AddrInfo) {
	n.peersMu.Lock()
	n.peers[pi.ID] = &PeerState{
		ID:        pi.ID,
		Addrs:     pi.Addrs,
		LastSeen:  time.Now(),
		Connected: true,
	}
	n.peersMu.Unlock()
}

// handleStream processes incoming streams (requests from other nodes).
func (n *P2PNode) handleStream(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	_ = s.SetDeadline(time.Now().Add(DefaultRequestTimeout))

	header, payload, err := protocol.ReadMessage(s)
	if err != nil {
		n.logger.Warn("Error reading message", zap.Stringer("remote_peer", remote), zap.Error(err))
		return
	}

	var (
		respType protocol.MessageType
		resp     interface{}
		result   = "ok"
	)

	switch header.Type {
	case protocol.MsgInit:
		respType = protocol.MsgInitAck
		resp, result = n.handleInit(payload)
	case protocol.MsgConnect:
		respType = protocol.MsgConnectAck
		resp, result = n.handleConnect(payload)
	case protocol.MsgPing:
		respType = protocol.MsgPong
		resp, result = n.handlePing(payload)
	default:
		respType, resp, result = protocol.MsgError, protocol.ErrorResponse{
			Message: fmt.Sprintf("unsupported message type %s", header.Type),
		}, "unsupported"
	}
	n.messages.WithLabelValues(header.Type.String(), result).Inc()

	if err := protocol.WriteMessage(s, respType, header.RequestID, resp); err != nil {
		n.logger.Warn("Error writing response",
			zap.Stringer("remote_peer", remote),
			zap.Stringer("type", respType),
			zap.Error(err))
	}
}

func decodeError(err error) (interface{}, string) {
	return protocol.ErrorResponse{Message: fmt.Sprintf("decode request: %v", err)}, "malformed"
}

// handleInit runs Initialize on the local engine.
func (n *P2PNode) handleInit(payload []byte) (interface{}, string) {
	var req protocol.InitRequest
	if err := protocol.DecodePayload(payload, &req); err != nil {
		return decodeError(err)
	}

	eps, err := n.handler.Initialize(n.ctx, req.Request)
	if err != nil {
		n.logger.Warn("Initialize failed", zap.String("remote_engine_id", req.Request.RemoteEngineID), zap.Error(err))
		return protocol.InitResponse{Error: err.Error()}, "error"
	}
	return protocol.InitResponse{Endpoints: eps}, "ok"
}

// handleConnect runs Connect on the local engine.
func (n *P2PNode) handleConnect(payload []byte) (interface{}, string) {
	var req protocol.ConnectRequest
	if err := protocol.DecodePayload(payload, &req); err != nil {
		return decodeError(err)
	}

	if err := n.handler.Connect(n.ctx, req.RemoteEngineID, req.Endpoints); err != nil {
		n.logger.Warn("Connect failed", zap.String("remote_engine_id", req.RemoteEngineID), zap.Error(err))
		return protocol.ConnectResponse{Error: err.Error()}, "error"
	}
	return protocol.ConnectResponse{}, "ok"
}

// handlePing reports the local engine state.
func (n *P2PNode) handlePing(payload []byte) (interface{}, string) {
	var req protocol.PingRequest
	if err := protocol.DecodePayload(payload, &req); err != nil {
		return decodeError(err)
	}

	return protocol.PongResponse{
		SentAt:     req.SentAt,
		ReceivedAt: time.Now().UnixNano(),
		Engine:     infoToWire(n.handler.Info()),
	}, "ok"
}

// sendRequest sends a request and waits for response on the same stream.
func (n *P2PNode) sendRequest(ctx context.Context, pid peer.ID, msgType protocol.MessageType, payload interface{}) (*response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	s, err := n.host.NewStream(ctx, pid, libp2pprotocol.ID(protocol.ProtocolID))
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer s.Close()

	reqID := n.reqIDGen.Add(1)
	if err := protocol.WriteMessage(s, msgType, reqID, payload); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}

	respChan := make(chan *response, 1)
	errChan := make(chan error, 1)

	go func() {
		header, respPayload, err := protocol.ReadMessage(s)
		if err != nil {
			errChan <- fmt.Errorf("failed to read response: %w", err)
			return
		}
		respChan <- &response{header: header, payload: respPayload}
	}()

	select {
	case resp := <-respChan:
		if resp.header.RequestID != reqID {
			return nil, fmt.Errorf("response for request %d, want %d", resp.header.RequestID, reqID)
		}
		if resp.header.Type == protocol.MsgError {
			var e protocol.ErrorResponse
			if err := protocol.DecodePayload(resp.payload, &e); err != nil {
				return nil, fmt.Errorf("decode error response: %w", err)
			}
			return nil, &RemoteError{Peer: pid, Op: msgType.String(), Message: e.Message}
		}
		return resp, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		s.Reset()
		return nil, ctx.Err()
	}
}

// Peers returns list of connected peers.
func (n *P2PNode) Peers() []PeerState {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]PeerState, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, *p)
	}
	return peers
}

// Close shuts down the node.
func (n *P2PNode) Close() error {
	n.cancel()
	var err error
	if n.mdns != nil {
		err = multierr.Append(err, n.mdns.Close())
	}
	return multierr.Append(err, n.host.Close())
}

// Host returns the underlying libp2p host.
func (n *P2PNode) Host() host.Host {
	return n.host
}

// discoveryNotifee handles mDNS discovery.
type discoveryNotifee struct {
	node *P2PNode
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() {
		return
	}
	d.node.logger.Debug("Discovered peer", zap.Stringer("remote_peer", pi.ID))

	if err := d.node.host.Connect(d.node.ctx, pi); err != nil {
		d.node.logger.Warn("Failed to connect to discovered peer", zap.Stringer("remote_peer", pi.ID), zap.Error(err))
		return
	}

	d.node.addPeer(pi)
	d.node.logger.Info("Connected to peer", zap.Stringer("remote_peer", pi.ID))
}

func infoToWire(info cache.Info) protocol.EngineInfo {
	return protocol.EngineInfo{
		Rank:       info.Identity.Rank,
		TPRank:     info.Identity.TPRank,
		WorldSize:  info.Identity.WorldSize,
		NumBlocks:  info.NumBlocks,
		BlockBytes: info.BlockBytes,
		DType:      info.DType.String(),
		Bound:      info.Binding == cache.Bound,
	}
}
