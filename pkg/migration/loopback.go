package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// LoopbackName is the registry name of the loopback backend.
const LoopbackName = "loopback"

// LoopbackEndpoint is the endpoint description the loopback backend publishes.
type LoopbackEndpoint struct {
	Backend       string              `json:"backend"`
	LocalEngineID string              `json:"local_engine_id"`
	Rank          int                 `json:"rank"`
	Protocol      Protocol            `json:"protocol"`
	Regions       []RegisterMRMessage `json:"regions"`
}

// LoopbackStats counts calls made against a loopback backend.
type LoopbackStats struct {
	Initialized int
	Registered  int
	Queried     int
	Connected   int
}

// Loopback is an in-process backend. It tracks the handshake state of every
// peer but moves no data; it stands in for an RDMA/NVLink backend on hosts
// without one.
type Loopback struct {
	mu      sync.Mutex
	peers   map[string]InitRequest
	regions map[string]map[string]RegisterMRMessage // remote engine -> mr key -> region
	remotes map[string]LoopbackEndpoint
	stats   LoopbackStats
}

// NewLoopback creates a loopback backend.
func NewLoopback() *Loopback {
	return &Loopback{
		peers:   make(map[string]InitRequest),
		regions: make(map[string]map[string]RegisterMRMessage),
		remotes: make(map[string]LoopbackEndpoint),
	}
}

// LoopbackFactory is a Factory producing fresh loopback backends.
func LoopbackFactory() (Backend, error) {
	return NewLoopback(), nil
}

// P2PInitialize records the peer.
func (l *Loopback) P2PInitialize(ctx context.Context, req InitRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.RemoteEngineID == "" {
		return fmt.Errorf("loopback: empty remote engine id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.peers[req.RemoteEngineID] = req
	l.stats.Initialized++
	return nil
}

// RegisterMemoryRegion stores the region for the peer, replacing any earlier
// region under the same key.
func (l *Loopback) RegisterMemoryRegion(ctx context.Context, msg RegisterMRMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.peers[msg.RemoteEngineID]; !ok {
		return fmt.Errorf("loopback register %s: %w: %s", msg.MRKey, ErrNotInitialized, msg.RemoteEngineID)
	}
	if msg.Length <= 0 {
		return fmt.Errorf("loopback register %s: invalid length %d", msg.MRKey, msg.Length)
	}

	byKey, ok := l.regions[msg.RemoteEngineID]
	if !ok {
		byKey = make(map[string]RegisterMRMessage)
		l.regions[msg.RemoteEngineID] = byKey
	}
	byKey[msg.MRKey] = msg
	l.stats.Registered++
	return nil
}

// EndpointInfo returns a LoopbackEndpoint listing the regions registered for the peer.
func (l *Loopback) EndpointInfo(ctx context.Context, remoteEngineID string, proto Protocol) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.peers[remoteEngineID]
	if !ok {
		return nil, fmt.Errorf("loopback endpoint: %w: %s", ErrNotInitialized, remoteEngineID)
	}
	if req.Protocol != proto {
		return nil, fmt.Errorf("loopback endpoint: %w: initialized with %s, queried with %s",
			ErrProtocolMismatch, req.Protocol, proto)
	}

	regions := make([]RegisterMRMessage, 0, len(l.regions[remoteEngineID]))
	for _, r := range l.regions[remoteEngineID] {
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].MRKey < regions[j].MRKey })
	l.stats.Queried++

	return LoopbackEndpoint{
		Backend:       LoopbackName,
		LocalEngineID: req.LocalEngineID,
		Rank:          req.Rank,
		Protocol:      proto,
		Regions:       regions,
	}, nil
}

// P2PConnect decodes the remote endpoint and binds it to the peer.
func (l *Loopback) P2PConnect(ctx context.Context, remoteEngineID string, remote EndpointInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.peers[remoteEngineID]
	if !ok {
		return fmt.Errorf("loopback connect: %w: %s", ErrNotInitialized, remoteEngineID)
	}
	if remote.Protocol != req.Protocol {
		return fmt.Errorf("loopback connect: %w: %s vs %s", ErrProtocolMismatch, remote.Protocol, req.Protocol)
	}

	var ep LoopbackEndpoint
	if err := json.Unmarshal([]byte(remote.EndpointInfo), &ep); err != nil {
		return fmt.Errorf("loopback connect: decode endpoint: %w", err)
	}
	if ep.Backend != LoopbackName {
		return fmt.Errorf("loopback connect: remote backend is %q", ep.Backend)
	}

	l.remotes[remoteEngineID] = ep
	l.stats.Connected++
	return nil
}

// Remote returns the endpoint the peer connected with.
func (l *Loopback) Remote(remoteEngineID string) (LoopbackEndpoint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ep, ok := l.remotes[remoteEngineID]
	return ep, ok
}

// Stats returns call counters.
func (l *Loopback) Stats() LoopbackStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close drops all peer state.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers = make(map[string]InitRequest)
	l.regions = make(map[string]map[string]RegisterMRMessage)
	l.remotes = make(map[string]LoopbackEndpoint)
	return nil
}

// Verify interface compliance.
var _ Backend = (*Loopback)(nil)
