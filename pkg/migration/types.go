// Package migration defines the contract between the feature cache and a P2P
// memory-migration backend, plus an in-process reference backend.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownBackend   = errors.New("unknown migration backend")
	ErrDuplicateBackend = errors.New("migration backend already registered")
	ErrUnknownProtocol  = errors.New("unknown migration protocol")
	ErrNotInitialized   = errors.New("peer not initialized")
	ErrProtocolMismatch = errors.New("protocol mismatch")
)

// Protocol selects the transport a backend uses for one peer.
type Protocol string

const (
	TCP    Protocol = "tcp"
	RDMA   Protocol = "rdma"
	NVLink Protocol = "nvlink"
)

// ParseProtocol resolves a protocol name, case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case TCP, RDMA, NVLink:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// InitRequest asks a backend to prepare a link to one remote engine.
type InitRequest struct {
	LocalEngineID  string            `msgpack:"local_engine_id" json:"local_engine_id"`
	RemoteEngineID string            `msgpack:"remote_engine_id" json:"remote_engine_id"`
	Protocol       Protocol          `msgpack:"protocol" json:"protocol"`
	Rank           int               `msgpack:"rank" json:"rank"` // overwritten by the receiving engine
	Options        map[string]string `msgpack:"options,omitempty" json:"options,omitempty"`
}

// MRKeyFeaturePool is the region key under which the whole feature pool is registered.
const MRKeyFeaturePool = "feature_pool"

// RegisterMRMessage describes a span of device memory published to a backend.
type RegisterMRMessage struct {
	Protocol       Protocol `msgpack:"protocol" json:"protocol"`
	RemoteEngineID string   `msgpack:"remote_engine_id" json:"remote_engine_id"`
	MRKey          string   `msgpack:"mr_key" json:"mr_key"`
	Addr           uint64   `msgpack:"addr" json:"addr"`
	Offset         int64    `msgpack:"offset" json:"offset"`
	Length         int64    `msgpack:"length" json:"length"`
}

// EndpointInfo carries a backend's serialized endpoint description.
// EndpointInfo is opaque outside the backend that produced it.
type EndpointInfo struct {
	Protocol     Protocol `msgpack:"protocol" json:"protocol"`
	EndpointInfo string   `msgpack:"endpoint_info" json:"endpoint_info"`
}

// Backend performs the actual device-to-device transport.
type Backend interface {
	// P2PInitialize prepares local state for the remote engine in req.
	P2PInitialize(ctx context.Context, req InitRequest) error

	// RegisterMemoryRegion makes a span of device memory accessible to the remote engine.
	RegisterMemoryRegion(ctx context.Context, msg RegisterMRMessage) error

	// EndpointInfo returns the local endpoint description for the remote engine.
	// The result is serialized by the caller and handed to the peer unchanged.
	EndpointInfo(ctx context.Context, remoteEngineID string, proto Protocol) (any, error)

	// P2PConnect pairs the local endpoint with the remote one.
	P2PConnect(ctx context.Context, remoteEngineID string, remote EndpointInfo) error
}

// Factory constructs a backend instance.
type Factory func() (Backend, error)
