package migration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]Protocol{"rdma": RDMA, "RDMA": RDMA, " nvlink": NVLink, "tcp": TCP} {
		got, err := ParseProtocol(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseProtocol("carrier-pigeon")
	assert.True(t, errors.Is(err, ErrUnknownProtocol))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(LoopbackName, LoopbackFactory))
	require.NoError(t, r.Register("another", LoopbackFactory))

	err := r.Register(LoopbackName, LoopbackFactory)
	assert.True(t, errors.Is(err, ErrDuplicateBackend))

	assert.Error(t, r.Register("", LoopbackFactory))
	assert.Error(t, r.Register("nil", nil))

	f, err := r.Factory(LoopbackName)
	require.NoError(t, err)
	b, err := f()
	require.NoError(t, err)
	assert.IsType(t, &Loopback{}, b)

	_, err = r.Factory("DLSlime")
	assert.True(t, errors.Is(err, ErrUnknownBackend))

	assert.Equal(t, []string{"another", LoopbackName}, r.Names())
}

func TestLoopback_Handshake(t *testing.T) {
	ctx := context.Background()
	local := NewLoopback()
	remote := NewLoopback()

	// Each side prepares for the other.
	require.NoError(t, local.P2PInitialize(ctx, InitRequest{LocalEngineID: "enc", RemoteEngineID: "llm", Protocol: RDMA, Rank: 1}))
	require.NoError(t, remote.P2PInitialize(ctx, InitRequest{LocalEngineID: "llm", RemoteEngineID: "enc", Protocol: RDMA}))

	require.NoError(t, local.RegisterMemoryRegion(ctx, RegisterMRMessage{
		Protocol: RDMA, RemoteEngineID: "llm", MRKey: MRKeyFeaturePool, Addr: 0x1000, Length: 4096,
	}))

	info, err := local.EndpointInfo(ctx, "llm", RDMA)
	require.NoError(t, err)
	ep := info.(LoopbackEndpoint)
	assert.Equal(t, "enc", ep.LocalEngineID)
	assert.Equal(t, 1, ep.Rank)
	require.Len(t, ep.Regions, 1)
	assert.Equal(t, uint64(0x1000), ep.Regions[0].Addr)

	blob, err := json.Marshal(info)
	require.NoError(t, err)

	require.NoError(t, remote.P2PConnect(ctx, "enc", EndpointInfo{Protocol: RDMA, EndpointInfo: string(blob)}))

	got, ok := remote.Remote("enc")
	require.True(t, ok)
	assert.Equal(t, ep.Regions, got.Regions)
	assert.Equal(t, LoopbackStats{Initialized: 1, Connected: 1}, remote.Stats())
	assert.Equal(t, LoopbackStats{Initialized: 1, Registered: 1, Queried: 1}, local.Stats())
}

func TestLoopback_Errors(t *testing.T) {
	ctx := context.Background()
	l := NewLoopback()

	err := l.RegisterMemoryRegion(ctx, RegisterMRMessage{RemoteEngineID: "x", Length: 1})
	assert.True(t, errors.Is(err, ErrNotInitialized))

	_, err = l.EndpointInfo(ctx, "x", TCP)
	assert.True(t, errors.Is(err, ErrNotInitialized))

	err = l.P2PConnect(ctx, "x", EndpointInfo{Protocol: TCP})
	assert.True(t, errors.Is(err, ErrNotInitialized))

	require.NoError(t, l.P2PInitialize(ctx, InitRequest{RemoteEngineID: "x", Protocol: TCP}))

	_, err = l.EndpointInfo(ctx, "x", RDMA)
	assert.True(t, errors.Is(err, ErrProtocolMismatch))

	err = l.P2PConnect(ctx, "x", EndpointInfo{Protocol: TCP, EndpointInfo: "not json"})
	assert.Error(t, err)

	err = l.P2PConnect(ctx, "x", EndpointInfo{Protocol: TCP, EndpointInfo: `{"backend":"DLSlime"}`})
	assert.Error(t, err)

	assert.Error(t, l.RegisterMemoryRegion(ctx, RegisterMRMessage{RemoteEngineID: "x", Length: 0}))
	assert.Error(t, l.P2PInitialize(ctx, InitRequest{}))
}
