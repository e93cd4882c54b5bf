package disagg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/neurogrid/feature-cache-p2p/pkg/cache"
	"github.com/neurogrid/feature-cache-p2p/pkg/gpu"
	"github.com/neurogrid/feature-cache-p2p/pkg/migration"
)

// fakePeer returns endpoint "<engine>/<rank>" and records what it was given.
type fakePeer struct {
	mu        sync.Mutex
	inits     []migration.InitRequest
	connected []migration.EndpointInfo
	initErr   error
	connErr   error
}

func (p *fakePeer) Initialize(ctx context.Context, req migration.InitRequest) ([]migration.EndpointInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inits = append(p.inits, req)
	if p.initErr != nil {
		return nil, p.initErr
	}
	return []migration.EndpointInfo{{
		Protocol:     req.Protocol,
		EndpointInfo: fmt.Sprintf("%s/%d", req.LocalEngineID, req.Rank),
	}}, nil
}

func (p *fakePeer) Connect(ctx context.Context, remoteEngineID string, endpoints []migration.EndpointInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connErr != nil {
		return p.connErr
	}
	p.connected = endpoints
	return nil
}

func fakeGroup(id string, n int) (Group, []*fakePeer) {
	fakes := make([]*fakePeer, n)
	g := Group{EngineID: id, Peers: make([]Peer, n)}
	for i := range fakes {
		fakes[i] = &fakePeer{}
		g.Peers[i] = fakes[i]
	}
	return g, fakes
}

func TestCoordinator_Pair(t *testing.T) {
	c := NewCoordinator(zaptest.NewLogger(t))
	producer, encoders := fakeGroup("encoder", 2)
	consumer, llms := fakeGroup("llm", 2)

	link, err := c.Pair(context.Background(), producer, consumer, migration.RDMA)
	require.NoError(t, err)
	assert.Equal(t, "encoder", link.Producer)
	assert.Equal(t, 2, link.ConsumerRanks)

	for i, p := range encoders {
		require.Len(t, p.inits, 1)
		assert.Equal(t, "llm", p.inits[0].RemoteEngineID)
		assert.Equal(t, i, p.inits[0].Rank)
		assert.Equal(t, []migration.EndpointInfo{
			{Protocol: migration.RDMA, EndpointInfo: "llm/0"},
			{Protocol: migration.RDMA, EndpointInfo: "llm/1"},
		}, p.connected)
	}
	for _, p := range llms {
		assert.Equal(t, "encoder/1", p.connected[1].EndpointInfo)
	}

	got, ok := c.Link("encoder", "llm")
	require.True(t, ok)
	assert.Equal(t, link, got)
	assert.Len(t, c.Links(), 1)
}

func TestCoordinator_InitializeFailure(t *testing.T) {
	c := NewCoordinator(nil)
	producer, encoders := fakeGroup("encoder", 2)
	consumer, llms := fakeGroup("llm", 1)

	boom := errors.New("no route")
	encoders[1].initErr = boom

	_, err := c.Pair(context.Background(), producer, consumer, migration.TCP)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	// Nothing connects when any rank failed to initialize.
	for _, p := range append(encoders, llms...) {
		assert.Nil(t, p.connected)
	}
	_, ok := c.Link("encoder", "llm")
	assert.False(t, ok)
}

func TestCoordinator_ConnectFailure(t *testing.T) {
	c := NewCoordinator(nil)
	producer, _ := fakeGroup("encoder", 1)
	consumer, llms := fakeGroup("llm", 1)
	llms[0].connErr = errors.New("qp error")

	_, err := c.Pair(context.Background(), producer, consumer, migration.TCP)
	require.Error(t, err)
	assert.Empty(t, c.Links())
}

func TestCoordinator_InvalidGroups(t *testing.T) {
	c := NewCoordinator(nil)
	g, _ := fakeGroup("a", 1)

	_, err := c.Pair(context.Background(), Group{EngineID: "empty"}, g, migration.TCP)
	assert.True(t, errors.Is(err, ErrEmptyGroup))

	_, err = c.Pair(context.Background(), g, g, migration.TCP)
	assert.True(t, errors.Is(err, ErrSameEngine))

	_, err = c.Pair(context.Background(), Group{Peers: g.Peers}, g, migration.TCP)
	assert.Error(t, err)
}

func TestCoordinator_PairEngines(t *testing.T) {
	const tp = 2

	newGroup := func(id string) (Group, []*cache.Engine) {
		g := Group{EngineID: id}
		var engines []*cache.Engine
		for i := 0; i < tp; i++ {
			cfg := cache.DefaultEngineConfig()
			cfg.NumGPUBlocks = 1
			cfg.Identity = cache.RankIdentity{Rank: i, TPRank: i, WorldSize: tp}
			e, err := cache.NewEngine(cfg, gpu.NewMockDevice(i, 0), migration.LoopbackFactory)
			require.NoError(t, err)
			t.Cleanup(func() { e.Close() })
			g.Peers = append(g.Peers, e)
			engines = append(engines, e)
		}
		return g, engines
	}

	producer, encoders := newGroup("encoder")
	consumer, llms := newGroup("llm")

	c := NewCoordinator(zaptest.NewLogger(t))
	_, err := c.Pair(context.Background(), producer, consumer, migration.NVLink)
	require.NoError(t, err)

	for _, e := range append(encoders, llms...) {
		assert.Equal(t, cache.Bound, e.BindingState())
	}

	// Pairing again repeats the handshake on the bound backends.
	_, err = c.Pair(context.Background(), producer, consumer, migration.NVLink)
	require.NoError(t, err)
}
