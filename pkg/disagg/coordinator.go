// Package disagg pairs the feature caches of a producer engine group (the
// encoder) with a consumer group (the language model) so features can move
// between them device to device.
package disagg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/neurogrid/feature-cache-p2p/pkg/migration"
)

var (
	ErrEmptyGroup    = errors.New("engine group has no peers")
	ErrSameEngine    = errors.New("producer and consumer share an engine id")
	ErrEndpointCount = errors.New("peer returned unexpected endpoint count")
)

// Peer is one rank's feature cache engine, in process or behind a transport.
// *cache.Engine and *transport.RemoteEngine implement it.
type Peer interface {
	Initialize(ctx context.Context, req migration.InitRequest) ([]migration.EndpointInfo, error)
	Connect(ctx context.Context, remoteEngineID string, endpoints []migration.EndpointInfo) error
}

// Group is the set of ranks of one engine. Peers[i] has tp rank i.
type Group struct {
	EngineID string
	Peers    []Peer
}

func (g Group) validate() error {
	if g.EngineID == "" {
		return errors.New("engine group has no id")
	}
	if len(g.Peers) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyGroup, g.EngineID)
	}
	return nil
}

// Link records a completed pairing.
type Link struct {
	Producer      string             `json:"producer"`
	Consumer      string             `json:"consumer"`
	Protocol      migration.Protocol `json:"protocol"`
	ProducerRanks int                `json:"producer_ranks"`
	ConsumerRanks int                `json:"consumer_ranks"`
	EstablishedAt time.Time          `json:"established_at"`
}

type linkKey struct {
	producer, consumer string
}

// Coordinator drives the two-phase handshake between engine groups.
type Coordinator struct {
	logger *zap.Logger

	mu    sync.RWMutex
	links map[linkKey]Link
}

// NewCoordinator creates a coordinator. A nil logger discards output.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		logger: logger,
		links:  make(map[linkKey]Link),
	}
}

// Pair initializes every rank of both groups toward the other, then hands each
// side the other's endpoints ordered by tp rank. A link is recorded only if
// every call succeeded; pairing the same groups again repeats the handshake.
func (c *Coordinator) Pair(ctx context.Context, producer, consumer Group, proto migration.Protocol) (Link, error) {
	if err := producer.validate(); err != nil {
		return Link{}, err
	}
	if err := consumer.validate(); err != nil {
		return Link{}, err
	}
	if producer.EngineID == consumer.EngineID {
		return Link{}, fmt.Errorf("%w: %s", ErrSameEngine, producer.EngineID)
	}

	logger := c.logger.With(
		zap.String("producer", producer.EngineID),
		zap.String("consumer", consumer.EngineID),
		zap.String("protocol", string(proto)))

	// Phase one: every rank prepares for the other engine.
	var (
		producerEps []migration.EndpointInfo
		consumerEps []migration.EndpointInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		producerEps, err = initializeGroup(gctx, producer, consumer.EngineID, proto)
		return err
	})
	g.Go(func() (err error) {
		consumerEps, err = initializeGroup(gctx, consumer, producer.EngineID, proto)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Warn("Pairing initialize failed", zap.Error(err))
		return Link{}, err
	}

	// Phase two: every rank connects to its counterpart.
	g, gctx = errgroup.WithContext(ctx)
	connectGroup(gctx, g, consumer, producer.EngineID, producerEps)
	connectGroup(gctx, g, producer, consumer.EngineID, consumerEps)
	if err := g.Wait(); err != nil {
		logger.Warn("Pairing connect failed", zap.Error(err))
		return Link{}, err
	}

	link := Link{
		Producer:      producer.EngineID,
		Consumer:      consumer.EngineID,
		Protocol:      proto,
		ProducerRanks: len(producer.Peers),
		ConsumerRanks: len(consumer.Peers),
		EstablishedAt: time.Now(),
	}

	c.mu.Lock()
	c.links[linkKey{producer.EngineID, consumer.EngineID}] = link
	c.mu.Unlock()

	logger.Info("Paired engines",
		zap.Int("producer_ranks", link.ProducerRanks),
		zap.Int("consumer_ranks", link.ConsumerRanks))
	return link, nil
}

// initializeGroup runs Initialize on every rank of g and returns the
// endpoints in tp rank order.
func initializeGroup(ctx context.Context, g Group, remoteEngineID string, proto migration.Protocol) ([]migration.EndpointInfo, error) {
	eps := make([]migration.EndpointInfo, len(g.Peers))

	eg, ctx := errgroup.WithContext(ctx)
	for i, p := range g.Peers {
		eg.Go(func() error {
			got, err := p.Initialize(ctx, migration.InitRequest{
				LocalEngineID:  g.EngineID,
				RemoteEngineID: remoteEngineID,
				Protocol:       proto,
				Rank:           i,
			})
			if err != nil {
				return fmt.Errorf("initialize %s rank %d: %w", g.EngineID, i, err)
			}
			if len(got) != 1 {
				return fmt.Errorf("initialize %s rank %d: %w: %d", g.EngineID, i, ErrEndpointCount, len(got))
			}
			eps[i] = got[0]
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return eps, nil
}

func connectGroup(ctx context.Context, eg *errgroup.Group, g Group, remoteEngineID string, eps []migration.EndpointInfo) {
	for i, p := range g.Peers {
		eg.Go(func() error {
			if err := p.Connect(ctx, remoteEngineID, eps); err != nil {
				return fmt.Errorf("connect %s rank %d to %s: %w", g.EngineID, i, remoteEngineID, err)
			}
			return nil
		})
	}
}

// Link returns the recorded pairing of producer and consumer.
func (c *Coordinator) Link(producer, consumer string) (Link, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.links[linkKey{producer, consumer}]
	return l, ok
}

// Links returns all recorded pairings ordered by producer then consumer.
func (c *Coordinator) Links() []Link {
	c.mu.RLock()
	links := make([]Link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.RUnlock()

	sort.Slice(links, func(i, j int) bool {
		if links[i].Producer != links[j].Producer {
			return links[i].Producer < links[j].Producer
		}
		return links[i].Consumer < links[j].Consumer
	})
	return links
}
