// Package main pairs a producer engine group with a consumer engine group.
//
// Each group is given as comma-separated multiaddrs of its featurecache
// daemons in tp rank order. The tool connects to every daemon, runs the
// handshake and prints the resulting link as JSON.
//
// Usage:
//
//	featurecache-pair -producer-id encoder -producer /ip4/10.0.0.1/tcp/9000/p2p/12D3...,/ip4/10.0.0.2/tcp/9000/p2p/12D3... \
//		-consumer-id llm -consumer /ip4/10.0.0.3/tcp/9000/p2p/12D3... -protocol rdma
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/neurogrid/feature-cache-p2p/pkg/disagg"
	"github.com/neurogrid/feature-cache-p2p/pkg/logging"
	"github.com/neurogrid/feature-cache-p2p/pkg/migration"
	"github.com/neurogrid/feature-cache-p2p/pkg/transport"
)

// Config holds CLI configuration
type Config struct {
	ProducerID    string
	ProducerAddrs []string
	ConsumerID    string
	ConsumerAddrs []string
	Protocol      migration.Protocol
	Timeout       time.Duration
	Verbose       bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	level := "warn"
	if cfg.Verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level, Development: true})
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		log.Fatalf("Pairing failed: %v", err)
	}
}

func parseFlags() (Config, error) {
	var (
		cfg      Config
		producer string
		consumer string
		proto    string
	)

	flag.StringVar(&cfg.ProducerID, "producer-id", "encoder", "Producer engine id")
	flag.StringVar(&producer, "producer", "", "Producer daemon multiaddrs in tp rank order (comma-separated)")
	flag.StringVar(&cfg.ConsumerID, "consumer-id", "llm", "Consumer engine id")
	flag.StringVar(&consumer, "consumer", "", "Consumer daemon multiaddrs in tp rank order (comma-separated)")
	flag.StringVar(&proto, "protocol", string(migration.RDMA), "Migration protocol (tcp, rdma, nvlink)")
	flag.DurationVar(&cfg.Timeout, "timeout", time.Minute, "Overall pairing timeout")
	flag.BoolVar(&cfg.Verbose, "v", false, "Verbose output")
	flag.Parse()

	cfg.ProducerAddrs = splitAddrs(producer)
	cfg.ConsumerAddrs = splitAddrs(consumer)
	if len(cfg.ProducerAddrs) == 0 {
		return Config{}, fmt.Errorf("-producer is required")
	}
	if len(cfg.ConsumerAddrs) == 0 {
		return Config{}, fmt.Errorf("-consumer is required")
	}

	p, err := migration.ParseProtocol(proto)
	if err != nil {
		return Config{}, err
	}
	cfg.Protocol = p
	return cfg, nil
}

func splitAddrs(s string) []string {
	var addrs []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// dialGroup connects to every address and returns the group in the given order.
func dialGroup(ctx context.Context, node *transport.P2PNode, id string, addrs []string) (disagg.Group, error) {
	g := disagg.Group{EngineID: id}
	for i, addr := range addrs {
		pid, err := node.ConnectPeer(ctx, addr)
		if err != nil {
			return disagg.Group{}, fmt.Errorf("%s rank %d (%s): %w", id, i, addr, err)
		}
		g.Peers = append(g.Peers, node.Remote(pid))
	}
	return g, nil
}

func run(cfg Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	// Client-only node: it serves no engine.
	node, err := transport.NewP2PNode(ctx, transport.Config{ListenHost: "0.0.0.0"}, nil,
		transport.WithLogger(logger))
	if err != nil {
		return err
	}
	defer node.Close()

	producer, err := dialGroup(ctx, node, cfg.ProducerID, cfg.ProducerAddrs)
	if err != nil {
		return err
	}
	consumer, err := dialGroup(ctx, node, cfg.ConsumerID, cfg.ConsumerAddrs)
	if err != nil {
		return err
	}

	link, err := disagg.NewCoordinator(logger).Pair(ctx, producer, consumer, cfg.Protocol)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(link)
}
