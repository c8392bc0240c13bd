package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/weavernet/weaver/blockpool"
	"github.com/weavernet/weaver/clock"
	"github.com/weavernet/weaver/engine"
	"github.com/weavernet/weaver/genesis"
	"github.com/weavernet/weaver/kvstore"
	"github.com/weavernet/weaver/kvstore/badger"
	"github.com/weavernet/weaver/kvstore/memory"
	"github.com/weavernet/weaver/kvstore/sqlite"
	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/multiverse"
	"github.com/weavernet/weaver/p2p"
	"github.com/weavernet/weaver/pubsub"
	"github.com/weavernet/weaver/rpc"
)

// splitAndTrim splits a string by delimiter and trims whitespace from each part.
func splitAndTrim(s, delim string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, delim)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	storageType := flag.String("storage", "badger", "Storage type: memory, badger or sqlite")
	dataDir := flag.String("data-dir", envDefault("BC_DATA_DIR", "./data"), "Data directory")
	miner := flag.String("miner", "", "Miner address (required)")
	minerBin := flag.String("miner-bin", "", "Path to the weaver-miner binary")
	p2pPort := flag.Int("p2p-port", 9905, "P2P listen port")
	network := flag.String("network", "mainnet", "Gossip network name")
	bootstrapPeers := flag.String("bootstrap-peers", "", "Comma-separated list of bootstrap peer multiaddrs")
	peerRPC := flag.String("peer-rpc", "", "RPC URL of a peer used for backward sync and bootstrap")
	rpcAddr := flag.String("rpc-addr", ":9906", "Peer RPC listen address")
	noP2P := flag.Bool("no-p2p", false, "Run without gossip networking")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *miner == "" {
		log.Fatal("-miner address is required")
	}

	binPath := *minerBin
	if binPath == "" {
		self, err := os.Executable()
		if err != nil {
			log.Fatalf("Cannot locate miner binary: %v", err)
		}
		binPath = filepath.Join(filepath.Dir(self), "weaver-miner")
	}

	var store kvstore.Store
	var err error

	switch *storageType {
	case "memory":
		log.Println("Using in-memory storage")
		store = memory.New()
	case "badger":
		log.Printf("Using BadgerDB storage at %s", *dataDir)
		store, err = badger.New(&badger.Config{DataDir: *dataDir})
		if err != nil {
			log.Fatalf("Failed to initialize BadgerDB: %v", err)
		}
	case "sqlite":
		log.Printf("Using SQLite storage at %s", *dataDir)
		store, err = sqlite.New(&sqlite.Config{DBPath: filepath.Join(*dataDir, "weaver.db")})
		if err != nil {
			log.Fatalf("Failed to initialize SQLite: %v", err)
		}
	default:
		log.Fatalf("Unknown storage type: %s (use 'memory', 'badger' or 'sqlite')", *storageType)
	}
	defer store.Close()

	ctx := context.Background()

	ntp := clock.NewNTP(nil, logger)
	ntp.Start(ctx)
	defer ntp.Stop()

	gen := genesis.Block()
	bus := pubsub.New()
	mv := multiverse.New()

	pool, err := blockpool.New(store, bus, gen.Hash, logger)
	if err != nil {
		log.Fatalf("Failed to create block pool: %v", err)
	}

	passive := os.Getenv("BC_P2P_PASSIVE") != ""
	persistRovers := os.Getenv("PERSIST_ROVER_DATA") != "false"

	var gossip *p2p.Gossip
	var broadcaster p2p.Broadcaster = p2p.NoopBroadcaster{}
	if !*noP2P {
		gossip, err = p2p.NewGossip(&p2p.Config{
			Port:           *p2pPort,
			BootstrapPeers: splitAndTrim(*bootstrapPeers, ","),
			Network:        *network,
			PeerCacheFile:  filepath.Join(*dataDir, "peer_cache.json"),
			Passive:        passive,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to create gossip client: %v", err)
		}
		if err := gossip.Start(); err != nil {
			log.Fatalf("Failed to start gossip client: %v", err)
		}
		defer gossip.Stop()
		broadcaster = gossip
	}

	eng, err := engine.New(engine.Config{
		MinerAddress:     *miner,
		MinerBinary:      binPath,
		PersistRoverData: persistRovers,
	}, ntp, store, bus, mv, pool, broadcaster, gen, logger)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	if err := eng.Init(ctx, ""); err != nil {
		var fatal *engine.FatalError
		if errors.As(err, &fatal) {
			logger.Error("init failed", "error", fatal.Err)
			os.Exit(fatal.Code)
		}
		log.Fatalf("Failed to initialize engine: %v", err)
	}

	// Optional bootstrap peer: a failed initial fetch is fatal.
	var syncPeer p2p.Peer
	if *peerRPC != "" {
		client := rpc.NewClient(*peerRPC)
		latest, err := client.GetLatestHeader(ctx)
		if err != nil {
			logger.Error("bootstrap fetch failed", "peer", *peerRPC, "error", err)
			os.Exit(engine.ExitBootstrapFetch)
		}
		logger.Info("bootstrap peer reachable", "height", latest.Height)
		syncPeer = client
	}

	eng.Start(ctx)
	defer eng.Stop()

	server := rpc.NewServer(*rpcAddr, rpc.NewHandler(store, mv, logger), logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("rpc server failed", "error", err)
		}
	}()
	defer server.Stop(ctx)

	log.Printf("Node started | RPC: %s | Network: %s", *rpcAddr, *network)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	monitor := os.Getenv("BC_MONITOR") != ""
	statusTicker := time.NewTicker(5 * time.Minute)
	defer statusTicker.Stop()

	var peerBlocks <-chan *models.ParentBlock
	if gossip != nil {
		peerBlocks = gossip.Blocks()
	}

	for {
		select {
		case <-sigCh:
			log.Println("Shutting down...")
			return

		case <-statusTicker.C:
			if monitor && gossip != nil {
				log.Printf("Status: connected to %d peers", gossip.PeerCount())
			}

		case block := <-peerBlocks:
			if err := eng.OnPeerBlock(ctx, syncPeer, block); err != nil {
				logger.Warn("failed to handle peer block", "error", err)
			}
		}
	}
}
