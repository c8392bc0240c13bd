package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	p2p "github.com/bsv-blockchain/go-p2p-message-bus"
	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/weavernet/weaver/models"
)

// Config holds gossip configuration.
type Config struct {
	Port           int
	BootstrapPeers []string
	PrivateKey     string // hex-encoded private key
	Network        string // e.g. "mainnet", "testnet"
	PeerCacheFile  string
	Passive        bool // no outbound dials
}

// Gossip publishes mined parent blocks and surfaces blocks announced by
// peers over a libp2p message bus.
type Gossip struct {
	config  *Config
	client  p2p.Client
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	blockCh chan *models.ParentBlock
	mu      sync.Mutex
}

// NewGossip creates a gossip client.
func NewGossip(config *Config, logger *slog.Logger) (*Gossip, error) {
	if config.Network == "" {
		config.Network = "mainnet"
	}
	if config.PeerCacheFile == "" {
		config.PeerCacheFile = "peer_cache.json"
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Gossip{
		config:  config,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		blockCh: make(chan *models.ParentBlock, 100),
	}, nil
}

// blockTopic is the gossip topic carrying serialized parent blocks.
func (g *Gossip) blockTopic() string {
	return fmt.Sprintf("weaver/1.0.0/%s-block", g.config.Network)
}

// Start initializes the underlying client and subscribes to the block topic.
func (g *Gossip) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("gossip starting", "port", g.config.Port, "network", g.config.Network)

	var privKey crypto.PrivKey
	var err error

	if g.config.PrivateKey != "" {
		privKey, err = p2p.PrivateKeyFromHex(g.config.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to decode private key: %w", err)
		}
	} else {
		privKey, err = p2p.GeneratePrivateKey()
		if err != nil {
			return fmt.Errorf("failed to generate private key: %w", err)
		}
	}

	clientConfig := p2p.Config{
		Name:          "weaver",
		Logger:        newSlogAdapter(g.logger),
		PrivateKey:    privKey,
		Port:          g.config.Port,
		PeerCacheFile: g.config.PeerCacheFile,
	}

	// Passive mode keeps the bootstrap list empty so the client never dials
	// out; inbound connections still work.
	if len(g.config.BootstrapPeers) > 0 && !g.config.Passive {
		clientConfig.BootstrapPeers = g.config.BootstrapPeers
	}

	client, err := p2p.NewClient(clientConfig)
	if err != nil {
		return fmt.Errorf("failed to create p2p client: %w", err)
	}
	g.client = client

	msgCh := g.client.Subscribe(g.blockTopic())
	go g.forwardBlocks(msgCh)

	g.logger.Info("gossip started", "peerID", g.client.GetID())
	return nil
}

// forwardBlocks decodes announced blocks onto the block channel.
func (g *Gossip) forwardBlocks(msgCh <-chan p2p.Message) {
	for msg := range msgCh {
		block, err := models.DeserializeBlock(msg.Data)
		if err != nil {
			g.logger.Warn("undecodable block announcement", "from", msg.From, "error", err)
			continue
		}
		select {
		case g.blockCh <- block:
		default:
			g.logger.Warn("block channel full, dropping announcement", "hash", block.Hash)
		}
	}
	g.logger.Warn("block topic channel closed")
}

// Blocks returns the channel of peer-announced blocks.
func (g *Gossip) Blocks() <-chan *models.ParentBlock {
	return g.blockCh
}

// BroadcastBlock publishes a serialized block on the block topic.
func (g *Gossip) BroadcastBlock(ctx context.Context, block *models.ParentBlock) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client == nil {
		return fmt.Errorf("gossip not started")
	}

	data, err := block.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize block %s: %w", block.Hash, err)
	}
	if err := g.client.Publish(ctx, g.blockTopic(), data); err != nil {
		return fmt.Errorf("failed to publish block %s: %w", block.Hash, err)
	}
	return nil
}

// PeerCount returns the number of connected peers.
func (g *Gossip) PeerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client == nil {
		return 0
	}
	return len(g.client.GetPeers())
}

// Stop shuts the gossip client down.
func (g *Gossip) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancel()

	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
