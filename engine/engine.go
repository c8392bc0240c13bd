package engine

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/weavernet/weaver/blockpool"
	"github.com/weavernet/weaver/clock"
	"github.com/weavernet/weaver/kvstore"
	"github.com/weavernet/weaver/mining"
	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/multiverse"
	"github.com/weavernet/weaver/p2p"
	"github.com/weavernet/weaver/pubsub"
)

const (
	keyLatest     = "bc.block.latest"
	keyAppVersion = "appversion"
	keyRovers     = "rovers"

	knownBlocksCacheSize = 1024
)

func keyHeight(h uint64) string {
	return fmt.Sprintf("bc.block.%d", h)
}

func keyChainLatest(chain models.Chain) string {
	return fmt.Sprintf("%s.block.latest", chain)
}

// Config parameterizes an Engine.
type Config struct {
	MinerAddress string
	MinerBinary  string
	MinerArgs    []string

	// KnownRovers defaults to every chain tag.
	KnownRovers []models.Chain

	// PersistRoverData writes each observed tip at <chain>.block.latest.
	PersistRoverData bool

	// Launcher overrides the process launcher. Test use.
	Launcher mining.Launcher
}

// assemblyContext is the state around an unfinished mining candidate.
type assemblyContext struct {
	work       string
	lastParent *models.ParentBlock
	newHeaders []*models.ChildHeader
}

// Engine is the coordination layer of the node: it ingests rover tips and
// peer blocks, drives the mining worker lifecycle, integrates accepted
// blocks into the multiverse, persists canonical state and publishes
// lifecycle events.
//
// All state below is owned by a single task goroutine; external entry
// points enqueue closures onto tasks, which also serializes every
// persistence write behind a single consumer.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	clk         clock.Clock
	store       kvstore.Store
	bus         *pubsub.Bus
	mv          *multiverse.Multiverse
	pool        *blockpool.Pool
	broadcaster p2p.Broadcaster
	gen         *models.ParentBlock

	tasks chan func()
	done  chan struct{}

	canMine         bool
	peerIsSyncing   bool
	peerIsResyncing bool

	unfinished     *models.ParentBlock
	unfinishedData *assemblyContext
	launcher       mining.Launcher
	worker         mining.Handle
	workerGen      uint64

	collected   map[models.Chain]uint64
	knownBlocks *lru.Cache[string, *models.ParentBlock]
}

// New creates an Engine over its subsystems.
func New(cfg Config, clk clock.Clock, store kvstore.Store, bus *pubsub.Bus,
	mv *multiverse.Multiverse, pool *blockpool.Pool, broadcaster p2p.Broadcaster,
	gen *models.ParentBlock, logger *slog.Logger,
) (*Engine, error) {
	if cfg.MinerAddress == "" {
		return nil, fmt.Errorf("miner address is required")
	}
	if len(cfg.KnownRovers) == 0 {
		cfg.KnownRovers = models.Chains()
	}
	if broadcaster == nil {
		broadcaster = p2p.NoopBroadcaster{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	knownBlocks, err := lru.New[string, *models.ParentBlock](knownBlocksCacheSize)
	if err != nil {
		return nil, err
	}

	launcher := cfg.Launcher
	if launcher == nil {
		launcher = &mining.ProcessLauncher{
			BinPath: cfg.MinerBinary,
			Args:    cfg.MinerArgs,
			Logger:  logger,
		}
	}

	return &Engine{
		cfg:         cfg,
		logger:      logger,
		clk:         clk,
		store:       store,
		bus:         bus,
		mv:          mv,
		pool:        pool,
		broadcaster: broadcaster,
		gen:         gen,
		launcher:    launcher,
		tasks:       make(chan func(), 1024),
		done:        make(chan struct{}),
		collected:   make(map[models.Chain]uint64),
		knownBlocks: knownBlocks,
	}, nil
}

// Start subscribes the engine to its lifecycle topics and launches the task
// loop.
func (e *Engine) Start(ctx context.Context) {
	e.bus.Subscribe(pubsub.TopicBlockHeight, func(_ string, msg *pubsub.Msg) {
		e.storeHeight(ctx, msg)
	})
	e.bus.Subscribe(pubsub.TopicUpdateBlockLatest, func(_ string, msg *pubsub.Msg) {
		e.updateLatestAndStore(ctx, msg)
	})
	e.bus.Subscribe(pubsub.TopicResyncFailed, func(_ string, msg *pubsub.Msg) {
		e.peerIsResyncing = true
		if cp := e.pool.Checkpoint(); cp != nil {
			if err := e.pool.Purge(ctx, cp); err != nil {
				e.logger.Warn("blockpool purge failed", "error", err)
			}
		}
	})
	e.bus.Subscribe(pubsub.TopicCheckpointEnd, func(_ string, msg *pubsub.Msg) {
		e.peerIsResyncing = false
		e.peerIsSyncing = false
	})

	go e.loop(ctx)
}

// Stop terminates the task loop and any running worker.
func (e *Engine) Stop() {
	e.StopMining()
	close(e.done)
}

func (e *Engine) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case fn := <-e.tasks:
			fn()
		}
	}
}

// post enqueues fn without waiting.
func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// call enqueues fn and waits for its result.
func (e *Engine) call(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case e.tasks <- func() { errCh <- fn() }:
	case <-e.done:
		return ErrStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-e.done:
		return ErrStopped
	}
}

// Multiverse returns the engine's fork graph.
func (e *Engine) Multiverse() *multiverse.Multiverse {
	return e.mv
}

// CanMine reports whether every known chain has contributed a tip.
func (e *Engine) CanMine() bool {
	canMine := false
	e.call(func() error {
		canMine = e.canMine
		return nil
	})
	return canMine
}

// OnRoverTip records an observed child tip and, once all known chains have
// reported and no sync is in flight, assembles a candidate and starts the
// miner.
func (e *Engine) OnRoverTip(ctx context.Context, chain models.Chain, child *models.ChildHeader) error {
	return e.call(func() error {
		if !models.ValidChain(chain) {
			return fmt.Errorf("unknown chain %q", chain)
		}

		e.collected[chain]++
		if !e.canMine && e.allRoversActive() {
			e.canMine = true
			e.logger.Info("all rovered chains reporting, mining enabled")
		}

		if e.cfg.PersistRoverData && child != nil {
			data, err := marshalChildHeader(child)
			if err != nil {
				return err
			}
			if err := e.store.Put(ctx, keyChainLatest(chain), data); err != nil {
				return fmt.Errorf("failed to persist %s tip: %w", chain, err)
			}
		}

		if !e.canMine || e.peerIsSyncing || e.peerIsResyncing {
			return nil
		}
		return e.startMining(ctx, child)
	})
}

// allRoversActive reports whether every known rover has contributed a tip.
func (e *Engine) allRoversActive() bool {
	for _, chain := range e.cfg.KnownRovers {
		if e.collected[chain] == 0 {
			return false
		}
	}
	return true
}

// Collected returns the tip count observed for chain since process start.
func (e *Engine) Collected(chain models.Chain) uint64 {
	var n uint64
	e.call(func() error {
		n = e.collected[chain]
		return nil
	})
	return n
}

// getBlock loads and decodes a block value.
func (e *Engine) getBlock(ctx context.Context, key string) (*models.ParentBlock, error) {
	data, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return models.DeserializeBlock(data)
}

// putBlock stores a block value. Best-effort callers warn and move on.
func (e *Engine) putBlock(ctx context.Context, key string, block *models.ParentBlock) error {
	data, err := block.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize block for %s: %w", key, err)
	}
	if err := e.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}
