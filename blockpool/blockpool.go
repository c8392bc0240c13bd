package blockpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/weavernet/weaver/kvstore"
	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/pubsub"
)

const (
	earliestKey = "bc.block.earliest"
	cacheSize   = 1024
)

// ErrNoCheckpoint is returned by Add before a backward sync is armed.
var ErrNoCheckpoint = errors.New("blockpool: checkpoint not set")

// Pool buffers out-of-order blocks received during backward sync until they
// connect the gap between genesis+1 and the checkpoint. The checkpoint is
// the lowest adopted block of the new chain; earliest walks downward from it
// as gap blocks are written.
type Pool struct {
	store       kvstore.Store
	bus         *pubsub.Bus
	logger      *slog.Logger
	genesisHash string

	checkpoint *models.ParentBlock
	earliest   *models.ParentBlock
	cache      *lru.Cache[string, *models.ParentBlock]
}

// New creates a Pool over the given store and bus.
func New(store kvstore.Store, bus *pubsub.Bus, genesisHash string, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, *models.ParentBlock](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Pool{
		store:       store,
		bus:         bus,
		logger:      logger,
		genesisHash: genesisHash,
		cache:       cache,
	}, nil
}

// Checkpoint returns the current checkpoint, or nil outside a sync.
func (p *Pool) Checkpoint() *models.ParentBlock {
	return p.checkpoint
}

// Earliest returns the current backward frontier, or nil.
func (p *Pool) Earliest() *models.ParentBlock {
	return p.earliest
}

// Add routes a backward-sync block. Blocks that extend the frontier are
// persisted immediately; blocks below it are cached until the frontier
// reaches them; the block closing the gap to genesis ends the sync.
func (p *Pool) Add(ctx context.Context, block *models.ParentBlock) error {
	if p.checkpoint == nil {
		return ErrNoCheckpoint
	}
	if p.earliest == nil {
		p.earliest = p.checkpoint
	}

	if block.Hash == p.genesisHash || block.Hash == p.earliest.Hash {
		return nil
	}

	if block.Hash == p.earliest.PreviousHash && block.PreviousHash == p.genesisHash {
		// Gap closed: the chain now reaches genesis.
		if err := p.persist(ctx, block); err != nil {
			return err
		}
		if err := p.store.Delete(ctx, earliestKey); err != nil {
			p.logger.Warn("failed to delete earliest marker", "error", err)
		}
		p.earliest = nil
		p.checkpoint = nil
		p.cache.Purge()
		p.bus.Publish(pubsub.TopicCheckpointEnd, &pubsub.Msg{Data: block})
		return nil
	}

	if block.Hash == p.earliest.PreviousHash && block.Height == 2 && block.PreviousHash != p.genesisHash {
		// The chain bottoms out on a foreign genesis; the resync cannot
		// complete.
		if err := p.store.Delete(ctx, earliestKey); err != nil {
			p.logger.Warn("failed to delete earliest marker", "error", err)
		}
		p.earliest = nil
		p.bus.Publish(pubsub.TopicResyncFailed, &pubsub.Msg{Data: block})
		return nil
	}

	if p.earliest.PreviousHash == block.Hash {
		// Extends the frontier downward.
		if err := p.write(ctx, block); err != nil {
			return err
		}
		return p.drain(ctx)
	}

	if block.Height < p.earliest.Height {
		p.cache.Add(block.Hash, block)
		return p.drain(ctx)
	}

	return nil
}

// drain writes cached blocks for as long as one connects to the frontier.
func (p *Pool) drain(ctx context.Context) error {
	if p.earliest == nil {
		return nil
	}
	next, ok := p.cache.Get(p.earliest.PreviousHash)
	if !ok {
		return nil
	}
	p.cache.Remove(next.Hash)
	return p.Add(ctx, next)
}

// write persists block at its height and advances the frontier to it.
func (p *Pool) write(ctx context.Context, block *models.ParentBlock) error {
	if err := p.persist(ctx, block); err != nil {
		return err
	}

	p.earliest = block
	data, err := block.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize earliest marker: %w", err)
	}
	if err := p.store.Put(ctx, earliestKey, data); err != nil {
		return fmt.Errorf("failed to store earliest marker: %w", err)
	}
	return nil
}

func (p *Pool) persist(ctx context.Context, block *models.ParentBlock) error {
	data, err := block.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize block %d: %w", block.Height, err)
	}
	key := fmt.Sprintf("bc.block.%d", block.Height)
	if err := p.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Purge arms a backward sync at checkpoint and clears the superseded chain
// below it.
func (p *Pool) Purge(ctx context.Context, checkpoint *models.ParentBlock) error {
	p.checkpoint = checkpoint
	p.earliest = checkpoint

	data, err := checkpoint.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	if err := p.store.Put(ctx, earliestKey, data); err != nil {
		return fmt.Errorf("failed to store earliest marker: %w", err)
	}

	if checkpoint.Height < 2 {
		return nil
	}
	return p.PurgeFrom(ctx, checkpoint.Height-1, 1)
}

// PurgeFrom deletes bc.block.<i> for i from start down to end+1. Idempotent.
func (p *Pool) PurgeFrom(ctx context.Context, start, end uint64) error {
	for i := start; i > end; i-- {
		key := fmt.Sprintf("bc.block.%d", i)
		if err := p.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}
