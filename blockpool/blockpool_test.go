package blockpool

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/weavernet/weaver/digest"
	"github.com/weavernet/weaver/kvstore"
	"github.com/weavernet/weaver/kvstore/memory"
	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/pubsub"
)

// linkedChain builds n blocks where blocks[0] plays genesis.
func linkedChain(n int) []*models.ParentBlock {
	blocks := make([]*models.ParentBlock, 0, n)
	prevHash := ""
	for h := 1; h <= n; h++ {
		merkle := digest.Digest(fmt.Sprintf("pool-%d", h))
		b := &models.ParentBlock{
			Hash:              digest.Digest(prevHash + merkle),
			PreviousHash:      prevHash,
			Height:            uint64(h),
			MerkleRoot:        merkle,
			TimestampS:        uint64(1_531_000_000 + h),
			Difficulty:        models.NewBigInt(1),
			Distance:          models.NewBigInt(1),
			TotalDistance:     models.NewBigInt(int64(h)),
			BlockchainHeaders: models.NewChildHeaderMap(),
		}
		blocks = append(blocks, b)
		prevHash = b.Hash
	}
	return blocks
}

func newTestPool(t *testing.T, genesisHash string) (*Pool, kvstore.Store, *pubsub.Bus) {
	t.Helper()
	store := memory.New()
	bus := pubsub.New()
	pool, err := New(store, bus, genesisHash, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return pool, store, bus
}

func TestAddRequiresCheckpoint(t *testing.T) {
	pool, _, _ := newTestPool(t, "genesis")

	err := pool.Add(context.Background(), linkedChain(3)[2])
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Expected ErrNoCheckpoint, got %v", err)
	}
}

func TestBackwardSyncInOrder(t *testing.T) {
	// Chain 1..10; genesis is block 1; checkpoint at block 10.
	chain := linkedChain(10)
	gen := chain[0]
	pool, store, bus := newTestPool(t, gen.Hash)
	ctx := context.Background()

	ended := false
	bus.Subscribe(pubsub.TopicCheckpointEnd, func(_ string, msg *pubsub.Msg) {
		ended = true
	})

	if err := pool.Purge(ctx, chain[9]); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}

	// Feed 9 down to 2 in reverse order.
	for i := 8; i >= 1; i-- {
		if err := pool.Add(ctx, chain[i]); err != nil {
			t.Fatalf("Add height %d failed: %v", chain[i].Height, err)
		}
	}

	if !ended {
		t.Fatal("Expected state.checkpoint.end")
	}
	if pool.Earliest() != nil || pool.Checkpoint() != nil {
		t.Error("Expected sync markers cleared")
	}
	if _, err := store.Get(ctx, "bc.block.earliest"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Error("Expected earliest marker deleted")
	}

	// Every gap block persisted at its height.
	for h := 2; h <= 9; h++ {
		data, err := store.Get(ctx, fmt.Sprintf("bc.block.%d", h))
		if err != nil {
			t.Fatalf("Block %d not persisted: %v", h, err)
		}
		b, _ := models.DeserializeBlock(data)
		if b.Hash != chain[h-1].Hash {
			t.Errorf("Block %d persisted with wrong hash", h)
		}
	}
}

func TestBackwardSyncOutOfOrder(t *testing.T) {
	chain := linkedChain(8)
	gen := chain[0]
	pool, store, bus := newTestPool(t, gen.Hash)
	ctx := context.Background()

	ended := false
	bus.Subscribe(pubsub.TopicCheckpointEnd, func(_ string, msg *pubsub.Msg) {
		ended = true
	})

	if err := pool.Purge(ctx, chain[7]); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}

	// Low blocks arrive before the ones connecting them to the frontier.
	order := []int{1, 2, 3, 6, 5, 4}
	for _, i := range order {
		if err := pool.Add(ctx, chain[i]); err != nil {
			t.Fatalf("Add height %d failed: %v", chain[i].Height, err)
		}
	}

	if !ended {
		t.Fatal("Expected state.checkpoint.end after cache drain")
	}
	for h := 2; h <= 7; h++ {
		if _, err := store.Get(ctx, fmt.Sprintf("bc.block.%d", h)); err != nil {
			t.Errorf("Block %d not persisted: %v", h, err)
		}
	}
}

func TestResyncFailedOnForeignGenesis(t *testing.T) {
	chain := linkedChain(4)
	pool, _, bus := newTestPool(t, "an-unrelated-genesis-hash")
	ctx := context.Background()

	failed := false
	bus.Subscribe(pubsub.TopicResyncFailed, func(_ string, msg *pubsub.Msg) {
		failed = true
	})

	if err := pool.Purge(ctx, chain[2]); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}

	// chain[1] (height 2) connects to the frontier but its parent is not
	// our genesis.
	if err := pool.Add(ctx, chain[1]); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if !failed {
		t.Error("Expected state.resync.failed")
	}
	if pool.Earliest() != nil {
		t.Error("Expected earliest cleared after failed resync")
	}
}

func TestAddIgnoresGenesisAndFrontier(t *testing.T) {
	chain := linkedChain(5)
	gen := chain[0]
	pool, store, _ := newTestPool(t, gen.Hash)
	ctx := context.Background()

	if err := pool.Purge(ctx, chain[4]); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}

	if err := pool.Add(ctx, gen); err != nil {
		t.Errorf("Genesis add should be a noop: %v", err)
	}
	if err := pool.Add(ctx, chain[4]); err != nil {
		t.Errorf("Frontier add should be a noop: %v", err)
	}
	if _, err := store.Get(ctx, "bc.block.1"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Error("Noop add should not persist anything")
	}
}

func TestPurgeFromDeletesRange(t *testing.T) {
	chain := linkedChain(6)
	pool, store, _ := newTestPool(t, chain[0].Hash)
	ctx := context.Background()

	for _, b := range chain {
		data, _ := b.Serialize()
		store.Put(ctx, fmt.Sprintf("bc.block.%d", b.Height), data)
	}

	if err := pool.PurgeFrom(ctx, 5, 1); err != nil {
		t.Fatalf("PurgeFrom failed: %v", err)
	}

	for h := 2; h <= 5; h++ {
		if _, err := store.Get(ctx, fmt.Sprintf("bc.block.%d", h)); !errors.Is(err, kvstore.ErrNotFound) {
			t.Errorf("Expected block %d deleted", h)
		}
	}
	if _, err := store.Get(ctx, "bc.block.1"); err != nil {
		t.Error("PurgeFrom must stop above the end height")
	}
	if _, err := store.Get(ctx, "bc.block.6"); err != nil {
		t.Error("PurgeFrom must not touch heights above start")
	}

	// Idempotent.
	if err := pool.PurgeFrom(ctx, 5, 1); err != nil {
		t.Errorf("Second PurgeFrom failed: %v", err)
	}
}
