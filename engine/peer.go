package engine

import (
	"context"
	"sort"
	"time"

	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/multiverse"
	"github.com/weavernet/weaver/p2p"
	"github.com/weavernet/weaver/pubsub"
)

// adoptionDepth is the minimum candidate multiverse size for a resync
// adoption, and the window requested from the peer.
const adoptionDepth = 7

// peerQueryTimeout bounds the backward-sync RPC.
const peerQueryTimeout = 30 * time.Second

// OnPeerBlock integrates a block delivered by a peer. A block that displaces
// the local tip stops the miner; a block that is both higher and heavier
// than anything connectable triggers a backward sync against the peer.
func (e *Engine) OnPeerBlock(ctx context.Context, peer p2p.Peer, block *models.ParentBlock) error {
	return e.call(func() error {
		if block == nil {
			return nil
		}
		if _, seen := e.knownBlocks.Get(block.Hash); seen {
			return nil
		}
		e.knownBlocks.Add(block.Hash, block)

		before := e.mv.Highest()
		added := e.mv.Add(block, false)
		after := e.mv.Highest()

		e.logger.Debug("peer block",
			"height", block.Height, "hash", block.Hash, "added", added)

		if before != nil && after != nil && before.Hash != after.Hash {
			e.stopMiningLocked()
			e.bus.Publish(pubsub.TopicUpdateBlockLatest, &pubsub.Msg{Data: block})
			return nil
		}

		if after != nil && after.Height < block.Height &&
			after.TotalDistance.Cmp(&block.TotalDistance.Int) < 0 {
			e.bus.Publish(pubsub.TopicUpdateBlockLatest, &pubsub.Msg{Data: block, Force: true})
			e.stopMiningLocked()
			e.backwardSync(ctx, peer, block)
		}
		return nil
	})
}

// backwardSync asks the peer for the blocks behind its tip and adopts the
// response as the new multiverse if it strictly dominates the local view.
// The gap down to genesis is then filled through the block pool.
func (e *Engine) backwardSync(ctx context.Context, peer p2p.Peer, block *models.ParentBlock) {
	if peer == nil {
		e.logger.Warn("dominant peer block without a queryable peer", "hash", block.Hash)
		return
	}

	low := uint64(1)
	if block.Height > adoptionDepth {
		low = block.Height - adoptionDepth
	}

	qctx, cancel := context.WithTimeout(ctx, peerQueryTimeout)
	defer cancel()

	resp, err := peer.Query(qctx, p2p.QueryParams{
		QueryHash:   block.Hash,
		QueryHeight: block.Height,
		Low:         low,
		High:        block.Height - 1,
	})
	if err != nil {
		// Transport timeouts read as empty responses.
		e.logger.Warn("peer query failed", "error", err)
		resp = nil
	}

	sort.Slice(resp, func(i, j int) bool { return resp[i].Height > resp[j].Height })

	candidate := multiverse.New()
	count := 0
	for _, b := range resp {
		if candidate.Add(b, true) {
			count++
		}
	}
	if candidate.Add(block, true) {
		count++
	}

	highest := candidate.Highest()
	current := e.mv.Highest()
	if count <= adoptionDepth-1 || highest == nil || current == nil {
		return
	}
	if highest.TotalDistance.Cmp(&current.TotalDistance.Int) <= 0 ||
		highest.Height <= current.Height {
		return
	}

	// Adopt the candidate view and arm the gap fill.
	e.mv = candidate
	checkpoint := candidate.Lowest()
	e.peerIsSyncing = true

	if err := e.pool.Purge(ctx, checkpoint); err != nil {
		e.logger.Warn("failed to arm block pool", "error", err)
	}
	e.bus.Publish(pubsub.TopicCheckpointStart, &pubsub.Msg{Data: checkpoint})

	drained := candidate.Recent(count)
	e.bus.Publish(pubsub.TopicUpdateBlockLatest, &pubsub.Msg{
		Data:       highest,
		Force:      true,
		Multiverse: drained,
	})

	e.logger.Info("adopted peer multiverse",
		"height", highest.Height, "checkpoint", checkpoint.Height)
}

// AddSyncBlock routes a block received while a backward sync is filling the
// gap below the checkpoint.
func (e *Engine) AddSyncBlock(ctx context.Context, block *models.ParentBlock) error {
	return e.call(func() error {
		return e.pool.Add(ctx, block)
	})
}
