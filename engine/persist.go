package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/pubsub"
)

// storeHeight persists a block at its height key. Blocks that do not extend
// the stored parent are kept anyway as orphans, with a warning. Writes are
// best effort.
func (e *Engine) storeHeight(ctx context.Context, msg *pubsub.Msg) {
	block := msg.Data
	if block == nil || block.Height < 2 {
		return
	}

	if !msg.Force {
		prev, err := e.getBlock(ctx, keyHeight(block.Height-1))
		connected := err == nil &&
			prev.Hash == block.PreviousHash &&
			prev.TotalDistance.Cmp(&block.TotalDistance.Int) < 0
		if !connected {
			e.logger.Warn("storing orphan block",
				"height", block.Height, "hash", block.Hash)
		}
	}

	if err := e.putBlock(ctx, keyHeight(block.Height), block); err != nil {
		e.logger.Warn("failed to store block at height", "error", err)
	}
}

// updateLatestAndStore moves the canonical tip. The put is best effort:
// persistence failures are logged and swallowed.
func (e *Engine) updateLatestAndStore(ctx context.Context, msg *pubsub.Msg) {
	block := msg.Data
	if block == nil {
		return
	}

	prevLatest, err := e.getBlock(ctx, keyLatest)
	if err != nil && !msg.Force {
		e.logger.Warn("failed to load current tip", "error", err)
		return
	}

	persist := msg.Force || (err == nil && prevLatest.Hash == block.PreviousHash)
	fresh := err != nil || block.TimestampS >= prevLatest.TimestampS

	if persist && fresh {
		if err := e.putBlock(ctx, keyLatest, block); err != nil {
			e.logger.Warn("failed to store tip", "error", err)
		}
		if err := e.putBlock(ctx, keyHeight(block.Height), block); err != nil {
			e.logger.Warn("failed to store tip at height", "error", err)
		}
	}

	if msg.Force && len(msg.Multiverse) > 0 {
		for _, b := range msg.Multiverse {
			if err := e.putBlock(ctx, keyHeight(b.Height), b); err != nil {
				e.logger.Warn("failed to store multiverse block",
					"height", b.Height, "error", err)
			}
		}
	}

	if msg.Force && msg.Purge > 0 && block.Height > 1 {
		if err := e.pool.PurgeFrom(ctx, block.Height-1, msg.Purge); err != nil {
			e.logger.Warn("failed to purge superseded range", "error", err)
		}
	}
}

func marshalChildHeader(h *models.ChildHeader) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize child header: %w", err)
	}
	return data, nil
}

func unmarshalChildHeader(data []byte) (*models.ChildHeader, error) {
	h := &models.ChildHeader{}
	if err := json.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("failed to decode child header: %w", err)
	}
	return h, nil
}
