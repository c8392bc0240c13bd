package p2p

import (
	"context"

	"github.com/weavernet/weaver/models"
)

// QueryParams identifies a block on the remote peer and the height range
// requested around it.
type QueryParams struct {
	QueryHash   string `json:"queryHash"`
	QueryHeight uint64 `json:"queryHeight"`
	Low         uint64 `json:"low"`
	High        uint64 `json:"high"`
}

// Peer is the engine's view of a remote node. The connection and framing
// layer behind it is an external collaborator.
type Peer interface {
	// Query returns the peer's blocks in [low, high] iff its block at
	// QueryHeight carries QueryHash; otherwise an empty slice. Transport
	// failures, timeouts included, return an error, which the engine treats
	// as an empty response.
	Query(ctx context.Context, params QueryParams) ([]*models.ParentBlock, error)
}

// Broadcaster publishes locally accepted blocks to the network.
type Broadcaster interface {
	BroadcastBlock(ctx context.Context, block *models.ParentBlock) error
}

// NoopBroadcaster drops every block. Used when the node runs without a
// network (tests, single-node setups).
type NoopBroadcaster struct{}

// BroadcastBlock does nothing.
func (NoopBroadcaster) BroadcastBlock(ctx context.Context, block *models.ParentBlock) error {
	return nil
}
