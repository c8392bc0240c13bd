package rover

import (
	"context"

	"github.com/weavernet/weaver/models"
)

// Tip is one observed head of a rovered chain.
type Tip struct {
	Chain models.Chain
	Block *models.ChildHeader
}

// Rover adapts one external chain and emits its tips. Implementations are
// external collaborators; the engine only consumes the channel.
type Rover interface {
	// Chain returns the tag of the adapted chain.
	Chain() models.Chain

	// Tips returns the stream of observed tips.
	Tips() <-chan Tip

	// Start begins observation; Stop must be callable at any time after.
	Start(ctx context.Context) error
	Stop() error
}

// Replay is an in-memory Rover fed by tests and tools.
type Replay struct {
	chain models.Chain
	tips  chan Tip
}

// NewReplay creates a Replay rover for chain.
func NewReplay(chain models.Chain) *Replay {
	return &Replay{chain: chain, tips: make(chan Tip, 16)}
}

// Chain returns the adapted chain tag.
func (r *Replay) Chain() models.Chain {
	return r.chain
}

// Tips returns the tip stream.
func (r *Replay) Tips() <-chan Tip {
	return r.tips
}

// Start is a no-op.
func (r *Replay) Start(ctx context.Context) error {
	return nil
}

// Stop closes the stream.
func (r *Replay) Stop() error {
	close(r.tips)
	return nil
}

// Emit feeds one tip into the stream.
func (r *Replay) Emit(block *models.ChildHeader) {
	r.tips <- Tip{Chain: r.chain, Block: block}
}
