package models

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/weavernet/weaver/digest"
)

// ErrValidation tags block validation failures.
var ErrValidation = errors.New("invalid block")

// IsValidBlock checks the structural rules of a parent block in isolation.
// Sequence rules against the previous block are covered by
// ValidateBlockSequence.
func IsValidBlock(b *ParentBlock) error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrValidation)
	}
	if b.Height < 1 {
		return fmt.Errorf("%w: height %d below 1", ErrValidation, b.Height)
	}
	if b.TimestampS == 0 {
		return fmt.Errorf("%w: zero timestamp", ErrValidation)
	}
	if b.Miner == "" {
		return fmt.Errorf("%w: empty miner address", ErrValidation)
	}
	if want := digest.Digest(b.PreviousHash + b.MerkleRoot); b.Hash != want {
		return fmt.Errorf("%w: hash %s does not commit to previous hash and merkle root", ErrValidation, b.Hash)
	}
	for _, chain := range Chains() {
		if len(b.BlockchainHeaders.Get(chain)) == 0 {
			return fmt.Errorf("%w: no %s headers", ErrValidation, chain)
		}
	}
	if b.Nonce != "" {
		// Solved block: the mining objective must clear the threshold.
		if b.Distance.Cmp(&b.Difficulty.Int) <= 0 {
			return fmt.Errorf("%w: distance %s does not exceed difficulty %s",
				ErrValidation, b.Distance.String(), b.Difficulty.String())
		}
	}
	return nil
}

// ValidateBlockSequence checks that blocks, ordered oldest first, form a
// connected ascending chain: height continuity, hash linkage, monotone
// timestamps and additive total distance. A block with zero distance only
// needs a total distance no lower than its parent's.
func ValidateBlockSequence(blocks []*ParentBlock) bool {
	if len(blocks) == 0 {
		return false
	}
	for i := 1; i < len(blocks); i++ {
		prev, cur := blocks[i-1], blocks[i]
		if cur.Height != prev.Height+1 {
			return false
		}
		if cur.PreviousHash != prev.Hash {
			return false
		}
		if cur.TimestampS < prev.TimestampS {
			return false
		}
		if cur.Distance.Sign() > 0 {
			want := new(big.Int).Add(&prev.TotalDistance.Int, &cur.Distance.Int)
			if cur.TotalDistance.Cmp(want) != 0 {
				return false
			}
		} else if cur.TotalDistance.Cmp(&prev.TotalDistance.Int) < 0 {
			return false
		}
	}
	return true
}
