package models

import (
	"encoding/json"
	"fmt"
)

// ParentBlock is a block of the aggregating chain. It bundles the most
// recent observed tips of every rovered chain.
//
// Invariants: hash == H(previousHash || merkleRoot); height == prev.height+1;
// totalDistance == prev.totalDistance + distance; timestamp >= prev.timestamp.
type ParentBlock struct {
	Hash          string `json:"hash"`
	PreviousHash  string `json:"previousHash"`
	Version       uint64 `json:"version"`
	SchemaVersion uint64 `json:"schemaVersion"`
	Height        uint64 `json:"height"`
	Miner         string `json:"miner"`

	Difficulty    *BigInt `json:"difficulty"`
	TimestampS    uint64  `json:"timestamp"`
	MerkleRoot    string  `json:"merkleRoot"`
	ChainRoot     string  `json:"chainRoot"`
	Distance      *BigInt `json:"distance"`
	TotalDistance *BigInt `json:"totalDistance"`
	Nonce         string  `json:"nonce"`
	NrgGrant      uint64  `json:"nrgGrant"`

	// Genesis-copied fields.
	TargetHash         string `json:"targetHash"`
	TargetHeight       uint64 `json:"targetHeight"`
	TargetMiner        string `json:"targetMiner"`
	TargetSignature    string `json:"targetSignature"`
	Emblem             string `json:"emblem"`
	EmblemWeight       uint64 `json:"emblemWeight"`
	EmblemChainAddress string `json:"emblemChainAddress"`
	TxFeeBase          uint64 `json:"txFeeBase"`
	TxDistanceSumLimit uint64 `json:"txDistanceSumLimit"`

	TxList  []string `json:"txList"`
	TxCount uint64   `json:"txCount"`

	BlockchainHeadersCount     uint64          `json:"blockchainHeadersCount"`
	BlockchainHeaders          *ChildHeaderMap `json:"blockchainHeaders"`
	BlockchainFingerprintsRoot string          `json:"blockchainFingerprintsRoot"`
}

// Serialize encodes the block as JSON.
func (b *ParentBlock) Serialize() ([]byte, error) {
	return json.Marshal(b)
}

// DeserializeBlock decodes a JSON-encoded block.
func DeserializeBlock(data []byte) (*ParentBlock, error) {
	b := &ParentBlock{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}
	if b.Difficulty == nil {
		b.Difficulty = NewBigInt(0)
	}
	if b.Distance == nil {
		b.Distance = NewBigInt(0)
	}
	if b.TotalDistance == nil {
		b.TotalDistance = NewBigInt(0)
	}
	if b.BlockchainHeaders == nil {
		b.BlockchainHeaders = NewChildHeaderMap()
	}
	return b, nil
}

// Copy returns a deep copy of the block.
func (b *ParentBlock) Copy() *ParentBlock {
	out := *b
	out.Difficulty = b.Difficulty.Copy()
	out.Distance = b.Distance.Copy()
	out.TotalDistance = b.TotalDistance.Copy()
	out.TxList = append([]string{}, b.TxList...)
	out.BlockchainHeaders = b.BlockchainHeaders.Copy()
	return &out
}

// HeaderHashSet returns the child-header hash set of the block.
func (b *ParentBlock) HeaderHashSet() map[string]struct{} {
	return b.BlockchainHeaders.HashSet()
}
