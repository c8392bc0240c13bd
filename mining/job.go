package mining

import (
	"encoding/json"
	"fmt"

	"github.com/weavernet/weaver/models"
)

// Job is the single request message sent to a mining worker over its IPC
// channel. One Job produces at most one Solution reply.
type Job struct {
	CurrentTimestampS uint64         `json:"currentTimestamp"`
	OffsetMS          int64          `json:"offset"`
	Work              string         `json:"work"`
	MinerKey          string         `json:"minerKey"`
	MerkleRoot        string         `json:"merkleRoot"`
	Difficulty        string         `json:"difficulty"`
	DifficultyData    DifficultyData `json:"difficultyData"`
}

// DifficultyData lets the worker re-derive the difficulty on every wall
// second without talking back to the engine.
type DifficultyData struct {
	CurrentTimestampS uint64          `json:"currentTimestamp"`
	PrevBlockBytes    json.RawMessage `json:"prevBlockBytes"`
	NewHeadersBytes   json.RawMessage `json:"newHeadersBytes"`
}

// PrevBlock decodes the serialized previous parent block.
func (d *DifficultyData) PrevBlock() (*models.ParentBlock, error) {
	if len(d.PrevBlockBytes) == 0 {
		return nil, fmt.Errorf("difficulty data carries no previous block")
	}
	return models.DeserializeBlock(d.PrevBlockBytes)
}

// NewHeaderCount decodes the serialized new child headers and returns their
// count.
func (d *DifficultyData) NewHeaderCount() (uint64, error) {
	if len(d.NewHeadersBytes) == 0 {
		return 0, nil
	}
	var headers []*models.ChildHeader
	if err := json.Unmarshal(d.NewHeadersBytes, &headers); err != nil {
		return 0, fmt.Errorf("failed to decode new headers: %w", err)
	}
	return uint64(len(headers)), nil
}
