package multiverse

import (
	"fmt"
	"testing"

	"github.com/weavernet/weaver/digest"
	"github.com/weavernet/weaver/models"
)

// chainBlock builds a linked test block with a unique child-header context.
func chainBlock(height uint64, tag string, prev *models.ParentBlock, distance int64) *models.ParentBlock {
	prevHash := ""
	total := models.NewBigInt(distance)
	ts := uint64(1_531_000_000 + height)
	if prev != nil {
		prevHash = prev.Hash
		total.Add(&prev.TotalDistance.Int, &total.Int)
		ts = prev.TimestampS + 1
	}

	headers := models.NewChildHeaderMap()
	for _, chain := range models.Chains() {
		headers.Set(chain, []*models.ChildHeader{{
			Chain:                 chain,
			Hash:                  digest.Digest(fmt.Sprintf("%s-%d-%s", tag, height, chain)),
			MerkleRoot:            digest.Digest(fmt.Sprintf("%s-%d-%s-mr", tag, height, chain)),
			Height:                height,
			ConfirmationsInParent: 1,
		}})
	}

	merkleRoot := digest.Digest(fmt.Sprintf("%s-%d-merkle", tag, height))
	return &models.ParentBlock{
		Hash:              digest.Digest(prevHash + merkleRoot),
		PreviousHash:      prevHash,
		Height:            height,
		Miner:             "miner-1",
		MerkleRoot:        merkleRoot,
		TimestampS:        ts,
		Difficulty:        models.NewBigInt(1),
		Distance:          models.NewBigInt(distance),
		TotalDistance:     total,
		BlockchainHeaders: headers,
	}
}

// buildChain creates n linked blocks starting at height 1.
func buildChain(tag string, n int, distance int64) []*models.ParentBlock {
	blocks := make([]*models.ParentBlock, 0, n)
	var prev *models.ParentBlock
	for h := 1; h <= n; h++ {
		b := chainBlock(uint64(h), tag, prev, distance)
		blocks = append(blocks, b)
		prev = b
	}
	return blocks
}

func TestAddWhileSyncingForcesAdmission(t *testing.T) {
	m := New()

	// Fewer than 7 heights populated: unconnected blocks are admitted.
	b := chainBlock(42, "lonely", nil, 10)
	if !m.Add(b, false) {
		t.Error("Expected admission while syncing")
	}
	if !m.Has(42, b.Hash) {
		t.Error("Admitted block not found")
	}
}

func TestAddRejectsDuplicates(t *testing.T) {
	m := New()
	b := chainBlock(1, "dup", nil, 10)

	m.Add(b, false)
	m.Add(b, false)

	if got := len(m.BlocksAt(1)); got != 1 {
		t.Errorf("Expected 1 block at height, got %d", got)
	}
}

func TestAddConnectedBlock(t *testing.T) {
	m := New()

	// Populate 7 heights so the container leaves the syncing regime.
	chain := buildChain("main", 8, 10)
	for _, b := range chain[:7] {
		m.Add(b, true)
	}

	next := chain[7]
	if !m.Add(next, false) {
		t.Error("Expected connected block to be admitted")
	}

	// An unconnected stranger at a fresh height is rejected.
	stranger := chainBlock(9, "stranger", nil, 5)
	if m.Add(stranger, false) {
		t.Error("Expected unconnected block to be rejected")
	}
}

func TestHighestPrefersHeavierSibling(t *testing.T) {
	m := New()

	chain := buildChain("base", 7, 10)
	for _, b := range chain {
		m.Add(b, true)
	}

	parent := chain[5]
	light := chainBlock(7, "light", parent, 1)
	heavy := chainBlock(7, "heavy", parent, 50)
	m.Add(light, true)
	m.Add(heavy, true)

	// heavy outweighs both the light sibling and the base tip.
	top := m.Highest()
	if top.Hash != heavy.Hash {
		t.Errorf("Expected heaviest sibling %s, got %s", heavy.Hash, top.Hash)
	}
}

func TestHighestSwitchesBranchOnChildWeight(t *testing.T) {
	m := New()

	chain := buildChain("base", 6, 10)
	for _, b := range chain {
		m.Add(b, true)
	}

	parent := chain[5]
	light := chainBlock(7, "light", parent, 1)
	heavy := chainBlock(7, "heavy", parent, 5)
	m.Add(light, true)
	m.Add(heavy, true)

	if m.Highest().Hash != heavy.Hash {
		t.Fatal("Precondition failed: heavy sibling should lead")
	}

	// A heavy child of the light sibling makes that branch the winner.
	child := chainBlock(8, "light-child", light, 100)
	m.Add(child, true)

	if got := m.Highest(); got.Hash != child.Hash {
		t.Errorf("Expected branch switch to %s, got %s", child.Hash, got.Hash)
	}
}

func TestHighestMonotoneUnderInsertion(t *testing.T) {
	m := New()
	chain := buildChain("mono", 9, 10)

	var lastWeight *models.BigInt
	for _, b := range chain {
		m.Add(b, true)
		top := m.Highest()
		if lastWeight != nil && top.TotalDistance.Cmp(&lastWeight.Int) < 0 {
			t.Fatalf("Highest total distance regressed at height %d", b.Height)
		}
		lastWeight = top.TotalDistance
	}
}

func TestLowest(t *testing.T) {
	m := New()
	if m.Lowest() != nil {
		t.Error("Expected nil lowest on empty container")
	}

	chain := buildChain("low", 5, 10)
	for _, b := range chain[1:] {
		m.Add(b, true)
	}

	if got := m.Lowest(); got.Hash != chain[1].Hash {
		t.Errorf("Expected lowest %s, got %s", chain[1].Hash, got.Hash)
	}
}

func TestPurgeBelow(t *testing.T) {
	m := New()
	chain := buildChain("purge", 9, 10)
	for _, b := range chain {
		m.Add(b, true)
	}

	m.PurgeBelow(5)

	if m.Lowest().Height != 5 {
		t.Errorf("Expected lowest height 5, got %d", m.Lowest().Height)
	}
	if m.HeightCount() != 5 {
		t.Errorf("Expected 5 heights, got %d", m.HeightCount())
	}
}

func TestRecent(t *testing.T) {
	m := New()
	chain := buildChain("recent", 9, 10)
	for _, b := range chain {
		m.Add(b, true)
	}

	recent := m.Recent(7)
	if len(recent) != 7 {
		t.Fatalf("Expected 7 blocks, got %d", len(recent))
	}
	if recent[0].Height != 9 {
		t.Errorf("Expected most recent height 9, got %d", recent[0].Height)
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].Height > recent[i-1].Height {
			t.Error("Recent is not descending by height")
		}
	}
}

func TestHighestEmpty(t *testing.T) {
	if New().Highest() != nil {
		t.Error("Expected nil highest on empty container")
	}
}
