package multiverse

import (
	"sort"
	"sync"

	"github.com/weavernet/weaver/models"
)

// DefaultDepth is the chain length at which a branch becomes eligible for
// fork choice, and the height count below which the container considers
// itself still syncing.
const DefaultDepth = 7

// Multiverse is the in-memory fork graph of parent blocks: a mapping from
// height to the blocks seen at that height, ordered by total distance
// descending. Fork choice assembles candidate chains on demand; blocks are
// immutable and identified by hash, so no parent pointers are kept.
type Multiverse struct {
	mu     sync.RWMutex
	blocks map[uint64][]*models.ParentBlock
}

// New creates an empty Multiverse.
func New() *Multiverse {
	return &Multiverse{blocks: make(map[uint64][]*models.ParentBlock)}
}

// Add inserts a block if it connects to the graph, is forced, or the
// container is still syncing. Returns true if the block was admitted.
//
// A block "connects" when a parent or child at the adjacent height links to
// it by hash AND was mined over a different child-header context; an equal
// header-hash set indicates duplicate mining context and does not connect.
func (m *Multiverse) Add(block *models.ParentBlock, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := block.Height
	syncing := len(m.blocks) < DefaultDepth
	hashSet := block.HeaderHashSet()

	hasParent := false
	for _, p := range m.blocks[h-1] {
		if p.Hash == block.PreviousHash && p.Height == h-1 &&
			!models.EqualHashSets(p.HeaderHashSet(), hashSet) {
			hasParent = true
			break
		}
	}

	hasChild := false
	for _, c := range m.blocks[h+1] {
		if c.PreviousHash == block.Hash && c.Height-1 == h &&
			!models.EqualHashSets(c.HeaderHashSet(), hashSet) {
			hasChild = true
			break
		}
	}

	alreadyPresent := false
	for _, b := range m.blocks[h] {
		if b.Hash == block.Hash {
			alreadyPresent = true
			break
		}
	}

	if hasParent || hasChild || force || syncing {
		if !alreadyPresent {
			m.blocks[h] = append(m.blocks[h], block)
			sort.SliceStable(m.blocks[h], func(i, j int) bool {
				return m.blocks[h][i].TotalDistance.Cmp(&m.blocks[h][j].TotalDistance.Int) > 0
			})
		}
		return true
	}
	return false
}

// Has reports whether a block with the given hash is present at height.
func (m *Multiverse) Has(height uint64, hash string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.blocks[height] {
		if b.Hash == hash {
			return true
		}
	}
	return false
}

// BlocksAt returns the blocks recorded at height, heaviest first.
func (m *Multiverse) BlocksAt(height uint64) []*models.ParentBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]*models.ParentBlock{}, m.blocks[height]...)
}

// HeightCount returns the number of populated heights.
func (m *Multiverse) HeightCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.blocks)
}

// Highest returns the youngest block of the winning chain under the default
// eligibility depth.
func (m *Multiverse) Highest() *models.ParentBlock {
	return m.HighestWithDepth(DefaultDepth)
}

// HighestWithDepth assembles candidate chains from the height buckets and
// picks a winner. Chains of at least depth blocks that validate as a
// sequence are eligible; among those the one with the greatest summed total
// distance wins. With no eligible chain the heaviest chain of any length
// wins. Returns nil when the container is empty.
func (m *Multiverse) HighestWithDepth(depth int) *models.ParentBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chains := m.assembleChains()
	if len(chains) == 0 {
		return nil
	}

	var best, bestEligible []*models.ParentBlock
	var bestWeight, bestEligibleWeight *models.BigInt

	for _, chain := range chains {
		weight := chainWeight(chain)
		if best == nil || weight.Cmp(&bestWeight.Int) > 0 {
			best, bestWeight = chain, weight
		}
		if len(chain) >= depth && models.ValidateBlockSequence(ascending(chain)) {
			if bestEligible == nil || weight.Cmp(&bestEligibleWeight.Int) > 0 {
				bestEligible, bestEligibleWeight = chain, weight
			}
		}
	}

	if bestEligible != nil {
		return bestEligible[0]
	}
	return best[0]
}

// Lowest returns the heaviest block at the smallest populated height.
func (m *Multiverse) Lowest() *models.ParentBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := false
	var min uint64
	for h := range m.blocks {
		if !found || h < min {
			min, found = h, true
		}
	}
	if !found {
		return nil
	}
	return m.blocks[min][0]
}

// Recent returns up to max blocks from the highest populated heights,
// descending, heaviest first within a height.
func (m *Multiverse) Recent(max int) []*models.ParentBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	heights := make([]uint64, 0, len(m.blocks))
	for h := range m.blocks {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] > heights[j] })

	out := make([]*models.ParentBlock, 0, max)
	for _, h := range heights {
		for _, b := range m.blocks[h] {
			if len(out) == max {
				return out
			}
			out = append(out, b)
		}
	}
	return out
}

// PurgeBelow removes every height bucket strictly below height.
func (m *Multiverse) PurgeBelow(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for h := range m.blocks {
		if h < height {
			delete(m.blocks, h)
		}
	}
}

// assembleChains builds downward-growing chains: every block either extends
// a chain whose earliest element links to it, or starts a new chain. Chains
// are stored youngest first. Caller holds the read lock.
func (m *Multiverse) assembleChains() [][]*models.ParentBlock {
	heights := make([]uint64, 0, len(m.blocks))
	for h := range m.blocks {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] > heights[j] })

	var chains [][]*models.ParentBlock
	for _, h := range heights {
		for _, block := range m.blocks[h] {
			attached := false
			for i, chain := range chains {
				earliest := chain[len(chain)-1]
				if earliest.PreviousHash == block.Hash && earliest.Height == block.Height+1 {
					chains[i] = append(chain, block)
					attached = true
				}
			}
			if !attached {
				chains = append(chains, []*models.ParentBlock{block})
			}
		}
	}
	return chains
}

// chainWeight sums the total distances of a chain.
func chainWeight(chain []*models.ParentBlock) *models.BigInt {
	weight := models.NewBigInt(0)
	for _, b := range chain {
		weight.Add(&weight.Int, &b.TotalDistance.Int)
	}
	return weight
}

// ascending returns the chain reordered oldest first.
func ascending(chain []*models.ParentBlock) []*models.ParentBlock {
	out := make([]*models.ParentBlock, len(chain))
	for i, b := range chain {
		out[len(chain)-1-i] = b
	}
	return out
}
