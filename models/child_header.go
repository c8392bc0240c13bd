package models

// ChildHeader records one observed tip of a rovered chain inside a parent
// block. Immutable after creation.
type ChildHeader struct {
	Chain                 Chain  `json:"chain"`
	Hash                  string `json:"hash"`
	PreviousHash          string `json:"previousHash"`
	TimestampMS           uint64 `json:"timestamp"`
	Height                uint64 `json:"height"`
	MerkleRoot            string `json:"merkleRoot"`
	ConfirmationsInParent uint64 `json:"confirmationsInParent"`
}

// WithConfirmations returns a copy with the confirmation count replaced.
func (h *ChildHeader) WithConfirmations(n uint64) *ChildHeader {
	c := *h
	c.ConfirmationsInParent = n
	return &c
}

// ChildHeaderMap holds the per-chain header lists of a parent block as a
// fixed record of lists. The first entry of each list is the most recent
// header. Every known chain has at least one entry in a valid parent block.
type ChildHeaderMap struct {
	BTC []*ChildHeader `json:"btc"`
	ETH []*ChildHeader `json:"eth"`
	LSK []*ChildHeader `json:"lsk"`
	NEO []*ChildHeader `json:"neo"`
	WAV []*ChildHeader `json:"wav"`
}

// NewChildHeaderMap creates an empty map.
func NewChildHeaderMap() *ChildHeaderMap {
	return &ChildHeaderMap{}
}

// Get returns the header list for chain.
func (m *ChildHeaderMap) Get(chain Chain) []*ChildHeader {
	switch chain {
	case ChainBTC:
		return m.BTC
	case ChainETH:
		return m.ETH
	case ChainLSK:
		return m.LSK
	case ChainNEO:
		return m.NEO
	case ChainWAV:
		return m.WAV
	}
	return nil
}

// Set replaces the header list for chain.
func (m *ChildHeaderMap) Set(chain Chain, headers []*ChildHeader) {
	switch chain {
	case ChainBTC:
		m.BTC = headers
	case ChainETH:
		m.ETH = headers
	case ChainLSK:
		m.LSK = headers
	case ChainNEO:
		m.NEO = headers
	case ChainWAV:
		m.WAV = headers
	}
}

// Newest returns the most recent header for chain, or nil.
func (m *ChildHeaderMap) Newest(chain Chain) *ChildHeader {
	headers := m.Get(chain)
	if len(headers) == 0 {
		return nil
	}
	return headers[0]
}

// Count returns the total number of headers across all chains.
func (m *ChildHeaderMap) Count() uint64 {
	var n uint64
	for _, chain := range Chains() {
		n += uint64(len(m.Get(chain)))
	}
	return n
}

// HashSet returns the set of child header hashes across all chains. Two
// parent blocks with equal hash sets were mined over the same child context.
func (m *ChildHeaderMap) HashSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, chain := range Chains() {
		for _, h := range m.Get(chain) {
			set[h.Hash] = struct{}{}
		}
	}
	return set
}

// Copy returns a map with copied lists. Headers themselves are immutable and
// shared.
func (m *ChildHeaderMap) Copy() *ChildHeaderMap {
	out := NewChildHeaderMap()
	for _, chain := range Chains() {
		src := m.Get(chain)
		if len(src) == 0 {
			continue
		}
		out.Set(chain, append([]*ChildHeader{}, src...))
	}
	return out
}

// EqualHashSets reports whether two header maps reference the same child
// blocks.
func EqualHashSets(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for h := range a {
		if _, ok := b[h]; !ok {
			return false
		}
	}
	return true
}
