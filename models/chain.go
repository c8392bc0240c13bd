package models

// Chain tags one of the rovered external chains. The set is closed: every
// "for each chain" loop in the engine iterates Chains() and nothing else.
type Chain string

const (
	ChainBTC Chain = "btc"
	ChainETH Chain = "eth"
	ChainLSK Chain = "lsk"
	ChainNEO Chain = "neo"
	ChainWAV Chain = "wav"
)

// Chains returns all known chain tags in canonical order.
func Chains() []Chain {
	return []Chain{ChainBTC, ChainETH, ChainLSK, ChainNEO, ChainWAV}
}

// ValidChain reports whether tag names a known chain.
func ValidChain(tag Chain) bool {
	switch tag {
	case ChainBTC, ChainETH, ChainLSK, ChainNEO, ChainWAV:
		return true
	}
	return false
}
