package pow

import (
	"math"
	"math/big"

	"gonum.org/v1/gonum/floats"

	"github.com/weavernet/weaver/digest"
	"github.com/weavernet/weaver/models"
)

const distanceChunkSize = 32

// MerkleRoot fold-hashes the items left to right. A single item yields
// H(item). Never called with an empty list.
func MerkleRoot(items []string) string {
	acc := ""
	for _, item := range items {
		acc = digest.Digest(acc + item)
	}
	return acc
}

// ChildChainRoot XOR-reduces H(header.hash || header.merkleRoot) over every
// header in the map, starting from 0.
func ChildChainRoot(headers *models.ChildHeaderMap) *big.Int {
	acc := big.NewInt(0)
	for _, chain := range models.Chains() {
		for _, h := range headers.Get(chain) {
			v, ok := new(big.Int).SetString(digest.Digest(h.Hash+h.MerkleRoot), 16)
			if !ok {
				continue
			}
			acc.Xor(acc, v)
		}
	}
	return acc
}

// PrepareWork derives the mining target string from the previous block hash
// and the candidate's child headers. Deterministic in the previous hash and
// the multiset of header hashes and merkle roots.
func PrepareWork(previousHash string, headers *models.ChildHeaderMap) string {
	root := ChildChainRoot(headers)

	prev, ok := new(big.Int).SetString(previousHash, 16)
	if !ok {
		prev = big.NewInt(0)
	}

	return digest.Digest(new(big.Int).Xor(root, prev).String())
}

// Distance measures the dissimilarity between two hex strings: both are cut
// into 32-char chunks of ASCII codes, a's chunks are consumed from the end
// while b's run forward, and the pairwise cosine distances are summed. The
// shorter chunk list determines the number of pairs. The sum is scaled by
// 1e15 and floored.
func Distance(a, b string) *big.Int {
	ac := codeChunks(a)
	bc := codeChunks(b)

	n := len(ac)
	if len(bc) < n {
		n = len(bc)
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		sum += 1 - cosineSimilarity(ac[len(ac)-1-i], bc[i])
	}

	return big.NewInt(int64(math.Floor(sum * 1e15)))
}

// codeChunks splits s into 32-char chunks of ASCII codes.
func codeChunks(s string) [][]float64 {
	var out [][]float64
	for start := 0; start < len(s); start += distanceChunkSize {
		end := start + distanceChunkSize
		if end > len(s) {
			end = len(s)
		}
		chunk := make([]float64, end-start)
		for i := start; i < end; i++ {
			chunk[i-start] = float64(s[i])
		}
		out = append(out, chunk)
	}
	return out
}

// cosineSimilarity of two code vectors, truncated to the shorter length.
func cosineSimilarity(u, v []float64) float64 {
	n := len(u)
	if len(v) < n {
		n = len(v)
	}
	if n == 0 {
		return 1
	}
	u, v = u[:n], v[:n]

	dot := floats.Dot(u, v)
	nu := math.Sqrt(floats.Dot(u, u))
	nv := math.Sqrt(floats.Dot(v, v))
	if nu == 0 || nv == 0 {
		return 1
	}
	return dot / (nu * nv)
}
