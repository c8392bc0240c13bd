package models

// Solution is the result of a successful proof-of-work search, reported by
// the mining worker. Distance must exceed Difficulty (as unbounded integers)
// for the solution to be accepted.
type Solution struct {
	Nonce      string  `json:"nonce"`
	Distance   *BigInt `json:"distance"`
	TimestampS uint64  `json:"timestamp"`
	Difficulty *BigInt `json:"difficulty"`
	Iterations uint64  `json:"iterations"`
	TimeDiffMS uint64  `json:"timeDiff"`
}
