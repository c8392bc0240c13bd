package pow

import "math/big"

// MinimumDifficulty is the floor of the difficulty schedule.
const MinimumDifficulty = 0x11801972029393

// MaxSafeInt is the largest difficulty value a block may carry (2^53-1).
// PrepareNewBlock retries assembly with a later timestamp until the
// exp-factor-adjusted difficulty fits below it.
const MaxSafeInt = 1<<53 - 1

// MinimumDifficultyBig returns MinimumDifficulty as a big.Int.
func MinimumDifficultyBig() *big.Int {
	return big.NewInt(MinimumDifficulty)
}

// floorDiv divides a by b rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// GetDiff derives the difficulty of the next block from the previous block's
// difficulty and the time elapsed since it. now and prevTS are in
// milliseconds; newBlockCount is the number of new child blocks referenced
// since the previous parent block.
func GetDiff(now, prevTS uint64, prevDifficulty, minDifficulty *big.Int, newBlockCount uint64) *big.Int {
	elapsed := int64(now) - int64(prevTS)

	bonus := elapsed + (elapsed-4)*int64(newBlockCount)
	if bonus > 0 {
		elapsed = bonus
	}

	x := 1 - floorDiv(elapsed, 6)
	if x < -99 {
		x = -99
	}

	y := new(big.Int).Div(prevDifficulty, big.NewInt(148))

	result := new(big.Int).Mul(y, big.NewInt(x))
	result.Add(result, prevDifficulty)

	if result.Cmp(minDifficulty) < 0 {
		return new(big.Int).Set(minDifficulty)
	}
	return result
}

// GetExpFactorDiff applies the long-horizon exponential growth factor. The
// factor only engages from period 3 on, i.e. once parentHeight+1 reaches
// 3 × 66,000,000, and then adds 2^(period-2).
func GetExpFactorDiff(diff *big.Int, parentHeight uint64) *big.Int {
	out := new(big.Int).Set(diff)

	period := (parentHeight + 1) / 66_000_000
	if period > 2 {
		factor := new(big.Int).Lsh(big.NewInt(1), uint(period-2))
		out.Add(out, factor)
	}
	return out
}
