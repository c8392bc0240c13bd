package mining

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"
	"time"

	"github.com/weavernet/weaver/digest"
	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/pow"
)

// SearchTimeout is the worker's hard self-timeout. Expiry is not an error:
// the worker exits silently and the engine reassembles on the next tip.
const SearchTimeout = 300 * time.Second

// Search runs the nonce search for job until a solution is found, the
// timeout expires (nil, nil), or ctx is cancelled. Difficulty is recomputed
// whenever the wall second advances.
func Search(ctx context.Context, job *Job) (*models.Solution, error) {
	difficulty, ok := new(big.Int).SetString(job.Difficulty, 10)
	if !ok {
		return nil, fmt.Errorf("invalid difficulty %q", job.Difficulty)
	}

	prevBlock, err := job.DifficultyData.PrevBlock()
	if err != nil {
		return nil, err
	}
	newBlockCount, err := job.DifficultyData.NewHeaderCount()
	if err != nil {
		return nil, err
	}

	nowMS := func() uint64 { return uint64(time.Now().UnixMilli() + job.OffsetMS) }

	var iterations uint64
	start := nowMS()
	deadline := start + uint64(SearchTimeout.Milliseconds())
	currentTS := job.CurrentTimestampS

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := nowMS()
		if now > deadline {
			return nil, nil
		}

		if sec := now / 1000; sec > currentTS {
			currentTS = sec
			preExp := pow.GetDiff(currentTS*1000, prevBlock.TimestampS*1000,
				&prevBlock.Difficulty.Int, pow.MinimumDifficultyBig(), newBlockCount)
			difficulty = pow.GetExpFactorDiff(preExp, prevBlock.Height)
		}

		nonce := strconv.FormatFloat(rand.Float64(), 'f', -1, 64)
		trial := pow.Distance(job.Work, digest.Digest(
			job.MinerKey+job.MerkleRoot+digest.Digest(nonce)+strconv.FormatUint(currentTS, 10)))
		iterations++

		if trial.Cmp(difficulty) > 0 {
			dist := &models.BigInt{}
			dist.Set(trial)
			diff := &models.BigInt{}
			diff.Set(difficulty)
			return &models.Solution{
				Nonce:      nonce,
				Distance:   dist,
				TimestampS: currentTS,
				Difficulty: diff,
				Iterations: iterations,
				TimeDiffMS: nowMS() - start,
			}, nil
		}
	}
}
