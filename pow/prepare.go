package pow

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/weavernet/weaver/digest"
	"github.com/weavernet/weaver/models"
)

// PrepareNewBlock assembles a mining candidate on top of lastPrevious from
// the current child tips. The candidate carries nonce "" and distance 0; its
// timestamp starts at currentTimestampS (or at the parent's timestamp, if
// that is later) and is bumped forward until the
// exp-factor-adjusted difficulty fits below MaxSafeInt. Returns the candidate
// and the final timestamp.
//
// If unfinished is a candidate previously assembled on the same parent, its
// accumulated child headers are carried over so tips observed between
// assemblies stay referenced.
func PrepareNewBlock(currentTimestampS uint64, lastPrevious *models.ParentBlock,
	currentTips map[models.Chain]*models.ChildHeader, trigger *models.ChildHeader,
	newTransactions []string, minerAddress string, unfinished *models.ParentBlock,
) (*models.ParentBlock, uint64, error) {

	if lastPrevious == nil {
		return nil, 0, fmt.Errorf("no previous block to build on")
	}
	if minerAddress == "" {
		return nil, 0, fmt.Errorf("empty miner address")
	}

	tips := make(map[models.Chain]*models.ChildHeader, len(currentTips)+1)
	for chain, tip := range currentTips {
		tips[chain] = tip
	}
	if trigger != nil {
		tips[trigger.Chain] = trigger
	}

	prevHashes := lastPrevious.HeaderHashSet()
	headers := models.NewChildHeaderMap()
	var newBlockCount uint64

	for _, chain := range models.Chains() {
		var list []*models.ChildHeader
		if unfinished != nil && unfinished.PreviousHash == lastPrevious.Hash {
			list = append(list, unfinished.BlockchainHeaders.Get(chain)...)
		}
		if len(list) == 0 {
			prevNewest := lastPrevious.BlockchainHeaders.Newest(chain)
			if prevNewest == nil {
				return nil, 0, fmt.Errorf("previous block carries no %s headers", chain)
			}
			list = []*models.ChildHeader{prevNewest.WithConfirmations(prevNewest.ConfirmationsInParent + 1)}
		}

		if tip := tips[chain]; tip != nil && !containsHash(list, tip.Hash) {
			list = append([]*models.ChildHeader{tip.WithConfirmations(1)}, list...)
		}
		headers.Set(chain, list)

		for _, h := range list {
			if _, seen := prevHashes[h.Hash]; !seen {
				newBlockCount++
			}
		}
	}

	chainRoot := digest.Digest(ChildChainRoot(headers).String())
	fingerprintsRoot, err := headerFingerprintsRoot(headers)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to derive fingerprints root: %w", err)
	}

	height := lastPrevious.Height + 1
	items := make([]string, 0, headers.Count()+uint64(len(newTransactions))+8)
	for _, chain := range models.Chains() {
		for _, h := range headers.Get(chain) {
			items = append(items, h.Hash)
		}
	}
	items = append(items, newTransactions...)
	items = append(items,
		minerAddress,
		strconv.FormatUint(height, 10),
		strconv.FormatUint(lastPrevious.Version, 10),
		strconv.FormatUint(lastPrevious.SchemaVersion, 10),
		strconv.FormatUint(lastPrevious.NrgGrant, 10),
		fingerprintsRoot,
	)
	merkleRoot := MerkleRoot(items)

	ts := currentTimestampS
	if ts < lastPrevious.TimestampS {
		ts = lastPrevious.TimestampS
	}

	var finalDifficulty *big.Int
	for {
		preExp := GetDiff(ts*1000, lastPrevious.TimestampS*1000,
			&lastPrevious.Difficulty.Int, MinimumDifficultyBig(), newBlockCount)
		finalDifficulty = GetExpFactorDiff(preExp, lastPrevious.Height)
		if finalDifficulty.Cmp(big.NewInt(MaxSafeInt)) <= 0 {
			break
		}
		ts++
	}

	difficulty := &models.BigInt{}
	difficulty.Set(finalDifficulty)

	block := &models.ParentBlock{
		Hash:          digest.Digest(lastPrevious.Hash + merkleRoot),
		PreviousHash:  lastPrevious.Hash,
		Version:       lastPrevious.Version,
		SchemaVersion: lastPrevious.SchemaVersion,
		Height:        height,
		Miner:         minerAddress,
		Difficulty:    difficulty,
		TimestampS:    ts,
		MerkleRoot:    merkleRoot,
		ChainRoot:     chainRoot,
		Distance:      models.NewBigInt(0),
		TotalDistance: lastPrevious.TotalDistance.Copy(),
		Nonce:         "",
		NrgGrant:      lastPrevious.NrgGrant,

		TargetHash:         lastPrevious.TargetHash,
		TargetHeight:       lastPrevious.TargetHeight,
		TargetMiner:        lastPrevious.TargetMiner,
		TargetSignature:    lastPrevious.TargetSignature,
		Emblem:             lastPrevious.Emblem,
		EmblemWeight:       lastPrevious.EmblemWeight,
		EmblemChainAddress: lastPrevious.EmblemChainAddress,
		TxFeeBase:          lastPrevious.TxFeeBase,
		TxDistanceSumLimit: lastPrevious.TxDistanceSumLimit,

		TxList:  append([]string{}, newTransactions...),
		TxCount: uint64(len(newTransactions)),

		BlockchainHeadersCount:     headers.Count(),
		BlockchainHeaders:          headers,
		BlockchainFingerprintsRoot: fingerprintsRoot,
	}

	return block, ts, nil
}

// headerFingerprintsRoot folds the newest header of each chain into the
// fingerprints root.
func headerFingerprintsRoot(headers *models.ChildHeaderMap) (string, error) {
	fps := make([]digest.Fingerprint, 0, len(models.Chains()))
	for _, chain := range models.Chains() {
		newest := headers.Newest(chain)
		if newest == nil {
			continue
		}
		fp, err := digest.NewFingerprint([]byte(newest.Hash))
		if err != nil {
			return "", err
		}
		fps = append(fps, fp)
	}
	return digest.FingerprintsRoot(fps), nil
}

func containsHash(headers []*models.ChildHeader, hash string) bool {
	for _, h := range headers {
		if h.Hash == hash {
			return true
		}
	}
	return false
}
