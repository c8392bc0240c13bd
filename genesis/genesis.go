package genesis

import (
	"github.com/weavernet/weaver/digest"
	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/pow"
)

// Static height-1 data. The genesis block is rebuilt deterministically from
// these values; its hash commits to them like any other block's.
const (
	minerAddress = "0x028d3af888e08aa8380e5866b6e6f64ca3129b8d"
	previousHash = "0000000000000000000000000000000000000000000000000000000000000000"
	timestampS   = uint64(1_530_910_800)
	nrgGrant     = uint64(1_600_000_000)

	emblem             = "3e5e8bec97b8a9967b494d7b344cf0d7d1bbcbfd"
	emblemChainAddress = "0xa9943a22cb5c4f41a1a8b829681c1e9e9ceeee5e"
)

type bootHeader struct {
	chain      models.Chain
	hash       string
	prevHash   string
	height     uint64
	tsMS       uint64
	merkleRoot string
}

// One anchoring tip per rovered chain.
var bootHeaders = []bootHeader{
	{models.ChainBTC, "0000000000000000001b5c4c13a74e4f08abb1dee22d1d9f39f4c2ff2c3a02c2",
		"00000000000000000003f7666f5c7609dad21ce6afbbe86c7f42a76e00d1f42b", 530_309, 1_530_910_560_000,
		"c4f5a6e6c6c0a5fcd293cbfc67db1a4d0a7c4cda93cc8d9ad83c4a2c39b0b9ad"},
	{models.ChainETH, "f8f4f9b9a2b1cf5dd4c1cb8e63ba9e3c5bfa5c7e7bdc7c9a9b0ba4f8cd6d5e4f",
		"3a3e4c8a7d4f5b9ec1c9d1f3a5b7c9e1f3a5b7c9e1f3a5b7c9e1f3a5b7c9e1f3", 5_921_161, 1_530_910_671_000,
		"8c8c3a9b4d2e1f7a6b5c4d3e2f1a0b9c8d7e6f5a4b3c2d1e0f9a8b7c6d5e4f3a"},
	{models.ChainLSK, "9d8b6a9d3c2e5f4a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a",
		"1f2e3d4c5b6a798887766554433221100ffeeddccbbaa99887766554433221100", 6_509_843, 1_530_910_740_000,
		"2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b1c2d3e4f5a6b7c8d9e0f1a2b3c"},
	{models.ChainNEO, "d2c1b0a9f8e7d6c5b4a3928170605f4e3d2c1b0a9f8e7d6c5b4a3928170605f4",
		"e3d2c1b0a9f8e7d6c5b4a3928170605f4e3d2c1b0a9f8e7d6c5b4a3928170605", 2_435_841, 1_530_910_500_000,
		"5f4e3d2c1b0a9f8e7d6c5b4a3928170605f4e3d2c1b0a9f8e7d6c5b4a3928170"},
	{models.ChainWAV, "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90",
		"90f8e7d6c5b4a3029181706f5e4d3c2b1a0918273645546372819a0b1c2d3e4f", 1_057_812, 1_530_910_620_000,
		"6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c"},
}

// Block builds the canonical height-1 parent block.
func Block() *models.ParentBlock {
	headers := models.NewChildHeaderMap()
	fps := make([]digest.Fingerprint, 0, len(bootHeaders))
	var items []string

	for _, bh := range bootHeaders {
		h := &models.ChildHeader{
			Chain:                 bh.chain,
			Hash:                  bh.hash,
			PreviousHash:          bh.prevHash,
			TimestampMS:           bh.tsMS,
			Height:                bh.height,
			MerkleRoot:            bh.merkleRoot,
			ConfirmationsInParent: 1,
		}
		headers.Set(bh.chain, []*models.ChildHeader{h})
		items = append(items, bh.hash)

		fp, err := digest.NewFingerprint([]byte(bh.hash))
		if err != nil {
			// The fingerprint function only fails on unknown hash codes,
			// which cannot happen for the registered BLAKE3 code.
			panic(err)
		}
		fps = append(fps, fp)
	}

	fingerprintsRoot := digest.FingerprintsRoot(fps)
	items = append(items, minerAddress, "1", fingerprintsRoot)
	merkleRoot := pow.MerkleRoot(items)

	return &models.ParentBlock{
		Hash:          digest.Digest(previousHash + merkleRoot),
		PreviousHash:  previousHash,
		Version:       1,
		SchemaVersion: 1,
		Height:        1,
		Miner:         minerAddress,
		Difficulty:    models.NewBigInt(pow.MinimumDifficulty),
		TimestampS:    timestampS,
		MerkleRoot:    merkleRoot,
		ChainRoot:     digest.Digest(pow.ChildChainRoot(headers).String()),
		Distance:      models.NewBigInt(0),
		TotalDistance: models.NewBigInt(0),
		Nonce:         "",
		NrgGrant:      nrgGrant,

		TargetHash:         "",
		TargetHeight:       0,
		TargetMiner:        "",
		TargetSignature:    "",
		Emblem:             emblem,
		EmblemWeight:       6757,
		EmblemChainAddress: emblemChainAddress,
		TxFeeBase:          0,
		TxDistanceSumLimit: 0,

		TxList:  nil,
		TxCount: 0,

		BlockchainHeadersCount:     headers.Count(),
		BlockchainHeaders:          headers,
		BlockchainFingerprintsRoot: fingerprintsRoot,
	}
}

// Hash returns the canonical genesis hash.
func Hash() string {
	return Block().Hash
}
