package digest

import (
	"bytes"
	"encoding/hex"
	"fmt"

	mh "github.com/multiformats/go-multihash"
	_ "github.com/multiformats/go-multihash/register/blake3"
)

// Fingerprint wraps a BLAKE3 multihash identifying a child-chain snapshot.
// Format: <0x1e><0x20><32 bytes> = 34 bytes total. Fingerprints are the
// leaves folded into a parent block's blockchain_fingerprints_root.
type Fingerprint []byte

// NewFingerprint creates a BLAKE3 multihash fingerprint from data.
func NewFingerprint(data []byte) (Fingerprint, error) {
	h, err := mh.Sum(data, mh.BLAKE3, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to hash data: %w", err)
	}
	return Fingerprint(h), nil
}

// Verify checks that the fingerprint matches the provided data.
func (f Fingerprint) Verify(data []byte) error {
	decoded, err := mh.Decode(mh.Multihash(f))
	if err != nil {
		return fmt.Errorf("invalid multihash: %w", err)
	}

	if decoded.Code != mh.BLAKE3 {
		return fmt.Errorf("expected BLAKE3 hash, got 0x%x", decoded.Code)
	}

	computed, err := mh.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return fmt.Errorf("hash computation failed: %w", err)
	}

	if !bytes.Equal(computed, f) {
		return fmt.Errorf("fingerprint verification failed")
	}

	return nil
}

// Bytes returns the raw multihash bytes.
func (f Fingerprint) Bytes() []byte {
	return []byte(f)
}

// Hex returns the hex-encoded multihash.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f)
}

// FingerprintsRoot folds a list of fingerprints into a single root digest by
// hashing the hex encodings left to right.
func FingerprintsRoot(fps []Fingerprint) string {
	acc := ""
	for _, f := range fps {
		acc = Digest(acc + f.Hex())
	}
	return acc
}
