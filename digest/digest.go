package digest

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Digest computes the protocol hash of a string: the hex encoding of a
// 32-byte BLAKE3 digest. Every hash in the block model (block hashes, merkle
// roots, work strings, nonce hashes) is produced by this function.
func Digest(data string) string {
	sum := blake3.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// DigestBytes is Digest over raw bytes.
func DigestBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
