package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store defines an ordered key-value store over string keys.
// The block engine uses a small, fixed key layout ("bc.block.latest",
// "bc.block.<height>", "<chain>.block.latest", ...) and treats the store as a
// single-writer resource.
type Store interface {
	// Put stores a key-value pair.
	Put(ctx context.Context, key string, value []byte) error

	// Get retrieves a value by key.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetBatch retrieves several keys in one call. The result slice is
	// positionally aligned with keys; a missing key yields a nil entry.
	GetBatch(ctx context.Context, keys []string) ([][]byte, error)

	// Delete removes a key-value pair.
	Delete(ctx context.Context, key string) error

	// Close releases any resources.
	Close() error
}
