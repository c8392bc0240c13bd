package memory

import (
	"context"
	"sync"

	"github.com/weavernet/weaver/kvstore"
)

// Store is an in-memory implementation of kvstore.Store.
// Suitable for testing and development.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates a new in-memory Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Put stores a key-value pair.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = append([]byte{}, value...)
	return nil
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.data[key]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return append([]byte{}, val...), nil
}

// GetBatch retrieves several keys; missing keys yield nil entries.
func (s *Store) GetBatch(ctx context.Context, keys []string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([][]byte, len(keys))
	for i, key := range keys {
		if val, ok := s.data[key]; ok {
			values[i] = append([]byte{}, val...)
		}
	}
	return values, nil
}

// Delete removes a key-value pair.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Close releases any resources.
func (s *Store) Close() error {
	return nil
}
