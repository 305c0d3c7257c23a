// Package memory implements an in-memory blob store.
//
// Content is held entirely in process memory and lost on restart. Intended
// for tests and ephemeral deployments.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/flatironinstitute/kbucket/pkg/store/blob"
)

// MemoryBlobStore implements blob.Store backed by a map.
//
// All methods are safe for concurrent use; a single RWMutex guards the map.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Exists reports whether a blob with the given hash is present.
func (s *MemoryBlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !blob.ValidHash(hash) {
		return false, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

// Stat returns the record for a committed blob.
func (s *MemoryBlobStore) Stat(ctx context.Context, hash string) (*blob.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !blob.ValidHash(hash) {
		return nil, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", hash, blob.ErrBlobNotFound)
	}
	return &blob.Record{Hash: hash, Size: int64(len(data))}, nil
}

// Commit reads the staged file into memory under the given hash and removes
// the staged file. Duplicate commits of the same hash and size succeed; a
// size conflict returns blob.ErrStoreCorruption.
func (s *MemoryBlobStore) Commit(ctx context.Context, stagedPath, hash string, expectedSize int64) (*blob.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !blob.ValidHash(hash) {
		return nil, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	data, err := os.ReadFile(stagedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged file: %w", err)
	}
	if int64(len(data)) != expectedSize {
		return nil, fmt.Errorf("staged file %s is %d bytes, expected %d: %w",
			stagedPath, len(data), expectedSize, blob.ErrStagedSizeMismatch)
	}

	s.mu.Lock()
	existing, ok := s.blobs[hash]
	if ok && int64(len(existing)) != expectedSize {
		s.mu.Unlock()
		return nil, fmt.Errorf("blob %s exists with size %d, staged size %d: %w",
			hash, len(existing), expectedSize, blob.ErrStoreCorruption)
	}
	if !ok {
		s.blobs[hash] = data
	}
	s.mu.Unlock()

	if err := os.Remove(stagedPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove staged file: %w", err)
	}
	return &blob.Record{Hash: hash, Size: expectedSize}, nil
}

// Open returns a reader over the blob's content.
func (s *MemoryBlobStore) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !blob.ValidHash(hash) {
		return nil, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	s.mu.RLock()
	data, ok := s.blobs[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", hash, blob.ErrBlobNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ReadPrefix reads up to n bytes from the start of the blob.
func (s *MemoryBlobStore) ReadPrefix(ctx context.Context, hash string, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !blob.ValidHash(hash) {
		return nil, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", hash, blob.ErrBlobNotFound)
	}
	if n > len(data) {
		n = len(data)
	}
	out := make([]byte, n)
	copy(out, data[:n])
	return out, nil
}
