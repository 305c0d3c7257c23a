// Package memory implements an in-memory blob index for tests and
// ephemeral deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/flatironinstitute/kbucket/pkg/store/blobindex"
)

// MemoryIndex implements blobindex.Index backed by a map.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]blobindex.Record
}

// NewMemoryIndex creates an empty in-memory blob index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]blobindex.Record)}
}

// Put stores or overwrites the record for a hash.
func (i *MemoryIndex) Put(ctx context.Context, rec *blobindex.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.records[rec.Hash] = *rec
	return nil
}

// Get returns the record for a hash, or blobindex.ErrRecordNotFound.
func (i *MemoryIndex) Get(ctx context.Context, hash string) (*blobindex.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	rec, ok := i.records[hash]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", hash, blobindex.ErrRecordNotFound)
	}
	out := rec
	return &out, nil
}

// Close is a no-op for the in-memory index.
func (i *MemoryIndex) Close() error {
	return nil
}
