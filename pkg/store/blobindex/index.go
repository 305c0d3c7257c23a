// Package blobindex defines the metadata index kept alongside the blob store.
//
// The index records one entry per committed blob: its size, the original
// file name supplied at upload time, and the commit timestamp. It lets the
// stat/find endpoints answer without touching blob storage and survives
// restarts when backed by a persistent store.
package blobindex

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound indicates no index record exists for the hash.
var ErrRecordNotFound = errors.New("blob index record not found")

// Record is the indexed metadata for a committed blob.
type Record struct {
	// Hash is the blob's content hash.
	Hash string `json:"hash"`

	// Size is the blob's length in bytes.
	Size int64 `json:"size"`

	// OriginalName is the file name supplied when the blob was uploaded.
	// May be empty.
	OriginalName string `json:"original_name,omitempty"`

	// CommittedAt is when the blob was committed into the store.
	CommittedAt time.Time `json:"committed_at"`
}

// Index is the interface implemented by blob index backends.
//
// All methods must be safe for concurrent use.
type Index interface {
	// Put stores or overwrites the record for a hash. Committing the same
	// content twice writes an equivalent record, so overwriting is safe.
	Put(ctx context.Context, rec *Record) error

	// Get returns the record for a hash, or ErrRecordNotFound.
	Get(ctx context.Context, hash string) (*Record, error)

	// Close releases backend resources.
	Close() error
}
