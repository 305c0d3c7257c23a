// Package badger implements the blob index on BadgerDB.
//
// Records are stored as JSON values under "blob:<hash>" keys. BadgerDB gives
// the hub a persistent index without an external database process.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/flatironinstitute/kbucket/pkg/store/blobindex"
)

const keyPrefix = "blob:"

// BadgerIndexConfig configures a BadgerIndex.
type BadgerIndexConfig struct {
	// DBPath is the directory holding the BadgerDB files.
	DBPath string

	// InMemory runs BadgerDB without disk persistence. Used in tests.
	InMemory bool
}

// BadgerIndex implements blobindex.Index on BadgerDB.
type BadgerIndex struct {
	db *badgerdb.DB
}

// NewBadgerIndex opens (or creates) the index database.
func NewBadgerIndex(ctx context.Context, cfg BadgerIndexConfig) (*BadgerIndex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger blob index: db_path is required")
	}

	opts := badgerdb.DefaultOptions(cfg.DBPath)
	opts = opts.WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger blob index: %w", err)
	}
	return &BadgerIndex{db: db}, nil
}

func recordKey(hash string) []byte {
	return []byte(keyPrefix + hash)
}

// Put stores or overwrites the record for a hash.
func (i *BadgerIndex) Put(ctx context.Context, rec *blobindex.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal blob record: %w", err)
	}

	err = i.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(recordKey(rec.Hash), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store blob record: %w", err)
	}
	return nil
}

// Get returns the record for a hash, or blobindex.ErrRecordNotFound.
func (i *BadgerIndex) Get(ctx context.Context, hash string) (*blobindex.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec blobindex.Record
	err := i.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(recordKey(hash))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil, fmt.Errorf("blob %s: %w", hash, blobindex.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to load blob record: %w", err)
	}
	return &rec, nil
}

// Close closes the underlying database.
func (i *BadgerIndex) Close() error {
	return i.db.Close()
}
