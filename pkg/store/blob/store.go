// Package blob defines the content-addressed blob store used by the hub.
//
// Blobs are immutable byte sequences keyed by the hex digest of their full
// content. A blob enters the store exactly once, through Commit, which moves
// a fully staged upload into place. Blobs are never mutated afterwards and
// never deleted by the hub itself.
package blob

import (
	"context"
	"crypto/sha1"
	"hash"
	"io"
	"regexp"
)

// HashHexLen is the length of a hex-encoded content hash. The store uses a
// single fixed digest algorithm (SHA-1, 160 bits) over the full byte stream.
const HashHexLen = 40

var hashPattern = regexp.MustCompile(`^[a-f0-9]{40}$`)

// NewDigest returns a fresh digest for hashing blob content.
func NewDigest() hash.Hash {
	return sha1.New()
}

// ValidHash reports whether s is a well-formed content hash (fixed-length,
// lowercase hex). Lookups with an invalid hash must fail before touching
// storage.
func ValidHash(s string) bool {
	return hashPattern.MatchString(s)
}

// Record describes a committed blob.
type Record struct {
	// Hash is the hex digest of the blob's full content.
	Hash string

	// Size is the blob's length in bytes. The stored bytes always have
	// exactly this length.
	Size int64
}

// Store is the interface implemented by blob storage backends.
//
// Thread safety:
// All methods must be safe for concurrent use. Commit in particular must be
// safe under concurrent commits of the same hash: the second committer
// observes the first's result instead of corrupting the store.
type Store interface {
	// Exists reports whether a blob with the given hash is present.
	Exists(ctx context.Context, hash string) (bool, error)

	// Stat returns the record for a committed blob.
	// Returns ErrBlobNotFound if no blob exists for the hash.
	Stat(ctx context.Context, hash string) (*Record, error)

	// Commit moves a fully staged file into the store under the given hash.
	//
	// If no blob exists for the hash, the staged file is moved (or copied
	// and removed) into place. If a blob with the same hash and size already
	// exists, the staged file is discarded and the existing record returned.
	// If a blob exists with a different size, Commit returns
	// ErrStoreCorruption and leaves both files untouched.
	Commit(ctx context.Context, stagedPath, hash string, expectedSize int64) (*Record, error)

	// Open returns a reader over the blob's content.
	// Returns ErrBlobNotFound if no blob exists for the hash.
	Open(ctx context.Context, hash string) (io.ReadCloser, error)

	// ReadPrefix reads up to n bytes from the start of the blob. Used for
	// fingerprinting; the returned slice may be shorter than n for blobs
	// smaller than n bytes.
	ReadPrefix(ctx context.Context, hash string, n int) ([]byte, error)
}
