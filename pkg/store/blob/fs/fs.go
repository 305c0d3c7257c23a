// Package fs implements the blob store on the local filesystem.
//
// Blobs are stored as flat files named by their content hash inside a single
// base directory. Commit relies on rename(2) within the same filesystem, so
// the staging directory must live on the same volume as the store.
package fs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flatironinstitute/kbucket/pkg/store/blob"
)

// FSBlobStore implements blob.Store using the local filesystem.
//
// Thread Safety:
// Reads are safe concurrently. Commit is safe under concurrent commits of
// the same hash: the loser of the rename race re-checks the winner's file
// and treats it as a duplicate.
type FSBlobStore struct {
	basePath string

	// verifyDuplicates enables a byte-for-byte comparison before accepting
	// an already-present blob as a duplicate, instead of trusting size alone.
	verifyDuplicates bool
}

// Option configures an FSBlobStore.
type Option func(*FSBlobStore)

// WithDuplicateVerification makes Commit compare full content, not just
// size, before discarding a staged file as a duplicate.
func WithDuplicateVerification() Option {
	return func(s *FSBlobStore) { s.verifyDuplicates = true }
}

// NewFSBlobStore creates a filesystem-backed blob store rooted at basePath.
// The directory is created if it does not exist.
func NewFSBlobStore(ctx context.Context, basePath string, opts ...Option) (*FSBlobStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	s := &FSBlobStore{basePath: basePath}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// blobPath returns the storage path for a hash. The path is derived
// deterministically: one flat file per hash under the base directory.
func (s *FSBlobStore) blobPath(hash string) string {
	return filepath.Join(s.basePath, hash)
}

// Exists reports whether a blob with the given hash is present.
func (s *FSBlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !blob.ValidHash(hash) {
		return false, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	_, err := os.Stat(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check blob existence: %w", err)
	}
	return true, nil
}

// Stat returns the record for a committed blob.
func (s *FSBlobStore) Stat(ctx context.Context, hash string) (*blob.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !blob.ValidHash(hash) {
		return nil, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	info, err := os.Stat(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", hash, blob.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	return &blob.Record{Hash: hash, Size: info.Size()}, nil
}

// Commit moves a fully staged file into the store under the given hash.
//
// The commit is a check-then-act guarded against duplicate-move races:
//  1. If no blob exists, rename the staged file into place. A rename failure
//     caused by a concurrent commit of the same hash is re-checked and
//     treated as "someone else got there first", not as corruption.
//  2. If a blob already exists with the expected size (and, when duplicate
//     verification is on, identical content), the staged file is deleted and
//     the existing record returned.
//  3. If a blob exists with a different size, blob.ErrStoreCorruption is
//     returned and both files are left in place for inspection.
func (s *FSBlobStore) Commit(ctx context.Context, stagedPath, hash string, expectedSize int64) (*blob.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !blob.ValidHash(hash) {
		return nil, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	staged, err := os.Stat(stagedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat staged file: %w", err)
	}
	if staged.Size() != expectedSize {
		return nil, fmt.Errorf("staged file %s is %d bytes, expected %d: %w",
			stagedPath, staged.Size(), expectedSize, blob.ErrStagedSizeMismatch)
	}

	dst := s.blobPath(hash)

	existing, err := os.Stat(dst)
	switch {
	case err == nil:
		return s.commitDuplicate(stagedPath, dst, hash, expectedSize, existing.Size())
	case os.IsNotExist(err):
		// Fall through to the rename below.
	default:
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}

	if err := os.Rename(stagedPath, dst); err != nil {
		// A concurrent commit of the same hash may have won the race.
		if existing, statErr := os.Stat(dst); statErr == nil {
			return s.commitDuplicate(stagedPath, dst, hash, expectedSize, existing.Size())
		}
		return nil, fmt.Errorf("failed to move staged file into store: %w", err)
	}

	return &blob.Record{Hash: hash, Size: expectedSize}, nil
}

// commitDuplicate resolves a commit against an already-present blob.
func (s *FSBlobStore) commitDuplicate(stagedPath, dst, hash string, expectedSize, existingSize int64) (*blob.Record, error) {
	if existingSize != expectedSize {
		return nil, fmt.Errorf("blob %s exists with size %d, staged size %d: %w",
			hash, existingSize, expectedSize, blob.ErrStoreCorruption)
	}

	if s.verifyDuplicates {
		same, err := filesEqual(stagedPath, dst)
		if err != nil {
			return nil, fmt.Errorf("failed to compare staged file with existing blob: %w", err)
		}
		if !same {
			return nil, fmt.Errorf("blob %s exists with same size but different content: %w",
				hash, blob.ErrStoreCorruption)
		}
	}

	if err := os.Remove(stagedPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to discard duplicate staged file: %w", err)
	}
	return &blob.Record{Hash: hash, Size: expectedSize}, nil
}

// Open returns a reader over the blob's content.
func (s *FSBlobStore) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !blob.ValidHash(hash) {
		return nil, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", hash, blob.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// ReadPrefix reads up to n bytes from the start of the blob.
func (s *FSBlobStore) ReadPrefix(ctx context.Context, hash string, n int) ([]byte, error) {
	f, err := s.Open(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("failed to read blob prefix: %w", err)
	}
	return buf[:read], nil
}

// filesEqual compares two files byte for byte.
func filesEqual(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()

	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	const bufSize = 64 * 1024
	bufA := make([]byte, bufSize)
	bufB := make([]byte, bufSize)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			return errB == io.EOF || errB == io.ErrUnexpectedEOF, nil
		}
		if errA != nil {
			return false, errA
		}
		if errB != nil {
			return false, errB
		}
	}
}
