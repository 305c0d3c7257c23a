package blob

import "errors"

// Standard blob store errors.
//
// These provide a consistent way to indicate common failure conditions across
// all store implementations. The HTTP gateway checks for these errors and
// maps them to structured responses.
//
// Implementations should wrap these with additional context:
//
//	return nil, fmt.Errorf("blob %s: %w", hash, blob.ErrBlobNotFound)
var (
	// ErrBlobNotFound indicates no blob exists for the requested hash.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrInvalidHash indicates the hash does not match the fixed-length
	// lowercase-hex digest format.
	ErrInvalidHash = errors.New("invalid content hash")

	// ErrStoreCorruption indicates a blob already exists for a hash with a
	// different size (two contents hashing to the same identifier, or a
	// previous partial write). This is reported to the caller and never
	// resolved silently by keeping or overwriting either file.
	ErrStoreCorruption = errors.New("blob store corruption: existing blob does not match")

	// ErrStagedSizeMismatch indicates the staged file handed to Commit does
	// not have the expected size.
	ErrStagedSizeMismatch = errors.New("staged file size mismatch")
)
