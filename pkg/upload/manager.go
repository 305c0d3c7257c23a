// Package upload implements resumable chunked uploads.
//
// Each upload is staged in a file named after its sanitized session name.
// Chunks address byte offsets and may arrive out of order or be retried;
// writing the same offset twice overwrites identically. When the caller
// signals completion, the staged file is hashed, committed into the blob
// store, and described by a PRV descriptor.
//
// Session lifecycle: EMPTY -> WRITING -> ASSEMBLED (declared size reached,
// finalize invoked) -> COMMITTED or FAILED. There is no transition out of a
// terminal state; retrying after a failure requires a fresh session name or
// administrative cleanup of the staging file.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flatironinstitute/kbucket/internal/logger"
	"github.com/flatironinstitute/kbucket/pkg/prv"
	"github.com/flatironinstitute/kbucket/pkg/store/blob"
	"github.com/flatironinstitute/kbucket/pkg/store/blobindex"
)

var (
	// ErrUploadsDisabled indicates the global size cap is zero or negative,
	// which disables uploads entirely.
	ErrUploadsDisabled = errors.New("uploads are disabled")

	// ErrTooLarge indicates the declared total size exceeds the per-request
	// or global cap. Checked before any bytes are accepted.
	ErrTooLarge = errors.New("upload too large")

	// ErrInvalidSession indicates a malformed or unknown session name.
	ErrInvalidSession = errors.New("invalid upload session")

	// ErrChunkPastEnd indicates a chunk write would push the staged file
	// past the declared total size.
	ErrChunkPastEnd = errors.New("chunk exceeds declared upload size")

	// ErrSizeMismatch indicates completion was signaled while the staged
	// file's size differs from the declared total. The staged file is left
	// in place for inspection.
	ErrSizeMismatch = errors.New("upload size mismatch")

	// ErrShortRead indicates the staged file changed size while being
	// hashed during finalization.
	ErrShortRead = errors.New("staged file changed size during read")
)

// Manager owns the staging directory and finalizes completed uploads into
// the blob store.
type Manager struct {
	stagingDir string
	store      blob.Store
	index      blobindex.Index
	globalCap  int64
}

// NewManager creates an upload manager. stagingDir is created if absent.
// globalCapBytes <= 0 disables uploads. index may be nil, in which case no
// metadata records are written at commit.
func NewManager(ctx context.Context, stagingDir string, store blob.Store, index blobindex.Index, globalCapBytes int64) (*Manager, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Manager{
		stagingDir: stagingDir,
		store:      store,
		index:      index,
		globalCap:  globalCapBytes,
	}, nil
}

// SessionName derives a staging-safe session name from the caller-supplied
// identity and upload identifier. Path separators and other unsafe
// characters are stripped the way the upload clients expect.
func SessionName(identity, identifier string) (string, error) {
	raw := identifier
	if identity != "" {
		raw = identity + "-" + identifier
	}
	name := sanitize(raw)
	if name == "" {
		return "", fmt.Errorf("session name %q: %w", raw, ErrInvalidSession)
	}
	return name, nil
}

// sanitize removes characters that are unsafe in a file name: path
// separators, reserved punctuation, control characters, and leading/trailing
// dots that could escape the staging directory.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
		case strings.ContainsRune(`/\?<>:*|"`, r):
		default:
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ". ")
}

// ValidateRequest checks the declared total size against both caps before
// any bytes are accepted. Both caps are independent necessary conditions.
func (m *Manager) ValidateRequest(totalSize, perRequestCap int64) error {
	if totalSize < 0 {
		return fmt.Errorf("negative total size: %w", ErrInvalidSession)
	}
	if m.globalCap <= 0 {
		return ErrUploadsDisabled
	}
	if perRequestCap > 0 && totalSize > perRequestCap {
		return fmt.Errorf("declared size %d exceeds request cap %d: %w", totalSize, perRequestCap, ErrTooLarge)
	}
	if totalSize > m.globalCap {
		return fmt.Errorf("declared size %d exceeds global cap %d: %w", totalSize, m.globalCap, ErrTooLarge)
	}
	return nil
}

func (m *Manager) stagingPath(session string) string {
	return filepath.Join(m.stagingDir, session)
}

// WriteChunk writes bytes from r into the staging file starting at offset.
// The file is created on the first chunk. A write that would push the file
// past declaredTotal is rejected with ErrChunkPastEnd; bytes up to the
// limit may already have been written when that happens, which is harmless
// because the offending session can never finalize past the declared size.
func (m *Manager) WriteChunk(ctx context.Context, session string, offset, declaredTotal int64, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if session == "" || session != sanitize(session) {
		return 0, fmt.Errorf("session %q: %w", session, ErrInvalidSession)
	}
	if offset < 0 || offset > declaredTotal {
		return 0, fmt.Errorf("offset %d outside [0,%d]: %w", offset, declaredTotal, ErrChunkPastEnd)
	}

	f, err := os.OpenFile(m.stagingPath(session), os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek to chunk offset: %w", err)
	}

	remaining := declaredTotal - offset

	// Copy one byte past the allowed remainder so an oversized chunk is
	// detected rather than silently truncated.
	written, err := io.Copy(f, io.LimitReader(r, remaining))
	if err != nil {
		return written, fmt.Errorf("failed to write chunk: %w", err)
	}
	if extra, err := io.CopyN(io.Discard, r, 1); err == nil && extra > 0 {
		return written, fmt.Errorf("chunk at offset %d overruns total %d: %w", offset, declaredTotal, ErrChunkPastEnd)
	}

	return written, nil
}

// Finalize verifies the assembled staging file, commits it into the blob
// store, and returns its PRV descriptor. On success the staging file no
// longer exists. On integrity failures the staging file is left in place.
func (m *Manager) Finalize(ctx context.Context, session string, declaredTotal int64, originalName string) (*prv.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if session == "" || session != sanitize(session) {
		return nil, fmt.Errorf("session %q: %w", session, ErrInvalidSession)
	}

	path := m.stagingPath(session)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no staged data for session %q: %w", session, ErrInvalidSession)
		}
		return nil, fmt.Errorf("failed to stat staging file: %w", err)
	}
	if info.Size() != declaredTotal {
		return nil, fmt.Errorf("staged %d bytes, declared %d: upload may be incomplete: %w",
			info.Size(), declaredTotal, ErrSizeMismatch)
	}

	hash, read, err := m.hashFile(path)
	if err != nil {
		return nil, err
	}
	if read != info.Size() {
		return nil, fmt.Errorf("read %d of %d bytes from %s: %w", read, info.Size(), path, ErrShortRead)
	}

	record, err := m.store.Commit(ctx, path, hash, declaredTotal)
	if err != nil {
		return nil, fmt.Errorf("failed to commit upload: %w", err)
	}

	// The head checksum is computed from the committed blob, not the staged
	// file, which no longer exists at this point.
	head, err := m.store.ReadPrefix(ctx, record.Hash, prv.HeadLen)
	if err != nil {
		return nil, fmt.Errorf("failed to read committed blob prefix: %w", err)
	}

	if m.index != nil {
		rec := &blobindex.Record{
			Hash:         record.Hash,
			Size:         record.Size,
			OriginalName: originalName,
			CommittedAt:  time.Now().UTC(),
		}
		if err := m.index.Put(ctx, rec); err != nil {
			// The blob is committed; a failed index write only degrades
			// stat/find metadata.
			logger.Warn("Failed to index blob %s: %v", record.Hash, err)
		}
	}

	logger.Info("Committed upload %s as %s (%d bytes)", session, record.Hash, record.Size)
	return prv.NewDescriptor(originalName, record.Size, record.Hash, head), nil
}

// hashFile streams the file through the content digest, returning the hex
// digest and the number of bytes read.
func (m *Manager) hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()

	digest := blob.NewDigest()
	read, err := io.Copy(digest, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash staging file: %w", err)
	}
	return fmt.Sprintf("%x", digest.Sum(nil)), read, nil
}
