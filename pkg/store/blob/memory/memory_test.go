package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/flatironinstitute/kbucket/pkg/store/blob"
)

func hashOf(data []byte) string {
	digest := blob.NewDigest()
	digest.Write(data)
	return fmt.Sprintf("%x", digest.Sum(nil))
}

// TestCommitAndRead verifies the commit/stat/open/prefix cycle.
func TestCommitAndRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBlobStore()

	data := []byte("in-memory blob content")
	hash := hashOf(data)

	staged := filepath.Join(t.TempDir(), "staged")
	if err := os.WriteFile(staged, data, 0644); err != nil {
		t.Fatalf("failed to stage: %v", err)
	}

	rec, err := store.Commit(ctx, staged, hash, int64(len(data)))
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if rec.Size != int64(len(data)) {
		t.Errorf("Commit() size = %d, want %d", rec.Size, len(data))
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Error("staged file should be removed after commit")
	}

	if ok, _ := store.Exists(ctx, hash); !ok {
		t.Error("Exists() = false after commit")
	}

	rc, err := store.Open(ctx, hash)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	content, _ := io.ReadAll(rc)
	rc.Close()
	if string(content) != string(data) {
		t.Errorf("blob content = %q, want %q", content, data)
	}

	prefix, err := store.ReadPrefix(ctx, hash, 9)
	if err != nil {
		t.Fatalf("ReadPrefix() failed: %v", err)
	}
	if string(prefix) != "in-memory" {
		t.Errorf("ReadPrefix() = %q, want %q", prefix, "in-memory")
	}
}

// TestCommitSizeConflict verifies the corruption error on conflicting sizes.
func TestCommitSizeConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBlobStore()

	data := []byte("first version")
	hash := hashOf(data)
	dir := t.TempDir()

	staged := filepath.Join(dir, "a")
	if err := os.WriteFile(staged, data, 0644); err != nil {
		t.Fatalf("failed to stage: %v", err)
	}
	if _, err := store.Commit(ctx, staged, hash, int64(len(data))); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	other := filepath.Join(dir, "b")
	if err := os.WriteFile(other, []byte("a different, longer payload"), 0644); err != nil {
		t.Fatalf("failed to stage: %v", err)
	}
	_, err := store.Commit(ctx, other, hash, 27)
	if !errors.Is(err, blob.ErrStoreCorruption) {
		t.Fatalf("Commit() error = %v, want ErrStoreCorruption", err)
	}
}

// TestNotFound verifies missing-blob errors.
func TestNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBlobStore()
	missing := hashOf([]byte("nope"))

	if _, err := store.Stat(ctx, missing); !errors.Is(err, blob.ErrBlobNotFound) {
		t.Errorf("Stat() error = %v, want ErrBlobNotFound", err)
	}
	if _, err := store.Open(ctx, missing); !errors.Is(err, blob.ErrBlobNotFound) {
		t.Errorf("Open() error = %v, want ErrBlobNotFound", err)
	}
	if _, err := store.ReadPrefix(ctx, missing, 10); !errors.Is(err, blob.ErrBlobNotFound) {
		t.Errorf("ReadPrefix() error = %v, want ErrBlobNotFound", err)
	}
}
