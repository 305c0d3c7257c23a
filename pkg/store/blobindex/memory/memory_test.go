package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flatironinstitute/kbucket/pkg/store/blobindex"
)

// TestPutGet verifies the store/retrieve cycle and overwrite behavior.
func TestPutGet(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	rec := &blobindex.Record{
		Hash:         "0123456789abcdef0123456789abcdef01234567",
		Size:         42,
		OriginalName: "data.csv",
		CommittedAt:  time.Now().UTC(),
	}
	if err := idx.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := idx.Get(ctx, rec.Hash)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Size != rec.Size || got.OriginalName != rec.OriginalName {
		t.Errorf("Get() = %+v, want %+v", got, rec)
	}

	// Overwriting is allowed; the last record wins.
	rec.OriginalName = "renamed.csv"
	if err := idx.Put(ctx, rec); err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}
	got, err = idx.Get(ctx, rec.Hash)
	if err != nil {
		t.Fatalf("Get() after overwrite failed: %v", err)
	}
	if got.OriginalName != "renamed.csv" {
		t.Errorf("Get() name = %q, want %q", got.OriginalName, "renamed.csv")
	}
}

// TestGetMissing verifies the not-found error.
func TestGetMissing(t *testing.T) {
	idx := NewMemoryIndex()
	defer idx.Close()

	_, err := idx.Get(context.Background(), "ffffffffffffffffffffffffffffffffffffffff")
	if !errors.Is(err, blobindex.ErrRecordNotFound) {
		t.Fatalf("Get() error = %v, want ErrRecordNotFound", err)
	}
}
