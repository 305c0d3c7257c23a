package prv

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"testing"
)

// TestNewDescriptor verifies the descriptor fields and the head fingerprint
// format for content shorter and longer than the head window.
func TestNewDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"short content", []byte("tiny")},
		{"empty content", []byte{}},
		{"exactly head length", make([]byte, HeadLen)},
		{"longer than head", make([]byte, HeadLen*3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			full := sha1.Sum(tt.content)
			checksum := fmt.Sprintf("%x", full)

			head := tt.content
			if len(head) > HeadLen {
				head = head[:HeadLen]
			}

			d := NewDescriptor("dir/file.dat", int64(len(tt.content)), checksum, head)

			if d.Version != Version {
				t.Errorf("Version = %q, want %q", d.Version, Version)
			}
			if d.OriginalPath != "dir/file.dat" {
				t.Errorf("OriginalPath = %q", d.OriginalPath)
			}
			if d.OriginalSize != int64(len(tt.content)) {
				t.Errorf("OriginalSize = %d, want %d", d.OriginalSize, len(tt.content))
			}
			if d.OriginalChecksum != checksum {
				t.Errorf("OriginalChecksum = %q, want %q", d.OriginalChecksum, checksum)
			}

			headSum := sha1.Sum(head)
			wantFcs := fmt.Sprintf("head%d-%x", len(head), headSum)
			if d.OriginalFcs != wantFcs {
				t.Errorf("OriginalFcs = %q, want %q", d.OriginalFcs, wantFcs)
			}
		})
	}
}

// TestDescriptorJSON verifies the wire field names.
func TestDescriptorJSON(t *testing.T) {
	d := NewDescriptor("file.txt", 4, "da39a3ee5e6b4b0d3255bfef95601890afd80709", []byte("data"))

	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}

	for _, key := range []string{"prv_version", "original_path", "original_size", "original_checksum", "original_fcs"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("serialized descriptor missing %q field", key)
		}
	}
	if fields["prv_version"] != Version {
		t.Errorf("prv_version = %v, want %q", fields["prv_version"], Version)
	}
}
