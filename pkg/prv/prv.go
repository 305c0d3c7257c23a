// Package prv produces PRV descriptors: portable metadata records capturing
// a file's size, full content hash, and a cheap prefix-based fingerprint.
// A PRV lets two parties check file identity without rehashing the whole
// content.
package prv

import (
	"fmt"

	"github.com/flatironinstitute/kbucket/pkg/store/blob"
)

// Version is the descriptor format version tag.
const Version = "0.11"

// HeadLen is the number of leading bytes hashed into the head checksum.
const HeadLen = 1000

// Descriptor is the metadata record returned after a successful upload.
type Descriptor struct {
	Version          string `json:"prv_version"`
	OriginalPath     string `json:"original_path"`
	OriginalSize     int64  `json:"original_size"`
	OriginalChecksum string `json:"original_checksum"`
	OriginalFcs      string `json:"original_fcs"`
}

// NewDescriptor builds a descriptor for a committed blob. head must be the
// first bytes of the content, at most HeadLen of them; shorter content
// yields a correspondingly shorter head.
func NewDescriptor(originalPath string, size int64, checksum string, head []byte) *Descriptor {
	digest := blob.NewDigest()
	digest.Write(head)
	return &Descriptor{
		Version:          Version,
		OriginalPath:     originalPath,
		OriginalSize:     size,
		OriginalChecksum: checksum,
		OriginalFcs:      fmt.Sprintf("head%d-%x", len(head), digest.Sum(nil)),
	}
}
