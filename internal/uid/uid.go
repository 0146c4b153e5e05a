// Package uid provides identifier generation for ZoomStore.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash"
	"time"
)

// IDLength is the length of an image identifier in hex characters.
const IDLength = 32

// New generates a 32-character hex string suitable for temp file names and
// generation run tokens using crypto/rand.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback: timestamp-based ID. Should never happen with crypto/rand.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// FromDigest derives an image identifier from a content hash: the first
// 128 bits of the digest as lowercase hex.
func FromDigest(h hash.Hash) string {
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:IDLength/2])
}

// Valid reports whether s is a well-formed image identifier. Identifiers
// are used as directory names, so anything else is rejected before it can
// reach the filesystem.
func Valid(s string) bool {
	if len(s) != IDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
