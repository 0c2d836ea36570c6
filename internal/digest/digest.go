// Package digest fingerprints relay frames so ledger entries can be
// referred to without echoing their payload.
package digest

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const (
	// Size is the length in bytes of a Sum.
	Size = blake2b.Size256
	// ShortSize is the number of bytes kept by Short.
	ShortSize = 8
)

// Sum is a BLAKE2b-256 digest.
type Sum [Size]byte

// Of returns the digest of data.
func Of(data []byte) Sum {
	return blake2b.Sum256(data)
}

// String returns the full hex encoding.
func (s Sum) String() string {
	return hex.EncodeToString(s[:])
}

// Short returns the hex encoding of the first ShortSize bytes, used in logs.
func (s Sum) Short() string {
	return hex.EncodeToString(s[:ShortSize])
}

// IsZero reports whether s is the zero digest.
func (s Sum) IsZero() bool {
	return s == Sum{}
}
