// Package crypto provides the hashing and signature primitives for the
// LOOM ledger: BLAKE3 content hashes and pure Ed25519 signatures over
// raw key material.
package crypto

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// HashSize is the byte length of a ledger hash.
const HashSize = 32

// Hash is a 32-byte BLAKE3 digest. The zero value names genesis
// (no prior entry).
type Hash [HashSize]byte

// ZeroHash is the genesis hash.
var ZeroHash Hash

// Sum computes the BLAKE3 digest of the concatenation of chunks.
func Sum(chunks ...[]byte) Hash {
	h := blake3.New(HashSize, nil)
	for _, c := range chunks {
		_, _ = h.Write(c)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// IsZero reports whether h is the genesis hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Hex returns the lowercase hex encoding, fixed 64 characters, no prefix.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// ParseHash decodes a 64-character lowercase hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("hash must be %d hex characters, got %d", HashSize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

// HashFromBytes copies a 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}
