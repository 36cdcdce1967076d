package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Key and signature sizes, fixed by Ed25519.
const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SeedSize       = ed25519.SeedSize
	SignatureSize  = ed25519.SignatureSize
)

// GenerateKey produces a fresh Ed25519 keypair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("key generation failed: %w", err)
	}
	return pub, priv, nil
}

// Sign produces a 64-byte pure Ed25519 signature (not prehashed).
// The private key is borrowed for the duration of the call only.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks a 64-byte signature against a raw 32-byte public key.
// Wrong-length key or signature material verifies false rather than
// panicking; the comparison itself is constant-time.
func Verify(pub, sig, msg []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// EncodeKey returns the lowercase hex form of raw key or signature bytes.
func EncodeKey(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeKey decodes hex key material and enforces an expected length.
func DecodeKey(s string, wantLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", wantLen, len(b))
	}
	return b, nil
}
