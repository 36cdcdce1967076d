// Package link defines the commit envelope: the signed tuple that binds
// an atom to a container position, and the canonical byte layouts it is
// signed and hashed under.
package link

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
)

// Version is the only envelope version this node accepts.
const Version uint8 = 1

// IntentClass governs the admissible physics and required authority of
// a commit.
type IntentClass uint8

const (
	// Observation records a fact with no conserved-quantity change.
	Observation IntentClass = 0
	// Conservation moves a conserved quantity; callers pair debits and
	// credits so the sum over a logical transaction is zero.
	Conservation IntentClass = 1
	// Entropy creates or destroys a conserved quantity and requires an
	// authorizing pact proof.
	Entropy IntentClass = 2
	// Evolution mutates the container's invariant set and requires an
	// authorizing pact proof.
	Evolution IntentClass = 3
)

// Valid reports whether the class byte names a known variant.
func (c IntentClass) Valid() bool {
	return c <= Evolution
}

func (c IntentClass) String() string {
	switch c {
	case Observation:
		return "observation"
	case Conservation:
		return "conservation"
	case Entropy:
		return "entropy"
	case Evolution:
		return "evolution"
	default:
		return fmt.Sprintf("intent_class(%d)", uint8(c))
	}
}

// RequiresPact reports whether the class needs an authorizing pact proof.
func (c IntentClass) RequiresPact() bool {
	return c == Entropy || c == Evolution
}

// requiresZeroDelta reports the class/delta shape rule.
func (c IntentClass) requiresZeroDelta() bool {
	return c == Observation || c == Evolution
}

// ShapeError reports an envelope whose fields do not form a valid
// envelope: wrong-length material or an unknown enum variant.
type ShapeError struct {
	Field  string
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape error: %s: %s", e.Field, e.Reason)
}

// PhysicsShapeError reports a class/delta mismatch.
type PhysicsShapeError struct {
	Class IntentClass
	Delta Delta
}

func (e *PhysicsShapeError) Error() string {
	return fmt.Sprintf("physics shape error: %s with delta %s", e.Class, e.Delta)
}

// SigningBytesSize is the fixed width of the signed region:
// version ‖ container_id ‖ expected_sequence ‖ previous_hash ‖
// atom_hash ‖ intent_class ‖ physics_delta.
const SigningBytesSize = 1 + crypto.HashSize + 8 + crypto.HashSize + crypto.HashSize + 1 + DeltaSize

// Link is the commit envelope. PactProof, AuthorPublicKey, and
// Signature sit outside the signed region.
type Link struct {
	Version          uint8
	ContainerID      crypto.Hash
	ExpectedSequence uint64
	PreviousHash     crypto.Hash
	AtomHash         crypto.Hash
	IntentClass      IntentClass
	PhysicsDelta     Delta
	PactProof        []byte
	AuthorPublicKey  []byte
	Signature        []byte
}

// SigningBytes returns the exact byte region Ed25519 signs, big-endian,
// fields in fixed order.
func (l *Link) SigningBytes() []byte {
	buf := make([]byte, 0, SigningBytesSize)
	buf = append(buf, l.Version)
	buf = append(buf, l.ContainerID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, l.ExpectedSequence)
	buf = append(buf, l.PreviousHash[:]...)
	buf = append(buf, l.AtomHash[:]...)
	buf = append(buf, byte(l.IntentClass))
	buf = append(buf, l.PhysicsDelta[:]...)
	return buf
}

// CanonicalBytes returns the full canonical envelope: the signing bytes
// followed by a length-prefixed pact proof, the author public key, and
// the signature.
func (l *Link) CanonicalBytes() []byte {
	buf := make([]byte, 0, SigningBytesSize+4+len(l.PactProof)+crypto.PublicKeySize+crypto.SignatureSize)
	buf = append(buf, l.SigningBytes()...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(l.PactProof)))
	buf = append(buf, l.PactProof...)
	buf = append(buf, l.AuthorPublicKey...)
	buf = append(buf, l.Signature...)
	return buf
}

// Hash is the BLAKE3 digest of the full canonical envelope.
func (l *Link) Hash() crypto.Hash {
	return crypto.Sum(l.CanonicalBytes())
}

// CheckShape validates field lengths and enum variants. It runs before
// any hash is computed on the envelope.
func (l *Link) CheckShape() error {
	if !l.IntentClass.Valid() {
		return &ShapeError{Field: "intent_class", Reason: fmt.Sprintf("unknown variant %d", uint8(l.IntentClass))}
	}
	if len(l.AuthorPublicKey) != crypto.PublicKeySize {
		return &ShapeError{Field: "author_public_key", Reason: fmt.Sprintf("expected %d bytes, got %d", crypto.PublicKeySize, len(l.AuthorPublicKey))}
	}
	if len(l.Signature) != crypto.SignatureSize {
		return &ShapeError{Field: "signature", Reason: fmt.Sprintf("expected %d bytes, got %d", crypto.SignatureSize, len(l.Signature))}
	}
	return nil
}

// CheckPhysicsShape validates the class/delta relation: Observation and
// Evolution carry zero delta, Conservation and Entropy non-zero.
func (l *Link) CheckPhysicsShape() error {
	if l.IntentClass.requiresZeroDelta() != l.PhysicsDelta.IsZero() {
		return &PhysicsShapeError{Class: l.IntentClass, Delta: l.PhysicsDelta}
	}
	return nil
}

// Params carries the caller-supplied envelope fields. Callers are
// expected to have read {last_sequence, last_entry_hash} first; the
// builder never touches ledger state.
type Params struct {
	ContainerID      crypto.Hash
	ExpectedSequence uint64
	PreviousHash     crypto.Hash
	AtomHash         crypto.Hash
	IntentClass      IntentClass
	PhysicsDelta     Delta
	PactProof        []byte
}

// BuildAndSign assembles an envelope, checks its shape, and attaches
// the signature over the signing bytes.
func BuildAndSign(p Params, priv ed25519.PrivateKey) (*Link, error) {
	if len(priv) != crypto.PrivateKeySize {
		return nil, &ShapeError{Field: "private_key", Reason: fmt.Sprintf("expected %d bytes, got %d", crypto.PrivateKeySize, len(priv))}
	}
	l := &Link{
		Version:          Version,
		ContainerID:      p.ContainerID,
		ExpectedSequence: p.ExpectedSequence,
		PreviousHash:     p.PreviousHash,
		AtomHash:         p.AtomHash,
		IntentClass:      p.IntentClass,
		PhysicsDelta:     p.PhysicsDelta,
		PactProof:        p.PactProof,
		AuthorPublicKey:  append([]byte(nil), priv.Public().(ed25519.PublicKey)...),
	}
	if !l.IntentClass.Valid() {
		return nil, &ShapeError{Field: "intent_class", Reason: fmt.Sprintf("unknown variant %d", uint8(l.IntentClass))}
	}
	if err := l.CheckPhysicsShape(); err != nil {
		return nil, err
	}
	l.Signature = crypto.Sign(priv, l.SigningBytes())
	return l, nil
}
