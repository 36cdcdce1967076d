package link

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
)

// wireLink is the JSON form of an envelope. Hashes, keys, and signatures
// are lowercase hex with no prefix; the physics delta is a decimal
// string so 128-bit values survive JSON number interop.
type wireLink struct {
	Version          uint8           `json:"version"`
	ContainerID      string          `json:"container_id"`
	ExpectedSequence uint64          `json:"expected_sequence"`
	PreviousHash     string          `json:"previous_hash"`
	AtomHash         string          `json:"atom_hash"`
	IntentClass      uint8           `json:"intent_class"`
	PhysicsDelta     json.RawMessage `json:"physics_delta"`
	PactProof        string          `json:"pact_proof,omitempty"`
	AuthorPublicKey  string          `json:"author_public_key"`
	Signature        string          `json:"signature"`
}

// MarshalJSON renders the wire form.
func (l Link) MarshalJSON() ([]byte, error) {
	w := wireLink{
		Version:          l.Version,
		ContainerID:      l.ContainerID.Hex(),
		ExpectedSequence: l.ExpectedSequence,
		PreviousHash:     l.PreviousHash.Hex(),
		AtomHash:         l.AtomHash.Hex(),
		IntentClass:      uint8(l.IntentClass),
		PhysicsDelta:     json.RawMessage(fmt.Sprintf("%q", l.PhysicsDelta.String())),
		AuthorPublicKey:  hex.EncodeToString(l.AuthorPublicKey),
		Signature:        hex.EncodeToString(l.Signature),
	}
	if len(l.PactProof) > 0 {
		w.PactProof = hex.EncodeToString(l.PactProof)
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire form. The delta is accepted as either a
// JSON number or a decimal string.
func (l *Link) UnmarshalJSON(data []byte) error {
	var w wireLink
	if err := json.Unmarshal(data, &w); err != nil {
		return &ShapeError{Field: "envelope", Reason: err.Error()}
	}

	container, err := crypto.ParseHash(w.ContainerID)
	if err != nil {
		return &ShapeError{Field: "container_id", Reason: err.Error()}
	}
	prev, err := crypto.ParseHash(w.PreviousHash)
	if err != nil {
		return &ShapeError{Field: "previous_hash", Reason: err.Error()}
	}
	atom, err := crypto.ParseHash(w.AtomHash)
	if err != nil {
		return &ShapeError{Field: "atom_hash", Reason: err.Error()}
	}

	delta, err := parseWireDelta(w.PhysicsDelta)
	if err != nil {
		return &ShapeError{Field: "physics_delta", Reason: err.Error()}
	}

	var pact []byte
	if w.PactProof != "" {
		pact, err = hex.DecodeString(w.PactProof)
		if err != nil {
			return &ShapeError{Field: "pact_proof", Reason: err.Error()}
		}
	}

	pub, err := crypto.DecodeKey(w.AuthorPublicKey, crypto.PublicKeySize)
	if err != nil {
		return &ShapeError{Field: "author_public_key", Reason: err.Error()}
	}
	sig, err := crypto.DecodeKey(w.Signature, crypto.SignatureSize)
	if err != nil {
		return &ShapeError{Field: "signature", Reason: err.Error()}
	}

	*l = Link{
		Version:          w.Version,
		ContainerID:      container,
		ExpectedSequence: w.ExpectedSequence,
		PreviousHash:     prev,
		AtomHash:         atom,
		IntentClass:      IntentClass(w.IntentClass),
		PhysicsDelta:     delta,
		PactProof:        pact,
		AuthorPublicKey:  pub,
		Signature:        sig,
	}
	return nil
}

func parseWireDelta(raw json.RawMessage) (Delta, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return Delta{}, fmt.Errorf("missing physics_delta")
	}
	if s[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(raw, &unquoted); err != nil {
			return Delta{}, err
		}
		return ParseDelta(unquoted)
	}
	return ParseDelta(s)
}
