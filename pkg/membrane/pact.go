package membrane

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/link"
)

// pactDomain separates pact approval signatures from envelope
// signatures so one can never be replayed as the other.
const pactDomain = "loom.pact.v1"

// ThresholdProof is the reference pact proof carried by Entropy and
// Evolution envelopes: a set of approvals over the envelope's signing
// bytes, an expiry, and a claimed risk tier.
type ThresholdProof struct {
	Tier        string         `json:"tier"`
	ExpiresAtMS int64          `json:"expires_at_ms"`
	Approvals   []PactApproval `json:"approvals"`
}

// PactApproval is one signer's endorsement.
type PactApproval struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// PactMessage is the byte region each approval signs: domain tag,
// envelope signing bytes, expiry, and tier.
func PactMessage(l *link.Link, expiresAtMS int64, tier RiskTier) []byte {
	msg := make([]byte, 0, len(pactDomain)+link.SigningBytesSize+8+1)
	msg = append(msg, pactDomain...)
	msg = append(msg, l.SigningBytes()...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(expiresAtMS))
	msg = append(msg, byte(tier))
	return msg
}

// ThresholdVerifier counts distinct authorized signers, unweighted.
// A proof passes when at least policy.Threshold authorized keys carry
// valid signatures and the proof has not expired. Deployments may swap
// in their own PactVerifier; this one records the reference semantics.
type ThresholdVerifier struct{}

// NewThresholdVerifier creates the reference verifier.
func NewThresholdVerifier() *ThresholdVerifier {
	return &ThresholdVerifier{}
}

// VerifyPact implements PactVerifier.
func (tv *ThresholdVerifier) VerifyPact(l *link.Link, policy ContainerPolicy, now time.Time) (PactResult, error) {
	var proof ThresholdProof
	if err := json.Unmarshal(l.PactProof, &proof); err != nil {
		return PactResult{}, reject(PactViolation, "malformed pact proof: %v", err)
	}

	tier, ok := ParseRiskTier(proof.Tier)
	if !ok {
		return PactResult{}, reject(PactViolation, "unknown risk tier %q", proof.Tier)
	}

	if proof.ExpiresAtMS <= now.UnixMilli() {
		return PactResult{}, reject(PactViolation, "pact proof expired")
	}
	if policy.ProofMaxAge > 0 {
		horizon := now.Add(policy.ProofMaxAge).UnixMilli()
		if proof.ExpiresAtMS > horizon {
			return PactResult{}, reject(PactViolation, "pact expiry exceeds container maximum")
		}
	}

	msg := PactMessage(l, proof.ExpiresAtMS, tier)
	seen := make(map[string]struct{}, len(proof.Approvals))
	for _, a := range proof.Approvals {
		pub, err := crypto.DecodeKey(a.PublicKey, crypto.PublicKeySize)
		if err != nil {
			continue
		}
		keyHex := hex.EncodeToString(pub)
		if _, dup := seen[keyHex]; dup {
			continue
		}
		if !policy.Authorized(pub) {
			continue
		}
		sig, err := crypto.DecodeKey(a.Signature, crypto.SignatureSize)
		if err != nil {
			continue
		}
		if !crypto.Verify(pub, sig, msg) {
			continue
		}
		seen[keyHex] = struct{}{}
	}

	threshold := policy.Threshold
	if threshold < 1 {
		threshold = 1
	}
	if len(seen) < threshold {
		return PactResult{}, reject(PactViolation, "pact has %d valid approvals, threshold is %d", len(seen), threshold)
	}

	return PactResult{Tier: tier}, nil
}

// BuildThresholdProof signs a proof with the given private keys. It is
// used by clients and tests; the core only verifies.
func BuildThresholdProof(l *link.Link, tier RiskTier, expiresAtMS int64, privs []ed25519.PrivateKey) ([]byte, error) {
	msg := PactMessage(l, expiresAtMS, tier)
	proof := ThresholdProof{
		Tier:        tier.String(),
		ExpiresAtMS: expiresAtMS,
	}
	for _, priv := range privs {
		pub := priv.Public().(ed25519.PublicKey)
		proof.Approvals = append(proof.Approvals, PactApproval{
			PublicKey: hex.EncodeToString(pub),
			Signature: hex.EncodeToString(crypto.Sign(priv, msg)),
		})
	}
	return json.Marshal(proof)
}
