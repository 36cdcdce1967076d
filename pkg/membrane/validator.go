// Package membrane implements the semantically blind admission gate.
// It decides Accept or Reject for a commit envelope using only
// cryptography, causal order, and the physics invariants; it never
// interprets atom contents and never writes.
package membrane

import (
	"math/big"
	"time"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/link"
)

// State is the caller-visible projection of a container: the last
// accepted sequence and the hash of the last entry. Genesis is
// {0, ZeroHash}.
type State struct {
	LastSequence  uint64
	LastEntryHash crypto.Hash
}

// PactResult is what a verifier attests about a valid proof.
type PactResult struct {
	Tier RiskTier
}

// PactVerifier is the pluggable predicate that judges pact proofs.
// Implementations return a Rejection-free result only for proofs whose
// signatures meet the container's threshold and expiry.
type PactVerifier interface {
	VerifyPact(l *link.Link, policy ContainerPolicy, now time.Time) (PactResult, error)
}

// AdmitOptions carries optional per-call inputs.
type AdmitOptions struct {
	// Balance, when non-nil, is the caller-supplied snapshot of the
	// monotone resource affected by a Conservation commit. The check is
	// per-link only; cross-link pairing belongs to higher layers.
	Balance *big.Int
}

// Validator runs the ordered admission checks. It is pure and stateless:
// reads only, writes nothing, safe to call from any goroutine.
type Validator struct {
	pacts PactVerifier
	clock func() time.Time
}

// NewValidator creates a validator with the given pact verifier.
func NewValidator(pacts PactVerifier) *Validator {
	return &Validator{pacts: pacts, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Admit runs the checks in order; the first failure wins and is
// returned as a typed Rejection. containerID is the container the
// caller's store handle was opened on.
func (v *Validator) Admit(l *link.Link, containerID crypto.Hash, st State, policy ContainerPolicy, opts AdmitOptions) error {
	// V1: version.
	if l.Version != link.Version {
		return reject(VersionUnsupported, "version %d", l.Version)
	}

	// V2: signature over the exact signing region.
	if !crypto.Verify(l.AuthorPublicKey, l.Signature, l.SigningBytes()) {
		return reject(SignatureInvalid, "signature does not verify under author key")
	}

	// V3: the envelope targets the container the store was opened on.
	if l.ContainerID != containerID {
		return reject(ContainerMismatch, "envelope targets %s, store opened on %s", l.ContainerID, containerID)
	}

	// V4: causal tangency. A stale view is surfaced, never retried.
	if l.PreviousHash != st.LastEntryHash {
		return reject(RealityDrift, "previous_hash %s does not match head %s", l.PreviousHash, st.LastEntryHash)
	}

	// V5: dense sequencing.
	if l.ExpectedSequence != st.LastSequence+1 {
		return reject(SequenceMismatch, "expected_sequence %d, next is %d", l.ExpectedSequence, st.LastSequence+1)
	}

	// V6: physics.
	if err := l.CheckPhysicsShape(); err != nil {
		return reject(PhysicsViolation, "%v", err)
	}
	if opts.Balance != nil && l.IntentClass == link.Conservation {
		post := new(big.Int).Add(opts.Balance, l.PhysicsDelta.Big())
		if post.Sign() < 0 {
			return reject(PhysicsViolation, "post-state balance %s is negative", post)
		}
	}

	// V7: pact authority.
	var pactResult PactResult
	if l.IntentClass.RequiresPact() {
		if len(l.PactProof) == 0 {
			return reject(PactViolation, "%s requires a pact proof", l.IntentClass)
		}
		if v.pacts == nil {
			return reject(PactViolation, "no pact verifier configured")
		}
		res, err := v.pacts.VerifyPact(l, policy, v.clock())
		if err != nil {
			if r, ok := AsRejection(err); ok {
				return r
			}
			return reject(PactViolation, "%v", err)
		}
		pactResult = res
	}

	// V8: Evolution must carry the container's highest required tier.
	if l.IntentClass == link.Evolution && pactResult.Tier < policy.EvolutionTier {
		return reject(UnauthorizedEvolution, "pact tier %s below required %s", pactResult.Tier, policy.EvolutionTier)
	}

	return nil
}
