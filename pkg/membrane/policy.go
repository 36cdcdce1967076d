package membrane

import (
	"encoding/hex"
	"time"
)

// RiskTier orders pact authority levels. Evolution commits require the
// container's configured highest tier.
type RiskTier uint8

const (
	TierRoutine RiskTier = iota
	TierElevated
	TierCritical
)

// ParseRiskTier maps a wire label to a tier.
func ParseRiskTier(s string) (RiskTier, bool) {
	switch s {
	case "routine":
		return TierRoutine, true
	case "elevated":
		return TierElevated, true
	case "critical":
		return TierCritical, true
	default:
		return TierRoutine, false
	}
}

func (t RiskTier) String() string {
	switch t {
	case TierRoutine:
		return "routine"
	case TierElevated:
		return "elevated"
	case TierCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ContainerPolicy is the per-container authority configuration the
// environment supplies: the authorized signer set, the pact signature
// threshold, proof lifetime, and the tier Evolution commits must carry.
type ContainerPolicy struct {
	AuthorizedKeys map[string]struct{} // lowercase hex of 32-byte keys
	Threshold      int
	ProofMaxAge    time.Duration
	EvolutionTier  RiskTier
}

// NewContainerPolicy builds a policy from raw key material.
func NewContainerPolicy(keys [][]byte, threshold int, maxAge time.Duration, evolutionTier RiskTier) ContainerPolicy {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[hex.EncodeToString(k)] = struct{}{}
	}
	return ContainerPolicy{
		AuthorizedKeys: set,
		Threshold:      threshold,
		ProofMaxAge:    maxAge,
		EvolutionTier:  evolutionTier,
	}
}

// Authorized reports whether a raw public key is in the signer set.
func (p ContainerPolicy) Authorized(pub []byte) bool {
	_, ok := p.AuthorizedKeys[hex.EncodeToString(pub)]
	return ok
}
