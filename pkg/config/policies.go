package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/loom/pkg/commit"
	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/membrane"
)

// policyFile is the YAML shape of the container policy configuration.
//
//	default:
//	  threshold: 2
//	  proof_max_age: 1h
//	  evolution_tier: critical
//	  authorized_keys:
//	    - <hex 32-byte key>
//	containers:
//	  <hex container id>:
//	    threshold: 3
//	    ...
type policyFile struct {
	Default    policyEntry            `yaml:"default"`
	Containers map[string]policyEntry `yaml:"containers"`
}

type policyEntry struct {
	AuthorizedKeys []string `yaml:"authorized_keys"`
	Threshold      int      `yaml:"threshold"`
	ProofMaxAge    string   `yaml:"proof_max_age"`
	EvolutionTier  string   `yaml:"evolution_tier"`
}

// LoadPolicies reads the policy file into a provider. An empty path
// yields a provider with a locked-down default: no authorized keys, so
// Entropy and Evolution commits cannot pass until keys are configured.
func LoadPolicies(path string) (commit.StaticPolicies, error) {
	if path == "" {
		return commit.StaticPolicies{
			Default: membrane.ContainerPolicy{
				AuthorizedKeys: map[string]struct{}{},
				Threshold:      1,
				EvolutionTier:  membrane.TierCritical,
			},
		}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return commit.StaticPolicies{}, fmt.Errorf("read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return commit.StaticPolicies{}, fmt.Errorf("parse policy file: %w", err)
	}

	def, err := pf.Default.build()
	if err != nil {
		return commit.StaticPolicies{}, fmt.Errorf("default policy: %w", err)
	}

	out := commit.StaticPolicies{
		Default:  def,
		Policies: make(map[string]membrane.ContainerPolicy, len(pf.Containers)),
	}
	for id, entry := range pf.Containers {
		if _, err := crypto.ParseHash(id); err != nil {
			return commit.StaticPolicies{}, fmt.Errorf("container id %q: %w", id, err)
		}
		pol, err := entry.build()
		if err != nil {
			return commit.StaticPolicies{}, fmt.Errorf("container %s: %w", id, err)
		}
		out.Policies[id] = pol
	}
	return out, nil
}

func (e policyEntry) build() (membrane.ContainerPolicy, error) {
	var keys [][]byte
	for _, k := range e.AuthorizedKeys {
		b, err := crypto.DecodeKey(k, crypto.PublicKeySize)
		if err != nil {
			return membrane.ContainerPolicy{}, fmt.Errorf("authorized key %q: %w", k, err)
		}
		keys = append(keys, b)
	}

	maxAge := time.Hour
	if e.ProofMaxAge != "" {
		d, err := time.ParseDuration(e.ProofMaxAge)
		if err != nil {
			return membrane.ContainerPolicy{}, fmt.Errorf("proof_max_age %q: %w", e.ProofMaxAge, err)
		}
		maxAge = d
	}

	tier := membrane.TierCritical
	if e.EvolutionTier != "" {
		parsed, ok := membrane.ParseRiskTier(e.EvolutionTier)
		if !ok {
			return membrane.ContainerPolicy{}, fmt.Errorf("unknown evolution_tier %q", e.EvolutionTier)
		}
		tier = parsed
	}

	threshold := e.Threshold
	if threshold < 1 {
		threshold = 1
	}
	return membrane.NewContainerPolicy(keys, threshold, maxAge, tier), nil
}
