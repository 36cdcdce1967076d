package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/membrane"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "loom.db", cfg.DatabaseURL)
	assert.Equal(t, 100, cfg.RateRPS)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://loom@localhost/loom")
	t.Setenv("RATE_RPS", "50")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres://loom@localhost/loom", cfg.DatabaseURL)
	assert.Equal(t, 50, cfg.RateRPS)
}

func TestLoadPoliciesEmptyPathLocksDown(t *testing.T) {
	policies, err := LoadPolicies("")
	require.NoError(t, err)
	assert.Empty(t, policies.Default.AuthorizedKeys)
	assert.Equal(t, membrane.TierCritical, policies.Default.EvolutionTier)
}

func TestLoadPoliciesFromYAML(t *testing.T) {
	pub, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	container := crypto.Sum([]byte("configured"))

	doc := `
default:
  threshold: 1
  evolution_tier: critical
containers:
  ` + container.Hex() + `:
    threshold: 2
    proof_max_age: 30m
    evolution_tier: elevated
    authorized_keys:
      - ` + crypto.EncodeKey(pub) + `
`
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	policies, err := LoadPolicies(path)
	require.NoError(t, err)

	pol := policies.PolicyFor(container)
	assert.Equal(t, 2, pol.Threshold)
	assert.Equal(t, 30*time.Minute, pol.ProofMaxAge)
	assert.Equal(t, membrane.TierElevated, pol.EvolutionTier)
	assert.True(t, pol.Authorized(pub))

	other := policies.PolicyFor(crypto.Sum([]byte("unknown")))
	assert.Equal(t, 1, other.Threshold)
}

func TestLoadPoliciesRejectsBadKey(t *testing.T) {
	doc := `
default:
  authorized_keys:
    - nothex
`
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := LoadPolicies(path)
	assert.Error(t, err)
}
