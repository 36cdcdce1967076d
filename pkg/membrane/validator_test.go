package membrane

import (
	"bytes"
	"crypto/ed25519"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/link"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	container crypto.Hash
	state     State
	policy    ContainerPolicy
	validator *Validator
	author    ed25519.PrivateKey
	approvers []ed25519.PrivateKey
}

func newFixture(t *testing.T, nApprovers, threshold int) *fixture {
	t.Helper()

	_, author, err := crypto.GenerateKey()
	require.NoError(t, err)

	var approvers []ed25519.PrivateKey
	var keys [][]byte
	for i := 0; i < nApprovers; i++ {
		pub, priv, err := crypto.GenerateKey()
		require.NoError(t, err)
		approvers = append(approvers, priv)
		keys = append(keys, pub)
	}

	return &fixture{
		container: crypto.Sum([]byte("fixture container")),
		state:     State{LastSequence: 0, LastEntryHash: crypto.ZeroHash},
		policy:    NewContainerPolicy(keys, threshold, time.Hour, TierCritical),
		validator: NewValidator(NewThresholdVerifier()).WithClock(func() time.Time { return fixedNow }),
		author:    author,
		approvers: approvers,
	}
}

func (f *fixture) buildLink(t *testing.T, mutate func(*link.Params)) *link.Link {
	t.Helper()
	p := link.Params{
		ContainerID:      f.container,
		ExpectedSequence: f.state.LastSequence + 1,
		PreviousHash:     f.state.LastEntryHash,
		AtomHash:         crypto.Sum([]byte(`{"k":1}`)),
		IntentClass:      link.Observation,
	}
	if mutate != nil {
		mutate(&p)
	}
	l, err := link.BuildAndSign(p, f.author)
	require.NoError(t, err)
	return l
}

func (f *fixture) admit(l *link.Link) error {
	return f.validator.Admit(l, f.container, f.state, f.policy, AdmitOptions{})
}

func assertKind(t *testing.T, err error, kind RejectKind) {
	t.Helper()
	r, ok := AsRejection(err)
	require.True(t, ok, "expected a Rejection, got %v", err)
	assert.Equal(t, kind, r.Kind)
}

func TestAdmitGenesisObservation(t *testing.T) {
	f := newFixture(t, 0, 0)
	assert.NoError(t, f.admit(f.buildLink(t, nil)))
}

func TestVersionCheckedFirst(t *testing.T) {
	f := newFixture(t, 0, 0)
	l := f.buildLink(t, nil)
	l.Version = 9
	// Stale everything else too; version must still win.
	l.ExpectedSequence = 99
	assertKind(t, f.admit(l), VersionUnsupported)
}

func TestSignatureInvalid(t *testing.T) {
	f := newFixture(t, 0, 0)
	l := f.buildLink(t, nil)
	l.Signature[0] ^= 1
	assertKind(t, f.admit(l), SignatureInvalid)
}

func TestContainerMismatch(t *testing.T) {
	f := newFixture(t, 0, 0)
	l := f.buildLink(t, func(p *link.Params) {
		p.ContainerID = crypto.Sum([]byte("other container"))
	})
	assertKind(t, f.admit(l), ContainerMismatch)
}

func TestRealityDrift(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.state = State{LastSequence: 1, LastEntryHash: crypto.Sum([]byte("entry 1"))}

	// previous_hash still genesis: the caller's view is stale.
	l := f.buildLink(t, func(p *link.Params) {
		p.ExpectedSequence = 2
		p.PreviousHash = crypto.ZeroHash
	})
	assertKind(t, f.admit(l), RealityDrift)
}

func TestSequenceMismatch(t *testing.T) {
	f := newFixture(t, 0, 0)
	l := f.buildLink(t, func(p *link.Params) {
		p.ExpectedSequence = 5
	})
	assertKind(t, f.admit(l), SequenceMismatch)
}

func TestDriftCheckedBeforeSequence(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.state = State{LastSequence: 3, LastEntryHash: crypto.Sum([]byte("entry 3"))}

	// Both wrong: drift wins because it runs first.
	l := f.buildLink(t, func(p *link.Params) {
		p.ExpectedSequence = 9
		p.PreviousHash = crypto.Sum([]byte("someone else's head"))
	})
	assertKind(t, f.admit(l), RealityDrift)
}

func TestConservationBalanceSnapshot(t *testing.T) {
	f := newFixture(t, 0, 0)
	l := f.buildLink(t, func(p *link.Params) {
		p.IntentClass = link.Conservation
		p.PhysicsDelta = link.DeltaFromInt64(-150)
	})

	ok := f.validator.Admit(l, f.container, f.state, f.policy, AdmitOptions{Balance: big.NewInt(200)})
	assert.NoError(t, ok)

	err := f.validator.Admit(l, f.container, f.state, f.policy, AdmitOptions{Balance: big.NewInt(100)})
	assertKind(t, err, PhysicsViolation)
}

func TestEntropyWithoutPact(t *testing.T) {
	f := newFixture(t, 2, 2)
	l := f.buildLink(t, func(p *link.Params) {
		p.IntentClass = link.Entropy
		p.PhysicsDelta = link.DeltaFromInt64(1)
	})
	assertKind(t, f.admit(l), PactViolation)
}

func TestEntropyWithValidPact(t *testing.T) {
	f := newFixture(t, 3, 2)

	// Proof signs the final envelope's signing bytes, so build in two
	// passes: signed envelope first, proof second. The proof sits
	// outside the signed region, so attaching it keeps the signature valid.
	l := f.buildLink(t, func(p *link.Params) {
		p.IntentClass = link.Entropy
		p.PhysicsDelta = link.DeltaFromInt64(1)
	})
	proof, err := BuildThresholdProof(l, TierRoutine, fixedNow.Add(10*time.Minute).UnixMilli(), f.approvers[:2])
	require.NoError(t, err)
	l.PactProof = proof

	assert.NoError(t, f.admit(l))
}

func TestPactBelowThreshold(t *testing.T) {
	f := newFixture(t, 3, 3)
	l := f.buildLink(t, func(p *link.Params) {
		p.IntentClass = link.Entropy
		p.PhysicsDelta = link.DeltaFromInt64(1)
	})
	proof, err := BuildThresholdProof(l, TierRoutine, fixedNow.Add(10*time.Minute).UnixMilli(), f.approvers[:2])
	require.NoError(t, err)
	l.PactProof = proof

	assertKind(t, f.admit(l), PactViolation)
}

func TestPactDuplicateSignerCountsOnce(t *testing.T) {
	f := newFixture(t, 2, 2)
	l := f.buildLink(t, func(p *link.Params) {
		p.IntentClass = link.Entropy
		p.PhysicsDelta = link.DeltaFromInt64(1)
	})
	same := []ed25519.PrivateKey{f.approvers[0], f.approvers[0]}
	proof, err := BuildThresholdProof(l, TierRoutine, fixedNow.Add(10*time.Minute).UnixMilli(), same)
	require.NoError(t, err)
	l.PactProof = proof

	assertKind(t, f.admit(l), PactViolation)
}

func TestPactUnauthorizedSignerIgnored(t *testing.T) {
	f := newFixture(t, 1, 2)
	_, stranger, err := crypto.GenerateKey()
	require.NoError(t, err)

	l := f.buildLink(t, func(p *link.Params) {
		p.IntentClass = link.Entropy
		p.PhysicsDelta = link.DeltaFromInt64(1)
	})
	proof, err := BuildThresholdProof(l, TierRoutine, fixedNow.Add(10*time.Minute).UnixMilli(), []ed25519.PrivateKey{f.approvers[0], stranger})
	require.NoError(t, err)
	l.PactProof = proof

	assertKind(t, f.admit(l), PactViolation)
}

func TestPactExpired(t *testing.T) {
	f := newFixture(t, 2, 1)
	l := f.buildLink(t, func(p *link.Params) {
		p.IntentClass = link.Entropy
		p.PhysicsDelta = link.DeltaFromInt64(1)
	})
	proof, err := BuildThresholdProof(l, TierRoutine, fixedNow.Add(-time.Minute).UnixMilli(), f.approvers[:1])
	require.NoError(t, err)
	l.PactProof = proof

	assertKind(t, f.admit(l), PactViolation)
}

func TestEvolutionRequiresHighestTier(t *testing.T) {
	f := newFixture(t, 2, 1)

	l := f.buildLink(t, func(p *link.Params) {
		p.IntentClass = link.Evolution
	})
	proof, err := BuildThresholdProof(l, TierElevated, fixedNow.Add(10*time.Minute).UnixMilli(), f.approvers[:1])
	require.NoError(t, err)
	l.PactProof = proof
	assertKind(t, f.admit(l), UnauthorizedEvolution)

	proof, err = BuildThresholdProof(l, TierCritical, fixedNow.Add(10*time.Minute).UnixMilli(), f.approvers[:1])
	require.NoError(t, err)
	l.PactProof = proof
	assert.NoError(t, f.admit(l))
}

func TestPactTierBoundToSignatures(t *testing.T) {
	f := newFixture(t, 2, 1)

	l := f.buildLink(t, func(p *link.Params) {
		p.IntentClass = link.Evolution
	})
	proof, err := BuildThresholdProof(l, TierElevated, fixedNow.Add(10*time.Minute).UnixMilli(), f.approvers[:1])
	require.NoError(t, err)

	// Upgrading the claimed tier without re-signing must not verify.
	l.PactProof = bytes.ReplaceAll(proof, []byte(`"tier":"elevated"`), []byte(`"tier":"critical"`))
	assertKind(t, f.admit(l), PactViolation)
}

func TestValidatorIsReadOnly(t *testing.T) {
	f := newFixture(t, 0, 0)
	before := f.state
	_ = f.admit(f.buildLink(t, nil))
	assert.Equal(t, before, f.state)
}
