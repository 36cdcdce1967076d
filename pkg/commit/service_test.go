package commit

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/loom/pkg/canon"
	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/link"
	"github.com/Mindburn-Labs/loom/pkg/membrane"
	"github.com/Mindburn-Labs/loom/pkg/store"
	"github.com/Mindburn-Labs/loom/pkg/tail"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

type harness struct {
	service   *Service
	store     *store.SQLStore
	bus       *tail.Bus
	container crypto.Hash
	author    ed25519.PrivateKey
	approvers []ed25519.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	st.WithClock(func() time.Time { return fixedNow })

	bus := tail.NewBus(st)
	st.SetCommitHook(bus.Signal)

	_, author, err := crypto.GenerateKey()
	require.NoError(t, err)

	var approvers []ed25519.PrivateKey
	var keys [][]byte
	for i := 0; i < 3; i++ {
		pub, priv, err := crypto.GenerateKey()
		require.NoError(t, err)
		approvers = append(approvers, priv)
		keys = append(keys, pub)
	}

	validator := membrane.NewValidator(membrane.NewThresholdVerifier()).
		WithClock(func() time.Time { return fixedNow })
	policies := StaticPolicies{
		Default: membrane.NewContainerPolicy(keys, 2, time.Hour, membrane.TierCritical),
	}

	return &harness{
		service:   NewService(st, validator, policies),
		store:     st,
		bus:       bus,
		container: crypto.Sum([]byte("test container")),
		author:    author,
		approvers: approvers,
	}
}

func (h *harness) observation(t *testing.T, st membrane.State, atom []byte) *link.Link {
	t.Helper()
	canonical, err := canon.CanonicalizeJSON(atom)
	require.NoError(t, err)
	l, err := link.BuildAndSign(link.Params{
		ContainerID:      h.container,
		ExpectedSequence: st.LastSequence + 1,
		PreviousHash:     st.LastEntryHash,
		AtomHash:         canon.HashAtom(canonical),
		IntentClass:      link.Observation,
	}, h.author)
	require.NoError(t, err)
	return l
}

func (h *harness) state(t *testing.T) membrane.State {
	t.Helper()
	st, err := h.store.State(context.Background(), h.container)
	require.NoError(t, err)
	return st
}

func TestGenesisObservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	atom := []byte(`{"k":1}`)
	l := h.observation(t, membrane.State{LastEntryHash: crypto.ZeroHash}, atom)

	receipt, replayed, err := h.service.Accept(ctx, l, atom)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, uint64(1), receipt.Sequence)
	assert.Equal(t, fixedNow.UnixMilli(), receipt.TimestampMS)

	st := h.state(t)
	assert.Equal(t, uint64(1), st.LastSequence)
	assert.Equal(t, store.EntryHash(crypto.ZeroHash, l.Hash()), st.LastEntryHash)
	assert.Equal(t, receipt.EntryHash, st.LastEntryHash)
}

func TestRealityDriftSurfacedToCaller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	atom := []byte(`{"k":1}`)
	l1 := h.observation(t, membrane.State{LastEntryHash: crypto.ZeroHash}, atom)
	_, _, err := h.service.Accept(ctx, l1, atom)
	require.NoError(t, err)
	before := h.state(t)

	// Second observation claims sequence 2 but still points at genesis.
	stale := h.observation(t, membrane.State{LastSequence: 1, LastEntryHash: crypto.ZeroHash}, []byte(`{"k":2}`))
	_, _, err = h.service.Accept(ctx, stale, []byte(`{"k":2}`))
	r, ok := membrane.AsRejection(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, membrane.RealityDrift, r.Kind)
	assert.Equal(t, before, h.state(t))
}

func TestConservationPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	atom := []byte(`{"transfer":"credit"}`)
	canonical, err := canon.CanonicalizeJSON(atom)
	require.NoError(t, err)

	l, err := link.BuildAndSign(link.Params{
		ContainerID:      h.container,
		ExpectedSequence: 1,
		PreviousHash:     crypto.ZeroHash,
		AtomHash:         canon.HashAtom(canonical),
		IntentClass:      link.Conservation,
		PhysicsDelta:     link.DeltaFromInt64(100),
	}, h.author)
	require.NoError(t, err)

	_, _, err = h.service.Accept(ctx, l, atom)
	require.NoError(t, err)
}

func TestConservationZeroDeltaRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	atom := []byte(`{"transfer":"broken"}`)
	canonical, err := canon.CanonicalizeJSON(atom)
	require.NoError(t, err)

	// The builder refuses this shape, so forge the envelope by hand to
	// prove the membrane also rejects it.
	l := &link.Link{
		Version:          link.Version,
		ContainerID:      h.container,
		ExpectedSequence: 1,
		PreviousHash:     crypto.ZeroHash,
		AtomHash:         canon.HashAtom(canonical),
		IntentClass:      link.Conservation,
		AuthorPublicKey:  h.author.Public().(ed25519.PublicKey),
	}
	l.Signature = crypto.Sign(h.author, l.SigningBytes())

	_, _, err = h.service.Accept(ctx, l, atom)
	r, ok := membrane.AsRejection(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, membrane.PhysicsViolation, r.Kind)
}

func TestEntropyRequiresPact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	atom := []byte(`{"mint":1}`)
	canonical, err := canon.CanonicalizeJSON(atom)
	require.NoError(t, err)

	params := link.Params{
		ContainerID:      h.container,
		ExpectedSequence: 1,
		PreviousHash:     crypto.ZeroHash,
		AtomHash:         canon.HashAtom(canonical),
		IntentClass:      link.Entropy,
		PhysicsDelta:     link.DeltaFromInt64(1),
	}

	bare, err := link.BuildAndSign(params, h.author)
	require.NoError(t, err)
	_, _, err = h.service.Accept(ctx, bare, atom)
	r, ok := membrane.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, membrane.PactViolation, r.Kind)

	// Same link plus a threshold-satisfying proof: accepted.
	proof, err := membrane.BuildThresholdProof(bare, membrane.TierRoutine,
		fixedNow.Add(10*time.Minute).UnixMilli(), h.approvers[:2])
	require.NoError(t, err)
	bare.PactProof = proof

	receipt, _, err := h.service.Accept(ctx, bare, atom)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Sequence)
}

func TestIdempotentRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	atom := []byte(`{"k":1}`)
	l := h.observation(t, membrane.State{LastEntryHash: crypto.ZeroHash}, atom)

	first, replayed, err := h.service.Accept(ctx, l, atom)
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := h.service.Accept(ctx, l, atom)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), h.state(t).LastSequence)
}

func TestValidateWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	atom := []byte(`{"k":1}`)
	l := h.observation(t, membrane.State{LastEntryHash: crypto.ZeroHash}, atom)

	require.NoError(t, h.service.Validate(ctx, l, atom))
	assert.Equal(t, uint64(0), h.state(t).LastSequence)

	// Validating twice keeps working; nothing advanced.
	require.NoError(t, h.service.Validate(ctx, l, atom))
}

func TestEncodingErrorSurfaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	l := h.observation(t, membrane.State{LastEntryHash: crypto.ZeroHash}, []byte(`{"k":1}`))
	_, _, err := h.service.Accept(ctx, l, []byte(`{"k":1,"k":2}`))
	var encErr *canon.EncodingError
	assert.ErrorAs(t, err, &encErr)
}

func TestAtomHashMismatchRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	l := h.observation(t, membrane.State{LastEntryHash: crypto.ZeroHash}, []byte(`{"k":1}`))
	_, _, err := h.service.Accept(ctx, l, []byte(`{"k":2}`))
	var shapeErr *link.ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "atom_hash", shapeErr.Field)
}

func TestUnknownIntentClassFailsShape(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	atom := []byte(`{"k":1}`)
	canonical, err := canon.CanonicalizeJSON(atom)
	require.NoError(t, err)

	l := &link.Link{
		Version:          link.Version,
		ContainerID:      h.container,
		ExpectedSequence: 1,
		PreviousHash:     crypto.ZeroHash,
		AtomHash:         canon.HashAtom(canonical),
		IntentClass:      link.IntentClass(4),
		AuthorPublicKey:  h.author.Public().(ed25519.PublicKey),
	}
	l.Signature = crypto.Sign(h.author, l.SigningBytes())

	_, _, err = h.service.Accept(ctx, l, atom)
	var shapeErr *link.ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "intent_class", shapeErr.Field)
}

func TestTailObservesCommitsInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub := h.bus.Subscribe(ctx, h.container, 1, 16)
	defer sub.Close()

	st := membrane.State{LastEntryHash: crypto.ZeroHash}
	for i := 1; i <= 3; i++ {
		atom, err := canon.Canonicalize(map[string]any{"n": i})
		require.NoError(t, err)
		l := h.observation(t, st, atom)
		receipt, _, err := h.service.Accept(ctx, l, atom)
		require.NoError(t, err)
		st = membrane.State{LastSequence: receipt.Sequence, LastEntryHash: receipt.EntryHash}
	}

	deadline := time.After(2 * time.Second)
	for want := uint64(1); want <= 3; want++ {
		select {
		case e, ok := <-sub.Entries():
			require.True(t, ok, "stream closed: %v", sub.Err())
			assert.Equal(t, want, e.Sequence)
		case <-deadline:
			t.Fatalf("timed out waiting for sequence %d", want)
		}
	}
}

func TestReceiptRecoveryByLinkHash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	atom := []byte(`{"k":1}`)
	l := h.observation(t, membrane.State{LastEntryHash: crypto.ZeroHash}, atom)
	receipt, _, err := h.service.Accept(ctx, l, atom)
	require.NoError(t, err)

	recovered, err := h.service.ReceiptByLinkHash(ctx, h.container, l.Hash())
	require.NoError(t, err)
	assert.Equal(t, receipt, recovered)
}
