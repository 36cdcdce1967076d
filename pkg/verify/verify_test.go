package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/membrane"
	"github.com/Mindburn-Labs/loom/pkg/store"
)

// fakeSource serves entries from a slice so tests can hand it a
// tampered chain, something the real store's triggers forbid.
type fakeSource struct {
	entries []store.Entry
}

func (f *fakeSource) State(context.Context, crypto.Hash) (membrane.State, error) {
	if len(f.entries) == 0 {
		return membrane.State{LastEntryHash: crypto.ZeroHash}, nil
	}
	last := f.entries[len(f.entries)-1]
	return membrane.State{LastSequence: last.Sequence, LastEntryHash: last.EntryHash}, nil
}

func (f *fakeSource) Entry(_ context.Context, _ crypto.Hash, sequence uint64) (store.Entry, error) {
	for _, e := range f.entries {
		if e.Sequence == sequence {
			return e, nil
		}
	}
	return store.Entry{}, store.ErrNotFound
}

func (f *fakeSource) Tail(_ context.Context, _ crypto.Hash, from uint64, limit int) ([]store.Entry, error) {
	var out []store.Entry
	for _, e := range f.entries {
		if e.Sequence >= from {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func buildChain(n int) (*fakeSource, crypto.Hash) {
	container := crypto.Sum([]byte("audited"))
	src := &fakeSource{}
	prev := crypto.ZeroHash
	for i := 1; i <= n; i++ {
		linkHash := crypto.Sum(container[:], []byte{byte(i)})
		e := store.Entry{
			ContainerID:  container,
			Sequence:     uint64(i),
			LinkHash:     linkHash,
			PreviousHash: prev,
			EntryHash:    store.EntryHash(prev, linkHash),
		}
		src.entries = append(src.entries, e)
		prev = e.EntryHash
	}
	return src, container
}

func TestChainVerifiesIntactLedger(t *testing.T) {
	src, container := buildChain(10)

	report, err := Chain(context.Background(), src, container, 1, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 10, report.Checked)
	assert.Empty(t, report.Mismatches)
}

func TestChainSubRange(t *testing.T) {
	src, container := buildChain(10)

	report, err := Chain(context.Background(), src, container, 4, 7)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 4, report.Checked)
}

func TestChainEmptyContainer(t *testing.T) {
	src := &fakeSource{}
	report, err := Chain(context.Background(), src, crypto.Sum([]byte("empty")), 1, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Zero(t, report.Checked)
}

func TestChainDetectsTamperedEntryHash(t *testing.T) {
	src, container := buildChain(5)
	src.entries[2].EntryHash = crypto.Sum([]byte("forged"))

	report, err := Chain(context.Background(), src, container, 1, 0)
	require.NoError(t, err)
	assert.False(t, report.OK)
	require.NotEmpty(t, report.Mismatches)
	// Sequence 3 carries the forged hash; sequence 4's previous_hash
	// no longer matches either.
	assert.Equal(t, uint64(3), report.Mismatches[0].Sequence)
}

func TestChainDetectsBrokenTangency(t *testing.T) {
	src, container := buildChain(5)
	src.entries[3].PreviousHash = crypto.Sum([]byte("severed"))
	src.entries[3].EntryHash = store.EntryHash(src.entries[3].PreviousHash, src.entries[3].LinkHash)

	report, err := Chain(context.Background(), src, container, 1, 0)
	require.NoError(t, err)
	assert.False(t, report.OK)
	require.NotEmpty(t, report.Mismatches)
	assert.Equal(t, uint64(4), report.Mismatches[0].Sequence)
}

func TestChainDetectsGap(t *testing.T) {
	src, container := buildChain(5)
	src.entries = append(src.entries[:2], src.entries[3:]...)

	report, err := Chain(context.Background(), src, container, 1, 5)
	require.NoError(t, err)
	assert.False(t, report.OK)
	require.NotEmpty(t, report.Mismatches)
	assert.Equal(t, uint64(3), report.Mismatches[0].Sequence)
}
