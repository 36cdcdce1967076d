// Package store persists accepted commits. Entries and atoms are
// append-only rows keyed by their hashes; per-container sequencing and
// tangency are enforced inside a serializable transaction so concurrent
// commits racing on the same sequence see exactly one winner.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/link"
	"github.com/Mindburn-Labs/loom/pkg/membrane"
)

// ErrNotFound is returned when an entry or atom is not found.
var ErrNotFound = errors.New("not found")

// ErrAtomMissing is returned when an append references an atom whose
// bytes were never supplied or stored.
var ErrAtomMissing = errors.New("atom bytes not present")

// ConflictExhaustedError is returned when the serializable append keeps
// conflicting beyond the retry budget. Safe to retry after backoff.
type ConflictExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ConflictExhaustedError) Error() string {
	return fmt.Sprintf("append conflicted %d times: %v", e.Attempts, e.Last)
}

func (e *ConflictExhaustedError) Unwrap() error { return e.Last }

// StorageError wraps backing-store I/O failures. They propagate
// unchanged; partial writes are impossible under the transactional
// append.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Entry is a materialized, accepted commit.
type Entry struct {
	ContainerID     crypto.Hash
	Sequence        uint64
	LinkHash        crypto.Hash
	PreviousHash    crypto.Hash
	EntryHash       crypto.Hash
	AtomHash        crypto.Hash
	IntentClass     link.IntentClass
	PhysicsDelta    link.Delta
	TimestampMS     int64
	AuthorPublicKey []byte
}

// AppendResult reports a successful (or idempotently replayed) append.
type AppendResult struct {
	Entry Entry
	// Replayed is true when the link had already been materialized and
	// the stored entry was returned unchanged.
	Replayed bool
}

// Store is the durable ledger interface.
type Store interface {
	// Append materializes an admitted link. It re-runs the tangency and
	// sequence checks against just-read state inside the transaction;
	// losers of a sequence race receive RealityDrift or SequenceMismatch.
	// Re-presenting an already-stored link returns the existing entry
	// with Replayed set.
	Append(ctx context.Context, l *link.Link, atomBytes []byte) (AppendResult, error)

	// State returns {last_sequence, last_entry_hash}; genesis is {0, zero}.
	State(ctx context.Context, containerID crypto.Hash) (membrane.State, error)

	// Entry returns the entry at (container, sequence).
	Entry(ctx context.Context, containerID crypto.Hash, sequence uint64) (Entry, error)

	// EntryByHash looks an entry up by its entry hash.
	EntryByHash(ctx context.Context, entryHash crypto.Hash) (Entry, error)

	// EntryByLinkHash looks an entry up by the link hash the caller held.
	EntryByLinkHash(ctx context.Context, containerID crypto.Hash, linkHash crypto.Hash) (Entry, error)

	// Atom returns the canonical bytes stored under atomHash.
	Atom(ctx context.Context, atomHash crypto.Hash) ([]byte, error)

	// Tail returns up to limit entries with sequence >= from, in
	// sequence order.
	Tail(ctx context.Context, containerID crypto.Hash, from uint64, limit int) ([]Entry, error)

	Close() error
}

// CommitHook observes successful appends after the transaction commits.
// The payload is deliberately minimal; consumers fetch entries themselves.
type CommitHook func(containerID crypto.Hash, sequence uint64)

// EntryHash derives the chained hash for an entry.
func EntryHash(previous crypto.Hash, linkHash crypto.Hash) crypto.Hash {
	return crypto.Sum(previous[:], linkHash[:])
}
