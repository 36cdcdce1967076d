// Package commit composes admission, persistence, and notification into
// the single write path of the ledger.
package commit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Mindburn-Labs/loom/pkg/canon"
	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/link"
	"github.com/Mindburn-Labs/loom/pkg/membrane"
	"github.com/Mindburn-Labs/loom/pkg/store"
)

// Receipt proves materialization. Holders can recover it later via the
// link hash even if the original response was lost.
type Receipt struct {
	ContainerID crypto.Hash
	Sequence    uint64
	EntryHash   crypto.Hash
	TimestampMS int64
}

// PolicyProvider supplies the per-container authority configuration.
type PolicyProvider interface {
	PolicyFor(containerID crypto.Hash) membrane.ContainerPolicy
}

// StaticPolicies maps container hex ids to policies, with a fallback
// for unknown containers.
type StaticPolicies struct {
	Policies map[string]membrane.ContainerPolicy
	Default  membrane.ContainerPolicy
}

// PolicyFor implements PolicyProvider.
func (p StaticPolicies) PolicyFor(containerID crypto.Hash) membrane.ContainerPolicy {
	if pol, ok := p.Policies[containerID.Hex()]; ok {
		return pol
	}
	return p.Default
}

// Service is the commit API.
type Service struct {
	store     store.Store
	validator *membrane.Validator
	policies  PolicyProvider
	logger    *slog.Logger
}

// NewService wires the write path. The store's commit hook should
// already point at the tail bus.
func NewService(st store.Store, validator *membrane.Validator, policies PolicyProvider) *Service {
	return &Service{
		store:     st,
		validator: validator,
		policies:  policies,
		logger:    slog.Default().With("component", "commit"),
	}
}

// Accept validates and materializes a link. On success the returned
// receipt is durable before the call returns; replayed reports an
// idempotent re-presentation of an already-stored link.
//
// atomBytes may be nil when the atom is already stored; otherwise they
// are canonicalized and must hash to the link's atom_hash.
func (s *Service) Accept(ctx context.Context, l *link.Link, atomBytes []byte) (Receipt, bool, error) {
	canonical, err := s.prepare(l, atomBytes)
	if err != nil {
		return Receipt{}, false, err
	}

	// Idempotency runs before the sequence checks so a network retry of
	// an accepted link cannot surface SequenceMismatch.
	if existing, err := s.store.EntryByLinkHash(ctx, l.ContainerID, l.Hash()); err == nil {
		return receiptFor(existing), true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Receipt{}, false, err
	}

	st, err := s.store.State(ctx, l.ContainerID)
	if err != nil {
		return Receipt{}, false, err
	}
	if err := s.validator.Admit(l, l.ContainerID, st, s.policies.PolicyFor(l.ContainerID), membrane.AdmitOptions{}); err != nil {
		return Receipt{}, false, err
	}

	res, err := s.store.Append(ctx, l, canonical)
	if err != nil {
		return Receipt{}, false, err
	}
	if !res.Replayed {
		s.logger.Info("committed",
			"container", res.Entry.ContainerID.Hex(),
			"sequence", res.Entry.Sequence,
			"intent_class", res.Entry.IntentClass.String(),
			"entry_hash", res.Entry.EntryHash.Hex())
	}
	return receiptFor(res.Entry), res.Replayed, nil
}

// Validate runs the membrane only; nothing is written. Clients use it
// to pre-check a link before committing.
func (s *Service) Validate(ctx context.Context, l *link.Link, atomBytes []byte) error {
	if _, err := s.prepare(l, atomBytes); err != nil {
		return err
	}
	st, err := s.store.State(ctx, l.ContainerID)
	if err != nil {
		return err
	}
	return s.validator.Admit(l, l.ContainerID, st, s.policies.PolicyFor(l.ContainerID), membrane.AdmitOptions{})
}

// Receipt recovery for callers that lost the response after a durable
// commit: look the entry up by the link hash they already held.
func (s *Service) ReceiptByLinkHash(ctx context.Context, containerID crypto.Hash, linkHash crypto.Hash) (Receipt, error) {
	e, err := s.store.EntryByLinkHash(ctx, containerID, linkHash)
	if err != nil {
		return Receipt{}, err
	}
	return receiptFor(e), nil
}

// prepare runs the pre-admission checks that need no store state:
// envelope shape and atom integrity.
func (s *Service) prepare(l *link.Link, atomBytes []byte) ([]byte, error) {
	if err := l.CheckShape(); err != nil {
		return nil, err
	}
	if atomBytes == nil {
		return nil, nil
	}
	canonical, err := canon.CanonicalizeJSON(atomBytes)
	if err != nil {
		return nil, err
	}
	if got := canon.HashAtom(canonical); got != l.AtomHash {
		return nil, &link.ShapeError{
			Field:  "atom_hash",
			Reason: "atom bytes hash to " + got.Hex() + ", envelope claims " + l.AtomHash.Hex(),
		}
	}
	return canonical, nil
}

func receiptFor(e store.Entry) Receipt {
	return Receipt{
		ContainerID: e.ContainerID,
		Sequence:    e.Sequence,
		EntryHash:   e.EntryHash,
		TimestampMS: e.TimestampMS,
	}
}
