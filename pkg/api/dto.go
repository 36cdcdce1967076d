package api

import (
	"encoding/hex"

	"github.com/Mindburn-Labs/loom/pkg/commit"
	"github.com/Mindburn-Labs/loom/pkg/store"
)

// receiptBody is the wire form of a materialization receipt. Kind is
// set to IdempotentReplay when a re-presented link returned the
// original receipt; clients treat that as success.
type receiptBody struct {
	ContainerID string `json:"container_id"`
	Sequence    uint64 `json:"sequence"`
	EntryHash   string `json:"entry_hash"`
	TimestampMS int64  `json:"timestamp_ms"`
	Kind        string `json:"kind,omitempty"`
}

func receiptToWire(rcpt commit.Receipt, replayed bool) receiptBody {
	body := receiptBody{
		ContainerID: rcpt.ContainerID.Hex(),
		Sequence:    rcpt.Sequence,
		EntryHash:   rcpt.EntryHash.Hex(),
		TimestampMS: rcpt.TimestampMS,
	}
	if replayed {
		body.Kind = "IdempotentReplay"
	}
	return body
}

// entryBody is the wire form of a ledger entry.
type entryBody struct {
	ContainerID     string `json:"container_id"`
	Sequence        uint64 `json:"sequence"`
	LinkHash        string `json:"link_hash"`
	PreviousHash    string `json:"previous_hash"`
	EntryHash       string `json:"entry_hash"`
	AtomHash        string `json:"atom_hash"`
	IntentClass     uint8  `json:"intent_class"`
	PhysicsDelta    string `json:"physics_delta"`
	TimestampMS     int64  `json:"timestamp_ms"`
	AuthorPublicKey string `json:"author_public_key"`
}

func entryToWire(e store.Entry) entryBody {
	return entryBody{
		ContainerID:     e.ContainerID.Hex(),
		Sequence:        e.Sequence,
		LinkHash:        e.LinkHash.Hex(),
		PreviousHash:    e.PreviousHash.Hex(),
		EntryHash:       e.EntryHash.Hex(),
		AtomHash:        e.AtomHash.Hex(),
		IntentClass:     uint8(e.IntentClass),
		PhysicsDelta:    e.PhysicsDelta.String(),
		TimestampMS:     e.TimestampMS,
		AuthorPublicKey: hex.EncodeToString(e.AuthorPublicKey),
	}
}

// stateBody is the wire form of container state.
type stateBody struct {
	ContainerID   string `json:"container_id"`
	LastSequence  uint64 `json:"last_sequence"`
	LastEntryHash string `json:"last_entry_hash"`
}
