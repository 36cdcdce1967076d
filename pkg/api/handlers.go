package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/link"
	"github.com/Mindburn-Labs/loom/pkg/membrane"
	"github.com/Mindburn-Labs/loom/pkg/verify"
)

// maxCommitBody bounds commit and validate request bodies.
const maxCommitBody = 1 << 20 // 1MB

// decodeCommitBody parses the commit body: the canonical JSON form of a
// link, optionally carrying the atom's JSON value under "atom". The
// body decodes twice — the link codec skips the atom field, and the
// atom extraction skips the envelope fields.
func decodeCommitBody(w http.ResponseWriter, r *http.Request) (*link.Link, []byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCommitBody)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		WriteBadRequest(w, r, "invalid request body")
		return nil, nil, false
	}

	var l link.Link
	if err := json.Unmarshal(raw, &l); err != nil {
		WriteError(w, r, err)
		return nil, nil, false
	}

	var atomField struct {
		Atom json.RawMessage `json:"atom"`
	}
	if err := json.Unmarshal(raw, &atomField); err != nil {
		WriteBadRequest(w, r, "invalid atom field")
		return nil, nil, false
	}

	var atom []byte
	if len(atomField.Atom) > 0 {
		atom = atomField.Atom
	}
	return &l, atom, true
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	l, atom, ok := decodeCommitBody(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	start := time.Now()
	if s.obs != nil {
		var span trace.Span
		ctx, span = s.obs.StartSpan(ctx, "loom.commit")
		defer span.End()
	}

	receipt, replayed, err := s.service.Accept(ctx, l, atom)
	if err != nil {
		if s.obs != nil {
			if rejection, isReject := membrane.AsRejection(err); isReject {
				s.obs.RecordRejection(ctx, string(rejection.Kind))
			}
		}
		WriteError(w, r, err)
		return
	}
	if s.obs != nil && !replayed {
		s.obs.RecordCommit(ctx, receipt.ContainerID.Hex(), time.Since(start))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(receiptToWire(receipt, replayed))
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	l, atom, ok := decodeCommitBody(w, r)
	if !ok {
		return
	}

	if err := s.service.Validate(r.Context(), l, atom); err != nil {
		WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"valid": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	container, ok := pathHash(w, r, "container")
	if !ok {
		return
	}

	st, err := s.store.State(r.Context(), container)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stateBody{
		ContainerID:   container.Hex(),
		LastSequence:  st.LastSequence,
		LastEntryHash: st.LastEntryHash.Hex(),
	})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	container, ok := pathHash(w, r, "container")
	if !ok {
		return
	}
	seq, err := strconv.ParseUint(r.PathValue("sequence"), 10, 64)
	if err != nil {
		WriteBadRequest(w, r, "sequence must be a positive integer")
		return
	}

	entry, err := s.store.Entry(r.Context(), container, seq)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entryToWire(entry))
}

// atomContentType identifies canonical JSON atom bytes.
const atomContentType = "application/canonical+json"

func (s *Server) handleAtom(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r, "hash")
	if !ok {
		return
	}

	bytes, err := s.store.Atom(r.Context(), hash)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", atomContentType)
	_, _ = w.Write(bytes)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	container, ok := pathHash(w, r, "container")
	if !ok {
		return
	}
	from := queryUint(r, "from", 1)
	to := queryUint(r, "to", 0)

	report, err := verify.Chain(r.Context(), s.store, container, from, to)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func pathHash(w http.ResponseWriter, r *http.Request, name string) (crypto.Hash, bool) {
	h, err := crypto.ParseHash(r.PathValue(name))
	if err != nil {
		WriteBadRequest(w, r, name+" must be 64 hex characters")
		return crypto.Hash{}, false
	}
	return h, true
}

func queryUint(r *http.Request, name string, fallback uint64) uint64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
