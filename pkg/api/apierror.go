// Package api — HTTP surface of the ledger. Error responses use RFC
// 7807 Problem Details carrying the tagged kind so clients can branch
// without parsing prose.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/loom/pkg/canon"
	"github.com/Mindburn-Labs/loom/pkg/link"
	"github.com/Mindburn-Labs/loom/pkg/membrane"
	"github.com/Mindburn-Labs/loom/pkg/store"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Kind is the tagged error variant; clients present it verbatim in
	// audit logs.
	Kind string `json:"kind"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// TraceID links to the request for correlation.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Kind, p.Detail)
}

// WriteProblem writes an RFC 7807 response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, kind, detail string) {
	problem := &ProblemDetail{
		Type:    fmt.Sprintf("https://loom.mindburn.dev/errors/%s", kind),
		Title:   kind,
		Status:  status,
		Kind:    kind,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError maps a core error to its HTTP form. Rejections keep their
// membrane kind; everything untagged is a storage failure whose cause
// is logged but never exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rejection *membrane.Rejection
		encErr    *canon.EncodingError
		shapeErr  *link.ShapeError
		physErr   *link.PhysicsShapeError
		conflict  *store.ConflictExhaustedError
	)

	switch {
	case errors.As(err, &rejection):
		WriteProblem(w, r, rejectionStatus(rejection.Kind), string(rejection.Kind), rejection.Detail)
	case errors.As(err, &encErr):
		WriteProblem(w, r, http.StatusBadRequest, "EncodingError", encErr.Reason)
	case errors.As(err, &shapeErr):
		WriteProblem(w, r, http.StatusBadRequest, "ShapeError", shapeErr.Field+": "+shapeErr.Reason)
	case errors.As(err, &physErr):
		WriteProblem(w, r, http.StatusBadRequest, "ShapeError", physErr.Error())
	case errors.As(err, &conflict):
		w.Header().Set("Retry-After", "1")
		WriteProblem(w, r, http.StatusServiceUnavailable, "ConflictExhausted", conflict.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "NotFound", "no such record")
	case errors.Is(err, store.ErrAtomMissing):
		WriteProblem(w, r, http.StatusBadRequest, "ShapeError", "atom bytes not present; supply the atom with the commit")
	default:
		slog.Error("storage failure", "error", err, "path", r.URL.Path)
		WriteProblem(w, r, http.StatusServiceUnavailable, "StorageUnavailable", "backing store unavailable")
	}
}

func rejectionStatus(kind membrane.RejectKind) int {
	switch kind {
	case membrane.VersionUnsupported, membrane.ContainerMismatch:
		return http.StatusBadRequest
	case membrane.SignatureInvalid:
		return http.StatusUnauthorized
	case membrane.RealityDrift, membrane.SequenceMismatch:
		return http.StatusConflict
	case membrane.PhysicsViolation:
		return http.StatusUnprocessableEntity
	case membrane.PactViolation, membrane.UnauthorizedEvolution:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// WriteBadRequest writes a 400 ShapeError response for malformed bodies.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, "ShapeError", detail)
}
