package api

import (
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/loom/pkg/commit"
	"github.com/Mindburn-Labs/loom/pkg/observability"
	"github.com/Mindburn-Labs/loom/pkg/store"
	"github.com/Mindburn-Labs/loom/pkg/tail"
)

// Server exposes the ledger over HTTP.
type Server struct {
	service *commit.Service
	store   store.Store
	bus     *tail.Bus
	obs     *observability.Provider
	logger  *slog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(service *commit.Service, st store.Store, bus *tail.Bus) *Server {
	return &Server{
		service: service,
		store:   st,
		bus:     bus,
		logger:  slog.Default().With("component", "api"),
	}
}

// WithObservability attaches telemetry to the commit and tail paths.
func (s *Server) WithObservability(obs *observability.Provider) *Server {
	s.obs = obs
	return s
}

// Routes returns the route table without middleware; Handler is the
// production entry point.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/commit", s.handleCommit)
	mux.HandleFunc("POST /v1/validate", s.handleValidate)
	mux.HandleFunc("GET /v1/state/{container}", s.handleState)
	mux.HandleFunc("GET /v1/ledger/{container}/tail", s.handleTail)
	mux.HandleFunc("GET /v1/atom/{hash}", s.handleAtom)
	mux.HandleFunc("GET /v1/entry/{container}/{sequence}", s.handleEntry)
	mux.HandleFunc("GET /v1/verify/{container}", s.handleVerify)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Handler wraps the routes with the standard middleware stack.
func (s *Server) Handler(throttle *Throttle) http.Handler {
	var h http.Handler = s.Routes()
	if throttle != nil {
		h = throttle.Middleware(h)
	}
	h = RequestLogger(h)
	h = RequestID(h)
	return h
}
