package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleTail streams committed entries as server-sent events. Each
// event carries the full entry record; the event id is the sequence so
// a reconnecting client resumes with ?from=<last consumed>+1.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	container, ok := pathHash(w, r, "container")
	if !ok {
		return
	}
	from := queryUint(r, "from", 1)

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		WriteProblem(w, r, http.StatusInternalServerError, "StorageUnavailable", "streaming unsupported")
		return
	}

	sub := s.bus.Subscribe(r.Context(), container, from, 256)
	defer sub.Close()

	if s.obs != nil {
		s.obs.TailOpened(r.Context())
		defer s.obs.TailClosed(r.Context())
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, open := <-sub.Entries():
			if !open {
				// Overflow: tell the client to resubscribe from its
				// cursor; committed entries are never lost.
				if sub.Err() != nil {
					fmt.Fprintf(w, "event: resume_required\ndata: {}\n\n")
					flusher.Flush()
				}
				return
			}
			payload, err := json.Marshal(entryToWire(entry))
			if err != nil {
				s.logger.Error("tail event encode failed", "error", err)
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: entry\ndata: %s\n\n", entry.Sequence, payload)
			flusher.Flush()
		}
	}
}
