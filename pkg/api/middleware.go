package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RequestID assigns a request id when the client did not send one and
// echoes it back for trace correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE keeps working behind
// the logger.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger emits one structured access line per request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-ID"),
		)
	})
}

// Throttle enforces a per-client token-bucket budget. Idle buckets are
// pruned lazily during allow calls instead of by a background goroutine,
// so the throttle needs no lifecycle management.
type Throttle struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	rps       rate.Limit
	burst     int
	nextSweep time.Time
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const (
	throttleSweepEvery = time.Minute
	throttleStaleAfter = 5 * time.Minute
)

// NewThrottle allows rps sustained requests per client with the given
// burst headroom.
func NewThrottle(rps, burst int) *Throttle {
	return &Throttle{
		buckets:   make(map[string]*clientBucket),
		rps:       rate.Limit(rps),
		burst:     burst,
		nextSweep: time.Now().Add(throttleSweepEvery),
	}
}

func (t *Throttle) allow(client string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if now.After(t.nextSweep) {
		for key, b := range t.buckets {
			if now.Sub(b.lastSeen) > throttleStaleAfter {
				delete(t.buckets, key)
			}
		}
		t.nextSweep = now.Add(throttleSweepEvery)
	}

	b, ok := t.buckets[client]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(t.rps, t.burst)}
		t.buckets[client] = b
	}
	b.lastSeen = now
	return b.lim.Allow()
}

// clientIP extracts the host portion of a remote address. An address
// without a port is returned as-is after stripping IPv6 brackets, so
// "[::1]" and "::1" throttle as the same client.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.Trim(remoteAddr, "[]")
	}
	return host
}

// Middleware returns a Handler that enforces the throttle.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r.RemoteAddr)
		if !t.allow(client) {
			slog.Debug("request throttled", "client", client, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			WriteProblem(w, r, http.StatusTooManyRequests, "RateLimited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
