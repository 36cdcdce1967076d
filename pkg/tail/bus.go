// Package tail delivers committed entries to subscribers in strict
// per-container sequence order. The commit path raises a minimal
// signal (container, sequence); subscribers catch up by reading the
// store behind their own cursor, so a slow consumer can never block or
// lose already-committed entries.
package tail

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/store"
)

// ErrResumeRequired is reported when a subscriber's buffer overflowed.
// The subscriber must resubscribe from the sequence after the last one
// it consumed; no committed entry is lost, only the live stream.
var ErrResumeRequired = errors.New("subscriber fell behind, resubscribe after last consumed sequence")

// catchupBatch bounds each store read during catch-up.
const catchupBatch = 256

// Reader is the slice of the store the bus needs.
type Reader interface {
	Tail(ctx context.Context, containerID crypto.Hash, from uint64, limit int) ([]store.Entry, error)
}

// Bus fans post-commit signals out to local subscribers.
type Bus struct {
	reader Reader
	logger *slog.Logger

	mu   sync.Mutex
	subs map[crypto.Hash]map[*Subscription]struct{}
}

// NewBus creates a bus over the given store reader.
func NewBus(reader Reader) *Bus {
	return &Bus{
		reader: reader,
		logger: slog.Default().With("component", "tail"),
		subs:   make(map[crypto.Hash]map[*Subscription]struct{}),
	}
}

// Signal wakes subscribers of a container. It never blocks: the payload
// is a bounded wakeup, not the entry itself.
func (b *Bus) Signal(containerID crypto.Hash, sequence uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[containerID] {
		select {
		case sub.wake <- struct{}{}:
		default:
			// A wakeup is already pending; the catch-up loop will see
			// the new entry anyway.
		}
	}
}

// Subscribe opens an ordered stream of committed entries with
// sequence >= from. A buffer of zero selects a sensible default.
func (b *Bus) Subscribe(ctx context.Context, containerID crypto.Hash, from uint64, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	if from == 0 {
		from = 1
	}
	sub := &Subscription{
		bus:       b,
		container: containerID,
		cursor:    from,
		wake:      make(chan struct{}, 1),
		out:       make(chan store.Entry, buffer),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.subs[containerID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[containerID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(ctx)
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.container]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.container)
		}
	}
}

// Subscription is one consumer's bounded, ordered stream.
type Subscription struct {
	bus       *Bus
	container crypto.Hash
	cursor    uint64
	wake      chan struct{}
	out       chan store.Entry
	done      chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Entries is the ordered stream. It is closed when the subscription
// ends; check Err afterwards.
func (s *Subscription) Entries() <-chan store.Entry {
	return s.out
}

// Err reports why the stream closed: nil after Close, ErrResumeRequired
// after overflow, or a storage error.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close ends the subscription and releases its buffer.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription) fail(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	s.Close()
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.out)
	defer s.bus.remove(s)

	for {
		if !s.catchUp(ctx) {
			return
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// catchUp drains committed entries after the cursor into the buffer.
// Returns false when the subscription is finished.
func (s *Subscription) catchUp(ctx context.Context) bool {
	for {
		select {
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		default:
		}

		entries, err := s.bus.reader.Tail(ctx, s.container, s.cursor, catchupBatch)
		if err != nil {
			s.bus.logger.Error("tail catch-up failed",
				"container", s.container.Hex(), "cursor", s.cursor, "error", err)
			s.fail(err)
			return false
		}
		if len(entries) == 0 {
			return true
		}

		for _, e := range entries {
			select {
			case s.out <- e:
				s.cursor = e.Sequence + 1
			case <-s.done:
				return false
			case <-ctx.Done():
				return false
			default:
				// Buffer full: the consumer fell behind. Disconnect
				// rather than block the pipeline.
				s.fail(ErrResumeRequired)
				return false
			}
		}
	}
}
