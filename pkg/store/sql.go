package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/link"
	"github.com/Mindburn-Labs/loom/pkg/membrane"
)

// appendRetryBudget bounds the attempts per append: the first try plus
// retries on serialization conflicts.
const appendRetryBudget = 5

// SQLStore implements Store over database/sql. It supports Postgres
// (lib/pq) and SQLite (modernc) through a shared statement set.
type SQLStore struct {
	db       *sql.DB
	dialect  dialect
	clock    func() time.Time
	onCommit CommitHook
	logger   *slog.Logger
}

// Open connects to dsn and runs migrations. Postgres DSNs are detected
// by scheme; everything else is treated as a SQLite path.
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = sql.Open("postgres", dsn)
		d = dialectPostgres
	} else {
		db, err = sql.Open("sqlite", dsn)
		d = dialectSQLite
	}
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if d == dialectSQLite {
		// One writer connection; SQLite serializes on the database file
		// and a single pool connection keeps in-memory DSNs coherent.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		db:      db,
		dialect: d,
		clock:   time.Now,
		logger:  slog.Default().With("component", "store"),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing database handle and runs migrations.
func NewSQLStore(ctx context.Context, db *sql.DB, postgres bool) (*SQLStore, error) {
	d := dialectSQLite
	if postgres {
		d = dialectPostgres
	}
	s := &SQLStore{
		db:      db,
		dialect: d,
		clock:   time.Now,
		logger:  slog.Default().With("component", "store"),
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the timestamp source for deterministic tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// SetCommitHook registers the post-commit signal receiver. The hook
// fires after the transaction is durable and must not block.
func (s *SQLStore) SetCommitHook(hook CommitHook) {
	s.onCommit = hook
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema()); err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Append implements the serializable append protocol: stage the atom,
// re-read head state under the strongest available locking, re-run the
// tangency and sequence checks, then insert the entry. The whole
// operation retries on serialization conflicts with exponential backoff.
func (s *SQLStore) Append(ctx context.Context, l *link.Link, atomBytes []byte) (AppendResult, error) {
	linkHash := l.Hash()

	var lastErr error
	for attempt := 0; attempt < appendRetryBudget; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(10<<uint(attempt-1)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return AppendResult{}, &StorageError{Op: "append", Err: ctx.Err()}
			}
		}

		res, err := s.tryAppend(ctx, l, linkHash, atomBytes)
		if err == nil {
			if !res.Replayed && s.onCommit != nil {
				s.onCommit(res.Entry.ContainerID, res.Entry.Sequence)
			}
			return res, nil
		}
		if _, isReject := membrane.AsRejection(err); isReject {
			return AppendResult{}, err
		}
		if errors.Is(err, ErrAtomMissing) {
			return AppendResult{}, err
		}
		if !s.dialect.retryable(err) {
			return AppendResult{}, &StorageError{Op: "append", Err: err}
		}
		lastErr = err
		s.logger.Debug("append conflict, retrying",
			"container", l.ContainerID.Hex(), "attempt", attempt+1, "error", err)
	}
	return AppendResult{}, &ConflictExhaustedError{Attempts: appendRetryBudget, Last: lastErr}
}

func (s *SQLStore) tryAppend(ctx context.Context, l *link.Link, linkHash crypto.Hash, atomBytes []byte) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotency: an identical link re-presented returns the original
	// entry. Detected before the sequence check so network retries do
	// not surface SequenceMismatch.
	existing, err := s.scanEntry(tx.QueryRowContext(ctx,
		`SELECT container_id, sequence, link_hash, previous_hash, entry_hash, atom_hash,
		        intent_class, physics_delta, timestamp_ms, author_public_key
		 FROM ledger_entry WHERE container_id = $1 AND link_hash = $2`,
		l.ContainerID.Hex(), linkHash.Hex()))
	if err == nil {
		return AppendResult{Entry: existing, Replayed: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return AppendResult{}, err
	}

	// Stage the atom. Duplicate inserts of identical bytes are no-ops.
	if atomBytes != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_atom (atom_hash, bytes) VALUES ($1, $2) ON CONFLICT (atom_hash) DO NOTHING`,
			l.AtomHash.Hex(), atomBytes); err != nil {
			return AppendResult{}, err
		}
	} else {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM ledger_atom WHERE atom_hash = $1`, l.AtomHash.Hex()).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return AppendResult{}, ErrAtomMissing
		}
		if err != nil {
			return AppendResult{}, err
		}
	}

	// Re-read head state with the strongest locking the backend offers,
	// then re-run the drift and sequence checks against it. Two commits
	// racing on one sequence see exactly one succeed here.
	st, err := s.stateTx(ctx, tx, l.ContainerID)
	if err != nil {
		return AppendResult{}, err
	}
	if l.PreviousHash != st.LastEntryHash {
		return AppendResult{}, &membrane.Rejection{
			Kind:   membrane.RealityDrift,
			Detail: fmt.Sprintf("previous_hash %s does not match head %s", l.PreviousHash, st.LastEntryHash),
		}
	}
	if l.ExpectedSequence != st.LastSequence+1 {
		return AppendResult{}, &membrane.Rejection{
			Kind:   membrane.SequenceMismatch,
			Detail: fmt.Sprintf("expected_sequence %d, next is %d", l.ExpectedSequence, st.LastSequence+1),
		}
	}

	entry := Entry{
		ContainerID:     l.ContainerID,
		Sequence:        l.ExpectedSequence,
		LinkHash:        linkHash,
		PreviousHash:    l.PreviousHash,
		EntryHash:       EntryHash(l.PreviousHash, linkHash),
		AtomHash:        l.AtomHash,
		IntentClass:     l.IntentClass,
		PhysicsDelta:    l.PhysicsDelta,
		TimestampMS:     s.clock().UnixMilli(),
		AuthorPublicKey: append([]byte(nil), l.AuthorPublicKey...),
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entry (container_id, sequence, link_hash, previous_hash, entry_hash,
		                           atom_hash, intent_class, physics_delta, timestamp_ms, author_public_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ContainerID.Hex(), int64(entry.Sequence), entry.LinkHash.Hex(), entry.PreviousHash.Hex(),
		entry.EntryHash.Hex(), entry.AtomHash.Hex(), int(entry.IntentClass), entry.PhysicsDelta.String(),
		entry.TimestampMS, hex.EncodeToString(entry.AuthorPublicKey)); err != nil {
		return AppendResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Entry: entry}, nil
}

func (s *SQLStore) stateTx(ctx context.Context, tx *sql.Tx, containerID crypto.Hash) (membrane.State, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM ledger_entry
		 WHERE container_id = $1 ORDER BY sequence DESC LIMIT 1`+s.dialect.lockSuffix(),
		containerID.Hex())

	var (
		seq      int64
		entryHex string
	)
	err := row.Scan(&seq, &entryHex)
	if errors.Is(err, sql.ErrNoRows) {
		return membrane.State{LastSequence: 0, LastEntryHash: crypto.ZeroHash}, nil
	}
	if err != nil {
		return membrane.State{}, err
	}
	h, err := crypto.ParseHash(entryHex)
	if err != nil {
		return membrane.State{}, err
	}
	return membrane.State{LastSequence: uint64(seq), LastEntryHash: h}, nil
}

// State implements Store.
func (s *SQLStore) State(ctx context.Context, containerID crypto.Hash) (membrane.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM ledger_entry
		 WHERE container_id = $1 ORDER BY sequence DESC LIMIT 1`,
		containerID.Hex())

	var (
		seq      int64
		entryHex string
	)
	err := row.Scan(&seq, &entryHex)
	if errors.Is(err, sql.ErrNoRows) {
		return membrane.State{LastSequence: 0, LastEntryHash: crypto.ZeroHash}, nil
	}
	if err != nil {
		return membrane.State{}, &StorageError{Op: "state", Err: err}
	}
	h, err := crypto.ParseHash(entryHex)
	if err != nil {
		return membrane.State{}, &StorageError{Op: "state", Err: err}
	}
	return membrane.State{LastSequence: uint64(seq), LastEntryHash: h}, nil
}

const entryColumns = `container_id, sequence, link_hash, previous_hash, entry_hash, atom_hash,
	intent_class, physics_delta, timestamp_ms, author_public_key`

// Entry implements Store.
func (s *SQLStore) Entry(ctx context.Context, containerID crypto.Hash, sequence uint64) (Entry, error) {
	e, err := s.scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entry WHERE container_id = $1 AND sequence = $2`,
		containerID.Hex(), int64(sequence)))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Entry{}, &StorageError{Op: "entry", Err: err}
	}
	return e, err
}

// EntryByHash implements Store.
func (s *SQLStore) EntryByHash(ctx context.Context, entryHash crypto.Hash) (Entry, error) {
	e, err := s.scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entry WHERE entry_hash = $1`,
		entryHash.Hex()))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Entry{}, &StorageError{Op: "entry_by_hash", Err: err}
	}
	return e, err
}

// EntryByLinkHash implements Store.
func (s *SQLStore) EntryByLinkHash(ctx context.Context, containerID crypto.Hash, linkHash crypto.Hash) (Entry, error) {
	e, err := s.scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entry WHERE container_id = $1 AND link_hash = $2`,
		containerID.Hex(), linkHash.Hex()))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Entry{}, &StorageError{Op: "entry_by_link_hash", Err: err}
	}
	return e, err
}

// Atom implements Store.
func (s *SQLStore) Atom(ctx context.Context, atomHash crypto.Hash) ([]byte, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT bytes FROM ledger_atom WHERE atom_hash = $1`, atomHash.Hex()).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "atom", Err: err}
	}
	return b, nil
}

// Tail implements Store.
func (s *SQLStore) Tail(ctx context.Context, containerID crypto.Hash, from uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entry
		 WHERE container_id = $1 AND sequence >= $2 ORDER BY sequence ASC LIMIT $3`,
		containerID.Hex(), int64(from), limit)
	if err != nil {
		return nil, &StorageError{Op: "tail", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntryFrom(rows.Scan)
		if err != nil {
			return nil, &StorageError{Op: "tail", Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "tail", Err: err}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanEntry(row rowScanner) (Entry, error) {
	e, err := scanEntryFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func scanEntryFrom(scan func(dest ...any) error) (Entry, error) {
	var (
		containerHex, linkHex, prevHex, entryHex, atomHex string
		seq, ts                                           int64
		class                                             int
		deltaStr, authorHex                               string
	)
	if err := scan(&containerHex, &seq, &linkHex, &prevHex, &entryHex, &atomHex,
		&class, &deltaStr, &ts, &authorHex); err != nil {
		return Entry{}, err
	}

	var (
		e   Entry
		err error
	)
	if e.ContainerID, err = crypto.ParseHash(containerHex); err != nil {
		return Entry{}, err
	}
	e.Sequence = uint64(seq)
	if e.LinkHash, err = crypto.ParseHash(linkHex); err != nil {
		return Entry{}, err
	}
	if e.PreviousHash, err = crypto.ParseHash(prevHex); err != nil {
		return Entry{}, err
	}
	if e.EntryHash, err = crypto.ParseHash(entryHex); err != nil {
		return Entry{}, err
	}
	if e.AtomHash, err = crypto.ParseHash(atomHex); err != nil {
		return Entry{}, err
	}
	e.IntentClass = link.IntentClass(class)
	if e.PhysicsDelta, err = link.ParseDelta(deltaStr); err != nil {
		return Entry{}, err
	}
	e.TimestampMS = ts
	if e.AuthorPublicKey, err = hex.DecodeString(authorHex); err != nil {
		return Entry{}, err
	}
	return e, nil
}
