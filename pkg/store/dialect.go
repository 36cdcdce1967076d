package store

import (
	"strings"
)

// dialect abstracts the differences between the two supported backends.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_atom (
	atom_hash TEXT PRIMARY KEY,
	bytes BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entry (
	container_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	link_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL UNIQUE,
	atom_hash TEXT NOT NULL,
	intent_class INTEGER NOT NULL,
	physics_delta TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	author_public_key TEXT NOT NULL,
	PRIMARY KEY (container_id, sequence),
	UNIQUE (container_id, link_hash)
);

CREATE INDEX IF NOT EXISTS idx_ledger_entry_container ON ledger_entry(container_id);

CREATE TRIGGER IF NOT EXISTS ledger_entry_no_update BEFORE UPDATE ON ledger_entry
BEGIN SELECT RAISE(ABORT, 'ledger_entry is append-only'); END;

CREATE TRIGGER IF NOT EXISTS ledger_entry_no_delete BEFORE DELETE ON ledger_entry
BEGIN SELECT RAISE(ABORT, 'ledger_entry is append-only'); END;

CREATE TRIGGER IF NOT EXISTS ledger_atom_no_update BEFORE UPDATE ON ledger_atom
BEGIN SELECT RAISE(ABORT, 'ledger_atom is insert-only'); END;

CREATE TRIGGER IF NOT EXISTS ledger_atom_no_delete BEFORE DELETE ON ledger_atom
BEGIN SELECT RAISE(ABORT, 'ledger_atom is insert-only'); END;
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_atom (
	atom_hash TEXT PRIMARY KEY,
	bytes BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entry (
	container_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	link_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL UNIQUE,
	atom_hash TEXT NOT NULL,
	intent_class SMALLINT NOT NULL,
	physics_delta TEXT NOT NULL,
	timestamp_ms BIGINT NOT NULL,
	author_public_key TEXT NOT NULL,
	PRIMARY KEY (container_id, sequence),
	UNIQUE (container_id, link_hash)
);

CREATE INDEX IF NOT EXISTS idx_ledger_entry_container ON ledger_entry(container_id);

CREATE OR REPLACE FUNCTION loom_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger tables are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ledger_entry_no_mutate ON ledger_entry;
CREATE TRIGGER ledger_entry_no_mutate
	BEFORE UPDATE OR DELETE ON ledger_entry
	FOR EACH ROW EXECUTE FUNCTION loom_append_only();

DROP TRIGGER IF EXISTS ledger_atom_no_mutate ON ledger_atom;
CREATE TRIGGER ledger_atom_no_mutate
	BEFORE UPDATE OR DELETE ON ledger_atom
	FOR EACH ROW EXECUTE FUNCTION loom_append_only();
`

func (d dialect) schema() string {
	if d == dialectPostgres {
		return postgresSchema
	}
	return sqliteSchema
}

// lockSuffix strengthens the head read where the backend supports it.
// SQLite transactions already serialize on the database.
func (d dialect) lockSuffix() string {
	if d == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// retryable classifies serialization conflicts and write races that a
// fresh attempt may resolve.
func (d dialect) retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if d == dialectPostgres {
		// 40001 serialization_failure, 40P01 deadlock_detected,
		// 23505 unique_violation (a lost sequence race).
		return strings.Contains(msg, "40001") ||
			strings.Contains(msg, "40P01") ||
			strings.Contains(msg, "deadlock") ||
			strings.Contains(msg, "could not serialize") ||
			strings.Contains(msg, "duplicate key")
	}
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
