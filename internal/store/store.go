// Package store provides the durable storage for the room-encryption core:
// inbound and outbound group sessions, pending key-share operations,
// missing-session event bookkeeping, and per-message decryption records.
//
// All access goes through explicit transactions. Read transactions are
// read-only at the database level; write transactions must be committed
// explicitly and are rolled back on Abort or when closed uncommitted.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding all room-encryption state.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS inbound_group_session (
	room_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	record BLOB NOT NULL,
	first_known_index INTEGER NOT NULL,
	claimed_ed25519_key TEXT NOT NULL DEFAULT '',
	from_backup INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, sender_key, session_id)
);
CREATE TABLE IF NOT EXISTS outbound_group_session (
	room_id TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS operation (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	room_id TEXT NOT NULL,
	user_ids TEXT,
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS operation_type_room ON operation (type, room_id);
CREATE TABLE IF NOT EXISTS missing_session_event (
	room_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, sender_key, session_id, event_id)
);
CREATE TABLE IF NOT EXISTS session_decryption (
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	message_index INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (room_id, session_id, message_index)
);
`

// DefaultDataDir returns the default data directory for matrix-go databases.
// Uses $XDG_DATA_HOME/matrix-go, falling back to ~/.local/share/matrix-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "matrix-go")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/matrix-go/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// SQLite is single-writer; one connection serializes transactions
	// instead of surfacing lock contention as busy errors.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ReadTxn is a read-only transaction over the store.
type ReadTxn struct {
	tx   *sql.Tx
	done bool
}

// WriteTxn is a read-write transaction. It must be explicitly committed;
// anything short of Commit leaves the database untouched.
type WriteTxn struct {
	ReadTxn
}

// Read opens a transaction for queries. It is always rolled back on Close,
// so any writes made through it are discarded.
func (s *Store) Read(ctx context.Context) (*ReadTxn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin read txn: %w", err)
	}
	return &ReadTxn{tx: tx}, nil
}

// ReadWrite opens a read-write transaction.
func (s *Store) ReadWrite(ctx context.Context) (*WriteTxn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin write txn: %w", err)
	}
	return &WriteTxn{ReadTxn{tx: tx}}, nil
}

// Close releases a read transaction. Safe to call more than once.
func (t *ReadTxn) Close() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// Commit makes the transaction's writes durable.
func (t *WriteTxn) Commit() error {
	if t.done {
		return fmt.Errorf("store: commit on finished txn")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Abort discards the transaction's writes. It does nothing after Commit, so
// it can be deferred unconditionally.
func (t *WriteTxn) Abort() error {
	return t.Close()
}

// Named store accessors. Each returns a view scoped to this transaction.

func (t *ReadTxn) InboundGroupSessions() InboundGroupSessionStore {
	return InboundGroupSessionStore{t.tx}
}

func (t *ReadTxn) OutboundGroupSessions() OutboundGroupSessionStore {
	return OutboundGroupSessionStore{t.tx}
}

func (t *ReadTxn) Operations() OperationStore {
	return OperationStore{t.tx}
}

func (t *ReadTxn) MissingSessionEvents() MissingSessionEventStore {
	return MissingSessionEventStore{t.tx}
}

func (t *ReadTxn) SessionDecryptions() SessionDecryptionStore {
	return SessionDecryptionStore{t.tx}
}
