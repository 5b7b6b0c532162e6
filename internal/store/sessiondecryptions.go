package store

import (
	"database/sql"
	"errors"
)

// SessionDecryptionRecord maps a (session, message index) to the event that
// first used it. A second event claiming the same index is a replay.
type SessionDecryptionRecord struct {
	EventID   string
	Timestamp int64
}

// SessionDecryptionStore is the session_decryption table scoped to a
// transaction.
type SessionDecryptionStore struct {
	tx *sql.Tx
}

// Get returns the record for a message index, or nil if the index has not
// been seen.
func (s SessionDecryptionStore) Get(roomID, sessionID string, messageIndex uint32) (*SessionDecryptionRecord, error) {
	rec := &SessionDecryptionRecord{}
	err := s.tx.QueryRow(
		"SELECT event_id, timestamp FROM session_decryption WHERE room_id = ? AND session_id = ? AND message_index = ?",
		roomID, sessionID, messageIndex,
	).Scan(&rec.EventID, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Set records the event that used a message index.
func (s SessionDecryptionStore) Set(roomID, sessionID string, messageIndex uint32, rec *SessionDecryptionRecord) error {
	_, err := s.tx.Exec(
		"INSERT OR REPLACE INTO session_decryption (room_id, session_id, message_index, event_id, timestamp) VALUES (?, ?, ?, ?, ?)",
		roomID, sessionID, messageIndex, rec.EventID, rec.Timestamp,
	)
	return err
}
