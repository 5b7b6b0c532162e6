package store

import (
	"database/sql"
	"errors"
)

// OutboundGroupSessionStore is the outbound_group_session table scoped to a
// transaction. At most one session is stored per room.
type OutboundGroupSessionStore struct {
	tx *sql.Tx
}

// Get returns the serialized session for a room, or nil if absent.
func (s OutboundGroupSessionStore) Get(roomID string) ([]byte, error) {
	var record []byte
	err := s.tx.QueryRow(
		"SELECT record FROM outbound_group_session WHERE room_id = ?", roomID,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Set inserts or replaces the session for a room.
func (s OutboundGroupSessionStore) Set(roomID string, record []byte) error {
	_, err := s.tx.Exec(
		"INSERT OR REPLACE INTO outbound_group_session (room_id, record) VALUES (?, ?)",
		roomID, record,
	)
	return err
}

// Remove discards the session for a room. Removing an absent session is not
// an error.
func (s OutboundGroupSessionStore) Remove(roomID string) error {
	_, err := s.tx.Exec("DELETE FROM outbound_group_session WHERE room_id = ?", roomID)
	return err
}
