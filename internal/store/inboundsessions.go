package store

import (
	"database/sql"
	"errors"
)

// InboundGroupSession is one stored decryption session, keyed by
// (room, sender curve25519 key, session id).
type InboundGroupSession struct {
	RoomID            string
	SenderKey         string
	SessionID         string
	Record            []byte // serialized megolm inbound session
	FirstKnownIndex   uint32
	ClaimedEd25519Key string
	FromBackup        bool
}

// InboundGroupSessionStore is the inbound_group_session table scoped to a
// transaction.
type InboundGroupSessionStore struct {
	tx *sql.Tx
}

// Get returns the stored session, or nil if absent.
func (s InboundGroupSessionStore) Get(roomID, senderKey, sessionID string) (*InboundGroupSession, error) {
	rec := &InboundGroupSession{RoomID: roomID, SenderKey: senderKey, SessionID: sessionID}
	var fromBackup int
	err := s.tx.QueryRow(
		"SELECT record, first_known_index, claimed_ed25519_key, from_backup FROM inbound_group_session WHERE room_id = ? AND sender_key = ? AND session_id = ?",
		roomID, senderKey, sessionID,
	).Scan(&rec.Record, &rec.FirstKnownIndex, &rec.ClaimedEd25519Key, &fromBackup)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.FromBackup = fromBackup != 0
	return rec, nil
}

// Has reports whether a session is stored without loading its record.
func (s InboundGroupSessionStore) Has(roomID, senderKey, sessionID string) (bool, error) {
	var one int
	err := s.tx.QueryRow(
		"SELECT 1 FROM inbound_group_session WHERE room_id = ? AND sender_key = ? AND session_id = ?",
		roomID, senderKey, sessionID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Set inserts or replaces a session.
func (s InboundGroupSessionStore) Set(rec *InboundGroupSession) error {
	fromBackup := 0
	if rec.FromBackup {
		fromBackup = 1
	}
	_, err := s.tx.Exec(
		"INSERT OR REPLACE INTO inbound_group_session (room_id, sender_key, session_id, record, first_known_index, claimed_ed25519_key, from_backup) VALUES (?, ?, ?, ?, ?, ?, ?)",
		rec.RoomID, rec.SenderKey, rec.SessionID, rec.Record, rec.FirstKnownIndex, rec.ClaimedEd25519Key, fromBackup,
	)
	return err
}

// AllForRoom returns all stored sessions for a room, for diagnostics.
func (s InboundGroupSessionStore) AllForRoom(roomID string) ([]*InboundGroupSession, error) {
	rows, err := s.tx.Query(
		"SELECT sender_key, session_id, record, first_known_index, claimed_ed25519_key, from_backup FROM inbound_group_session WHERE room_id = ? ORDER BY sender_key, session_id",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*InboundGroupSession
	for rows.Next() {
		rec := &InboundGroupSession{RoomID: roomID}
		var fromBackup int
		if err := rows.Scan(&rec.SenderKey, &rec.SessionID, &rec.Record, &rec.FirstKnownIndex, &rec.ClaimedEd25519Key, &fromBackup); err != nil {
			return nil, err
		}
		rec.FromBackup = fromBackup != 0
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}
