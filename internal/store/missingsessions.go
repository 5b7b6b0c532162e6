package store

import "database/sql"

// MissingSessionEventStore records which event ids could not be decrypted
// for want of a given session, so a late-arriving key knows which events to
// retry without re-scanning history.
type MissingSessionEventStore struct {
	tx *sql.Tx
}

// Add records event ids as blocked on a session. Duplicates are ignored.
func (s MissingSessionEventStore) Add(roomID, senderKey, sessionID string, eventIDs []string) error {
	for _, eventID := range eventIDs {
		_, err := s.tx.Exec(
			"INSERT OR IGNORE INTO missing_session_event (room_id, sender_key, session_id, event_id) VALUES (?, ?, ?, ?)",
			roomID, senderKey, sessionID, eventID,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns the event ids blocked on a session.
func (s MissingSessionEventStore) Get(roomID, senderKey, sessionID string) ([]string, error) {
	rows, err := s.tx.Query(
		"SELECT event_id FROM missing_session_event WHERE room_id = ? AND sender_key = ? AND session_id = ?",
		roomID, senderKey, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eventIDs []string
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			return nil, err
		}
		eventIDs = append(eventIDs, eventID)
	}
	return eventIDs, rows.Err()
}

// Remove clears the bookkeeping for a session, typically once its key has
// arrived.
func (s MissingSessionEventStore) Remove(roomID, senderKey, sessionID string) error {
	_, err := s.tx.Exec(
		"DELETE FROM missing_session_event WHERE room_id = ? AND sender_key = ? AND session_id = ?",
		roomID, senderKey, sessionID,
	)
	return err
}
