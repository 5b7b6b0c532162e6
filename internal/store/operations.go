package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Operation is one durable in-flight operation. UserIDs nil means the target
// set has not been resolved yet ("share to all current members"); a non-nil
// slice, even empty, is an explicit resolved set. The distinction survives
// restarts, which is what makes crash recovery of key shares possible.
type Operation struct {
	ID      string
	Type    string
	RoomID  string
	UserIDs []string
	Payload []byte
}

// OperationStore is the operation table scoped to a transaction.
type OperationStore struct {
	tx *sql.Tx
}

func encodeUserIDs(userIDs []string) (sql.NullString, error) {
	if userIDs == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(userIDs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: encode user ids: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeUserIDs(raw sql.NullString) ([]string, error) {
	if !raw.Valid {
		return nil, nil
	}
	userIDs := []string{}
	if err := json.Unmarshal([]byte(raw.String), &userIDs); err != nil {
		return nil, fmt.Errorf("store: decode user ids: %w", err)
	}
	return userIDs, nil
}

// Add inserts a new operation.
func (s OperationStore) Add(op *Operation) error {
	userIDs, err := encodeUserIDs(op.UserIDs)
	if err != nil {
		return err
	}
	_, err = s.tx.Exec(
		"INSERT INTO operation (id, type, room_id, user_ids, payload) VALUES (?, ?, ?, ?, ?)",
		op.ID, op.Type, op.RoomID, userIDs, op.Payload,
	)
	return err
}

// Update replaces an existing operation's target set and payload.
func (s OperationStore) Update(op *Operation) error {
	userIDs, err := encodeUserIDs(op.UserIDs)
	if err != nil {
		return err
	}
	res, err := s.tx.Exec(
		"UPDATE operation SET user_ids = ?, payload = ? WHERE id = ?",
		userIDs, op.Payload, op.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: update operation %s: not found", op.ID)
	}
	return nil
}

// Remove deletes an operation by id. Removing an absent operation is not an
// error.
func (s OperationStore) Remove(id string) error {
	_, err := s.tx.Exec("DELETE FROM operation WHERE id = ?", id)
	return err
}

// Get returns an operation by id, or nil if absent.
func (s OperationStore) Get(id string) (*Operation, error) {
	row := s.tx.QueryRow("SELECT id, type, room_id, user_ids, payload FROM operation WHERE id = ?", id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return op, err
}

// AllByTypeAndScope returns all operations of a type scoped to a room, in
// insertion order.
func (s OperationStore) AllByTypeAndScope(opType, roomID string) ([]*Operation, error) {
	rows, err := s.tx.Query(
		"SELECT id, type, room_id, user_ids, payload FROM operation WHERE type = ? AND room_id = ? ORDER BY rowid",
		opType, roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// RoomIDsByType returns the distinct rooms that have pending operations of
// the given type, in insertion order of their oldest operation.
func (s OperationStore) RoomIDsByType(opType string) ([]string, error) {
	rows, err := s.tx.Query(
		"SELECT room_id FROM operation WHERE type = ? GROUP BY room_id ORDER BY MIN(rowid)",
		opType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	op := &Operation{}
	var userIDs sql.NullString
	if err := row.Scan(&op.ID, &op.Type, &op.RoomID, &userIDs, &op.Payload); err != nil {
		return nil, err
	}
	decoded, err := decodeUserIDs(userIDs)
	if err != nil {
		return nil, err
	}
	op.UserIDs = decoded
	return op, nil
}
