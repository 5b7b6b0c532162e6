package roomcrypto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinfoilchat/matrix-go/internal/megolm"
	"github.com/tinfoilchat/matrix-go/internal/store"
)

// Default rotation policy for outbound sessions.
const (
	DefaultRotationMaxMessages = 100
	DefaultRotationMaxAge      = 7 * 24 * time.Hour
)

// EncryptionConfig configures the encryption engine.
type EncryptionConfig struct {
	OwnUserID   string
	OwnDeviceID string
	// OwnSenderKey is this device's curve25519 identity key, carried as
	// sender_key in everything we encrypt.
	OwnSenderKey string

	// Rotation policy; zero values select the defaults.
	RotationMaxMessages uint32
	RotationMaxAge      time.Duration

	Now func() time.Time
}

// Encryption owns the outbound group session of each room: when to create or
// rotate one, the room-key payloads distributing it, and the megolm
// ciphering of outgoing events. All state lives in the given transactions,
// so callers control durability.
type Encryption struct {
	ownUserID    string
	ownDeviceID  string
	ownSenderKey string
	maxMessages  uint32
	maxAge       time.Duration
	now          func() time.Time
}

// NewEncryption creates an encryption engine.
func NewEncryption(cfg EncryptionConfig) *Encryption {
	e := &Encryption{
		ownUserID:    cfg.OwnUserID,
		ownDeviceID:  cfg.OwnDeviceID,
		ownSenderKey: cfg.OwnSenderKey,
		maxMessages:  cfg.RotationMaxMessages,
		maxAge:       cfg.RotationMaxAge,
		now:          cfg.Now,
	}
	if e.maxMessages == 0 {
		e.maxMessages = DefaultRotationMaxMessages
	}
	if e.maxAge == 0 {
		e.maxAge = DefaultRotationMaxAge
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Encryption) expired(s *megolm.OutboundSession) bool {
	return s.MessageIndex() >= e.maxMessages || e.now().Sub(s.CreatedAt()) >= e.maxAge
}

// loadOutboundSession returns the room's current session, or nil if none is
// stored.
func (e *Encryption) loadOutboundSession(roomID string, txn *store.ReadTxn) (*megolm.OutboundSession, error) {
	record, err := txn.OutboundGroupSessions().Get(roomID)
	if err != nil {
		return nil, fmt.Errorf("roomcrypto: load outbound session: %w", err)
	}
	if record == nil {
		return nil, nil
	}
	return megolm.UnmarshalOutboundSession(record)
}

func (e *Encryption) storeOutboundSession(roomID string, s *megolm.OutboundSession, txn *store.WriteTxn) error {
	record, err := s.Marshal()
	if err != nil {
		return err
	}
	if err := txn.OutboundGroupSessions().Set(roomID, record); err != nil {
		return fmt.Errorf("roomcrypto: store outbound session: %w", err)
	}
	return nil
}

func (e *Encryption) roomKeyMessage(roomID string, s *megolm.OutboundSession) *RoomKeyMessage {
	return &RoomKeyMessage{
		Algorithm:  megolm.Algorithm,
		RoomID:     roomID,
		SessionID:  s.ID(),
		SessionKey: s.SessionKey(),
		ChainIndex: s.MessageIndex(),
	}
}

// EnsureOutboundSession makes sure the room has a usable outbound session,
// creating or rotating one if needed. It returns the RoomKeyMessage to
// distribute when a session was created, nil when the existing session is
// still good (the common case).
func (e *Encryption) EnsureOutboundSession(roomID string, txn *store.WriteTxn) (*RoomKeyMessage, error) {
	session, err := e.loadOutboundSession(roomID, &txn.ReadTxn)
	if err != nil {
		return nil, err
	}
	if session != nil && !e.expired(session) {
		return nil, nil
	}
	session, err = megolm.NewOutboundSession()
	if err != nil {
		return nil, err
	}
	if err := e.storeOutboundSession(roomID, session, txn); err != nil {
		return nil, err
	}
	return e.roomKeyMessage(roomID, session), nil
}

// CreateRoomKeyMessage returns a RoomKeyMessage for the room's existing
// unexpired session, without creating one. Returns nil when there is no
// session to share.
func (e *Encryption) CreateRoomKeyMessage(roomID string, txn *store.ReadTxn) (*RoomKeyMessage, error) {
	session, err := e.loadOutboundSession(roomID, txn)
	if err != nil {
		return nil, err
	}
	if session == nil || e.expired(session) {
		return nil, nil
	}
	return e.roomKeyMessage(roomID, session), nil
}

// DiscardOutboundSession invalidates the room's current session, forcing a
// new one on the next encrypt.
func (e *Encryption) DiscardOutboundSession(roomID string, txn *store.WriteTxn) error {
	if err := txn.OutboundGroupSessions().Remove(roomID); err != nil {
		return fmt.Errorf("roomcrypto: discard outbound session: %w", err)
	}
	return nil
}

// Encrypt ciphers one event for the room. If the session had to be created
// or rotated as a side effect, the accompanying RoomKeyMessage is returned
// and must be distributed by the caller.
func (e *Encryption) Encrypt(roomID, eventType string, content json.RawMessage, txn *store.WriteTxn) (*EncryptedContent, *RoomKeyMessage, error) {
	roomKey, err := e.EnsureOutboundSession(roomID, txn)
	if err != nil {
		return nil, nil, err
	}
	session, err := e.loadOutboundSession(roomID, &txn.ReadTxn)
	if err != nil {
		return nil, nil, err
	}

	payload, err := json.Marshal(megolmPayload{RoomID: roomID, Type: eventType, Content: content})
	if err != nil {
		return nil, nil, fmt.Errorf("roomcrypto: encode payload: %w", err)
	}
	ciphertext, err := session.Encrypt(payload)
	if err != nil {
		return nil, nil, err
	}
	if err := e.storeOutboundSession(roomID, session, txn); err != nil {
		return nil, nil, err
	}

	encrypted := &EncryptedContent{
		Algorithm:  megolm.Algorithm,
		SenderKey:  e.ownSenderKey,
		DeviceID:   e.ownDeviceID,
		SessionID:  session.ID(),
		Ciphertext: ciphertext,
	}
	return encrypted, roomKey, nil
}

// CreateWithheldMessage builds the withheld notice for a room key that
// cannot be delivered to a device.
func (e *Encryption) CreateWithheldMessage(roomKey *RoomKeyMessage, code, reason string) *WithheldMessage {
	return &WithheldMessage{
		Algorithm: roomKey.Algorithm,
		RoomID:    roomKey.RoomID,
		SessionID: roomKey.SessionID,
		SenderKey: e.ownSenderKey,
		Code:      code,
		Reason:    reason,
	}
}
