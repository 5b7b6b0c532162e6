// Package roomcrypto implements per-room group encryption: outbound session
// management and rotation, room-key distribution to member devices with
// durable crash-safe share operations, batch decryption of timeline events,
// and recovery of missing keys from an online backup.
package roomcrypto

import (
	"encoding/json"
)

// Event types used on the wire.
const (
	EncryptedEventType = "m.room.encrypted"
	RoomKeyEventType   = "m.room_key"
	WithheldEventType  = "org.matrix.room_key.withheld"
)

// WithheldCodeNoOlm tells a device it will not receive a key because no olm
// channel could be established (one-time keys exhausted).
const WithheldCodeNoOlm = "m.no_olm"

// Device identifies one device of a room member.
type Device struct {
	UserID        string
	DeviceID      string
	Ed25519Key    string
	Curve25519Key string
}

// MemberChange describes a membership transition for one user.
type MemberChange struct {
	UserID             string
	Membership         string
	PreviousMembership string
}

// HasJoined reports whether the change is a transition into the room.
func (c MemberChange) HasJoined() bool {
	return c.Membership == "join" && c.PreviousMembership != "join"
}

// HasLeft reports whether the change is a transition out of the room.
func (c MemberChange) HasLeft() bool {
	return c.PreviousMembership == "join" && c.Membership != "join"
}

// TimelineEvent is the raw form of a room event as received from sync or
// backfill.
type TimelineEvent struct {
	ID             string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Unsigned       *EventUnsigned  `json:"unsigned,omitempty"`
}

// EventUnsigned carries the server-added metadata this package cares about.
type EventUnsigned struct {
	RedactedBecause json.RawMessage `json:"redacted_because,omitempty"`
}

// IsRedacted reports whether the event has been redacted. Redacted events
// carry no ciphertext and are excluded from decryption entirely.
func (e *TimelineEvent) IsRedacted() bool {
	return e.Unsigned != nil && len(e.Unsigned.RedactedBecause) > 0
}

// TimelineEntry pairs a raw event with its current decryption state, as the
// timeline sees it.
type TimelineEntry struct {
	Event       *TimelineEvent
	Undecrypted bool // encrypted event with no decryption result yet
}

// EncryptedContent is the content of an m.room.encrypted event.
type EncryptedContent struct {
	Algorithm  string `json:"algorithm"`
	SenderKey  string `json:"sender_key"`
	DeviceID   string `json:"device_id,omitempty"`
	SessionID  string `json:"session_id"`
	Ciphertext string `json:"ciphertext"`
}

// RoomKeyMessage is the m.room_key payload produced when a new or rotated
// outbound session must be distributed. Immutable once produced.
type RoomKeyMessage struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	ChainIndex uint32 `json:"chain_index"`
}

// WithheldMessage is the org.matrix.room_key.withheld payload telling a
// device it will not receive a key.
type WithheldMessage struct {
	Algorithm string `json:"algorithm"`
	RoomID    string `json:"room_id"`
	SessionID string `json:"session_id"`
	SenderKey string `json:"sender_key"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
}

// IncomingRoomKey is a room key received from normal sharing or recovered
// from backup, not yet necessarily written to storage.
type IncomingRoomKey struct {
	RoomID            string
	SenderKey         string
	SessionID         string
	SessionKey        string
	ClaimedEd25519Key string
	FromBackup        bool
}

// BackupSessionRecord is one session's entry in the remote key backup.
type BackupSessionRecord struct {
	Algorithm         string            `json:"algorithm"`
	SenderKey         string            `json:"sender_key"`
	SessionKey        string            `json:"session_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys,omitempty"`
}

// DecryptionSource says where a batch of events to decrypt came from. It
// decides which session cache serves the batch.
type DecryptionSource int

const (
	// SourceSync is live incoming traffic; served by a small persistent cache.
	SourceSync DecryptionSource = iota + 1
	// SourceTimeline is backfill of the visible timeline window; served by a
	// cache that lives until the timeline closes.
	SourceTimeline
	// SourceRetry is a re-decrypt after a key arrived; served by a throwaway
	// cache scoped to the single batch.
	SourceRetry
)

func (s DecryptionSource) String() string {
	switch s {
	case SourceSync:
		return "sync"
	case SourceTimeline:
		return "timeline"
	case SourceRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// megolmPayload is the plaintext carried inside a megolm ciphertext.
type megolmPayload struct {
	RoomID  string          `json:"room_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}
