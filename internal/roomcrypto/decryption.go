package roomcrypto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tinfoilchat/matrix-go/internal/megolm"
	"github.com/tinfoilchat/matrix-go/internal/store"
)

// Decryption owns inbound group sessions: batch decryption of encrypted
// events, bookkeeping of events blocked on missing sessions, and import of
// keys arriving via sharing or backup.
type Decryption struct{}

// NewDecryption creates a decryption engine.
func NewDecryption() *Decryption {
	return &Decryption{}
}

// HasSession reports whether an inbound session is in storage.
func (d *Decryption) HasSession(txn *store.ReadTxn, roomID, senderKey, sessionID string) (bool, error) {
	return txn.InboundGroupSessions().Has(roomID, senderKey, sessionID)
}

// sessionDecryption is one event paired with the session that can decrypt
// it.
type sessionDecryption struct {
	event   *TimelineEvent
	content *EncryptedContent
	session *CachedSession
}

// DecryptionPreparation holds the session lookups for a batch of events. It
// is query-only: producing it needs no write transaction. Events that
// already failed (bad content, unknown algorithm, no session) are carried as
// errors and flow unchanged into the batch result.
type DecryptionPreparation struct {
	roomID      string
	decryptions []*sessionDecryption
	errors      map[string]*DecryptError
}

// PrepareDecryptAll resolves a session for every decryptable event in the
// batch. Redacted events are skipped entirely. newKeys are keys received
// alongside the events (same sync) whose sessions may not be written yet;
// they take part in lookup. Sessions are resolved cache-first; storage hits
// are added to the cache.
func (d *Decryption) PrepareDecryptAll(roomID string, events []*TimelineEvent, newKeys []*IncomingRoomKey, cache *SessionCache, txn *store.ReadTxn) (*DecryptionPreparation, error) {
	prep := &DecryptionPreparation{
		roomID: roomID,
		errors: map[string]*DecryptError{},
	}
	for _, event := range events {
		if event.IsRedacted() {
			continue
		}
		content := &EncryptedContent{}
		if err := json.Unmarshal(event.Content, content); err != nil || content.Ciphertext == "" || content.SessionID == "" {
			prep.errors[event.ID] = &DecryptError{Code: CodeBadEncryptedContent, EventID: event.ID, Err: err}
			continue
		}
		if content.Algorithm != megolm.Algorithm {
			prep.errors[event.ID] = &DecryptError{
				Code:    CodeUnknownAlgorithm,
				EventID: event.ID,
				Err:     fmt.Errorf("roomcrypto: algorithm %q", content.Algorithm),
			}
			continue
		}
		session, err := d.lookupSession(roomID, content.SenderKey, content.SessionID, newKeys, cache, txn)
		if err != nil {
			return nil, err
		}
		if session == nil {
			prep.errors[event.ID] = &DecryptError{
				Code:      CodeNoSession,
				EventID:   event.ID,
				SenderKey: content.SenderKey,
				SessionID: content.SessionID,
			}
			continue
		}
		prep.decryptions = append(prep.decryptions, &sessionDecryption{event: event, content: content, session: session})
	}
	return prep, nil
}

func (d *Decryption) lookupSession(roomID, senderKey, sessionID string, newKeys []*IncomingRoomKey, cache *SessionCache, txn *store.ReadTxn) (*CachedSession, error) {
	if session := cache.Get(roomID, senderKey, sessionID); session != nil {
		return session, nil
	}
	for _, key := range newKeys {
		if key.RoomID == roomID && key.SenderKey == senderKey && key.SessionID == sessionID {
			inbound, err := megolm.NewInboundSession(key.SessionKey)
			if err != nil {
				// A bad incoming key must not fail the batch; the event just
				// stays without a session.
				continue
			}
			session := &CachedSession{
				Session:           inbound,
				ClaimedEd25519Key: key.ClaimedEd25519Key,
				FromBackup:        key.FromBackup,
			}
			cache.Add(roomID, senderKey, sessionID, session)
			return session, nil
		}
	}
	rec, err := txn.InboundGroupSessions().Get(roomID, senderKey, sessionID)
	if err != nil {
		return nil, fmt.Errorf("roomcrypto: load inbound session: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	inbound, err := megolm.UnmarshalInboundSession(rec.Record)
	if err != nil {
		return nil, err
	}
	session := &CachedSession{
		Session:           inbound,
		ClaimedEd25519Key: rec.ClaimedEd25519Key,
		FromBackup:        rec.FromBackup,
	}
	cache.Add(roomID, senderKey, sessionID, session)
	return session, nil
}

// DecryptionResult is one successfully decrypted event.
type DecryptionResult struct {
	EventID             string
	Type                string
	Content             json.RawMessage
	SenderCurve25519Key string
	ClaimedEd25519Key   string
	SessionID           string
	MessageIndex        uint32
	// FromBackup marks results decrypted with a backup-sourced key, which
	// proves knowledge of the key but not ownership of the sender device.
	FromBackup bool
	// Device is the resolved sender device, filled in by verification.
	Device *Device
	// RoomNotTracked is set when membership is not tracked yet, so no device
	// resolution was possible.
	RoomNotTracked bool

	timestamp int64 // origin_server_ts, for the replay record
}

// BatchDecryptionResult is the outcome of one decrypt batch. Every
// non-redacted input event appears in exactly one of Results or Errors.
type BatchDecryptionResult struct {
	Results map[string]*DecryptionResult
	Errors  map[string]*DecryptError
}

// DecryptionChanges holds decrypted plaintexts not yet checked against the
// replay records in storage.
type DecryptionChanges struct {
	roomID  string
	results map[string]*DecryptionResult
	errors  map[string]*DecryptError
}

// DecryptAll runs the megolm decryption for every prepared event. Pure CPU
// work; the returned changes still need a write transaction to become a
// result.
func (p *DecryptionPreparation) DecryptAll() *DecryptionChanges {
	changes := &DecryptionChanges{
		roomID:  p.roomID,
		results: map[string]*DecryptionResult{},
		errors:  map[string]*DecryptError{},
	}
	for id, err := range p.errors {
		changes.errors[id] = err
	}
	for _, sd := range p.decryptions {
		event, content := sd.event, sd.content
		plaintext, index, err := sd.session.Session.Decrypt(content.Ciphertext)
		if err != nil {
			changes.errors[event.ID] = decryptErrorFor(event.ID, content, err)
			continue
		}
		payload := &megolmPayload{}
		if err := json.Unmarshal(plaintext, payload); err != nil {
			changes.errors[event.ID] = &DecryptError{Code: CodeBadEncryptedContent, EventID: event.ID, Err: err}
			continue
		}
		if payload.RoomID != p.roomID {
			changes.errors[event.ID] = &DecryptError{
				Code:      CodeWrongRoom,
				EventID:   event.ID,
				SessionID: content.SessionID,
				Err:       fmt.Errorf("roomcrypto: payload names room %q", payload.RoomID),
			}
			continue
		}
		changes.results[event.ID] = &DecryptionResult{
			EventID:             event.ID,
			Type:                payload.Type,
			Content:             payload.Content,
			SenderCurve25519Key: content.SenderKey,
			ClaimedEd25519Key:   sd.session.ClaimedEd25519Key,
			SessionID:           content.SessionID,
			MessageIndex:        index,
			FromBackup:          sd.session.FromBackup,
			timestamp:           event.OriginServerTS,
		}
	}
	return changes
}

// decryptErrorFor maps a megolm decrypt failure to a per-event error. A
// message index before the session's first known index is treated as a
// missing session: backup may hold an earlier export of the same session.
func decryptErrorFor(eventID string, content *EncryptedContent, err error) *DecryptError {
	code := CodeDecryptionFailed
	if errors.Is(err, megolm.ErrUnknownMessageIndex) {
		code = CodeNoSession
	}
	return &DecryptError{
		Code:      code,
		EventID:   eventID,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
		Err:       err,
	}
}

// Write checks every decrypted event against the replay records and persists
// the new ones, inside the given transaction. An aborted transaction takes
// the replay writes down with it; the returned result must then be
// discarded.
func (c *DecryptionChanges) Write(txn *store.WriteTxn) (*BatchDecryptionResult, error) {
	result := &BatchDecryptionResult{
		Results: map[string]*DecryptionResult{},
		Errors:  map[string]*DecryptError{},
	}
	for id, err := range c.errors {
		result.Errors[id] = err
	}
	decryptions := txn.SessionDecryptions()
	for id, res := range c.results {
		existing, err := decryptions.Get(c.roomID, res.SessionID, res.MessageIndex)
		if err != nil {
			return nil, fmt.Errorf("roomcrypto: check replay record: %w", err)
		}
		if existing != nil && (existing.EventID != id || existing.Timestamp != res.timestamp) {
			result.Errors[id] = &DecryptError{
				Code:      CodeReplayedMessage,
				EventID:   id,
				SessionID: res.SessionID,
				Err:       fmt.Errorf("roomcrypto: message index %d already used by %s", res.MessageIndex, existing.EventID),
			}
			continue
		}
		if existing == nil {
			err := decryptions.Set(c.roomID, res.SessionID, res.MessageIndex, &store.SessionDecryptionRecord{
				EventID:   id,
				Timestamp: res.timestamp,
			})
			if err != nil {
				return nil, fmt.Errorf("roomcrypto: write replay record: %w", err)
			}
		}
		result.Results[id] = res
	}
	return result, nil
}

// RoomKeyFromBackup parses a backup record into an importable room key.
// Returns nil when the record's key material is unusable or does not match
// the session id it claims to be for.
func (d *Decryption) RoomKeyFromBackup(roomID, sessionID string, rec *BackupSessionRecord) *IncomingRoomKey {
	session, err := megolm.NewInboundSession(rec.SessionKey)
	if err != nil || session.ID() != sessionID {
		return nil
	}
	return &IncomingRoomKey{
		RoomID:            roomID,
		SenderKey:         rec.SenderKey,
		SessionID:         sessionID,
		SessionKey:        rec.SessionKey,
		ClaimedEd25519Key: rec.SenderClaimedKeys["ed25519"],
		FromBackup:        true,
	}
}

// WriteRoomKey imports a room key. It reports whether this key is now the
// best known version of the session: a key is better when no session is
// stored yet, or when it starts at an earlier chain index than the stored
// one. A worse or equal key writes nothing.
func (d *Decryption) WriteRoomKey(key *IncomingRoomKey, txn *store.WriteTxn) (bool, error) {
	session, err := megolm.NewInboundSession(key.SessionKey)
	if err != nil {
		return false, err
	}
	if session.ID() != key.SessionID {
		return false, fmt.Errorf("roomcrypto: session key is for session %s, not %s", session.ID(), key.SessionID)
	}
	sessions := txn.InboundGroupSessions()
	existing, err := sessions.Get(key.RoomID, key.SenderKey, key.SessionID)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.FirstKnownIndex <= session.FirstKnownIndex() {
		return false, nil
	}
	record, err := session.Marshal()
	if err != nil {
		return false, err
	}
	err = sessions.Set(&store.InboundGroupSession{
		RoomID:            key.RoomID,
		SenderKey:         key.SenderKey,
		SessionID:         key.SessionID,
		Record:            record,
		FirstKnownIndex:   session.FirstKnownIndex(),
		ClaimedEd25519Key: key.ClaimedEd25519Key,
		FromBackup:        key.FromBackup,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddMissingKeyEventIDs records events blocked on a session.
func (d *Decryption) AddMissingKeyEventIDs(txn *store.WriteTxn, roomID, senderKey, sessionID string, eventIDs []string) error {
	return txn.MissingSessionEvents().Add(roomID, senderKey, sessionID, eventIDs)
}

// EventIDsForMissingKey returns the events blocked on a session.
func (d *Decryption) EventIDsForMissingKey(txn *store.ReadTxn, roomID, senderKey, sessionID string) ([]string, error) {
	return txn.MissingSessionEvents().Get(roomID, senderKey, sessionID)
}
