package roomcrypto

import (
	"encoding/json"
	"testing"

	"github.com/tinfoilchat/matrix-go/internal/megolm"
	"github.com/tinfoilchat/matrix-go/internal/store"
)

// testSender simulates a remote device sending megolm-encrypted events into
// a room.
type testSender struct {
	out       *megolm.OutboundSession
	senderKey string
}

func newTestSender(t *testing.T) *testSender {
	t.Helper()
	out, err := megolm.NewOutboundSession()
	if err != nil {
		t.Fatalf("new outbound session: %v", err)
	}
	return &testSender{out: out, senderKey: "bob-curve25519"}
}

func (s *testSender) sessionID() string { return s.out.ID() }

// roomKey exports the session at its current ratchet index.
func (s *testSender) roomKey(roomID string) *IncomingRoomKey {
	return &IncomingRoomKey{
		RoomID:            roomID,
		SenderKey:         s.senderKey,
		SessionID:         s.out.ID(),
		SessionKey:        s.out.SessionKey(),
		ClaimedEd25519Key: "bob-ed25519",
	}
}

func (s *testSender) backupRecord() *BackupSessionRecord {
	return &BackupSessionRecord{
		Algorithm:         megolm.Algorithm,
		SenderKey:         s.senderKey,
		SessionKey:        s.out.SessionKey(),
		SenderClaimedKeys: map[string]string{"ed25519": "bob-ed25519"},
	}
}

func (s *testSender) event(t *testing.T, eventID, roomID, body string, ts int64) *TimelineEvent {
	t.Helper()
	payload, err := json.Marshal(megolmPayload{
		RoomID:  roomID,
		Type:    "m.room.message",
		Content: json.RawMessage(body),
	})
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := s.out.Encrypt(payload)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	content, err := json.Marshal(EncryptedContent{
		Algorithm:  megolm.Algorithm,
		SenderKey:  s.senderKey,
		SessionID:  s.out.ID(),
		Ciphertext: ciphertext,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &TimelineEvent{ID: eventID, Type: EncryptedEventType, Content: content, OriginServerTS: ts}
}

func decryptBatch(t *testing.T, s *store.Store, dec *Decryption, roomID string, events []*TimelineEvent, newKeys []*IncomingRoomKey) *BatchDecryptionResult {
	t.Helper()
	rtxn := testReadTxn(t, s)
	prep, err := dec.PrepareDecryptAll(roomID, events, newKeys, NewSessionCache(0), rtxn)
	rtxn.Close()
	if err != nil {
		t.Fatalf("PrepareDecryptAll: %v", err)
	}
	wtxn := testWriteTxn(t, s)
	result, err := prep.DecryptAll().Write(wtxn)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	commit(t, wtxn)
	return result
}

func TestBatchPartition(t *testing.T) {
	s := openTestStore(t)
	dec := NewDecryption()
	sender := newTestSender(t)
	key := sender.roomKey("!room")

	good := sender.event(t, "$good", "!room", `{"body":"hi"}`, 1)
	badContent := &TimelineEvent{ID: "$bad", Type: EncryptedEventType, Content: json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2"}`)}
	wrongAlgo := &TimelineEvent{ID: "$algo", Type: EncryptedEventType, Content: json.RawMessage(`{"algorithm":"m.olm.v1.curve25519-aes-sha2","session_id":"x","ciphertext":"y","sender_key":"z"}`)}
	noSession := &TimelineEvent{ID: "$nosession", Type: EncryptedEventType, Content: json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2","session_id":"unknown","ciphertext":"y","sender_key":"z"}`)}
	redacted := &TimelineEvent{
		ID:       "$redacted",
		Type:     EncryptedEventType,
		Content:  json.RawMessage(`{}`),
		Unsigned: &EventUnsigned{RedactedBecause: json.RawMessage(`{"type":"m.room.redaction"}`)},
	}

	events := []*TimelineEvent{good, badContent, wrongAlgo, noSession, redacted}
	result := decryptBatch(t, s, dec, "!room", events, []*IncomingRoomKey{key})

	if len(result.Results) != 1 || result.Results["$good"] == nil {
		t.Errorf("Results = %v, want exactly $good", result.Results)
	}
	wantCodes := map[string]string{
		"$bad":       CodeBadEncryptedContent,
		"$algo":      CodeUnknownAlgorithm,
		"$nosession": CodeNoSession,
	}
	if len(result.Errors) != len(wantCodes) {
		t.Errorf("Errors = %v, want %d entries", result.Errors, len(wantCodes))
	}
	for id, code := range wantCodes {
		err := result.Errors[id]
		if err == nil || err.Code != code {
			t.Errorf("error for %s = %v, want code %s", id, err, code)
		}
	}
	if _, ok := result.Errors["$redacted"]; ok {
		t.Error("redacted events must not appear in the result at all")
	}
	noSessErr := result.Errors["$nosession"]
	if noSessErr.SenderKey != "z" || noSessErr.SessionID != "unknown" {
		t.Errorf("missing-session error must identify the session, got %+v", noSessErr)
	}
}

func TestDecryptionStoresKeyAndReuses(t *testing.T) {
	s := openTestStore(t)
	dec := NewDecryption()
	sender := newTestSender(t)
	key := sender.roomKey("!room")

	first := sender.event(t, "$first", "!room", `{"body":"one"}`, 1)
	wtxn := testWriteTxn(t, s)
	if _, err := dec.WriteRoomKey(key, wtxn); err != nil {
		t.Fatalf("WriteRoomKey: %v", err)
	}
	commit(t, wtxn)

	// No newKeys this time; the session must come from storage.
	result := decryptBatch(t, s, dec, "!room", []*TimelineEvent{first}, nil)
	if result.Results["$first"] == nil {
		t.Fatalf("stored key should decrypt, errors: %v", result.Errors)
	}
	if result.Results["$first"].ClaimedEd25519Key != "bob-ed25519" {
		t.Errorf("ClaimedEd25519Key = %q, want bob-ed25519", result.Results["$first"].ClaimedEd25519Key)
	}
}

func TestWrongRoomRejected(t *testing.T) {
	s := openTestStore(t)
	dec := NewDecryption()
	sender := newTestSender(t)
	key := sender.roomKey("!room")
	key.RoomID = "!other" // key announced for the room the event claims

	// Event ciphered for !room but injected into !other.
	event := sender.event(t, "$evt", "!room", `{"body":"hi"}`, 1)
	result := decryptBatch(t, s, dec, "!other", []*TimelineEvent{event}, []*IncomingRoomKey{key})
	err := result.Errors["$evt"]
	if err == nil || err.Code != CodeWrongRoom {
		t.Errorf("error = %v, want code %s", err, CodeWrongRoom)
	}
}

func TestReplayedMessageRejected(t *testing.T) {
	s := openTestStore(t)
	dec := NewDecryption()
	sender := newTestSender(t)
	key := sender.roomKey("!room")

	original := sender.event(t, "$original", "!room", `{"body":"pay me"}`, 100)
	result := decryptBatch(t, s, dec, "!room", []*TimelineEvent{original}, []*IncomingRoomKey{key})
	if result.Results["$original"] == nil {
		t.Fatalf("original should decrypt, errors: %v", result.Errors)
	}

	// Same ciphertext resurfacing under a different event id.
	replay := &TimelineEvent{ID: "$replay", Type: EncryptedEventType, Content: original.Content, OriginServerTS: 200}
	result = decryptBatch(t, s, dec, "!room", []*TimelineEvent{replay}, []*IncomingRoomKey{key})
	err := result.Errors["$replay"]
	if err == nil || err.Code != CodeReplayedMessage {
		t.Errorf("error = %v, want code %s", err, CodeReplayedMessage)
	}

	// The original event itself may be decrypted again, e.g. on timeline
	// backfill.
	result = decryptBatch(t, s, dec, "!room", []*TimelineEvent{original}, []*IncomingRoomKey{key})
	if result.Results["$original"] == nil {
		t.Errorf("re-decrypting the same event is not a replay, errors: %v", result.Errors)
	}
}

func TestWriteRoomKeyPrefersEarlierIndex(t *testing.T) {
	s := openTestStore(t)
	dec := NewDecryption()
	sender := newTestSender(t)

	// Advance the ratchet, then export: first known index 2.
	for i := 0; i < 2; i++ {
		if _, err := sender.out.Encrypt([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	laterKey := sender.roomKey("!room")

	wtxn := testWriteTxn(t, s)
	isBetter, err := dec.WriteRoomKey(laterKey, wtxn)
	if err != nil {
		t.Fatalf("WriteRoomKey: %v", err)
	}
	if !isBetter {
		t.Error("first import of a session is always better")
	}
	commit(t, wtxn)

	// Re-importing the same export gains nothing.
	wtxn = testWriteTxn(t, s)
	isBetter, err = dec.WriteRoomKey(laterKey, wtxn)
	if err != nil {
		t.Fatalf("WriteRoomKey: %v", err)
	}
	if isBetter {
		t.Error("equal key must not count as better")
	}
	commit(t, wtxn)
}

func TestWriteRoomKeyRejectsMismatchedSessionID(t *testing.T) {
	s := openTestStore(t)
	dec := NewDecryption()
	sender := newTestSender(t)
	key := sender.roomKey("!room")
	key.SessionID = "forged-session-id"

	wtxn := testWriteTxn(t, s)
	defer wtxn.Abort()
	if _, err := dec.WriteRoomKey(key, wtxn); err == nil {
		t.Error("key material for a different session must be rejected")
	}
}

func TestRoomKeyFromBackup(t *testing.T) {
	dec := NewDecryption()
	sender := newTestSender(t)
	rec := sender.backupRecord()

	key := dec.RoomKeyFromBackup("!room", sender.sessionID(), rec)
	if key == nil {
		t.Fatal("valid backup record should yield a key")
	}
	if !key.FromBackup {
		t.Error("backup provenance must be marked")
	}
	if key.ClaimedEd25519Key != "bob-ed25519" {
		t.Errorf("ClaimedEd25519Key = %q, want bob-ed25519", key.ClaimedEd25519Key)
	}

	if got := dec.RoomKeyFromBackup("!room", "some-other-session", rec); got != nil {
		t.Errorf("record for a different session must be rejected, got %+v", got)
	}
	bad := *rec
	bad.SessionKey = "not a session key"
	if got := dec.RoomKeyFromBackup("!room", sender.sessionID(), &bad); got != nil {
		t.Errorf("unusable key material must be rejected, got %+v", got)
	}
}

func TestMissingKeyEventIDs(t *testing.T) {
	s := openTestStore(t)
	dec := NewDecryption()

	wtxn := testWriteTxn(t, s)
	if err := dec.AddMissingKeyEventIDs(wtxn, "!room", "sender", "session", []string{"$a", "$b"}); err != nil {
		t.Fatalf("AddMissingKeyEventIDs: %v", err)
	}
	if err := dec.AddMissingKeyEventIDs(wtxn, "!room", "sender", "session", []string{"$b", "$c"}); err != nil {
		t.Fatalf("AddMissingKeyEventIDs: %v", err)
	}
	commit(t, wtxn)

	rtxn := testReadTxn(t, s)
	defer rtxn.Close()
	ids, err := dec.EventIDsForMissingKey(rtxn, "!room", "sender", "session")
	if err != nil {
		t.Fatalf("EventIDsForMissingKey: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("ids = %v, want $a $b $c deduplicated", ids)
	}
}

func TestDecryptionFromBackupKeyMarksResult(t *testing.T) {
	s := openTestStore(t)
	dec := NewDecryption()
	sender := newTestSender(t)

	key := dec.RoomKeyFromBackup("!room", sender.sessionID(), sender.backupRecord())
	if key == nil {
		t.Fatal("backup record should parse")
	}
	wtxn := testWriteTxn(t, s)
	if _, err := dec.WriteRoomKey(key, wtxn); err != nil {
		t.Fatalf("WriteRoomKey: %v", err)
	}
	commit(t, wtxn)

	event := sender.event(t, "$evt", "!room", `{"body":"hi"}`, 1)
	result := decryptBatch(t, s, dec, "!room", []*TimelineEvent{event}, nil)
	res := result.Results["$evt"]
	if res == nil {
		t.Fatalf("event should decrypt, errors: %v", result.Errors)
	}
	if !res.FromBackup {
		t.Error("results from a backup-sourced key must say so")
	}
}
