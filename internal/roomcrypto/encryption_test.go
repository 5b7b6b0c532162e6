package roomcrypto

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinfoilchat/matrix-go/internal/megolm"
	"github.com/tinfoilchat/matrix-go/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testWriteTxn(t *testing.T, s *store.Store) *store.WriteTxn {
	t.Helper()
	txn, err := s.ReadWrite(context.Background())
	if err != nil {
		t.Fatalf("begin write txn: %v", err)
	}
	return txn
}

func testReadTxn(t *testing.T, s *store.Store) *store.ReadTxn {
	t.Helper()
	txn, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("begin read txn: %v", err)
	}
	return txn
}

func commit(t *testing.T, txn *store.WriteTxn) {
	t.Helper()
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func testEncryption(cfg EncryptionConfig) *Encryption {
	if cfg.OwnUserID == "" {
		cfg.OwnUserID = "@alice:example.org"
	}
	if cfg.OwnDeviceID == "" {
		cfg.OwnDeviceID = "DEVICEID"
	}
	if cfg.OwnSenderKey == "" {
		cfg.OwnSenderKey = "alice-curve25519"
	}
	return NewEncryption(cfg)
}

func TestEnsureOutboundSessionCreatesOnce(t *testing.T) {
	s := openTestStore(t)
	enc := testEncryption(EncryptionConfig{})

	txn := testWriteTxn(t, s)
	roomKey, err := enc.EnsureOutboundSession("!room", txn)
	if err != nil {
		t.Fatalf("EnsureOutboundSession: %v", err)
	}
	if roomKey == nil {
		t.Fatal("first ensure should produce a room key to distribute")
	}
	if roomKey.Algorithm != megolm.Algorithm {
		t.Errorf("Algorithm = %q, want %q", roomKey.Algorithm, megolm.Algorithm)
	}
	if roomKey.RoomID != "!room" || roomKey.SessionID == "" || roomKey.SessionKey == "" {
		t.Errorf("incomplete room key message: %+v", roomKey)
	}
	if roomKey.ChainIndex != 0 {
		t.Errorf("ChainIndex = %d, want 0 for a fresh session", roomKey.ChainIndex)
	}
	commit(t, txn)

	txn = testWriteTxn(t, s)
	again, err := enc.EnsureOutboundSession("!room", txn)
	if err != nil {
		t.Fatalf("EnsureOutboundSession: %v", err)
	}
	if again != nil {
		t.Errorf("second ensure should reuse the session, got new key %+v", again)
	}
	commit(t, txn)
}

func TestEncryptProducesDecryptableContent(t *testing.T) {
	s := openTestStore(t)
	enc := testEncryption(EncryptionConfig{})
	dec := NewDecryption()

	body := json.RawMessage(`{"msgtype":"m.text","body":"hello"}`)
	txn := testWriteTxn(t, s)
	encrypted, roomKey, err := enc.Encrypt("!room", "m.room.message", body, txn)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if roomKey == nil {
		t.Fatal("first encrypt should create a session and return its key")
	}
	if encrypted.SessionID != roomKey.SessionID {
		t.Errorf("content session %s does not match shared key session %s", encrypted.SessionID, roomKey.SessionID)
	}
	if encrypted.SenderKey != "alice-curve25519" || encrypted.DeviceID != "DEVICEID" {
		t.Errorf("sender identity not carried: %+v", encrypted)
	}
	commit(t, txn)

	// The recipient side imports the key and decrypts.
	content, err := json.Marshal(encrypted)
	if err != nil {
		t.Fatal(err)
	}
	event := &TimelineEvent{ID: "$evt1", Type: EncryptedEventType, Content: content, OriginServerTS: 1000}
	key := &IncomingRoomKey{
		RoomID:     "!room",
		SenderKey:  encrypted.SenderKey,
		SessionID:  roomKey.SessionID,
		SessionKey: roomKey.SessionKey,
	}
	rtxn := testReadTxn(t, s)
	prep, err := dec.PrepareDecryptAll("!room", []*TimelineEvent{event}, []*IncomingRoomKey{key}, NewSessionCache(0), rtxn)
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
	res := result.Results["$evt1"]
	if res == nil {
		t.Fatalf("event not decrypted, errors: %v", result.Errors)
	}
	if res.Type != "m.room.message" {
		t.Errorf("Type = %q, want m.room.message", res.Type)
	}
	if string(res.Content) != string(body) {
		t.Errorf("Content = %s, want %s", res.Content, body)
	}
}

func TestEncryptRotatesAfterMaxMessages(t *testing.T) {
	s := openTestStore(t)
	enc := testEncryption(EncryptionConfig{RotationMaxMessages: 2})

	var first string
	var keys []*RoomKeyMessage
	for i := 0; i < 3; i++ {
		txn := testWriteTxn(t, s)
		encrypted, roomKey, err := enc.Encrypt("!room", "m.room.message", json.RawMessage(`{}`), txn)
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		commit(t, txn)
		if i == 0 {
			first = encrypted.SessionID
		}
		if roomKey != nil {
			keys = append(keys, roomKey)
		}
		if i == 2 && encrypted.SessionID == first {
			t.Error("third message should use a rotated session")
		}
	}
	if len(keys) != 2 {
		t.Fatalf("got %d room keys, want 2 (initial and rotation)", len(keys))
	}
	if keys[0].SessionID == keys[1].SessionID {
		t.Error("rotation must produce a new session id")
	}
}

func TestEncryptRotatesAfterMaxAge(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	enc := testEncryption(EncryptionConfig{
		RotationMaxAge: time.Hour,
		Now:            func() time.Time { return now },
	})

	txn := testWriteTxn(t, s)
	first, _, err := enc.Encrypt("!room", "m.room.message", json.RawMessage(`{}`), txn)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	commit(t, txn)

	now = now.Add(2 * time.Hour)
	txn = testWriteTxn(t, s)
	second, roomKey, err := enc.Encrypt("!room", "m.room.message", json.RawMessage(`{}`), txn)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	commit(t, txn)

	if roomKey == nil {
		t.Fatal("aged-out session should have been rotated")
	}
	if second.SessionID == first.SessionID {
		t.Error("rotation must produce a new session id")
	}
}

func TestDiscardOutboundSession(t *testing.T) {
	s := openTestStore(t)
	enc := testEncryption(EncryptionConfig{})

	txn := testWriteTxn(t, s)
	roomKey, err := enc.EnsureOutboundSession("!room", txn)
	if err != nil || roomKey == nil {
		t.Fatalf("EnsureOutboundSession: key=%v err=%v", roomKey, err)
	}
	commit(t, txn)

	txn = testWriteTxn(t, s)
	if err := enc.DiscardOutboundSession("!room", txn); err != nil {
		t.Fatalf("DiscardOutboundSession: %v", err)
	}
	sharable, err := enc.CreateRoomKeyMessage("!room", &txn.ReadTxn)
	if err != nil {
		t.Fatalf("CreateRoomKeyMessage: %v", err)
	}
	if sharable != nil {
		t.Error("discarded session must not be sharable")
	}
	fresh, err := enc.EnsureOutboundSession("!room", txn)
	if err != nil {
		t.Fatalf("EnsureOutboundSession: %v", err)
	}
	if fresh == nil {
		t.Fatal("ensure after discard should create a new session")
	}
	if fresh.SessionID == roomKey.SessionID {
		t.Error("new session must not reuse the discarded session id")
	}
	commit(t, txn)
}

func TestCreateRoomKeyMessageWithoutSession(t *testing.T) {
	s := openTestStore(t)
	enc := testEncryption(EncryptionConfig{})

	txn := testReadTxn(t, s)
	defer txn.Close()
	roomKey, err := enc.CreateRoomKeyMessage("!room", txn)
	if err != nil {
		t.Fatalf("CreateRoomKeyMessage: %v", err)
	}
	if roomKey != nil {
		t.Errorf("no session means nothing to share, got %+v", roomKey)
	}
}

func TestCreateWithheldMessage(t *testing.T) {
	enc := testEncryption(EncryptionConfig{})
	roomKey := &RoomKeyMessage{
		Algorithm: megolm.Algorithm,
		RoomID:    "!room",
		SessionID: "session-id",
	}
	withheld := enc.CreateWithheldMessage(roomKey, WithheldCodeNoOlm, "no olm session")
	if withheld.Code != WithheldCodeNoOlm {
		t.Errorf("Code = %q, want %q", withheld.Code, WithheldCodeNoOlm)
	}
	if withheld.RoomID != "!room" || withheld.SessionID != "session-id" {
		t.Errorf("session identity not carried: %+v", withheld)
	}
	if withheld.SenderKey != "alice-curve25519" {
		t.Errorf("SenderKey = %q, want own sender key", withheld.SenderKey)
	}
}
