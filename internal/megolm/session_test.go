package megolm

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	out, err := NewOutboundSession()
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}

	in, err := NewInboundSession(out.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if in.ID() != out.ID() {
		t.Errorf("session id mismatch: %s != %s", in.ID(), out.ID())
	}

	messages := []string{"hello", "", "third message with some length to it"}
	for i, msg := range messages {
		packed, err := out.Encrypt([]byte(msg))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		plaintext, index, err := in.Decrypt(packed)
		if err != nil {
			t.Fatalf("Decrypt %d: %v", i, err)
		}
		if !bytes.Equal(plaintext, []byte(msg)) {
			t.Errorf("message %d: got %q, want %q", i, plaintext, msg)
		}
		if index != uint32(i) {
			t.Errorf("message %d: index %d", i, index)
		}
	}
}

func TestDecryptOutOfOrder(t *testing.T) {
	out, err := NewOutboundSession()
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	in, err := NewInboundSession(out.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}

	first, _ := out.Encrypt([]byte("first"))
	second, _ := out.Encrypt([]byte("second"))

	if pt, _, err := in.Decrypt(second); err != nil || string(pt) != "second" {
		t.Fatalf("decrypt second: %q, %v", pt, err)
	}
	// Earlier messages stay decryptable, the session does not ratchet past them.
	if pt, _, err := in.Decrypt(first); err != nil || string(pt) != "first" {
		t.Fatalf("decrypt first after second: %q, %v", pt, err)
	}
}

func TestSessionKeyExportAtCurrentIndex(t *testing.T) {
	out, err := NewOutboundSession()
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	early, _ := out.Encrypt([]byte("before share"))

	// A key exported now must not decrypt earlier messages.
	in, err := NewInboundSession(out.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if in.FirstKnownIndex() != 1 {
		t.Errorf("FirstKnownIndex = %d, want 1", in.FirstKnownIndex())
	}
	if _, _, err := in.Decrypt(early); err != ErrUnknownMessageIndex {
		t.Errorf("decrypt before first known index: %v, want ErrUnknownMessageIndex", err)
	}

	late, _ := out.Encrypt([]byte("after share"))
	if pt, _, err := in.Decrypt(late); err != nil || string(pt) != "after share" {
		t.Errorf("decrypt after share: %q, %v", pt, err)
	}
}

func TestDecryptWrongSession(t *testing.T) {
	out1, _ := NewOutboundSession()
	out2, _ := NewOutboundSession()
	in, err := NewInboundSession(out1.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	packed, _ := out2.Encrypt([]byte("from the wrong session"))
	if _, _, err := in.Decrypt(packed); err != ErrBadSignature {
		t.Errorf("decrypt cross-session: %v, want ErrBadSignature", err)
	}
}

func TestTamperedMessage(t *testing.T) {
	out, _ := NewOutboundSession()
	in, _ := NewInboundSession(out.SessionKey())
	packed, _ := out.Encrypt([]byte("payload"))

	raw, _ := b64.DecodeString(packed)
	raw[messageHeaderLen] ^= 0x01 // flip a ciphertext bit
	if _, _, err := in.Decrypt(b64.EncodeToString(raw)); err != ErrBadSignature {
		t.Errorf("tampered message: %v, want ErrBadSignature", err)
	}
}

func TestBadSessionKey(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"not base64", "!!!"},
		{"truncated", "AAAA"},
		{"empty", ""},
	}
	for _, tc := range cases {
		if _, err := NewInboundSession(tc.key); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}

	// Corrupted signature.
	out, _ := NewOutboundSession()
	key := out.SessionKey()
	raw, _ := b64.DecodeString(key)
	raw[len(raw)-1] ^= 0xff
	if _, err := NewInboundSession(b64.EncodeToString(raw)); err != ErrBadSignature {
		t.Errorf("corrupt signature: %v, want ErrBadSignature", err)
	}
}

func TestOutboundSessionMarshal(t *testing.T) {
	out, _ := NewOutboundSession()
	out.Encrypt([]byte("advance once"))

	data, err := out.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	restored, err := UnmarshalOutboundSession(data)
	if err != nil {
		t.Fatalf("UnmarshalOutboundSession: %v", err)
	}
	if restored.ID() != out.ID() {
		t.Errorf("id changed across marshal: %s != %s", restored.ID(), out.ID())
	}
	if restored.MessageIndex() != 1 {
		t.Errorf("MessageIndex = %d, want 1", restored.MessageIndex())
	}

	// The restored session continues the same ratchet.
	in, _ := NewInboundSession(out.SessionKey())
	packed, _ := restored.Encrypt([]byte("from restored"))
	if pt, _, err := in.Decrypt(packed); err != nil || string(pt) != "from restored" {
		t.Errorf("decrypt from restored session: %q, %v", pt, err)
	}
}

func TestInboundSessionMarshal(t *testing.T) {
	out, _ := NewOutboundSession()
	in, _ := NewInboundSession(out.SessionKey())

	data, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	restored, err := UnmarshalInboundSession(data)
	if err != nil {
		t.Fatalf("UnmarshalInboundSession: %v", err)
	}
	packed, _ := out.Encrypt([]byte("for restored inbound"))
	if pt, _, err := restored.Decrypt(packed); err != nil || string(pt) != "for restored inbound" {
		t.Errorf("decrypt with restored inbound: %q, %v", pt, err)
	}

	// The re-exported key is importable again (backup round-trip).
	again, err := NewInboundSession(restored.SessionKey())
	if err != nil {
		t.Fatalf("re-import exported key: %v", err)
	}
	if again.ID() != out.ID() {
		t.Errorf("re-imported id mismatch")
	}
}

func TestSessionIDFormat(t *testing.T) {
	out, _ := NewOutboundSession()
	if strings.ContainsAny(out.ID(), "=") {
		t.Errorf("session id should be unpadded base64: %q", out.ID())
	}
	if len(out.ID()) != 43 { // 32 bytes unpadded
		t.Errorf("session id length = %d, want 43", len(out.ID()))
	}
}
