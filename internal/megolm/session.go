package megolm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"
)

// OutboundSession encrypts messages for a room. It owns the signing key, so
// only the creating device can extend the session.
type OutboundSession struct {
	signingKey ed25519.PrivateKey
	chainKey   [chainKeySize]byte
	index      uint32
	createdAt  time.Time
}

// NewOutboundSession creates a fresh session with a random signing key and
// chain key, starting at chain index 0.
func NewOutboundSession() (*OutboundSession, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("megolm: generate signing key: %w", err)
	}
	s := &OutboundSession{
		signingKey: priv,
		createdAt:  time.Now(),
	}
	if _, err := rand.Read(s.chainKey[:]); err != nil {
		return nil, fmt.Errorf("megolm: generate chain key: %w", err)
	}
	return s, nil
}

// ID returns the session id: the unpadded base64 of the ed25519 public key.
func (s *OutboundSession) ID() string {
	return b64.EncodeToString(s.signingKey.Public().(ed25519.PublicKey))
}

// MessageIndex returns the chain index the next message will use.
func (s *OutboundSession) MessageIndex() uint32 { return s.index }

// CreatedAt returns when the session was created, for rotation policy.
func (s *OutboundSession) CreatedAt() time.Time { return s.createdAt }

// SessionKey exports the session at its current index for sharing. A
// recipient importing this key can decrypt messages from this index on, but
// nothing earlier.
func (s *OutboundSession) SessionKey() string {
	return packSessionKey(s.signingKey, s.index, s.chainKey)
}

// Encrypt encrypts one message and advances the ratchet.
func (s *OutboundSession) Encrypt(plaintext []byte) (string, error) {
	ct, err := seal(messageKey(s.chainKey), s.index, plaintext)
	if err != nil {
		return "", fmt.Errorf("megolm: encrypt: %w", err)
	}
	packed := packMessage(s.signingKey, s.index, ct)
	advanceChain(&s.chainKey)
	s.index++
	return packed, nil
}

type outboundSessionJSON struct {
	SigningKey []byte    `json:"signing_key"`
	ChainKey   []byte    `json:"chain_key"`
	Index      uint32    `json:"index"`
	CreatedAt  time.Time `json:"created_at"`
}

// Marshal serializes the session for durable storage.
func (s *OutboundSession) Marshal() ([]byte, error) {
	return json.Marshal(outboundSessionJSON{
		SigningKey: s.signingKey,
		ChainKey:   s.chainKey[:],
		Index:      s.index,
		CreatedAt:  s.createdAt,
	})
}

// UnmarshalOutboundSession restores a session serialized with Marshal.
func UnmarshalOutboundSession(data []byte) (*OutboundSession, error) {
	var j outboundSessionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("megolm: unmarshal outbound session: %w", err)
	}
	if len(j.SigningKey) != ed25519.PrivateKeySize || len(j.ChainKey) != chainKeySize {
		return nil, fmt.Errorf("megolm: unmarshal outbound session: bad key length")
	}
	s := &OutboundSession{
		signingKey: ed25519.PrivateKey(j.SigningKey),
		index:      j.Index,
		createdAt:  j.CreatedAt,
	}
	copy(s.chainKey[:], j.ChainKey)
	return s, nil
}
