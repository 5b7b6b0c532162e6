package megolm

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
)

// InboundSession decrypts messages for a session imported from a shared room
// key or from backup. It holds only the public half of the signing key plus
// the chain state at its first known index.
type InboundSession struct {
	pubKey          ed25519.PublicKey
	firstKnownIndex uint32
	chainKey        [chainKeySize]byte
	signature       []byte // self-signature from the original export
}

// NewInboundSession imports an exported session key, verifying its embedded
// self-signature.
func NewInboundSession(sessionKey string) (*InboundSession, error) {
	pub, index, ck, sig, err := unpackSessionKey(sessionKey)
	if err != nil {
		return nil, err
	}
	return &InboundSession{pubKey: pub, firstKnownIndex: index, chainKey: ck, signature: sig}, nil
}

// ID returns the session id derived from the embedded public key.
func (s *InboundSession) ID() string { return b64.EncodeToString(s.pubKey) }

// FirstKnownIndex returns the earliest chain index this session can decrypt.
// Between two imports of the same session, the one with the lower first known
// index supersedes the other.
func (s *InboundSession) FirstKnownIndex() uint32 { return s.firstKnownIndex }

// Decrypt verifies and decrypts one packed message, returning the plaintext
// and the message's chain index. The session is not mutated; messages may
// arrive out of order.
func (s *InboundSession) Decrypt(packed string) ([]byte, uint32, error) {
	index, ct, err := unpackMessage(s.pubKey, packed)
	if err != nil {
		return nil, 0, err
	}
	if index < s.firstKnownIndex {
		return nil, 0, ErrUnknownMessageIndex
	}
	ck := chainAt(s.chainKey, s.firstKnownIndex, index)
	plaintext, err := open(messageKey(ck), index, ct)
	if err != nil {
		return nil, 0, err
	}
	return plaintext, index, nil
}

// SessionKey re-exports the session key, e.g. for backup upload. An inbound
// session cannot re-sign, so the export is always at the first known index
// with the original self-signature.
func (s *InboundSession) SessionKey() string {
	buf := make([]byte, 0, sessionKeyLen)
	buf = append(buf, sessionKeyVersion)
	buf = append(buf, byte(s.firstKnownIndex>>24), byte(s.firstKnownIndex>>16), byte(s.firstKnownIndex>>8), byte(s.firstKnownIndex))
	buf = append(buf, s.chainKey[:]...)
	buf = append(buf, s.pubKey...)
	buf = append(buf, s.signature...)
	return b64.EncodeToString(buf)
}

type inboundSessionJSON struct {
	PubKey          []byte `json:"pub_key"`
	FirstKnownIndex uint32 `json:"first_known_index"`
	ChainKey        []byte `json:"chain_key"`
	Signature       []byte `json:"signature"`
}

// Marshal serializes the session for durable storage.
func (s *InboundSession) Marshal() ([]byte, error) {
	return json.Marshal(inboundSessionJSON{
		PubKey:          s.pubKey,
		FirstKnownIndex: s.firstKnownIndex,
		ChainKey:        s.chainKey[:],
		Signature:       s.signature,
	})
}

// UnmarshalInboundSession restores a session serialized with Marshal.
func UnmarshalInboundSession(data []byte) (*InboundSession, error) {
	var j inboundSessionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("megolm: unmarshal inbound session: %w", err)
	}
	if len(j.PubKey) != ed25519.PublicKeySize || len(j.ChainKey) != chainKeySize {
		return nil, fmt.Errorf("megolm: unmarshal inbound session: bad key length")
	}
	s := &InboundSession{
		pubKey:          ed25519.PublicKey(j.PubKey),
		firstKnownIndex: j.FirstKnownIndex,
		signature:       j.Signature,
	}
	copy(s.chainKey[:], j.ChainKey)
	return s, nil
}
