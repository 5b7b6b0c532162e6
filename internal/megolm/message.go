package megolm

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
)

// Wire formats. Both use unpadded standard base64 on the outside, matching
// how session ids and keys appear in event content.
//
//	message:     0x03 | index(4, BE) | ciphertext | signature(64)
//	session key: 0x02 | index(4, BE) | chain key(32) | ed25519 pub(32) | signature(64)
//
// The signature covers all preceding bytes and is made with the session's
// ed25519 key, so a session key or message cannot be reattributed to a
// different session.
const (
	messageVersion    = 0x03
	sessionKeyVersion = 0x02

	messageHeaderLen = 1 + 4
	sessionKeyLen    = 1 + 4 + chainKeySize + ed25519.PublicKeySize + ed25519.SignatureSize
)

var b64 = base64.RawStdEncoding

// packMessage builds and signs the packed message form.
func packMessage(key ed25519.PrivateKey, index uint32, ciphertext []byte) string {
	buf := make([]byte, 0, messageHeaderLen+len(ciphertext)+ed25519.SignatureSize)
	buf = append(buf, messageVersion)
	buf = binary.BigEndian.AppendUint32(buf, index)
	buf = append(buf, ciphertext...)
	buf = append(buf, ed25519.Sign(key, buf)...)
	return b64.EncodeToString(buf)
}

// unpackMessage parses a packed message and verifies its signature against
// the session's public key.
func unpackMessage(pub ed25519.PublicKey, packed string) (index uint32, ciphertext []byte, err error) {
	raw, err := b64.DecodeString(packed)
	if err != nil {
		return 0, nil, ErrBadMessageFormat
	}
	if len(raw) < messageHeaderLen+ed25519.SignatureSize {
		return 0, nil, ErrBadMessageFormat
	}
	if raw[0] != messageVersion {
		return 0, nil, ErrBadVersion
	}
	body := raw[:len(raw)-ed25519.SignatureSize]
	sig := raw[len(raw)-ed25519.SignatureSize:]
	if !ed25519.Verify(pub, body, sig) {
		return 0, nil, ErrBadSignature
	}
	index = binary.BigEndian.Uint32(raw[1:5])
	return index, body[messageHeaderLen:], nil
}

// packSessionKey builds and signs the exportable session key form.
func packSessionKey(key ed25519.PrivateKey, index uint32, ck [chainKeySize]byte) string {
	buf := make([]byte, 0, sessionKeyLen)
	buf = append(buf, sessionKeyVersion)
	buf = binary.BigEndian.AppendUint32(buf, index)
	buf = append(buf, ck[:]...)
	buf = append(buf, key.Public().(ed25519.PublicKey)...)
	buf = append(buf, ed25519.Sign(key, buf)...)
	return b64.EncodeToString(buf)
}

// unpackSessionKey parses an exported session key and verifies its embedded
// self-signature.
func unpackSessionKey(sessionKey string) (pub ed25519.PublicKey, index uint32, ck [chainKeySize]byte, sig []byte, err error) {
	raw, err := b64.DecodeString(sessionKey)
	if err != nil {
		return nil, 0, ck, nil, ErrBadSessionKey
	}
	if len(raw) != sessionKeyLen {
		return nil, 0, ck, nil, ErrBadSessionKey
	}
	if raw[0] != sessionKeyVersion {
		return nil, 0, ck, nil, ErrBadVersion
	}
	index = binary.BigEndian.Uint32(raw[1:5])
	copy(ck[:], raw[5:5+chainKeySize])
	pub = ed25519.PublicKey(raw[5+chainKeySize : 5+chainKeySize+ed25519.PublicKeySize])
	body := raw[:len(raw)-ed25519.SignatureSize]
	sig = raw[len(raw)-ed25519.SignatureSize:]
	if !ed25519.Verify(pub, body, sig) {
		return nil, 0, ck, nil, ErrBadSignature
	}
	return pub, index, ck, sig, nil
}
