// Package megolm implements the group-ratchet sessions used to encrypt room
// messages. One outbound session per room encrypts all outgoing messages until
// rotated; inbound sessions are imported from shared room keys or from backup
// and can decrypt any message at or after their first known chain index.
package megolm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Algorithm is the identifier carried in event content for this scheme.
const Algorithm = "m.megolm.v1.aes-sha2"

const chainKeySize = 32

var (
	ErrBadMessageFormat    = errors.New("megolm: malformed message")
	ErrBadSessionKey       = errors.New("megolm: malformed session key")
	ErrBadSignature        = errors.New("megolm: signature verification failed")
	ErrBadVersion          = errors.New("megolm: unsupported version")
	ErrUnknownMessageIndex = errors.New("megolm: message index precedes first known index")
)

// advanceChain steps the ratchet one message forward in place.
func advanceChain(ck *[chainKeySize]byte) {
	mac := hmac.New(sha256.New, ck[:])
	mac.Write([]byte{0x02})
	copy(ck[:], mac.Sum(nil))
}

// chainAt returns the chain key advanced from (ck, from) to index to.
// The caller must ensure to >= from.
func chainAt(ck [chainKeySize]byte, from, to uint32) [chainKeySize]byte {
	for i := from; i < to; i++ {
		advanceChain(&ck)
	}
	return ck
}

// messageKey derives the AEAD key for the message at the given chain state.
func messageKey(ck [chainKeySize]byte) []byte {
	r := hkdf.New(sha256.New, ck[:], nil, []byte("MEGOLM_KEYS"))
	mk := make([]byte, chacha20poly1305.KeySize)
	_, _ = io.ReadFull(r, mk)
	return mk
}

// messageNonce builds a deterministic nonce from the message index. Each
// index uses a distinct message key, so index reuse within a nonce is
// impossible by construction.
func messageNonce(index uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], index)
	return nonce
}

func seal(mk []byte, index uint32, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, messageNonce(index), plaintext, nil), nil
}

func open(mk []byte, index uint32, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, messageNonce(index), ciphertext, nil)
	if err != nil {
		return nil, ErrBadSignature
	}
	return plaintext, nil
}
