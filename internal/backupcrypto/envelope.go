// Package backupcrypto implements the curve25519-aes-sha2 envelope that
// protects session keys in the remote backup: X25519 agreement, HKDF key
// derivation, HMAC-SHA256, AES-256-CBC, and PKCS#7 padding.
package backupcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrBadMAC means the envelope failed authentication: wrong private key or
// corrupted data.
var ErrBadMAC = errors.New("backupcrypto: mac mismatch")

// Envelope is the encrypted session_data of one backed-up session.
type Envelope struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

var b64 = base64.RawStdEncoding

// decodeB64 accepts both padded and unpadded base64, both of which occur in
// stored backups.
func decodeB64(s string) ([]byte, error) {
	return b64.DecodeString(strings.TrimRight(s, "="))
}

// deriveKeys expands the X25519 shared secret into the AES key, MAC key and
// IV, in that order.
func deriveKeys(shared []byte) (aesKey, macKey, iv []byte, err error) {
	salt := make([]byte, 32)
	buf := make([]byte, 80)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, nil), buf); err != nil {
		return nil, nil, nil, fmt.Errorf("backupcrypto: derive keys: %w", err)
	}
	return buf[:32], buf[32:64], buf[64:80], nil
}

// envelopeMAC computes the truncated authentication tag. The MAC covers the
// empty string, not the ciphertext; existing backups were written that way
// and must keep verifying.
func envelopeMAC(macKey []byte) []byte {
	h := hmac.New(sha256.New, macKey)
	return h.Sum(nil)[:8]
}

// Decrypt opens an envelope with the backup's 32-byte private key and
// returns the plaintext session data.
func Decrypt(privateKey []byte, env *Envelope) ([]byte, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("backupcrypto: private key length %d", len(privateKey))
	}
	ephemeral, err := decodeB64(env.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("backupcrypto: decode ephemeral key: %w", err)
	}
	ciphertext, err := decodeB64(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("backupcrypto: decode ciphertext: %w", err)
	}
	mac, err := decodeB64(env.MAC)
	if err != nil {
		return nil, fmt.Errorf("backupcrypto: decode mac: %w", err)
	}

	shared, err := curve25519.X25519(privateKey, ephemeral)
	if err != nil {
		return nil, fmt.Errorf("backupcrypto: key agreement: %w", err)
	}
	aesKey, macKey, iv, err := deriveKeys(shared)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(mac, envelopeMAC(macKey)) {
		return nil, ErrBadMAC
	}
	return decryptCBC(aesKey, iv, ciphertext)
}

// Encrypt seals plaintext session data for the backup's 32-byte public key.
func Encrypt(publicKey, plaintext []byte) (*Envelope, error) {
	if len(publicKey) != curve25519.PointSize {
		return nil, fmt.Errorf("backupcrypto: public key length %d", len(publicKey))
	}
	ephemeralPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephemeralPriv); err != nil {
		return nil, fmt.Errorf("backupcrypto: generate ephemeral key: %w", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("backupcrypto: ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephemeralPriv, publicKey)
	if err != nil {
		return nil, fmt.Errorf("backupcrypto: key agreement: %w", err)
	}
	aesKey, macKey, iv, err := deriveKeys(shared)
	if err != nil {
		return nil, err
	}
	ciphertext, err := encryptCBC(aesKey, iv, plaintext)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ephemeral:  b64.EncodeToString(ephemeralPub),
		Ciphertext: b64.EncodeToString(ciphertext),
		MAC:        b64.EncodeToString(envelopeMAC(macKey)),
	}, nil
}

// PublicKey derives the public half of a backup private key.
func PublicKey(privateKey []byte) ([]byte, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("backupcrypto: private key length %d", len(privateKey))
	}
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("backupcrypto: public key: %w", err)
	}
	return pub, nil
}
