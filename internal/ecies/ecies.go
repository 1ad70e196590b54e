// Package ecies wraps and unwraps per-measurement secrets addressed to
// one recipient public key, using ECIES over secp256k1: ephemeral ECDH,
// HKDF-SHA512 key derivation, AES-256-GCM with an HMAC-SHA256 tag over
// the ciphertext. The unwrap side never touches raw private key bytes;
// it performs the exchange through the session's ECDH capability.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"
)

// ErrDecryptionFailed is a wrong key or a corrupt payload. It must never
// be interpreted as "no purchase exists".
var ErrDecryptionFailed = errors.New("decryption failed")

const (
	formatVersion = 0x01
	nonceSize     = 12
	macSize       = 32
)

var kdfInfo = []byte("ECIES-AES256-GCM-HMAC-SHA256")

// KeyExchanger is the decryption capability of a session: a
// Diffie-Hellman exchange against the session's private key.
type KeyExchanger interface {
	ECDH(peerPub []byte) ([]byte, error)
}

// Message is a parsed wrapped payload.
type Message struct {
	EphemeralPublicKey []byte
	Nonce              []byte
	MAC                []byte
	Ciphertext         []byte
}

// Wrap encrypts plaintext to the recipient public key (compressed or
// uncompressed) and returns the serialized payload.
func Wrap(recipientPub, plaintext []byte) ([]byte, error) {
	pub, err := secp256k1.ParsePubKey(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("parse recipient public key: %w", err)
	}

	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer ephemeral.Zero()
	ephemeralPub := ephemeral.PubKey().SerializeCompressed()

	shared := secp256k1.GenerateSharedSecret(ephemeral, pub)
	encKey, macKey, err := deriveKeys(shared, ephemeralPub)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	msg := &Message{
		EphemeralPublicKey: ephemeralPub,
		Nonce:              nonce,
		MAC:                computeMAC(macKey, ciphertext),
		Ciphertext:         ciphertext,
	}
	return msg.serialize(), nil
}

// Unwrap decrypts a wrapped payload through the session's key exchange.
// Malformed payloads and wrong keys both surface as ErrDecryptionFailed.
func Unwrap(payload []byte, kx KeyExchanger) ([]byte, error) {
	msg, err := parseMessage(payload)
	if err != nil {
		return nil, err
	}

	shared, err := kx.ECDH(msg.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	encKey, macKey, err := deriveKeys(shared, msg.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}

	if !hmac.Equal(msg.MAC, computeMAC(macKey, msg.Ciphertext)) {
		return nil, fmt.Errorf("%w: mac mismatch", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plain, err := aead.Open(nil, msg.Nonce, msg.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

// deriveKeys stretches the shared secret into an encryption key and a
// MAC key. The ephemeral public key is mixed in for domain separation.
func deriveKeys(shared, ephemeralPub []byte) (encKey, macKey []byte, err error) {
	info := append(append([]byte{}, kdfInfo...), ephemeralPub...)
	reader := hkdf.New(sha512.New, shared, nil, info)

	keys := make([]byte, 64)
	if _, err := io.ReadFull(reader, keys); err != nil {
		return nil, nil, fmt.Errorf("hkdf: %w", err)
	}
	return keys[:32], keys[32:], nil
}

func computeMAC(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// serialize encodes: [version(1)] [epk_len(2)] [epk] [nonce(12)]
// [mac(32)] [ciphertext].
func (m *Message) serialize() []byte {
	epkLen := len(m.EphemeralPublicKey)
	out := make([]byte, 1+2+epkLen+nonceSize+macSize+len(m.Ciphertext))
	offset := 0

	out[offset] = formatVersion
	offset++

	binary.BigEndian.PutUint16(out[offset:], uint16(epkLen))
	offset += 2
	copy(out[offset:], m.EphemeralPublicKey)
	offset += epkLen

	copy(out[offset:], m.Nonce)
	offset += nonceSize

	copy(out[offset:], m.MAC)
	offset += macSize

	copy(out[offset:], m.Ciphertext)
	return out
}

func parseMessage(data []byte) (*Message, error) {
	if len(data) < 1+2 {
		return nil, fmt.Errorf("%w: payload too short", ErrDecryptionFailed)
	}
	if data[0] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrDecryptionFailed, data[0])
	}
	offset := 1

	epkLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if epkLen == 0 || offset+epkLen+nonceSize+macSize > len(data) {
		return nil, fmt.Errorf("%w: truncated payload", ErrDecryptionFailed)
	}

	msg := &Message{}
	msg.EphemeralPublicKey = append([]byte{}, data[offset:offset+epkLen]...)
	offset += epkLen

	msg.Nonce = append([]byte{}, data[offset:offset+nonceSize]...)
	offset += nonceSize

	msg.MAC = append([]byte{}, data[offset:offset+macSize]...)
	offset += macSize

	msg.Ciphertext = append([]byte{}, data[offset:]...)
	return msg, nil
}
