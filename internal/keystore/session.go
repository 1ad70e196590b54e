package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// ErrSessionClosed is any use of a session after Close.
var ErrSessionClosed = errors.New("session closed")

// Session is the key material of one authenticated consumer, scoped to
// the session that unlocked it. Every operation that signs or decrypts
// takes the session explicitly; there is no ambient key state. Close
// erases the private scalar and must be called when the scope ends.
// Sessions are never persisted and never logged.
type Session struct {
	mu   sync.Mutex
	addr string
	priv *secp256k1.PrivateKey
	pub  []byte // uncompressed, 65 bytes
}

// NewSession builds a session from a raw 32-byte private key. The
// account address is derived from the key, not trusted from the caller.
func NewSession(privKey []byte) (*Session, error) {
	if len(privKey) != 32 {
		return nil, fmt.Errorf("%w: bad private key length %d", ErrAuthenticationFailed, len(privKey))
	}
	priv := secp256k1.PrivKeyFromBytes(privKey)
	pub := priv.PubKey().SerializeUncompressed()
	return &Session{
		addr: AddressFromPublicKey(pub),
		priv: priv,
		pub:  pub,
	}, nil
}

// Address returns the hex account address without 0x prefix.
func (s *Session) Address() string { return s.addr }

// PublicKey returns the uncompressed public key (65 bytes, 0x04 prefix).
func (s *Session) PublicKey() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}

// PublicKeyHex returns the uncompressed public key as hex.
func (s *Session) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

// SignDigest signs a 32-byte digest, returning a 65-byte compact
// recoverable signature (recovery id first, then R and S).
func (s *Session) SignDigest(digest []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv == nil {
		return nil, ErrSessionClosed
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return secpecdsa.SignCompact(s.priv, digest, false), nil
}

// ECDH performs a Diffie-Hellman exchange between the session key and a
// counterparty public key (compressed or uncompressed) and returns the
// shared secret. The private scalar never leaves the session.
func (s *Session) ECDH(peerPub []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv == nil {
		return nil, ErrSessionClosed
	}
	pub, err := secp256k1.ParsePubKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	return secp256k1.GenerateSharedSecret(s.priv, pub), nil
}

// Close zeroes the private key. The session is unusable afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv != nil {
		s.priv.Zero()
		s.priv = nil
	}
}

// AddressFromPublicKey derives the hex account address from an
// uncompressed public key: keccak-256 of the key body, last 20 bytes.
func AddressFromPublicKey(uncompressed []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[12:])
}
