package keystore

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func newTestKey(t *testing.T) []byte {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return priv.Serialize()
}

func TestCreateUnlockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	privKey := newTestKey(t)

	ref, err := NewSession(privKey)
	if err != nil {
		t.Fatalf("Failed to create reference session: %v", err)
	}
	defer ref.Close()

	if _, err := Create(dir, privKey, "correct horse"); err != nil {
		t.Fatalf("Failed to create key file: %v", err)
	}

	session, err := Unlock(dir, ref.Address(), "correct horse")
	if err != nil {
		t.Fatalf("Failed to unlock: %v", err)
	}
	defer session.Close()

	if session.Address() != ref.Address() {
		t.Errorf("Address mismatch: got %s, want %s", session.Address(), ref.Address())
	}
	if !bytes.Equal(session.PublicKey(), ref.PublicKey()) {
		t.Error("Public key mismatch after unlock")
	}
}

func TestUnlockAcceptsPrefixedAndMixedCaseAddress(t *testing.T) {
	dir := t.TempDir()
	privKey := newTestKey(t)

	ref, err := NewSession(privKey)
	if err != nil {
		t.Fatalf("Failed to create reference session: %v", err)
	}
	defer ref.Close()

	if _, err := Create(dir, privKey, "pw"); err != nil {
		t.Fatalf("Failed to create key file: %v", err)
	}

	upper := "0x" + strings.ToUpper(ref.Address())
	session, err := Unlock(dir, upper, "pw")
	if err != nil {
		t.Fatalf("Failed to unlock with 0x-prefixed address: %v", err)
	}
	session.Close()
}

func TestUnlockWrongPassword(t *testing.T) {
	dir := t.TempDir()
	privKey := newTestKey(t)

	ref, err := NewSession(privKey)
	if err != nil {
		t.Fatalf("Failed to create reference session: %v", err)
	}
	defer ref.Close()

	if _, err := Create(dir, privKey, "right"); err != nil {
		t.Fatalf("Failed to create key file: %v", err)
	}

	if _, err := Unlock(dir, ref.Address(), "wrong"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Expected ErrAuthenticationFailed for wrong password, got %v", err)
	}
}

func TestUnlockUnknownAccount(t *testing.T) {
	dir := t.TempDir()

	_, err := Unlock(dir, "00112233445566778899aabbccddeeff00112233", "pw")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Expected ErrAuthenticationFailed for unknown account, got %v", err)
	}
}

func TestSessionSignDigest(t *testing.T) {
	privKey := newTestKey(t)
	session, err := NewSession(privKey)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	defer session.Close()

	digest := sha256.Sum256([]byte("payload"))
	sig, err := session.SignDigest(digest[:])
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("Expected 65-byte compact signature, got %d bytes", len(sig))
	}
}

func TestSessionCloseErasesKey(t *testing.T) {
	privKey := newTestKey(t)
	session, err := NewSession(privKey)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	session.Close()

	digest := sha256.Sum256([]byte("payload"))
	if _, err := session.SignDigest(digest[:]); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed after Close, got %v", err)
	}
	if _, err := session.ECDH(session.PublicKey()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed for ECDH after Close, got %v", err)
	}

	// Close is idempotent
	session.Close()
}

func TestSessionECDHSymmetry(t *testing.T) {
	a, err := NewSession(newTestKey(t))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	defer a.Close()
	b, err := NewSession(newTestKey(t))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	defer b.Close()

	ab, err := a.ECDH(b.PublicKey())
	if err != nil {
		t.Fatalf("ECDH failed: %v", err)
	}
	ba, err := b.ECDH(a.PublicKey())
	if err != nil {
		t.Fatalf("ECDH failed: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Error("Shared secrets differ")
	}
}
