// Package content opens symmetrically-encrypted measurement payloads,
// separates the producer's detached signature and verifies measurement
// integrity. Content locators that are content-addressed (CIDs) are
// verified against the fetched bytes.
package content

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/sensordatamarket/sdm-server/internal/keystore"
)

// Errors
var (
	// ErrDecryptionFailed is a wrong content key or corrupt ciphertext.
	ErrDecryptionFailed = errors.New("content decryption failed")

	// ErrIntegrityViolation is a measurement whose producer signature
	// does not verify, or content that does not match its locator. It
	// always aborts the flow; integrity failures are never ignored.
	ErrIntegrityViolation = errors.New("integrity violation")
)

// SignatureSize is the detached producer signature appended to the
// measurement body inside the encrypted payload.
const SignatureSize = 64

const nonceSize = 12

// Open decrypts ciphertext with the 32-byte symmetric key and splits the
// plaintext into the measurement body and the trailing detached
// signature.
func Open(ciphertext, key []byte) (measurement, signature []byte, err error) {
	if len(ciphertext) < nonceSize {
		return nil, nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plain, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(plain) <= SignatureSize {
		return nil, nil, fmt.Errorf("%w: payload shorter than detached signature", ErrDecryptionFailed)
	}

	split := len(plain) - SignatureSize
	return plain[:split], plain[split:], nil
}

// Seal signs the measurement with the producer key, appends the detached
// signature and encrypts the result under the symmetric key. This is the
// producer side of Open and the fixture builder for tests.
func Seal(measurement, key []byte, producer *keystore.Session) ([]byte, error) {
	digest := sha256.Sum256(measurement)
	compact, err := producer.SignDigest(digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign measurement: %w", err)
	}
	// Compact signatures carry the recovery id first; the detached form
	// is the 64-byte R||S body.
	signature := compact[1:]

	plain := make([]byte, 0, len(measurement)+SignatureSize)
	plain = append(plain, measurement...)
	plain = append(plain, signature...)

	block, err := aes.NewCipher(key)
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
	return append(nonce, aead.Seal(nil, nonce, plain, nil)...), nil
}

// Verify checks the detached signature against the producer identified
// either by an uncompressed/compressed public key or by a bare hex
// account address. A failed check is ErrIntegrityViolation.
func Verify(measurement, signature []byte, producer string) error {
	if len(signature) != SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrIntegrityViolation, SignatureSize, len(signature))
	}

	digest := sha256.Sum256(measurement)

	producer = strings.TrimPrefix(strings.ToLower(producer), "0x")
	raw, err := hex.DecodeString(producer)
	if err != nil {
		return fmt.Errorf("%w: malformed producer identity", ErrIntegrityViolation)
	}

	switch len(raw) {
	case 33, 65:
		pub, err := secp256k1.ParsePubKey(raw)
		if err != nil {
			return fmt.Errorf("%w: malformed producer public key", ErrIntegrityViolation)
		}
		if !verifyRS(signature, digest[:], pub) {
			return fmt.Errorf("%w: producer signature mismatch", ErrIntegrityViolation)
		}
		return nil
	case 20:
		// Only the address is on the ledger; recover candidate keys
		// from the signature and compare derived addresses.
		if !recoversToAddress(signature, digest[:], producer) {
			return fmt.Errorf("%w: producer signature mismatch", ErrIntegrityViolation)
		}
		return nil
	default:
		return fmt.Errorf("%w: malformed producer identity", ErrIntegrityViolation)
	}
}

func verifyRS(signature, digest []byte, pub *secp256k1.PublicKey) bool {
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(signature[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(signature[32:]); overflow {
		return false
	}
	return secpecdsa.NewSignature(&r, &s).Verify(digest, pub)
}

func recoversToAddress(signature, digest []byte, address string) bool {
	compact := make([]byte, 65)
	copy(compact[1:], signature)
	for recoveryID := byte(0); recoveryID < 4; recoveryID++ {
		compact[0] = 27 + recoveryID
		pub, _, err := secpecdsa.RecoverCompact(compact, digest)
		if err != nil {
			continue
		}
		if keystore.AddressFromPublicKey(pub.SerializeUncompressed()) == address {
			return true
		}
	}
	return false
}

// NewLocator derives the content-addressed locator for a payload:
// a CIDv1 over the sha2-256 of the bytes, in ipfs:// form.
func NewLocator(payload []byte) (string, error) {
	sum, err := mh.Sum(payload, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return "ipfs://" + cid.NewCidV1(cid.Raw, sum).String(), nil
}

// VerifyLocator checks fetched bytes against a content-addressed
// locator. Locators that are not CIDs (plain URLs) cannot be verified
// and pass through. A digest mismatch is ErrIntegrityViolation.
func VerifyLocator(locator string, payload []byte) error {
	id, ok := parseCID(locator)
	if !ok {
		return nil
	}

	decoded, err := mh.Decode(id.Hash())
	if err != nil {
		return fmt.Errorf("%w: undecodable locator multihash", ErrIntegrityViolation)
	}
	if decoded.Code != mh.SHA2_256 {
		// Unverifiable hash function; treat like a plain URL.
		return nil
	}

	sum := sha256.Sum256(payload)
	if !bytesEqual(decoded.Digest, sum[:]) {
		return fmt.Errorf("%w: content does not match locator %s", ErrIntegrityViolation, locator)
	}
	return nil
}

func parseCID(locator string) (cid.Cid, bool) {
	s := strings.TrimPrefix(locator, "ipfs://")
	if i := strings.Index(s, "/ipfs/"); i >= 0 {
		s = s[i+len("/ipfs/"):]
	}
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, false
	}
	return id, true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
