// Package storageauth signs and verifies the timestamped requests that
// authenticate a buyer to the off-chain storage service. The signature
// covers the buyer address bytes, the measurement hash bytes and the
// decimal millisecond timestamp; the service recovers the signer from
// the signature, checks the purchase on the ledger and rejects stale
// timestamps, so a captured request cannot be replayed outside the
// freshness window.
package storageauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	logging "github.com/ipfs/go-log/v2"

	"github.com/sensordatamarket/sdm-server/internal/keystore"
)

var log = logging.Logger("storageauth")

// Errors
var (
	// ErrDenied is an authentication rejection: bad signature, unknown
	// purchase or stale timestamp.
	ErrDenied = errors.New("storage request denied")

	// ErrUnavailable is a transport failure or a non-auth error from
	// the storage service.
	ErrUnavailable = errors.New("storage unavailable")
)

// DefaultFreshnessWindow is the maximum accepted age of a signed
// request's timestamp.
const DefaultFreshnessWindow = 2 * time.Minute

// SignedRequest authenticates one storage fetch. Transient and single
// use by convention; the service enforces only the freshness window.
type SignedRequest struct {
	// Hash is the measurement content hash, hex without 0x.
	Hash string `json:"hash"`
	// ClientAddr is the buyer address, hex without 0x.
	ClientAddr string `json:"clientAddr"`
	// Timestamp is wall-clock milliseconds at signing time.
	Timestamp int64 `json:"timestamp"`
	// Signature is the 65-byte compact recoverable signature, hex.
	Signature string `json:"signature"`
}

// Sign produces the request signature over the concatenation of the
// address bytes, the hash bytes and the decimal timestamp string.
func Sign(session *keystore.Session, hash string, timestamp int64) ([]byte, error) {
	digest, err := requestDigest(session.Address(), hash, timestamp)
	if err != nil {
		return nil, err
	}
	return session.SignDigest(digest)
}

// NewRequest signs a fetch for the measurement at the current wall
// clock.
func NewRequest(session *keystore.Session, hash string) (*SignedRequest, error) {
	timestamp := time.Now().UnixMilli()
	sig, err := Sign(session, hash, timestamp)
	if err != nil {
		return nil, fmt.Errorf("sign storage request: %w", err)
	}
	return &SignedRequest{
		Hash:       strings.TrimPrefix(hash, "0x"),
		ClientAddr: session.Address(),
		Timestamp:  timestamp,
		Signature:  hex.EncodeToString(sig),
	}, nil
}

func requestDigest(addr, hash string, timestamp int64) ([]byte, error) {
	addrBytes, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(addr), "0x"))
	if err != nil {
		return nil, fmt.Errorf("malformed address: %w", err)
	}
	hashBytes, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(hash), "0x"))
	if err != nil {
		return nil, fmt.Errorf("malformed hash: %w", err)
	}

	h := sha256.New()
	h.Write(addrBytes)
	h.Write(hashBytes)
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return h.Sum(nil), nil
}

// PurchaseChecker answers whether a completed purchase exists on the
// ledger for a (buyer, hash) pair.
type PurchaseChecker interface {
	HasCompletedPurchase(ctx context.Context, buyer, hash string) (bool, error)
}

// Authenticator is the storage-service side of the protocol.
type Authenticator struct {
	checker PurchaseChecker
	window  time.Duration
	now     func() time.Time
}

// NewAuthenticator builds an authenticator with the given freshness
// window (DefaultFreshnessWindow when zero).
func NewAuthenticator(checker PurchaseChecker, window time.Duration) *Authenticator {
	if window == 0 {
		window = DefaultFreshnessWindow
	}
	return &Authenticator{
		checker: checker,
		window:  window,
		now:     time.Now,
	}
}

// Verify authenticates a signed request. A nil return allows the fetch.
// Every failed check denies; only a ledger failure while checking the
// purchase surfaces as its own kind so the service can answer 502
// instead of 403.
func (a *Authenticator) Verify(ctx context.Context, req *SignedRequest) error {
	// Freshness first: a stale request is denied even when the
	// signature is otherwise valid.
	age := a.now().Sub(time.UnixMilli(req.Timestamp))
	if age > a.window || age < -a.window {
		return fmt.Errorf("%w: timestamp outside freshness window", ErrDenied)
	}

	digest, err := requestDigest(req.ClientAddr, req.Hash, req.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}

	sig, err := hex.DecodeString(req.Signature)
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("%w: malformed signature", ErrDenied)
	}

	pub, _, err := secpecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return fmt.Errorf("%w: unrecoverable signature", ErrDenied)
	}
	recovered := keystore.AddressFromPublicKey(pub.SerializeUncompressed())
	if recovered != strings.ToLower(strings.TrimPrefix(req.ClientAddr, "0x")) {
		return fmt.Errorf("%w: signature does not recover to client address", ErrDenied)
	}

	purchased, err := a.checker.HasCompletedPurchase(ctx, req.ClientAddr, req.Hash)
	if err != nil {
		return fmt.Errorf("check purchase: %w", err)
	}
	if !purchased {
		return fmt.Errorf("%w: no completed purchase for (%s, %s)", ErrDenied, req.ClientAddr, req.Hash)
	}

	log.Debugf("allowed storage fetch of %s by %s", req.Hash, req.ClientAddr)
	return nil
}
