package market

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/sensordatamarket/sdm-server/internal/content"
	"github.com/sensordatamarket/sdm-server/internal/ecies"
	"github.com/sensordatamarket/sdm-server/internal/storageauth"
)

// fakeFetcher serves off-chain content in-process: ciphertext blobs by URL
// for gateway reads, and one plaintext measurement behind signed-request
// authentication.
type fakeFetcher struct {
	blobs map[string][]byte

	storageLocator string
	measurement    []byte
	lastSigned     *storageauth.SignedRequest
}

func (f *fakeFetcher) Fetch(ctx context.Context, locator string, req *storageauth.SignedRequest) ([]byte, error) {
	if locator != f.storageLocator {
		return nil, storageauth.ErrUnavailable
	}
	if req == nil || req.Signature == "" || req.Timestamp == 0 {
		return nil, storageauth.ErrDenied
	}
	f.lastSigned = req
	return f.measurement, nil
}

func (f *fakeFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	blob, ok := f.blobs[url]
	if !ok {
		return nil, storageauth.ErrUnavailable
	}
	return blob, nil
}

func TestRetrieveKeyedContent(t *testing.T) {
	svc, chain := newTestService(t)
	buyer := newTestBuyer(t)
	producer := newTestBuyer(t)

	measurement := []byte(`{"sensor":"pm25-17","value":12.1}`)
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	ciphertext, err := content.Seal(measurement, key, producer)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	locator, err := content.NewLocator(ciphertext)
	if err != nil {
		t.Fatalf("Failed to build locator: %v", err)
	}

	encoded, err := ecies.EncodeSecret(key, locator)
	if err != nil {
		t.Fatalf("Failed to encode secret: %v", err)
	}
	wrapped, err := ecies.Wrap(buyer.PublicKey(), encoded)
	if err != nil {
		t.Fatalf("Failed to wrap: %v", err)
	}

	chain.announce("hash1", "particulates")
	chain.prices["hash1"] = 10
	chain.balances[buyer.Address()] = 10
	chain.producers["hash1"] = producer.Address()
	chain.deliveries["hash1"] = hex.EncodeToString(wrapped)

	if _, err := svc.Purchase(context.Background(), buyer, "hash1"); err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}

	gateway := "http://gateway.test"
	fetcher := &fakeFetcher{blobs: map[string][]byte{
		gateway + "/ipfs/" + strings.TrimPrefix(locator, "ipfs://"): ciphertext,
	}}
	retriever := NewRetriever(svc, fetcher, gateway)

	got, err := retriever.Retrieve(context.Background(), buyer, "hash1")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if !bytes.Equal(got, measurement) {
		t.Errorf("Measurement mismatch: got %q, want %q", got, measurement)
	}
}

func TestRetrieveKeyedContentDetectsCorruptedDelivery(t *testing.T) {
	svc, chain := newTestService(t)
	buyer := newTestBuyer(t)
	producer := newTestBuyer(t)

	measurement := []byte("reading")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	ciphertext, err := content.Seal(measurement, key, producer)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	locator, err := content.NewLocator(ciphertext)
	if err != nil {
		t.Fatalf("Failed to build locator: %v", err)
	}
	encoded, err := ecies.EncodeSecret(key, locator)
	if err != nil {
		t.Fatalf("Failed to encode secret: %v", err)
	}
	wrapped, err := ecies.Wrap(buyer.PublicKey(), encoded)
	if err != nil {
		t.Fatalf("Failed to wrap: %v", err)
	}

	chain.announce("hash1", "x")
	chain.prices["hash1"] = 1
	chain.balances[buyer.Address()] = 1
	chain.producers["hash1"] = producer.Address()
	chain.deliveries["hash1"] = hex.EncodeToString(wrapped)

	if _, err := svc.Purchase(context.Background(), buyer, "hash1"); err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}

	// The gateway serves bytes that do not match the content-addressed
	// locator.
	gateway := "http://gateway.test"
	tampered := append([]byte{}, ciphertext...)
	tampered[0] ^= 0x01
	fetcher := &fakeFetcher{blobs: map[string][]byte{
		gateway + "/ipfs/" + strings.TrimPrefix(locator, "ipfs://"): tampered,
	}}
	retriever := NewRetriever(svc, fetcher, gateway)

	_, err = retriever.Retrieve(context.Background(), buyer, "hash1")
	if !errors.Is(err, content.ErrIntegrityViolation) {
		t.Errorf("Expected ErrIntegrityViolation for tampered delivery, got %v", err)
	}
}

func TestRetrieveDirectFetch(t *testing.T) {
	svc, chain := newTestService(t)
	buyer := newTestBuyer(t)

	// Direct-fetch hash must be hex: the signed storage request covers its
	// raw bytes.
	const hash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	measurement := []byte("plaintext measurement from storage")
	storageURL := "https://storage.test/measurements"

	wrapped, err := ecies.Wrap(buyer.PublicKey(), []byte(storageURL))
	if err != nil {
		t.Fatalf("Failed to wrap: %v", err)
	}

	chain.announce(hash, "direct")
	chain.prices[hash] = 10
	chain.balances[buyer.Address()] = 10
	chain.deliveries[hash] = hex.EncodeToString(wrapped)

	if _, err := svc.Purchase(context.Background(), buyer, hash); err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}

	fetcher := &fakeFetcher{storageLocator: storageURL, measurement: measurement}
	retriever := NewRetriever(svc, fetcher, "")

	got, err := retriever.Retrieve(context.Background(), buyer, hash)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if !bytes.Equal(got, measurement) {
		t.Errorf("Measurement mismatch: got %q, want %q", got, measurement)
	}

	// The fetch was authenticated as this buyer for this measurement.
	if fetcher.lastSigned == nil {
		t.Fatal("Storage fetch was not signed")
	}
	if fetcher.lastSigned.ClientAddr != buyer.Address() || fetcher.lastSigned.Hash != hash {
		t.Errorf("Signed request fields wrong: %+v", fetcher.lastSigned)
	}
}

func TestRetrieveWithoutPurchase(t *testing.T) {
	svc, chain := newTestService(t)
	buyer := newTestBuyer(t)

	chain.announce("hash1", "unowned")
	retriever := NewRetriever(svc, &fakeFetcher{}, "")

	_, err := retriever.Retrieve(context.Background(), buyer, "hash1")
	if !errors.Is(err, ErrNotPurchased) {
		t.Errorf("Expected ErrNotPurchased, got %v", err)
	}
}

func TestRetrieveWrongRecipientKey(t *testing.T) {
	svc, chain := newTestService(t)
	buyer := newTestBuyer(t)
	other := newTestBuyer(t)

	// Secret wrapped for someone else entirely.
	wrapped, err := ecies.Wrap(other.PublicKey(), []byte("https://storage.test/m"))
	if err != nil {
		t.Fatalf("Failed to wrap: %v", err)
	}

	chain.announce("hash1", "misaddressed")
	chain.prices["hash1"] = 1
	chain.balances[buyer.Address()] = 1
	chain.deliveries["hash1"] = hex.EncodeToString(wrapped)

	if _, err := svc.Purchase(context.Background(), buyer, "hash1"); err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}

	retriever := NewRetriever(svc, &fakeFetcher{}, "")
	_, err = retriever.Retrieve(context.Background(), buyer, "hash1")
	if !errors.Is(err, ecies.ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed for misaddressed secret, got %v", err)
	}
}
