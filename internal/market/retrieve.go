package market

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sensordatamarket/sdm-server/internal/content"
	"github.com/sensordatamarket/sdm-server/internal/ecies"
	"github.com/sensordatamarket/sdm-server/internal/keystore"
	"github.com/sensordatamarket/sdm-server/internal/ledger"
	"github.com/sensordatamarket/sdm-server/internal/storageauth"
)

// Fetcher retrieves off-chain content: authenticated storage-service fetches
// and plain gateway reads. *storageauth.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, locator string, req *storageauth.SignedRequest) ([]byte, error)
	Get(ctx context.Context, url string) ([]byte, error)
}

// Retriever turns a completed purchase into the measurement plaintext:
// locate the delivery transaction, unwrap the secret addressed to the buyer,
// then follow whichever delivery variant the secret encodes.
type Retriever struct {
	market  *Service
	fetcher Fetcher
	gateway string
}

// NewRetriever builds a retriever. gateway is the base URL used to resolve
// content-addressed locators in the keyed-content variant.
func NewRetriever(svc *Service, fetcher Fetcher, gateway string) *Retriever {
	return &Retriever{
		market:  svc,
		fetcher: fetcher,
		gateway: strings.TrimRight(gateway, "/"),
	}
}

// Retrieve fetches and, where needed, decrypts and verifies the measurement
// the session's owner purchased.
func (r *Retriever) Retrieve(ctx context.Context, session *keystore.Session, hash string) ([]byte, error) {
	deliveryTx, err := r.deliveryTx(ctx, session.Address(), hash)
	if err != nil {
		return nil, err
	}

	tx, err := r.market.ledger.GetTransaction(ctx, deliveryTx)
	if err != nil {
		return nil, err
	}

	wrapped, err := hex.DecodeString(strings.TrimPrefix(tx.Input, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed transaction payload", ecies.ErrDecryptionFailed)
	}

	secret, err := ecies.UnwrapSecret(wrapped, session)
	if err != nil {
		return nil, err
	}

	switch secret.Variant {
	case ecies.DirectFetch:
		return r.directFetch(ctx, session, hash, secret.Locator)
	case ecies.KeyedContent:
		defer zero(secret.ContentKey)
		return r.keyedContent(ctx, hash, secret)
	default:
		return nil, fmt.Errorf("%w: unknown secret variant", ecies.ErrDecryptionFailed)
	}
}

// deliveryTx finds the transaction referenced by the buyer's CompletePurchase
// event for this measurement.
func (r *Retriever) deliveryTx(ctx context.Context, buyer, hash string) (string, error) {
	events, err := r.market.ledger.QueryEvents(ctx, ledger.EventCompletePurchase,
		map[string]string{ledger.FieldFrom: buyer, ledger.FieldHash: hash}, 0)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotPurchased, hash)
	}

	// Latest completion wins if the ledger somehow holds more than one.
	ev := events[len(events)-1]
	if txHash := ev.Value(ledger.FieldTxHash); txHash != "" {
		return txHash, nil
	}
	return ev.TxHash, nil
}

func (r *Retriever) directFetch(ctx context.Context, session *keystore.Session, hash, locator string) ([]byte, error) {
	req, err := storageauth.NewRequest(session, hash)
	if err != nil {
		return nil, err
	}

	measurement, err := r.fetcher.Fetch(ctx, locator, req)
	if err != nil {
		return nil, err
	}

	log.Debugf("Fetched measurement %s from storage service (%d bytes)", hash, len(measurement))
	return measurement, nil
}

func (r *Retriever) keyedContent(ctx context.Context, hash string, secret *ecies.Secret) ([]byte, error) {
	url, err := r.contentURL(secret.Locator)
	if err != nil {
		return nil, err
	}

	ciphertext, err := r.fetcher.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	if err := content.VerifyLocator(secret.Locator, ciphertext); err != nil {
		return nil, err
	}

	measurement, signature, err := content.Open(ciphertext, secret.ContentKey)
	if err != nil {
		return nil, err
	}

	producer, err := r.market.ledger.ProducerOf(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := content.Verify(measurement, signature, producer); err != nil {
		return nil, err
	}

	log.Debugf("Decrypted and verified measurement %s (%d bytes)", hash, len(measurement))
	return measurement, nil
}

func (r *Retriever) contentURL(locator string) (string, error) {
	switch {
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return locator, nil
	case strings.HasPrefix(locator, "ipfs://"):
		if r.gateway == "" {
			return "", fmt.Errorf("no gateway configured for locator %s", locator)
		}
		return r.gateway + "/ipfs/" + strings.TrimPrefix(locator, "ipfs://"), nil
	default:
		if r.gateway == "" {
			return "", fmt.Errorf("no gateway configured for locator %s", locator)
		}
		return r.gateway + "/ipfs/" + locator, nil
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
