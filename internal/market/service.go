package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sensordatamarket/sdm-server/internal/keystore"
	"github.com/sensordatamarket/sdm-server/internal/ledger"
)

var (
	// ErrAlreadyPurchased means a purchase or purchase request for this
	// (buyer, measurement) pair already exists on the ledger.
	ErrAlreadyPurchased = errors.New("measurement already purchased")

	// ErrInsufficientFunds means the buyer's balance is below the current price.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotPurchased means retrieval was attempted for a measurement the
	// buyer never completed a purchase for.
	ErrNotPurchased = errors.New("measurement not purchased")

	// ErrUnknownMeasurement means the hash was never announced on the ledger.
	ErrUnknownMeasurement = errors.New("unknown measurement")
)

// Ledger is the slice of the ledger client the orchestrator needs.
type Ledger interface {
	QueryEvents(ctx context.Context, name string, filter map[string]string, fromBlock uint64) ([]ledger.Event, error)
	PriceOf(ctx context.Context, hash string) (uint64, error)
	BalanceOf(ctx context.Context, addr string) (uint64, error)
	ProducerOf(ctx context.Context, hash string) (string, error)
	Symbol(ctx context.Context) (string, error)
	BlockNumber(ctx context.Context) (uint64, error)
	GetTransaction(ctx context.Context, txHash string) (*ledger.Transaction, error)
	Submit(ctx context.Context, call ledger.Call, signer ledger.Signer) (*ledger.Receipt, error)
	BalanceContract() string
	AccessContract() string
}

// Service orchestrates the purchase protocol: duplicate check, fresh price
// read, balance check, then a single signed debit transaction. The ledger's
// commit order is the only serialization point; there is no client-side lock.
type Service struct {
	ledger Ledger
	store  *Store

	mu        sync.Mutex
	published map[string]bool
}

// NewService creates the market service on top of a ledger client and the
// local projection store.
func NewService(l Ledger, store *Store) *Service {
	return &Service{
		ledger:    l,
		store:     store,
		published: make(map[string]bool),
	}
}

// Purchase runs the full purchase protocol for one measurement. On success
// the returned receipt confirms the debit transaction was committed.
func (s *Service) Purchase(ctx context.Context, session *keystore.Session, hash string) (*ledger.Receipt, error) {
	buyer := session.Address()

	known, err := s.isKnownMeasurement(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMeasurement, hash)
	}

	if err := s.ensurePubKey(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to publish public key: %w", err)
	}

	owned, err := s.HasAnyPurchase(ctx, buyer, hash)
	if err != nil {
		return nil, err
	}
	if owned {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPurchased, hash)
	}

	// Price is read fresh on every attempt; the projection's cached price
	// is display-only.
	price, err := s.ledger.PriceOf(ctx, hash)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.BalanceOf(ctx, buyer)
	if err != nil {
		return nil, err
	}
	if balance < price {
		return nil, fmt.Errorf("%w: balance %d, price %d", ErrInsufficientFunds, balance, price)
	}

	// The debit lives on the token contract, next to the price and
	// balance views it is checked against.
	receipt, err := s.ledger.Submit(ctx, ledger.Call{
		To:     s.ledger.BalanceContract(),
		Method: "purchaseMeasurement",
		Params: []string{hash},
	}, session)
	if err != nil {
		return nil, err
	}

	log.Infof("Purchase of %s by %s confirmed in block %d (tx %s)",
		hash, buyer, receipt.BlockNumber, receipt.TxHash)

	if err := s.store.RecordPurchase(&PurchaseRecord{
		Buyer:       buyer,
		Hash:        hash,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
	}); err != nil {
		log.Warnf("Failed to record purchase in projection: %v", err)
	}

	return receipt, nil
}

// ensurePubKey publishes the session's public key to the access contract.
// The contract call is idempotent; this just avoids resubmitting it on every
// purchase from the same process.
func (s *Service) ensurePubKey(ctx context.Context, session *keystore.Session) error {
	addr := session.Address()

	s.mu.Lock()
	done := s.published[addr]
	s.mu.Unlock()
	if done {
		return nil
	}

	_, err := s.ledger.Submit(ctx, ledger.Call{
		To:     s.ledger.AccessContract(),
		Method: "addPubKey",
		Params: []string{session.PublicKeyHex()},
	}, session)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.published[addr] = true
	s.mu.Unlock()

	log.Debugf("Published public key for %s", addr)
	return nil
}

// isKnownMeasurement reports whether the hash was ever announced, using
// the same projection-plus-ledger-tail split as the ownership checks.
func (s *Service) isKnownMeasurement(ctx context.Context, hash string) (bool, error) {
	m, err := s.store.GetMeasurement(hash)
	if err != nil {
		return false, err
	}
	if m != nil {
		return true, nil
	}

	watermark, err := s.store.Watermark()
	if err != nil {
		return false, err
	}
	events, err := s.ledger.QueryEvents(ctx, ledger.EventStoreInfo,
		map[string]string{ledger.FieldHash: hash}, watermark)
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// HasAnyPurchase reports whether any purchase request or completed purchase
// for (buyer, hash) exists. The projection answers for everything up to its
// watermark; the ledger tail covers the rest, so a cold projection still
// gives the right answer.
func (s *Service) HasAnyPurchase(ctx context.Context, buyer, hash string) (bool, error) {
	owned, err := s.store.HasPurchase(buyer, hash)
	if err != nil {
		return false, err
	}
	if owned {
		return true, nil
	}

	watermark, err := s.store.Watermark()
	if err != nil {
		return false, err
	}

	filter := map[string]string{ledger.FieldFrom: buyer, ledger.FieldHash: hash}
	for _, name := range []string{ledger.EventRequestPurchase, ledger.EventCompletePurchase} {
		events, err := s.ledger.QueryEvents(ctx, name, filter, watermark)
		if err != nil {
			return false, err
		}
		if len(events) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// HasCompletedPurchase reports whether a CompletePurchase exists for
// (buyer, hash). This is the check the storage service authenticator uses.
func (s *Service) HasCompletedPurchase(ctx context.Context, buyer, hash string) (bool, error) {
	rec, err := s.store.GetPurchase(buyer, hash)
	if err != nil {
		return false, err
	}
	if rec != nil {
		return true, nil
	}

	watermark, err := s.store.Watermark()
	if err != nil {
		return false, err
	}

	events, err := s.ledger.QueryEvents(ctx, ledger.EventCompletePurchase,
		map[string]string{ledger.FieldFrom: buyer, ledger.FieldHash: hash}, watermark)
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// Available lists announced measurements with their current prices.
func (s *Service) Available(ctx context.Context) ([]Measurement, error) {
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}

	measurements, err := s.store.Measurements()
	if err != nil {
		return nil, err
	}

	for i := range measurements {
		price, err := s.ledger.PriceOf(ctx, measurements[i].Hash)
		if err != nil {
			return nil, err
		}
		measurements[i].Price = price
		if err := s.store.SetPrice(measurements[i].Hash, price); err != nil {
			log.Warnf("Failed to cache price for %s: %v", measurements[i].Hash, err)
		}
	}
	return measurements, nil
}

// PurchasesOf lists the buyer's completed purchases.
func (s *Service) PurchasesOf(ctx context.Context, buyer string) ([]PurchaseRecord, error) {
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.store.PurchasesBy(buyer)
}

// WalletOf returns the account view for an address.
func (s *Service) WalletOf(ctx context.Context, addr string) (*Wallet, error) {
	balance, err := s.ledger.BalanceOf(ctx, addr)
	if err != nil {
		return nil, err
	}
	symbol, err := s.ledger.Symbol(ctx)
	if err != nil {
		return nil, err
	}
	purchases, err := s.PurchasesOf(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Wallet{Address: addr, Balance: balance, Symbol: symbol, Purchases: purchases}, nil
}

// Refresh folds ledger events committed since the watermark into the
// projection and advances the watermark to the current head.
func (s *Service) Refresh(ctx context.Context) error {
	head, err := s.ledger.BlockNumber(ctx)
	if err != nil {
		return err
	}

	watermark, err := s.store.Watermark()
	if err != nil {
		return err
	}
	if head <= watermark && watermark != 0 {
		return nil
	}

	from := uint64(0)
	if watermark > 0 {
		from = watermark + 1
	}

	stored, err := s.ledger.QueryEvents(ctx, ledger.EventStoreInfo, nil, from)
	if err != nil {
		return err
	}
	for _, ev := range stored {
		err := s.store.UpsertMeasurement(&Measurement{
			Hash:        ev.Value(ledger.FieldHash),
			Description: ev.Value(ledger.FieldDescription),
			StoredTx:    ev.TxHash,
			BlockNumber: ev.BlockNumber,
		})
		if err != nil {
			return err
		}
	}

	requests, err := s.ledger.QueryEvents(ctx, ledger.EventRequestPurchase, nil, from)
	if err != nil {
		return err
	}
	for _, ev := range requests {
		err := s.store.RecordRequest(ev.Value(ledger.FieldFrom), ev.Value(ledger.FieldHash), ev.BlockNumber)
		if err != nil {
			return err
		}
	}

	completed, err := s.ledger.QueryEvents(ctx, ledger.EventCompletePurchase, nil, from)
	if err != nil {
		return err
	}
	for _, ev := range completed {
		err := s.store.RecordPurchase(&PurchaseRecord{
			Buyer:       ev.Value(ledger.FieldFrom),
			Hash:        ev.Value(ledger.FieldHash),
			TxHash:      ev.Value(ledger.FieldTxHash),
			BlockNumber: ev.BlockNumber,
		})
		if err != nil {
			return err
		}
	}

	transfers, err := s.ledger.QueryEvents(ctx, ledger.EventTransfer, nil, from)
	if err != nil {
		return err
	}
	for _, ev := range transfers {
		value, err := strconv.ParseUint(ev.Value(ledger.FieldValue), 10, 64)
		if err != nil {
			log.Warnf("Skipping transfer with malformed value %q in block %d",
				ev.Value(ledger.FieldValue), ev.BlockNumber)
			continue
		}
		err = s.store.RecordTransfer(&TransferRecord{
			From:        ev.Value(ledger.FieldFrom),
			To:          ev.Value(ledger.FieldTo),
			Value:       value,
			TxHash:      ev.TxHash,
			BlockNumber: ev.BlockNumber,
		})
		if err != nil {
			return err
		}
	}

	if err := s.store.SetWatermark(head); err != nil {
		return err
	}

	if len(stored)+len(requests)+len(completed)+len(transfers) > 0 {
		log.Debugf("Projection refreshed to block %d: %d stored, %d requested, %d completed, %d transfers",
			head, len(stored), len(requests), len(completed), len(transfers))
	}
	return nil
}

// RecentTransfers lists the latest token transfers, newest first.
func (s *Service) RecentTransfers(ctx context.Context, n int) ([]TransferRecord, error) {
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.store.RecentTransfers(n)
}
