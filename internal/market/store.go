package market

import (
	"database/sql"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
)

var log = logging.Logger("market")

// Store is the SQLite-backed projection of ledger market events. It is a
// cache: correctness of the purchase flow never depends on it being warm,
// because the orchestrator always consults the ledger from the watermark
// forward before trusting a negative lookup.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore opens (and if needed initializes) the projection database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return store, nil
}

func (s *Store) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS market_measurements (
			hash TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			stored_tx TEXT,
			block_number INTEGER NOT NULL,
			price INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_measurements_block ON market_measurements(block_number);
	`)
	if err != nil {
		return fmt.Errorf("failed to create measurements table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS market_purchases (
			buyer TEXT NOT NULL,
			hash TEXT NOT NULL,
			tx_hash TEXT NOT NULL,
			block_number INTEGER NOT NULL,
			PRIMARY KEY (buyer, hash)
		);
		CREATE INDEX IF NOT EXISTS idx_purchases_buyer ON market_purchases(buyer);
	`)
	if err != nil {
		return fmt.Errorf("failed to create purchases table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS market_requests (
			buyer TEXT NOT NULL,
			hash TEXT NOT NULL,
			block_number INTEGER NOT NULL,
			PRIMARY KEY (buyer, hash)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create requests table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS market_transfers (
			tx_hash TEXT NOT NULL,
			from_addr TEXT NOT NULL,
			to_addr TEXT NOT NULL,
			value INTEGER NOT NULL,
			block_number INTEGER NOT NULL,
			PRIMARY KEY (tx_hash, from_addr, to_addr, value)
		);
		CREATE INDEX IF NOT EXISTS idx_transfers_block ON market_transfers(block_number);
	`)
	if err != nil {
		return fmt.Errorf("failed to create transfers table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS market_watermark (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_block INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create watermark table: %w", err)
	}

	log.Info("Market projection tables initialized")
	return nil
}

// Watermark returns the highest ledger block already folded into the
// projection, zero if nothing has been indexed yet.
func (s *Store) Watermark() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last uint64
	err := s.db.QueryRow(`SELECT last_block FROM market_watermark WHERE id = 1`).Scan(&last)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	return last, nil
}

// SetWatermark records the highest block the projection has consumed.
func (s *Store) SetWatermark(block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO market_watermark (id, last_block) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_block = ?
	`, block, block)
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}

// UpsertMeasurement records (or refreshes) an announced measurement.
func (s *Store) UpsertMeasurement(m *Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO market_measurements (hash, description, stored_tx, block_number, price)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			description = excluded.description,
			price = excluded.price
	`, m.Hash, m.Description, m.StoredTx, m.BlockNumber, m.Price)
	if err != nil {
		return fmt.Errorf("failed to upsert measurement: %w", err)
	}
	return nil
}

// SetPrice refreshes the cached price of a measurement.
func (s *Store) SetPrice(hash string, price uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE market_measurements SET price = ? WHERE hash = ?`, price, hash)
	if err != nil {
		return fmt.Errorf("failed to set price: %w", err)
	}
	return nil
}

// Measurements returns all announced measurements, newest first.
func (s *Store) Measurements() ([]Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT hash, description, stored_tx, block_number, price
		FROM market_measurements ORDER BY block_number DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var m Measurement
		var storedTx sql.NullString
		if err := rows.Scan(&m.Hash, &m.Description, &storedTx, &m.BlockNumber, &m.Price); err != nil {
			log.Warnf("Failed to scan measurement row: %v", err)
			continue
		}
		m.StoredTx = storedTx.String
		out = append(out, m)
	}
	return out, nil
}

// GetMeasurement returns one measurement, nil if unknown.
func (s *Store) GetMeasurement(hash string) (*Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m Measurement
	var storedTx sql.NullString
	err := s.db.QueryRow(`
		SELECT hash, description, stored_tx, block_number, price
		FROM market_measurements WHERE hash = ?
	`, hash).Scan(&m.Hash, &m.Description, &storedTx, &m.BlockNumber, &m.Price)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get measurement: %w", err)
	}
	m.StoredTx = storedTx.String
	return &m, nil
}

// RecordRequest records a RequestPurchase observation.
func (s *Store) RecordRequest(buyer, hash string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO market_requests (buyer, hash, block_number) VALUES (?, ?, ?)
		ON CONFLICT(buyer, hash) DO NOTHING
	`, buyer, hash, block)
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// RecordPurchase records a CompletePurchase observation.
func (s *Store) RecordPurchase(rec *PurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO market_purchases (buyer, hash, tx_hash, block_number) VALUES (?, ?, ?, ?)
		ON CONFLICT(buyer, hash) DO UPDATE SET
			tx_hash = excluded.tx_hash,
			block_number = excluded.block_number
	`, rec.Buyer, rec.Hash, rec.TxHash, rec.BlockNumber)
	if err != nil {
		return fmt.Errorf("failed to record purchase: %w", err)
	}
	return nil
}

// RecordTransfer records a Transfer observation.
func (s *Store) RecordTransfer(rec *TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO market_transfers (tx_hash, from_addr, to_addr, value, block_number)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash, from_addr, to_addr, value) DO NOTHING
	`, rec.TxHash, rec.From, rec.To, rec.Value, rec.BlockNumber)
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}

// RecentTransfers returns up to limit transfers, newest first.
func (s *Store) RecentTransfers(limit int) ([]TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT from_addr, to_addr, value, tx_hash, block_number
		FROM market_transfers ORDER BY block_number DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		if err := rows.Scan(&rec.From, &rec.To, &rec.Value, &rec.TxHash, &rec.BlockNumber); err != nil {
			log.Warnf("Failed to scan transfer row: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// HasPurchase reports whether the projection holds a purchase or a pending
// request for (buyer, hash).
func (s *Store) HasPurchase(buyer, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM market_purchases WHERE buyer = ? AND hash = ?) +
			(SELECT COUNT(*) FROM market_requests WHERE buyer = ? AND hash = ?)
	`, buyer, hash, buyer, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check purchase: %w", err)
	}
	return n > 0, nil
}

// GetPurchase returns the completed purchase for (buyer, hash), nil if none.
func (s *Store) GetPurchase(buyer, hash string) (*PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec PurchaseRecord
	err := s.db.QueryRow(`
		SELECT buyer, hash, tx_hash, block_number FROM market_purchases
		WHERE buyer = ? AND hash = ?
	`, buyer, hash).Scan(&rec.Buyer, &rec.Hash, &rec.TxHash, &rec.BlockNumber)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return &rec, nil
}

// PurchasesBy returns the buyer's completed purchases, newest first, joined
// with the measurement description when the projection knows it.
func (s *Store) PurchasesBy(buyer string) ([]PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT p.buyer, p.hash, p.tx_hash, p.block_number, COALESCE(m.description, '')
		FROM market_purchases p
		LEFT JOIN market_measurements m ON m.hash = p.hash
		WHERE p.buyer = ? ORDER BY p.block_number DESC
	`, buyer)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var out []PurchaseRecord
	for rows.Next() {
		var rec PurchaseRecord
		if err := rows.Scan(&rec.Buyer, &rec.Hash, &rec.TxHash, &rec.BlockNumber, &rec.Description); err != nil {
			log.Warnf("Failed to scan purchase row: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}
