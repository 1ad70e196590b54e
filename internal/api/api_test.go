package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sensordatamarket/sdm-server/internal/keystore"
	"github.com/sensordatamarket/sdm-server/internal/ledger"
	"github.com/sensordatamarket/sdm-server/internal/market"
	"github.com/sensordatamarket/sdm-server/internal/storageauth"
)

// fakeChain is a minimal ledger: one listed measurement, fixed balances.
type fakeChain struct {
	price   uint64
	balance uint64
	head    uint64
	events  []ledger.Event
}

func (f *fakeChain) QueryEvents(ctx context.Context, name string, filter map[string]string, fromBlock uint64) ([]ledger.Event, error) {
	var out []ledger.Event
	for _, ev := range f.events {
		if ev.Name != name || ev.BlockNumber < fromBlock {
			continue
		}
		match := true
		for k, v := range filter {
			if ev.ReturnValues[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeChain) PriceOf(ctx context.Context, hash string) (uint64, error) { return f.price, nil }
func (f *fakeChain) BalanceOf(ctx context.Context, addr string) (uint64, error) {
	return f.balance, nil
}
func (f *fakeChain) ProducerOf(ctx context.Context, hash string) (string, error) { return "", nil }
func (f *fakeChain) Symbol(ctx context.Context) (string, error)                  { return "SDC", nil }
func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error)             { return f.head, nil }
func (f *fakeChain) GetTransaction(ctx context.Context, txHash string) (*ledger.Transaction, error) {
	return nil, ledger.ErrUnavailable
}
func (f *fakeChain) Submit(ctx context.Context, call ledger.Call, signer ledger.Signer) (*ledger.Receipt, error) {
	f.head++
	if call.Method == "purchaseMeasurement" {
		if f.balance < f.price {
			return nil, ledger.ErrTxRejected
		}
		f.balance -= f.price
		f.events = append(f.events, ledger.Event{
			Name:        ledger.EventCompletePurchase,
			BlockNumber: f.head,
			ReturnValues: map[string]string{
				ledger.FieldFrom: signer.Address(),
				ledger.FieldHash: call.Params[0],
			},
		})
	}
	return &ledger.Receipt{TxHash: "0xtx", BlockNumber: f.head, Status: true}, nil
}
func (f *fakeChain) BalanceContract() string { return "b000" }
func (f *fakeChain) AccessContract() string  { return "ac00" }

func (f *fakeChain) announce(hash, description string) {
	f.head++
	f.events = append(f.events, ledger.Event{
		Name:        ledger.EventStoreInfo,
		BlockNumber: f.head,
		TxHash:      "0xstore-" + hash,
		ReturnValues: map[string]string{
			ledger.FieldHash:        hash,
			ledger.FieldDescription: description,
		},
	})
}

func (f *fakeChain) transfer(from, to string, value uint64) {
	f.head++
	f.events = append(f.events, ledger.Event{
		Name:        ledger.EventTransfer,
		BlockNumber: f.head,
		TxHash:      "0xtransfer-" + strconv.FormatUint(f.head, 10),
		ReturnValues: map[string]string{
			ledger.FieldFrom:  from,
			ledger.FieldTo:    to,
			ledger.FieldValue: strconv.FormatUint(value, 10),
		},
	})
}

func (f *fakeChain) LatestBlocks(ctx context.Context, n int) ([]*ledger.Block, error) {
	return []*ledger.Block{{Number: f.head}}, nil
}
func (f *fakeChain) GetBlock(ctx context.Context, number uint64) (*ledger.Block, error) {
	return &ledger.Block{Number: number}, nil
}

func newTestServer(t *testing.T, chain *fakeChain) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	ref, err := keystore.NewSession(priv.Serialize())
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	address := ref.Address()
	ref.Close()

	ksDir := filepath.Join(dir, "keystore")
	if _, err := keystore.Create(ksDir, priv.Serialize(), "pw"); err != nil {
		t.Fatalf("Failed to create key file: %v", err)
	}

	store, err := market.NewStore(filepath.Join(dir, "projection.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := market.NewService(chain, store)
	retriever := market.NewRetriever(svc, storageauth.NewClient(time.Second), "")

	db, err := sql.Open("sqlite3", filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("Failed to open sessions db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sessions, err := NewSessionRegistry(db, time.Hour)
	if err != nil {
		t.Fatalf("Failed to create session registry: %v", err)
	}
	t.Cleanup(sessions.Close)

	handler := NewHandler(svc, retriever, chain, sessions, ksDir)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, address
}

func login(t *testing.T, server *httptest.Server, address, password string) *http.Cookie {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Address: address, Password: password})
	resp, err := http.Post(server.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Login request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Login answered %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("Login set no session cookie")
	return nil
}

func doJSON(t *testing.T, method, url string, cookie *http.Cookie, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func TestLoginWrongPassword(t *testing.T) {
	server, address := newTestServer(t, &fakeChain{head: 1})

	body, _ := json.Marshal(loginRequest{Address: address, Password: "wrong"})
	resp, err := http.Post(server.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Login request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for wrong password, got %d", resp.StatusCode)
	}
}

func TestPurchaseFlowStatuses(t *testing.T) {
	chain := &fakeChain{head: 1, price: 100, balance: 150}
	server, address := newTestServer(t, chain)
	cookie := login(t, server, address, "pw")

	const hash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	const expensiveHash = "aa86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	chain.announce(hash, "air quality, downtown")
	chain.announce(expensiveHash, "full-year archive")

	// Unauthenticated purchase is rejected up front.
	resp := doJSON(t, http.MethodPost, server.URL+"/api/purchase", nil, purchaseRequest{Hash: hash})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without session, got %d", resp.StatusCode)
	}

	// First purchase succeeds.
	resp = doJSON(t, http.MethodPost, server.URL+"/api/purchase", cookie, purchaseRequest{Hash: hash})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for first purchase, got %d", resp.StatusCode)
	}

	// Second purchase of the same measurement answers 409.
	resp = doJSON(t, http.MethodPost, server.URL+"/api/purchase", cookie, purchaseRequest{Hash: hash})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate purchase, got %d", resp.StatusCode)
	}

	// A measurement the buyer cannot afford answers 402.
	chain.price = 1000
	resp = doJSON(t, http.MethodPost, server.URL+"/api/purchase", cookie,
		purchaseRequest{Hash: expensiveHash})
	resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("Expected 402 for insufficient funds, got %d", resp.StatusCode)
	}
}

func TestWalletRequiresSession(t *testing.T) {
	server, address := newTestServer(t, &fakeChain{head: 1, balance: 42})

	resp, err := http.Get(server.URL + "/api/wallet")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without session, got %d", resp.StatusCode)
	}

	cookie := login(t, server, address, "pw")
	resp = doJSON(t, http.MethodGet, server.URL+"/api/wallet", cookie, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 with session, got %d", resp.StatusCode)
	}

	var wallet market.Wallet
	if err := json.NewDecoder(resp.Body).Decode(&wallet); err != nil {
		t.Fatalf("Failed to decode wallet: %v", err)
	}
	if wallet.Balance != 42 || wallet.Symbol != "SDC" {
		t.Errorf("Unexpected wallet: %+v", wallet)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	server, address := newTestServer(t, &fakeChain{head: 1})
	cookie := login(t, server, address, "pw")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/logout", cookie, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Logout answered %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, server.URL+"/api/wallet", cookie, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 after logout, got %d", resp.StatusCode)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	server, address := newTestServer(t, &fakeChain{head: 1})
	first := login(t, server, address, "pw")
	second := login(t, server, address, "pw")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/logout", first, map[string]bool{"all": true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Logout answered %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, server.URL+"/api/wallet", second, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for the second session after logout all, got %d", resp.StatusCode)
	}
}

func TestTransfersPage(t *testing.T) {
	chain := &fakeChain{head: 1}
	chain.transfer("0xaa", "0xbb", 5)
	chain.transfer("0xbb", "0xcc", 7)
	server, _ := newTestServer(t, chain)

	resp, err := http.Get(server.URL + "/api/transfers")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Transfers page answered %d", resp.StatusCode)
	}

	var transfers []market.TransferRecord
	if err := json.NewDecoder(resp.Body).Decode(&transfers); err != nil {
		t.Fatalf("Failed to decode transfers: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("Expected 2 transfers, got %d", len(transfers))
	}
	if transfers[0].From != "0xbb" || transfers[0].Value != 7 {
		t.Errorf("Unexpected first transfer: %+v", transfers[0])
	}
}

func TestPublicBlockPages(t *testing.T) {
	server, _ := newTestServer(t, &fakeChain{head: 7})

	resp, err := http.Get(server.URL + "/api/blocks")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Blocks page answered %d", resp.StatusCode)
	}

	var blocks []*ledger.Block
	if err := json.NewDecoder(resp.Body).Decode(&blocks); err != nil {
		t.Fatalf("Failed to decode blocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Number != 7 {
		t.Errorf("Unexpected blocks: %+v", blocks)
	}

	resp2, err := http.Get(server.URL + "/api/blocks/3")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("Block page answered %d", resp2.StatusCode)
	}
}

func TestSessionRegistryCleanup(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	defer db.Close()

	sessions, err := NewSessionRegistry(db, time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	defer sessions.Close()

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	ks, err := keystore.NewSession(priv.Serialize())
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	token, err := sessions.Create(ks, "", "")
	if err != nil {
		t.Fatalf("Failed to create login session: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if _, _, err := sessions.Resolve(token); err == nil {
		t.Error("Expected expired session to fail resolution")
	}

	removed, err := sessions.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 session removed, got %d", removed)
	}
}
