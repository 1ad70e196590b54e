package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/sensordatamarket/sdm-server/internal/content"
	"github.com/sensordatamarket/sdm-server/internal/ecies"
	"github.com/sensordatamarket/sdm-server/internal/keystore"
	"github.com/sensordatamarket/sdm-server/internal/ledger"
	"github.com/sensordatamarket/sdm-server/internal/market"
	"github.com/sensordatamarket/sdm-server/internal/storageauth"
)

var log = logging.Logger("api")

const sessionCookie = "sdm_session"

// ChainReader is the slice of the ledger client the public block/tx pages use.
type ChainReader interface {
	LatestBlocks(ctx context.Context, n int) ([]*ledger.Block, error)
	GetBlock(ctx context.Context, number uint64) (*ledger.Block, error)
	GetTransaction(ctx context.Context, txHash string) (*ledger.Transaction, error)
}

// Handler provides the consumer HTTP API.
type Handler struct {
	market      *market.Service
	retriever   *market.Retriever
	chain       ChainReader
	sessions    *SessionRegistry
	keystoreDir string
}

// NewHandler creates the API handler.
func NewHandler(svc *market.Service, retriever *market.Retriever, chain ChainReader, sessions *SessionRegistry, keystoreDir string) *Handler {
	return &Handler{
		market:      svc,
		retriever:   retriever,
		chain:       chain,
		sessions:    sessions,
		keystoreDir: keystoreDir,
	}
}

// RegisterRoutes registers the API routes on a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/login", h.handleLogin)
	mux.HandleFunc("/api/logout", h.handleLogout)

	mux.HandleFunc("/api/measurements", h.handleMeasurements)
	mux.HandleFunc("/api/measurements/", h.handleMeasurementByHash)
	mux.HandleFunc("/api/purchase", h.handlePurchase)
	mux.HandleFunc("/api/wallet", h.handleWallet)

	mux.HandleFunc("/api/blocks", h.handleBlocks)
	mux.HandleFunc("/api/blocks/", h.handleBlockByNumber)
	mux.HandleFunc("/api/tx/", h.handleTransaction)
	mux.HandleFunc("/api/transfers", h.handleTransfers)
}

type loginRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ks, err := keystore.Unlock(h.keystoreDir, req.Address, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := h.sessions.Create(ks, r.RemoteAddr, r.UserAgent())
	if err != nil {
		ks.Close()
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	log.Infof("Login: %s", ks.Address())
	writeJSON(w, http.StatusOK, map[string]string{"address": ks.Address()})
}

type logoutRequest struct {
	// All revokes every session of the account, not just this one.
	All bool `json:"all"`
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// An empty or absent body is a single-session logout.
	var req logoutRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if req.All {
			if _, info, rerr := h.sessions.Resolve(cookie.Value); rerr == nil {
				if err := h.sessions.RevokeAllForAddress(info.Address); err != nil {
					log.Warnf("Failed to revoke sessions for %s: %v", info.Address, err)
				}
			}
		}
		if err := h.sessions.Revoke(cookie.Value); err != nil {
			log.Warnf("Failed to revoke session: %v", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// session resolves the request's login session, writing 401 on failure.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) *keystore.Session {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return nil
	}
	ks, _, err := h.sessions.Resolve(cookie.Value)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return nil
	}
	return ks
}

func (h *Handler) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	measurements, err := h.market.Available(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if measurements == nil {
		measurements = []market.Measurement{}
	}
	writeJSON(w, http.StatusOK, measurements)
}

func (h *Handler) handleMeasurementByHash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hash := strings.TrimPrefix(r.URL.Path, "/api/measurements/")
	if hash == "" {
		http.Error(w, "measurement hash required", http.StatusBadRequest)
		return
	}

	ks := h.session(w, r)
	if ks == nil {
		return
	}

	measurement, err := h.retriever.Retrieve(r.Context(), ks, hash)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"hash":        hash,
		"measurement": hex.EncodeToString(measurement),
	})
}

type purchaseRequest struct {
	Hash string `json:"hash"`
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hash == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ks := h.session(w, r)
	if ks == nil {
		return
	}

	receipt, err := h.market.Purchase(r.Context(), ks, req.Hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) handleWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ks := h.session(w, r)
	if ks == nil {
		return
	}

	wallet, err := h.market.WalletOf(r.Context(), ks.Address())
	if err != nil {
		writeError(w, err)
		return
	}
	if wallet.Purchases == nil {
		wallet.Purchases = []market.PurchaseRecord{}
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *Handler) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := queryInt(r, "n", 10)
	if n < 1 || n > 100 {
		n = 10
	}

	blocks, err := h.chain.LatestBlocks(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (h *Handler) handleBlockByNumber(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/api/blocks/")
	number, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid block number", http.StatusBadRequest)
		return
	}

	block, err := h.chain.GetBlock(r.Context(), number)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (h *Handler) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	txHash := strings.TrimPrefix(r.URL.Path, "/api/tx/")
	if txHash == "" {
		http.Error(w, "transaction hash required", http.StatusBadRequest)
		return
	}

	tx, err := h.chain.GetTransaction(r.Context(), txHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := queryInt(r, "n", 20)
	if n < 1 || n > 100 {
		n = 20
	}

	transfers, err := h.market.RecentTransfers(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	if transfers == nil {
		transfers = []market.TransferRecord{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

// writeError maps the package error taxonomy onto HTTP status codes, so API
// clients can distinguish "you already own this" from "the ledger is down".
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, keystore.ErrAuthenticationFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, market.ErrAlreadyPurchased):
		status = http.StatusConflict
	case errors.Is(err, market.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, market.ErrNotPurchased), errors.Is(err, storageauth.ErrDenied):
		status = http.StatusForbidden
	case errors.Is(err, market.ErrUnknownMeasurement):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ledger.ErrUnavailable), errors.Is(err, storageauth.ErrUnavailable),
		errors.Is(err, content.ErrIntegrityViolation):
		status = http.StatusBadGateway
	case errors.Is(err, ecies.ErrDecryptionFailed), errors.Is(err, content.ErrDecryptionFailed):
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		log.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
