package storageauth

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"os"
)

// ContentSource resolves a measurement hash to the stored payload bytes.
// Return os.ErrNotExist for unknown hashes.
type ContentSource func(ctx context.Context, hash string) ([]byte, error)

// Handler is the storage service's HTTP surface: one POST endpoint that
// authenticates the signed request and returns the measurement payload.
type Handler struct {
	auth   *Authenticator
	source ContentSource
}

// NewHandler builds the storage service handler.
func NewHandler(auth *Authenticator, source ContentSource) *Handler {
	return &Handler{auth: auth, source: source}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SignedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.auth.Verify(r.Context(), &req); err != nil {
		if errors.Is(err, ErrDenied) {
			log.Infof("denied storage fetch of %s by %s: %v", req.Hash, req.ClientAddr, err)
			http.Error(w, "denied", http.StatusForbidden)
			return
		}
		log.Errorf("storage fetch verification failed: %v", err)
		http.Error(w, "verification unavailable", http.StatusBadGateway)
		return
	}

	payload, err := h.source(r.Context(), req.Hash)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "unknown measurement", http.StatusNotFound)
			return
		}
		log.Errorf("content lookup failed for %s: %v", req.Hash, err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fetchResponse{Measurement: hex.EncodeToString(payload)})
}
