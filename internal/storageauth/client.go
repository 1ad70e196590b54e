package storageauth

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client fetches measurement content from a storage service with a
// signed request.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a storage client with a bounded request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

type fetchResponse struct {
	Measurement string `json:"measurement"`
}

// Fetch posts the signed request to the locator and returns the payload
// bytes. Authentication rejections are ErrDenied; transport failures,
// timeouts and other service errors are ErrUnavailable.
func (c *Client) Fetch(ctx context.Context, locator string, req *SignedRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal storage request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, locator, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timeout", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: service answered %d", ErrDenied, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: service answered %d", ErrUnavailable, resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var fetched fetchResponse
	if err := json.Unmarshal(respBody, &fetched); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	payload, err := hex.DecodeString(fetched.Measurement)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed measurement encoding: %v", ErrUnavailable, err)
	}
	return payload, nil
}

// Get fetches ciphertext from a plain locator without authentication.
// Used for the keyed-content variant, where the payload is already
// encrypted under the per-measurement key.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: service answered %d", ErrDenied, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: service answered %d", ErrUnavailable, resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return payload, nil
}
