// Package ledger is the read/write client for the measurement-chain node.
// It exposes the contract event log, the view methods and signed
// transaction submission over JSON-RPC. All "current state" questions
// (price, balance, ownership) are answered here, never from caches.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("ledger")

// Config holds the node endpoint and the deployed contract addresses.
type Config struct {
	RPCURL          string
	DataContract    string
	BalanceContract string
	AccessContract  string
	// RequestTimeout bounds a single query or view call.
	RequestTimeout time.Duration
	// SubmitTimeout bounds a transaction submission including receipt
	// confirmation.
	SubmitTimeout time.Duration
	// ReceiptPollInterval is the delay between receipt polls.
	ReceiptPollInterval time.Duration
}

// Client talks JSON-RPC to one measurement-chain node.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a ledger client. Zero timeouts get conservative defaults;
// submissions are the dominant latency source and get a longer bound.
func New(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = 90 * time.Second
	}
	if cfg.ReceiptPollInterval == 0 {
		cfg.ReceiptPollInterval = 500 * time.Millisecond
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// --- JSON-RPC plumbing ---

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonRPCError   `json:"error"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) rpc(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, c.classify(err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: malformed rpc response: %v", ErrUnavailable, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%w: rpc error %d: %s", ErrUnavailable, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	return rpcResp.Result, nil
}

// classify turns transport failures into the typed ledger errors so
// callers can tell a timeout from an unreachable node.
func (c *Client) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isHTTPTimeout(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, ErrTimeout)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func isHTTPTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// --- Event queries ---

type eventQuery struct {
	Event     string            `json:"event"`
	Filter    map[string]string `json:"filter,omitempty"`
	FromBlock uint64            `json:"fromBlock"`
}

// QueryEvents returns contract events matching name and filter from the
// given block, in ledger-commit order. That order is authoritative for
// duplicate detection. A failure is ErrUnavailable, never an empty slice.
func (c *Client) QueryEvents(ctx context.Context, name string, filter map[string]string, fromBlock uint64) ([]Event, error) {
	raw, err := c.rpc(ctx, "mkt_getEvents", []interface{}{eventQuery{
		Event:     name,
		Filter:    filter,
		FromBlock: fromBlock,
	}})
	if err != nil {
		return nil, err
	}

	var events []Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("%w: malformed event list: %v", ErrUnavailable, err)
	}
	return events, nil
}

// --- View calls ---

// CallView invokes a read-only contract method. The result is raw JSON;
// typed helpers below cover the methods the protocol consumes.
func (c *Client) CallView(ctx context.Context, contract, method string, args ...string) (json.RawMessage, error) {
	return c.rpc(ctx, "mkt_call", []interface{}{Call{
		To:     contract,
		Method: method,
		Params: args,
	}})
}

// PriceOf reads the current price of a measurement. Prices are read fresh
// on every purchase attempt; the protocol honors the current price, not
// the price at listing time.
func (c *Client) PriceOf(ctx context.Context, hash string) (uint64, error) {
	raw, err := c.CallView(ctx, c.cfg.BalanceContract, "getPriceMeasurement", hash)
	if err != nil {
		return 0, err
	}
	return parseUint(raw)
}

// BalanceOf reads the current token balance of an account.
func (c *Client) BalanceOf(ctx context.Context, addr string) (uint64, error) {
	raw, err := c.CallView(ctx, c.cfg.BalanceContract, "balanceOf", addr)
	if err != nil {
		return 0, err
	}
	return parseUint(raw)
}

// ProducerOf reads the producer (IoT device) address that stored a
// measurement.
func (c *Client) ProducerOf(ctx context.Context, hash string) (string, error) {
	raw, err := c.CallView(ctx, c.cfg.DataContract, "ledger", hash)
	if err != nil {
		return "", err
	}
	var entry struct {
		Addr string `json:"addr"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", fmt.Errorf("%w: malformed ledger entry: %v", ErrUnavailable, err)
	}
	return entry.Addr, nil
}

// Symbol reads the token symbol.
func (c *Client) Symbol(ctx context.Context) (string, error) {
	raw, err := c.CallView(ctx, c.cfg.BalanceContract, "symbol")
	if err != nil {
		return "", err
	}
	var sym string
	if err := json.Unmarshal(raw, &sym); err != nil {
		return "", fmt.Errorf("%w: malformed symbol: %v", ErrUnavailable, err)
	}
	return sym, nil
}

// --- Contract addresses ---

// BalanceContract returns the token/purchase contract address.
func (c *Client) BalanceContract() string { return c.cfg.BalanceContract }

// AccessContract returns the public-key registry contract address.
func (c *Client) AccessContract() string { return c.cfg.AccessContract }

// --- Block and transaction reads ---

// BlockNumber returns the height of the last committed block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.rpc(ctx, "mkt_blockNumber", []interface{}{})
	if err != nil {
		return 0, err
	}
	return parseUint(raw)
}

// GetBlock reads one block by height.
func (c *Client) GetBlock(ctx context.Context, number uint64) (*Block, error) {
	raw, err := c.rpc(ctx, "mkt_getBlock", []interface{}{number})
	if err != nil {
		return nil, err
	}
	var block Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("%w: malformed block: %v", ErrUnavailable, err)
	}
	return &block, nil
}

// LatestBlocks returns up to n most recent blocks, newest first.
func (c *Client) LatestBlocks(ctx context.Context, n int) ([]*Block, error) {
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	blocks := make([]*Block, 0, n)
	for i := 0; i < n; i++ {
		height := head - uint64(i)
		block, err := c.GetBlock(ctx, height)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
		if height == 0 {
			break
		}
	}
	return blocks, nil
}

// GetTransaction reads one committed transaction. The Input field carries
// the payload attached by the sender.
func (c *Client) GetTransaction(ctx context.Context, txHash string) (*Transaction, error) {
	raw, err := c.rpc(ctx, "mkt_getTransaction", []interface{}{txHash})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, fmt.Errorf("%w: transaction not found: %s", ErrUnavailable, txHash)
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("%w: malformed transaction: %v", ErrUnavailable, err)
	}
	return &tx, nil
}

// --- Transaction submission ---

// txEnvelope is the canonical signed form submitted to the node. Field
// order is fixed; the digest is SHA-256 over the JSON encoding of the
// unsigned envelope.
type txEnvelope struct {
	To       string   `json:"to"`
	Method   string   `json:"method"`
	Params   []string `json:"params"`
	From     string   `json:"from"`
	Nonce    string   `json:"nonce"`
	IssuedAt int64    `json:"issuedAt"`
}

type signedTx struct {
	txEnvelope
	Signature string `json:"signature"`
}

// Submit signs a contract call with the session key and submits it,
// blocking until the node confirms a receipt or the submit deadline
// expires. The ledger itself serializes conflicting submissions; this
// client never retries, because a blind resubmit risks a double debit.
func (c *Client) Submit(ctx context.Context, call Call, signer Signer) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	env := txEnvelope{
		To:       call.To,
		Method:   call.Method,
		Params:   call.Params,
		From:     signer.Address(),
		Nonce:    uuid.New().String(),
		IssuedAt: time.Now().UnixMilli(),
	}

	unsigned, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal tx envelope: %w", err)
	}
	digest := sha256.Sum256(unsigned)

	sig, err := signer.SignDigest(digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	signed, err := json.Marshal(signedTx{txEnvelope: env, Signature: hex.EncodeToString(sig)})
	if err != nil {
		return nil, fmt.Errorf("marshal signed tx: %w", err)
	}

	raw, err := c.rpc(ctx, "mkt_sendRawTransaction", []interface{}{hex.EncodeToString(signed)})
	if err != nil {
		return nil, err
	}
	var txHash string
	if err := json.Unmarshal(raw, &txHash); err != nil || txHash == "" {
		return nil, fmt.Errorf("%w: malformed submit response", ErrUnavailable)
	}

	log.Debugf("submitted %s.%s from %s: tx %s", call.To, call.Method, signer.Address(), txHash)
	return c.waitReceipt(ctx, txHash)
}

// waitReceipt polls for the transaction receipt until the context
// deadline. Success is defined as receipt confirmation with a true
// status; the ledger owns atomicity of the debit and ownership record.
func (c *Client) waitReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	ticker := time.NewTicker(c.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		raw, err := c.rpc(ctx, "mkt_getTransactionReceipt", []interface{}{txHash})
		if err != nil {
			return nil, err
		}
		if string(raw) != "null" {
			var receipt Receipt
			if err := json.Unmarshal(raw, &receipt); err != nil {
				return nil, fmt.Errorf("%w: malformed receipt: %v", ErrUnavailable, err)
			}
			if !receipt.Status {
				return nil, fmt.Errorf("%w: tx %s", ErrTxRejected, txHash)
			}
			return &receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w: waiting for receipt of %s", ErrUnavailable, ErrTimeout, txHash)
		case <-ticker.C:
		}
	}
}

// parseUint accepts a JSON number or a decimal/hex string result.
func parseUint(raw json.RawMessage) (uint64, error) {
	var asNum uint64
	if err := json.Unmarshal(raw, &asNum); err == nil {
		return asNum, nil
	}
	var asStr string
	if err := json.Unmarshal(raw, &asStr); err != nil {
		return 0, fmt.Errorf("%w: malformed numeric result: %s", ErrUnavailable, string(raw))
	}
	asStr = strings.TrimSpace(asStr)
	if strings.HasPrefix(asStr, "0x") || strings.HasPrefix(asStr, "0X") {
		val, err := strconv.ParseUint(asStr[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: malformed hex result: %s", ErrUnavailable, asStr)
		}
		return val, nil
	}
	val, err := strconv.ParseUint(asStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed numeric result: %s", ErrUnavailable, asStr)
	}
	return val, nil
}
