package ledger

// Event names emitted by the market contracts. The field names inside
// ReturnValues are the external contract surface and must not be renamed.
const (
	EventStoreInfo        = "StoreInfo"
	EventRequestPurchase  = "RequestPurchase"
	EventCompletePurchase = "CompletePurchase"
	EventTransfer         = "Transfer"
)

// Return-value keys used by the contract events.
const (
	FieldFrom        = "_from"
	FieldTo          = "_to"
	FieldHash        = "_hash"
	FieldTxHash      = "_txHash"
	FieldValue       = "_value"
	FieldDescription = "_description"
)

// Event is one contract event in ledger-commit order.
type Event struct {
	Name         string            `json:"event"`
	BlockNumber  uint64            `json:"blockNumber"`
	TxHash       string            `json:"transactionHash"`
	ReturnValues map[string]string `json:"returnValues"`
}

// Value returns a named return value, empty if absent.
func (e *Event) Value(key string) string {
	if e.ReturnValues == nil {
		return ""
	}
	return e.ReturnValues[key]
}

// Call describes a contract method invocation to be submitted as a
// transaction. Params are already encoded as strings the node understands
// (hex addresses and hashes without 0x, decimal amounts).
type Call struct {
	To     string   `json:"to"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Receipt is the confirmation of a submitted transaction.
type Receipt struct {
	TxHash      string `json:"transactionHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Status      bool   `json:"status"`
}

// Transaction is a committed transaction as read back from the node.
// Input carries the opaque payload attached by the sender; for purchase
// payments this is the wrapped key material addressed to the buyer.
type Transaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Input       string `json:"input"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Block is a committed block header plus its transaction hashes.
type Block struct {
	Number       uint64   `json:"number"`
	Hash         string   `json:"hash"`
	ParentHash   string   `json:"parentHash"`
	Timestamp    int64    `json:"timestamp"`
	Transactions []string `json:"transactions"`
}

// Signer produces transaction signatures without exposing key material.
// The session context owned by the consumer implements it.
type Signer interface {
	// Address returns the hex account address without 0x prefix.
	Address() string
	// SignDigest signs a 32-byte digest and returns a 65-byte compact
	// recoverable signature.
	SignDigest(digest []byte) ([]byte, error)
}
