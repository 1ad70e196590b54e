package market

// Measurement is a sensor data item announced on the ledger by a producer.
// Price is whatever the ledger reported most recently; purchase flows always
// re-read it from the contract view.
type Measurement struct {
	Hash        string `json:"hash"`
	Description string `json:"description"`
	Price       uint64 `json:"price"`
	StoredTx    string `json:"storedTx,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// PurchaseRecord is a completed purchase of a measurement by a buyer.
type PurchaseRecord struct {
	Buyer       string `json:"buyer"`
	Hash        string `json:"hash"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Description string `json:"description,omitempty"`
}

// TransferRecord is a token transfer observed on the ledger.
type TransferRecord struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       uint64 `json:"value"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Wallet is the account view: balance, token symbol and purchase history.
type Wallet struct {
	Address   string           `json:"address"`
	Balance   uint64           `json:"balance"`
	Symbol    string           `json:"symbol"`
	Purchases []PurchaseRecord `json:"purchases"`
}
