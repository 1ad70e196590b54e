// Package market implements the purchase and retrieval protocol for sensor
// measurements recorded on the measurement chain.
//
// The purchase flow is one signed ledger write guarded by reads:
//
//   - Duplicate check: any RequestPurchase or CompletePurchase event for the
//     (buyer, hash) pair aborts with ErrAlreadyPurchased before a debit is
//     ever submitted.
//   - Fresh price: the contract's price view is read on every attempt, never
//     from the local cache.
//   - Balance check: a balance below the price aborts with
//     ErrInsufficientFunds, with no ledger mutation.
//   - Debit: purchaseMeasurement(hash), signed by the buyer's session key,
//     confirmed by receipt. The ledger's commit order is the only
//     serialization point.
//
// Retrieval reads the delivery transaction referenced by the buyer's
// CompletePurchase event, unwraps the ECIES secret addressed to the buyer,
// and follows the delivery variant it encodes: an authenticated fetch from
// the storage service, or a gateway fetch plus symmetric decryption and
// producer signature verification.
//
// A SQLite projection mirrors ledger events for fast listing and wallet
// queries. It is advisory: every ownership decision also consults the ledger
// from the projection's watermark forward.
package market
