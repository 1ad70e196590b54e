package ledger

import "errors"

// Errors
var (
	// ErrUnavailable covers unreachable nodes, malformed filters and any
	// other query or submit failure. Callers must never treat it as
	// "no events found".
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrTimeout is a bounded-deadline expiry on a query or a submit.
	// It wraps ErrUnavailable so errors.Is(err, ErrUnavailable) holds.
	ErrTimeout = errors.New("ledger timeout")

	// ErrTxRejected is a transaction that was committed with a failure
	// status or rejected outright by the node.
	ErrTxRejected = errors.New("transaction rejected")
)
