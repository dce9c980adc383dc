package api

import (
	"time"

	"TrusteeBridge/internal/bridge"
)

// Output is one payment of a withdrawal.
type Output struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// WithdrawalRequest is the body of POST /withdrawals.
type WithdrawalRequest struct {
	Outputs []Output `json:"outputs"`
	Fee     int64    `json:"fee"`
}

// WithdrawalAccepted is the reply to POST /withdrawals.
type WithdrawalAccepted struct {
	ID string `json:"id"`
}

// Withdrawal is the state of a withdrawal request.
type Withdrawal struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Outputs   []Output  `json:"outputs"`
	Fee       int64     `json:"fee"`
	Attempts  int       `json:"attempts"`
	TxID      string    `json:"txid,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Epoch     uint64    `json:"epoch,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// HeadersRequest is the body of POST /headers: hex-encoded 80-byte headers
// in chain order.
type HeadersRequest struct {
	Headers []string `json:"headers"`
}

// HeaderRejection explains why one submitted header was refused.
type HeaderRejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// HeadersResult is the reply to POST /headers.
type HeadersResult struct {
	Accepted int               `json:"accepted"`
	Buffered int               `json:"buffered"` // Buffered headers wait for their parent
	Rejected []HeaderRejection `json:"rejected,omitempty"`
	Tip      uint64            `json:"tip"`
}

// PrevOut is a spent output the prover vouches for.
type PrevOut struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Amount int64  `json:"amount"`
	Script string `json:"script"`
}

// DepositRequest is the body of POST /deposits: a transaction with its
// merkle branch in a known block.
type DepositRequest struct {
	Tx        string    `json:"tx"`
	BlockHash string    `json:"blockHash"`
	Index     uint32    `json:"index"`
	Branch    []string  `json:"branch"`
	PrevOuts  []PrevOut `json:"prevOuts,omitempty"`
}

// DepositResult is the reply to POST /deposits.
type DepositResult struct {
	TxID      string `json:"txid"`
	Type      string `json:"type"`
	Amount    int64  `json:"amount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Referral  string `json:"referral,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// BindingRequest is the body of POST /bindings.
type BindingRequest struct {
	Address string `json:"address"`
	Account string `json:"account"`
}

// BindingResult is the reply to POST /bindings.
type BindingResult struct {
	Credited int `json:"credited"`
}

// AckRequest is the body of POST /trustees/ack.
type AckRequest struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
}

// RotationAccepted is the reply to POST /trustees.
type RotationAccepted struct {
	Epoch uint64 `json:"epoch"`
	Stage string `json:"stage"`
}

// Events is the reply to GET /events.
type Events struct {
	Events []bridge.Event `json:"events"`
	Last   uint64         `json:"last"`
}

// ErrorBody is the body of every error reply.
type ErrorBody struct {
	Error string `json:"error"`
}
