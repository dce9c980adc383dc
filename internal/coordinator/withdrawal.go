package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"TrusteeBridge/internal/btc"
)

var (
	// ErrInvalidRequest is returned for a withdrawal that cannot be built.
	ErrInvalidRequest = errors.New("invalid withdrawal request")

	// ErrUnknownRequest is returned for an unknown request id.
	ErrUnknownRequest = errors.New("unknown withdrawal request")

	// ErrNotCancellable is returned when a request already left signing.
	ErrNotCancellable = errors.New("withdrawal can no longer be cancelled")

	// ErrCancelled is the failure reason of a cancelled request.
	ErrCancelled = errors.New("withdrawal cancelled")
)

// maxOutputs bounds the payments of one request.
const maxOutputs = 64

// Status is the lifecycle state of a withdrawal.
type Status int

const (
	// StatusPending waits for reserve funds and an idle trustee set.
	StatusPending Status = iota

	// StatusSigning has a transaction being signed.
	StatusSigning

	// StatusBroadcast was handed to the broadcaster.
	StatusBroadcast

	// StatusConfirmed is D deep on the Bitcoin main chain.
	StatusConfirmed

	// StatusFailed is terminal; Reason holds why.
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSigning:
		return "signing"
	case StatusBroadcast:
		return "broadcast"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	for st := StatusPending; st <= StatusFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}

	return 0, fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Withdrawal is a request to pay out of the reserve.
type Withdrawal struct {
	ID        uuid.UUID      // ID is the request id
	Outputs   []btc.Output   // Outputs are the payments
	Fee       int64          // Fee is the miner fee in satoshis
	Status    Status         // Status is the lifecycle state
	Attempts  int            // Attempts counts signing sessions started
	TxID      chainhash.Hash // TxID is set once broadcast
	Reason    string         // Reason explains a failure
	CreatedAt time.Time      // CreatedAt is when the request arrived
	Epoch     uint64         // Epoch is the set that signed
	Inputs    []btc.UTXO     // Inputs are the reserve outputs spent
	Change    *btc.UTXO      // Change returns to the reserve on confirmation
}

// Total returns the sum of the payments.
func (w *Withdrawal) Total() int64 {
	var total int64
	for _, o := range w.Outputs {
		total += o.Amount
	}

	return total
}

// clone returns a copy safe to hand out.
func (w *Withdrawal) clone() *Withdrawal {
	c := *w
	c.Outputs = append([]btc.Output(nil), w.Outputs...)
	c.Inputs = append([]btc.UTXO(nil), w.Inputs...)
	if w.Change != nil {
		change := *w.Change
		c.Change = &change
	}

	return &c
}

// validateRequest checks outputs and fee against the network rules.
func validateRequest(outputs []btc.Output, fee int64, params *chaincfg.Params) error {
	if len(outputs) == 0 {
		return fmt.Errorf("%w: no outputs", ErrInvalidRequest)
	}

	if len(outputs) > maxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrInvalidRequest, len(outputs), maxOutputs)
	}

	if fee <= 0 {
		return fmt.Errorf("%w: fee %d", ErrInvalidRequest, fee)
	}

	var total int64
	for i, o := range outputs {
		if o.Amount < btc.DustLimit {
			return fmt.Errorf("%w: output %d amount %d below dust", ErrInvalidRequest, i, o.Amount)
		}

		if _, err := btc.AddressScript(o.Address, params); err != nil {
			return fmt.Errorf("%w: output %d: %v", ErrInvalidRequest, i, err)
		}

		total += o.Amount
		if total < 0 {
			return fmt.Errorf("%w: amount overflow", ErrInvalidRequest)
		}
	}

	return nil
}
