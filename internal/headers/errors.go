package headers

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Reason is why a header was rejected.
type Reason int

const (
	// UnknownParent means the previous header is not known.
	UnknownParent Reason = iota + 1

	// InsufficientWork means the hash does not meet the claimed target or
	// the target exceeds the network limit.
	InsufficientWork

	// TimestampTooOld means the timestamp is below the median of the
	// previous headers.
	TimestampTooOld

	// Duplicate means the header is already stored.
	Duplicate

	// BadDifficultyBits means the bits differ from the retarget rule.
	BadDifficultyBits

	// TimestampTooNew means the timestamp is too far in the future.
	TimestampTooNew

	// Malformed means the header could not be decoded.
	Malformed
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case UnknownParent:
		return "UnknownParent"
	case InsufficientWork:
		return "InsufficientWork"
	case TimestampTooOld:
		return "TimestampTooOld"
	case Duplicate:
		return "Duplicate"
	case BadDifficultyBits:
		return "BadDifficultyBits"
	case TimestampTooNew:
		return "TimestampTooNew"
	case Malformed:
		return "Malformed"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// RejectError is returned when a header is rejected. The chain is unchanged.
type RejectError struct {
	Reason Reason         // Reason classifies the rejection
	Hash   chainhash.Hash // Hash is the rejected header's hash, if decoded
	Err    error          // Err carries details, may be nil
}

// Error implements error.
func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("header %s rejected (%s): %v", e.Hash, e.Reason, e.Err)
	}

	return fmt.Sprintf("header %s rejected (%s)", e.Hash, e.Reason)
}

// Unwrap returns the detail error.
func (e *RejectError) Unwrap() error {
	return e.Err
}

// reject builds a RejectError.
func reject(reason Reason, hash chainhash.Hash, err error) *RejectError {
	return &RejectError{Reason: reason, Hash: hash, Err: err}
}

// RejectReason extracts the rejection reason from err, or 0.
func RejectReason(err error) Reason {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}

	return 0
}

var (
	// ErrUnknownBlock is returned for proofs against an unknown header.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrNotDeposit is returned when a proven transaction is not a deposit
	// and not watched.
	ErrNotDeposit = errors.New("transaction is not a deposit")

	// ErrDuplicateDeposit is returned when a deposit is already tracked.
	ErrDuplicateDeposit = errors.New("deposit already tracked")

	// ErrFaulted is returned once a consistency fault halted the verifier.
	ErrFaulted = errors.New("verifier halted by consistency fault")
)

// Fault describes a reorg that removed an already confirmed transaction.
type Fault struct {
	TxID      chainhash.Hash // TxID is the reverted transaction
	BlockHash chainhash.Hash // BlockHash is the header that left the main chain
	Height    uint64         // Height is the reverted header's height
	ForkPoint uint64         // ForkPoint is the height of the common ancestor
	NewTip    chainhash.Hash // NewTip is the tip that caused the reorg
}

// Error implements error so a fault can be returned and wrapped.
func (f *Fault) Error() string {
	return fmt.Sprintf("consistency fault: confirmed tx %s at height %d reverted by fork at %d (new tip %s)",
		f.TxID, f.Height, f.ForkPoint, f.NewTip)
}
