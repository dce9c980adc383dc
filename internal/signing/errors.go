package signing

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrNonceReuse is returned when a nonce point was already seen.
	ErrNonceReuse = errors.New("nonce reuse")

	// ErrInvalidPartial is returned when a partial signature fails
	// verification against the signer's public share.
	ErrInvalidPartial = errors.New("invalid partial signature")

	// ErrDuplicateCommitment is returned for a second commitment from the
	// same signer in one session.
	ErrDuplicateCommitment = errors.New("duplicate commitment")

	// ErrUnexpectedSigner is returned for a message from a trustee that is
	// not part of the session.
	ErrUnexpectedSigner = errors.New("signer is not a participant")

	// ErrInsufficientQuorum is returned when fewer than t valid
	// contributions arrived.
	ErrInsufficientQuorum = errors.New("insufficient quorum")

	// ErrDeadline is returned when a session expires.
	ErrDeadline = errors.New("session deadline exceeded")

	// ErrCancelled is returned for a cancelled session.
	ErrCancelled = errors.New("session cancelled")

	// ErrRefused is returned when a signer declines a request.
	ErrRefused = errors.New("request refused")

	// ErrSessionUsed is returned when a signer is asked to commit twice to
	// a session, or to a session it already finished or cancelled.
	ErrSessionUsed = errors.New("session already used")

	// ErrNoNonce is returned when round two arrives without a round-one
	// commitment from this signer.
	ErrNoNonce = errors.New("no nonce for session")

	// ErrWrongRound is returned for a message that does not fit the
	// session's current round.
	ErrWrongRound = errors.New("wrong round")

	// ErrUnknownShare is returned when the signer has no key share for the
	// requested suite and epoch.
	ErrUnknownShare = errors.New("no key share for suite and epoch")
)

// ProtocolError attributes a protocol violation to one trustee.
type ProtocolError struct {
	Trustee []byte // Trustee is the culprit identity
	Err     error  // Err is the violation
}

// Error returns the violation and the culprit.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("trustee %s: %v", hex.EncodeToString(e.Trustee), e.Err)
}

// Unwrap returns the violation.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// blame wraps err as a protocol error of trustee.
func blame(trustee []byte, err error) error {
	return &ProtocolError{Trustee: trustee, Err: err}
}

// Culprit returns the trustee a protocol error names.
func Culprit(err error) ([]byte, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Trustee, true
	}

	return nil, false
}
