package signing

import (
	"encoding/hex"
	"fmt"

	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/types"
)

// Handler answers signing requests from coordinators with a local Signer.
type Handler struct {
	signer *Signer // signer holds the local shares and nonces
}

// NewHandler creates a Handler for signer.
func NewHandler(signer *Signer) *Handler {
	return &Handler{signer: signer}
}

// HandleRequest processes one Message frame received over a secure channel
// from remote and returns the reply frame. A request the signer declines
// is answered with a Refusal rather than an error.
func (h *Handler) HandleRequest(remote []byte, data []byte) ([]byte, error) {
	kind, body, err := DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("decode message:\n%w", err)
	}

	switch kind {
	case types.MessageKindCommitRequest:
		return h.handleCommit(remote, body)
	case types.MessageKindSignRequest:
		return h.handleSign(remote, body)
	case types.MessageKindCancelRequest:
		return h.handleCancel(body)
	default:
		return nil, fmt.Errorf("%w: unexpected kind %s", ErrMalformed, kind)
	}
}

// handleCommit answers round one.
func (h *Handler) handleCommit(remote, body []byte) ([]byte, error) {
	req, err := DecodeCommitRequest(body)
	if err != nil {
		return nil, err
	}

	commit, err := h.signer.Commit(req)
	if err != nil {
		return h.refuse(remote, req.SessionID, err), nil
	}

	return EncodeMessage(types.MessageKindNonceCommit, EncodeCommitment(req.SessionID, commit)), nil
}

// handleSign answers round two.
func (h *Handler) handleSign(remote, body []byte) ([]byte, error) {
	req, err := DecodeSignRequest(body)
	if err != nil {
		return nil, err
	}

	partial, err := h.signer.Sign(req)
	if err != nil {
		return h.refuse(remote, req.SessionID, err), nil
	}

	return EncodeMessage(types.MessageKindPartialSig, EncodePartialSig(partial)), nil
}

// handleCancel discards a session's nonces.
func (h *Handler) handleCancel(body []byte) ([]byte, error) {
	id, err := DecodeCancel(body)
	if err != nil {
		return nil, err
	}

	h.signer.Cancel(id)

	return EncodeMessage(types.MessageKindAck, nil), nil
}

// refuse logs and encodes a Refusal.
func (h *Handler) refuse(remote []byte, id SessionID, err error) []byte {
	logger.Warn("signing request refused",
		"session", id.Short(),
		"coordinator", hex.EncodeToString(remote),
		"error", err,
	)

	r := &Refusal{SessionID: id, Trustee: h.signer.ID(), Reason: err.Error()}

	return EncodeMessage(types.MessageKindRefusal, EncodeRefusal(r))
}

// Reply is a decoded signer reply. Exactly one of Commitment, Partial and
// Refusal is set.
type Reply struct {
	SessionID  SessionID   // SessionID is the session replied to
	Commitment *Commitment // Commitment answers round one
	Partial    *PartialSig // Partial answers round two
	Refusal    *Refusal    // Refusal declines either round
}

// DecodeReply parses a signer's reply for a session of suite.
func DecodeReply(suite Suite, data []byte) (*Reply, error) {
	kind, body, err := DecodeMessage(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case types.MessageKindNonceCommit:
		id, c, err := DecodeCommitment(suite, body)
		if err != nil {
			return nil, err
		}
		return &Reply{SessionID: id, Commitment: c}, nil
	case types.MessageKindPartialSig:
		p, err := DecodePartialSig(suite, body)
		if err != nil {
			return nil, err
		}
		return &Reply{SessionID: p.SessionID, Partial: p}, nil
	case types.MessageKindRefusal:
		r, err := DecodeRefusal(body)
		if err != nil {
			return nil, err
		}
		return &Reply{SessionID: r.SessionID, Refusal: r}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected reply %s", ErrMalformed, kind)
	}
}
