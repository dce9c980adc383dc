package signing

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"TrusteeBridge/internal/types"
)

// ErrMalformed is returned for messages that cannot be decoded.
var ErrMalformed = errors.New("malformed signing message")

// EncodeMessage wraps a body in a Message frame.
func EncodeMessage(kind types.MessageKind, body []byte) []byte {
	b := flatbuffers.NewBuilder(len(body) + 32)

	bodyOff := b.CreateByteVector(body)

	types.MessageStart(b)
	types.MessageAddKind(b, kind)
	types.MessageAddBody(b, bodyOff)
	b.Finish(types.MessageEnd(b))

	return b.FinishedBytes()
}

// DecodeMessage unwraps a Message frame.
func DecodeMessage(data []byte) (kind types.MessageKind, body []byte, err error) {
	defer recoverMalformed(&err)

	if len(data) < flatbuffers.SizeUOffsetT {
		return 0, nil, fmt.Errorf("%w: short frame", ErrMalformed)
	}

	m := types.GetRootAsMessage(data, 0)

	return m.Kind(), bytes.Clone(m.BodyBytes()), nil
}

// recoverMalformed turns a flatbuffers bounds panic into ErrMalformed.
func recoverMalformed(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", ErrMalformed, r)
	}
}

// EncodeCommitRequest serializes a round-one request.
func EncodeCommitRequest(req *CommitRequest) []byte {
	b := flatbuffers.NewBuilder(128 + len(req.Message) + len(req.Payload))

	payloadOff := b.CreateByteVector(req.Payload)
	msgOff := b.CreateByteVector(req.Message)
	sidOff := b.CreateByteVector(req.SessionID[:])

	var deadline uint64
	if !req.Deadline.IsZero() {
		deadline = uint64(req.Deadline.UnixMilli())
	}

	types.CommitRequestStart(b)
	types.CommitRequestAddSessionId(b, sidOff)
	types.CommitRequestAddMessage(b, msgOff)
	types.CommitRequestAddSuite(b, byte(req.Suite))
	types.CommitRequestAddEpoch(b, req.Epoch)
	types.CommitRequestAddPayload(b, payloadOff)
	types.CommitRequestAddDeadline(b, deadline)
	b.Finish(types.CommitRequestEnd(b))

	return b.FinishedBytes()
}

// DecodeCommitRequest parses a round-one request.
func DecodeCommitRequest(data []byte) (req *CommitRequest, err error) {
	defer recoverMalformed(&err)

	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: short frame", ErrMalformed)
	}

	fb := types.GetRootAsCommitRequest(data, 0)

	id, err := ParseSessionID(fb.SessionIdBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	req = &CommitRequest{
		SessionID: id,
		Message:   bytes.Clone(fb.MessageBytes()),
		Suite:     SuiteID(fb.Suite()),
		Epoch:     fb.Epoch(),
		Payload:   bytes.Clone(fb.PayloadBytes()),
	}

	if ms := fb.Deadline(); ms != 0 {
		req.Deadline = time.UnixMilli(int64(ms))
	}

	return req, nil
}

// buildCommitment writes a NonceCommit table and returns its offset.
func buildCommitment(b *flatbuffers.Builder, id SessionID, c *Commitment) flatbuffers.UOffsetT {
	bindOff := b.CreateByteVector(mustMarshal(c.Binding))
	hideOff := b.CreateByteVector(mustMarshal(c.Hiding))
	trusteeOff := b.CreateByteVector(c.Trustee)
	sidOff := b.CreateByteVector(id[:])

	types.NonceCommitStart(b)
	types.NonceCommitAddSessionId(b, sidOff)
	types.NonceCommitAddTrustee(b, trusteeOff)
	types.NonceCommitAddHiding(b, hideOff)
	types.NonceCommitAddBinding(b, bindOff)
	types.NonceCommitAddIndex(b, c.Index)

	return types.NonceCommitEnd(b)
}

// readCommitment converts a NonceCommit table.
func readCommitment(suite Suite, fb *types.NonceCommit) (SessionID, *Commitment, error) {
	id, err := ParseSessionID(fb.SessionIdBytes())
	if err != nil {
		return id, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	hiding, err := DecodePoint(suite, fb.HidingBytes())
	if err != nil {
		return id, nil, fmt.Errorf("%w: hiding nonce: %v", ErrMalformed, err)
	}

	binding, err := DecodePoint(suite, fb.BindingBytes())
	if err != nil {
		return id, nil, fmt.Errorf("%w: binding nonce: %v", ErrMalformed, err)
	}

	return id, &Commitment{
		Trustee: bytes.Clone(fb.TrusteeBytes()),
		Index:   fb.Index(),
		Hiding:  hiding,
		Binding: binding,
	}, nil
}

// EncodeCommitment serializes a round-one reply.
func EncodeCommitment(id SessionID, c *Commitment) []byte {
	b := flatbuffers.NewBuilder(160)
	b.Finish(buildCommitment(b, id, c))

	return b.FinishedBytes()
}

// DecodeCommitment parses a round-one reply for a session of suite.
func DecodeCommitment(suite Suite, data []byte) (id SessionID, c *Commitment, err error) {
	defer recoverMalformed(&err)

	if len(data) < flatbuffers.SizeUOffsetT {
		return id, nil, fmt.Errorf("%w: short frame", ErrMalformed)
	}

	return readCommitment(suite, types.GetRootAsNonceCommit(data, 0))
}

// EncodeSignRequest serializes a round-two request.
func EncodeSignRequest(req *SignRequest) []byte {
	b := flatbuffers.NewBuilder(256 + 160*len(req.Commitments))

	offs := make([]flatbuffers.UOffsetT, len(req.Commitments))
	for i := range req.Commitments {
		offs[i] = buildCommitment(b, req.SessionID, &req.Commitments[i])
	}

	types.SignRequestStartCommitmentsVector(b, len(offs))
	for i := len(offs) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offs[i])
	}
	commitsOff := b.EndVector(len(offs))

	msgOff := b.CreateByteVector(req.Message)
	sidOff := b.CreateByteVector(req.SessionID[:])

	types.SignRequestStart(b)
	types.SignRequestAddSessionId(b, sidOff)
	types.SignRequestAddMessage(b, msgOff)
	types.SignRequestAddSuite(b, byte(req.Suite))
	types.SignRequestAddEpoch(b, req.Epoch)
	types.SignRequestAddCommitments(b, commitsOff)
	b.Finish(types.SignRequestEnd(b))

	return b.FinishedBytes()
}

// DecodeSignRequest parses a round-two request. Every embedded commitment
// must belong to the same session.
func DecodeSignRequest(data []byte) (req *SignRequest, err error) {
	defer recoverMalformed(&err)

	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: short frame", ErrMalformed)
	}

	fb := types.GetRootAsSignRequest(data, 0)

	id, err := ParseSessionID(fb.SessionIdBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	suite, err := Lookup(SuiteID(fb.Suite()))
	if err != nil {
		return nil, err
	}

	req = &SignRequest{
		SessionID:   id,
		Message:     bytes.Clone(fb.MessageBytes()),
		Suite:       suite.ID(),
		Epoch:       fb.Epoch(),
		Commitments: make([]Commitment, 0, fb.CommitmentsLength()),
	}

	var nc types.NonceCommit
	for i := 0; i < fb.CommitmentsLength(); i++ {
		if !fb.Commitments(&nc, i) {
			return nil, fmt.Errorf("%w: commitment %d", ErrMalformed, i)
		}

		cid, c, err := readCommitment(suite, &nc)
		if err != nil {
			return nil, err
		}

		if cid != id {
			return nil, fmt.Errorf("%w: commitment %d for another session", ErrMalformed, i)
		}

		req.Commitments = append(req.Commitments, *c)
	}

	return req, nil
}

// EncodePartialSig serializes a round-two reply.
func EncodePartialSig(p *PartialSig) []byte {
	b := flatbuffers.NewBuilder(128)

	shareOff := b.CreateByteVector(mustMarshal(p.Share))
	trusteeOff := b.CreateByteVector(p.Trustee)
	sidOff := b.CreateByteVector(p.SessionID[:])

	types.PartialSigStart(b)
	types.PartialSigAddSessionId(b, sidOff)
	types.PartialSigAddTrustee(b, trusteeOff)
	types.PartialSigAddShare(b, shareOff)
	types.PartialSigAddIndex(b, p.Index)
	b.Finish(types.PartialSigEnd(b))

	return b.FinishedBytes()
}

// DecodePartialSig parses a round-two reply for a session of suite.
func DecodePartialSig(suite Suite, data []byte) (p *PartialSig, err error) {
	defer recoverMalformed(&err)

	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: short frame", ErrMalformed)
	}

	fb := types.GetRootAsPartialSig(data, 0)

	id, err := ParseSessionID(fb.SessionIdBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	share, err := DecodeScalar(suite, fb.ShareBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &PartialSig{
		SessionID: id,
		Trustee:   bytes.Clone(fb.TrusteeBytes()),
		Index:     fb.Index(),
		Share:     share,
	}, nil
}

// EncodeRefusal serializes a decline.
func EncodeRefusal(r *Refusal) []byte {
	b := flatbuffers.NewBuilder(128 + len(r.Reason))

	reasonOff := b.CreateString(r.Reason)
	trusteeOff := b.CreateByteVector(r.Trustee)
	sidOff := b.CreateByteVector(r.SessionID[:])

	types.RefusalStart(b)
	types.RefusalAddSessionId(b, sidOff)
	types.RefusalAddTrustee(b, trusteeOff)
	types.RefusalAddReason(b, reasonOff)
	b.Finish(types.RefusalEnd(b))

	return b.FinishedBytes()
}

// DecodeRefusal parses a decline.
func DecodeRefusal(data []byte) (r *Refusal, err error) {
	defer recoverMalformed(&err)

	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: short frame", ErrMalformed)
	}

	fb := types.GetRootAsRefusal(data, 0)

	id, err := ParseSessionID(fb.SessionIdBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &Refusal{
		SessionID: id,
		Trustee:   bytes.Clone(fb.TrusteeBytes()),
		Reason:    string(fb.Reason()),
	}, nil
}

// EncodeCancel serializes a cancellation.
func EncodeCancel(id SessionID) []byte {
	b := flatbuffers.NewBuilder(64)

	sidOff := b.CreateByteVector(id[:])

	types.CancelRequestStart(b)
	types.CancelRequestAddSessionId(b, sidOff)
	b.Finish(types.CancelRequestEnd(b))

	return b.FinishedBytes()
}

// DecodeCancel parses a cancellation.
func DecodeCancel(data []byte) (id SessionID, err error) {
	defer recoverMalformed(&err)

	if len(data) < flatbuffers.SizeUOffsetT {
		return id, fmt.Errorf("%w: short frame", ErrMalformed)
	}

	fb := types.GetRootAsCancelRequest(data, 0)

	return ParseSessionID(fb.SessionIdBytes())
}
