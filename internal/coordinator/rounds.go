package coordinator

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"go.dedis.ch/kyber/v3"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/signing"
	"TrusteeBridge/internal/trustee"
	"TrusteeBridge/internal/types"
)

// ErrBadAttestation is returned for an attestation that is not a digest.
var ErrBadAttestation = errors.New("attestation must be a 32-byte digest")

// reply is one trustee's answer to a request frame.
type reply struct {
	from []byte
	data []byte
	err  error
}

// outcome is a finished session and the trustees that stayed silent.
type outcome struct {
	session *signing.Session
	silent  [][]byte
}

// SignAttestation signs a 32-byte digest with the current set's ed25519
// chain key.
func (c *Coordinator) SignAttestation(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, ErrBadAttestation
	}

	set := c.trustees.Current()
	if set == nil {
		return nil, trustee.ErrNoActiveSet
	}

	sig, _, err := c.sign(ctx, set, signing.Ed25519, digest, nil)
	if err != nil {
		return nil, fmt.Errorf("sign attestation:\n%w", err)
	}

	return sig, nil
}

// signSpend signs every input of tx concurrently with the hot key of
// set. It returns the most sessions any input needed.
func (c *Coordinator) signSpend(ctx context.Context, set *trustee.Set, label string, tx *wire.MsgTx, inputs []btc.UTXO) (int, error) {
	hashes, err := btc.SigHashes(tx, inputs)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make([][]byte, len(inputs))
	attempts := make([]int, len(inputs))
	errs := make([]error, len(inputs))

	var wg sync.WaitGroup
	for i := range inputs {
		payload, err := encodeSpendPayload(tx, inputs, i)
		if err != nil {
			return 0, err
		}

		wg.Add(1)
		go func(i int, payload []byte) {
			defer wg.Done()

			sigs[i], attempts[i], errs[i] = c.sign(ctx, set, signing.Secp256k1, hashes[i], payload)
			if errs[i] != nil {
				cancel()
			}
		}(i, payload)
	}
	wg.Wait()

	most := 0
	for _, n := range attempts {
		most = max(most, n)
	}

	for i, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return most, fmt.Errorf("%s input %d:\n%w", label, i, err)
		}
	}
	for i, err := range errs {
		if err != nil {
			return most, fmt.Errorf("%s input %d:\n%w", label, i, err)
		}
	}

	if err := btc.AttachKeySpend(tx, sigs); err != nil {
		return most, err
	}

	if err := btc.VerifySpend(tx, inputs); err != nil {
		return most, fmt.Errorf("verify signed spend:\n%w", err)
	}

	return most, nil
}

// sign runs sessions over msg until one aggregates or the retry budget
// runs out. Each retry drops the trustees the last session blamed, and
// those that refused or stayed silent.
func (c *Coordinator) sign(ctx context.Context, set *trustee.Set, suite signing.SuiteID, msg, payload []byte) ([]byte, int, error) {
	members, err := set.Participants(suite)
	if err != nil {
		return nil, 0, err
	}

	groupKey, err := set.GroupKey(suite)
	if err != nil {
		return nil, 0, err
	}

	exclude := make(map[string]bool)
	var last error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		signers, err := selectSigners(members, exclude, c.scores, c.cfg.MaxSigners, set.Threshold)
		if err != nil {
			if last != nil {
				err = fmt.Errorf("%w (last session: %v)", err, last)
			}
			return nil, attempt, err
		}

		out, err := c.runSession(ctx, set, suite, groupKey, msg, payload, signers)
		if err == nil {
			return out.session.Signature(), attempt + 1, nil
		}

		last = err
		if ctx.Err() != nil {
			return nil, attempt + 1, ctx.Err()
		}

		if out == nil {
			return nil, attempt + 1, err
		}

		for _, id := range out.session.Culprits() {
			exclude[hex.EncodeToString(id)] = true
		}
		for _, id := range out.session.Refusals() {
			exclude[hex.EncodeToString(id)] = true
		}
		for _, id := range out.silent {
			exclude[hex.EncodeToString(id)] = true
		}

		logger.Warn("signing session failed",
			"session", out.session.ID().Short(),
			"suite", suite,
			"attempt", attempt+1,
			"excluded", len(exclude),
			"error", err,
		)
	}

	return nil, c.cfg.MaxRetries + 1, fmt.Errorf("%d sessions failed:\n%w", c.cfg.MaxRetries+1, last)
}

// runSession runs one two-round session with signers. Round one closes
// when every signer answered or at the commit deadline; round two ends
// when the session aggregates, fails or reaches its deadline.
func (c *Coordinator) runSession(ctx context.Context, set *trustee.Set, suite signing.SuiteID, groupKey kyber.Point, msg, payload []byte, signers []signing.Participant) (*outcome, error) {
	impl, err := signing.Lookup(suite)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	deadline := now.Add(c.cfg.SessionTimeout)

	sess, err := signing.NewSession(signing.SessionConfig{
		ID:           signing.NewSessionID(msg),
		Suite:        suite,
		Epoch:        set.Epoch,
		Message:      msg,
		Payload:      payload,
		GroupKey:     groupKey,
		Threshold:    set.Threshold,
		Participants: signers,
		Deadline:     deadline,
		Registry:     c.registry,
	})
	if err != nil {
		return nil, err
	}

	c.track(sess)
	defer c.untrack(sess.ID())

	out := &outcome{session: sess}

	req, err := sess.Start()
	if err != nil {
		return out, err
	}
	req.Deadline = deadline

	ids := make([][]byte, len(signers))
	for i, p := range signers {
		ids[i] = p.ID
	}

	logger.Debug("session started",
		"session", sess.ID().Short(),
		"suite", suite,
		"epoch", set.Epoch,
		"signers", len(signers),
	)

	commitDeadline := now.Add(c.cfg.CommitTimeout)
	if commitDeadline.After(deadline) {
		commitDeadline = deadline
	}

	rctx, cancel := context.WithDeadline(ctx, commitDeadline)
	frame := signing.EncodeMessage(types.MessageKindCommitRequest, signing.EncodeCommitRequest(req))
	c.collect(rctx, sess, impl, c.fanOut(rctx, ids, frame), len(ids), sess.Answered)
	cancel()

	out.silent = c.missed(sess.Pending())

	if ctx.Err() != nil {
		c.abort(sess)
		return out, ctx.Err()
	}

	sreq, err := sess.CloseCommitments()
	if err != nil {
		c.abort(sess)
		return out, err
	}

	signingSet := sess.SigningSet()

	sctx, cancel := context.WithDeadline(ctx, deadline)
	frame = signing.EncodeMessage(types.MessageKindSignRequest, signing.EncodeSignRequest(sreq))
	c.collect(sctx, sess, impl, c.fanOut(sctx, signingSet, frame), len(signingSet), sess.Done)
	cancel()

	if !sess.Done() {
		out.silent = append(out.silent, c.missed(sess.Pending())...)

		if ctx.Err() != nil {
			c.abort(sess)
			return out, ctx.Err()
		}

		sess.Fail(signing.ErrDeadline)
	}

	if sess.Round() != signing.RoundAggregated {
		c.abort(sess)
		return out, sess.Err()
	}

	logger.Debug("session aggregated",
		"session", sess.ID().Short(),
		"signers", len(signingSet),
		"duration", time.Since(now),
	)

	return out, nil
}

// missed lowers the score of silent trustees and returns them.
func (c *Coordinator) missed(ids [][]byte) [][]byte {
	for _, id := range ids {
		c.scores.Miss(id)
	}

	return ids
}

// fanOut sends frame to every trustee concurrently. The returned channel
// receives exactly one reply per trustee.
func (c *Coordinator) fanOut(ctx context.Context, ids [][]byte, frame []byte) <-chan reply {
	out := make(chan reply, len(ids))

	for _, id := range ids {
		go func(id []byte) {
			data, err := c.transport.Request(ctx, id, frame)
			out <- reply{from: id, data: data, err: err}
		}(id)
	}

	return out
}

// collect feeds replies into sess until n arrived, done holds or ctx ends.
func (c *Coordinator) collect(ctx context.Context, sess *signing.Session, suite signing.Suite, replies <-chan reply, n int, done func() bool) {
	for received := 0; received < n && !done(); {
		select {
		case r := <-replies:
			received++
			c.handleReply(sess, suite, r)
		case <-ctx.Done():
			return
		}
	}
}

// handleReply applies one reply to the session. Replies that claim
// another identity than the channel's peer are misbehaviour.
func (c *Coordinator) handleReply(sess *signing.Session, suite signing.Suite, r reply) {
	if r.err != nil {
		logger.Debug("trustee did not answer",
			"session", sess.ID().Short(),
			"trustee", trustee.ShortID(r.from),
			"error", r.err,
		)
		return
	}

	rep, err := signing.DecodeReply(suite, r.data)
	if err != nil {
		c.scores.Miss(r.from)
		c.reportMisbehaviour(Misbehaviour{Session: sess.ID(), Trustee: r.from, Reason: err.Error()})
		return
	}

	if rep.SessionID != sess.ID() {
		c.scores.Miss(r.from)
		return
	}

	switch {
	case rep.Refusal != nil:
		rep.Refusal.Trustee = r.from
		sess.AddRefusal(rep.Refusal)
		logger.Info("trustee refused",
			"session", sess.ID().Short(),
			"trustee", trustee.ShortID(r.from),
			"reason", rep.Refusal.Reason,
		)

	case rep.Commitment != nil:
		if !bytes.Equal(rep.Commitment.Trustee, r.from) {
			c.impersonation(sess, r.from)
			return
		}
		c.apply(sess, r.from, sess.AddCommitment(rep.Commitment))

	case rep.Partial != nil:
		if !bytes.Equal(rep.Partial.Trustee, r.from) {
			c.impersonation(sess, r.from)
			return
		}
		c.apply(sess, r.from, sess.AddPartial(rep.Partial))
	}
}

// apply scores a contribution and reports the violation it caused.
func (c *Coordinator) apply(sess *signing.Session, from []byte, err error) {
	if err == nil {
		c.scores.Hit(from)
		return
	}

	culprit, ok := signing.Culprit(err)
	if !ok {
		logger.Debug("contribution ignored",
			"session", sess.ID().Short(),
			"trustee", trustee.ShortID(from),
			"error", err,
		)
		return
	}

	c.scores.Miss(culprit)
	c.reportMisbehaviour(Misbehaviour{Session: sess.ID(), Trustee: culprit, Reason: err.Error()})
}

// impersonation reports a reply signed for another trustee.
func (c *Coordinator) impersonation(sess *signing.Session, from []byte) {
	c.scores.Miss(from)
	c.reportMisbehaviour(Misbehaviour{
		Session: sess.ID(),
		Trustee: from,
		Reason:  "reply names another trustee",
	})
}

// abort cancels sess and tells every participant to discard its nonces.
func (c *Coordinator) abort(sess *signing.Session) {
	if !sess.Done() {
		sess.Cancel()
	}

	participants := sess.Config().Participants
	ids := make([][]byte, len(participants))
	for i, p := range participants {
		ids[i] = p.ID
	}

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	frame := signing.EncodeMessage(types.MessageKindCancelRequest, signing.EncodeCancel(sess.ID()))
	replies := c.fanOut(ctx, ids, frame)
	for range ids {
		select {
		case <-replies:
		case <-ctx.Done():
			return
		}
	}
}

// track registers a live session.
func (c *Coordinator) track(s *signing.Session) {
	c.mu.Lock()
	c.sessions[s.ID()] = s
	c.mu.Unlock()
}

// untrack forgets a finished session.
func (c *Coordinator) untrack(id signing.SessionID) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}
