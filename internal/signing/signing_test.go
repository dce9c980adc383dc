package signing

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/random"
)

const testEpoch = 1

// testSet is a dealt key with one signer per share.
type testSet struct {
	suite   Suite
	key     kyber.Point
	t       int
	shares  []*KeyShare
	signers []*Signer
}

// newTestSet deals a t-of-n key for suite and creates the signers.
func newTestSet(t *testing.T, suite Suite, threshold, n int) *testSet {
	t.Helper()

	key, shares, err := DealShares(suite, threshold, n)
	if err != nil {
		t.Fatalf("DealShares: %v", err)
	}

	ts := &testSet{suite: suite, key: key, t: threshold, shares: shares}
	for i, sh := range shares {
		s := NewSigner(bytes.Repeat([]byte{byte(i + 1)}, 32))
		s.AddShare(testEpoch, sh)
		ts.signers = append(ts.signers, s)
	}

	return ts
}

// pick returns the 1-based members of the set.
func (ts *testSet) pick(members ...int) []*Signer {
	out := make([]*Signer, len(members))
	for i, m := range members {
		out[i] = ts.signers[m-1]
	}

	return out
}

// session creates a session over the given 1-based members.
func (ts *testSet) session(t *testing.T, msg []byte, registry *NonceRegistry, members ...int) *Session {
	t.Helper()

	parts := make([]Participant, len(members))
	for i, m := range members {
		sh := ts.shares[m-1]
		parts[i] = Participant{ID: ts.signers[m-1].ID(), Index: sh.Index, Public: sh.Public}
	}

	sess, err := NewSession(SessionConfig{
		ID:           NewSessionID([]byte("test")),
		Suite:        ts.suite.ID(),
		Epoch:        testEpoch,
		Message:      msg,
		GroupKey:     ts.key,
		Threshold:    ts.t,
		Participants: parts,
		Deadline:     time.Now().Add(time.Minute),
		Registry:     registry,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	return sess
}

// commitAll runs round one with signers and closes it.
func commitAll(t *testing.T, sess *Session, signers []*Signer) *SignRequest {
	t.Helper()

	req, err := sess.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, s := range signers {
		c, err := s.Commit(req)
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if err := sess.AddCommitment(c); err != nil {
			t.Fatalf("AddCommitment: %v", err)
		}
	}

	sreq, err := sess.CloseCommitments()
	if err != nil {
		t.Fatalf("CloseCommitments: %v", err)
	}

	return sreq
}

// signAll runs both rounds with signers and returns the signature.
func signAll(t *testing.T, sess *Session, signers []*Signer) []byte {
	t.Helper()

	sreq := commitAll(t, sess, signers)

	for _, s := range signers {
		p, err := s.Sign(sreq)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if err := sess.AddPartial(p); err != nil {
			t.Fatalf("AddPartial: %v", err)
		}
	}

	if sess.Round() != RoundAggregated {
		t.Fatalf("round = %s, want %s (%v)", sess.Round(), RoundAggregated, sess.Err())
	}

	return sess.Signature()
}

// digest returns a 32-byte test message.
func digest(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

// allSuites lists the suites under test.
var allSuites = []SuiteID{Secp256k1, Ed25519}

// TestCompleteness tests that any honest subset of size at least t
// produces a signature that verifies under the group key.
func TestCompleteness(t *testing.T) {
	tests := []struct {
		name    string
		t, n    int
		members []int
	}{
		{"1-of-1", 1, 1, []int{1}},
		{"2-of-3 first", 2, 3, []int{1, 2}},
		{"2-of-3 last", 2, 3, []int{2, 3}},
		{"3-of-5 sparse", 3, 5, []int{1, 3, 5}},
		{"3-of-5 all", 3, 5, []int{1, 2, 3, 4, 5}},
		{"5-of-5", 5, 5, []int{1, 2, 3, 4, 5}},
	}

	for _, id := range allSuites {
		suite := MustLookup(id)

		for _, tt := range tests {
			t.Run(id.String()+"/"+tt.name, func(t *testing.T) {
				ts := newTestSet(t, suite, tt.t, tt.n)
				msg := digest(tt.name)

				sig := signAll(t, ts.session(t, msg, nil, tt.members...), ts.pick(tt.members...))

				if err := suite.Verify(ts.key, msg, sig); err != nil {
					t.Errorf("Verify: %v", err)
				}

				if err := suite.Verify(ts.key, digest("other"), sig); err == nil {
					t.Errorf("signature verified for another message")
				}
			})
		}
	}
}

// TestAggregateKey tests order independence and the consistency check.
func TestAggregateKey(t *testing.T) {
	for _, id := range allSuites {
		suite := MustLookup(id)

		t.Run(id.String(), func(t *testing.T) {
			key, shares, err := DealShares(suite, 3, 5)
			if err != nil {
				t.Fatalf("DealShares: %v", err)
			}

			pub := PublicShares(shares)
			reversed := make([]PublicShare, len(pub))
			for i := range pub {
				reversed[len(pub)-1-i] = pub[i]
			}

			for name, in := range map[string][]PublicShare{"sorted": pub, "reversed": reversed} {
				got, err := AggregateKey(suite, in, 3)
				if err != nil {
					t.Fatalf("AggregateKey(%s): %v", name, err)
				}
				if !got.Equal(key) {
					t.Errorf("AggregateKey(%s) differs from dealt key", name)
				}
			}

			bad := make([]PublicShare, len(pub))
			copy(bad, pub)
			bad[4].Key = suite.Group().Point().Pick(random.New())

			if _, err := AggregateKey(suite, bad, 3); !errors.Is(err, ErrInconsistentShares) {
				t.Errorf("AggregateKey(tampered) = %v, want %v", err, ErrInconsistentShares)
			}

			if _, err := AggregateKey(suite, pub, 6); !errors.Is(err, ErrBadThreshold) {
				t.Errorf("AggregateKey(t>n) = %v, want %v", err, ErrBadThreshold)
			}

			dup := []PublicShare{pub[0], pub[0], pub[1]}
			if _, err := AggregateKey(suite, dup, 2); !errors.Is(err, ErrDuplicateIndex) {
				t.Errorf("AggregateKey(duplicate) = %v, want %v", err, ErrDuplicateIndex)
			}
		})
	}
}

// TestLagrangeSumsToOne tests that coefficients over any set sum to one.
func TestLagrangeSumsToOne(t *testing.T) {
	sets := [][]uint32{{1}, {1, 2}, {2, 5, 7}, {1, 2, 3, 4, 5}}

	for _, id := range allSuites {
		g := MustLookup(id).Group()

		for _, set := range sets {
			sum := g.Scalar().Zero()
			for _, i := range set {
				sum.Add(sum, Lagrange(g, set, i))
			}

			if !sum.Equal(g.Scalar().One()) {
				t.Errorf("%s: sum over %v = %s, want 1", id, set, sum)
			}
		}
	}
}

// TestSoundness tests that a share computed with a tampered key, nonce or
// message is caught and attributed before aggregation.
func TestSoundness(t *testing.T) {
	tamper := map[string]func(suite Suite, ts *testSet, st *nonceState, sreq *SignRequest) kyber.Scalar{
		"key": func(suite Suite, ts *testSet, st *nonceState, sreq *SignRequest) kyber.Scalar {
			sh := *ts.shares[1]
			sh.Secret = suite.Group().Scalar().Add(sh.Secret, suite.Group().Scalar().One())
			return partialShare(suite, &sh, st.hiding, st.binding, sreq.Message, sortCommitments(sreq.Commitments))
		},
		"nonce": func(suite Suite, ts *testSet, st *nonceState, sreq *SignRequest) kyber.Scalar {
			d := suite.Group().Scalar().Add(st.hiding, suite.Group().Scalar().One())
			return partialShare(suite, ts.shares[1], d, st.binding, sreq.Message, sortCommitments(sreq.Commitments))
		},
		"message": func(suite Suite, ts *testSet, st *nonceState, sreq *SignRequest) kyber.Scalar {
			return partialShare(suite, ts.shares[1], st.hiding, st.binding, digest("wrong"), sortCommitments(sreq.Commitments))
		},
	}

	for _, id := range allSuites {
		suite := MustLookup(id)

		for name, fn := range tamper {
			t.Run(id.String()+"/"+name, func(t *testing.T) {
				ts := newTestSet(t, suite, 2, 3)
				sess := ts.session(t, digest("soundness"), nil, 1, 2)
				sreq := commitAll(t, sess, ts.pick(1, 2))

				// Signer 2 misbehaves with its real round-one state.
				bad := ts.signers[1]
				bad.mu.Lock()
				st := bad.nonces[sreq.SessionID]
				bad.mu.Unlock()

				forged := &PartialSig{
					SessionID: sreq.SessionID,
					Trustee:   bad.ID(),
					Index:     ts.shares[1].Index,
					Share:     fn(suite, ts, st, sreq),
				}

				good, err := ts.signers[0].Sign(sreq)
				if err != nil {
					t.Fatalf("Sign: %v", err)
				}
				if err := sess.AddPartial(good); err != nil {
					t.Fatalf("AddPartial(honest): %v", err)
				}

				err = sess.AddPartial(forged)
				if !errors.Is(err, ErrInvalidPartial) {
					t.Fatalf("AddPartial(forged) = %v, want %v", err, ErrInvalidPartial)
				}

				culprit, ok := Culprit(err)
				if !ok || !bytes.Equal(culprit, bad.ID()) {
					t.Errorf("culprit = %x, want %x", culprit, bad.ID())
				}

				if sess.Round() != RoundFailed || sess.Signature() != nil {
					t.Errorf("round = %s, signature = %x; want failed without signature", sess.Round(), sess.Signature())
				}

				if got := sess.Culprits(); len(got) != 1 || !bytes.Equal(got[0], bad.ID()) {
					t.Errorf("Culprits() = %x", got)
				}
			})
		}
	}
}

// TestNonceNonReuse tests that two sessions over the same message and
// signers use disjoint nonces and yield distinct valid signatures.
func TestNonceNonReuse(t *testing.T) {
	for _, id := range allSuites {
		suite := MustLookup(id)

		t.Run(id.String(), func(t *testing.T) {
			ts := newTestSet(t, suite, 2, 3)
			msg := digest("same message")
			registry := NewNonceRegistry()

			first := ts.session(t, msg, registry, 1, 2)
			second := ts.session(t, msg, registry, 1, 2)

			sigA := signAll(t, first, ts.pick(1, 2))
			sigB := signAll(t, second, ts.pick(1, 2))

			for _, sig := range [][]byte{sigA, sigB} {
				if err := suite.Verify(ts.key, msg, sig); err != nil {
					t.Errorf("Verify: %v", err)
				}
			}

			if bytes.Equal(sigA, sigB) {
				t.Errorf("signatures are identical")
			}

			if got := registry.Len(); got != 8 {
				t.Errorf("registry holds %d points, want 8 distinct", got)
			}

			for _, s := range ts.signers {
				if s.Pending() != 0 {
					t.Errorf("signer %x kept %d nonces", s.ID()[:1], s.Pending())
				}
			}
		})
	}
}

// TestRegistryCatchesReuse tests that a replayed nonce point is blamed
// before round two.
func TestRegistryCatchesReuse(t *testing.T) {
	suite := MustLookup(Secp256k1)
	ts := newTestSet(t, suite, 2, 3)
	registry := NewNonceRegistry()

	first := ts.session(t, digest("a"), registry, 1, 2, 3)
	req, _ := first.Start()

	c, err := ts.signers[2].Commit(req)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := first.AddCommitment(c); err != nil {
		t.Fatalf("AddCommitment: %v", err)
	}

	second := ts.session(t, digest("b"), registry, 1, 2, 3)
	if _, err := second.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	replayed := *c
	err = second.AddCommitment(&replayed)
	if !errors.Is(err, ErrNonceReuse) {
		t.Fatalf("AddCommitment(replayed) = %v, want %v", err, ErrNonceReuse)
	}

	if culprit, _ := Culprit(err); !bytes.Equal(culprit, ts.signers[2].ID()) {
		t.Errorf("culprit = %x", culprit)
	}

	twin := Commitment{Trustee: ts.signers[0].ID(), Index: ts.shares[0].Index, Hiding: c.Hiding, Binding: c.Hiding}
	if err := NewNonceRegistry().Observe(second.ID(), twin.Trustee, time.Time{}, twin.Hiding, twin.Binding); !errors.Is(err, ErrNonceReuse) {
		t.Errorf("Observe(D == E) = %v, want %v", err, ErrNonceReuse)
	}
}

// TestRegistryPrune tests that points outlive their session by the used
// retention window and are forgotten afterwards.
func TestRegistryPrune(t *testing.T) {
	g := MustLookup(Ed25519).Group()
	registry := NewNonceRegistry()

	deadline := time.Now().Add(time.Minute)
	trustee := []byte("trustee-1")
	point := g.Point().Pick(random.New())

	if err := registry.Observe(NewSessionID(nil), trustee, deadline, point); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	if got := registry.Prune(deadline.Add(usedRetention / 2)); got != 0 {
		t.Errorf("Prune() inside retention = %d, want 0", got)
	}

	if err := registry.Observe(NewSessionID(nil), trustee, deadline, point); !errors.Is(err, ErrNonceReuse) {
		t.Errorf("Observe(reused) = %v, want %v", err, ErrNonceReuse)
	}

	if got := registry.Prune(deadline.Add(usedRetention + time.Second)); got != 1 {
		t.Errorf("Prune() after retention = %d, want 1", got)
	}

	if registry.Len() != 0 {
		t.Errorf("Len() = %d after pruning", registry.Len())
	}
}

// TestQuorumFailure tests that round one fails below the threshold.
func TestQuorumFailure(t *testing.T) {
	ts := newTestSet(t, MustLookup(Secp256k1), 3, 5)
	sess := ts.session(t, digest("quorum"), nil, 1, 2, 3, 4, 5)

	req, _ := sess.Start()
	for _, s := range ts.pick(1, 2) {
		c, err := s.Commit(req)
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if err := sess.AddCommitment(c); err != nil {
			t.Fatalf("AddCommitment: %v", err)
		}
	}

	if sess.Answered() {
		t.Errorf("Answered() with three silent participants")
	}

	if got := len(sess.Pending()); got != 3 {
		t.Errorf("Pending() = %d, want 3", got)
	}

	if _, err := sess.CloseCommitments(); !errors.Is(err, ErrInsufficientQuorum) {
		t.Fatalf("CloseCommitments = %v, want %v", err, ErrInsufficientQuorum)
	}

	if sess.Round() != RoundFailed || !errors.Is(sess.Err(), ErrInsufficientQuorum) {
		t.Errorf("round = %s, err = %v", sess.Round(), sess.Err())
	}
}

// TestDuplicateCommitment tests that a second, different commitment from
// the same trustee excludes it.
func TestDuplicateCommitment(t *testing.T) {
	ts := newTestSet(t, MustLookup(Ed25519), 2, 3)
	sess := ts.session(t, digest("dup"), nil, 1, 2, 3)
	req, _ := sess.Start()

	first, _ := ts.signers[0].Commit(req)
	if err := sess.AddCommitment(first); err != nil {
		t.Fatalf("AddCommitment: %v", err)
	}

	if err := sess.AddCommitment(first); err != nil {
		t.Errorf("AddCommitment(retransmit) = %v, want nil", err)
	}

	other := *first
	other.Binding = ts.suite.Group().Point().Pick(random.New())
	if err := sess.AddCommitment(&other); !errors.Is(err, ErrDuplicateCommitment) {
		t.Fatalf("AddCommitment(different) = %v, want %v", err, ErrDuplicateCommitment)
	}

	for _, s := range ts.pick(2, 3) {
		c, _ := s.Commit(req)
		if err := sess.AddCommitment(c); err != nil {
			t.Fatalf("AddCommitment: %v", err)
		}
	}

	sreq, err := sess.CloseCommitments()
	if err != nil {
		t.Fatalf("CloseCommitments: %v", err)
	}

	for _, c := range sreq.Commitments {
		if bytes.Equal(c.Trustee, ts.signers[0].ID()) {
			t.Errorf("culprit kept in signing set")
		}
	}
}

// TestSignerRefusals tests the signer's nonce lifecycle rules.
func TestSignerRefusals(t *testing.T) {
	ts := newTestSet(t, MustLookup(Secp256k1), 2, 2)
	msg := digest("refusals")

	sess := ts.session(t, msg, nil, 1, 2)
	sreq := commitAll(t, sess, ts.signers)
	s := ts.signers[0]

	commitReq := &CommitRequest{SessionID: sreq.SessionID, Message: msg, Suite: Secp256k1, Epoch: testEpoch}
	if _, err := s.Commit(commitReq); !errors.Is(err, ErrSessionUsed) {
		t.Errorf("second Commit = %v, want %v", err, ErrSessionUsed)
	}

	altered := *sreq
	altered.Message = digest("altered")
	if _, err := s.Sign(&altered); !errors.Is(err, ErrRefused) {
		t.Errorf("Sign(altered message) = %v, want %v", err, ErrRefused)
	}

	if _, err := s.Sign(sreq); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := s.Sign(sreq); !errors.Is(err, ErrSessionUsed) {
		t.Errorf("second Sign = %v, want %v", err, ErrSessionUsed)
	}

	unknown := *sreq
	unknown.SessionID = NewSessionID([]byte("never committed"))
	if _, err := s.Sign(&unknown); !errors.Is(err, ErrNoNonce) {
		t.Errorf("Sign(no commit) = %v, want %v", err, ErrNoNonce)
	}

	cancelled := NewSessionID([]byte("cancelled"))
	if _, err := s.Commit(&CommitRequest{SessionID: cancelled, Message: msg, Suite: Secp256k1, Epoch: testEpoch}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	s.Cancel(cancelled)
	if s.Pending() != 0 {
		t.Errorf("Cancel kept nonces")
	}
	if _, err := s.Commit(&CommitRequest{SessionID: cancelled, Message: msg, Suite: Secp256k1, Epoch: testEpoch}); !errors.Is(err, ErrSessionUsed) {
		t.Errorf("Commit after Cancel = %v, want %v", err, ErrSessionUsed)
	}

	expired := &CommitRequest{SessionID: NewSessionID(nil), Message: msg, Suite: Secp256k1, Epoch: testEpoch, Deadline: time.Now().Add(-time.Second)}
	if _, err := s.Commit(expired); !errors.Is(err, ErrDeadline) {
		t.Errorf("Commit(expired) = %v, want %v", err, ErrDeadline)
	}

	other := &CommitRequest{SessionID: NewSessionID(nil), Message: msg, Suite: Secp256k1, Epoch: 9}
	if _, err := s.Commit(other); !errors.Is(err, ErrUnknownShare) {
		t.Errorf("Commit(unknown epoch) = %v, want %v", err, ErrUnknownShare)
	}

	s.SetApprover(func(req *CommitRequest) error { return errors.New("not ours") })
	if _, err := s.Commit(&CommitRequest{SessionID: NewSessionID(nil), Message: msg, Suite: Secp256k1, Epoch: testEpoch}); !errors.Is(err, ErrRefused) {
		t.Errorf("Commit(disapproved) = %v, want %v", err, ErrRefused)
	}
}

// TestSignerPrune tests that expired nonces are erased.
func TestSignerPrune(t *testing.T) {
	ts := newTestSet(t, MustLookup(Ed25519), 1, 1)
	s := ts.signers[0]

	now := time.Now()
	s.now = func() time.Time { return now }

	req := &CommitRequest{SessionID: NewSessionID(nil), Message: []byte("m"), Suite: Ed25519, Epoch: testEpoch, Deadline: now.Add(time.Minute)}
	if _, err := s.Commit(req); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if got := s.Prune(); got != 0 {
		t.Errorf("Prune() before deadline = %d", got)
	}

	now = now.Add(2 * time.Minute)
	if got := s.Prune(); got != 1 {
		t.Errorf("Prune() after deadline = %d, want 1", got)
	}

	if s.Pending() != 0 {
		t.Errorf("nonce survived pruning")
	}
}

// TestExpireAndCancel tests terminal transitions.
func TestExpireAndCancel(t *testing.T) {
	ts := newTestSet(t, MustLookup(Secp256k1), 2, 3)

	sess := ts.session(t, digest("expire"), nil, 1, 2, 3)
	sess.Start()

	if sess.Expire(time.Now()) {
		t.Errorf("Expire before deadline")
	}
	if !sess.Expire(time.Now().Add(time.Hour)) {
		t.Errorf("Expire after deadline returned false")
	}
	if !errors.Is(sess.Err(), ErrDeadline) {
		t.Errorf("err = %v, want %v", sess.Err(), ErrDeadline)
	}

	cancelled := ts.session(t, digest("cancel"), nil, 1, 2, 3)
	cancelled.Start()
	cancelled.Cancel()

	if !cancelled.Done() || !errors.Is(cancelled.Err(), ErrCancelled) {
		t.Errorf("Cancel: done=%v err=%v", cancelled.Done(), cancelled.Err())
	}

	if _, err := cancelled.CloseCommitments(); !errors.Is(err, ErrWrongRound) {
		t.Errorf("CloseCommitments after Cancel = %v, want %v", err, ErrWrongRound)
	}
}
