package signing

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.dedis.ch/kyber/v3"

	"TrusteeBridge/internal/logger"
)

// usedRetention is how long a finished session id is remembered when the
// request carried no deadline.
const usedRetention = time.Hour

// Approver decides whether a signer may sign the message of a round-one
// request. It returns an error to refuse.
type Approver func(req *CommitRequest) error

// shareKey selects a key share.
type shareKey struct {
	suite SuiteID
	epoch uint64
}

// nonceState is a signer's secret round-one state for one session.
type nonceState struct {
	suite    SuiteID      // suite is the requested suite
	epoch    uint64       // epoch is the requested trustee set
	message  []byte       // message is the digest committed to
	hiding   kyber.Scalar // hiding is d
	binding  kyber.Scalar // binding is e
	commit   Commitment   // commit is the published (D, E)
	deadline time.Time    // deadline is when the state expires
}

// wipe zeroes the secret nonces.
func (st *nonceState) wipe() {
	st.hiding.Zero()
	st.binding.Zero()
}

// Signer holds a trustee's key shares and per-session nonces.
// A nonce pair is bound to exactly one session id and erased after use.
type Signer struct {
	id []byte // id is the trustee identity

	mu      sync.Mutex
	shares  map[shareKey]*KeyShare    // shares are keyed by suite and epoch
	nonces  map[SessionID]*nonceState // nonces await round two
	used    map[SessionID]time.Time   // used sessions and when to forget them
	approve Approver                  // approve vets round-one requests
	now     func() time.Time          // now is the clock
}

// NewSigner creates a signer for the trustee identity id.
func NewSigner(id []byte) *Signer {
	return &Signer{
		id:     bytes.Clone(id),
		shares: make(map[shareKey]*KeyShare),
		nonces: make(map[SessionID]*nonceState),
		used:   make(map[SessionID]time.Time),
		now:    time.Now,
	}
}

// ID returns the trustee identity.
func (s *Signer) ID() []byte {
	return s.id
}

// SetApprover installs the hook run on every round-one request.
func (s *Signer) SetApprover(a Approver) {
	s.mu.Lock()
	s.approve = a
	s.mu.Unlock()
}

// AddShare registers a key share for an epoch.
func (s *Signer) AddShare(epoch uint64, share *KeyShare) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shares[shareKey{suite: share.Suite, epoch: epoch}] = share
}

// DropEpoch forgets every share of an epoch.
func (s *Signer) DropEpoch(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, sh := range s.shares {
		if k.epoch == epoch {
			sh.Secret.Zero()
			delete(s.shares, k)
		}
	}
}

// Share returns the key share for a suite and epoch.
func (s *Signer) Share(suite SuiteID, epoch uint64) (*KeyShare, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shares[shareKey{suite: suite, epoch: epoch}]
	return sh, ok
}

// Commit runs round one: it vets the request, derives a fresh nonce pair
// bound to the session and returns the public commitment.
func (s *Signer) Commit(req *CommitRequest) (*Commitment, error) {
	suite, err := Lookup(req.Suite)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	share, ok := s.shares[shareKey{suite: req.Suite, epoch: req.Epoch}]
	approve := s.approve
	now := s.now()
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s epoch %d", ErrUnknownShare, req.Suite, req.Epoch)
	}

	if !req.Deadline.IsZero() && now.After(req.Deadline) {
		return nil, ErrDeadline
	}

	if approve != nil {
		if err := approve(req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRefused, err)
		}
	}

	g := suite.Group()

	d, err := deriveNonce(suite, share.Secret, req.SessionID, req.Message, 1)
	if err != nil {
		return nil, err
	}
	e, err := deriveNonce(suite, share.Secret, req.SessionID, req.Message, 2)
	if err != nil {
		return nil, err
	}

	commit := Commitment{
		Trustee: s.id,
		Index:   share.Index,
		Hiding:  g.Point().Mul(d, nil),
		Binding: g.Point().Mul(e, nil),
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = now.Add(usedRetention)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.nonces[req.SessionID]; busy {
		d.Zero()
		e.Zero()
		return nil, fmt.Errorf("%w: %s", ErrSessionUsed, req.SessionID.Short())
	}

	if _, done := s.used[req.SessionID]; done {
		d.Zero()
		e.Zero()
		return nil, fmt.Errorf("%w: %s", ErrSessionUsed, req.SessionID.Short())
	}

	s.nonces[req.SessionID] = &nonceState{
		suite:    req.Suite,
		epoch:    req.Epoch,
		message:  bytes.Clone(req.Message),
		hiding:   d,
		binding:  e,
		commit:   commit,
		deadline: deadline,
	}

	return &commit, nil
}

// Sign runs round two. The request must repeat the committed message and
// include this signer's commitment unchanged. The nonce pair is erased
// before the share is returned.
func (s *Signer) Sign(req *SignRequest) (*PartialSig, error) {
	suite, err := Lookup(req.Suite)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()

	st, ok := s.nonces[req.SessionID]
	if !ok {
		_, done := s.used[req.SessionID]
		s.mu.Unlock()

		if done {
			return nil, fmt.Errorf("%w: %s", ErrSessionUsed, req.SessionID.Short())
		}
		return nil, fmt.Errorf("%w: %s", ErrNoNonce, req.SessionID.Short())
	}

	share, ok := s.shares[shareKey{suite: req.Suite, epoch: req.Epoch}]
	if !ok || st.suite != req.Suite || st.epoch != req.Epoch {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: suite or epoch differs from round one", ErrRefused)
	}

	if !bytes.Equal(st.message, req.Message) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: message differs from round one", ErrRefused)
	}

	sorted := sortCommitments(req.Commitments)
	if err := checkSigningSet(suite, sorted, st.commit, share.Threshold); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	delete(s.nonces, req.SessionID)
	s.used[req.SessionID] = st.deadline
	s.mu.Unlock()

	defer st.wipe()

	si := partialShare(suite, share, st.hiding, st.binding, req.Message, sorted)

	return &PartialSig{
		SessionID: req.SessionID,
		Trustee:   s.id,
		Index:     share.Index,
		Share:     si,
	}, nil
}

// Cancel discards the nonces of a session and marks it used.
func (s *Signer) Cancel(id SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	forget := s.now().Add(usedRetention)
	if st, ok := s.nonces[id]; ok {
		st.wipe()
		delete(s.nonces, id)
		if st.deadline.After(forget) {
			forget = st.deadline
		}
	}

	s.used[id] = forget
}

// Prune erases expired nonces and forgets used sessions past their
// deadline. It returns the number of expired nonce pairs.
func (s *Signer) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expired := 0

	for id, st := range s.nonces {
		if now.After(st.deadline) {
			st.wipe()
			delete(s.nonces, id)
			s.used[id] = st.deadline
			expired++
		}
	}

	for id, until := range s.used {
		if now.After(until) {
			delete(s.used, id)
		}
	}

	if expired > 0 {
		logger.Debug("expired nonces", "count", expired)
	}

	return expired
}

// Pending returns the number of sessions waiting for round two.
func (s *Signer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.nonces)
}

// checkSigningSet validates the round-two commitment list against this
// signer's own commitment.
func checkSigningSet(suite Suite, sorted []Commitment, own Commitment, threshold int) error {
	if err := checkCommitments(suite.Group(), sorted); err != nil {
		return fmt.Errorf("%w: %v", ErrRefused, err)
	}

	if len(sorted) < threshold {
		return fmt.Errorf("%w: %d commitments, need %d", ErrInsufficientQuorum, len(sorted), threshold)
	}

	for _, c := range sorted {
		if c.Index == own.Index {
			if !sameCommitment(c, own) {
				return fmt.Errorf("%w: own commitment altered", ErrRefused)
			}
			return nil
		}
	}

	return fmt.Errorf("%w: not in signing set", ErrRefused)
}

// partialShare computes s_i = k_i + lambda_i*c*x_i with BIP340
// normalization applied to both k_i and x_i.
func partialShare(suite Suite, share *KeyShare, d, e kyber.Scalar, msg []byte, sorted []Commitment) kyber.Scalar {
	g := suite.Group()
	nc := groupNonce(suite, share.GroupKey, msg, sorted)

	k := g.Scalar().Mul(nc.rho, e)
	k.Add(k, d)
	if nc.negNonce {
		k.Neg(k)
	}

	x := share.Secret.Clone()
	if nc.negKey {
		x.Neg(x)
	}

	si := g.Scalar().Mul(Lagrange(g, nc.set, share.Index), nc.challenge)
	si.Mul(si, x)
	si.Add(si, k)

	k.Zero()
	x.Zero()

	return si
}

// deriveNonce derives a hedged nonce from the share, the session, the
// message and fresh randomness. A broken random source still yields a
// nonce unique to the session.
func deriveNonce(suite Suite, secret kyber.Scalar, id SessionID, msg []byte, which byte) (kyber.Scalar, error) {
	for {
		var rnd [32]byte
		if _, err := rand.Read(rnd[:]); err != nil {
			return nil, fmt.Errorf("read random:\n%w", err)
		}

		h := blake3.NewDeriveKey(nonceTag)
		h.Write([]byte{which})
		h.Write(mustMarshal(secret))
		h.Write(id[:])

		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(msg)))
		h.Write(n[:])
		h.Write(msg)
		h.Write(rnd[:])

		var out [64]byte
		h.Digest().Read(out[:])

		k := suite.HashToScalar(out[:])
		if !k.Equal(suite.Group().Scalar().Zero()) {
			return k, nil
		}
	}
}
