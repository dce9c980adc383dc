package signing

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.dedis.ch/kyber/v3"
)

// Round is the state of a signing session.
type Round int

const (
	// RoundInit is a session that has not sent its commit request.
	RoundInit Round = iota

	// RoundNonceExchange collects nonce commitments.
	RoundNonceExchange

	// RoundPartialSigExchange collects partial signatures.
	RoundPartialSigExchange

	// RoundAggregated holds a verified signature.
	RoundAggregated

	// RoundFailed is terminal; Err holds the reason.
	RoundFailed
)

// String returns the round name.
func (r Round) String() string {
	switch r {
	case RoundInit:
		return "init"
	case RoundNonceExchange:
		return "nonce-exchange"
	case RoundPartialSigExchange:
		return "partial-sig-exchange"
	case RoundAggregated:
		return "aggregated"
	case RoundFailed:
		return "failed"
	default:
		return fmt.Sprintf("round(%d)", int(r))
	}
}

// Participant is a trustee invited to a session.
type Participant struct {
	ID     []byte      // ID is the trustee identity
	Index  uint32      // Index is the trustee's share index
	Public kyber.Point // Public is the trustee's public key share
}

// SessionConfig describes a session to run.
type SessionConfig struct {
	ID           SessionID      // ID identifies the session
	Suite        SuiteID        // Suite is the signature suite
	Epoch        uint64         // Epoch is the signing trustee set
	Message      []byte         // Message is the digest to sign
	Payload      []byte         // Payload lets signers reproduce Message
	GroupKey     kyber.Point    // GroupKey is the aggregate public key
	Threshold    int            // Threshold is the minimum signing set
	Participants []Participant  // Participants are the invited trustees
	Deadline     time.Time      // Deadline bounds the whole session
	Registry     *NonceRegistry // Registry catches reused nonces, optional
}

// Session is the coordinator's view of one two-round signing run.
// Methods are safe for concurrent use.
type Session struct {
	cfg   SessionConfig
	suite Suite

	mu        sync.Mutex
	round     Round                   // round is the current state
	members   map[string]*Participant // members are keyed by hex identity
	commits   map[string]Commitment   // commits are valid round-one replies
	refusals  map[string]string       // refusals are declines with reasons
	culprits  []string                // culprits are blamed trustees in order
	blamed    map[string]error        // blamed maps culprits to violations
	signing   []Commitment            // signing is the sorted round-two set
	nc        *nonceContext           // nc is fixed when round two opens
	partials  map[string]kyber.Scalar // partials are verified shares
	signature []byte                  // signature is set once aggregated
	err       error                   // err is the failure reason
}

// key returns the map key of an identity.
func key(id []byte) string {
	return hex.EncodeToString(id)
}

// NewSession validates cfg and creates a session in RoundInit.
func NewSession(cfg SessionConfig) (*Session, error) {
	suite, err := Lookup(cfg.Suite)
	if err != nil {
		return nil, err
	}

	if cfg.GroupKey == nil {
		return nil, errors.New("missing group key")
	}

	if cfg.Threshold < 1 || cfg.Threshold > len(cfg.Participants) {
		return nil, fmt.Errorf("%w: %d participants, threshold %d", ErrInsufficientQuorum, len(cfg.Participants), cfg.Threshold)
	}

	s := &Session{
		cfg:      cfg,
		suite:    suite,
		members:  make(map[string]*Participant, len(cfg.Participants)),
		commits:  make(map[string]Commitment),
		refusals: make(map[string]string),
		blamed:   make(map[string]error),
		partials: make(map[string]kyber.Scalar),
	}

	indices := make(map[uint32]bool, len(cfg.Participants))
	for i := range cfg.Participants {
		p := &cfg.Participants[i]
		k := key(p.ID)

		if _, dup := s.members[k]; dup {
			return nil, fmt.Errorf("duplicate participant %s", k)
		}
		if indices[p.Index] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, p.Index)
		}

		indices[p.Index] = true
		s.members[k] = p
	}

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() SessionID {
	return s.cfg.ID
}

// Config returns the session configuration.
func (s *Session) Config() SessionConfig {
	return s.cfg
}

// Round returns the current state.
func (s *Session) Round() Round {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.round
}

// Err returns the failure reason of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Signature returns the aggregate signature once aggregated.
func (s *Session) Signature() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.signature
}

// Culprits returns the identities blamed for protocol violations, in the
// order they were caught.
func (s *Session) Culprits() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, 0, len(s.culprits))
	for _, k := range s.culprits {
		out = append(out, s.members[k].ID)
	}

	return out
}

// Violation returns the error a culprit was blamed for.
func (s *Session) Violation(id []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blamed[key(id)]
}

// Refusals returns the identities that declined the session.
func (s *Session) Refusals() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, 0, len(s.refusals))
	for k := range s.refusals {
		out = append(out, s.members[k].ID)
	}

	return out
}

// SigningSet returns the identities of the round-two signers.
func (s *Session) SigningSet() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.signing))
	for i, c := range s.signing {
		out[i] = c.Trustee
	}

	return out
}

// Start opens round one and returns the request to send to participants.
func (s *Session) Start() (*CommitRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.round != RoundInit {
		return nil, fmt.Errorf("%w: start in %s", ErrWrongRound, s.round)
	}

	s.round = RoundNonceExchange

	return &CommitRequest{
		SessionID: s.cfg.ID,
		Message:   s.cfg.Message,
		Suite:     s.cfg.Suite,
		Epoch:     s.cfg.Epoch,
		Payload:   s.cfg.Payload,
		Deadline:  s.cfg.Deadline,
	}, nil
}

// AddCommitment records a round-one reply. Protocol violations are
// returned as *ProtocolError and exclude the sender from the session.
func (s *Session) AddCommitment(c *Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.round != RoundNonceExchange {
		return fmt.Errorf("%w: commitment in %s", ErrWrongRound, s.round)
	}

	k := key(c.Trustee)
	p, ok := s.members[k]
	if !ok {
		return blame(c.Trustee, ErrUnexpectedSigner)
	}

	if _, bad := s.blamed[k]; bad {
		return s.blamed[k]
	}

	if c.Index != p.Index {
		return s.blameLocked(k, fmt.Errorf("%w: index %d, expected %d", ErrUnexpectedSigner, c.Index, p.Index))
	}

	if err := checkCommitments(s.suite.Group(), []Commitment{*c}); err != nil {
		return s.blameLocked(k, err)
	}

	if prev, dup := s.commits[k]; dup {
		if sameCommitment(prev, *c) {
			return nil
		}
		delete(s.commits, k)
		return s.blameLocked(k, ErrDuplicateCommitment)
	}

	if s.cfg.Registry != nil {
		if err := s.cfg.Registry.Observe(s.cfg.ID, c.Trustee, s.cfg.Deadline, c.Hiding, c.Binding); err != nil {
			return s.blameLocked(k, ErrNonceReuse)
		}
	}

	s.commits[k] = *c

	return nil
}

// AddRefusal records a participant's decline.
func (s *Session) AddRefusal(r *Refusal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(r.Trustee)
	if _, ok := s.members[k]; !ok {
		return
	}

	s.refusals[k] = r.Reason
	delete(s.commits, k)

	if s.round == RoundPartialSigExchange && s.inSigningSet(k) {
		s.failLocked(fmt.Errorf("%w: %s declined round two: %s", ErrRefused, k, r.Reason))
	}
}

// Answered reports whether every participant has replied in the current
// round.
func (s *Session) Answered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.round {
	case RoundNonceExchange:
		for k := range s.members {
			_, c := s.commits[k]
			_, r := s.refusals[k]
			_, b := s.blamed[k]
			if !c && !r && !b {
				return false
			}
		}
		return true
	case RoundPartialSigExchange:
		return len(s.partials) == len(s.signing)
	default:
		return true
	}
}

// Pending returns the identities the current round still waits for.
func (s *Session) Pending() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]byte

	switch s.round {
	case RoundNonceExchange:
		for k, p := range s.members {
			_, c := s.commits[k]
			_, r := s.refusals[k]
			_, b := s.blamed[k]
			if !c && !r && !b {
				out = append(out, p.ID)
			}
		}
	case RoundPartialSigExchange:
		for _, c := range s.signing {
			if _, ok := s.partials[key(c.Trustee)]; !ok {
				out = append(out, c.Trustee)
			}
		}
	}

	return out
}

// CloseCommitments ends round one. With at least Threshold valid
// commitments it fixes the signing set and returns the round-two request;
// otherwise the session fails with ErrInsufficientQuorum.
func (s *Session) CloseCommitments() (*SignRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.round != RoundNonceExchange {
		return nil, fmt.Errorf("%w: close in %s", ErrWrongRound, s.round)
	}

	commits := make([]Commitment, 0, len(s.commits))
	for k, c := range s.commits {
		if _, bad := s.blamed[k]; !bad {
			commits = append(commits, c)
		}
	}

	if len(commits) < s.cfg.Threshold {
		err := fmt.Errorf("%w: %d commitments, need %d", ErrInsufficientQuorum, len(commits), s.cfg.Threshold)
		s.failLocked(err)
		return nil, err
	}

	s.signing = sortCommitments(commits)
	s.nc = groupNonce(s.suite, s.cfg.GroupKey, s.cfg.Message, s.signing)
	s.round = RoundPartialSigExchange

	return &SignRequest{
		SessionID:   s.cfg.ID,
		Message:     s.cfg.Message,
		Suite:       s.cfg.Suite,
		Epoch:       s.cfg.Epoch,
		Commitments: s.signing,
	}, nil
}

// AddPartial verifies and records a round-two share. An invalid share
// blames the sender and fails the session, since the signing set is
// fixed. When the last share arrives the signature is aggregated.
func (s *Session) AddPartial(p *PartialSig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.round != RoundPartialSigExchange {
		return fmt.Errorf("%w: partial in %s", ErrWrongRound, s.round)
	}

	k := key(p.Trustee)
	if !s.inSigningSet(k) {
		return blame(p.Trustee, ErrUnexpectedSigner)
	}

	if _, dup := s.partials[k]; dup {
		return nil
	}

	member := s.members[k]
	if p.Share == nil || p.Index != member.Index ||
		!s.nc.verifyShare(s.suite.Group(), member.Index, member.Public, p.Share) {
		err := s.blameLocked(k, ErrInvalidPartial)
		s.failLocked(err)
		return err
	}

	s.partials[k] = p.Share

	if len(s.partials) == len(s.signing) {
		s.aggregateLocked()
	}

	return nil
}

// aggregateLocked sums the verified shares and checks the result with the
// suite's reference verifier.
func (s *Session) aggregateLocked() {
	g := s.suite.Group()

	sum := g.Scalar().Zero()
	for _, v := range s.partials {
		sum.Add(sum, v)
	}

	sig, err := s.suite.Signature(s.nc.r, sum)
	if err != nil {
		s.failLocked(fmt.Errorf("encode signature:\n%w", err))
		return
	}

	if err := s.suite.Verify(s.cfg.GroupKey, s.cfg.Message, sig); err != nil {
		s.failLocked(fmt.Errorf("aggregate signature:\n%w", err))
		return
	}

	s.signature = sig
	s.round = RoundAggregated
}

// Expire fails a live session whose deadline passed. It returns true if
// the session failed now.
func (s *Session) Expire(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminalLocked() || s.cfg.Deadline.IsZero() || !now.After(s.cfg.Deadline) {
		return false
	}

	s.failLocked(fmt.Errorf("%w in %s", ErrDeadline, s.round))
	return true
}

// Cancel fails a live session.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.terminalLocked() {
		s.failLocked(ErrCancelled)
	}
}

// Fail fails a live session with err.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.terminalLocked() {
		s.failLocked(err)
	}
}

// Done reports whether the session is terminal.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.terminalLocked()
}

// terminalLocked reports whether the session reached a final round.
func (s *Session) terminalLocked() bool {
	return s.round == RoundAggregated || s.round == RoundFailed
}

// failLocked moves the session to RoundFailed once.
func (s *Session) failLocked(err error) {
	if s.round == RoundFailed {
		return
	}

	s.round = RoundFailed
	s.err = err
}

// blameLocked records a culprit and returns the protocol error.
func (s *Session) blameLocked(k string, err error) error {
	perr := blame(s.members[k].ID, err)

	if _, seen := s.blamed[k]; !seen {
		s.culprits = append(s.culprits, k)
	}
	s.blamed[k] = perr

	return perr
}

// inSigningSet reports whether identity key k signs in round two.
func (s *Session) inSigningSet(k string) bool {
	for _, c := range s.signing {
		if key(c.Trustee) == k {
			return true
		}
	}

	return false
}

// IsMember reports whether id was invited.
func (s *Session) IsMember(id []byte) bool {
	for _, p := range s.cfg.Participants {
		if bytes.Equal(p.ID, id) {
			return true
		}
	}

	return false
}
