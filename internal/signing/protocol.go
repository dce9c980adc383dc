package signing

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"go.dedis.ch/kyber/v3"
)

// SessionID identifies one signing session.
type SessionID [32]byte

// String returns the hex encoding of the id.
func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first eight hex characters for logs.
func (id SessionID) Short() string {
	return hex.EncodeToString(id[:4])
}

// NewSessionID derives a fresh session id from a context label and
// random salt, so retries of the same work never collide.
func NewSessionID(context []byte) SessionID {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}

	material := make([]byte, 0, len(context)+len(salt))
	material = append(material, context...)
	material = append(material, salt[:]...)

	var id SessionID
	blake3.DeriveKey(sessionTag, material, id[:])

	return id
}

// ParseSessionID parses a 32-byte session id.
func ParseSessionID(b []byte) (SessionID, error) {
	var id SessionID
	if len(b) != len(id) {
		return id, fmt.Errorf("session id size %d", len(b))
	}
	copy(id[:], b)

	return id, nil
}

// CommitRequest opens round one.
type CommitRequest struct {
	SessionID SessionID // SessionID identifies the session
	Message   []byte    // Message is the digest to sign
	Suite     SuiteID   // Suite selects the key and signature scheme
	Epoch     uint64    // Epoch selects the trustee set whose share signs
	Payload   []byte    // Payload lets the signer reproduce Message
	Deadline  time.Time // Deadline is when the session expires
}

// Commitment is a signer's public nonce pair.
type Commitment struct {
	Trustee []byte      // Trustee is the signer identity
	Index   uint32      // Index is the signer's share index
	Hiding  kyber.Point // Hiding is D = d*G
	Binding kyber.Point // Binding is E = e*G
}

// SignRequest opens round two with the fixed signing set.
type SignRequest struct {
	SessionID   SessionID    // SessionID identifies the session
	Message     []byte       // Message is the digest to sign
	Suite       SuiteID      // Suite selects the key and signature scheme
	Epoch       uint64       // Epoch selects the trustee set
	Commitments []Commitment // Commitments are the signing set's nonces
}

// PartialSig is a signer's round-two contribution.
type PartialSig struct {
	SessionID SessionID    // SessionID identifies the session
	Trustee   []byte       // Trustee is the signer identity
	Index     uint32       // Index is the signer's share index
	Share     kyber.Scalar // Share is s_i
}

// Refusal is a signer's explicit decline to participate.
type Refusal struct {
	SessionID SessionID // SessionID identifies the session
	Trustee   []byte    // Trustee is the signer identity
	Reason    string    // Reason is a human readable cause
}

// sortCommitments orders commitments by share index.
func sortCommitments(commits []Commitment) []Commitment {
	out := make([]Commitment, len(commits))
	copy(out, commits)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	return out
}

// signingSet returns the share indices of sorted commitments.
func signingSet(commits []Commitment) []uint32 {
	set := make([]uint32, len(commits))
	for i, c := range commits {
		set[i] = c.Index
	}

	return set
}

// checkCommitments rejects empty, duplicate or identity commitments.
func checkCommitments(g kyber.Group, commits []Commitment) error {
	if len(commits) == 0 {
		return errors.New("no commitments")
	}

	null := g.Point().Null()
	for i, c := range commits {
		if c.Hiding == nil || c.Binding == nil || c.Hiding.Equal(null) || c.Binding.Equal(null) {
			return fmt.Errorf("commitment %d is the identity", c.Index)
		}
		if i > 0 && commits[i-1].Index == c.Index {
			return fmt.Errorf("%w: %d", ErrDuplicateIndex, c.Index)
		}
	}

	return nil
}

// bindingFactor computes rho over the group key, the message and the
// sorted commitments.
func bindingFactor(suite Suite, groupKey kyber.Point, msg []byte, sorted []Commitment) kyber.Scalar {
	h := blake3.NewDeriveKey(bindingTag)

	h.Write(mustMarshal(groupKey))

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(msg)))
	h.Write(n[:])
	h.Write(msg)

	var idx [4]byte
	for _, c := range sorted {
		binary.BigEndian.PutUint32(idx[:], c.Index)
		h.Write(idx[:])
		h.Write(mustMarshal(c.Hiding))
		h.Write(mustMarshal(c.Binding))
	}

	var out [64]byte
	h.Digest().Read(out[:])

	return suite.HashToScalar(out[:])
}

// nonceContext is what round one fixes for round two.
type nonceContext struct {
	rho       kyber.Scalar           // rho is the binding coefficient
	r         kyber.Point            // r is the normalized group nonce
	negNonce  bool                   // negNonce is set when R was negated
	negKey    bool                   // negKey is set when Y was negated
	challenge kyber.Scalar           // challenge is c
	perSigner map[uint32]kyber.Point // perSigner holds R_i before normalization
	set       []uint32               // set is the sorted signing set
}

// groupNonce combines sorted commitments into the session nonce and challenge.
func groupNonce(suite Suite, groupKey kyber.Point, msg []byte, sorted []Commitment) *nonceContext {
	g := suite.Group()
	rho := bindingFactor(suite, groupKey, msg, sorted)

	nc := &nonceContext{
		rho:       rho,
		perSigner: make(map[uint32]kyber.Point, len(sorted)),
		set:       signingSet(sorted),
	}

	r := g.Point().Null()
	for _, c := range sorted {
		ri := g.Point().Mul(rho, c.Binding)
		ri.Add(ri, c.Hiding)
		nc.perSigner[c.Index] = ri
		r.Add(r, ri)
	}

	nc.negNonce = suite.Negate(r)
	if nc.negNonce {
		r.Neg(r)
	}
	nc.r = r

	y := groupKey.Clone()
	nc.negKey = suite.Negate(y)
	if nc.negKey {
		y.Neg(y)
	}

	nc.challenge = suite.Challenge(r, y, msg)

	return nc
}

// verifyShare checks s_i*G == R_i + lambda_i*c*Y_i with the session's
// normalization applied.
func (nc *nonceContext) verifyShare(g kyber.Group, index uint32, public kyber.Point, s kyber.Scalar) bool {
	ri, ok := nc.perSigner[index]
	if !ok {
		return false
	}

	ri = ri.Clone()
	if nc.negNonce {
		ri.Neg(ri)
	}

	yi := public.Clone()
	if nc.negKey {
		yi.Neg(yi)
	}

	coef := g.Scalar().Mul(Lagrange(g, nc.set, index), nc.challenge)

	want := g.Point().Mul(coef, yi)
	want.Add(want, ri)

	got := g.Point().Mul(s, nil)

	return got.Equal(want)
}

// sameCommitment reports whether two commitments carry identical points.
func sameCommitment(a, b Commitment) bool {
	return a.Index == b.Index &&
		bytes.Equal(mustMarshal(a.Hiding), mustMarshal(b.Hiding)) &&
		bytes.Equal(mustMarshal(a.Binding), mustMarshal(b.Binding))
}
