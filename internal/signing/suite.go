// Package signing implements two-round threshold Schnorr signatures.
//
// A session runs in two rounds. In the first, every participant commits to
// a pair of nonce points (D, E). The coordinator then fixes the signing set,
// derives a single binding coefficient rho over the group key, the message
// and all commitments, and asks each signer for its share of the signature:
//
//	R_i = D_i + rho*E_i
//	R   = sum(R_i)
//	c   = challenge(R, Y, m)
//	s_i = d_i + rho*e_i + lambda_i*c*x_i
//
// Shares are checked one by one against the signer's public key share before
// they are summed, so a bad contribution is always attributed.
//
// Two suites are provided: secp256k1 producing BIP340 signatures for taproot
// key-path spends, and ed25519 producing RFC 8032 signatures for the layer-2
// committee identity.
package signing

import (
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
)

// Domain separation tags. The version suffix changes with any change to the
// hashed layout.
const (
	bindingTag = "trustee-bridge frost binding v1"
	nonceTag   = "trustee-bridge frost nonce v1"
	sessionTag = "trustee-bridge session id v1"
)

// SuiteID identifies a signature suite on the wire.
type SuiteID byte

const (
	// Secp256k1 signs BIP340 Schnorr signatures.
	Secp256k1 SuiteID = 1

	// Ed25519 signs RFC 8032 signatures.
	Ed25519 SuiteID = 2
)

// String returns the suite name.
func (id SuiteID) String() string {
	switch id {
	case Secp256k1:
		return "secp256k1"
	case Ed25519:
		return "ed25519"
	default:
		return fmt.Sprintf("suite(%d)", byte(id))
	}
}

// ErrUnknownSuite is returned for an unsupported suite id.
var ErrUnknownSuite = errors.New("unknown signature suite")

// Suite binds a prime-order group to a Schnorr challenge and signature
// encoding.
type Suite interface {
	// ID returns the wire identifier.
	ID() SuiteID

	// Group returns the group keys and nonces live in.
	Group() kyber.Group

	// Challenge computes c = H(R, Y, msg) reduced to a scalar. R and Y are
	// already normalized.
	Challenge(r, y kyber.Point, msg []byte) kyber.Scalar

	// HashToScalar reduces a uniform hash output to a scalar.
	HashToScalar(h []byte) kyber.Scalar

	// Negate reports whether p must be negated before use as a key or
	// nonce. BIP340 requires even Y coordinates.
	Negate(p kyber.Point) bool

	// Signature encodes the final (R, s) pair.
	Signature(r kyber.Point, s kyber.Scalar) ([]byte, error)

	// Verify checks a signature with the suite's reference verifier.
	Verify(key kyber.Point, msg, sig []byte) error

	// PublicKey returns the externally visible encoding of a group key.
	PublicKey(key kyber.Point) ([]byte, error)
}

var suites = map[SuiteID]Suite{
	Secp256k1: secpSuite{},
	Ed25519:   newEdSuite(),
}

// Lookup returns the suite registered under id.
func Lookup(id SuiteID) (Suite, error) {
	s, ok := suites[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSuite, byte(id))
	}

	return s, nil
}

// MustLookup returns the suite registered under id and panics if unknown.
func MustLookup(id SuiteID) Suite {
	s, err := Lookup(id)
	if err != nil {
		panic(err)
	}

	return s
}

// DecodePoint parses a marshaled group element of the suite.
func DecodePoint(s Suite, data []byte) (kyber.Point, error) {
	p := s.Group().Point()
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode %s point:\n%w", s.ID(), err)
	}

	return p, nil
}

// DecodeScalar parses a marshaled scalar of the suite.
func DecodeScalar(s Suite, data []byte) (kyber.Scalar, error) {
	v := s.Group().Scalar()
	if err := v.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode %s scalar:\n%w", s.ID(), err)
	}

	return v, nil
}

// mustMarshal marshals a point or scalar whose encoding cannot fail.
func mustMarshal(m interface{ MarshalBinary() ([]byte, error) }) []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("marshal: %v", err))
	}

	return b
}
