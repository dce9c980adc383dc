package signing

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"math/big"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
)

// edOrder is the order of the ed25519 prime-order subgroup.
var edOrder, _ = new(big.Int).SetString("7237005577332262213973186563042994240857116359379907606001950938285454250989", 10)

// edSuite produces RFC 8032 signatures over the kyber edwards25519 group.
type edSuite struct {
	group kyber.Group // group is the kyber edwards25519 suite
}

// newEdSuite creates the ed25519 suite.
func newEdSuite() edSuite {
	return edSuite{group: edwards25519.NewBlakeSHA256Ed25519()}
}

func (edSuite) ID() SuiteID             { return Ed25519 }
func (e edSuite) Group() kyber.Group    { return e.group }
func (edSuite) Negate(kyber.Point) bool { return false }

// Challenge computes SHA-512(R || A || M) modulo the group order.
func (e edSuite) Challenge(r, y kyber.Point, msg []byte) kyber.Scalar {
	h := sha512.New()
	h.Write(mustMarshal(r))
	h.Write(mustMarshal(y))
	h.Write(msg)

	return e.HashToScalar(h.Sum(nil))
}

// HashToScalar reads h as a little-endian integer modulo the group order.
func (e edSuite) HashToScalar(h []byte) kyber.Scalar {
	be := make([]byte, len(h))
	for i, b := range h {
		be[len(h)-1-i] = b
	}

	m := new(big.Int).Mod(new(big.Int).SetBytes(be), edOrder)

	var le [32]byte
	m.FillBytes(le[:])
	for i, j := 0, len(le)-1; i < j; i, j = i+1, j-1 {
		le[i], le[j] = le[j], le[i]
	}

	s := e.group.Scalar()
	if err := s.UnmarshalBinary(le[:]); err != nil {
		panic(fmt.Sprintf("reduced scalar rejected: %v", err))
	}

	return s
}

// Signature encodes R || s.
func (edSuite) Signature(r kyber.Point, s kyber.Scalar) ([]byte, error) {
	sig := make([]byte, 0, ed25519.SignatureSize)
	sig = append(sig, mustMarshal(r)...)
	sig = append(sig, mustMarshal(s)...)

	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature size %d", len(sig))
	}

	return sig, nil
}

// Verify checks sig with the standard library verifier.
func (e edSuite) Verify(key kyber.Point, msg, sig []byte) error {
	pub, err := e.PublicKey(key)
	if err != nil {
		return err
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return ErrBadSignature
	}

	return nil
}

// PublicKey returns the 32-byte ed25519 public key encoding.
func (edSuite) PublicKey(key kyber.Point) ([]byte, error) {
	b := mustMarshal(key)
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key size %d", len(b))
	}

	return b, nil
}
