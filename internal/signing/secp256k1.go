package signing

import (
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.dedis.ch/kyber/v3"
)

const (
	secpScalarLen = 32
	secpPointLen  = 33
)

var (
	// ErrBadSignature is returned when a final signature does not verify.
	ErrBadSignature = errors.New("signature verification failed")

	errScalarRange = errors.New("scalar not below group order")
	errNoEmbedding = errors.New("secp256k1 points carry no embedded data")

	challengeTag = []byte("BIP0340/challenge")
	curveOrder   = btcec.S256().Params().N
)

// secpGroup adapts btcec arithmetic to the kyber group interface.
type secpGroup struct{}

func (secpGroup) String() string       { return "secp256k1" }
func (secpGroup) ScalarLen() int       { return secpScalarLen }
func (secpGroup) Scalar() kyber.Scalar { return new(secpScalar) }
func (secpGroup) PointLen() int        { return secpPointLen }
func (secpGroup) Point() kyber.Point   { return new(secpPoint) }

// secpScalar is an integer modulo the secp256k1 group order.
// Operands are copied before use so receivers may alias arguments.
type secpScalar struct {
	v btcec.ModNScalar
}

// scalarOf unwraps a kyber scalar of this group.
func scalarOf(s kyber.Scalar) btcec.ModNScalar {
	return s.(*secpScalar).v
}

// setBig reduces x modulo the group order.
func (s *secpScalar) setBig(x *big.Int) *secpScalar {
	m := new(big.Int).Mod(x, curveOrder)

	var b [32]byte
	m.FillBytes(b[:])
	s.v.SetBytes(&b)

	return s
}

func (s *secpScalar) MarshalBinary() ([]byte, error) {
	b := s.v.Bytes()
	return b[:], nil
}

func (s *secpScalar) UnmarshalBinary(data []byte) error {
	if len(data) != secpScalarLen {
		return fmt.Errorf("scalar size %d", len(data))
	}

	var b [32]byte
	copy(b[:], data)

	var v btcec.ModNScalar
	if v.SetBytes(&b) != 0 {
		return errScalarRange
	}
	s.v = v

	return nil
}

func (s *secpScalar) String() string {
	b := s.v.Bytes()
	return hex.EncodeToString(b[:])
}

func (s *secpScalar) MarshalSize() int { return secpScalarLen }

func (s *secpScalar) MarshalTo(w io.Writer) (int, error) {
	b, _ := s.MarshalBinary()
	return w.Write(b)
}

func (s *secpScalar) UnmarshalFrom(r io.Reader) (int, error) {
	buf := make([]byte, secpScalarLen)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return n, err
	}

	return n, s.UnmarshalBinary(buf)
}

func (s *secpScalar) Equal(o kyber.Scalar) bool {
	v := scalarOf(o)
	return s.v.Equals(&v)
}

func (s *secpScalar) Set(a kyber.Scalar) kyber.Scalar {
	s.v = scalarOf(a)
	return s
}

func (s *secpScalar) Clone() kyber.Scalar {
	c := *s
	return &c
}

func (s *secpScalar) SetInt64(v int64) kyber.Scalar {
	return s.setBig(big.NewInt(v))
}

func (s *secpScalar) Zero() kyber.Scalar {
	s.v.Zero()
	return s
}

func (s *secpScalar) Add(a, b kyber.Scalar) kyber.Scalar {
	x, y := scalarOf(a), scalarOf(b)
	s.v.Add2(&x, &y)
	return s
}

func (s *secpScalar) Sub(a, b kyber.Scalar) kyber.Scalar {
	x, y := scalarOf(a), scalarOf(b)
	y.Negate()
	s.v.Add2(&x, &y)
	return s
}

func (s *secpScalar) Neg(a kyber.Scalar) kyber.Scalar {
	x := scalarOf(a)
	s.v.NegateVal(&x)
	return s
}

func (s *secpScalar) One() kyber.Scalar {
	s.v.SetInt(1)
	return s
}

func (s *secpScalar) Mul(a, b kyber.Scalar) kyber.Scalar {
	x, y := scalarOf(a), scalarOf(b)
	s.v.Mul2(&x, &y)
	return s
}

func (s *secpScalar) Div(a, b kyber.Scalar) kyber.Scalar {
	x, y := scalarOf(a), scalarOf(b)
	y.InverseNonConst()
	s.v.Mul2(&x, &y)
	return s
}

func (s *secpScalar) Inv(a kyber.Scalar) kyber.Scalar {
	x := scalarOf(a)
	s.v.InverseValNonConst(&x)
	return s
}

// Pick draws 64 bytes from rand so the reduction bias is negligible.
func (s *secpScalar) Pick(rand cipher.Stream) kyber.Scalar {
	var buf [64]byte
	rand.XORKeyStream(buf[:], buf[:])

	return s.setBig(new(big.Int).SetBytes(buf[:]))
}

// SetBytes interprets b as a big-endian integer and reduces it.
func (s *secpScalar) SetBytes(b []byte) kyber.Scalar {
	return s.setBig(new(big.Int).SetBytes(b))
}

// secpPoint is a curve point kept in affine form. The zero value is the
// point at infinity.
type secpPoint struct {
	j btcec.JacobianPoint
}

// pointOf unwraps a kyber point of this group.
func pointOf(p kyber.Point) btcec.JacobianPoint {
	return p.(*secpPoint).j
}

// isInfinity reports whether p is the identity.
func isInfinity(j *btcec.JacobianPoint) bool {
	return j.Z.IsZero()
}

// normalize brings the point to affine form or to the canonical identity.
func (p *secpPoint) normalize() *secpPoint {
	p.j.Z.Normalize()
	if p.j.Z.IsZero() {
		p.j = btcec.JacobianPoint{}
		return p
	}

	p.j.ToAffine()
	if p.j.X.IsZero() && p.j.Y.IsZero() {
		p.j = btcec.JacobianPoint{}
	}

	return p
}

func (p *secpPoint) MarshalBinary() ([]byte, error) {
	out := make([]byte, secpPointLen)
	if isInfinity(&p.j) {
		return out, nil
	}

	out[0] = 0x02
	if p.j.Y.IsOdd() {
		out[0] = 0x03
	}
	copy(out[1:], p.j.X.Bytes()[:])

	return out, nil
}

// UnmarshalBinary accepts a compressed point or 33 zero bytes for the
// identity.
func (p *secpPoint) UnmarshalBinary(data []byte) error {
	if len(data) != secpPointLen {
		return fmt.Errorf("point size %d", len(data))
	}

	if data[0] == 0 {
		for _, b := range data[1:] {
			if b != 0 {
				return fmt.Errorf("bad identity encoding")
			}
		}
		p.j = btcec.JacobianPoint{}
		return nil
	}

	pub, err := btcec.ParsePubKey(data)
	if err != nil {
		return fmt.Errorf("parse point:\n%w", err)
	}

	var j btcec.JacobianPoint
	pub.AsJacobian(&j)
	p.j = j
	p.normalize()

	return nil
}

func (p *secpPoint) String() string {
	b, _ := p.MarshalBinary()
	return hex.EncodeToString(b)
}

func (p *secpPoint) MarshalSize() int { return secpPointLen }

func (p *secpPoint) MarshalTo(w io.Writer) (int, error) {
	b, _ := p.MarshalBinary()
	return w.Write(b)
}

func (p *secpPoint) UnmarshalFrom(r io.Reader) (int, error) {
	buf := make([]byte, secpPointLen)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return n, err
	}

	return n, p.UnmarshalBinary(buf)
}

func (p *secpPoint) Equal(o kyber.Point) bool {
	q := pointOf(o)

	a, b := isInfinity(&p.j), isInfinity(&q)
	if a || b {
		return a == b
	}

	return p.j.X.Equals(&q.X) && p.j.Y.Equals(&q.Y)
}

func (p *secpPoint) Null() kyber.Point {
	p.j = btcec.JacobianPoint{}
	return p
}

func (p *secpPoint) Base() kyber.Point {
	btcec.GeneratorJacobian(&p.j)
	p.normalize()
	return p
}

func (p *secpPoint) Pick(rand cipher.Stream) kyber.Point {
	k := new(secpScalar).Pick(rand)
	return p.Mul(k, nil)
}

func (p *secpPoint) Set(o kyber.Point) kyber.Point {
	p.j = pointOf(o)
	return p
}

func (p *secpPoint) Clone() kyber.Point {
	c := *p
	return &c
}

func (p *secpPoint) EmbedLen() int { return 0 }

func (p *secpPoint) Embed(_ []byte, rand cipher.Stream) kyber.Point {
	return p.Pick(rand)
}

func (p *secpPoint) Data() ([]byte, error) {
	return nil, errNoEmbedding
}

func (p *secpPoint) Add(a, b kyber.Point) kyber.Point {
	x, y := pointOf(a), pointOf(b)

	var r btcec.JacobianPoint
	btcec.AddNonConst(&x, &y, &r)
	p.j = r

	return p.normalize()
}

func (p *secpPoint) Sub(a, b kyber.Point) kyber.Point {
	neg := new(secpPoint).Neg(b)
	return p.Add(a, neg)
}

func (p *secpPoint) Neg(a kyber.Point) kyber.Point {
	x := pointOf(a)
	if !isInfinity(&x) {
		x.Y.Negate(1)
		x.Y.Normalize()
	}
	p.j = x

	return p
}

// Mul computes s*q, or s*G when q is nil.
func (p *secpPoint) Mul(s kyber.Scalar, q kyber.Point) kyber.Point {
	k := scalarOf(s)

	var r btcec.JacobianPoint
	if q == nil {
		btcec.ScalarBaseMultNonConst(&k, &r)
	} else {
		x := pointOf(q)
		if isInfinity(&x) || k.IsZero() {
			p.j = btcec.JacobianPoint{}
			return p
		}
		btcec.ScalarMultNonConst(&k, &x, &r)
	}
	p.j = r

	return p.normalize()
}

// secpSuite produces BIP340 signatures.
type secpSuite struct{}

func (secpSuite) ID() SuiteID        { return Secp256k1 }
func (secpSuite) Group() kyber.Group { return secpGroup{} }

// xOnly returns the 32-byte x coordinate of a non-identity point.
func xOnly(p kyber.Point) []byte {
	b := mustMarshal(p)
	return b[1:]
}

// Challenge computes the BIP340 tagged challenge hash.
func (s secpSuite) Challenge(r, y kyber.Point, msg []byte) kyber.Scalar {
	h := chainhash.TaggedHash(challengeTag, xOnly(r), xOnly(y), msg)
	return s.HashToScalar(h[:])
}

// HashToScalar reads h as a big-endian integer modulo the group order.
func (secpSuite) HashToScalar(h []byte) kyber.Scalar {
	return new(secpScalar).SetBytes(h)
}

// Negate reports whether p has an odd Y coordinate.
func (secpSuite) Negate(p kyber.Point) bool {
	j := pointOf(p)
	return !isInfinity(&j) && j.Y.IsOdd()
}

// Signature encodes x(R) || s.
func (secpSuite) Signature(r kyber.Point, s kyber.Scalar) ([]byte, error) {
	j := pointOf(r)
	if isInfinity(&j) {
		return nil, fmt.Errorf("nonce is the identity")
	}

	v := scalarOf(s)
	sb := v.Bytes()

	sig := make([]byte, 0, schnorr.SignatureSize)
	sig = append(sig, xOnly(r)...)
	sig = append(sig, sb[:]...)

	return sig, nil
}

// Verify checks sig with the btcec BIP340 verifier.
func (s secpSuite) Verify(key kyber.Point, msg, sig []byte) error {
	xonly, err := s.PublicKey(key)
	if err != nil {
		return err
	}

	pub, err := schnorr.ParsePubKey(xonly)
	if err != nil {
		return fmt.Errorf("parse key:\n%w", err)
	}

	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if !parsed.Verify(msg, pub) {
		return ErrBadSignature
	}

	return nil
}

// PublicKey returns the 32-byte x-only key used in taproot outputs.
func (secpSuite) PublicKey(key kyber.Point) ([]byte, error) {
	j := pointOf(key)
	if isInfinity(&j) {
		return nil, fmt.Errorf("group key is the identity")
	}

	return xOnly(key), nil
}
