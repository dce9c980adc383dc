package signing

import (
	"errors"
	"fmt"
	"sort"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/util/random"
)

var (
	// ErrBadThreshold is returned when t is outside [1, n].
	ErrBadThreshold = errors.New("threshold out of range")

	// ErrInconsistentShares is returned when public key shares do not lie
	// on a single polynomial of degree t-1.
	ErrInconsistentShares = errors.New("key shares are inconsistent")

	// ErrDuplicateIndex is returned when two shares use the same index.
	ErrDuplicateIndex = errors.New("duplicate share index")
)

// KeyShare is one trustee's share of a group signing key.
type KeyShare struct {
	Suite     SuiteID      // Suite is the signature suite
	Index     uint32       // Index is the 1-based evaluation point
	Threshold int          // Threshold is the number of shares needed to sign
	Secret    kyber.Scalar // Secret is the share x_i
	Public    kyber.Point  // Public is x_i*G
	GroupKey  kyber.Point  // GroupKey is the aggregate public key Y
}

// PublicShare is the public half of a key share.
type PublicShare struct {
	Index uint32      // Index is the 1-based evaluation point
	Key   kyber.Point // Key is x_i*G
}

// DealShares splits a fresh random key into n shares with threshold t.
// The dealer learns the key; it is meant for genesis and tests.
func DealShares(suite Suite, t, n int) (kyber.Point, []*KeyShare, error) {
	if t < 1 || t > n {
		return nil, nil, fmt.Errorf("%w: t=%d n=%d", ErrBadThreshold, t, n)
	}

	g := suite.Group()
	poly := share.NewPriPoly(g, t, nil, random.New())
	groupKey := poly.Commit(nil).Commit()

	priv := poly.Shares(n)
	out := make([]*KeyShare, n)

	for i, s := range priv {
		out[i] = &KeyShare{
			Suite:     suite.ID(),
			Index:     uint32(s.I + 1),
			Threshold: t,
			Secret:    s.V,
			Public:    g.Point().Mul(s.V, nil),
			GroupKey:  groupKey,
		}
	}

	return groupKey, out, nil
}

// AggregateKey derives the group key from public shares by interpolating
// at zero. The result does not depend on the order of shares. Every share
// beyond the first t must lie on the polynomial the first t define.
func AggregateKey(suite Suite, shares []PublicShare, t int) (kyber.Point, error) {
	n := len(shares)
	if t < 1 || t > n {
		return nil, fmt.Errorf("%w: t=%d n=%d", ErrBadThreshold, t, n)
	}

	sorted := make([]PublicShare, n)
	copy(sorted, shares)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	maxIndex := 0
	for i, s := range sorted {
		if s.Index == 0 {
			return nil, fmt.Errorf("share index must be positive")
		}
		if i > 0 && sorted[i-1].Index == s.Index {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, s.Index)
		}
		if int(s.Index) > maxIndex {
			maxIndex = int(s.Index)
		}
	}

	g := suite.Group()

	pub := make([]*share.PubShare, n)
	for i, s := range sorted {
		pub[i] = &share.PubShare{I: int(s.Index) - 1, V: s.Key}
	}

	key, err := share.RecoverCommit(g, pub, t, maxIndex)
	if err != nil {
		return nil, fmt.Errorf("recover group key:\n%w", err)
	}

	base := sorted[:t]
	for _, s := range sorted[t:] {
		if !interpolate(g, base, s.Index).Equal(s.Key) {
			return nil, fmt.Errorf("%w: share %d", ErrInconsistentShares, s.Index)
		}
	}

	return key, nil
}

// interpolate evaluates the polynomial through points at x.
func interpolate(g kyber.Group, points []PublicShare, x uint32) kyber.Point {
	xs := make([]uint32, len(points))
	for i, p := range points {
		xs[i] = p.Index
	}

	acc := g.Point().Null()
	tmp := g.Point()

	for i, p := range points {
		tmp.Mul(lagrangeAt(g, xs, xs[i], x), p.Key)
		acc.Add(acc, tmp)
	}

	return acc
}

// Lagrange returns the coefficient of index within set for interpolation
// at zero.
func Lagrange(g kyber.Group, set []uint32, index uint32) kyber.Scalar {
	return lagrangeAt(g, set, index, 0)
}

// lagrangeAt returns prod_{j != i} (x - x_j) / (x_i - x_j).
func lagrangeAt(g kyber.Group, set []uint32, xi uint32, x uint32) kyber.Scalar {
	num := g.Scalar().One()
	den := g.Scalar().One()
	tmp := g.Scalar()

	sx := g.Scalar().SetInt64(int64(x))
	si := g.Scalar().SetInt64(int64(xi))

	for _, xj := range set {
		if xj == xi {
			continue
		}

		sj := g.Scalar().SetInt64(int64(xj))
		num.Mul(num, tmp.Sub(sx, sj))
		den.Mul(den, tmp.Sub(si, sj))
	}

	return num.Div(num, den)
}

// PublicShares returns the public halves of shares.
func PublicShares(shares []*KeyShare) []PublicShare {
	out := make([]PublicShare, len(shares))
	for i, s := range shares {
		out[i] = PublicShare{Index: s.Index, Key: s.Public}
	}

	return out
}
