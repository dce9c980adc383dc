// Package trustee owns the trustee committee: the active set, the set it
// replaced and the rotation to the next one.
package trustee

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/zeebo/blake3"
	"go.dedis.ch/kyber/v3"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/signing"
	"TrusteeBridge/internal/storage"
)

// setDigestTag separates set digests from other blake3 uses.
const setDigestTag = "trustee-bridge set digest v1"

var (
	// ErrInvalidSet is returned for a set that violates its invariants.
	ErrInvalidSet = errors.New("invalid trustee set")

	// ErrKeyMismatch is returned when a set's announced aggregate key is not
	// the one derived from its members.
	ErrKeyMismatch = errors.New("aggregate key does not match member shares")
)

// Member is one trustee of a set.
type Member struct {
	ID       []byte `codec:"id"`      // ID is the ed25519 identity key
	Index    uint32 `codec:"index"`   // Index is the 1-based share index
	HotKey   []byte `codec:"hot"`     // HotKey is the secp256k1 hot share
	ColdKey  []byte `codec:"cold"`    // ColdKey is the secp256k1 cold share
	ChainKey []byte `codec:"chain"`   // ChainKey is the ed25519 share
	BLSKey   []byte `codec:"bls"`     // BLSKey acknowledges rotations
	Address  string `codec:"address"` // Address is the peer endpoint, optional
}

// Set is a finalized trustee committee. It is never mutated once built;
// a rotation replaces it with the next epoch's set.
type Set struct {
	Epoch           uint64   `codec:"epoch"`     // Epoch numbers the set
	Members         []Member `codec:"members"`   // Members are sorted by ID
	Threshold       int      `codec:"threshold"` // Threshold is t
	AggregatePubKey []byte   `codec:"aggregate"` // AggregatePubKey is the hot group key, compressed
	HotPubKey       []byte   `codec:"hot"`       // HotPubKey is the x-only P2TR output key
	ColdPubKey      []byte   `codec:"cold"`      // ColdPubKey is the cold group key, compressed
	ChainPubKey     []byte   `codec:"chain"`     // ChainPubKey is the ed25519 group key
}

// NewSet sorts members, validates them and derives the group keys.
func NewSet(epoch uint64, threshold int, members []Member) (*Set, error) {
	s := &Set{
		Epoch:     epoch,
		Threshold: threshold,
		Members:   make([]Member, len(members)),
	}
	copy(s.Members, members)

	sort.Slice(s.Members, func(i, j int) bool {
		return bytes.Compare(s.Members[i].ID, s.Members[j].ID) < 0
	})

	if err := s.checkMembers(); err != nil {
		return nil, err
	}

	if err := s.deriveKeys(); err != nil {
		return nil, err
	}

	return s, nil
}

// Verify re-derives the group keys of a set received from outside and
// checks them against the announced ones.
func (s *Set) Verify() error {
	derived, err := NewSet(s.Epoch, s.Threshold, s.Members)
	if err != nil {
		return err
	}

	if s.AggregatePubKey != nil && !bytes.Equal(s.AggregatePubKey, derived.AggregatePubKey) {
		return ErrKeyMismatch
	}
	if s.ColdPubKey != nil && !bytes.Equal(s.ColdPubKey, derived.ColdPubKey) {
		return ErrKeyMismatch
	}
	if s.ChainPubKey != nil && !bytes.Equal(s.ChainPubKey, derived.ChainPubKey) {
		return ErrKeyMismatch
	}

	*s = *derived

	return nil
}

// checkMembers validates sizes, thresholds and uniqueness.
func (s *Set) checkMembers() error {
	n := len(s.Members)
	if n == 0 {
		return fmt.Errorf("%w: no members", ErrInvalidSet)
	}

	if s.Threshold < 1 || s.Threshold > n {
		return fmt.Errorf("%w: threshold %d of %d", ErrInvalidSet, s.Threshold, n)
	}

	indices := make(map[uint32]bool, n)
	for i, m := range s.Members {
		if len(m.ID) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: member %d identity size %d", ErrInvalidSet, i, len(m.ID))
		}

		if i > 0 && bytes.Equal(s.Members[i-1].ID, m.ID) {
			return fmt.Errorf("%w: duplicate member %x", ErrInvalidSet, m.ID[:4])
		}

		if m.Index == 0 || indices[m.Index] {
			return fmt.Errorf("%w: share index %d", ErrInvalidSet, m.Index)
		}
		indices[m.Index] = true

		if m.BLSKey != nil && len(m.BLSKey) != BLSPublicKeySize {
			return fmt.Errorf("%w: member %x bls key size %d", ErrInvalidSet, m.ID[:4], len(m.BLSKey))
		}
	}

	return nil
}

// deriveKeys interpolates every group key from the member shares.
func (s *Set) deriveKeys() error {
	hot, err := s.groupKey(signing.Secp256k1, func(m *Member) []byte { return m.HotKey })
	if err != nil {
		return fmt.Errorf("hot key:\n%w", err)
	}

	s.AggregatePubKey, err = hot.MarshalBinary()
	if err != nil {
		return err
	}
	if s.HotPubKey, err = signing.MustLookup(signing.Secp256k1).PublicKey(hot); err != nil {
		return err
	}

	if s.Members[0].ColdKey != nil {
		cold, err := s.groupKey(signing.Secp256k1, func(m *Member) []byte { return m.ColdKey })
		if err != nil {
			return fmt.Errorf("cold key:\n%w", err)
		}
		if s.ColdPubKey, err = cold.MarshalBinary(); err != nil {
			return err
		}
	}

	if s.Members[0].ChainKey != nil {
		chain, err := s.groupKey(signing.Ed25519, func(m *Member) []byte { return m.ChainKey })
		if err != nil {
			return fmt.Errorf("chain key:\n%w", err)
		}
		if s.ChainPubKey, err = chain.MarshalBinary(); err != nil {
			return err
		}
	}

	return nil
}

// groupKey aggregates the shares selected by field.
func (s *Set) groupKey(id signing.SuiteID, field func(*Member) []byte) (kyber.Point, error) {
	suite := signing.MustLookup(id)

	shares := make([]signing.PublicShare, len(s.Members))
	for i := range s.Members {
		p, err := signing.DecodePoint(suite, field(&s.Members[i]))
		if err != nil {
			return nil, fmt.Errorf("%w: member %d: %v", ErrInvalidSet, i, err)
		}
		shares[i] = signing.PublicShare{Index: s.Members[i].Index, Key: p}
	}

	return signing.AggregateKey(suite, shares, s.Threshold)
}

// Digest returns the blake3 digest incoming members acknowledge.
func (s *Set) Digest() []byte {
	enc, err := storage.Encode(s)
	if err != nil {
		panic(fmt.Sprintf("encode set: %v", err))
	}

	out := make([]byte, 32)
	blake3.DeriveKey(setDigestTag, enc, out)

	return out
}

// Size returns the number of members.
func (s *Set) Size() int {
	return len(s.Members)
}

// Member returns the member with identity id.
func (s *Set) Member(id []byte) (Member, bool) {
	i := s.position(id)
	if i < 0 {
		return Member{}, false
	}

	return s.Members[i], true
}

// Contains reports whether id is a member.
func (s *Set) Contains(id []byte) bool {
	return s.position(id) >= 0
}

// position returns the sorted position of id or -1.
func (s *Set) position(id []byte) int {
	i := sort.Search(len(s.Members), func(i int) bool {
		return bytes.Compare(s.Members[i].ID, id) >= 0
	})

	if i < len(s.Members) && bytes.Equal(s.Members[i].ID, id) {
		return i
	}

	return -1
}

// Participants returns the signing participants for suite.
func (s *Set) Participants(id signing.SuiteID) ([]signing.Participant, error) {
	suite, err := signing.Lookup(id)
	if err != nil {
		return nil, err
	}

	out := make([]signing.Participant, len(s.Members))
	for i, m := range s.Members {
		raw := m.HotKey
		if id == signing.Ed25519 {
			raw = m.ChainKey
		}

		p, err := signing.DecodePoint(suite, raw)
		if err != nil {
			return nil, fmt.Errorf("member %s share:\n%w", ShortID(m.ID), err)
		}
		out[i] = signing.Participant{ID: m.ID, Index: m.Index, Public: p}
	}

	return out, nil
}

// GroupKey returns the aggregate key for suite.
func (s *Set) GroupKey(id signing.SuiteID) (kyber.Point, error) {
	suite, err := signing.Lookup(id)
	if err != nil {
		return nil, err
	}

	if id == signing.Ed25519 {
		return signing.DecodePoint(suite, s.ChainPubKey)
	}

	return signing.DecodePoint(suite, s.AggregatePubKey)
}

// HotScript returns the P2TR locking script of the hot address.
func (s *Set) HotScript() ([]byte, error) {
	return btc.TaprootScript(s.HotPubKey)
}

// ColdScript returns the P2TR locking script of the cold address, or nil
// when the set has no cold key.
func (s *Set) ColdScript() ([]byte, error) {
	if s.ColdPubKey == nil {
		return nil, nil
	}

	return btc.TaprootScript(s.ColdPubKey)
}

// HotAddress returns the encoded hot address for a network.
func (s *Set) HotAddress(params *chaincfg.Params) (string, error) {
	addr, err := btc.TaprootAddress(s.HotPubKey, params)
	if err != nil {
		return "", err
	}

	return addr.EncodeAddress(), nil
}

// Diff returns the members of next that are not in s, and the members of
// s that are not in next.
func (s *Set) Diff(next *Set) (added, removed []Member) {
	for _, m := range next.Members {
		if !s.Contains(m.ID) {
			added = append(added, m)
		}
	}

	for _, m := range s.Members {
		if !next.Contains(m.ID) {
			removed = append(removed, m)
		}
	}

	return added, removed
}

// ShortID returns a short hex form of an identity for logs.
func ShortID(id []byte) string {
	if len(id) > 4 {
		id = id[:4]
	}

	return hex.EncodeToString(id)
}
