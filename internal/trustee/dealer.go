package trustee

import (
	"bytes"
	"fmt"
	"sort"

	"TrusteeBridge/internal/signing"
)

// Identity is a trustee's public identity before shares are dealt.
type Identity struct {
	ID      []byte // ID is the ed25519 identity key
	BLSKey  []byte // BLSKey acknowledges rotations, may be nil
	Address string // Address is the peer endpoint, optional
}

// Deal runs a trusted dealer for a new set: it splits fresh hot, cold and
// chain keys among ids with threshold t. Key files are returned in the
// set's member order.
func Deal(epoch uint64, threshold int, ids []Identity) (*Set, []*KeyFile, error) {
	sorted := make([]Identity, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ID, sorted[j].ID) < 0
	})

	n := len(sorted)

	_, hot, err := signing.DealShares(signing.MustLookup(signing.Secp256k1), threshold, n)
	if err != nil {
		return nil, nil, fmt.Errorf("deal hot key:\n%w", err)
	}
	_, cold, err := signing.DealShares(signing.MustLookup(signing.Secp256k1), threshold, n)
	if err != nil {
		return nil, nil, fmt.Errorf("deal cold key:\n%w", err)
	}
	_, chain, err := signing.DealShares(signing.MustLookup(signing.Ed25519), threshold, n)
	if err != nil {
		return nil, nil, fmt.Errorf("deal chain key:\n%w", err)
	}

	members := make([]Member, n)
	files := make([]*KeyFile, n)

	for i, id := range sorted {
		m := Member{
			ID:      id.ID,
			Index:   hot[i].Index,
			BLSKey:  id.BLSKey,
			Address: id.Address,
		}

		if m.HotKey, err = hot[i].Public.MarshalBinary(); err != nil {
			return nil, nil, err
		}
		if m.ColdKey, err = cold[i].Public.MarshalBinary(); err != nil {
			return nil, nil, err
		}
		if m.ChainKey, err = chain[i].Public.MarshalBinary(); err != nil {
			return nil, nil, err
		}

		members[i] = m
		files[i] = &KeyFile{Epoch: epoch, Hot: hot[i], Cold: cold[i], Chain: chain[i]}
	}

	set, err := NewSet(epoch, threshold, members)
	if err != nil {
		return nil, nil, err
	}

	return set, files, nil
}
