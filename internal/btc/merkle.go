package btc

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrBadMerkleProof is returned when a branch does not lead to the root.
var ErrBadMerkleProof = errors.New("merkle proof mismatch")

// MerkleProof proves that a transaction is part of a block.
type MerkleProof struct {
	Index  uint32           // Index is the transaction position in the block
	Branch []chainhash.Hash // Branch lists sibling hashes from leaf to root
}

// VerifyMerkleProof checks that txid at proof.Index hashes up to root.
func VerifyMerkleProof(txid chainhash.Hash, proof MerkleProof, root chainhash.Hash) error {
	if len(proof.Branch) > 32 {
		return fmt.Errorf("branch depth %d too large", len(proof.Branch))
	}

	if proof.Index>>uint(len(proof.Branch)) != 0 {
		return fmt.Errorf("index %d out of range for depth %d", proof.Index, len(proof.Branch))
	}

	current := txid
	idx := proof.Index

	for i := range proof.Branch {
		sibling := proof.Branch[i]
		if idx&1 == 1 {
			current = hashPair(sibling, current)
		} else {
			current = hashPair(current, sibling)
		}
		idx >>= 1
	}

	if current != root {
		return ErrBadMerkleProof
	}

	return nil
}

// BuildMerkleProof computes the root of a block's transactions and the
// inclusion proof for the transaction at index.
func BuildMerkleProof(txs []*wire.MsgTx, index int) (chainhash.Hash, MerkleProof, error) {
	if index < 0 || index >= len(txs) {
		return chainhash.Hash{}, MerkleProof{}, fmt.Errorf("index %d out of range", index)
	}

	wrapped := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		wrapped[i] = btcutil.NewTx(tx)
	}

	// Store layout: leaves padded to a power of two, then each level.
	store := blockchain.BuildMerkleTreeStore(wrapped, false)
	root := store[len(store)-1]

	proof := MerkleProof{Index: uint32(index)}

	width := nextPowerOfTwo(len(txs))
	offset := 0
	pos := index

	for width > 1 {
		sibling := pos ^ 1
		node := store[offset+sibling]
		if node == nil {
			// Odd level: the node is paired with itself.
			node = store[offset+pos]
		}

		proof.Branch = append(proof.Branch, *node)

		offset += width
		width >>= 1
		pos >>= 1
	}

	return *root, proof, nil
}

// hashPair returns the double-SHA256 of left || right.
func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])

	return chainhash.DoubleHashH(buf[:])
}

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}

	return p
}
