// Package btctest builds regtest header chains and funding transactions
// for tests of the header verifier and the custody flows.
package btctest

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc"
)

// Params are the regtest parameters: minimal difficulty, no retargeting.
var Params = &chaincfg.RegressionNetParams

// Spacing is the timestamp step between mined headers.
const Spacing = 10 * time.Minute

// Genesis returns a copy of the regtest genesis header.
func Genesis() *wire.BlockHeader {
	h := Params.GenesisBlock.Header
	return &h
}

// Mine returns a header on top of prev that satisfies proof of work.
func Mine(prev *wire.BlockHeader, merkleRoot chainhash.Hash, ts time.Time) *wire.BlockHeader {
	return MineBits(prev, Params.PowLimitBits, merkleRoot, ts)
}

// MineBits mines a header with explicit difficulty bits.
func MineBits(prev *wire.BlockHeader, bits uint32, merkleRoot chainhash.Hash, ts time.Time) *wire.BlockHeader {
	h := &wire.BlockHeader{
		Version:    4,
		PrevBlock:  prev.BlockHash(),
		MerkleRoot: merkleRoot,
		Timestamp:  time.Unix(ts.Unix(), 0),
		Bits:       bits,
	}

	for {
		if btc.CheckProofOfWork(h.BlockHash(), h.Bits, Params.PowLimit) == nil {
			return h
		}
		h.Nonce++
	}
}

// Extend mines n headers on top of prev with distinct merkle roots
// derived from salt, so that competing branches never collide.
func Extend(prev *wire.BlockHeader, n int, salt byte) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, 0, n)

	for i := 0; i < n; i++ {
		var root chainhash.Hash
		root[0] = salt
		root[1] = byte(i)
		root[2] = byte(i >> 8)

		next := Mine(prev, root, prev.Timestamp.Add(Spacing))
		headers = append(headers, next)
		prev = next
	}

	return headers
}

// MineWithTxs mines a header on top of prev committing to txs.
func MineWithTxs(prev *wire.BlockHeader, txs []*wire.MsgTx) (*wire.BlockHeader, error) {
	root, _, err := btc.BuildMerkleProof(txs, 0)
	if err != nil {
		return nil, err
	}

	return Mine(prev, root, prev.Timestamp.Add(Spacing)), nil
}

// FundingTx returns a transaction from a foreign input paying amount to
// script, with an optional OP_RETURN memo.
func FundingTx(script []byte, amount int64, memo string) *wire.MsgTx {
	tx := wire.NewMsgTx(2)

	var foreign chainhash.Hash
	foreign[31] = 0xaa
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&foreign, uint32(amount%7)), nil, nil))
	tx.AddTxOut(wire.NewTxOut(amount, script))

	if memo != "" {
		nullData, err := btc.NullDataScript([]byte(memo))
		if err == nil {
			tx.AddTxOut(wire.NewTxOut(0, nullData))
		}
	}

	return tx
}
