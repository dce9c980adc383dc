// Package btc holds the Bitcoin primitives the custody bridge needs:
// header decoding and proof-of-work rules, taproot reserve addresses,
// transaction building and signing hashes, merkle inclusion proofs and
// classification of transactions touching the reserve.
package btc

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// HeaderSize is the size of a serialized block header.
	HeaderSize = 80

	// MedianTimeBlocks is the number of previous headers used for median time.
	MedianTimeBlocks = 11

	// MaxFutureDrift is how far ahead of local time a header timestamp may be.
	MaxFutureDrift = 2 * time.Hour
)

// Params returns the chain parameters for a network name.
func Params(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet", "main", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", name)
	}
}

// DecodeHeader parses an 80-byte serialized block header.
func DecodeHeader(raw []byte) (*wire.BlockHeader, error) {
	if len(raw) != HeaderSize {
		return nil, fmt.Errorf("header size %d, want %d", len(raw), HeaderSize)
	}

	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize header:\n%w", err)
	}

	return &h, nil
}

// EncodeHeader serializes a block header to its 80-byte form.
func EncodeHeader(h *wire.BlockHeader) []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)

	// Serialize into a bytes.Buffer cannot fail.
	_ = h.Serialize(&buf)

	return buf.Bytes()
}

// Work returns the expected number of hashes for a header with the given bits.
func Work(bits uint32) *big.Int {
	return blockchain.CalcWork(bits)
}

// CheckProofOfWork verifies hash <= target(bits) <= powLimit.
func CheckProofOfWork(hash chainhash.Hash, bits uint32, powLimit *big.Int) error {
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("target %064x is not positive", target)
	}

	if target.Cmp(powLimit) > 0 {
		return fmt.Errorf("target %064x above pow limit %064x", target, powLimit)
	}

	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return fmt.Errorf("hash %s above target %064x", hash, target)
	}

	return nil
}

// RetargetInterval returns the number of headers between difficulty changes.
func RetargetInterval(params *chaincfg.Params) uint64 {
	return uint64(params.TargetTimespan / params.TargetTimePerBlock)
}

// NextBits computes the difficulty bits of the first header of a new
// retarget window. lastBits is the bits of the window's last header and
// the timespan runs from the window's first header to its last.
func NextBits(params *chaincfg.Params, lastBits uint32, first, last time.Time) uint32 {
	target := int64(params.TargetTimespan / time.Second)
	factor := params.RetargetAdjustmentFactor

	actual := last.Unix() - first.Unix()
	if actual < target/factor {
		actual = target / factor
	}
	if actual > target*factor {
		actual = target * factor
	}

	next := new(big.Int).Mul(blockchain.CompactToBig(lastBits), big.NewInt(actual))
	next.Div(next, big.NewInt(target))

	if next.Cmp(params.PowLimit) > 0 {
		next.Set(params.PowLimit)
	}

	return blockchain.BigToCompact(next)
}

// MedianTime returns the median of the given timestamps.
func MedianTime(times []time.Time) time.Time {
	if len(times) == 0 {
		return time.Time{}
	}

	sorted := make([]int64, len(times))
	for i, t := range times {
		sorted[i] = t.Unix()
	}

	// Insertion sort: at most MedianTimeBlocks entries.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	return time.Unix(sorted[len(sorted)/2], 0)
}
