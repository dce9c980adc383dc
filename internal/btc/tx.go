package btc

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// DustLimit is the smallest taproot output relayed by default policy.
	DustLimit = 330
)

var (
	// ErrInsufficientFunds is returned when inputs do not cover outputs and fee.
	ErrInsufficientFunds = errors.New("insufficient reserve funds")

	// ErrNoOutputs is returned when a spend has no payment outputs.
	ErrNoOutputs = errors.New("no outputs")
)

// UTXO is a reserve output controlled by a trustee set.
type UTXO struct {
	OutPoint wire.OutPoint // OutPoint identifies the output
	Amount   int64         // Amount is the value in satoshis
	PkScript []byte        // PkScript is the locking script
}

// Output is a payment destination.
type Output struct {
	Address string // Address is the encoded Bitcoin address
	Amount  int64  // Amount is the value in satoshis
}

// TaprootKey parses a 33-byte compressed or 32-byte x-only public key.
func TaprootKey(key []byte) (*btcec.PublicKey, error) {
	switch len(key) {
	case 32:
		return schnorr.ParsePubKey(key)
	case 33:
		return btcec.ParsePubKey(key)
	default:
		return nil, fmt.Errorf("public key size %d", len(key))
	}
}

// TaprootAddress returns the key-path-only P2TR address for a committee key.
func TaprootAddress(key []byte, params *chaincfg.Params) (*btcutil.AddressTaproot, error) {
	pub, err := TaprootKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse key:\n%w", err)
	}

	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(pub), params)
}

// TaprootScript returns the P2TR locking script for a committee key.
func TaprootScript(key []byte) ([]byte, error) {
	pub, err := TaprootKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse key:\n%w", err)
	}

	return txscript.PayToTaprootScript(pub)
}

// AddressScript decodes an address for the network and returns its script.
func AddressScript(addr string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("decode address %q:\n%w", addr, err)
	}

	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not for %s", addr, params.Name)
	}

	return txscript.PayToAddrScript(decoded)
}

// SelectUTXOs picks reserve outputs, largest first, until target is covered.
func SelectUTXOs(utxos []UTXO, target int64) ([]UTXO, error) {
	sorted := make([]UTXO, len(utxos))
	copy(sorted, utxos)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Amount > sorted[j].Amount
	})

	var total int64
	for i, u := range sorted {
		total += u.Amount
		if total >= target {
			return sorted[:i+1], nil
		}
	}

	return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, total, target)
}

// BuildSpend builds an unsigned version-2 transaction spending inputs to
// outputs. Value left after fee returns to changeScript; change below the
// dust limit is added to the fee. The change output index is -1 if absent.
func BuildSpend(inputs []UTXO, outputs []Output, fee int64, changeScript []byte, params *chaincfg.Params) (*wire.MsgTx, int, error) {
	if len(outputs) == 0 && changeScript == nil {
		return nil, -1, ErrNoOutputs
	}

	if fee < 0 {
		return nil, -1, fmt.Errorf("negative fee %d", fee)
	}

	tx := wire.NewMsgTx(2)

	var in int64
	for _, u := range inputs {
		op := u.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		in += u.Amount
	}

	var out int64
	for _, o := range outputs {
		if o.Amount <= 0 {
			return nil, -1, fmt.Errorf("output to %s has amount %d", o.Address, o.Amount)
		}

		script, err := AddressScript(o.Address, params)
		if err != nil {
			return nil, -1, err
		}

		tx.AddTxOut(wire.NewTxOut(o.Amount, script))
		out += o.Amount
	}

	change := in - out - fee
	if change < 0 {
		return nil, -1, fmt.Errorf("%w: inputs %d, outputs %d, fee %d", ErrInsufficientFunds, in, out, fee)
	}

	changeIdx := -1
	if change >= DustLimit && changeScript != nil {
		changeIdx = len(tx.TxOut)
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	if len(tx.TxOut) == 0 {
		return nil, -1, ErrNoOutputs
	}

	return tx, changeIdx, nil
}

// PrevOutFetcher returns the previous-output fetcher for a spend's inputs.
func PrevOutFetcher(inputs []UTXO) *txscript.MultiPrevOutFetcher {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for _, u := range inputs {
		prevOuts[u.OutPoint] = wire.NewTxOut(u.Amount, u.PkScript)
	}

	return txscript.NewMultiPrevOutFetcher(prevOuts)
}

// SigHashes computes the BIP341 key-path signing hash of every input.
func SigHashes(tx *wire.MsgTx, inputs []UTXO) ([][]byte, error) {
	if len(inputs) != len(tx.TxIn) {
		return nil, fmt.Errorf("have %d prevouts for %d inputs", len(inputs), len(tx.TxIn))
	}

	fetcher := PrevOutFetcher(inputs)
	cache := txscript.NewTxSigHashes(tx, fetcher)

	hashes := make([][]byte, len(tx.TxIn))
	for i := range tx.TxIn {
		h, err := txscript.CalcTaprootSignatureHash(cache, txscript.SigHashDefault, tx, i, fetcher)
		if err != nil {
			return nil, fmt.Errorf("sighash input %d:\n%w", i, err)
		}
		hashes[i] = h
	}

	return hashes, nil
}

// AttachKeySpend sets the key-path witness of each input to its signature.
func AttachKeySpend(tx *wire.MsgTx, sigs [][]byte) error {
	if len(sigs) != len(tx.TxIn) {
		return fmt.Errorf("have %d signatures for %d inputs", len(sigs), len(tx.TxIn))
	}

	for i, sig := range sigs {
		if len(sig) != schnorr.SignatureSize {
			return fmt.Errorf("signature %d has size %d", i, len(sig))
		}
		tx.TxIn[i].Witness = wire.TxWitness{sig}
	}

	return nil
}

// VerifySpend runs the script engine over every input of a signed spend.
func VerifySpend(tx *wire.MsgTx, inputs []UTXO) error {
	fetcher := PrevOutFetcher(inputs)
	cache := txscript.NewTxSigHashes(tx, fetcher)

	for i, u := range inputs {
		vm, err := txscript.NewEngine(u.PkScript, tx, i, txscript.StandardVerifyFlags, nil, cache, u.Amount, fetcher)
		if err != nil {
			return fmt.Errorf("engine input %d:\n%w", i, err)
		}

		if err := vm.Execute(); err != nil {
			return fmt.Errorf("execute input %d:\n%w", i, err)
		}
	}

	return nil
}

// SerializeTx returns the wire encoding of tx, including witnesses.
func SerializeTx(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	_ = tx.Serialize(&buf)

	return buf.Bytes()
}

// DeserializeTx parses a wire-encoded transaction. A transaction without
// inputs starts with the same zero byte as the segwit marker, so a failed
// witness decode is retried in the legacy encoding.
func DeserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	err := tx.Deserialize(bytes.NewReader(raw))
	if err == nil {
		return tx, nil
	}

	legacy := wire.NewMsgTx(2)
	if legacyErr := legacy.DeserializeNoWitness(bytes.NewReader(raw)); legacyErr != nil || len(legacy.TxIn) != 0 {
		return nil, fmt.Errorf("deserialize tx:\n%w", err)
	}

	return legacy, nil
}

// TxID returns the transaction id of a wire-encoded transaction.
func TxID(tx *wire.MsgTx) chainhash.Hash {
	return tx.TxHash()
}
