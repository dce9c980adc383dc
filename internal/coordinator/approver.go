package coordinator

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/signing"
	"TrusteeBridge/internal/storage"
)

var (
	// ErrSighashMismatch is returned when a round-one message is not the
	// sighash of the transaction in its payload.
	ErrSighashMismatch = errors.New("message is not the input sighash")

	// ErrNoPayload is returned for a spend request without a payload.
	ErrNoPayload = errors.New("missing spend payload")
)

// spendPayload lets a signer recompute the sighash it is asked to sign.
type spendPayload struct {
	Tx      []byte   `codec:"tx"`
	Amounts []int64  `codec:"amounts"`
	Scripts [][]byte `codec:"scripts"`
	Input   int      `codec:"input"`
}

// encodeSpendPayload serializes the unsigned spend and its prevouts for
// one input.
func encodeSpendPayload(tx *wire.MsgTx, inputs []btc.UTXO, index int) ([]byte, error) {
	p := spendPayload{
		Tx:      btc.SerializeTx(tx),
		Amounts: make([]int64, len(inputs)),
		Scripts: make([][]byte, len(inputs)),
		Input:   index,
	}

	for i, u := range inputs {
		p.Amounts[i] = u.Amount
		p.Scripts[i] = u.PkScript
	}

	return storage.Encode(p)
}

// decodeSpendPayload parses a payload back into a transaction and its
// prevouts.
func decodeSpendPayload(data []byte) (*wire.MsgTx, []btc.UTXO, int, error) {
	var p spendPayload
	if err := storage.Decode(data, &p); err != nil {
		return nil, nil, 0, err
	}

	tx, err := btc.DeserializeTx(p.Tx)
	if err != nil {
		return nil, nil, 0, err
	}

	if len(p.Amounts) != len(tx.TxIn) || len(p.Scripts) != len(tx.TxIn) {
		return nil, nil, 0, fmt.Errorf("payload has %d prevouts for %d inputs", len(p.Amounts), len(tx.TxIn))
	}

	if p.Input < 0 || p.Input >= len(tx.TxIn) {
		return nil, nil, 0, fmt.Errorf("payload input %d out of range", p.Input)
	}

	inputs := make([]btc.UTXO, len(tx.TxIn))
	for i, in := range tx.TxIn {
		inputs[i] = btc.UTXO{OutPoint: in.PreviousOutPoint, Amount: p.Amounts[i], PkScript: p.Scripts[i]}
	}

	return tx, inputs, p.Input, nil
}

// Policy inspects a spend before a trustee signs it.
type Policy func(tx *wire.MsgTx, inputs []btc.UTXO) error

// SighashApprover returns a signer hook that refuses any secp256k1
// request whose message is not the BIP341 sighash of the transaction in
// its payload, then applies policy when set. Other suites pass through.
func SighashApprover(policy Policy) signing.Approver {
	return func(req *signing.CommitRequest) error {
		if req.Suite != signing.Secp256k1 {
			return nil
		}

		if len(req.Payload) == 0 {
			return ErrNoPayload
		}

		tx, inputs, index, err := decodeSpendPayload(req.Payload)
		if err != nil {
			return fmt.Errorf("decode payload:\n%w", err)
		}

		hashes, err := btc.SigHashes(tx, inputs)
		if err != nil {
			return err
		}

		if !bytes.Equal(hashes[index], req.Message) {
			return ErrSighashMismatch
		}

		if policy != nil {
			return policy(tx, inputs)
		}

		return nil
	}
}
