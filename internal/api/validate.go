package api

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/coordinator"
	"TrusteeBridge/internal/headers"
)

const (
	// maxHeaders bounds the headers of one POST /headers.
	maxHeaders = 2000

	// maxBranch bounds a merkle branch.
	maxBranch = 32

	// maxPrevOuts bounds the vouched inputs of one proof.
	maxPrevOuts = 256
)

// validateWithdrawal converts a withdrawal body. Amount and address rules
// are enforced by the coordinator.
func validateWithdrawal(req *WithdrawalRequest) ([]btc.Output, error) {
	if len(req.Outputs) == 0 {
		return nil, fmt.Errorf("no outputs")
	}

	outputs := make([]btc.Output, len(req.Outputs))
	for i, o := range req.Outputs {
		if o.Address == "" {
			return nil, fmt.Errorf("output %d: empty address", i)
		}
		outputs[i] = btc.Output{Address: o.Address, Amount: o.Amount}
	}

	return outputs, nil
}

// decodeHeaders decodes hex headers. An entry that is not hex stays nil
// and is rejected as malformed by the verifier.
func decodeHeaders(req *HeadersRequest) ([][]byte, error) {
	if len(req.Headers) == 0 {
		return nil, fmt.Errorf("no headers")
	}
	if len(req.Headers) > maxHeaders {
		return nil, fmt.Errorf("too many headers: %d (max %d)", len(req.Headers), maxHeaders)
	}

	raws := make([][]byte, len(req.Headers))
	for i, h := range req.Headers {
		raw, err := hex.DecodeString(h)
		if err == nil {
			raws[i] = raw
		}
	}

	return raws, nil
}

// decodeProof converts a deposit body into an inclusion proof.
func decodeProof(req *DepositRequest) (headers.InclusionProof, error) {
	var p headers.InclusionProof

	tx, err := hex.DecodeString(req.Tx)
	if err != nil || len(tx) == 0 {
		return p, fmt.Errorf("invalid tx hex")
	}
	p.Tx = tx

	block, err := chainhash.NewHashFromStr(req.BlockHash)
	if err != nil {
		return p, fmt.Errorf("invalid block hash:\n%w", err)
	}
	p.BlockHash = *block

	if len(req.Branch) > maxBranch {
		return p, fmt.Errorf("branch too deep: %d", len(req.Branch))
	}

	p.Proof.Index = req.Index
	for i, b := range req.Branch {
		h, err := chainhash.NewHashFromStr(b)
		if err != nil {
			return p, fmt.Errorf("branch %d:\n%w", i, err)
		}
		p.Proof.Branch = append(p.Proof.Branch, *h)
	}

	if len(req.PrevOuts) > maxPrevOuts {
		return p, fmt.Errorf("too many prevouts: %d", len(req.PrevOuts))
	}

	if len(req.PrevOuts) > 0 {
		p.PrevOuts = make(map[wire.OutPoint]*wire.TxOut, len(req.PrevOuts))
	}

	for i, po := range req.PrevOuts {
		txid, err := chainhash.NewHashFromStr(po.TxID)
		if err != nil {
			return p, fmt.Errorf("prevout %d:\n%w", i, err)
		}
		script, err := hex.DecodeString(po.Script)
		if err != nil {
			return p, fmt.Errorf("prevout %d: invalid script hex", i)
		}

		p.PrevOuts[*wire.NewOutPoint(txid, po.Vout)] = wire.NewTxOut(po.Amount, script)
	}

	return p, nil
}

// decodeAck converts an acknowledgement body.
func decodeAck(req *AckRequest) (id, sig []byte, err error) {
	if id, err = hex.DecodeString(req.ID); err != nil || len(id) == 0 {
		return nil, nil, fmt.Errorf("invalid trustee id")
	}
	if sig, err = hex.DecodeString(req.Signature); err != nil || len(sig) == 0 {
		return nil, nil, fmt.Errorf("invalid signature")
	}

	return id, sig, nil
}

// withdrawalView converts a request for display.
func withdrawalView(w *coordinator.Withdrawal) Withdrawal {
	out := Withdrawal{
		ID:        w.ID.String(),
		Status:    w.Status.String(),
		Fee:       w.Fee,
		Attempts:  w.Attempts,
		Reason:    w.Reason,
		Epoch:     w.Epoch,
		CreatedAt: w.CreatedAt,
	}

	if w.TxID != (chainhash.Hash{}) {
		out.TxID = w.TxID.String()
	}

	for _, o := range w.Outputs {
		out.Outputs = append(out.Outputs, Output{Address: o.Address, Amount: o.Amount})
	}

	return out
}
