package btc

import (
	"bytes"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TxType is the role of a transaction relative to the reserve.
type TxType int

const (
	// Irrelevance is any transaction the bridge does not act on.
	Irrelevance TxType = iota

	// Deposit pays into the current hot address.
	Deposit

	// Withdrawal spends the reserve to outside addresses.
	Withdrawal

	// HotAndCold moves funds only between trustee addresses.
	HotAndCold

	// TrusteeTransition moves the previous set's reserve to the current set.
	TrusteeTransition
)

// String returns the type name.
func (t TxType) String() string {
	switch t {
	case Deposit:
		return "deposit"
	case Withdrawal:
		return "withdrawal"
	case HotAndCold:
		return "hot-and-cold"
	case TrusteeTransition:
		return "trustee-transition"
	default:
		return "irrelevance"
	}
}

// maxRecipientLen bounds the OP_RETURN account reference.
const maxRecipientLen = 80

// TrusteeScripts are the locking scripts of the current and previous sets.
type TrusteeScripts struct {
	Hot      []byte // Hot is the current hot address script
	Cold     []byte // Cold is the current cold address script
	PrevHot  []byte // PrevHot is the previous set's hot script, if any
	PrevCold []byte // PrevCold is the previous set's cold script, if any
}

// Classification is the result of classifying a transaction.
type Classification struct {
	Type      TxType // Type is the transaction role
	Amount    int64  // Amount is the deposited value for deposits
	Recipient string // Recipient is the layer-2 account from OP_RETURN
	Referral  string // Referral is the optional referrer from OP_RETURN
	Sender    string // Sender is the address of the first input, if known
}

// Classifier sorts transactions by how they touch the reserve.
type Classifier struct {
	Scripts    TrusteeScripts   // Scripts are the trustee addresses
	MinDeposit int64            // MinDeposit is the smallest credited deposit
	Params     *chaincfg.Params // Params encode sender addresses, nil skips them
}

// Classify inspects tx. prevOuts holds the spent outputs that are known;
// inputs missing from it are treated as foreign.
func (c *Classifier) Classify(tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut) Classification {
	fromCurrent, fromPrev := c.inputOrigins(tx, prevOuts)

	if fromPrev && c.allOutputsTo(tx, c.Scripts.Hot, c.Scripts.Cold) {
		return Classification{Type: TrusteeTransition}
	}

	if fromCurrent {
		if c.allOutputsTo(tx, c.Scripts.Hot, c.Scripts.Cold) {
			return Classification{Type: HotAndCold}
		}
		return Classification{Type: Withdrawal}
	}

	return c.classifyDeposit(tx, prevOuts)
}

// classifyDeposit sums outputs to the hot address and reads the OP_RETURN.
func (c *Classifier) classifyDeposit(tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut) Classification {
	var amount int64
	var recipient, referral string

	for _, out := range tx.TxOut {
		if len(c.Scripts.Hot) > 0 && bytes.Equal(out.PkScript, c.Scripts.Hot) {
			amount += out.Value
			continue
		}

		if data, ok := NullData(out.PkScript); ok && recipient == "" {
			recipient, referral = ParseRecipient(data)
		}
	}

	if amount == 0 || amount < c.MinDeposit {
		return Classification{Type: Irrelevance}
	}

	return Classification{
		Type:      Deposit,
		Amount:    amount,
		Recipient: recipient,
		Referral:  referral,
		Sender:    InputAddress(tx, prevOuts, c.Params),
	}
}

// InputAddress returns the address paid by the output the first input
// spends. It is empty when that output is unknown or is not a single
// standard address.
func InputAddress(tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut, params *chaincfg.Params) string {
	if params == nil || len(tx.TxIn) == 0 {
		return ""
	}

	prev, ok := prevOuts[tx.TxIn[0].PreviousOutPoint]
	if !ok {
		return ""
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(prev.PkScript, params)
	if err != nil || len(addrs) != 1 {
		return ""
	}

	return addrs[0].EncodeAddress()
}

// inputOrigins reports whether any input spends a current or previous
// trustee output.
func (c *Classifier) inputOrigins(tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut) (current, previous bool) {
	for _, in := range tx.TxIn {
		prev, ok := prevOuts[in.PreviousOutPoint]
		if !ok {
			continue
		}

		switch {
		case matches(prev.PkScript, c.Scripts.Hot, c.Scripts.Cold):
			current = true
		case matches(prev.PkScript, c.Scripts.PrevHot, c.Scripts.PrevCold):
			previous = true
		}
	}

	return current, previous
}

// allOutputsTo reports whether every output pays one of scripts.
func (c *Classifier) allOutputsTo(tx *wire.MsgTx, scripts ...[]byte) bool {
	if len(tx.TxOut) == 0 {
		return false
	}

	for _, out := range tx.TxOut {
		if !matches(out.PkScript, scripts...) {
			return false
		}
	}

	return true
}

// matches reports whether script equals one of the non-empty candidates.
func matches(script []byte, candidates ...[]byte) bool {
	for _, c := range candidates {
		if len(c) > 0 && bytes.Equal(script, c) {
			return true
		}
	}

	return false
}

// NullData returns the concatenated pushes of an OP_RETURN script.
func NullData(script []byte) ([]byte, bool) {
	if txscript.GetScriptClass(script) != txscript.NullDataTy {
		return nil, false
	}

	pushes, err := txscript.PushedData(script)
	if err != nil {
		return nil, false
	}

	var data []byte
	for _, p := range pushes {
		data = append(data, p...)
	}

	return data, len(data) > 0
}

// ParseRecipient splits an OP_RETURN payload "account[@referral]".
// Payloads that are too long or not printable yield no recipient.
func ParseRecipient(data []byte) (account, referral string) {
	if len(data) == 0 || len(data) > maxRecipientLen {
		return "", ""
	}

	for _, b := range data {
		if b < 0x21 || b > 0x7e {
			return "", ""
		}
	}

	account, referral, _ = strings.Cut(string(data), "@")

	return account, referral
}

// NullDataScript builds an OP_RETURN script carrying data.
func NullDataScript(data []byte) ([]byte, error) {
	return txscript.NullDataScript(data)
}
