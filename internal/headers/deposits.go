package headers

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/logger"
)

// Deposit is a proven deposit to the current hot address.
type Deposit struct {
	TxID      chainhash.Hash // TxID is the deposit transaction id
	BlockHash chainhash.Hash // BlockHash is the including header
	Height    uint64         // Height is the including header's height
	Amount    int64          // Amount is the value paid to the hot address
	Recipient string         // Recipient is the credited layer-2 account
	Referral  string         // Referral is the optional referrer
	Sender    string         // Sender is the first input's address, if known
	UTXOs     []btc.UTXO     // UTXOs are the reserve outputs the deposit created
	Confirmed bool           // Confirmed is set once reported at depth D
}

// Watch tracks a transaction the bridge itself broadcast.
type Watch struct {
	TxID      chainhash.Hash // TxID is the watched transaction id
	Tag       string         // Tag is an opaque label returned on confirmation
	BlockHash chainhash.Hash // BlockHash is the including header, once proven
	Height    uint64         // Height is the including header's height
	Included  bool           // Included is set once an inclusion proof arrived
	Confirmed bool           // Confirmed is set once reported at depth D
}

// Confirmation reports a watched transaction reaching depth D.
type Confirmation struct {
	TxID      chainhash.Hash // TxID is the confirmed transaction
	Tag       string         // Tag is the label given to Watch
	BlockHash chainhash.Hash // BlockHash is the including header
	Height    uint64         // Height is the including header's height
}

// InclusionProof proves a transaction is in a known header.
type InclusionProof struct {
	Tx        []byte                        // Tx is the serialized transaction
	BlockHash chainhash.Hash                // BlockHash is the including header
	Proof     btc.MerkleProof               // Proof is the merkle branch
	PrevOuts  map[wire.OutPoint]*wire.TxOut // PrevOuts are known spent outputs, may be nil
}

// events collects notifications raised under the lock and delivered after.
type events struct {
	tip       *Record
	deposits  []Deposit
	confirmed []Confirmation
	fault     *Fault
}

// SubmitDeposit checks an inclusion proof and tracks the transaction.
// Deposits are held until they are D deep on the main chain. Watched
// transactions record their inclusion. Anything else returns ErrNotDeposit
// with its classification.
func (v *Verifier) SubmitDeposit(p InclusionProof) (btc.Classification, error) {
	tx, err := btc.DeserializeTx(p.Tx)
	if err != nil {
		return btc.Classification{}, err
	}

	v.mu.Lock()
	class, ev, err := v.submitDepositLocked(tx, p)
	v.mu.Unlock()

	v.dispatch(ev)

	return class, err
}

// submitDepositLocked tracks a proven transaction. Caller holds mu.
func (v *Verifier) submitDepositLocked(tx *wire.MsgTx, p InclusionProof) (btc.Classification, *events, error) {
	if v.fault != nil {
		return btc.Classification{}, nil, ErrFaulted
	}

	rec, ok := v.records[p.BlockHash]
	if !ok {
		return btc.Classification{}, nil, fmt.Errorf("%w: %s", ErrUnknownBlock, p.BlockHash)
	}

	txid := tx.TxHash()
	if err := btc.VerifyMerkleProof(txid, p.Proof, rec.Header.MerkleRoot); err != nil {
		return btc.Classification{}, nil, fmt.Errorf("tx %s in block %s:\n%w", txid, p.BlockHash, err)
	}

	scripts := v.scripts()
	classifier := btc.Classifier{Scripts: scripts, MinDeposit: v.minDep, Params: v.params}
	class := classifier.Classify(tx, p.PrevOuts)

	b := v.newBatch()
	ev := &events{}
	tracked := false

	if w, ok := v.watches[txid]; ok && !w.Confirmed {
		w.BlockHash = rec.Hash
		w.Height = rec.Height
		w.Included = true
		b.putWatch(w)
		tracked = true
	}

	// Change returning to the hot address from a watched spend is not a deposit.
	if class.Type == btc.Deposit && !tracked {
		if _, dup := v.pending[txid]; dup {
			return class, nil, ErrDuplicateDeposit
		}
		if _, dup := v.confirmed[txid]; dup {
			return class, nil, ErrDuplicateDeposit
		}

		d := &Deposit{
			TxID:      txid,
			BlockHash: rec.Hash,
			Height:    rec.Height,
			Amount:    class.Amount,
			Recipient: class.Recipient,
			Referral:  class.Referral,
			Sender:    class.Sender,
			UTXOs:     reserveOutputs(tx, scripts.Hot),
		}

		v.pending[txid] = d
		b.putPending(d)
		tracked = true

		logger.Info("deposit proven",
			"txid", txid,
			"amount", d.Amount,
			"recipient", d.Recipient,
			"sender", d.Sender,
			"height", d.Height,
		)
	}

	v.confirmReady(b, ev)
	b.commit()

	if !tracked {
		return class, ev, fmt.Errorf("%w: %s is %s", ErrNotDeposit, txid, class.Type)
	}

	return class, ev, nil
}

// reserveOutputs returns the outputs of tx paying script.
func reserveOutputs(tx *wire.MsgTx, script []byte) []btc.UTXO {
	if len(script) == 0 {
		return nil
	}

	txid := tx.TxHash()

	var utxos []btc.UTXO
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, script) {
			utxos = append(utxos, btc.UTXO{
				OutPoint: *wire.NewOutPoint(&txid, uint32(i)),
				Amount:   out.Value,
				PkScript: out.PkScript,
			})
		}
	}

	return utxos
}

// Watch registers txid for a confirmation report tagged with tag.
// Watching an already watched txid replaces its tag.
func (v *Verifier) Watch(txid chainhash.Hash, tag string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	w, ok := v.watches[txid]
	if !ok {
		w = &Watch{TxID: txid}
		v.watches[txid] = w
	}
	w.Tag = tag

	b := v.newBatch()
	b.putWatch(w)
	b.commit()
}

// Unwatch stops tracking txid.
func (v *Verifier) Unwatch(txid chainhash.Hash) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.watches[txid]; !ok {
		return
	}

	delete(v.watches, txid)

	b := v.newBatch()
	b.deleteWatch(txid)
	b.commit()
}

// Deposit returns a tracked deposit by txid.
func (v *Verifier) Deposit(txid chainhash.Hash) (Deposit, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if d, ok := v.confirmed[txid]; ok {
		return *d, true
	}

	if d, ok := v.pending[txid]; ok {
		return *d, true
	}

	return Deposit{}, false
}

// PendingDeposits returns deposits proven but not yet confirmed.
func (v *Verifier) PendingDeposits() []Deposit {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Deposit, 0, len(v.pending))
	for _, d := range v.pending {
		out = append(out, *d)
	}

	return out
}

// ConfirmedDeposits returns every deposit reported at depth D.
func (v *Verifier) ConfirmedDeposits() []Deposit {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Deposit, 0, len(v.confirmed))
	for _, d := range v.confirmed {
		out = append(out, *d)
	}

	return out
}

// confirmReady confirms pending deposits and included watches that are on
// the main chain and D deep. Nothing confirms after a fault.
func (v *Verifier) confirmReady(b *batch, ev *events) {
	if v.fault != nil {
		return
	}

	for txid, d := range v.pending {
		if !v.isMainAt(d.Height, d.BlockHash) || !v.deepEnough(d.Height) {
			continue
		}

		d.Confirmed = true
		delete(v.pending, txid)
		v.confirmed[txid] = d

		b.deletePending(txid)
		b.putConfirmed(d)
		ev.deposits = append(ev.deposits, *d)
	}

	for _, w := range v.watches {
		if !w.Included || w.Confirmed {
			continue
		}

		if !v.isMainAt(w.Height, w.BlockHash) || !v.deepEnough(w.Height) {
			continue
		}

		w.Confirmed = true
		b.putWatch(w)
		ev.confirmed = append(ev.confirmed, Confirmation{
			TxID:      w.TxID,
			Tag:       w.Tag,
			BlockHash: w.BlockHash,
			Height:    w.Height,
		})
	}
}

// checkReorg handles a tip switch whose fork point is below the old tip.
// Pending inclusions on abandoned headers are dropped; a confirmed one
// raises a consistency fault.
func (v *Verifier) checkReorg(fork uint64, tip *Record, b *batch, ev *events) {
	for txid, d := range v.pending {
		if d.Height > fork && !v.isMainAt(d.Height, d.BlockHash) {
			delete(v.pending, txid)
			b.deletePending(txid)

			logger.Info("pending deposit left main chain", "txid", txid, "height", d.Height)
		}
	}

	for _, w := range v.watches {
		if !w.Included || w.Height <= fork || v.isMainAt(w.Height, w.BlockHash) {
			continue
		}

		if w.Confirmed {
			v.raiseFault(w.TxID, w.BlockHash, w.Height, fork, tip, b, ev)
			continue
		}

		w.Included = false
		w.BlockHash = chainhash.Hash{}
		w.Height = 0
		b.putWatch(w)
	}

	for _, d := range v.confirmed {
		if d.Height > fork && !v.isMainAt(d.Height, d.BlockHash) {
			v.raiseFault(d.TxID, d.BlockHash, d.Height, fork, tip, b, ev)
		}
	}
}

// raiseFault records the first consistency fault.
func (v *Verifier) raiseFault(txid, block chainhash.Hash, height, fork uint64, tip *Record, b *batch, ev *events) {
	if v.fault != nil {
		return
	}

	v.fault = &Fault{
		TxID:      txid,
		BlockHash: block,
		Height:    height,
		ForkPoint: fork,
		NewTip:    tip.Hash,
	}

	b.putFault(v.fault)
	ev.fault = v.fault

	logger.Error("consistency fault",
		"txid", txid,
		"block", block,
		"height", height,
		"forkHeight", fork,
		"newTip", tip.Hash,
	)
}

// dispatch delivers collected events outside the lock.
func (v *Verifier) dispatch(ev *events) {
	if ev == nil {
		return
	}

	v.handlersMu.RLock()
	onTip, onDeposit, onConfirmed, onFault := v.onTip, v.onDeposit, v.onConfirmed, v.onFault
	v.handlersMu.RUnlock()

	if ev.tip != nil && onTip != nil {
		onTip(*ev.tip)
	}

	if ev.fault != nil && onFault != nil {
		onFault(*ev.fault)
	}

	for _, d := range ev.deposits {
		logger.Info("deposit confirmed", "txid", d.TxID, "amount", d.Amount, "recipient", d.Recipient)
		if onDeposit != nil {
			onDeposit(d)
		}
	}

	for _, c := range ev.confirmed {
		logger.Info("transaction confirmed", "txid", c.TxID, "tag", c.Tag, "height", c.Height)
		if onConfirmed != nil {
			onConfirmed(c)
		}
	}
}
