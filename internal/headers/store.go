package headers

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/storage"
)

// Storage key prefixes.
const (
	prefixHeader    = "h:" // prefixHeader + hash -> headerRecord
	prefixPending   = "p:" // prefixPending + txid -> depositRecord
	prefixConfirmed = "d:" // prefixConfirmed + txid -> depositRecord
	prefixWatch     = "w:" // prefixWatch + txid -> watchRecord
)

var (
	keyTip   = []byte("m:tip")   // keyTip holds the best header hash
	keyBase  = []byte("m:base")  // keyBase holds the checkpoint hash
	keyFault = []byte("m:fault") // keyFault holds the consistency fault
)

type headerRecord struct {
	Raw    []byte `codec:"raw"`
	Height uint64 `codec:"height"`
	Work   []byte `codec:"work"`
	Seq    uint64 `codec:"seq"`
}

type utxoRecord struct {
	TxID     []byte `codec:"txid"`
	Index    uint32 `codec:"index"`
	Amount   int64  `codec:"amount"`
	PkScript []byte `codec:"script"`
}

type depositRecord struct {
	TxID      []byte       `codec:"txid"`
	BlockHash []byte       `codec:"block"`
	Height    uint64       `codec:"height"`
	Amount    int64        `codec:"amount"`
	Recipient string       `codec:"recipient"`
	Referral  string       `codec:"referral"`
	Sender    string       `codec:"sender"`
	UTXOs     []utxoRecord `codec:"utxos"`
	Confirmed bool         `codec:"confirmed"`
}

type watchRecord struct {
	TxID      []byte `codec:"txid"`
	Tag       string `codec:"tag"`
	BlockHash []byte `codec:"block"`
	Height    uint64 `codec:"height"`
	Included  bool   `codec:"included"`
	Confirmed bool   `codec:"confirmed"`
}

type faultRecord struct {
	TxID      []byte `codec:"txid"`
	BlockHash []byte `codec:"block"`
	Height    uint64 `codec:"height"`
	ForkPoint uint64 `codec:"fork"`
	NewTip    []byte `codec:"tip"`
}

// batch accumulates the writes of one verifier mutation so they land
// in the store atomically.
type batch struct {
	v     *Verifier
	pairs []storage.KeyValue
}

// newBatch starts a write batch.
func (v *Verifier) newBatch() *batch {
	return &batch{v: v}
}

// put encodes rec under key.
func (b *batch) put(key []byte, rec any) {
	if b.v.db == nil {
		return
	}

	data, err := storage.Encode(rec)
	if err != nil {
		logger.Error("encode chain record", "key", string(key[:2]), "error", err)
		return
	}

	b.pairs = append(b.pairs, storage.KeyValue{Key: key, Value: data})
}

// del deletes key.
func (b *batch) del(key []byte) {
	if b.v.db == nil {
		return
	}

	b.pairs = append(b.pairs, storage.KeyValue{Key: key})
}

// commit writes the batch.
func (b *batch) commit() {
	if b.v.db == nil || len(b.pairs) == 0 {
		return
	}

	if err := b.v.db.SetBatch(b.pairs); err != nil {
		logger.Error("persist chain state", "writes", len(b.pairs), "error", err)
	}
}

func (b *batch) putHeader(rec *Record) {
	b.put(storage.Key(prefixHeader, rec.Hash[:]), headerRecord{
		Raw:    btc.EncodeHeader(&rec.Header),
		Height: rec.Height,
		Work:   rec.CumulativeWork.Bytes(),
		Seq:    rec.seq,
	})
}

func (b *batch) putTip(hash chainhash.Hash) {
	if b.v.db == nil {
		return
	}

	b.pairs = append(b.pairs, storage.KeyValue{Key: keyTip, Value: bytes.Clone(hash[:])})
}

func (b *batch) putPending(d *Deposit) {
	b.put(storage.Key(prefixPending, d.TxID[:]), toDepositRecord(d))
}

func (b *batch) deletePending(txid chainhash.Hash) {
	b.del(storage.Key(prefixPending, txid[:]))
}

func (b *batch) putConfirmed(d *Deposit) {
	b.put(storage.Key(prefixConfirmed, d.TxID[:]), toDepositRecord(d))
}

func (b *batch) putWatch(w *Watch) {
	b.put(storage.Key(prefixWatch, w.TxID[:]), watchRecord{
		TxID:      w.TxID[:],
		Tag:       w.Tag,
		BlockHash: w.BlockHash[:],
		Height:    w.Height,
		Included:  w.Included,
		Confirmed: w.Confirmed,
	})
}

func (b *batch) deleteWatch(txid chainhash.Hash) {
	b.del(storage.Key(prefixWatch, txid[:]))
}

func (b *batch) putFault(f *Fault) {
	b.put(keyFault, faultRecord{
		TxID:      f.TxID[:],
		BlockHash: f.BlockHash[:],
		Height:    f.Height,
		ForkPoint: f.ForkPoint,
		NewTip:    f.NewTip[:],
	})
}

// toDepositRecord converts a deposit to its stored form.
func toDepositRecord(d *Deposit) depositRecord {
	rec := depositRecord{
		TxID:      d.TxID[:],
		BlockHash: d.BlockHash[:],
		Height:    d.Height,
		Amount:    d.Amount,
		Recipient: d.Recipient,
		Referral:  d.Referral,
		Sender:    d.Sender,
		Confirmed: d.Confirmed,
	}

	for _, u := range d.UTXOs {
		rec.UTXOs = append(rec.UTXOs, utxoRecord{
			TxID:     u.OutPoint.Hash[:],
			Index:    u.OutPoint.Index,
			Amount:   u.Amount,
			PkScript: u.PkScript,
		})
	}

	return rec
}

// fromDepositRecord restores a stored deposit.
func fromDepositRecord(rec depositRecord) *Deposit {
	d := &Deposit{
		TxID:      toHash(rec.TxID),
		BlockHash: toHash(rec.BlockHash),
		Height:    rec.Height,
		Amount:    rec.Amount,
		Recipient: rec.Recipient,
		Referral:  rec.Referral,
		Sender:    rec.Sender,
		Confirmed: rec.Confirmed,
	}

	for _, u := range rec.UTXOs {
		hash := toHash(u.TxID)
		d.UTXOs = append(d.UTXOs, btc.UTXO{
			OutPoint: *wire.NewOutPoint(&hash, u.Index),
			Amount:   u.Amount,
			PkScript: u.PkScript,
		})
	}

	return d
}

// toHash copies b into a hash.
func toHash(b []byte) chainhash.Hash {
	var h chainhash.Hash
	copy(h[:], b)

	return h
}

// load installs the checkpoint and restores any persisted chain.
func (v *Verifier) load(cp Checkpoint) error {
	work := cp.Work
	if work == nil {
		work = btc.Work(cp.Header.Bits)
	}

	base := &Record{
		Hash:           cp.Header.BlockHash(),
		Header:         cp.Header,
		Height:         cp.Height,
		CumulativeWork: new(big.Int).Set(work),
	}

	v.base = base
	v.records[base.Hash] = base
	v.main = []chainhash.Hash{base.Hash}
	v.tip.Store(base)

	if v.db == nil {
		return nil
	}

	stored, err := v.db.Get(keyBase)
	if err != nil {
		return fmt.Errorf("read base:\n%w", err)
	}

	if stored == nil {
		b := v.newBatch()
		b.putHeader(base)
		b.pairs = append(b.pairs, storage.KeyValue{Key: keyBase, Value: bytes.Clone(base.Hash[:])})
		b.putTip(base.Hash)

		return v.db.SetBatch(b.pairs)
	}

	if toHash(stored) != base.Hash {
		return fmt.Errorf("stored chain starts at %s, checkpoint is %s", toHash(stored), base.Hash)
	}

	if err := v.loadHeaders(); err != nil {
		return err
	}

	if err := v.loadTip(); err != nil {
		return err
	}

	if err := v.loadTracked(); err != nil {
		return err
	}

	logger.Info("header chain loaded",
		"headers", len(v.records),
		"tip", v.tip.Load().Hash,
		"height", v.tip.Load().Height,
		"pending", len(v.pending),
		"watches", len(v.watches),
	)

	return nil
}

// loadHeaders restores every stored header except the base.
func (v *Verifier) loadHeaders() error {
	err := v.db.IteratePrefix([]byte(prefixHeader), func(_, value []byte) error {
		var hr headerRecord
		if err := storage.Decode(value, &hr); err != nil {
			return err
		}

		h, err := btc.DecodeHeader(hr.Raw)
		if err != nil {
			return err
		}

		hash := h.BlockHash()
		if hash == v.base.Hash {
			return nil
		}

		v.records[hash] = &Record{
			Hash:           hash,
			Header:         *h,
			Height:         hr.Height,
			CumulativeWork: new(big.Int).SetBytes(hr.Work),
			seq:            hr.Seq,
		}

		if hr.Seq > v.seq {
			v.seq = hr.Seq
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("load headers:\n%w", err)
	}

	return nil
}

// loadTip restores the tip and rebuilds the main-chain index from it.
func (v *Verifier) loadTip() error {
	raw, err := v.db.Get(keyTip)
	if err != nil {
		return fmt.Errorf("read tip:\n%w", err)
	}

	tip, ok := v.records[toHash(raw)]
	if raw == nil || !ok {
		return nil
	}

	path := make([]chainhash.Hash, 0, tip.Height-v.base.Height+1)
	for cur := tip; cur != v.base; {
		path = append(path, cur.Hash)

		parent, ok := v.records[cur.Header.PrevBlock]
		if !ok {
			return fmt.Errorf("header %s at height %d has no stored parent", cur.Hash, cur.Height)
		}
		cur = parent
	}

	main := []chainhash.Hash{v.base.Hash}
	for i := len(path) - 1; i >= 0; i-- {
		main = append(main, path[i])
	}

	v.main = main
	v.tip.Store(tip)

	return nil
}

// loadTracked restores deposits, watches and the fault marker.
func (v *Verifier) loadTracked() error {
	load := func(prefix string, into map[chainhash.Hash]*Deposit) error {
		return v.db.IteratePrefix([]byte(prefix), func(_, value []byte) error {
			var rec depositRecord
			if err := storage.Decode(value, &rec); err != nil {
				return err
			}

			d := fromDepositRecord(rec)
			into[d.TxID] = d

			return nil
		})
	}

	if err := load(prefixPending, v.pending); err != nil {
		return fmt.Errorf("load pending deposits:\n%w", err)
	}

	if err := load(prefixConfirmed, v.confirmed); err != nil {
		return fmt.Errorf("load confirmed deposits:\n%w", err)
	}

	err := v.db.IteratePrefix([]byte(prefixWatch), func(_, value []byte) error {
		var rec watchRecord
		if err := storage.Decode(value, &rec); err != nil {
			return err
		}

		w := &Watch{
			TxID:      toHash(rec.TxID),
			Tag:       rec.Tag,
			BlockHash: toHash(rec.BlockHash),
			Height:    rec.Height,
			Included:  rec.Included,
			Confirmed: rec.Confirmed,
		}
		v.watches[w.TxID] = w

		return nil
	})
	if err != nil {
		return fmt.Errorf("load watches:\n%w", err)
	}

	var fr faultRecord
	found, err := v.db.GetRecord(keyFault, &fr)
	if err != nil {
		return fmt.Errorf("load fault:\n%w", err)
	}

	if found {
		v.fault = &Fault{
			TxID:      toHash(fr.TxID),
			BlockHash: toHash(fr.BlockHash),
			Height:    fr.Height,
			ForkPoint: fr.ForkPoint,
			NewTip:    toHash(fr.NewTip),
		}
		logger.Error("verifier halted by stored consistency fault", "txid", v.fault.TxID)
	}

	return nil
}
