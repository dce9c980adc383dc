package coordinator

import (
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/storage"
)

// prefixWithdrawal + request id -> withdrawalRecord
const prefixWithdrawal = "c:w:"

type outputRecord struct {
	Address string `codec:"address"`
	Amount  int64  `codec:"amount"`
}

type utxoRecord struct {
	TxID     []byte `codec:"txid"`
	Index    uint32 `codec:"index"`
	Amount   int64  `codec:"amount"`
	PkScript []byte `codec:"script"`
}

type withdrawalRecord struct {
	ID        []byte         `codec:"id"`
	Outputs   []outputRecord `codec:"outputs"`
	Fee       int64          `codec:"fee"`
	Status    int            `codec:"status"`
	Attempts  int            `codec:"attempts"`
	TxID      []byte         `codec:"txid"`
	Reason    string         `codec:"reason"`
	CreatedAt int64          `codec:"created"`
	Epoch     uint64         `codec:"epoch"`
	Inputs    []utxoRecord   `codec:"inputs"`
	Change    []utxoRecord   `codec:"change"`
}

func toUTXORecord(u btc.UTXO) utxoRecord {
	return utxoRecord{
		TxID:     u.OutPoint.Hash[:],
		Index:    u.OutPoint.Index,
		Amount:   u.Amount,
		PkScript: u.PkScript,
	}
}

func fromUTXORecord(r utxoRecord) btc.UTXO {
	var h chainhash.Hash
	copy(h[:], r.TxID)

	return btc.UTXO{
		OutPoint: wire.OutPoint{Hash: h, Index: r.Index},
		Amount:   r.Amount,
		PkScript: r.PkScript,
	}
}

func toWithdrawalRecord(w *Withdrawal) withdrawalRecord {
	rec := withdrawalRecord{
		ID:        w.ID[:],
		Fee:       w.Fee,
		Status:    int(w.Status),
		Attempts:  w.Attempts,
		TxID:      w.TxID[:],
		Reason:    w.Reason,
		CreatedAt: w.CreatedAt.UnixNano(),
		Epoch:     w.Epoch,
	}

	for _, o := range w.Outputs {
		rec.Outputs = append(rec.Outputs, outputRecord{Address: o.Address, Amount: o.Amount})
	}
	for _, u := range w.Inputs {
		rec.Inputs = append(rec.Inputs, toUTXORecord(u))
	}
	if w.Change != nil {
		rec.Change = []utxoRecord{toUTXORecord(*w.Change)}
	}

	return rec
}

func fromWithdrawalRecord(rec withdrawalRecord) (*Withdrawal, error) {
	id, err := uuid.FromBytes(rec.ID)
	if err != nil {
		return nil, err
	}

	w := &Withdrawal{
		ID:        id,
		Fee:       rec.Fee,
		Status:    Status(rec.Status),
		Attempts:  rec.Attempts,
		Reason:    rec.Reason,
		CreatedAt: time.Unix(0, rec.CreatedAt),
		Epoch:     rec.Epoch,
	}
	copy(w.TxID[:], rec.TxID)

	for _, o := range rec.Outputs {
		w.Outputs = append(w.Outputs, btc.Output{Address: o.Address, Amount: o.Amount})
	}
	for _, u := range rec.Inputs {
		w.Inputs = append(w.Inputs, fromUTXORecord(u))
	}
	if len(rec.Change) == 1 {
		change := fromUTXORecord(rec.Change[0])
		w.Change = &change
	}

	return w, nil
}

// persistLocked writes w with a synced batch.
func (c *Coordinator) persistLocked(w *Withdrawal) error {
	if c.db == nil {
		return nil
	}

	data, err := storage.Encode(toWithdrawalRecord(w))
	if err != nil {
		return fmt.Errorf("encode withdrawal:\n%w", err)
	}

	key := storage.Key(prefixWithdrawal, w.ID[:])
	if err := c.db.SyncBatch([]storage.KeyValue{{Key: key, Value: data}}); err != nil {
		return fmt.Errorf("write withdrawal:\n%w", err)
	}

	return nil
}

// load restores requests. Signing requests return to pending with their
// inputs released; broadcast ones are watched again.
func (c *Coordinator) load() error {
	if c.db == nil {
		return nil
	}

	var loaded []*Withdrawal
	err := c.db.IteratePrefix([]byte(prefixWithdrawal), func(_, value []byte) error {
		var rec withdrawalRecord
		if err := storage.Decode(value, &rec); err != nil {
			return err
		}

		w, err := fromWithdrawalRecord(rec)
		if err != nil {
			return err
		}

		loaded = append(loaded, w)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load withdrawals:\n%w", err)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })

	c.mu.Lock()
	defer c.mu.Unlock()

	recovered := 0
	for _, w := range loaded {
		c.requests[w.ID] = w

		switch w.Status {
		case StatusSigning:
			c.reserve.Unlock(w.ID.String())
			w.Status = StatusPending
			w.Inputs = nil
			w.Change = nil
			if err := c.persistLocked(w); err != nil {
				return err
			}
			recovered++
			c.queue = append(c.queue, w.ID)

		case StatusPending:
			c.queue = append(c.queue, w.ID)

		case StatusBroadcast:
			if c.watcher != nil {
				c.watcher.Watch(w.TxID, tagWithdrawal+w.ID.String())
			}
		}
	}

	if len(loaded) > 0 {
		logger.Info("withdrawals restored",
			"total", len(loaded),
			"queued", len(c.queue),
			"recovered", recovered,
		)
	}

	return nil
}
