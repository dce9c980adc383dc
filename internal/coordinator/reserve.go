package coordinator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/storage"
)

// prefixReserve + outpoint -> reserveRecord
const prefixReserve = "c:r:"

type reserveRecord struct {
	TxID     []byte `codec:"txid"`
	Index    uint32 `codec:"index"`
	Amount   int64  `codec:"amount"`
	PkScript []byte `codec:"script"`
	Epoch    uint64 `codec:"epoch"`
	Holder   string `codec:"holder"`
}

// reserveEntry is one reserve output and its lock.
type reserveEntry struct {
	utxo   btc.UTXO
	epoch  uint64 // epoch is the set whose hot key locks the output
	holder string // holder is the spend or confirmation holding it, empty when free
}

// Reserve tracks the outputs each trustee set controls. An output is
// held by at most one spend at a time.
type Reserve struct {
	db *storage.Storage

	mu      sync.Mutex
	entries map[wire.OutPoint]*reserveEntry
}

// NewReserve creates a reserve, loading it from db when not nil.
func NewReserve(db *storage.Storage) (*Reserve, error) {
	r := &Reserve{
		db:      db,
		entries: make(map[wire.OutPoint]*reserveEntry),
	}

	if db == nil {
		return r, nil
	}

	err := db.IteratePrefix([]byte(prefixReserve), func(_, value []byte) error {
		var rec reserveRecord
		if err := storage.Decode(value, &rec); err != nil {
			return err
		}

		var txid chainhash.Hash
		copy(txid[:], rec.TxID)

		op := wire.OutPoint{Hash: txid, Index: rec.Index}
		r.entries[op] = &reserveEntry{
			utxo:   btc.UTXO{OutPoint: op, Amount: rec.Amount, PkScript: rec.PkScript},
			epoch:  rec.Epoch,
			holder: rec.Holder,
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load reserve:\n%w", err)
	}

	return r, nil
}

// reserveKey returns the storage key of an outpoint.
func reserveKey(op wire.OutPoint) []byte {
	id := make([]byte, chainhash.HashSize+4)
	copy(id, op.Hash[:])
	binary.BigEndian.PutUint32(id[chainhash.HashSize:], op.Index)

	return storage.Key(prefixReserve, id)
}

// persistLocked writes the given outpoints, deleting those no longer held.
func (r *Reserve) persistLocked(ops ...wire.OutPoint) {
	if r.db == nil || len(ops) == 0 {
		return
	}

	pairs := make([]storage.KeyValue, 0, len(ops))
	for _, op := range ops {
		e, ok := r.entries[op]
		if !ok {
			pairs = append(pairs, storage.KeyValue{Key: reserveKey(op)})
			continue
		}

		data, err := storage.Encode(reserveRecord{
			TxID:     op.Hash[:],
			Index:    op.Index,
			Amount:   e.utxo.Amount,
			PkScript: e.utxo.PkScript,
			Epoch:    e.epoch,
			Holder:   e.holder,
		})
		if err != nil {
			logger.Error("encode reserve output", "outpoint", op, "error", err)
			continue
		}

		pairs = append(pairs, storage.KeyValue{Key: reserveKey(op), Value: data})
	}

	if err := r.db.SyncBatch(pairs); err != nil {
		logger.Error("persist reserve", "writes", len(pairs), "error", err)
	}
}

// Add records a free output of epoch. Known outputs are ignored.
func (r *Reserve) Add(u btc.UTXO, epoch uint64) bool {
	return r.AddHeld(u, epoch, "")
}

// AddHeld records an output of epoch held by holder until Unlock. It is
// used for outputs of the bridge's own transactions before they confirm.
func (r *Reserve) AddHeld(u btc.UTXO, epoch uint64, holder string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[u.OutPoint]; ok {
		return false
	}

	r.entries[u.OutPoint] = &reserveEntry{utxo: u, epoch: epoch, holder: holder}
	r.persistLocked(u.OutPoint)

	return true
}

// Available returns the free outputs of epoch, ordered by outpoint.
func (r *Reserve) Available(epoch uint64) []btc.UTXO {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []btc.UTXO
	for _, e := range r.entries {
		if e.epoch == epoch && e.holder == "" {
			out = append(out, e.utxo)
		}
	}

	sortUTXOs(out)

	return out
}

// Balance returns the total and the free value of epoch.
func (r *Reserve) Balance(epoch uint64) (total, free int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.epoch != epoch {
			continue
		}
		total += e.utxo.Amount
		if e.holder == "" {
			free += e.utxo.Amount
		}
	}

	return total, free
}

// Held returns how many outputs of epoch are held.
func (r *Reserve) Held(epoch uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.epoch == epoch && e.holder != "" {
			n++
		}
	}

	return n
}

// Lock holds outputs for holder. It fails without change if any output
// is unknown or already held.
func (r *Reserve) Lock(holder string, utxos []btc.UTXO) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range utxos {
		e, ok := r.entries[u.OutPoint]
		if !ok || e.holder != "" {
			return false
		}
	}

	ops := make([]wire.OutPoint, len(utxos))
	for i, u := range utxos {
		r.entries[u.OutPoint].holder = holder
		ops[i] = u.OutPoint
	}
	r.persistLocked(ops...)

	return true
}

// Unlock frees every output held by holder.
func (r *Reserve) Unlock(holder string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ops []wire.OutPoint
	for op, e := range r.entries {
		if e.holder == holder {
			e.holder = ""
			ops = append(ops, op)
		}
	}
	r.persistLocked(ops...)
}

// UnlockPrefix frees every output whose holder starts with prefix and
// returns how many were freed.
func (r *Reserve) UnlockPrefix(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ops []wire.OutPoint
	for op, e := range r.entries {
		if e.holder != "" && strings.HasPrefix(e.holder, prefix) {
			e.holder = ""
			ops = append(ops, op)
		}
	}
	r.persistLocked(ops...)

	return len(ops)
}

// Spend removes every output held by holder and returns them.
func (r *Reserve) Spend(holder string) []btc.UTXO {
	r.mu.Lock()
	defer r.mu.Unlock()

	var spent []btc.UTXO
	var ops []wire.OutPoint
	for op, e := range r.entries {
		if e.holder == holder {
			spent = append(spent, e.utxo)
			ops = append(ops, op)
			delete(r.entries, op)
		}
	}
	r.persistLocked(ops...)

	sortUTXOs(spent)

	return spent
}

// sortUTXOs orders outputs by txid then index.
func sortUTXOs(utxos []btc.UTXO) {
	sort.Slice(utxos, func(i, j int) bool {
		a, b := utxos[i].OutPoint, utxos[j].OutPoint
		if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
			return c < 0
		}
		return a.Index < b.Index
	})
}
