// Package headers is the Bitcoin header-chain verifier: it validates raw
// headers, keeps every branch, follows the branch with the most work and
// reports deposits and watched transactions once they are buried deep enough.
package headers

import (
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/storage"
)

const (
	// defaultConfirmations is the depth D used when none is configured.
	defaultConfirmations = 6
)

// Record is a validated header and its position in the header DAG.
// Records are immutable once stored.
type Record struct {
	Hash           chainhash.Hash   // Hash is the block hash
	Header         wire.BlockHeader // Header is the decoded header
	Height         uint64           // Height is the distance from genesis
	CumulativeWork *big.Int         // CumulativeWork sums work up to this header
	seq            uint64           // seq orders arrival for tie breaks
}

// PrevHash returns the parent's hash.
func (r *Record) PrevHash() chainhash.Hash {
	return r.Header.PrevBlock
}

// Checkpoint is the trusted header the chain starts from.
type Checkpoint struct {
	Header wire.BlockHeader // Header is the base header
	Height uint64           // Height is the base height
	Work   *big.Int         // Work is the cumulative work at the base, nil for the header's own work
}

// GenesisCheckpoint starts the chain at the network's genesis block.
func GenesisCheckpoint(params *chaincfg.Params) Checkpoint {
	return Checkpoint{Header: params.GenesisBlock.Header}
}

// Config configures a Verifier.
type Config struct {
	Params        *chaincfg.Params // Params are the Bitcoin network rules
	Confirmations uint64           // Confirmations is the depth D before reporting
	MinDeposit    int64            // MinDeposit is the smallest credited deposit
	Checkpoint    *Checkpoint      // Checkpoint overrides the genesis start
	Now           func() time.Time // Now is the clock for the future-drift rule
}

// Verifier owns the header chain. Submissions are serialized; readers see
// the tip and main chain update atomically.
type Verifier struct {
	params  *chaincfg.Params
	depth   uint64
	minDep  int64
	now     func() time.Time
	db      *storage.Storage
	scripts func() btc.TrusteeScripts

	mu      sync.RWMutex
	records map[chainhash.Hash]*Record // records holds every known header
	main    []chainhash.Hash           // main maps height-base to main-chain hash
	base    *Record                    // base is the checkpoint record
	tip     atomic.Pointer[Record]     // tip is the best header
	seq     uint64                     // seq counts accepted headers

	pending   map[chainhash.Hash]*Deposit // pending deposits by txid
	confirmed map[chainhash.Hash]*Deposit // confirmed deposits by txid
	watches   map[chainhash.Hash]*Watch   // watched transactions by txid
	fault     *Fault                      // fault halts confirmations once set

	onDeposit   func(Deposit)      // onDeposit is called for confirmed deposits
	onConfirmed func(Confirmation) // onConfirmed is called for confirmed watches
	onFault     func(Fault)        // onFault is called once on a consistency fault
	onTip       func(Record)       // onTip is called when the best tip changes
	handlersMu  sync.RWMutex
}

// New creates a verifier. A nil db keeps the chain in memory only;
// otherwise the chain is loaded from db and every change persisted.
func New(cfg Config, db *storage.Storage) (*Verifier, error) {
	if cfg.Params == nil {
		return nil, fmt.Errorf("chain params are required")
	}

	v := &Verifier{
		params:    cfg.Params,
		depth:     cfg.Confirmations,
		minDep:    cfg.MinDeposit,
		now:       cfg.Now,
		db:        db,
		scripts:   func() btc.TrusteeScripts { return btc.TrusteeScripts{} },
		records:   make(map[chainhash.Hash]*Record),
		pending:   make(map[chainhash.Hash]*Deposit),
		confirmed: make(map[chainhash.Hash]*Deposit),
		watches:   make(map[chainhash.Hash]*Watch),
	}

	if v.depth == 0 {
		v.depth = defaultConfirmations
	}

	if v.now == nil {
		v.now = time.Now
	}

	cp := GenesisCheckpoint(cfg.Params)
	if cfg.Checkpoint != nil {
		cp = *cfg.Checkpoint
	}

	if err := v.load(cp); err != nil {
		return nil, fmt.Errorf("load chain:\n%w", err)
	}

	return v, nil
}

// SetScripts sets the provider of trustee scripts used to classify proofs.
func (v *Verifier) SetScripts(fn func() btc.TrusteeScripts) {
	v.mu.Lock()
	v.scripts = fn
	v.mu.Unlock()
}

// OnDepositConfirmed sets the handler for deposits reaching depth D.
func (v *Verifier) OnDepositConfirmed(fn func(Deposit)) {
	v.handlersMu.Lock()
	v.onDeposit = fn
	v.handlersMu.Unlock()
}

// OnTxConfirmed sets the handler for watched transactions reaching depth D.
func (v *Verifier) OnTxConfirmed(fn func(Confirmation)) {
	v.handlersMu.Lock()
	v.onConfirmed = fn
	v.handlersMu.Unlock()
}

// OnFault sets the handler for consistency faults.
func (v *Verifier) OnFault(fn func(Fault)) {
	v.handlersMu.Lock()
	v.onFault = fn
	v.handlersMu.Unlock()
}

// OnTipChanged sets the handler called after each tip change.
func (v *Verifier) OnTipChanged(fn func(Record)) {
	v.handlersMu.Lock()
	v.onTip = fn
	v.handlersMu.Unlock()
}

// Depth returns the confirmation depth D.
func (v *Verifier) Depth() uint64 {
	return v.depth
}

// Params returns the network parameters.
func (v *Verifier) Params() *chaincfg.Params {
	return v.params
}

// SubmitHeader validates and stores a serialized header.
// Rejections return a *RejectError and leave the chain unchanged.
func (v *Verifier) SubmitHeader(raw []byte) (*Record, error) {
	h, err := btc.DecodeHeader(raw)
	if err != nil {
		return nil, reject(Malformed, chainhash.Hash{}, err)
	}

	return v.Submit(h)
}

// Submit validates and stores a decoded header.
func (v *Verifier) Submit(h *wire.BlockHeader) (*Record, error) {
	v.mu.Lock()
	rec, ev, err := v.submitLocked(h)
	v.mu.Unlock()

	v.dispatch(ev)

	return rec, err
}

// submitLocked runs validation and the fork choice. Caller holds mu.
func (v *Verifier) submitLocked(h *wire.BlockHeader) (*Record, *events, error) {
	hash := h.BlockHash()

	if _, exists := v.records[hash]; exists {
		return nil, nil, reject(Duplicate, hash, nil)
	}

	parent, ok := v.records[h.PrevBlock]
	if !ok {
		return nil, nil, reject(UnknownParent, hash, fmt.Errorf("parent %s", h.PrevBlock))
	}

	if err := v.checkHeader(h, hash, parent); err != nil {
		return nil, nil, err
	}

	v.seq++
	rec := &Record{
		Hash:           hash,
		Header:         *h,
		Height:         parent.Height + 1,
		CumulativeWork: new(big.Int).Add(parent.CumulativeWork, btc.Work(h.Bits)),
		seq:            v.seq,
	}

	v.records[hash] = rec

	b := v.newBatch()
	b.putHeader(rec)

	ev := &events{}

	// Strictly more work moves the tip; equal work keeps the first seen.
	tip := v.tip.Load()
	if rec.CumulativeWork.Cmp(tip.CumulativeWork) > 0 {
		fork := v.setTip(rec)
		b.putTip(rec.Hash)
		ev.tip = rec

		if fork < tip.Height {
			logger.Warn("header chain reorg",
				"oldTip", tip.Hash,
				"newTip", rec.Hash,
				"forkHeight", fork,
				"depth", tip.Height-fork,
			)
			v.checkReorg(fork, rec, b, ev)
		}

		v.confirmReady(b, ev)
	}

	b.commit()

	logger.Debug("header accepted", "hash", hash, "height", rec.Height, "tip", v.tip.Load().Height)

	return rec, ev, nil
}

// checkHeader applies proof-of-work, difficulty and timestamp rules.
func (v *Verifier) checkHeader(h *wire.BlockHeader, hash chainhash.Hash, parent *Record) error {
	if err := btc.CheckProofOfWork(hash, h.Bits, v.params.PowLimit); err != nil {
		return reject(InsufficientWork, hash, err)
	}

	if expected, ok := v.expectedBits(parent); ok && h.Bits != expected {
		return reject(BadDifficultyBits, hash, fmt.Errorf("bits %08x, want %08x", h.Bits, expected))
	}

	median := btc.MedianTime(v.ancestorTimes(parent, btc.MedianTimeBlocks))
	if h.Timestamp.Before(median) {
		return reject(TimestampTooOld, hash, fmt.Errorf("timestamp %v before median %v", h.Timestamp, median))
	}

	if limit := v.now().Add(btc.MaxFutureDrift); h.Timestamp.After(limit) {
		return reject(TimestampTooNew, hash, fmt.Errorf("timestamp %v after %v", h.Timestamp, limit))
	}

	return nil
}

// expectedBits returns the bits the child of parent must carry, and
// whether the rule can be checked at all.
func (v *Verifier) expectedBits(parent *Record) (uint32, bool) {
	if v.params.PoWNoRetargeting {
		return parent.Header.Bits, true
	}

	if v.params.ReduceMinDifficulty {
		return 0, false
	}

	interval := btc.RetargetInterval(v.params)
	if (parent.Height+1)%interval != 0 {
		return parent.Header.Bits, true
	}

	first := v.ancestor(parent, interval-1)
	if first == nil {
		// Window starts below the checkpoint.
		return 0, false
	}

	return btc.NextBits(v.params, parent.Header.Bits, first.Header.Timestamp, parent.Header.Timestamp), true
}

// ancestor walks n parents up from rec. Returns nil past the checkpoint.
func (v *Verifier) ancestor(rec *Record, n uint64) *Record {
	for i := uint64(0); i < n; i++ {
		parent, ok := v.records[rec.Header.PrevBlock]
		if !ok || rec == v.base {
			return nil
		}
		rec = parent
	}

	return rec
}

// ancestorTimes returns the timestamps of rec and up to n-1 of its parents.
func (v *Verifier) ancestorTimes(rec *Record, n int) []time.Time {
	times := make([]time.Time, 0, n)

	for rec != nil && len(times) < n {
		times = append(times, rec.Header.Timestamp)

		if rec == v.base {
			break
		}
		rec = v.records[rec.Header.PrevBlock]
	}

	return times
}

// setTip makes rec the tip and rewrites the main-chain index from the
// fork point. Returns the fork point height.
func (v *Verifier) setTip(rec *Record) uint64 {
	var path []*Record

	cur := rec
	for !v.isMain(cur) {
		path = append(path, cur)
		cur = v.records[cur.Header.PrevBlock]
	}

	fork := cur.Height
	v.main = v.main[:fork-v.base.Height+1]

	for i := len(path) - 1; i >= 0; i-- {
		v.main = append(v.main, path[i].Hash)
	}

	v.tip.Store(rec)

	return fork
}

// isMain reports whether rec is on the current main chain.
func (v *Verifier) isMain(rec *Record) bool {
	return v.isMainAt(rec.Height, rec.Hash)
}

// isMainAt reports whether hash is the main-chain header at height.
func (v *Verifier) isMainAt(height uint64, hash chainhash.Hash) bool {
	if height < v.base.Height {
		return false
	}

	idx := height - v.base.Height
	if idx >= uint64(len(v.main)) {
		return false
	}

	return v.main[idx] == hash
}

// deepEnough reports whether a header at height has D confirmations.
func (v *Verifier) deepEnough(height uint64) bool {
	return v.tip.Load().Height >= height+v.depth
}

// Tip returns the best header.
func (v *Verifier) Tip() Record {
	return *v.tip.Load()
}

// Height returns the best header's height.
func (v *Verifier) Height() uint64 {
	return v.tip.Load().Height
}

// Base returns the checkpoint record.
func (v *Verifier) Base() Record {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return *v.base
}

// HeaderByHash returns the header with the given hash on any branch.
func (v *Verifier) HeaderByHash(hash chainhash.Hash) (Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rec, ok := v.records[hash]
	if !ok {
		return Record{}, false
	}

	return *rec, true
}

// HeaderAtHeight returns the main-chain header at height.
func (v *Verifier) HeaderAtHeight(height uint64) (Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if height < v.base.Height || height-v.base.Height >= uint64(len(v.main)) {
		return Record{}, false
	}

	return *v.records[v.main[height-v.base.Height]], true
}

// IsOnMainChain reports whether hash is on the best chain.
func (v *Verifier) IsOnMainChain(hash chainhash.Hash) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rec, ok := v.records[hash]

	return ok && v.isMain(rec)
}

// Confirmations returns how many main-chain headers bury hash, itself
// included. Headers off the main chain have zero.
func (v *Verifier) Confirmations(hash chainhash.Hash) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rec, ok := v.records[hash]
	if !ok || !v.isMain(rec) {
		return 0
	}

	return v.tip.Load().Height - rec.Height + 1
}

// MainChain returns main-chain records from height from up to the tip.
func (v *Verifier) MainChain(from uint64) []Record {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if from < v.base.Height {
		from = v.base.Height
	}

	var out []Record
	for i := from - v.base.Height; i < uint64(len(v.main)); i++ {
		out = append(out, *v.records[v.main[i]])
	}

	return out
}

// Fault returns the consistency fault that halted the verifier, if any.
func (v *Verifier) Fault() *Fault {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.fault == nil {
		return nil
	}

	f := *v.fault

	return &f
}
