// Package coordinator drives custody operations: it queues withdrawal
// requests, selects trustee subsets, runs threshold signing sessions
// with retries, broadcasts the signed transactions and tracks them until
// the header-chain verifier reports them confirmed. It also sweeps the
// reserve to a new trustee set during rotation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/signing"
	"TrusteeBridge/internal/storage"
	"TrusteeBridge/internal/trustee"
)

const (
	// defaultCommitTimeout closes round one when some trustees stay silent.
	defaultCommitTimeout = 5 * time.Second

	// defaultSessionTimeout bounds a whole signing session.
	defaultSessionTimeout = 30 * time.Second

	// defaultMaxRetries is the number of sessions run after the first.
	defaultMaxRetries = 3

	// defaultInterval is how often the dispatcher rescans the queue.
	defaultInterval = time.Second

	// defaultHandoverFee pays for the rotation sweep.
	defaultHandoverFee = 1000

	// tagWithdrawal, tagHandover and tagSweep prefix watch tags.
	tagWithdrawal = "withdrawal:"
	tagHandover   = "handover:"
	tagSweep      = "sweep:"

	// cancelTimeout bounds the best-effort cancel fan-out.
	cancelTimeout = time.Second
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("coordinator closed")

// Config tunes the coordinator.
type Config struct {
	Params         *chaincfg.Params // Params is the Bitcoin network
	CommitTimeout  time.Duration    // CommitTimeout closes round one early
	SessionTimeout time.Duration    // SessionTimeout bounds one session
	MaxRetries     int              // MaxRetries is sessions after the first, -1 for none
	MaxSigners     int              // MaxSigners caps the invited trustees, 0 for all
	HandoverFee    int64            // HandoverFee pays for the rotation sweep
	Interval       time.Duration    // Interval is the dispatcher period
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.Params == nil {
		c.Params = &chaincfg.MainNetParams
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = defaultCommitTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.HandoverFee <= 0 {
		c.HandoverFee = defaultHandoverFee
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}

	return c
}

// Deps are the collaborators of a coordinator.
type Deps struct {
	Trustees    *trustee.Manager // Trustees holds the active set and rotation
	Transport   Transport        // Transport reaches the trustees
	Broadcaster Broadcaster      // Broadcaster publishes signed transactions
	Watcher     Watcher          // Watcher reports confirmations, optional
	DB          *storage.Storage // DB persists requests and the reserve, optional
}

// Misbehaviour is a protocol violation attributed to a trustee.
type Misbehaviour struct {
	Session signing.SessionID // Session is where it happened
	Trustee []byte            // Trustee is the culprit
	Reason  string            // Reason is the violation
}

// SessionInfo describes a live signing session.
type SessionInfo struct {
	ID      signing.SessionID // ID identifies the session
	Suite   signing.SuiteID   // Suite is the signature suite
	Epoch   uint64            // Epoch is the signing set
	Round   signing.Round     // Round is the current state
	Invited int               // Invited is the number of participants
}

// Coordinator runs withdrawals and handovers on behalf of the bridge.
type Coordinator struct {
	cfg         Config
	trustees    *trustee.Manager
	transport   Transport
	broadcaster Broadcaster
	watcher     Watcher
	db          *storage.Storage

	registry *signing.NonceRegistry
	scores   *Scores
	reserve  *Reserve

	mu       sync.Mutex
	requests map[uuid.UUID]*Withdrawal
	queue    []uuid.UUID                            // queue holds pending requests in arrival order
	inflight map[uuid.UUID]context.CancelCauseFunc  // inflight cancels running withdrawals
	sessions map[signing.SessionID]*signing.Session // sessions are the live signing sessions
	handover bool                                   // handover is set while the sweep runs
	residual bool                                   // residual is set while a previous-set sweep runs

	handlersMu     sync.RWMutex
	onBroadcast    func(Withdrawal)
	onFailed       func(Withdrawal)
	onConfirmed    func(Withdrawal)
	onMisbehaviour func(Misbehaviour)

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup
}

// New creates a coordinator and restores persisted requests. Requests
// caught mid-signing return to pending and their sessions are dropped.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Trustees == nil || deps.Transport == nil || deps.Broadcaster == nil {
		return nil, errors.New("coordinator needs trustees, transport and broadcaster")
	}

	reserve, err := NewReserve(deps.DB)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:         cfg.withDefaults(),
		trustees:    deps.Trustees,
		transport:   deps.Transport,
		broadcaster: deps.Broadcaster,
		watcher:     deps.Watcher,
		db:          deps.DB,
		registry:    signing.NewNonceRegistry(),
		scores:      NewScores(),
		reserve:     reserve,
		requests:    make(map[uuid.UUID]*Withdrawal),
		inflight:    make(map[uuid.UUID]context.CancelCauseFunc),
		sessions:    make(map[signing.SessionID]*signing.Session),
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
	}

	if err := c.load(); err != nil {
		cancel()
		return nil, err
	}

	c.recoverHandover()

	deps.Trustees.OnRotationReady(func(trustee.Rotation) { c.Wake() })

	return c, nil
}

// OnWithdrawalBroadcast registers a callback for broadcast withdrawals.
func (c *Coordinator) OnWithdrawalBroadcast(fn func(Withdrawal)) {
	c.handlersMu.Lock()
	c.onBroadcast = fn
	c.handlersMu.Unlock()
}

// OnWithdrawalFailed registers a callback for failed withdrawals.
func (c *Coordinator) OnWithdrawalFailed(fn func(Withdrawal)) {
	c.handlersMu.Lock()
	c.onFailed = fn
	c.handlersMu.Unlock()
}

// OnWithdrawalConfirmed registers a callback for confirmed withdrawals.
func (c *Coordinator) OnWithdrawalConfirmed(fn func(Withdrawal)) {
	c.handlersMu.Lock()
	c.onConfirmed = fn
	c.handlersMu.Unlock()
}

// OnMisbehaviour registers a callback for attributed protocol violations.
func (c *Coordinator) OnMisbehaviour(fn func(Misbehaviour)) {
	c.handlersMu.Lock()
	c.onMisbehaviour = fn
	c.handlersMu.Unlock()
}

// Start launches the dispatcher.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.dispatchLoop()
}

// Close stops the dispatcher and waits for running work. Requests still
// signing stay in that state and return to pending on the next start.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Wake asks the dispatcher to rescan the queue now.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// RequestWithdrawal validates and queues a payout from the reserve.
func (c *Coordinator) RequestWithdrawal(outputs []btc.Output, fee int64) (uuid.UUID, error) {
	if err := validateRequest(outputs, fee, c.cfg.Params); err != nil {
		return uuid.Nil, err
	}

	if c.ctx.Err() != nil {
		return uuid.Nil, ErrClosed
	}

	w := &Withdrawal{
		ID:        uuid.New(),
		Outputs:   append([]btc.Output(nil), outputs...),
		Fee:       fee,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.requests[w.ID] = w
	c.queue = append(c.queue, w.ID)
	err := c.persistLocked(w)
	c.mu.Unlock()

	if err != nil {
		return uuid.Nil, err
	}

	logger.Info("withdrawal queued",
		"id", w.ID,
		"outputs", len(outputs),
		"amount", w.Total(),
		"fee", fee,
	)

	c.Wake()

	return w.ID, nil
}

// Withdrawal returns a copy of a request.
func (c *Coordinator) Withdrawal(id uuid.UUID) (*Withdrawal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.requests[id]
	if !ok {
		return nil, false
	}

	return w.clone(), true
}

// Withdrawals returns copies of every known request, oldest first.
func (c *Coordinator) Withdrawals() []*Withdrawal {
	c.mu.Lock()
	out := make([]*Withdrawal, 0, len(c.requests))
	for _, w := range c.requests {
		out = append(out, w.clone())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out
}

// Cancel aborts a pending or signing request. A signing request is
// failed once its running session winds down and its trustees were told
// to discard their nonces.
func (c *Coordinator) Cancel(id uuid.UUID) error {
	c.mu.Lock()

	w, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRequest
	}

	switch w.Status {
	case StatusPending:
		c.dequeueLocked(id)
		c.failLocked(w, ErrCancelled)
		snapshot := w.clone()
		c.mu.Unlock()

		logger.Info("withdrawal cancelled", "id", id)
		c.emitFailed(snapshot)
		return nil

	case StatusSigning:
		cancel := c.inflight[id]
		c.mu.Unlock()

		if cancel != nil {
			cancel(ErrCancelled)
		}
		logger.Info("withdrawal cancel requested", "id", id)
		return nil

	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotCancellable, w.Status)
	}
}

// Sessions describes the live signing sessions.
func (c *Coordinator) Sessions() []SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]SessionInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		cfg := s.Config()
		out = append(out, SessionInfo{
			ID:      s.ID(),
			Suite:   cfg.Suite,
			Epoch:   cfg.Epoch,
			Round:   s.Round(),
			Invited: len(cfg.Participants),
		})
	}

	return out
}

// Reserve returns the reserve the coordinator spends from.
func (c *Coordinator) Reserve() *Reserve {
	return c.reserve
}

// Scores returns the responsiveness table used for subset selection.
func (c *Coordinator) Scores() *Scores {
	return c.scores
}

// PruneNonces forgets nonce points of sessions past their retention.
func (c *Coordinator) PruneNonces() int {
	return c.registry.Prune(time.Now())
}

// AddDeposit credits confirmed deposit outputs to the set whose hot key
// locks them. Outputs paying no known set are ignored.
func (c *Coordinator) AddDeposit(utxos []btc.UTXO) int {
	added := 0
	for _, u := range utxos {
		epoch, ok := c.epochOf(u.PkScript)
		if !ok {
			logger.Warn("deposit output pays no trustee set", "outpoint", u.OutPoint)
			continue
		}

		if c.reserve.Add(u, epoch) {
			added++
		}
	}

	if added > 0 {
		c.Wake()
	}

	return added
}

// epochOf finds the set among current, previous and incoming whose hot
// script is script.
func (c *Coordinator) epochOf(script []byte) (uint64, bool) {
	sets := []*trustee.Set{c.trustees.Current(), c.trustees.Previous()}
	if r, ok := c.trustees.Pending(); ok {
		sets = append(sets, r.Incoming)
	}

	for _, s := range sets {
		if s == nil {
			continue
		}

		hot, err := s.HotScript()
		if err == nil && string(hot) == string(script) {
			return s.Epoch, true
		}
	}

	return 0, false
}

// HandleConfirmation settles a watched transaction the verifier reports
// as confirmed.
func (c *Coordinator) HandleConfirmation(txid chainhash.Hash, tag string) {
	switch {
	case strings.HasPrefix(tag, tagWithdrawal):
		id, err := uuid.Parse(strings.TrimPrefix(tag, tagWithdrawal))
		if err != nil {
			logger.Warn("bad withdrawal tag", "tag", tag)
			return
		}
		c.confirmWithdrawal(id, txid)

	case strings.HasPrefix(tag, tagHandover):
		epoch, err := strconv.ParseUint(strings.TrimPrefix(tag, tagHandover), 10, 64)
		if err != nil {
			logger.Warn("bad handover tag", "tag", tag)
			return
		}
		c.confirmHandover(epoch, txid)

	case strings.HasPrefix(tag, tagSweep):
		c.confirmSweep(tag, txid)
	}
}

// confirmWithdrawal marks a broadcast request confirmed and frees its
// change output.
func (c *Coordinator) confirmWithdrawal(id uuid.UUID, txid chainhash.Hash) {
	c.mu.Lock()

	w, ok := c.requests[id]
	if !ok || w.Status != StatusBroadcast || w.TxID != txid {
		c.mu.Unlock()
		return
	}

	w.Status = StatusConfirmed
	if err := c.persistLocked(w); err != nil {
		logger.Error("persist confirmed withdrawal", "id", id, "error", err)
	}
	snapshot := w.clone()
	c.mu.Unlock()

	c.reserve.Unlock(id.String())

	if c.watcher != nil {
		c.watcher.Unwatch(txid)
	}

	logger.Info("withdrawal confirmed", "id", id, "txid", txid)

	c.handlersMu.RLock()
	fn := c.onConfirmed
	c.handlersMu.RUnlock()

	if fn != nil {
		fn(*snapshot)
	}

	c.Wake()
}

// dispatchLoop starts queued work whenever woken or on each tick.
func (c *Coordinator) dispatchLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		c.dispatch()

		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// dispatch starts the handover when a rotation is ready and nothing of
// the outgoing set is in flight, otherwise sweeps leftovers of the
// previous set and starts every pending request the reserve can fund.
// Requests wait while a rotation is underway.
func (c *Coordinator) dispatch() {
	if r, ok := c.trustees.Pending(); ok {
		if r.Stage == trustee.StageAcknowledged && !c.busy() {
			// Change of a broadcast withdrawal is only sweepable once it confirms.
			if held := c.reserve.Held(r.Outgoing.Epoch); held > 0 {
				logger.Debug("handover waits for unconfirmed outputs", "epoch", r.Outgoing.Epoch, "held", held)
				return
			}
			c.startHandover(r)
		}
		return
	}

	set := c.trustees.Current()
	if set == nil {
		return
	}

	c.startResidual(set)

	c.mu.Lock()
	pending := make([]*Withdrawal, 0, len(c.queue))
	for _, id := range c.queue {
		pending = append(pending, c.requests[id])
	}
	c.mu.Unlock()

	for _, w := range pending {
		c.start(set, w)
	}
}

// busy reports whether withdrawals or sweeps are running.
func (c *Coordinator) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.inflight) > 0 || c.handover || c.residual
}

// start funds, builds and launches one pending request. A request the
// reserve cannot fund stays queued.
func (c *Coordinator) start(set *trustee.Set, w *Withdrawal) {
	hot, err := set.HotScript()
	if err != nil {
		logger.Error("trustee hot script", "epoch", set.Epoch, "error", err)
		return
	}

	selected, err := btc.SelectUTXOs(c.reserve.Available(set.Epoch), w.Total()+w.Fee)
	if err != nil {
		logger.Debug("withdrawal waits for funds", "id", w.ID, "error", err)
		return
	}

	tx, changeIdx, err := btc.BuildSpend(selected, w.Outputs, w.Fee, hot, c.cfg.Params)
	if err != nil {
		c.mu.Lock()
		if w.Status != StatusPending {
			c.mu.Unlock()
			return
		}
		c.dequeueLocked(w.ID)
		c.failLocked(w, fmt.Errorf("build transaction:\n%w", err))
		snapshot := w.clone()
		c.mu.Unlock()

		c.emitFailed(snapshot)
		return
	}

	holder := w.ID.String()
	if !c.reserve.Lock(holder, selected) {
		return
	}

	c.mu.Lock()
	if w.Status != StatusPending {
		c.mu.Unlock()
		c.reserve.Unlock(holder)
		return
	}

	ctx, cancel := context.WithCancelCause(c.ctx)

	c.dequeueLocked(w.ID)
	c.inflight[w.ID] = cancel
	w.Status = StatusSigning
	w.Epoch = set.Epoch
	w.Inputs = selected
	w.Change = nil
	if changeIdx >= 0 {
		out := tx.TxOut[changeIdx]
		w.Change = &btc.UTXO{
			OutPoint: wire.OutPoint{Hash: btc.TxID(tx), Index: uint32(changeIdx)},
			Amount:   out.Value,
			PkScript: out.PkScript,
		}
	}
	if err := c.persistLocked(w); err != nil {
		logger.Error("persist withdrawal", "id", w.ID, "error", err)
	}
	c.mu.Unlock()

	logger.Info("withdrawal signing",
		"id", w.ID,
		"epoch", set.Epoch,
		"inputs", len(selected),
		"txid", btc.TxID(tx),
	)

	c.wg.Add(1)
	go c.process(ctx, set, w.ID, tx, selected)
}

// process signs, broadcasts and watches one withdrawal.
func (c *Coordinator) process(ctx context.Context, set *trustee.Set, id uuid.UUID, tx *wire.MsgTx, inputs []btc.UTXO) {
	defer c.wg.Done()

	holder := id.String()
	attempts, err := c.signSpend(ctx, set, holder, tx, inputs)

	if err == nil && ctx.Err() == nil {
		var txid chainhash.Hash
		txid, err = c.broadcaster.Broadcast(ctx, btc.SerializeTx(tx))
		if err == nil {
			c.broadcasted(id, tx, txid, attempts)
			return
		}
		err = fmt.Errorf("broadcast:\n%w", err)
	}

	c.mu.Lock()
	delete(c.inflight, id)
	w := c.requests[id]
	w.Attempts += attempts

	// Shutdown leaves the request in signing for recovery on restart.
	if ctx.Err() != nil && !errors.Is(context.Cause(ctx), ErrCancelled) {
		c.mu.Unlock()
		return
	}

	if errors.Is(context.Cause(ctx), ErrCancelled) {
		err = ErrCancelled
	}

	c.failLocked(w, err)
	snapshot := w.clone()
	c.mu.Unlock()

	c.reserve.Unlock(holder)

	logger.Warn("withdrawal failed", "id", id, "attempts", snapshot.Attempts, "error", err)

	c.emitFailed(snapshot)
	c.Wake()
}

// broadcasted records a published withdrawal and starts watching it.
func (c *Coordinator) broadcasted(id uuid.UUID, tx *wire.MsgTx, txid chainhash.Hash, attempts int) {
	holder := id.String()
	c.reserve.Spend(holder)

	c.mu.Lock()
	delete(c.inflight, id)
	w := c.requests[id]
	w.Attempts += attempts
	w.Status = StatusBroadcast
	w.TxID = txid
	if w.Change != nil {
		c.reserve.AddHeld(*w.Change, w.Epoch, holder)
	}
	if err := c.persistLocked(w); err != nil {
		logger.Error("persist broadcast withdrawal", "id", id, "error", err)
	}
	snapshot := w.clone()
	c.mu.Unlock()

	if c.watcher != nil {
		c.watcher.Watch(txid, tagWithdrawal+holder)
	}

	logger.Info("withdrawal broadcast", "id", id, "txid", txid, "attempts", snapshot.Attempts)

	c.handlersMu.RLock()
	fn := c.onBroadcast
	c.handlersMu.RUnlock()

	if fn != nil {
		fn(*snapshot)
	}

	c.Wake()
}

// dequeueLocked removes id from the pending queue.
func (c *Coordinator) dequeueLocked(id uuid.UUID) {
	for i, q := range c.queue {
		if q == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// failLocked marks w failed with reason and persists it.
func (c *Coordinator) failLocked(w *Withdrawal, reason error) {
	w.Status = StatusFailed
	w.Reason = reason.Error()

	if err := c.persistLocked(w); err != nil {
		logger.Error("persist failed withdrawal", "id", w.ID, "error", err)
	}
}

// emitFailed reports a failed withdrawal.
func (c *Coordinator) emitFailed(w *Withdrawal) {
	c.handlersMu.RLock()
	fn := c.onFailed
	c.handlersMu.RUnlock()

	if fn != nil {
		fn(*w)
	}
}

// reportMisbehaviour reports a protocol violation.
func (c *Coordinator) reportMisbehaviour(m Misbehaviour) {
	logger.Warn("trustee misbehaved",
		"session", m.Session.Short(),
		"trustee", trustee.ShortID(m.Trustee),
		"reason", m.Reason,
	)

	c.handlersMu.RLock()
	fn := c.onMisbehaviour
	c.handlersMu.RUnlock()

	if fn != nil {
		fn(m)
	}
}
