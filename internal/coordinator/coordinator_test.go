package coordinator

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/btc/btctest"
	"TrusteeBridge/internal/signing"
	"TrusteeBridge/internal/storage"
	"TrusteeBridge/internal/trustee"
	"TrusteeBridge/internal/types"
)

const (
	testFee     = 500
	testTimeout = 15 * time.Second
)

// memBroadcaster records broadcast transactions.
type memBroadcaster struct {
	mu  sync.Mutex
	txs []*wire.MsgTx
}

func (b *memBroadcaster) Broadcast(_ context.Context, raw []byte) (chainhash.Hash, error) {
	tx, err := btc.DeserializeTx(raw)
	if err != nil {
		return chainhash.Hash{}, err
	}

	b.mu.Lock()
	b.txs = append(b.txs, tx)
	b.mu.Unlock()

	return btc.TxID(tx), nil
}

func (b *memBroadcaster) sent() []*wire.MsgTx {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]*wire.MsgTx(nil), b.txs...)
}

// memWatcher records watched transactions.
type memWatcher struct {
	mu   sync.Mutex
	tags map[chainhash.Hash]string
}

func newMemWatcher() *memWatcher {
	return &memWatcher{tags: make(map[chainhash.Hash]string)}
}

func (w *memWatcher) Watch(txid chainhash.Hash, tag string) {
	w.mu.Lock()
	w.tags[txid] = tag
	w.mu.Unlock()
}

func (w *memWatcher) Unwatch(txid chainhash.Hash) {
	w.mu.Lock()
	delete(w.tags, txid)
	w.mu.Unlock()
}

// findPrefix returns a txid and tag watched under a tag with prefix.
func (w *memWatcher) findPrefix(prefix string) (chainhash.Hash, string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for txid, t := range w.tags {
		if strings.HasPrefix(t, prefix) {
			return txid, t, true
		}
	}

	return chainhash.Hash{}, "", false
}

// find returns the txid watched under tag.
func (w *memWatcher) find(tag string) (chainhash.Hash, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for txid, t := range w.tags {
		if t == tag {
			return txid, true
		}
	}

	return chainhash.Hash{}, false
}

// faultyTransport silences offline trustees and makes the liar sign a
// different message than the one requested.
type faultyTransport struct {
	inner Transport

	mu      sync.Mutex
	liar    []byte
	offline map[string]bool
}

func (f *faultyTransport) setOffline(id []byte, off bool) {
	f.mu.Lock()
	f.offline[hex.EncodeToString(id)] = off
	f.mu.Unlock()
}

func (f *faultyTransport) Request(ctx context.Context, id []byte, frame []byte) ([]byte, error) {
	f.mu.Lock()
	off := f.offline[hex.EncodeToString(id)]
	lie := f.liar != nil && bytes.Equal(id, f.liar)
	f.mu.Unlock()

	if off {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if lie {
		frame = rewriteMessage(frame)
	}

	return f.inner.Request(ctx, id, frame)
}

// rewriteMessage flips a bit of the message in signing requests.
func rewriteMessage(frame []byte) []byte {
	kind, body, err := signing.DecodeMessage(frame)
	if err != nil {
		return frame
	}

	switch kind {
	case types.MessageKindCommitRequest:
		req, err := signing.DecodeCommitRequest(body)
		if err != nil {
			return frame
		}
		req.Message = flip(req.Message)
		return signing.EncodeMessage(kind, signing.EncodeCommitRequest(req))

	case types.MessageKindSignRequest:
		req, err := signing.DecodeSignRequest(body)
		if err != nil {
			return frame
		}
		req.Message = flip(req.Message)
		return signing.EncodeMessage(kind, signing.EncodeSignRequest(req))
	}

	return frame
}

func flip(msg []byte) []byte {
	out := append([]byte(nil), msg...)
	out[0] ^= 0x01

	return out
}

// cluster is a trustee set with in-process signers and a coordinator.
type cluster struct {
	t       *testing.T
	set     *trustee.Set
	mgr     *trustee.Manager
	signers []*signing.Signer
	net     *faultyTransport
	bcast   *memBroadcaster
	watch   *memWatcher
	db      *storage.Storage
	coord   *Coordinator
	funded  int

	broadcast  chan Withdrawal
	failed     chan Withdrawal
	misbehaved chan Misbehaviour
}

// newCluster deals a t-of-n set to fresh signers that approve only
// genuine sighashes.
func newCluster(t *testing.T, threshold, n int) *cluster {
	t.Helper()

	ids := make([]trustee.Identity, n)
	for i := range ids {
		pub, _, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		ids[i] = trustee.Identity{ID: pub}
	}

	set, files, err := trustee.Deal(1, threshold, ids)
	if err != nil {
		t.Fatalf("Deal: %v", err)
	}

	mgr, err := trustee.NewManager(trustee.Config{}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Bootstrap(set); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	local := NewLocalTransport([]byte("coordinator"))
	signers := make([]*signing.Signer, n)
	for i, m := range set.Members {
		s := signing.NewSigner(m.ID)
		s.SetApprover(SighashApprover(nil))
		files[i].Install(s)
		local.Register(m.ID, signing.NewHandler(s))
		signers[i] = s
	}

	return &cluster{
		t:       t,
		set:     set,
		mgr:     mgr,
		signers: signers,
		net:     &faultyTransport{inner: local, offline: make(map[string]bool)},
		bcast:   &memBroadcaster{},
		watch:   newMemWatcher(),
	}
}

// testConfig returns fast timeouts for tests.
func testConfig() Config {
	return Config{
		Params:         btctest.Params,
		CommitTimeout:  200 * time.Millisecond,
		SessionTimeout: 5 * time.Second,
		Interval:       20 * time.Millisecond,
	}
}

// open creates a coordinator over the cluster without starting it.
func (c *cluster) open(cfg Config) *Coordinator {
	c.t.Helper()

	coord, err := New(cfg, Deps{
		Trustees:    c.mgr,
		Transport:   c.net,
		Broadcaster: c.bcast,
		Watcher:     c.watch,
		DB:          c.db,
	})
	if err != nil {
		c.t.Fatalf("New: %v", err)
	}

	c.broadcast = make(chan Withdrawal, 16)
	c.failed = make(chan Withdrawal, 16)
	c.misbehaved = make(chan Misbehaviour, 64)

	coord.OnWithdrawalBroadcast(func(w Withdrawal) { c.broadcast <- w })
	coord.OnWithdrawalFailed(func(w Withdrawal) { c.failed <- w })
	coord.OnMisbehaviour(func(m Misbehaviour) {
		select {
		case c.misbehaved <- m:
		default:
		}
	})

	c.coord = coord
	c.t.Cleanup(coord.Close)

	return coord
}

// start opens and starts a coordinator.
func (c *cluster) start(cfg Config) *Coordinator {
	c.t.Helper()

	coord := c.open(cfg)
	coord.Start()

	return coord
}

// fund credits a deposit to the current hot key.
func (c *cluster) fund(amount int64) btc.UTXO {
	c.t.Helper()

	hot, err := c.mgr.Current().HotScript()
	if err != nil {
		c.t.Fatalf("HotScript: %v", err)
	}

	c.funded++
	u := btc.UTXO{
		OutPoint: wire.OutPoint{Hash: chainhash.DoubleHashH([]byte(fmt.Sprintf("deposit %d", c.funded)))},
		Amount:   amount,
		PkScript: hot,
	}

	if n := c.coord.AddDeposit([]btc.UTXO{u}); n != 1 {
		c.t.Fatalf("AddDeposit added %d outputs", n)
	}

	return u
}

func (c *cluster) waitBroadcast() Withdrawal {
	c.t.Helper()

	select {
	case w := <-c.broadcast:
		return w
	case w := <-c.failed:
		c.t.Fatalf("withdrawal %s failed: %s", w.ID, w.Reason)
	case <-time.After(testTimeout):
		c.t.Fatal("timed out waiting for broadcast")
	}

	return Withdrawal{}
}

func (c *cluster) waitFailed() Withdrawal {
	c.t.Helper()

	select {
	case w := <-c.failed:
		return w
	case w := <-c.broadcast:
		c.t.Fatalf("withdrawal %s broadcast, expected failure", w.ID)
	case <-time.After(testTimeout):
		c.t.Fatal("timed out waiting for failure")
	}

	return Withdrawal{}
}

// waitStatus polls until request id reaches status.
func waitStatus(t *testing.T, coord *Coordinator, id uuid.UUID, status Status) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if w, ok := coord.Withdrawal(id); ok && w.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("request %s never reached %s", id, status)
}

// waitFor polls cond until it holds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

// payee returns a fresh regtest taproot address.
func payee(t *testing.T) string {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	addr, err := btc.TaprootAddress(priv.PubKey().SerializeCompressed(), btctest.Params)
	if err != nil {
		t.Fatalf("TaprootAddress: %v", err)
	}

	return addr.EncodeAddress()
}

// TestWithdrawalLifecycle tests a withdrawal from request to confirmation.
func TestWithdrawalLifecycle(t *testing.T) {
	c := newCluster(t, 2, 3)
	c.start(testConfig())
	c.fund(100_000)

	id, err := c.coord.RequestWithdrawal([]btc.Output{{Address: payee(t), Amount: 40_000}}, testFee)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}

	w := c.waitBroadcast()
	if w.ID != id || w.Status != StatusBroadcast || w.Attempts != 1 {
		t.Fatalf("broadcast %+v", w)
	}

	sent := c.bcast.sent()
	if len(sent) != 1 {
		t.Fatalf("broadcast %d transactions", len(sent))
	}

	tx := sent[0]
	if err := btc.VerifySpend(tx, w.Inputs); err != nil {
		t.Fatalf("VerifySpend: %v", err)
	}
	if tx.TxOut[0].Value != 40_000 {
		t.Errorf("payment %d", tx.TxOut[0].Value)
	}
	if w.Change == nil || w.Change.Amount != 100_000-40_000-testFee {
		t.Fatalf("change %+v", w.Change)
	}

	tag := tagWithdrawal + id.String()
	if txid, ok := c.watch.find(tag); !ok || txid != w.TxID {
		t.Fatalf("watch %s = %s, %v", tag, txid, ok)
	}

	// nonce points of the session are kept through their retention
	if c.coord.registry.Len() == 0 {
		t.Error("registry recorded no nonce points")
	}
	if n := c.coord.PruneNonces(); n != 0 {
		t.Errorf("PruneNonces() = %d right after signing", n)
	}

	// change stays held until the spend confirms
	if _, free := c.coord.Reserve().Balance(1); free != 0 {
		t.Errorf("free before confirmation = %d", free)
	}

	c.coord.HandleConfirmation(w.TxID, tag)

	got, _ := c.coord.Withdrawal(id)
	if got.Status != StatusConfirmed {
		t.Fatalf("status = %s", got.Status)
	}

	if _, free := c.coord.Reserve().Balance(1); free != w.Change.Amount {
		t.Errorf("free after confirmation = %d, want %d", free, w.Change.Amount)
	}

	if _, ok := c.watch.find(tag); ok {
		t.Error("watch not removed")
	}
}

// TestWithdrawalExcludesFaultyTrustee tests that a 3-of-5 withdrawal
// succeeds when one trustee signs the wrong message and another is
// offline: the first session blames the liar, the retry signs with the
// remaining three.
func TestWithdrawalExcludesFaultyTrustee(t *testing.T) {
	c := newCluster(t, 3, 5)

	liar := c.set.Members[3]
	c.net.liar = liar.ID
	c.signers[3].SetApprover(nil)
	c.net.setOffline(c.set.Members[4].ID, true)

	c.start(testConfig())
	c.fund(100_000)

	id, err := c.coord.RequestWithdrawal([]btc.Output{{Address: payee(t), Amount: 25_000}}, testFee)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}

	w := c.waitBroadcast()
	if w.ID != id {
		t.Fatalf("broadcast %s, want %s", w.ID, id)
	}
	if w.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", w.Attempts)
	}

	select {
	case m := <-c.misbehaved:
		if !bytes.Equal(m.Trustee, liar.ID) {
			t.Errorf("blamed %x, want %x", m.Trustee, liar.ID)
		}
		if !strings.Contains(m.Reason, signing.ErrInvalidPartial.Error()) {
			t.Errorf("reason %q", m.Reason)
		}
	default:
		t.Fatal("no misbehaviour reported")
	}

	sent := c.bcast.sent()
	if len(sent) != 1 {
		t.Fatalf("broadcast %d transactions", len(sent))
	}
	if err := btc.VerifySpend(sent[0], w.Inputs); err != nil {
		t.Fatalf("VerifySpend: %v", err)
	}

	if c.coord.Scores().Score(liar.ID) >= initialScore {
		t.Error("liar score not lowered")
	}
}

// TestWithdrawalInsufficientQuorum tests that a 3-of-5 withdrawal with
// only two responsive trustees fails and releases its inputs.
func TestWithdrawalInsufficientQuorum(t *testing.T) {
	c := newCluster(t, 3, 5)
	for _, m := range c.set.Members[2:] {
		c.net.setOffline(m.ID, true)
	}

	c.start(testConfig())
	c.fund(100_000)

	if _, err := c.coord.RequestWithdrawal([]btc.Output{{Address: payee(t), Amount: 25_000}}, testFee); err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}

	w := c.waitFailed()
	if w.Status != StatusFailed {
		t.Fatalf("status = %s", w.Status)
	}
	if !strings.Contains(w.Reason, signing.ErrInsufficientQuorum.Error()) {
		t.Errorf("reason %q", w.Reason)
	}
	if w.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", w.Attempts)
	}

	if _, free := c.coord.Reserve().Balance(1); free != 100_000 {
		t.Errorf("free = %d, inputs not released", free)
	}
	if n := len(c.bcast.sent()); n != 0 {
		t.Errorf("broadcast %d transactions", n)
	}
}

// TestCancelPending tests cancelling a request that waits for funds.
func TestCancelPending(t *testing.T) {
	c := newCluster(t, 2, 3)
	c.start(testConfig())

	id, err := c.coord.RequestWithdrawal([]btc.Output{{Address: payee(t), Amount: 25_000}}, testFee)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}

	if err := c.coord.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	w := c.waitFailed()
	if w.Reason != ErrCancelled.Error() {
		t.Errorf("reason %q", w.Reason)
	}

	if err := c.coord.Cancel(id); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("second Cancel = %v", err)
	}
	if err := c.coord.Cancel(uuid.New()); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Cancel unknown = %v", err)
	}
}

// TestCancelSigning tests that cancelling a signing request discards the
// trustees' nonces and releases its inputs.
func TestCancelSigning(t *testing.T) {
	c := newCluster(t, 2, 3)
	c.net.setOffline(c.set.Members[2].ID, true)

	cfg := testConfig()
	cfg.CommitTimeout = 10 * time.Second
	cfg.SessionTimeout = 30 * time.Second
	c.start(cfg)
	c.fund(100_000)

	id, err := c.coord.RequestWithdrawal([]btc.Output{{Address: payee(t), Amount: 25_000}}, testFee)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}

	waitStatus(t, c.coord, id, StatusSigning)
	waitFor(t, "round-one commitments", func() bool {
		return c.signers[0].Pending() == 1 && c.signers[1].Pending() == 1
	})

	if n := len(c.coord.Sessions()); n != 1 {
		t.Fatalf("%d live sessions", n)
	}

	if err := c.coord.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	w := c.waitFailed()
	if w.Reason != ErrCancelled.Error() {
		t.Fatalf("reason %q", w.Reason)
	}

	for i, s := range c.signers[:2] {
		if n := s.Pending(); n != 0 {
			t.Errorf("signer %d keeps %d nonces", i, n)
		}
	}

	if _, free := c.coord.Reserve().Balance(1); free != 100_000 {
		t.Errorf("free = %d, inputs not released", free)
	}
	if n := len(c.coord.Sessions()); n != 0 {
		t.Errorf("%d live sessions after cancel", n)
	}
}

// TestRestartRecovery tests that a request interrupted while signing
// returns to pending with its inputs released, then completes.
func TestRestartRecovery(t *testing.T) {
	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c := newCluster(t, 2, 3)
	c.db = db
	for _, m := range c.set.Members {
		c.net.setOffline(m.ID, true)
	}

	cfg := testConfig()
	cfg.CommitTimeout = 10 * time.Second
	cfg.SessionTimeout = 30 * time.Second
	first := c.start(cfg)
	c.fund(100_000)

	id, err := first.RequestWithdrawal([]btc.Output{{Address: payee(t), Amount: 25_000}}, testFee)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}

	waitStatus(t, first, id, StatusSigning)
	first.Close()

	for _, m := range c.set.Members {
		c.net.setOffline(m.ID, false)
	}

	second := c.open(testConfig())

	w, ok := second.Withdrawal(id)
	if !ok {
		t.Fatal("request lost on restart")
	}
	if w.Status != StatusPending || len(w.Inputs) != 0 {
		t.Fatalf("restored %s with %d inputs", w.Status, len(w.Inputs))
	}
	if _, free := second.Reserve().Balance(1); free != 100_000 {
		t.Fatalf("free = %d after restart", free)
	}

	second.Start()

	got := c.waitBroadcast()
	if got.ID != id {
		t.Fatalf("broadcast %s, want %s", got.ID, id)
	}
}

// TestHandover tests that a rotation sweeps the reserve to the incoming
// set, holds withdrawals until confirmation, then signs with the new set.
func TestHandover(t *testing.T) {
	c := newCluster(t, 2, 3)
	c.start(testConfig())
	c.fund(80_000)

	ids := make([]trustee.Identity, len(c.set.Members))
	for i, m := range c.set.Members {
		ids[i] = trustee.Identity{ID: m.ID}
	}

	next, files, err := trustee.Deal(2, 2, ids)
	if err != nil {
		t.Fatalf("Deal: %v", err)
	}
	for i, f := range files {
		f.Install(c.signers[i])
	}

	if err := c.mgr.BeginRotation(next); err != nil {
		t.Fatalf("BeginRotation: %v", err)
	}

	tag := handoverHolder(2)
	waitFor(t, "handover broadcast", func() bool {
		_, ok := c.watch.find(tag)
		return ok
	})
	txid, _ := c.watch.find(tag)

	sent := c.bcast.sent()
	if len(sent) != 1 {
		t.Fatalf("broadcast %d transactions", len(sent))
	}

	hot, _ := next.HotScript()
	sweep := sent[0]
	if len(sweep.TxOut) != 1 || !bytes.Equal(sweep.TxOut[0].PkScript, hot) {
		t.Fatal("sweep does not pay the incoming hot key")
	}
	if sweep.TxOut[0].Value != 80_000-defaultHandoverFee {
		t.Errorf("swept %d", sweep.TxOut[0].Value)
	}

	id, err := c.coord.RequestWithdrawal([]btc.Output{{Address: payee(t), Amount: 30_000}}, testFee)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if w, _ := c.coord.Withdrawal(id); w.Status != StatusPending {
		t.Fatalf("withdrawal %s during rotation", w.Status)
	}

	c.coord.HandleConfirmation(txid, tag)

	if got := c.mgr.Current().Epoch; got != 2 {
		t.Fatalf("current epoch = %d", got)
	}

	w := c.waitBroadcast()
	if w.ID != id || w.Epoch != 2 {
		t.Fatalf("broadcast %s by epoch %d", w.ID, w.Epoch)
	}
}

// rotate deals epoch 2 to the same identities, installs the shares and
// begins the rotation.
func (c *cluster) rotate() *trustee.Set {
	c.t.Helper()

	ids := make([]trustee.Identity, len(c.set.Members))
	for i, m := range c.set.Members {
		ids[i] = trustee.Identity{ID: m.ID}
	}

	next, files, err := trustee.Deal(2, 2, ids)
	if err != nil {
		c.t.Fatalf("Deal: %v", err)
	}
	for i, f := range files {
		f.Install(c.signers[i])
	}

	if err := c.mgr.BeginRotation(next); err != nil {
		c.t.Fatalf("BeginRotation: %v", err)
	}

	return next
}

// TestHandoverWaitsForChange tests that a rotation begun while withdrawal
// change is unconfirmed waits for it, then sweeps the whole reserve.
func TestHandoverWaitsForChange(t *testing.T) {
	c := newCluster(t, 2, 3)
	c.start(testConfig())
	c.fund(100_000)

	id, err := c.coord.RequestWithdrawal([]btc.Output{{Address: payee(t), Amount: 30_000}}, testFee)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	w := c.waitBroadcast()

	next := c.rotate()
	tag := handoverHolder(2)

	time.Sleep(200 * time.Millisecond)
	if _, ok := c.watch.find(tag); ok {
		t.Fatal("handover broadcast while change was unconfirmed")
	}
	if got := c.mgr.Current().Epoch; got != 1 {
		t.Fatalf("rotation completed early, epoch %d", got)
	}

	c.coord.HandleConfirmation(w.TxID, tagWithdrawal+id.String())

	waitFor(t, "handover broadcast", func() bool {
		_, ok := c.watch.find(tag)
		return ok
	})
	txid, _ := c.watch.find(tag)

	change := int64(100_000 - 30_000 - testFee)
	sent := c.bcast.sent()
	sweep := sent[len(sent)-1]
	hot, _ := next.HotScript()
	if len(sweep.TxIn) != 1 || sweep.TxIn[0].PreviousOutPoint != w.Change.OutPoint {
		t.Fatal("sweep does not spend the confirmed change")
	}
	if !bytes.Equal(sweep.TxOut[0].PkScript, hot) || sweep.TxOut[0].Value != change-defaultHandoverFee {
		t.Fatalf("sweep pays %d", sweep.TxOut[0].Value)
	}

	c.coord.HandleConfirmation(txid, tag)

	if got := c.mgr.Current().Epoch; got != 2 {
		t.Fatalf("current epoch = %d", got)
	}
	if total, _ := c.coord.Reserve().Balance(1); total != 0 {
		t.Errorf("%d sat left at the outgoing key", total)
	}
	if _, free := c.coord.Reserve().Balance(2); free != change-defaultHandoverFee {
		t.Errorf("incoming free = %d", free)
	}
}

// TestResidualSweep tests that a deposit reaching the previous hot key
// after the rotation is moved to the active set.
func TestResidualSweep(t *testing.T) {
	c := newCluster(t, 2, 3)
	c.start(testConfig())

	old, err := c.set.HotScript()
	if err != nil {
		t.Fatalf("HotScript: %v", err)
	}

	next := c.rotate()
	waitFor(t, "rotation", func() bool { return c.mgr.Current().Epoch == 2 })

	late := btc.UTXO{
		OutPoint: wire.OutPoint{Hash: chainhash.DoubleHashH([]byte("late deposit"))},
		Amount:   50_000,
		PkScript: old,
	}
	if n := c.coord.AddDeposit([]btc.UTXO{late}); n != 1 {
		t.Fatalf("AddDeposit added %d outputs", n)
	}

	waitFor(t, "residual sweep", func() bool {
		_, _, ok := c.watch.findPrefix(tagSweep)
		return ok
	})
	txid, tag, _ := c.watch.findPrefix(tagSweep)

	sent := c.bcast.sent()
	if len(sent) != 1 {
		t.Fatalf("broadcast %d transactions", len(sent))
	}
	hot, _ := next.HotScript()
	if !bytes.Equal(sent[0].TxOut[0].PkScript, hot) {
		t.Fatal("residual sweep does not pay the active hot key")
	}

	if total, _ := c.coord.Reserve().Balance(1); total != 0 {
		t.Errorf("previous set still holds %d", total)
	}
	if _, free := c.coord.Reserve().Balance(2); free != 0 {
		t.Errorf("sweep output free before confirmation: %d", free)
	}

	c.coord.HandleConfirmation(txid, tag)

	if _, free := c.coord.Reserve().Balance(2); free != 50_000-defaultHandoverFee {
		t.Errorf("free after confirmation = %d", free)
	}
	if _, ok := c.watch.find(tag); ok {
		t.Error("watch not removed")
	}
}

// TestHandoverEmptyReserve tests that a rotation with nothing to sweep
// completes without a transaction.
func TestHandoverEmptyReserve(t *testing.T) {
	c := newCluster(t, 2, 3)
	c.start(testConfig())

	ids := make([]trustee.Identity, len(c.set.Members))
	for i, m := range c.set.Members {
		ids[i] = trustee.Identity{ID: m.ID}
	}

	next, _, err := trustee.Deal(2, 2, ids)
	if err != nil {
		t.Fatalf("Deal: %v", err)
	}

	if err := c.mgr.BeginRotation(next); err != nil {
		t.Fatalf("BeginRotation: %v", err)
	}

	waitFor(t, "rotation", func() bool { return c.mgr.Current().Epoch == 2 })

	if n := len(c.bcast.sent()); n != 0 {
		t.Errorf("broadcast %d transactions", n)
	}
}

// TestSignAttestation tests threshold ed25519 signing of a digest.
func TestSignAttestation(t *testing.T) {
	c := newCluster(t, 2, 3)
	c.open(testConfig())

	digest := sha256.Sum256([]byte("checkpoint 42"))

	sig, err := c.coord.SignAttestation(context.Background(), digest[:])
	if err != nil {
		t.Fatalf("SignAttestation: %v", err)
	}

	if !ed25519.Verify(c.set.ChainPubKey, digest[:], sig) {
		t.Fatal("attestation does not verify under the chain key")
	}

	if _, err := c.coord.SignAttestation(context.Background(), []byte("short")); !errors.Is(err, ErrBadAttestation) {
		t.Errorf("short digest = %v", err)
	}
}
