// Package bridge wires the header verifier, the trustee set manager and the
// session coordinator into one custody node and reports to the ledger
// through an event stream.
package bridge

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/coordinator"
	"TrusteeBridge/internal/headers"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/signing"
	"TrusteeBridge/internal/storage"
	syncer "TrusteeBridge/internal/sync"
	"TrusteeBridge/internal/trustee"
)

const (
	pruneInterval = 10 * time.Second // pruneInterval is how often expired nonces are erased
	attestTimeout = 30 * time.Second // attestTimeout bounds one attestation signature
)

var (
	// ErrNoBroadcaster is returned when Deps lacks a broadcaster.
	ErrNoBroadcaster = errors.New("bridge needs a broadcaster")

	// ErrNotTrustee is returned for key material of a non-member.
	ErrNotTrustee = errors.New("identity is not a trustee of the set")

	// ErrNoIdentity is returned when the node holds no trustee identity.
	ErrNoIdentity = errors.New("node has no trustee identity")
)

// Config configures a Bridge.
type Config struct {
	Params        *chaincfg.Params     // Params is the Bitcoin network
	Confirmations uint64               // Confirmations is the depth D
	MinDeposit    int64                // MinDeposit is the smallest credited deposit
	Checkpoint    *headers.Checkpoint  // Checkpoint overrides the genesis start
	RequireAcks   bool                 // RequireAcks holds rotations for acknowledgements
	Coordinator   coordinator.Config   // Coordinator tunes signing sessions
	Policy        coordinator.Policy   // Policy vets spends before the local signer commits
	Fanout        int                  // Fanout is the header relay fanout
	Snapshot      syncer.ManagerConfig // Snapshot configures header snapshots
	EventBuffer   int                  // EventBuffer is the number of events kept for replay
}

// Deps are the external collaborators of a Bridge.
type Deps struct {
	DB          *storage.Storage         // DB persists all state, nil keeps it in memory
	Identity    ed25519.PrivateKey       // Identity is the local trustee key, optional
	KeyFiles    []*trustee.KeyFile       // KeyFiles are the local shares per epoch
	Genesis     *trustee.Set             // Genesis installs the first set when none is stored
	Transport   coordinator.Transport    // Transport reaches remote trustees, optional
	Broadcaster coordinator.Broadcaster  // Broadcaster publishes signed transactions
	Gossip      syncer.Gossiper          // Gossip relays headers to peers, optional
	Hooks       []trustee.MembershipHook // Hooks observe membership changes in order
}

// Bridge is one custody node: it owns the chain view, the trustee sets and
// the live signing sessions.
type Bridge struct {
	params   *chaincfg.Params
	verifier *headers.Verifier
	trustees *trustee.Manager
	coord    *coordinator.Coordinator
	relay    *syncer.Relay
	snaps    *syncer.SnapshotManager
	events   *EventLog
	bindings *Bindings

	identity ed25519.PrivateKey // identity is nil on an observer node
	signer   *signing.Signer    // signer holds the local shares
	handler  *signing.Handler   // handler answers remote coordinators

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a bridge from its collaborators and restores persisted state.
func New(cfg Config, deps Deps) (*Bridge, error) {
	if deps.Broadcaster == nil {
		return nil, ErrNoBroadcaster
	}

	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}

	verifier, err := headers.New(headers.Config{
		Params:        cfg.Params,
		Confirmations: cfg.Confirmations,
		MinDeposit:    cfg.MinDeposit,
		Checkpoint:    cfg.Checkpoint,
	}, deps.DB)
	if err != nil {
		return nil, fmt.Errorf("create verifier:\n%w", err)
	}

	trustees, err := trustee.NewManager(trustee.Config{RequireAcks: cfg.RequireAcks}, deps.DB)
	if err != nil {
		return nil, fmt.Errorf("create trustee manager:\n%w", err)
	}

	for _, h := range deps.Hooks {
		trustees.AddHook(h)
	}

	if deps.Genesis != nil {
		if err := trustees.Bootstrap(deps.Genesis); err != nil {
			return nil, fmt.Errorf("bootstrap trustee set:\n%w", err)
		}
	}

	verifier.SetScripts(trustees.Scripts)

	bindings, err := NewBindings(deps.DB)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		params:   cfg.Params,
		verifier: verifier,
		trustees: trustees,
		events:   NewEventLog(cfg.EventBuffer),
		bindings: bindings,
		identity: deps.Identity,
		stop:     make(chan struct{}),
	}

	self := []byte("observer")
	if deps.Identity != nil {
		self = deps.Identity.Public().(ed25519.PublicKey)
	}

	local := coordinator.NewLocalTransport(self)

	if deps.Identity != nil {
		b.signer = signing.NewSigner(self)
		b.signer.SetApprover(coordinator.SighashApprover(cfg.Policy))
		b.handler = signing.NewHandler(b.signer)
		local.Register(self, b.handler)

		for _, kf := range deps.KeyFiles {
			if err := b.InstallKeyFile(kf); err != nil {
				return nil, err
			}
		}
	}

	ccfg := cfg.Coordinator
	ccfg.Params = cfg.Params

	coord, err := coordinator.New(ccfg, coordinator.Deps{
		Trustees:    trustees,
		Transport:   coordinator.NewRoutes(local, deps.Transport),
		Broadcaster: deps.Broadcaster,
		Watcher:     verifier,
		DB:          deps.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("create coordinator:\n%w", err)
	}
	b.coord = coord

	b.relay = syncer.NewRelay(verifier, deps.Gossip, cfg.Fanout)
	b.snaps = syncer.NewSnapshotManager(cfg.Snapshot, deps.DB, verifier)

	b.wire()

	return b, nil
}

// wire connects component callbacks to each other and to the event log.
func (b *Bridge) wire() {
	b.verifier.OnDepositConfirmed(b.creditDeposit)

	b.verifier.OnTxConfirmed(func(c headers.Confirmation) {
		b.coord.HandleConfirmation(c.TxID, c.Tag)
	})

	b.verifier.OnFault(func(f headers.Fault) {
		logger.Error("consistency fault", "txid", f.TxID, "height", f.Height, "fork", f.ForkPoint)
		b.events.Append(Event{
			Kind:   EventConsistencyFault,
			TxID:   f.TxID.String(),
			Height: f.Height,
			Reason: f.Error(),
		})
	})

	b.coord.OnWithdrawalBroadcast(func(w coordinator.Withdrawal) {
		b.events.Append(Event{Kind: EventWithdrawalBroadcast, RequestID: w.ID.String(), TxID: w.TxID.String()})
	})

	b.coord.OnWithdrawalConfirmed(func(w coordinator.Withdrawal) {
		b.events.Append(Event{Kind: EventWithdrawalConfirmed, RequestID: w.ID.String(), TxID: w.TxID.String()})
	})

	b.coord.OnWithdrawalFailed(func(w coordinator.Withdrawal) {
		b.events.Append(Event{Kind: EventWithdrawalFailed, RequestID: w.ID.String(), Reason: w.Reason})
	})

	b.coord.OnMisbehaviour(func(m coordinator.Misbehaviour) {
		b.events.Append(Event{
			Kind:    EventMisbehaviourReported,
			Session: m.Session.String(),
			Trustee: trustee.ShortID(m.Trustee),
			Reason:  m.Reason,
		})
	})

	b.trustees.OnRotationCompleted(func(epoch uint64) {
		b.events.Append(Event{Kind: EventRotationCompleted, Epoch: epoch})
	})
}

// Start runs the coordinator, the snapshot loop and nonce pruning.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return
	}
	b.started = true

	b.coord.Start()
	b.snaps.Start()

	b.wg.Add(1)
	go b.pruneLoop()

	logger.Info("bridge started",
		"tip", b.verifier.Height(),
		"epoch", b.epoch(),
		"trustee", b.signer != nil,
	)
}

// Close stops background work. The caller closes the database.
func (b *Bridge) Close() {
	b.mu.Lock()
	started := b.started
	b.started = false
	b.mu.Unlock()

	b.coord.Close()

	if started {
		close(b.stop)
		b.snaps.Stop()
		b.wg.Wait()
	}
}

// pruneLoop erases expired nonces of abandoned sessions and the nonce
// points the coordinator no longer needs.
func (b *Bridge) pruneLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if b.signer != nil {
				b.signer.Prune()
			}
			if n := b.coord.PruneNonces(); n > 0 {
				logger.Debug("pruned nonce registry", "points", n)
			}
		}
	}
}

// InstallKeyFile adds local shares for a known epoch. The shares must be
// the ones the set records for this node's identity.
func (b *Bridge) InstallKeyFile(kf *trustee.KeyFile) error {
	if b.signer == nil {
		return ErrNoIdentity
	}

	set, ok := b.trustees.SetForEpoch(kf.Epoch)
	if !ok {
		return fmt.Errorf("%w: epoch %d", trustee.ErrBadEpoch, kf.Epoch)
	}

	member, ok := set.Member(b.signer.ID())
	if !ok {
		return fmt.Errorf("%w: epoch %d", ErrNotTrustee, kf.Epoch)
	}

	if err := kf.Matches(set, member); err != nil {
		return err
	}

	kf.Install(b.signer)

	logger.Info("key shares installed", "epoch", kf.Epoch, "index", member.Index)

	return nil
}

// NotifyTrusteeSet announces the next trustee set. When this node is an
// incoming member it acknowledges the set right away.
func (b *Bridge) NotifyTrusteeSet(next *trustee.Set) error {
	if err := b.trustees.BeginRotation(next); err != nil {
		return err
	}

	if b.identity == nil {
		return nil
	}

	self := b.identity.Public().(ed25519.PublicKey)
	if !next.Contains(self) {
		return nil
	}

	sig, err := b.AckSignature(next)
	if err != nil {
		return err
	}

	if err := b.trustees.Acknowledge(self, sig); err != nil && !errors.Is(err, trustee.ErrWrongStage) {
		return fmt.Errorf("acknowledge own set:\n%w", err)
	}

	return nil
}

// AckSignature returns this node's BLS acknowledgement of set.
func (b *Bridge) AckSignature(set *trustee.Set) ([]byte, error) {
	if b.identity == nil {
		return nil, ErrNoIdentity
	}

	kp, err := trustee.DeriveBLSKey(b.identity)
	if err != nil {
		return nil, err
	}

	return kp.Sign(trustee.AckMessage(set)), nil
}

// Acknowledge records an incoming member's acknowledgement.
func (b *Bridge) Acknowledge(id, signature []byte) error {
	return b.trustees.Acknowledge(id, signature)
}

// RequestWithdrawal queues a withdrawal and returns its request id.
func (b *Bridge) RequestWithdrawal(outputs []btc.Output, fee int64) (uuid.UUID, error) {
	return b.coord.RequestWithdrawal(outputs, fee)
}

// Withdrawal returns a request by id.
func (b *Bridge) Withdrawal(id uuid.UUID) (*coordinator.Withdrawal, bool) {
	return b.coord.Withdrawal(id)
}

// CancelWithdrawal cancels a pending or signing request.
func (b *Bridge) CancelWithdrawal(id uuid.UUID) error {
	return b.coord.Cancel(id)
}

// SubmitHeader validates a raw header and relays it once accepted.
func (b *Bridge) SubmitHeader(raw []byte) (*headers.Record, error) {
	return b.relay.Submit(raw)
}

// SubmitDeposit checks an inclusion proof of a deposit or of a watched
// transaction.
func (b *Bridge) SubmitDeposit(p headers.InclusionProof) (btc.Classification, error) {
	return b.verifier.SubmitDeposit(p)
}

// HandleGossip processes a header relayed by a peer.
func (b *Bridge) HandleGossip(data []byte) {
	b.relay.HandleGossip(data)
}

// HandleSecure answers a signing request from a remote coordinator.
func (b *Bridge) HandleSecure(remote, data []byte) ([]byte, error) {
	if b.handler == nil {
		return nil, ErrNoIdentity
	}

	return b.handler.HandleRequest(remote, data)
}

// HandlePlain answers a plain peer request with the header snapshot.
func (b *Bridge) HandlePlain(data []byte) ([]byte, error) {
	return syncer.HandleRequest(data, b.snaps)
}

// IsTrustee reports whether id belongs to the active, previous or
// incoming set. Peers are admitted on this basis.
func (b *Bridge) IsTrustee(id ed25519.PublicKey) bool {
	sets := []*trustee.Set{b.trustees.Current(), b.trustees.Previous()}
	if r, ok := b.trustees.Pending(); ok {
		sets = append(sets, r.Incoming)
	}

	for _, s := range sets {
		if s != nil && s.Contains(id) {
			return true
		}
	}

	return false
}

// SignAttestation signs a digest with the committee's chain key.
func (b *Bridge) SignAttestation(digest []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), attestTimeout)
	defer cancel()

	return b.coord.SignAttestation(ctx, digest)
}

// Snapshot returns the latest compressed header snapshot and its tip.
func (b *Bridge) Snapshot() ([]byte, uint64) {
	return b.snaps.Latest()
}

// Events returns the event log.
func (b *Bridge) Events() *EventLog {
	return b.events
}

// Verifier returns the header chain.
func (b *Bridge) Verifier() *headers.Verifier {
	return b.verifier
}

// Trustees returns the trustee set manager.
func (b *Bridge) Trustees() *trustee.Manager {
	return b.trustees
}

// Coordinator returns the session coordinator.
func (b *Bridge) Coordinator() *coordinator.Coordinator {
	return b.coord
}

// Params returns the Bitcoin network.
func (b *Bridge) Params() *chaincfg.Params {
	return b.params
}

// Confirmations returns the depth of a main chain header, or zero.
func (b *Bridge) Confirmations(block chainhash.Hash) uint64 {
	return b.verifier.Confirmations(block)
}

// epoch returns the active epoch, or zero before bootstrap.
func (b *Bridge) epoch() uint64 {
	if s := b.trustees.Current(); s != nil {
		return s.Epoch
	}

	return 0
}
