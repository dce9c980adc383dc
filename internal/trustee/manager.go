package trustee

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/storage"
)

var (
	// ErrNoActiveSet is returned before a genesis set was installed.
	ErrNoActiveSet = errors.New("no active trustee set")

	// ErrRotationInFlight is returned when a rotation is already pending.
	ErrRotationInFlight = errors.New("rotation already in flight")

	// ErrNoRotation is returned when no rotation is pending.
	ErrNoRotation = errors.New("no rotation in flight")

	// ErrBadEpoch is returned for a set whose epoch does not follow the
	// active one.
	ErrBadEpoch = errors.New("unexpected epoch")

	// ErrWrongStage is returned for a rotation step out of order.
	ErrWrongStage = errors.New("rotation step out of order")

	// ErrNotIncoming is returned for an acknowledgement from a trustee that
	// is not in the incoming set.
	ErrNotIncoming = errors.New("not an incoming member")

	// ErrBadAck is returned for an acknowledgement that does not verify.
	ErrBadAck = errors.New("invalid acknowledgement")

	// ErrHandoverMismatch is returned when a confirmed transaction is not
	// the broadcast handover.
	ErrHandoverMismatch = errors.New("handover transaction mismatch")
)

// Stage is the progress of a rotation.
type Stage int

const (
	// StageAnnounced is a validated incoming set awaiting acknowledgements.
	StageAnnounced Stage = iota

	// StageAcknowledged has enough incoming acknowledgements to sign.
	StageAcknowledged

	// StageSigning is signing the handover with the outgoing set.
	StageSigning

	// StageBroadcast waits for the handover to confirm.
	StageBroadcast

	// StageCompleted has switched the active set.
	StageCompleted
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageAnnounced:
		return "announced"
	case StageAcknowledged:
		return "acknowledged"
	case StageSigning:
		return "signing"
	case StageBroadcast:
		return "broadcast"
	case StageCompleted:
		return "completed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Rotation is a custody transfer from the active set to the next one.
type Rotation struct {
	Outgoing     *Set              // Outgoing is the active set that signs the handover
	Incoming     *Set              // Incoming becomes active on completion
	Stage        Stage             // Stage is the current step
	Acks         map[string][]byte // Acks maps hex identities to BLS signatures
	AckSignature []byte            // AckSignature aggregates Acks once acknowledged
	AckBitmap    []byte            // AckBitmap marks acknowledging member positions
	HandoverTxID chainhash.Hash    // HandoverTxID is the broadcast sweep
}

// clone returns a copy safe to hand out.
func (r *Rotation) clone() *Rotation {
	c := *r
	c.Acks = make(map[string][]byte, len(r.Acks))
	for k, v := range r.Acks {
		c.Acks[k] = v
	}

	return &c
}

// MembershipHook observes members joining and leaving the active set.
type MembershipHook interface {
	OnRegister(epoch uint64, m Member)
	OnDeregister(epoch uint64, m Member)
}

// HookFuncs adapts plain functions to a MembershipHook. Nil fields are
// skipped.
type HookFuncs struct {
	Register   func(epoch uint64, m Member) // Register runs for added members
	Deregister func(epoch uint64, m Member) // Deregister runs for removed members
}

// OnRegister calls Register.
func (h HookFuncs) OnRegister(epoch uint64, m Member) {
	if h.Register != nil {
		h.Register(epoch, m)
	}
}

// OnDeregister calls Deregister.
func (h HookFuncs) OnDeregister(epoch uint64, m Member) {
	if h.Deregister != nil {
		h.Deregister(epoch, m)
	}
}

// Config configures a Manager.
type Config struct {
	RequireAcks bool // RequireAcks holds rotations until t incoming members acknowledge
}

// Manager owns the active, previous and pending trustee sets.
type Manager struct {
	db          *storage.Storage
	requireAcks bool

	mu       sync.RWMutex
	current  *Set      // current is the active set
	previous *Set      // previous is the set current replaced
	rotation *Rotation // rotation is the pending transfer

	handlersMu  sync.RWMutex
	hooks       []MembershipHook   // hooks run in registration order
	onReady     func(Rotation)     // onReady starts the handover
	onCompleted func(epoch uint64) // onCompleted reports RotationCompleted
}

// NewManager creates a manager. A nil db keeps state in memory only;
// otherwise sets and the pending rotation are reloaded from db.
func NewManager(cfg Config, db *storage.Storage) (*Manager, error) {
	m := &Manager{
		db:          db,
		requireAcks: cfg.RequireAcks,
	}

	if err := m.load(); err != nil {
		return nil, fmt.Errorf("load trustee state:\n%w", err)
	}

	return m, nil
}

// AddHook appends a membership hook. Hooks run in the order added.
func (m *Manager) AddHook(h MembershipHook) {
	m.handlersMu.Lock()
	m.hooks = append(m.hooks, h)
	m.handlersMu.Unlock()
}

// OnRotationReady sets the handler called when a rotation may sign its
// handover.
func (m *Manager) OnRotationReady(fn func(Rotation)) {
	m.handlersMu.Lock()
	m.onReady = fn
	m.handlersMu.Unlock()
}

// OnRotationCompleted sets the handler called when a new set is active.
func (m *Manager) OnRotationCompleted(fn func(epoch uint64)) {
	m.handlersMu.Lock()
	m.onCompleted = fn
	m.handlersMu.Unlock()
}

// Bootstrap installs the first active set. Installing the same epoch
// again is a no-op.
func (m *Manager) Bootstrap(genesis *Set) error {
	if err := genesis.Verify(); err != nil {
		return err
	}

	m.mu.Lock()

	if m.current != nil {
		epoch := m.current.Epoch
		m.mu.Unlock()

		if epoch == genesis.Epoch {
			return nil
		}
		return fmt.Errorf("%w: active epoch %d", ErrBadEpoch, epoch)
	}

	m.current = genesis
	err := m.persistLocked()
	m.mu.Unlock()

	if err != nil {
		return err
	}

	logger.Info("trustee set installed",
		"epoch", genesis.Epoch,
		"members", genesis.Size(),
		"threshold", genesis.Threshold,
	)

	m.runHooks(genesis.Epoch, genesis.Members, nil)

	return nil
}

// Current returns the active set, or nil before bootstrap.
func (m *Manager) Current() *Set {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current
}

// Previous returns the set the active one replaced, or nil.
func (m *Manager) Previous() *Set {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.previous
}

// Pending returns a copy of the rotation in flight.
func (m *Manager) Pending() (*Rotation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.rotation == nil {
		return nil, false
	}

	return m.rotation.clone(), true
}

// InRotation reports whether a rotation is in flight.
func (m *Manager) InRotation() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.rotation != nil
}

// SetForEpoch returns the active or previous set with the given epoch.
func (m *Manager) SetForEpoch(epoch uint64) (*Set, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range []*Set{m.current, m.previous} {
		if s != nil && s.Epoch == epoch {
			return s, true
		}
	}

	if m.rotation != nil && m.rotation.Incoming.Epoch == epoch {
		return m.rotation.Incoming, true
	}

	return nil, false
}

// BeginRotation validates next and records it as the pending set. Only
// one rotation runs at a time.
func (m *Manager) BeginRotation(next *Set) error {
	if err := next.Verify(); err != nil {
		return err
	}

	m.mu.Lock()

	if m.current == nil {
		m.mu.Unlock()
		return ErrNoActiveSet
	}

	if m.rotation != nil {
		epoch := m.rotation.Incoming.Epoch
		m.mu.Unlock()
		return fmt.Errorf("%w: epoch %d", ErrRotationInFlight, epoch)
	}

	if next.Epoch != m.current.Epoch+1 {
		epoch := m.current.Epoch
		m.mu.Unlock()
		return fmt.Errorf("%w: got %d after %d", ErrBadEpoch, next.Epoch, epoch)
	}

	if m.requireAcks {
		for _, mem := range next.Members {
			if mem.BLSKey == nil {
				m.mu.Unlock()
				return fmt.Errorf("%w: member %s has no bls key", ErrInvalidSet, ShortID(mem.ID))
			}
		}
	}

	r := &Rotation{
		Outgoing: m.current,
		Incoming: next,
		Stage:    StageAnnounced,
		Acks:     make(map[string][]byte),
	}
	if !m.requireAcks {
		r.Stage = StageAcknowledged
	}

	m.rotation = r
	err := m.persistLocked()
	snapshot := *r.clone()
	m.mu.Unlock()

	if err != nil {
		return err
	}

	logger.Info("rotation announced",
		"from", r.Outgoing.Epoch,
		"to", next.Epoch,
		"stage", r.Stage,
	)

	if snapshot.Stage == StageAcknowledged {
		m.notifyReady(snapshot)
	}

	return nil
}

// AckMessage returns the message an incoming member signs to acknowledge
// a set.
func AckMessage(s *Set) []byte {
	return s.Digest()
}

// Acknowledge records an incoming member's BLS signature over the set
// digest. Once Threshold members acknowledged, the rotation may sign.
func (m *Manager) Acknowledge(id, signature []byte) error {
	m.mu.Lock()

	r := m.rotation
	if r == nil {
		m.mu.Unlock()
		return ErrNoRotation
	}

	member, ok := r.Incoming.Member(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotIncoming, ShortID(id))
	}

	if !VerifyBLS(signature, AckMessage(r.Incoming), member.BLSKey) {
		m.mu.Unlock()
		return fmt.Errorf("%w: from %s", ErrBadAck, ShortID(id))
	}

	k := hex.EncodeToString(id)
	if _, dup := r.Acks[k]; dup {
		m.mu.Unlock()
		return nil
	}
	r.Acks[k] = signature

	ready := false
	if r.Stage == StageAnnounced && len(r.Acks) >= r.Incoming.Threshold {
		if err := m.certifyLocked(r); err != nil {
			delete(r.Acks, k)
			m.mu.Unlock()
			return err
		}
		r.Stage = StageAcknowledged
		ready = true
	}

	err := m.persistLocked()
	snapshot := *r.clone()
	count := len(r.Acks)
	m.mu.Unlock()

	if err != nil {
		return err
	}

	logger.Debug("rotation acknowledged",
		"epoch", snapshot.Incoming.Epoch,
		"member", ShortID(id),
		"acks", count,
	)

	if ready {
		logger.Info("rotation ready",
			"epoch", snapshot.Incoming.Epoch,
			"acks", count,
		)
		m.notifyReady(snapshot)
	}

	return nil
}

// certifyLocked aggregates the acknowledgements into one BLS signature
// over the set digest and checks it.
func (m *Manager) certifyLocked(r *Rotation) error {
	var positions []int
	var sigs, keys [][]byte

	for i, mem := range r.Incoming.Members {
		sig, ok := r.Acks[hex.EncodeToString(mem.ID)]
		if !ok {
			continue
		}
		positions = append(positions, i)
		sigs = append(sigs, sig)
		keys = append(keys, mem.BLSKey)
	}

	agg, err := AggregateBLS(sigs)
	if err != nil {
		return fmt.Errorf("aggregate acknowledgements:\n%w", err)
	}

	if !VerifyAggregatedBLS(agg, AckMessage(r.Incoming), keys) {
		return ErrBadAck
	}

	r.AckSignature = agg
	r.AckBitmap = signerBitmap(positions, r.Incoming.Size())

	return nil
}

// VerifyCertificate checks a rotation's aggregate acknowledgement.
func VerifyCertificate(r *Rotation) bool {
	positions := bitmapPositions(r.AckBitmap)
	if len(positions) < r.Incoming.Threshold {
		return false
	}

	keys := make([][]byte, 0, len(positions))
	for _, p := range positions {
		if p >= r.Incoming.Size() {
			return false
		}
		keys = append(keys, r.Incoming.Members[p].BLSKey)
	}

	return VerifyAggregatedBLS(r.AckSignature, AckMessage(r.Incoming), keys)
}

// StartHandover moves an acknowledged rotation to signing and returns it.
func (m *Manager) StartHandover() (*Rotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rotation
	if r == nil {
		return nil, ErrNoRotation
	}

	if r.Stage != StageAcknowledged {
		return nil, fmt.Errorf("%w: start handover in %s", ErrWrongStage, r.Stage)
	}

	r.Stage = StageSigning
	if err := m.persistLocked(); err != nil {
		r.Stage = StageAcknowledged
		return nil, err
	}

	return r.clone(), nil
}

// HandoverFailed returns a signing rotation to acknowledged so the
// handover can be retried.
func (m *Manager) HandoverFailed(reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rotation
	if r == nil {
		return ErrNoRotation
	}

	if r.Stage != StageSigning {
		return fmt.Errorf("%w: handover failed in %s", ErrWrongStage, r.Stage)
	}

	logger.Warn("handover failed", "epoch", r.Incoming.Epoch, "error", reason)

	r.Stage = StageAcknowledged

	return m.persistLocked()
}

// HandoverBroadcast records the broadcast sweep transaction. An empty
// reserve hands over with the zero txid.
func (m *Manager) HandoverBroadcast(txid chainhash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rotation
	if r == nil {
		return ErrNoRotation
	}

	if r.Stage != StageSigning {
		return fmt.Errorf("%w: broadcast in %s", ErrWrongStage, r.Stage)
	}

	r.Stage = StageBroadcast
	r.HandoverTxID = txid

	logger.Info("handover broadcast", "epoch", r.Incoming.Epoch, "txid", txid)

	return m.persistLocked()
}

// CompleteRotation activates the incoming set once the handover txid is
// confirmed. Membership hooks then run for added and removed members in
// the order they were registered.
func (m *Manager) CompleteRotation(txid chainhash.Hash) error {
	m.mu.Lock()

	r := m.rotation
	if r == nil {
		m.mu.Unlock()
		return ErrNoRotation
	}

	if r.Stage != StageBroadcast {
		m.mu.Unlock()
		return fmt.Errorf("%w: complete in %s", ErrWrongStage, r.Stage)
	}

	if txid != r.HandoverTxID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s, expected %s", ErrHandoverMismatch, txid, r.HandoverTxID)
	}

	prevCurrent, prevPrevious := m.current, m.previous
	m.previous = r.Outgoing
	m.current = r.Incoming
	m.rotation = nil

	if err := m.persistLocked(); err != nil {
		m.current, m.previous, m.rotation = prevCurrent, prevPrevious, r
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	r.Stage = StageCompleted
	added, removed := r.Outgoing.Diff(r.Incoming)

	logger.Info("rotation completed",
		"epoch", r.Incoming.Epoch,
		"added", len(added),
		"removed", len(removed),
	)

	m.runHooks(r.Incoming.Epoch, added, removed)

	m.handlersMu.RLock()
	fn := m.onCompleted
	m.handlersMu.RUnlock()

	if fn != nil {
		fn(r.Incoming.Epoch)
	}

	return nil
}

// Scripts returns the hot and cold scripts of the active and previous
// sets for deposit classification.
func (m *Manager) Scripts() btc.TrusteeScripts {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out btc.TrusteeScripts

	if m.current != nil {
		out.Hot, _ = m.current.HotScript()
		out.Cold, _ = m.current.ColdScript()
	}

	if m.previous != nil {
		out.PrevHot, _ = m.previous.HotScript()
		out.PrevCold, _ = m.previous.ColdScript()
	}

	return out
}

// notifyReady calls the ready handler.
func (m *Manager) notifyReady(r Rotation) {
	m.handlersMu.RLock()
	fn := m.onReady
	m.handlersMu.RUnlock()

	if fn != nil {
		fn(r)
	}
}

// runHooks calls every hook in order. Each hook sees deregistrations
// before registrations.
func (m *Manager) runHooks(epoch uint64, added, removed []Member) {
	m.handlersMu.RLock()
	hooks := make([]MembershipHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.handlersMu.RUnlock()

	for _, h := range hooks {
		for _, mem := range removed {
			h.OnDeregister(epoch, mem)
		}
		for _, mem := range added {
			h.OnRegister(epoch, mem)
		}
	}
}
