// Package network connects trustee nodes over QUIC. Every connection is
// mutually authenticated by the nodes' ed25519 identity keys through TLS,
// and signing traffic additionally runs inside per-connection secure
// channels.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/trustee"
)

const (
	// defaultRedialDelay is the first wait before redialing a lost peer.
	defaultRedialDelay = 5 * time.Second

	// maxRedialDelay caps the doubling redial wait.
	maxRedialDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "trustee-bridge/1"
)

// ErrPeerRejected is returned when a peer identity is not allowed.
var ErrPeerRejected = errors.New("peer not allowed")

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey           // PrivateKey is the node's ed25519 identity key
	ListenAddr     string                       // ListenAddr is the address to listen on (e.g., ":9000")
	ReconnectDelay time.Duration                // ReconnectDelay is the first redial wait
	Allow          func(ed25519.PublicKey) bool // Allow admits peer identities, nil admits all
}

// handlers are the callbacks the owner of a node installs.
type handlers struct {
	connect    func(*Peer)
	message    func(*Peer, []byte)
	disconnect func(*Peer)
	request    func(*Peer, []byte) ([]byte, error)
	secure     func(remote, data []byte) ([]byte, error)
}

// Node accepts and dials authenticated connections to other nodes.
type Node struct {
	key        ed25519.PrivateKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	allow      func(ed25519.PublicKey) bool
	redial     time.Duration // redial is the first redial wait
	dedup      *Dedup        // dedup drops gossip already seen

	listener *quic.Listener

	mu     sync.RWMutex
	peers  map[string]*Peer  // peers are live connections by identity hex
	dialed map[string]string // dialed are endpoints this node dialed, for redials
	dialMu sync.Mutex        // dialMu serializes outgoing dials

	hooksMu sync.RWMutex
	hooks   handlers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	redial := cfg.ReconnectDelay
	if redial == 0 {
		redial = defaultRedialDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		key:        cfg.PrivateKey,
		listenAddr: cfg.ListenAddr,
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // the ed25519 key is checked in admit
			NextProtos:         []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		allow:  cfg.Allow,
		redial: redial,
		dedup:  NewDedup(),
		peers:  make(map[string]*Peer),
		dialed: make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// PublicKey returns the node's identity.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.key.Public().(ed25519.PublicKey)
}

// Addr returns the listener's address, empty before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start listens and accepts connections in the background.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials addr and admits whoever answers there.
func (n *Node) Connect(addr string) (*Peer, error) {
	p, err := n.connect(addr)
	if err != nil {
		return nil, err
	}

	n.connected(p)

	return p, nil
}

// Dial returns the connected peer for pubkey, connecting to addr when
// none exists. The dialed peer must present pubkey.
func (n *Node) Dial(pubkey ed25519.PublicKey, addr string) (*Peer, error) {
	if p := n.GetPeer(pubkey); p != nil {
		return p, nil
	}

	n.dialMu.Lock()
	defer n.dialMu.Unlock()

	if p := n.GetPeer(pubkey); p != nil {
		return p, nil
	}

	p, err := n.connect(addr)
	if err != nil {
		return nil, err
	}

	if !p.identity.Equal(pubkey) {
		n.discard(p)
		return nil, fmt.Errorf("%w: %s presented %s", ErrPeerRejected, addr, trustee.ShortID(p.identity))
	}

	n.connected(p)

	return p, nil
}

// connect dials addr and registers the connection for redials.
func (n *Node) connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	p, err := n.admit(conn, addr, true)
	if err != nil {
		conn.CloseWithError(1, "rejected")
		return nil, err
	}

	return p, nil
}

// Broadcast sends gossip to every connected peer.
func (n *Node) Broadcast(data []byte) error {
	return n.sendAll(n.Peers(), data)
}

// Gossip marks data as seen and sends it to fanout random peers, or to
// every peer when fanout covers them all.
func (n *Node) Gossip(data []byte, fanout int) error {
	n.dedup.Check(data)

	return n.sendAll(pickPeers(n.Peers(), fanout), data)
}

// sendAll sends data to peers and returns the last failure.
func (n *Node) sendAll(peers []*Peer, data []byte) error {
	var lastErr error
	for _, p := range peers {
		if err := p.Send(data); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// pickPeers returns k distinct peers chosen at random, or all of them
// when k is not smaller than the count.
func pickPeers(peers []*Peer, k int) []*Peer {
	if k >= len(peers) {
		return peers
	}

	picked := make([]*Peer, 0, k)
	for _, i := range rand.Perm(len(peers))[:k] {
		picked = append(picked, peers[i])
	}

	return picked
}

// Peers returns the connected peers.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}

	return out
}

// GetPeer returns the connection to pubkey, nil when there is none.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.peers[hex.EncodeToString(pubkey)]
}

// Forget closes the connection to pubkey, with its channels, and stops
// redialing it.
func (n *Node) Forget(pubkey ed25519.PublicKey) {
	key := hex.EncodeToString(pubkey)

	n.mu.Lock()
	p := n.peers[key]
	delete(n.peers, key)
	delete(n.dialed, key)
	n.mu.Unlock()

	if p != nil {
		p.Close()
	}
}

// discard closes p and removes every trace of it.
func (n *Node) discard(p *Peer) {
	n.mu.Lock()
	if n.peers[p.key()] == p {
		delete(n.peers, p.key())
	}
	if n.dialed[p.key()] == p.addr {
		delete(n.dialed, p.key())
	}
	n.mu.Unlock()

	p.Close()
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.setHandler(func(h *handlers) { h.connect = fn })
}

// OnMessage sets the handler called for gossip not seen before.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.setHandler(func(h *handlers) { h.message = fn })
}

// OnDisconnect sets the handler called when a connection is lost.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.setHandler(func(h *handlers) { h.disconnect = fn })
}

// OnRequest sets the handler for plain requests, which travel over the
// authenticated QUIC connection without a secure channel.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.setHandler(func(h *handlers) { h.request = fn })
}

// OnSecureRequest sets the handler for requests received over a secure
// channel. It gets the channel's authenticated peer identity.
func (n *Node) OnSecureRequest(fn func(remote []byte, data []byte) ([]byte, error)) {
	n.setHandler(func(h *handlers) { h.secure = fn })
}

func (n *Node) setHandler(set func(*handlers)) {
	n.hooksMu.Lock()
	set(&n.hooks)
	n.hooksMu.Unlock()
}

func (n *Node) handlers() handlers {
	n.hooksMu.RLock()
	defer n.hooksMu.RUnlock()

	return n.hooks
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.mu.Lock()
	peers := n.peers
	n.peers = make(map[string]*Peer)
	n.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.dedup.Close()
	n.wg.Wait()

	return nil
}

// acceptLoop admits incoming connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go func() {
			p, err := n.admit(conn, conn.RemoteAddr().String(), false)
			if err != nil {
				logger.Debug("connection refused", "addr", conn.RemoteAddr(), "error", err)
				conn.CloseWithError(1, "rejected")
				return
			}

			n.connected(p)
		}()
	}
}

// admit checks the identity a connection proved and registers it. Only
// dialed endpoints are kept for redials: the source address of an
// incoming connection is not where the remote listens.
func (n *Node) admit(conn *quic.Conn, addr string, dialed bool) (*Peer, error) {
	identity, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	if n.allow != nil && !n.allow(identity) {
		return nil, fmt.Errorf("%w: %s", ErrPeerRejected, trustee.ShortID(identity))
	}

	p := newPeer(n, conn, identity, addr)

	n.mu.Lock()
	n.peers[p.key()] = p
	if dialed {
		n.dialed[p.key()] = addr
	}
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		p.run()
	}()

	return p, nil
}

func (n *Node) connected(p *Peer) {
	if fn := n.handlers().connect; fn != nil {
		fn(p)
	}
}

// peerGone unregisters an ended connection. A lost connection this node
// dialed is redialed, one closed on purpose is not.
func (n *Node) peerGone(p *Peer, lost bool) {
	n.mu.Lock()
	if n.peers[p.key()] == p {
		delete(n.peers, p.key())
	}
	addr, dialed := n.dialed[p.key()]
	n.mu.Unlock()

	if fn := n.handlers().disconnect; fn != nil {
		fn(p)
	}

	if !lost || !dialed || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.redialPeer(p.identity, addr)
	}()
}

// redialPeer dials a lost peer with doubling waits until it is back,
// forgotten or the node stops.
func (n *Node) redialPeer(identity ed25519.PublicKey, addr string) {
	delay := n.redial
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-timer.C:
		}

		n.mu.RLock()
		_, wanted := n.dialed[hex.EncodeToString(identity)]
		n.mu.RUnlock()

		if !wanted {
			return
		}

		_, err := n.Dial(identity, addr)
		if err == nil {
			logger.Info("peer redialed", "peer", trustee.ShortID(identity), "addr", addr)
			return
		}

		logger.Debug("redial failed", "peer", trustee.ShortID(identity), "retry", delay, "error", err)

		delay = min(delay*2, maxRedialDelay)
		timer.Reset(delay)
	}
}
