package network

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"TrusteeBridge/internal/channel"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/trustee"
)

// requestTimeout bounds an exchange whose context carries no deadline.
const requestTimeout = 30 * time.Second

// ErrPeerClosed is returned for traffic on a closed connection.
var ErrPeerClosed = errors.New("peer connection closed")

// Peer is one authenticated QUIC connection to another node. The identity
// is the key the remote proved during the TLS handshake. Secure channels
// are bound to the connection and are dropped with it.
type Peer struct {
	identity ed25519.PublicKey // identity is the remote's proven ed25519 key
	addr     string            // addr is the dialed or observed endpoint
	conn     *quic.Conn
	node     *Node

	closed atomic.Bool
	sendMu sync.Mutex // sendMu orders outgoing gossip streams

	out outbound // out is the channel this node opened to the remote

	inMu sync.Mutex
	in   *channel.Channel // in is the channel the remote opened to this node
}

func newPeer(n *Node, conn *quic.Conn, identity ed25519.PublicKey, addr string) *Peer {
	return &Peer{
		identity: identity,
		addr:     addr,
		conn:     conn,
		node:     n,
		out:      outbound{turn: make(chan struct{}, 1)},
	}
}

// PublicKey returns the remote identity.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.identity
}

// Address returns the remote endpoint.
func (p *Peer) Address() string {
	return p.addr
}

// key indexes the peer in the node tables.
func (p *Peer) key() string {
	return hex.EncodeToString(p.identity)
}

// Send delivers one gossip message on a fresh unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(p.conn.Context())
	if err != nil {
		return fmt.Errorf("open gossip stream:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write gossip:\n%w", err)
	}

	return stream.Close()
}

// PlainRequest asks the remote's OnRequest handler outside any secure
// channel. Only public data may travel this way.
func (p *Peer) PlainRequest(ctx context.Context, data []byte) ([]byte, error) {
	return p.exchange(ctx, frame(kindPlain, data))
}

// exchange writes one request frame on a bidirectional stream and reads
// the reply.
func (p *Peer) exchange(ctx context.Context, req []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open request stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(requestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, req); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	reply, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read reply:\n%w", err)
	}

	return reply, nil
}

// Close drops the secure channels and closes the connection. A closed
// peer is not redialed.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.dropChannels()

	return p.conn.CloseWithError(0, "closed")
}

// run serves the connection until it ends, then unregisters it.
func (p *Peer) run() {
	ctx := p.conn.Context()

	go p.serveRequests(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("peer connection ended", "peer", trustee.ShortID(p.identity), "error", err)
			break
		}

		go p.readGossip(stream)
	}

	lost := !p.closed.Swap(true)
	if lost {
		p.dropChannels()
	}

	p.node.peerGone(p, lost)
}

// serveRequests answers request streams until the connection ends.
func (p *Peer) serveRequests(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.answer(stream)
	}
}

// answer handles one request stream. A failed request closes the stream
// without a reply.
func (p *Peer) answer(stream *quic.Stream) {
	defer stream.Close()

	req, err := readMessage(stream)
	if err != nil {
		return
	}

	reply, err := p.serve(req)
	if err != nil {
		logger.Debug("request refused", "peer", trustee.ShortID(p.identity), "error", err)
		return
	}

	if err := writeMessage(stream, reply); err != nil {
		logger.Debug("reply not delivered", "peer", trustee.ShortID(p.identity), "error", err)
	}
}

// readGossip passes one gossip message to the node unless it was seen.
func (p *Peer) readGossip(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("gossip read failed", "peer", trustee.ShortID(p.identity), "error", err)
		return
	}

	if !p.node.dedup.Check(data) {
		return
	}

	if fn := p.node.handlers().message; fn != nil {
		fn(p, data)
	}
}
