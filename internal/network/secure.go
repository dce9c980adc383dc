package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"TrusteeBridge/internal/channel"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/trustee"
)

// ErrNoChannel is returned for a sealed request without a handshake.
var ErrNoChannel = errors.New("no secure channel with peer")

// outbound is the secure channel a node opened on a connection. Exchanges
// on it are serialized so both ratchets advance in order.
type outbound struct {
	turn chan struct{} // turn is held for the duration of one exchange

	mu sync.Mutex
	ch *channel.Channel
}

func (o *outbound) get() *channel.Channel {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.ch
}

func (o *outbound) set(ch *channel.Channel) {
	o.mu.Lock()
	o.ch = ch
	o.mu.Unlock()
}

// reset closes ch and clears it if it is still the current channel.
func (o *outbound) reset(ch *channel.Channel) {
	o.mu.Lock()
	if o.ch == ch {
		o.ch = nil
	}
	o.mu.Unlock()

	ch.Close()
}

// SecureRequest sends data inside the secure channel to the remote,
// opening the channel on first use, and returns the decrypted reply. A
// failed exchange drops the channel so the next request handshakes again.
func (p *Peer) SecureRequest(ctx context.Context, data []byte) ([]byte, error) {
	select {
	case p.out.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.out.turn }()

	ch := p.out.get()
	if ch == nil {
		var err error
		if ch, err = p.handshake(ctx); err != nil {
			return nil, fmt.Errorf("handshake with %s:\n%w", trustee.ShortID(p.identity), err)
		}
		p.out.set(ch)
	}

	sealed, err := ch.Seal(data)
	if err != nil {
		p.out.reset(ch)
		return nil, err
	}

	reply, err := p.exchange(ctx, frame(kindSealed, sealed))
	if err == nil {
		var plain []byte
		if plain, err = ch.Open(reply); err == nil {
			return plain, nil
		}
	}

	p.out.reset(ch)

	return nil, err
}

// handshake opens a channel to the remote over a plain exchange.
func (p *Peer) handshake(ctx context.Context) (*channel.Channel, error) {
	in, hello, err := channel.Initiate(p.node.key, p.identity)
	if err != nil {
		return nil, err
	}

	reply, err := p.exchange(ctx, frame(kindHello, hello))
	if err != nil {
		return nil, err
	}

	return in.Finish(reply)
}

// serve answers one request frame according to its kind.
func (p *Peer) serve(req []byte) ([]byte, error) {
	kind, body, err := splitFrame(req)
	if err != nil {
		return nil, err
	}

	switch kind {
	case kindHello:
		return p.acceptChannel(body)
	case kindSealed:
		return p.serveSealed(body)
	case kindPlain:
		fn := p.node.handlers().request
		if fn == nil {
			return nil, fmt.Errorf("no plain request handler")
		}
		return fn(p, body)
	default:
		return nil, fmt.Errorf("unknown frame kind %d", kind)
	}
}

// acceptChannel answers a handshake. The channel identity must be the
// identity the connection proved, and the new channel replaces any
// earlier one from the remote.
func (p *Peer) acceptChannel(hello []byte) ([]byte, error) {
	ch, reply, err := channel.Respond(p.node.key, hello, func(id ed25519.PublicKey) bool {
		return id.Equal(p.identity)
	})
	if err != nil {
		logger.Debug("handshake rejected", "peer", trustee.ShortID(p.identity), "error", err)
		return nil, err
	}

	p.inMu.Lock()
	old := p.in
	p.in = ch
	p.inMu.Unlock()

	if old != nil {
		old.Close()
	}

	return reply, nil
}

// serveSealed opens a request, passes it to the secure handler and seals
// the reply.
func (p *Peer) serveSealed(sealed []byte) ([]byte, error) {
	p.inMu.Lock()
	ch := p.in
	p.inMu.Unlock()

	if ch == nil {
		return nil, ErrNoChannel
	}

	req, err := ch.Open(sealed)
	if err != nil {
		logger.Debug("sealed request rejected", "peer", trustee.ShortID(p.identity), "error", err)
		return nil, err
	}

	fn := p.node.handlers().secure
	if fn == nil {
		return nil, fmt.Errorf("no secure request handler")
	}

	reply, err := fn(ch.Remote(), req)
	if err != nil {
		return nil, err
	}

	return ch.Seal(reply)
}

// dropChannels closes both channels. An exchange in flight fails on the
// closed channel.
func (p *Peer) dropChannels() {
	p.inMu.Lock()
	in := p.in
	p.in = nil
	p.inMu.Unlock()

	if in != nil {
		in.Close()
	}

	if ch := p.out.get(); ch != nil {
		p.out.reset(ch)
	}
}
