package network

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/trustee"
)

// ErrUnknownTrustee is returned for a trustee with no known address.
var ErrUnknownTrustee = errors.New("no address for trustee")

// Transport reaches trustees by identity through secure channels. It
// learns addresses from trustee set membership.
type Transport struct {
	node *Node

	mu    sync.RWMutex
	addrs map[string]string // addrs maps identity hex to endpoint
}

// NewTransport creates a transport over node.
func NewTransport(node *Node) *Transport {
	return &Transport{
		node:  node,
		addrs: make(map[string]string),
	}
}

// SetAddress records the endpoint of a trustee.
func (t *Transport) SetAddress(id []byte, addr string) {
	if addr == "" {
		return
	}

	t.mu.Lock()
	t.addrs[hex.EncodeToString(id)] = addr
	t.mu.Unlock()
}

// Address returns the endpoint of a trustee.
func (t *Transport) Address(id []byte) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	addr, ok := t.addrs[hex.EncodeToString(id)]
	return addr, ok
}

// Request sends frame to trustee inside the secure channel to it,
// connecting first when needed.
func (t *Transport) Request(ctx context.Context, trustee []byte, frame []byte) ([]byte, error) {
	id := ed25519.PublicKey(trustee)

	p := t.node.GetPeer(id)
	if p == nil {
		addr, ok := t.Address(trustee)
		if !ok {
			return nil, fmt.Errorf("%w: %x", ErrUnknownTrustee, trustee)
		}

		var err error
		if p, err = t.node.Dial(id, addr); err != nil {
			return nil, err
		}
	}

	return p.SecureRequest(ctx, frame)
}

// OnRegister records a new member's endpoint.
func (t *Transport) OnRegister(epoch uint64, m trustee.Member) {
	t.SetAddress(m.ID, m.Address)
}

// OnDeregister forgets a removed member and closes its channels.
func (t *Transport) OnDeregister(epoch uint64, m trustee.Member) {
	t.mu.Lock()
	delete(t.addrs, hex.EncodeToString(m.ID))
	t.mu.Unlock()

	t.node.Forget(m.ID)

	logger.Info("trustee channels closed", "epoch", epoch, "trustee", trustee.ShortID(m.ID))
}
