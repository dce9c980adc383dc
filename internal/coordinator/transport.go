package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrUnreachable is returned when no route to a trustee exists.
var ErrUnreachable = errors.New("trustee unreachable")

// Transport delivers a request frame to a trustee over an authenticated
// channel and returns the trustee's reply frame.
type Transport interface {
	Request(ctx context.Context, trustee []byte, frame []byte) ([]byte, error)
}

// Broadcaster hands a fully signed transaction to the Bitcoin network.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawTx []byte) (chainhash.Hash, error)
}

// Watcher reports confirmations of transactions the bridge broadcast.
type Watcher interface {
	Watch(txid chainhash.Hash, tag string)
	Unwatch(txid chainhash.Hash)
}

// RequestHandler answers request frames, like signing.Handler.
type RequestHandler interface {
	HandleRequest(remote []byte, data []byte) ([]byte, error)
}

// LocalTransport routes frames to in-process handlers. It serves the
// node's own trustee and tests.
type LocalTransport struct {
	self []byte // self is the identity presented to handlers

	mu       sync.RWMutex
	handlers map[string]RequestHandler
}

// NewLocalTransport creates a transport presenting self as the caller.
func NewLocalTransport(self []byte) *LocalTransport {
	return &LocalTransport{
		self:     self,
		handlers: make(map[string]RequestHandler),
	}
}

// Register routes frames for trustee to h.
func (t *LocalTransport) Register(trustee []byte, h RequestHandler) {
	t.mu.Lock()
	t.handlers[hex.EncodeToString(trustee)] = h
	t.mu.Unlock()
}

// Request calls the trustee's handler.
func (t *LocalTransport) Request(ctx context.Context, trustee []byte, frame []byte) ([]byte, error) {
	t.mu.RLock()
	h, ok := t.handlers[hex.EncodeToString(trustee)]
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnreachable, trustee)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return h.HandleRequest(t.self, frame)
}

// Routes combines transports: the first one that knows a trustee wins.
type Routes struct {
	local  *LocalTransport // local serves the node's own trustee
	remote Transport       // remote reaches every other trustee
}

// NewRoutes sends frames for local identities to local and the rest to
// remote.
func NewRoutes(local *LocalTransport, remote Transport) *Routes {
	return &Routes{local: local, remote: remote}
}

// Request routes one frame.
func (r *Routes) Request(ctx context.Context, trustee []byte, frame []byte) ([]byte, error) {
	reply, err := r.local.Request(ctx, trustee, frame)
	if !errors.Is(err, ErrUnreachable) || r.remote == nil {
		return reply, err
	}

	return r.remote.Request(ctx, trustee, frame)
}
