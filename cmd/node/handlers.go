package main

import (
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/network"
	"TrusteeBridge/internal/trustee"
)

// setupHandlers routes network traffic into the bridge: gossip carries
// headers, plain requests serve snapshots and secure requests carry
// signing frames between trustees.
func (n *Node) setupHandlers() {
	n.network.OnConnect(func(p *network.Peer) {
		logger.Debug("peer connected", "peer", trustee.ShortID(p.PublicKey()), "addr", p.Address())
	})

	n.network.OnDisconnect(func(p *network.Peer) {
		logger.Debug("peer disconnected", "peer", trustee.ShortID(p.PublicKey()))
	})

	n.network.OnMessage(func(_ *network.Peer, data []byte) {
		n.bridge.HandleGossip(data)
	})

	n.network.OnRequest(func(_ *network.Peer, data []byte) ([]byte, error) {
		return n.bridge.HandlePlain(data)
	})

	n.network.OnSecureRequest(n.bridge.HandleSecure)
}
