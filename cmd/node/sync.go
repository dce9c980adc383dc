package main

import (
	"context"
	"fmt"
	"time"

	"TrusteeBridge/internal/headers"
	"TrusteeBridge/internal/logger"
	syncer "TrusteeBridge/internal/sync"
)

// snapshotTimeout bounds the snapshot download.
const snapshotTimeout = time.Minute

// bootstrapSnapshot fetches a header snapshot from the sync peer when the
// store is fresh. The verifier then starts from the snapshot base instead
// of the network genesis.
func (n *Node) bootstrapSnapshot() (*syncer.Snapshot, error) {
	if n.cfg.SyncFrom == "" {
		return nil, nil
	}
	if !n.fresh {
		logger.Info("store exists, skipping snapshot sync", "peer", n.cfg.SyncFrom)
		return nil, nil
	}

	key, addr, err := parsePeer(n.cfg.SyncFrom)
	if err != nil {
		return nil, err
	}

	peer, err := n.network.Connect(addr)
	if err != nil {
		return nil, fmt.Errorf("connect to sync peer:\n%w", err)
	}
	if key != nil && !peer.PublicKey().Equal(key) {
		peer.Close()
		return nil, fmt.Errorf("sync peer %s presented %x", addr, peer.PublicKey())
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	snap, err := syncer.RequestSnapshot(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("request snapshot:\n%w", err)
	}

	cp, err := snap.Checkpoint()
	if err != nil {
		return nil, fmt.Errorf("snapshot checkpoint:\n%w", err)
	}

	logger.Info("header snapshot received",
		"peer", addr,
		"base", checkpointOf(cp),
		"tip", snap.Tip(),
	)

	return snap, nil
}

// checkpointOf describes a snapshot base for logging.
func checkpointOf(cp headers.Checkpoint) string {
	return fmt.Sprintf("%d:%s", cp.Height, cp.Header.BlockHash())
}
