package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"TrusteeBridge/internal/api"
	"TrusteeBridge/internal/bridge"
	"TrusteeBridge/internal/coordinator"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/network"
	"TrusteeBridge/internal/storage"
	syncer "TrusteeBridge/internal/sync"
	"TrusteeBridge/internal/trustee"
)

const (
	// connectRetries is the number of dial attempts per peer.
	connectRetries = 5

	// connectRetryDelay separates dial attempts.
	connectRetryDelay = 2 * time.Second
)

// Node is a running trustee or observer node.
type Node struct {
	cfg       *Config
	storage   *storage.Storage
	fresh     bool // fresh is set when the data directory held no database
	network   *network.Node
	transport *network.Transport
	bridge    *bridge.Bridge
	api       *api.Server
	static    map[string]bool // static holds hex keys of configured peers
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg, static: make(map[string]bool)}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	snap, err := n.bootstrapSnapshot()
	if err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initBridge(snap); err != nil {
		n.Close()
		return nil, err
	}

	n.setupHandlers()

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := filepath.Join(n.cfg.DataPath, "db")

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	_, err := os.Stat(dbPath)
	n.fresh = os.IsNotExist(err)

	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initNetwork initializes the P2P network node. Only trustees and static
// peers are admitted once the bridge is up.
func (n *Node) initNetwork() error {
	for _, p := range n.cfg.Peers {
		key, _, err := parsePeer(p)
		if err != nil {
			return err
		}
		if key != nil {
			n.static[hex.EncodeToString(key)] = true
		}
	}

	netCfg := network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
		Allow:      n.allowPeer,
	}

	node, err := network.NewNode(netCfg)
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node
	n.transport = network.NewTransport(node)

	return nil
}

// allowPeer admits trustees of any live set and static peers. An observer
// admits everyone, as does any node before its bridge exists.
func (n *Node) allowPeer(pub ed25519.PublicKey) bool {
	if n.bridge == nil || n.cfg.KeyPath == "" {
		return true
	}

	return n.static[hex.EncodeToString(pub)] || n.bridge.IsTrustee(pub)
}

// initBridge loads trustee material and builds the bridge.
func (n *Node) initBridge(snap *syncer.Snapshot) error {
	genesis, err := loadGenesis(n.cfg.GenesisPath)
	if err != nil {
		return err
	}

	var keyFiles []*trustee.KeyFile
	for _, path := range n.cfg.KeyFiles {
		kf, err := trustee.ReadKeyFile(path)
		if err != nil {
			return fmt.Errorf("read key file %s:\n%w", path, err)
		}
		keyFiles = append(keyFiles, kf)
	}

	var identity ed25519.PrivateKey
	if n.cfg.KeyPath != "" {
		identity = n.cfg.PrivateKey
	}

	cfg := bridge.Config{
		Params:        n.cfg.Params,
		Confirmations: n.cfg.Confirmations,
		MinDeposit:    n.cfg.MinDeposit,
		RequireAcks:   n.cfg.RequireAcks,
		Fanout:        n.cfg.Fanout,
		Coordinator: coordinator.Config{
			CommitTimeout:  n.cfg.CommitTimeout,
			SessionTimeout: n.cfg.SessionTimeout,
			MaxRetries:     n.cfg.MaxRetries,
			MaxSigners:     n.cfg.MaxSigners,
		},
	}

	if snap != nil {
		cp, err := snap.Checkpoint()
		if err != nil {
			return fmt.Errorf("snapshot checkpoint:\n%w", err)
		}
		cfg.Checkpoint = &cp
	}

	b, err := bridge.New(cfg, bridge.Deps{
		DB:          n.storage,
		Identity:    identity,
		KeyFiles:    keyFiles,
		Genesis:     genesis,
		Transport:   n.transport,
		Broadcaster: newBroadcaster(n.cfg.BroadcastURL),
		Gossip:      n.network,
		Hooks:       []trustee.MembershipHook{n.transport},
	})
	if err != nil {
		return fmt.Errorf("init bridge:\n%w", err)
	}

	n.bridge = b

	if snap != nil {
		applied, err := syncer.Apply(b.Verifier(), snap)
		if err != nil {
			return fmt.Errorf("apply snapshot:\n%w", err)
		}
		logger.Info("header snapshot applied", "headers", applied, "tip", b.Verifier().Height())
	}

	return nil
}

// loadGenesis reads a JSON trustee set. An empty path relies on the store.
func loadGenesis(path string) (*trustee.Set, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis set:\n%w", err)
	}

	var set trustee.Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode genesis set:\n%w", err)
	}

	return &set, nil
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.api = api.New(n.cfg.HTTPAddress, n.bridge)
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	n.bridge.Start()

	n.connectToTrustees()
	n.connectToPeers()

	return n.waitForShutdown()
}

// connectToTrustees records the endpoints of live sets and dials them.
// Membership hooks only fire on changes, so a restarted node relearns
// addresses here.
func (n *Node) connectToTrustees() {
	self := n.cfg.PrivateKey.Public().(ed25519.PublicKey)

	sets := []*trustee.Set{n.bridge.Trustees().Current()}
	if r, ok := n.bridge.Trustees().Pending(); ok {
		sets = append(sets, r.Incoming)
	}

	for _, s := range sets {
		if s == nil {
			continue
		}

		for _, m := range s.Members {
			n.transport.SetAddress(m.ID, m.Address)

			if m.Address == "" || self.Equal(ed25519.PublicKey(m.ID)) {
				continue
			}

			go n.connectToPeer(ed25519.PublicKey(m.ID), m.Address)
		}
	}
}

// connectToPeers dials the configured static peers.
func (n *Node) connectToPeers() {
	for _, p := range n.cfg.Peers {
		key, addr, err := parsePeer(p)
		if err != nil {
			continue
		}

		go n.connectToPeer(key, addr)
	}
}

// connectToPeer establishes a connection with retry logic. Retries are
// needed because the remote listener might not be up yet. A nil key
// accepts whoever answers at addr.
func (n *Node) connectToPeer(key ed25519.PublicKey, addr string) {
	for attempt := 0; attempt < connectRetries; attempt++ {
		if key != nil && n.network.GetPeer(key) != nil {
			return
		}

		var (
			peer *network.Peer
			err  error
		)
		if key != nil {
			peer, err = n.network.Dial(key, addr)
		} else {
			peer, err = n.network.Connect(addr)
		}

		if err == nil {
			logger.Info("connected to peer", "peer", trustee.ShortID(peer.PublicKey()), "addr", peer.Address())
			return
		}

		if attempt < connectRetries-1 {
			logger.Debug("retrying peer connection", "addr", addr, "attempt", attempt+1, "error", err)
			time.Sleep(connectRetryDelay)
		} else {
			logger.Warn("failed to connect to peer after retries", "addr", addr, "attempts", connectRetries)
		}
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig)

	n.Close()

	return nil
}

// Close releases all resources.
func (n *Node) Close() {
	if n.api != nil {
		if err := n.api.Stop(); err != nil {
			logger.Warn("stop api", "error", err)
		}
	}

	if n.bridge != nil {
		n.bridge.Close()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			logger.Warn("close storage", "error", err)
		}
	}
}
