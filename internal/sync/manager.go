package sync

import (
	"sync"
	"time"

	"TrusteeBridge/internal/headers"
	"TrusteeBridge/internal/logger"
	"TrusteeBridge/internal/storage"
)

const (
	// defaultSnapshotInterval is the default interval between snapshots.
	defaultSnapshotInterval = 30 * time.Second

	// defaultWindow is how many main-chain headers a snapshot carries. It
	// covers one retarget period so a node started from it can check bits.
	defaultWindow = 2016
)

// snapshotKey stores the latest compressed snapshot.
var snapshotKey = []byte("s:latest")

// ChainSource provides the main chain for snapshots.
type ChainSource interface {
	// Tip returns the best header.
	Tip() headers.Record

	// MainChain returns main-chain records from a height up to the tip.
	MainChain(from uint64) []headers.Record
}

// ManagerConfig configures a SnapshotManager.
type ManagerConfig struct {
	Interval time.Duration // Interval between snapshot refreshes
	Window   uint64        // Window is the number of headers per snapshot
}

// SnapshotManager keeps a compressed snapshot of the recent main chain.
type SnapshotManager struct {
	db       *storage.Storage
	source   ChainSource
	interval time.Duration
	window   uint64

	mu      sync.RWMutex
	current []byte // current is the compressed snapshot
	height  uint64 // height is the tip the snapshot ends at

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSnapshotManager creates a snapshot manager. A non-nil db keeps the
// latest snapshot across restarts.
func NewSnapshotManager(cfg ManagerConfig, db *storage.Storage, source ChainSource) *SnapshotManager {
	m := &SnapshotManager{
		db:       db,
		source:   source,
		interval: cfg.Interval,
		window:   cfg.Window,
		stop:     make(chan struct{}),
	}

	if m.interval <= 0 {
		m.interval = defaultSnapshotInterval
	}

	if m.window == 0 {
		m.window = defaultWindow
	}

	m.load()

	return m
}

// Start begins the periodic snapshot loop.
func (m *SnapshotManager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop stops the snapshot loop and waits for it to finish.
func (m *SnapshotManager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Latest returns the most recent compressed snapshot and its tip height.
// Returns nil if no snapshot has been created yet.
func (m *SnapshotManager) Latest() (data []byte, height uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current, m.height
}

// Refresh rebuilds the snapshot if the tip moved.
func (m *SnapshotManager) Refresh() {
	tip := m.source.Tip()

	m.mu.RLock()
	unchanged := m.current != nil && m.height == tip.Height
	m.mu.RUnlock()

	if unchanged {
		return
	}

	var from uint64
	if tip.Height >= m.window {
		from = tip.Height - m.window + 1
	}

	records := m.source.MainChain(from)
	data := BuildSnapshot(records)

	compressed, err := CompressSnapshot(data)
	if err != nil {
		logger.Error("compress snapshot", "error", err)
		return
	}

	m.mu.Lock()
	m.current = compressed
	m.height = tip.Height
	m.mu.Unlock()

	m.persist(compressed)

	logger.Debug("snapshot created",
		"tip", tip.Height,
		"headers", len(records),
		"size", len(data),
		"compressed", len(compressed),
	)
}

// loop runs the periodic snapshot refresh.
func (m *SnapshotManager) loop() {
	defer m.wg.Done()

	m.Refresh()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Refresh()
		}
	}
}

// persist stores the compressed snapshot.
func (m *SnapshotManager) persist(compressed []byte) {
	if m.db == nil {
		return
	}

	if err := m.db.Set(snapshotKey, compressed); err != nil {
		logger.Warn("persist snapshot", "error", err)
	}
}

// load restores the stored snapshot if it still parses.
func (m *SnapshotManager) load() {
	if m.db == nil {
		return
	}

	compressed, err := m.db.Get(snapshotKey)
	if err != nil || compressed == nil {
		return
	}

	data, err := DecompressSnapshot(compressed)
	if err != nil {
		logger.Warn("stored snapshot unreadable", "error", err)
		return
	}

	s, err := ParseSnapshot(data)
	if err != nil {
		logger.Warn("stored snapshot invalid", "error", err)
		return
	}

	m.current = compressed
	m.height = s.Tip()
}
