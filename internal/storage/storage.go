package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// KeyValue is one write of a batch. A nil Value deletes Key.
type KeyValue struct {
	Key   []byte // Key is the key to write
	Value []byte // Value is the value to store, nil to delete
}

// Storage is the node's key-value store backed by Pebble.
// Writes are NoSync and a background goroutine syncs the WAL,
// so a crash loses at most one sync interval of writes.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
	closed   bool // closed guards double Close
	mu       sync.Mutex
}

// New opens or creates a Storage at the given path.
func New(path string) (*Storage, error) {
	return open(path, &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	})
}

// NewInMemory opens a Storage that lives only in memory.
func NewInMemory() (*Storage, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

// open opens the database and starts the WAL sync loop.
func open(path string, opts *pebble.Options) (*Storage, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Has reports whether key exists.
func (s *Storage) Has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	closer.Close()

	return true, nil
}

// Set stores a key-value pair.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// SetBatch atomically applies the writes: all of them land or none.
// Entries with a nil Value are deletions.
func (s *Storage) SetBatch(pairs []KeyValue) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		var err error
		if kv.Value == nil {
			err = batch.Delete(kv.Key, nil)
		} else {
			err = batch.Set(kv.Key, kv.Value, nil)
		}

		if err != nil {
			return err
		}
	}

	return batch.Commit(pebble.NoSync)
}

// SyncBatch is SetBatch followed by a WAL sync. Used for writes that
// must survive a crash right away, such as custody hand-over state.
func (s *Storage) SyncBatch(pairs []KeyValue) error {
	if err := s.SetBatch(pairs); err != nil {
		return err
	}

	return s.sync()
}

// IteratePrefix calls fn for each key-value pair with the given prefix,
// in key order. An error returned by fn stops the scan and is returned.
// Key and value are only valid during the call.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// DeletePrefix removes every key that starts with prefix.
func (s *Storage) DeletePrefix(prefix []byte) error {
	upper := prefixUpperBound(prefix)
	if upper == nil {
		upper = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}

	return s.db.DeleteRange(prefix, upper, pebble.NoSync)
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil if prefix is all 0xFF.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync goroutine, syncs once more and closes the database.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
