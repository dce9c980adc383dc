package sync

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/zeebo/blake3"

	"TrusteeBridge/internal/btc"
)

// defaultOrphanLimit bounds the headers held while their parent is missing.
const defaultOrphanLimit = 2048

// OrphanBuffer holds relayed headers whose parent is not known yet. It
// deduplicates by content and releases children once their parent lands.
type OrphanBuffer struct {
	mu       sync.Mutex
	byParent map[chainhash.Hash][]orphan // byParent groups orphans by PrevBlock
	seen     map[[32]byte]struct{}       // seen holds digests of buffered headers
	order    [][32]byte                  // order is arrival order for eviction
	limit    int
}

// orphan is a buffered header.
type orphan struct {
	digest [32]byte
	raw    []byte
}

// NewOrphanBuffer creates a buffer holding at most limit headers.
// A limit of zero uses the default.
func NewOrphanBuffer(limit int) *OrphanBuffer {
	if limit <= 0 {
		limit = defaultOrphanLimit
	}

	return &OrphanBuffer{
		byParent: make(map[chainhash.Hash][]orphan),
		seen:     make(map[[32]byte]struct{}),
		limit:    limit,
	}
}

// Add stores a raw header. Returns false for duplicates and headers that
// cannot be decoded. When full the oldest header is evicted.
func (b *OrphanBuffer) Add(raw []byte) bool {
	h, err := btc.DecodeHeader(raw)
	if err != nil {
		return false
	}

	digest := blake3.Sum256(raw)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.seen[digest]; exists {
		return false
	}

	if len(b.order) >= b.limit {
		b.evictLocked()
	}

	data := make([]byte, len(raw))
	copy(data, raw)

	b.byParent[h.PrevBlock] = append(b.byParent[h.PrevBlock], orphan{digest: digest, raw: data})
	b.seen[digest] = struct{}{}
	b.order = append(b.order, digest)

	return true
}

// TakeChildren removes and returns the buffered headers extending parent,
// in arrival order.
func (b *OrphanBuffer) TakeChildren(parent chainhash.Hash) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	children := b.byParent[parent]
	if len(children) == 0 {
		return nil
	}

	delete(b.byParent, parent)

	out := make([][]byte, len(children))
	for i, c := range children {
		delete(b.seen, c.digest)
		out[i] = c.raw
	}

	b.compactLocked()

	return out
}

// Len returns the number of buffered headers.
func (b *OrphanBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.seen)
}

// Clear removes all buffered headers.
func (b *OrphanBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byParent = make(map[chainhash.Hash][]orphan)
	b.seen = make(map[[32]byte]struct{})
	b.order = nil
}

// evictLocked drops the oldest buffered header. Caller holds mu.
func (b *OrphanBuffer) evictLocked() {
	b.compactLocked()
	if len(b.order) == 0 {
		return
	}

	oldest := b.order[0]
	b.order = b.order[1:]
	delete(b.seen, oldest)

	for parent, list := range b.byParent {
		for i, o := range list {
			if o.digest != oldest {
				continue
			}

			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(b.byParent, parent)
			} else {
				b.byParent[parent] = list
			}
			return
		}
	}
}

// compactLocked drops released headers from the arrival order.
func (b *OrphanBuffer) compactLocked() {
	kept := b.order[:0]
	for _, d := range b.order {
		if _, ok := b.seen[d]; ok {
			kept = append(kept, d)
		}
	}
	b.order = kept
}
