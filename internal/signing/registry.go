package signing

import (
	"bytes"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.dedis.ch/kyber/v3"
)

// nonceOwner is the first session and trustee a nonce point was seen with.
type nonceOwner struct {
	session SessionID
	trustee []byte
	until   time.Time // until is when the point may be forgotten
}

// NonceRegistry remembers the public nonce points the coordinator has
// seen, so a point offered twice is caught before round two. A point is
// kept for usedRetention past its session deadline, as long as signers
// refuse to reopen that session.
type NonceRegistry struct {
	mu   sync.Mutex
	seen map[[16]byte]nonceOwner // seen maps point fingerprints to owners
}

// NewNonceRegistry creates an empty registry.
func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{seen: make(map[[16]byte]nonceOwner)}
}

// fingerprint hashes a marshaled point.
func fingerprint(p kyber.Point) [16]byte {
	sum := blake3.Sum256(mustMarshal(p))

	var fp [16]byte
	copy(fp[:], sum[:16])

	return fp
}

// Observe records the points of a commitment for a session ending at
// deadline. A point already seen with a different session or trustee, or
// repeated within the commitment, is blamed on trustee. Nothing is
// recorded on failure.
func (r *NonceRegistry) Observe(id SessionID, trustee []byte, deadline time.Time, points ...kyber.Point) error {
	until := deadline
	if now := time.Now(); until.Before(now) {
		until = now
	}
	until = until.Add(usedRetention)

	fps := make([][16]byte, len(points))
	for i, p := range points {
		fps[i] = fingerprint(p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	local := make(map[[16]byte]bool, len(fps))
	for _, fp := range fps {
		if local[fp] {
			return blame(trustee, ErrNonceReuse)
		}
		local[fp] = true

		owner, ok := r.seen[fp]
		if !ok {
			continue
		}

		if owner.session != id || !bytes.Equal(owner.trustee, trustee) {
			return blame(trustee, ErrNonceReuse)
		}
	}

	for _, fp := range fps {
		if owner, ok := r.seen[fp]; ok && owner.until.After(until) {
			continue
		}
		r.seen[fp] = nonceOwner{session: id, trustee: bytes.Clone(trustee), until: until}
	}

	return nil
}

// Prune forgets points whose retention ended before now and returns how
// many were dropped.
func (r *NonceRegistry) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for fp, owner := range r.seen {
		if now.After(owner.until) {
			delete(r.seen, fp)
			dropped++
		}
	}

	return dropped
}

// Len returns the number of points recorded.
func (r *NonceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.seen)
}
