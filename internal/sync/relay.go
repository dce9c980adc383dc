package sync

import (
	"TrusteeBridge/internal/headers"
	"TrusteeBridge/internal/logger"
)

// defaultFanout is the number of peers a new header is relayed to.
const defaultFanout = 8

// Gossiper spreads data to a subset of peers.
type Gossiper interface {
	Gossip(data []byte, fanout int) error
}

// Relay feeds headers into the verifier and forwards accepted ones.
// Headers arriving before their parent wait in an orphan buffer.
type Relay struct {
	verifier *headers.Verifier
	orphans  *OrphanBuffer
	gossip   Gossiper // gossip is nil on a node without peers
	fanout   int
}

// NewRelay creates a relay. A nil gossiper only submits locally.
func NewRelay(v *headers.Verifier, g Gossiper, fanout int) *Relay {
	if fanout <= 0 {
		fanout = defaultFanout
	}

	return &Relay{
		verifier: v,
		orphans:  NewOrphanBuffer(0),
		gossip:   g,
		fanout:   fanout,
	}
}

// Submit validates raw and, once accepted, relays it and any buffered
// descendants. An UnknownParent rejection keeps the header buffered.
func (r *Relay) Submit(raw []byte) (*headers.Record, error) {
	rec, err := r.verifier.SubmitHeader(raw)
	if err != nil {
		if headers.RejectReason(err) == headers.UnknownParent {
			r.orphans.Add(raw)
		}
		return nil, err
	}

	r.forward(raw)
	r.drain(rec)

	return rec, nil
}

// HandleGossip processes a header received from a peer.
func (r *Relay) HandleGossip(data []byte) {
	if _, err := r.Submit(data); err != nil {
		logger.Debug("relayed header not accepted", "error", err)
	}
}

// Orphans returns the number of headers waiting for their parent.
func (r *Relay) Orphans() int {
	return r.orphans.Len()
}

// drain submits buffered headers whose ancestry just became known.
func (r *Relay) drain(parent *headers.Record) {
	queue := []*headers.Record{parent}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		for _, raw := range r.orphans.TakeChildren(next.Hash) {
			rec, err := r.verifier.SubmitHeader(raw)
			if err != nil {
				logger.Debug("orphan rejected", "parent", next.Hash, "error", err)
				continue
			}

			r.forward(raw)
			queue = append(queue, rec)
		}
	}
}

// forward gossips an accepted header.
func (r *Relay) forward(raw []byte) {
	if r.gossip == nil {
		return
	}

	if err := r.gossip.Gossip(raw, r.fanout); err != nil {
		logger.Debug("header relay failed", "error", err)
	}
}
