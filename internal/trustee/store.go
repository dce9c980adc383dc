package trustee

import (
	"encoding/hex"
	"fmt"

	"TrusteeBridge/internal/storage"
)

var (
	keyCurrent  = []byte("t:current")  // keyCurrent holds the active set
	keyPrevious = []byte("t:previous") // keyPrevious holds the replaced set
	keyRotation = []byte("t:rotation") // keyRotation holds the pending rotation
)

type ackRecord struct {
	ID        []byte `codec:"id"`
	Signature []byte `codec:"sig"`
}

type rotationRecord struct {
	Outgoing     *Set        `codec:"outgoing"`
	Incoming     *Set        `codec:"incoming"`
	Stage        int         `codec:"stage"`
	Acks         []ackRecord `codec:"acks"`
	AckSignature []byte      `codec:"ack_sig"`
	AckBitmap    []byte      `codec:"ack_bitmap"`
	HandoverTxID []byte      `codec:"handover"`
}

// persistLocked writes every set and the rotation in one synced batch.
// Caller holds mu.
func (m *Manager) persistLocked() error {
	if m.db == nil {
		return nil
	}

	var pairs []storage.KeyValue

	put := func(key []byte, v any) error {
		data, err := storage.Encode(v)
		if err != nil {
			return err
		}
		pairs = append(pairs, storage.KeyValue{Key: key, Value: data})
		return nil
	}

	if m.current != nil {
		if err := put(keyCurrent, m.current); err != nil {
			return err
		}
	}

	if m.previous != nil {
		if err := put(keyPrevious, m.previous); err != nil {
			return err
		}
	} else {
		pairs = append(pairs, storage.KeyValue{Key: keyPrevious})
	}

	if m.rotation != nil {
		if err := put(keyRotation, toRotationRecord(m.rotation)); err != nil {
			return err
		}
	} else {
		pairs = append(pairs, storage.KeyValue{Key: keyRotation})
	}

	if err := m.db.SyncBatch(pairs); err != nil {
		return fmt.Errorf("persist trustee state:\n%w", err)
	}

	return nil
}

// load restores the sets and rotation from the store.
func (m *Manager) load() error {
	if m.db == nil {
		return nil
	}

	var current, previous Set

	ok, err := m.db.GetRecord(keyCurrent, &current)
	if err != nil {
		return fmt.Errorf("current set:\n%w", err)
	}
	if ok {
		m.current = &current
	}

	ok, err = m.db.GetRecord(keyPrevious, &previous)
	if err != nil {
		return fmt.Errorf("previous set:\n%w", err)
	}
	if ok {
		m.previous = &previous
	}

	var rec rotationRecord
	ok, err = m.db.GetRecord(keyRotation, &rec)
	if err != nil {
		return fmt.Errorf("rotation:\n%w", err)
	}
	if ok {
		m.rotation = fromRotationRecord(rec)
	}

	return nil
}

func toRotationRecord(r *Rotation) rotationRecord {
	rec := rotationRecord{
		Outgoing:     r.Outgoing,
		Incoming:     r.Incoming,
		Stage:        int(r.Stage),
		AckSignature: r.AckSignature,
		AckBitmap:    r.AckBitmap,
		HandoverTxID: r.HandoverTxID[:],
	}

	// Acks follow member order so the encoding is stable.
	for _, mem := range r.Incoming.Members {
		if sig, ok := r.Acks[hex.EncodeToString(mem.ID)]; ok {
			rec.Acks = append(rec.Acks, ackRecord{ID: mem.ID, Signature: sig})
		}
	}

	return rec
}

func fromRotationRecord(rec rotationRecord) *Rotation {
	r := &Rotation{
		Outgoing:     rec.Outgoing,
		Incoming:     rec.Incoming,
		Stage:        Stage(rec.Stage),
		Acks:         make(map[string][]byte, len(rec.Acks)),
		AckSignature: rec.AckSignature,
		AckBitmap:    rec.AckBitmap,
	}

	copy(r.HandoverTxID[:], rec.HandoverTxID)

	for _, a := range rec.Acks {
		r.Acks[hex.EncodeToString(a.ID)] = a.Signature
	}

	return r
}
