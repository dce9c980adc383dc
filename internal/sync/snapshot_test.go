package sync

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc/btctest"
	"TrusteeBridge/internal/headers"
)

// newChain returns a regtest verifier holding n headers above genesis.
func newChain(t *testing.T, n int) (*headers.Verifier, []*wire.BlockHeader) {
	t.Helper()

	v, err := headers.New(headers.Config{Params: btctest.Params}, nil)
	if err != nil {
		t.Fatalf("headers.New: %v", err)
	}

	chain := btctest.Extend(btctest.Genesis(), n, 1)
	for i, h := range chain {
		if _, err := v.Submit(h); err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
	}

	return v, chain
}

// TestSnapshotRoundTrip tests building, compressing and parsing a snapshot.
func TestSnapshotRoundTrip(t *testing.T) {
	v, chain := newChain(t, 20)

	compressed, err := CompressSnapshot(BuildSnapshot(v.MainChain(5)))
	if err != nil {
		t.Fatalf("CompressSnapshot: %v", err)
	}

	data, err := DecompressSnapshot(compressed)
	if err != nil {
		t.Fatalf("DecompressSnapshot: %v", err)
	}

	s, err := ParseSnapshot(data)
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}

	if s.BaseHeight != 5 || s.Tip() != 20 || len(s.Headers) != 16 {
		t.Fatalf("snapshot base=%d tip=%d len=%d", s.BaseHeight, s.Tip(), len(s.Headers))
	}

	want := chain[19].BlockHash()
	got := s.Headers[len(s.Headers)-1].Raw
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(got)); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if h.BlockHash() != want {
		t.Errorf("last header %s, want %s", h.BlockHash(), want)
	}
}

// TestSnapshotChecksum tests that a corrupted checksum is detected.
func TestSnapshotChecksum(t *testing.T) {
	v, _ := newChain(t, 5)
	records := v.MainChain(0)
	data := BuildSnapshot(records)

	s, err := ParseSnapshot(data)
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}

	sum := computeChecksum(snapshotVersion, 0, s.Headers)
	at := bytes.Index(data, sum[:])
	if at < 0 {
		t.Fatal("checksum not found in snapshot")
	}

	corrupted := bytes.Clone(data)
	corrupted[at] ^= 0xff

	if _, err := ParseSnapshot(corrupted); !errors.Is(err, ErrChecksum) {
		t.Errorf("corrupted checksum error = %v", err)
	}
}

// TestSnapshotBrokenChain tests that headers which do not link are refused
// even with a valid checksum.
func TestSnapshotBrokenChain(t *testing.T) {
	v, _ := newChain(t, 8)
	records := v.MainChain(0)

	broken := append([]headers.Record{}, records[:3]...)
	for _, r := range records[4:] {
		r.Height--
		broken = append(broken, r)
	}

	if _, err := ParseSnapshot(BuildSnapshot(broken)); !errors.Is(err, ErrMalformed) {
		t.Errorf("broken chain error = %v", err)
	}

	gap := append([]headers.Record{}, records[:3]...)
	gap = append(gap, records[4:]...)

	if _, err := ParseSnapshot(BuildSnapshot(gap)); !errors.Is(err, ErrMalformed) {
		t.Errorf("height gap error = %v", err)
	}

	if _, err := ParseSnapshot([]byte{1, 2}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short buffer error = %v", err)
	}
}

// TestApplySnapshot tests starting a fresh verifier from a snapshot.
func TestApplySnapshot(t *testing.T) {
	src, _ := newChain(t, 30)

	s, err := ParseSnapshot(BuildSnapshot(src.MainChain(10)))
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}

	cp, err := s.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	fresh, err := headers.New(headers.Config{Params: btctest.Params, Checkpoint: &cp}, nil)
	if err != nil {
		t.Fatalf("headers.New: %v", err)
	}

	accepted, err := Apply(fresh, s)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if accepted != 20 {
		t.Errorf("accepted %d headers, want 20", accepted)
	}

	if tip := fresh.Tip(); tip.Hash != src.Tip().Hash || tip.Height != 30 {
		t.Fatalf("tip = %d %s", tip.Height, tip.Hash)
	}

	again, err := Apply(fresh, s)
	if err != nil || again != 0 {
		t.Errorf("second Apply = %d, %v", again, err)
	}
}
