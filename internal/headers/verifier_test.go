package headers

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/btc/btctest"
)

// newTestVerifier creates an in-memory regtest verifier with depth D.
func newTestVerifier(t *testing.T, depth uint64) *Verifier {
	t.Helper()

	v, err := New(Config{Params: btctest.Params, Confirmations: depth}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return v
}

// submitAll submits headers in order and fails on the first error.
func submitAll(t *testing.T, v *Verifier, headers []*wire.BlockHeader) {
	t.Helper()

	for i, h := range headers {
		if _, err := v.Submit(h); err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
	}
}

// TestSubmitExtendsTip tests that a linear chain moves the tip.
func TestSubmitExtendsTip(t *testing.T) {
	v := newTestVerifier(t, 3)
	chain := btctest.Extend(btctest.Genesis(), 5, 1)

	prev := v.Height()
	for i, h := range chain {
		rec, err := v.Submit(h)
		if err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}

		if rec.Height != uint64(i+1) {
			t.Errorf("height = %d, want %d", rec.Height, i+1)
		}

		if v.Height() <= prev {
			t.Errorf("tip height %d did not grow past %d", v.Height(), prev)
		}
		prev = v.Height()
	}

	tip := v.Tip()
	if tip.Hash != chain[4].BlockHash() {
		t.Errorf("tip = %s, want %s", tip.Hash, chain[4].BlockHash())
	}

	at, ok := v.HeaderAtHeight(2)
	if !ok || at.Hash != chain[1].BlockHash() {
		t.Errorf("HeaderAtHeight(2) = %s, want %s", at.Hash, chain[1].BlockHash())
	}

	if got := v.Confirmations(chain[1].BlockHash()); got != 4 {
		t.Errorf("Confirmations = %d, want 4", got)
	}

	if got := len(v.MainChain(0)); got != 6 {
		t.Errorf("MainChain(0) has %d headers, want 6", got)
	}
}

// TestSubmitRejects tests every rejection reason and that rejections do
// not change the chain.
func TestSubmitRejects(t *testing.T) {
	genesis := btctest.Genesis()
	chain := btctest.Extend(genesis, 11, 1)
	parent := chain[10]
	now := parent.Timestamp.Add(time.Hour)

	v, err := New(Config{
		Params:        btctest.Params,
		Confirmations: 3,
		Now:           func() time.Time { return now },
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	submitAll(t, v, chain)

	orphan := btctest.Extend(btctest.Extend(genesis, 1, 9)[0], 1, 9)[0]

	weak := *btctest.Mine(parent, chainhash.Hash{7}, parent.Timestamp.Add(btctest.Spacing))
	weak.Bits = 0x1d00ffff

	aboveLimit := *btctest.Mine(parent, chainhash.Hash{8}, parent.Timestamp.Add(btctest.Spacing))
	aboveLimit.Bits = 0x2100ffff

	harder := btctest.MineBits(parent, 0x1f7fffff, chainhash.Hash{9}, parent.Timestamp.Add(btctest.Spacing))

	// Median of heights 1..11 is height 6.
	median := chain[5].Timestamp
	stale := btctest.Mine(parent, chainhash.Hash{10}, median.Add(-time.Second))
	future := btctest.Mine(parent, chainhash.Hash{11}, now.Add(3*time.Hour))

	tests := []struct {
		name   string
		header *wire.BlockHeader
		want   Reason
	}{
		{"duplicate", chain[3], Duplicate},
		{"unknown parent", orphan, UnknownParent},
		{"insufficient work", &weak, InsufficientWork},
		{"target above limit", &aboveLimit, InsufficientWork},
		{"bits change without retarget", harder, BadDifficultyBits},
		{"timestamp below median", stale, TimestampTooOld},
		{"timestamp too far ahead", future, TimestampTooNew},
	}

	tip := v.Tip()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Submit(tt.header)
			if got := RejectReason(err); got != tt.want {
				t.Errorf("reason = %v (%v), want %v", got, err, tt.want)
			}

			if v.Tip().Hash != tip.Hash {
				t.Errorf("tip moved after rejection")
			}

			if _, ok := v.HeaderByHash(tt.header.BlockHash()); ok && tt.want != Duplicate {
				t.Errorf("rejected header was stored")
			}
		})
	}

	// A timestamp equal to the median is accepted.
	atMedian := btctest.Mine(parent, chainhash.Hash{12}, median)
	if _, err := v.Submit(atMedian); err != nil {
		t.Errorf("Submit(at median): %v", err)
	}
}

// TestSubmitHeaderMalformed tests that a short header is rejected.
func TestSubmitHeaderMalformed(t *testing.T) {
	v := newTestVerifier(t, 3)

	raw := btc.EncodeHeader(btctest.Extend(btctest.Genesis(), 1, 1)[0])

	_, err := v.SubmitHeader(raw[:79])
	if got := RejectReason(err); got != Malformed {
		t.Errorf("reason = %v, want %v", got, Malformed)
	}

	if _, err := v.SubmitHeader(raw); err != nil {
		t.Errorf("SubmitHeader(valid): %v", err)
	}
}

// TestRetargetBoundary tests the difficulty rule at a retarget height.
func TestRetargetBoundary(t *testing.T) {
	params := chaincfg.RegressionNetParams
	params.PoWNoRetargeting = false
	params.ReduceMinDifficulty = false
	params.TargetTimePerBlock = 10 * time.Minute
	params.TargetTimespan = 4 * params.TargetTimePerBlock

	v, err := New(Config{Params: &params, Confirmations: 3}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Three fast headers: the window spans one minute per header.
	prev := btctest.Genesis()
	for i := 0; i < 3; i++ {
		next := btctest.Mine(prev, chainhash.Hash{byte(i + 1)}, prev.Timestamp.Add(time.Minute))
		if _, err := v.Submit(next); err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
		prev = next
	}

	genesis := btctest.Genesis()
	want := btc.NextBits(&params, prev.Bits, genesis.Timestamp, prev.Timestamp)
	if want == prev.Bits {
		t.Fatalf("expected a difficulty change at the boundary")
	}

	same := btctest.Mine(prev, chainhash.Hash{20}, prev.Timestamp.Add(time.Minute))
	if _, err := v.Submit(same); RejectReason(err) != BadDifficultyBits {
		t.Errorf("Submit(unchanged bits) = %v, want %v", err, BadDifficultyBits)
	}

	retargeted := btctest.MineBits(prev, want, chainhash.Hash{21}, prev.Timestamp.Add(time.Minute))
	if _, err := v.Submit(retargeted); err != nil {
		t.Errorf("Submit(retargeted): %v", err)
	}
}

// TestForkChoice tests most-work selection and first-seen tie breaking.
func TestForkChoice(t *testing.T) {
	v := newTestVerifier(t, 3)
	genesis := btctest.Genesis()

	a := btctest.Extend(genesis, 3, 1)
	b := btctest.Extend(genesis, 4, 2)

	submitAll(t, v, a)
	submitAll(t, v, b[:3])

	if v.Tip().Hash != a[2].BlockHash() {
		t.Errorf("equal work switched tip to %s, want first seen %s", v.Tip().Hash, a[2].BlockHash())
	}

	if _, err := v.Submit(b[3]); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if v.Tip().Hash != b[3].BlockHash() {
		t.Errorf("tip = %s, want heavier branch %s", v.Tip().Hash, b[3].BlockHash())
	}

	if v.IsOnMainChain(a[1].BlockHash()) {
		t.Errorf("abandoned header still on main chain")
	}

	if !v.IsOnMainChain(b[1].BlockHash()) {
		t.Errorf("new branch header not on main chain")
	}

	if _, ok := v.HeaderByHash(a[2].BlockHash()); !ok {
		t.Errorf("side branch header was forgotten")
	}

	if got := v.Confirmations(a[0].BlockHash()); got != 0 {
		t.Errorf("Confirmations(side) = %d, want 0", got)
	}
}
