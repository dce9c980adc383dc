package btc

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestParams(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"mainnet", chaincfg.MainNetParams.Name, true},
		{"regtest", chaincfg.RegressionNetParams.Name, true},
		{"testnet3", chaincfg.TestNet3Params.Name, true},
		{"litecoin", "", false},
	}

	for _, tt := range tests {
		p, err := Params(tt.name)
		if (err == nil) != tt.ok {
			t.Errorf("Params(%q) error = %v, want ok=%v", tt.name, err, tt.ok)
			continue
		}

		if tt.ok && p.Name != tt.want {
			t.Errorf("Params(%q).Name = %q, want %q", tt.name, p.Name, tt.want)
		}
	}
}

// TestDecodeGenesisHeader tests decoding the mainnet genesis header.
func TestDecodeGenesisHeader(t *testing.T) {
	genesis := chaincfg.MainNetParams.GenesisBlock.Header
	raw := EncodeHeader(&genesis)

	if len(raw) != HeaderSize {
		t.Fatalf("encoded size %d, want %d", len(raw), HeaderSize)
	}

	h, err := DecodeHeader(raw)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}

	if h.BlockHash() != *chaincfg.MainNetParams.GenesisHash {
		t.Errorf("hash = %s, want %s", h.BlockHash(), chaincfg.MainNetParams.GenesisHash)
	}

	if err := CheckProofOfWork(h.BlockHash(), h.Bits, chaincfg.MainNetParams.PowLimit); err != nil {
		t.Errorf("genesis should satisfy pow: %v", err)
	}

	if _, err := DecodeHeader(raw[:79]); err == nil {
		t.Error("expected error for short header")
	}
}

// TestCheckProofOfWorkRejects tests the hash and limit bounds.
func TestCheckProofOfWorkRejects(t *testing.T) {
	params := &chaincfg.MainNetParams

	var high chainhash.Hash
	for i := range high {
		high[i] = 0xff
	}

	if err := CheckProofOfWork(high, params.PowLimitBits, params.PowLimit); err == nil {
		t.Error("hash above target should fail")
	}

	easy := chaincfg.RegressionNetParams.PowLimitBits
	if err := CheckProofOfWork(chainhash.Hash{}, easy, params.PowLimit); err == nil {
		t.Error("target above pow limit should fail")
	}
}

// TestNextBitsClamp tests the retarget clamp on both sides.
func TestNextBitsClamp(t *testing.T) {
	params := &chaincfg.MainNetParams
	start := time.Unix(1_600_000_000, 0)
	bits := uint32(0x1b0404cb)

	// Exactly on schedule keeps the target.
	same := NextBits(params, bits, start, start.Add(params.TargetTimespan))
	if same != bits {
		t.Errorf("on-schedule bits = %08x, want %08x", same, bits)
	}

	// Ten times too fast is clamped to a factor of four.
	fast := NextBits(params, bits, start, start.Add(params.TargetTimespan/10))
	quarter := NextBits(params, bits, start, start.Add(params.TargetTimespan/4))
	if fast != quarter {
		t.Errorf("fast bits = %08x, want clamp %08x", fast, quarter)
	}

	want := blockchain.CompactToBig(bits)
	want.Div(want, blockchainFour())
	if blockchain.CompactToBig(fast).Cmp(want) > 0 {
		t.Errorf("fast target %x should be at most %x", blockchain.CompactToBig(fast), want)
	}

	// Very slow windows never exceed the pow limit.
	slow := NextBits(params, params.PowLimitBits, start, start.Add(100*params.TargetTimespan))
	if blockchain.CompactToBig(slow).Cmp(params.PowLimit) > 0 {
		t.Errorf("slow target exceeds pow limit")
	}
}

func TestRetargetInterval(t *testing.T) {
	if got := RetargetInterval(&chaincfg.MainNetParams); got != 2016 {
		t.Errorf("RetargetInterval(mainnet) = %d, want 2016", got)
	}
}

func TestMedianTime(t *testing.T) {
	base := time.Unix(1000, 0)
	times := []time.Time{
		base.Add(5 * time.Second),
		base.Add(1 * time.Second),
		base.Add(9 * time.Second),
		base.Add(3 * time.Second),
		base.Add(7 * time.Second),
	}

	if got := MedianTime(times); !got.Equal(base.Add(5 * time.Second)) {
		t.Errorf("MedianTime = %v, want %v", got, base.Add(5*time.Second))
	}

	if got := MedianTime(nil); !got.IsZero() {
		t.Errorf("MedianTime(nil) = %v, want zero", got)
	}
}

// blockchainFour returns 4 as a big.Int.
func blockchainFour() *big.Int {
	return big.NewInt(4)
}
