package btc

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
)

// classifierFixture returns scripts for current and previous sets.
func classifierFixture(t *testing.T) (*Classifier, []byte, []byte, []byte) {
	t.Helper()

	_, hot, _ := newReserve(t)
	_, cold, _ := newReserve(t)
	_, prevHot, _ := newReserve(t)

	c := &Classifier{
		Scripts:    TrusteeScripts{Hot: hot, Cold: cold, PrevHot: prevHot},
		MinDeposit: 10_000,
	}

	return c, hot, cold, prevHot
}

func TestClassifyDeposit(t *testing.T) {
	c, hot, _, _ := classifierFixture(t)

	memo, err := NullDataScript([]byte("alice@bob"))
	if err != nil {
		t.Fatalf("NullDataScript failed: %v", err)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 3}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(20_000, hot))
	tx.AddTxOut(wire.NewTxOut(5_000, hot))
	tx.AddTxOut(wire.NewTxOut(0, memo))

	got := c.Classify(tx, nil)
	if got.Type != Deposit || got.Amount != 25_000 {
		t.Fatalf("got %+v, want deposit of 25000", got)
	}

	if got.Recipient != "alice" || got.Referral != "bob" {
		t.Errorf("recipient %q referral %q, want alice and bob", got.Recipient, got.Referral)
	}
}

// TestClassifyDepositSender tests that the first input's address is
// reported when its spent output is known.
func TestClassifyDepositSender(t *testing.T) {
	c, hot, _, _ := classifierFixture(t)
	c.Params = regtest

	_, payer, payerAddr := newReserve(t)
	in := wire.OutPoint{Index: 4}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&in, nil, nil))
	tx.AddTxOut(wire.NewTxOut(30_000, hot))

	got := c.Classify(tx, map[wire.OutPoint]*wire.TxOut{in: wire.NewTxOut(40_000, payer)})
	if got.Type != Deposit || got.Recipient != "" {
		t.Fatalf("got %+v, want deposit without recipient", got)
	}
	if got.Sender != payerAddr {
		t.Errorf("sender = %q, want %q", got.Sender, payerAddr)
	}

	if got := c.Classify(tx, nil); got.Sender != "" {
		t.Errorf("sender without prevouts = %q", got.Sender)
	}
}

// TestClassifyDepositFloor tests that deposits under the minimum are ignored.
func TestClassifyDepositFloor(t *testing.T) {
	c, hot, _, _ := classifierFixture(t)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(9_999, hot))

	if got := c.Classify(tx, nil); got.Type != Irrelevance {
		t.Errorf("got %v, want irrelevance", got.Type)
	}
}

// TestClassifySpends tests the reserve spending categories.
func TestClassifySpends(t *testing.T) {
	c, hot, cold, prevHot := classifierFixture(t)
	_, foreign, _ := newReserve(t)

	reserveIn := wire.OutPoint{Index: 7}
	prevIn := wire.OutPoint{Index: 8}

	tests := []struct {
		name     string
		in       wire.OutPoint
		prevOuts map[wire.OutPoint]*wire.TxOut
		outs     [][]byte
		want     TxType
	}{
		{"withdrawal", reserveIn, map[wire.OutPoint]*wire.TxOut{reserveIn: wire.NewTxOut(1, hot)}, [][]byte{foreign, hot}, Withdrawal},
		{"hot to cold", reserveIn, map[wire.OutPoint]*wire.TxOut{reserveIn: wire.NewTxOut(1, hot)}, [][]byte{cold, hot}, HotAndCold},
		{"transition", prevIn, map[wire.OutPoint]*wire.TxOut{prevIn: wire.NewTxOut(1, prevHot)}, [][]byte{hot}, TrusteeTransition},
		{"foreign", prevIn, nil, [][]byte{foreign}, Irrelevance},
	}

	for _, tt := range tests {
		tx := wire.NewMsgTx(2)
		in := tt.in
		tx.AddTxIn(wire.NewTxIn(&in, nil, nil))
		for _, s := range tt.outs {
			tx.AddTxOut(wire.NewTxOut(50_000, s))
		}

		if got := c.Classify(tx, tt.prevOuts); got.Type != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got.Type, tt.want)
		}
	}
}

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		data     string
		account  string
		referral string
	}{
		{"alice", "alice", ""},
		{"alice@bob", "alice", "bob"},
		{"a b", "", ""},
		{"", "", ""},
	}

	for _, tt := range tests {
		account, referral := ParseRecipient([]byte(tt.data))
		if account != tt.account || referral != tt.referral {
			t.Errorf("ParseRecipient(%q) = %q, %q, want %q, %q", tt.data, account, referral, tt.account, tt.referral)
		}
	}
}
