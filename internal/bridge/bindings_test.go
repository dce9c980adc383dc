package bridge

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/headers"
	"TrusteeBridge/internal/storage"
)

// TestBindingsReload tests that bindings and held deposits survive a
// reload and that binding releases the held deposits.
func TestBindingsReload(t *testing.T) {
	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer db.Close()

	b, err := NewBindings(db)
	if err != nil {
		t.Fatalf("NewBindings: %v", err)
	}

	held := []Unclaimed{
		{TxID: "bb", Sender: "addr-a", Amount: 20_000, Height: 4},
		{TxID: "aa", Sender: "addr-a", Amount: 10_000, Height: 4},
	}
	for _, u := range held {
		if !b.Hold(u) {
			t.Fatalf("Hold(%s) = false", u.TxID)
		}
	}
	if b.Hold(held[0]) {
		t.Error("Hold accepted a held deposit twice")
	}
	if released := b.Bind("addr-b", "carol"); len(released) != 0 {
		t.Errorf("Bind(addr-b) released %d", len(released))
	}

	b, err = NewBindings(db)
	if err != nil {
		t.Fatalf("NewBindings(reload): %v", err)
	}
	if account, ok := b.Account("addr-b"); !ok || account != "carol" {
		t.Errorf("Account(addr-b) = %q, %v", account, ok)
	}

	got := b.Unclaimed()
	if len(got) != 2 || got[0].TxID != "aa" || got[1].TxID != "bb" {
		t.Fatalf("Unclaimed = %+v", got)
	}

	if released := b.Bind("addr-a", "dave"); len(released) != 2 {
		t.Fatalf("Bind(addr-a) released %d, want 2", len(released))
	}

	b, err = NewBindings(db)
	if err != nil {
		t.Fatalf("NewBindings(second reload): %v", err)
	}
	if n := len(b.Unclaimed()); n != 0 {
		t.Errorf("%d deposits still held after binding", n)
	}
	if account, _ := b.Account("addr-a"); account != "dave" {
		t.Errorf("Account(addr-a) = %q, want dave", account)
	}
}

// confirmedDeposit returns a confirmed deposit of amount paying the hot key.
func confirmedDeposit(t *testing.T, c *committee, seed byte, amount int64, recipient, sender string) headers.Deposit {
	t.Helper()

	hot, err := c.set.HotScript()
	if err != nil {
		t.Fatalf("HotScript: %v", err)
	}

	txid := chainhash.Hash{seed}

	return headers.Deposit{
		TxID:      txid,
		Height:    uint64(seed),
		Amount:    amount,
		Recipient: recipient,
		Sender:    sender,
		UTXOs:     []btc.UTXO{{OutPoint: *wire.NewOutPoint(&txid, 0), Amount: amount, PkScript: hot}},
		Confirmed: true,
	}
}

// TestCreditDepositBinding tests crediting deposits without a recipient
// through the binding of their sender address.
func TestCreditDepositBinding(t *testing.T) {
	c := newCommittee(t, 1, 2, 3)
	b := c.open(t, testConfig(), nil, &memBroadcaster{})

	sender := payee(t)

	early := confirmedDeposit(t, c, 1, 10_000, "", sender)
	b.creditDeposit(early)

	evs := b.Events().Since(0)
	if len(evs) != 1 || evs[0].Kind != EventDepositUnclaimed || evs[0].Sender != sender {
		t.Fatalf("events = %+v", evs)
	}
	if got := b.UnclaimedDeposits(); len(got) != 1 || got[0].TxID != early.TxID.String() {
		t.Fatalf("unclaimed = %+v", got)
	}

	named := confirmedDeposit(t, c, 2, 20_000, "alice", sender)
	b.creditDeposit(named)

	evs = b.Events().Since(evs[0].Seq)
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if evs[0].Kind != EventDepositConfirmed || evs[0].TxID != early.TxID.String() || evs[0].Recipient != "alice" {
		t.Errorf("released event = %+v", evs[0])
	}
	if evs[1].TxID != named.TxID.String() || evs[1].Recipient != "alice" {
		t.Errorf("named event = %+v", evs[1])
	}
	if got := b.UnclaimedDeposits(); len(got) != 0 {
		t.Errorf("unclaimed = %+v", got)
	}

	later := confirmedDeposit(t, c, 3, 30_000, "", sender)
	b.creditDeposit(later)

	last := b.Events().Since(evs[1].Seq)
	if len(last) != 1 || last[0].Kind != EventDepositConfirmed || last[0].Recipient != "alice" {
		t.Fatalf("bound event = %+v", last)
	}

	anonymous := confirmedDeposit(t, c, 4, 40_000, "", "")
	b.creditDeposit(anonymous)

	last = b.Events().Since(last[0].Seq)
	if len(last) != 1 || last[0].Kind != EventDepositUnclaimed {
		t.Fatalf("anonymous event = %+v", last)
	}
	if got := b.UnclaimedDeposits(); len(got) != 0 {
		t.Errorf("deposit without sender held: %+v", got)
	}

	if st := b.Status(); st.Reserve != 100_000 {
		t.Errorf("reserve = %d, want 100000", st.Reserve)
	}
}

// TestBindAddress tests binding validation and the release of held
// deposits.
func TestBindAddress(t *testing.T) {
	c := newCommittee(t, 1, 2, 3)
	b := c.open(t, testConfig(), nil, &memBroadcaster{})

	sender := payee(t)

	tests := []struct {
		name    string
		addr    string
		account string
	}{
		{"bad address", "not-an-address", "alice"},
		{"empty account", sender, ""},
		{"referral", sender, "alice@bob"},
		{"unprintable", sender, "al ice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.BindAddress(tt.addr, tt.account); !errors.Is(err, ErrInvalidBinding) {
				t.Errorf("BindAddress error = %v", err)
			}
		})
	}

	b.creditDeposit(confirmedDeposit(t, c, 5, 15_000, "", sender))

	n, err := b.BindAddress(sender, "alice")
	if err != nil {
		t.Fatalf("BindAddress: %v", err)
	}
	if n != 1 {
		t.Errorf("credited %d, want 1", n)
	}

	evs := b.Events().Since(0)
	last := evs[len(evs)-1]
	if last.Kind != EventDepositConfirmed || last.Recipient != "alice" || last.Amount != 15_000 {
		t.Errorf("credit event = %+v", last)
	}

	if n, err := b.BindAddress(sender, "bob"); err != nil || n != 0 {
		t.Errorf("rebind = %d, %v", n, err)
	}
	if account, _ := b.bindings.Account(sender); account != "bob" {
		t.Errorf("Account = %q, want bob", account)
	}
}
