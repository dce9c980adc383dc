package coordinator

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/btc/btctest"
	"TrusteeBridge/internal/signing"
	"TrusteeBridge/internal/storage"
)

// utxo returns a reserve output with a deterministic outpoint.
func utxo(seed string, index uint32, amount int64) btc.UTXO {
	return btc.UTXO{
		OutPoint: wire.OutPoint{Hash: chainhash.DoubleHashH([]byte(seed)), Index: index},
		Amount:   amount,
		PkScript: []byte{0x51, 0x20},
	}
}

// TestReserveLocking tests that outputs are held by one spend at a time.
func TestReserveLocking(t *testing.T) {
	r, err := NewReserve(nil)
	if err != nil {
		t.Fatalf("NewReserve: %v", err)
	}

	a, b, c := utxo("a", 0, 1000), utxo("b", 1, 2000), utxo("c", 0, 3000)
	r.Add(a, 1)
	r.Add(b, 1)
	r.Add(c, 2)

	if r.Add(a, 1) {
		t.Error("duplicate output added")
	}

	if got := r.Available(1); len(got) != 2 {
		t.Fatalf("available = %d outputs", len(got))
	}

	if !r.Lock("w1", []btc.UTXO{a}) {
		t.Fatal("Lock failed")
	}
	if r.Lock("w2", []btc.UTXO{a, b}) {
		t.Fatal("held output locked twice")
	}
	if r.Lock("w2", []btc.UTXO{utxo("unknown", 0, 1)}) {
		t.Fatal("unknown output locked")
	}

	if total, free := r.Balance(1); total != 3000 || free != 2000 {
		t.Errorf("balance = %d/%d", total, free)
	}

	r.Unlock("w1")
	if _, free := r.Balance(1); free != 3000 {
		t.Errorf("free after unlock = %d", free)
	}

	r.Lock("w3", []btc.UTXO{a, b})
	spent := r.Spend("w3")
	if len(spent) != 2 {
		t.Fatalf("spent %d outputs", len(spent))
	}
	if total, _ := r.Balance(1); total != 0 {
		t.Errorf("total after spend = %d", total)
	}
	if total, _ := r.Balance(2); total != 3000 {
		t.Errorf("epoch 2 total = %d", total)
	}
}

// TestReserveHeldAndPrefix tests held counts and releasing by prefix.
func TestReserveHeldAndPrefix(t *testing.T) {
	r, _ := NewReserve(nil)

	r.AddHeld(utxo("a", 0, 1000), 1, "withdrawal-1")
	r.AddHeld(utxo("b", 0, 2000), 2, tagSweep+"one")
	r.AddHeld(utxo("c", 0, 3000), 2, tagSweep+"two")
	r.Add(utxo("d", 0, 4000), 2)

	if got := r.Held(1); got != 1 {
		t.Errorf("Held(1) = %d, want 1", got)
	}
	if got := r.Held(2); got != 2 {
		t.Errorf("Held(2) = %d, want 2", got)
	}

	if got := r.UnlockPrefix(tagSweep); got != 2 {
		t.Fatalf("UnlockPrefix = %d, want 2", got)
	}

	if got := r.Held(2); got != 0 {
		t.Errorf("Held(2) after release = %d", got)
	}
	if got := r.Held(1); got != 1 {
		t.Errorf("other holders released, Held(1) = %d", got)
	}
}

// TestReservePersistence tests that outputs and locks survive a reload.
func TestReservePersistence(t *testing.T) {
	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer db.Close()

	r, _ := NewReserve(db)
	a, b := utxo("a", 0, 1000), utxo("b", 3, 2000)
	r.Add(a, 1)
	r.AddHeld(b, 1, "pending")
	r.Lock("w1", []btc.UTXO{a})

	reloaded, err := NewReserve(db)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if total, free := reloaded.Balance(1); total != 3000 || free != 0 {
		t.Fatalf("reloaded balance = %d/%d", total, free)
	}

	reloaded.Unlock("pending")
	got := reloaded.Available(1)
	if len(got) != 1 || got[0].OutPoint != b.OutPoint || !bytes.Equal(got[0].PkScript, b.PkScript) {
		t.Fatalf("available = %+v", got)
	}

	reloaded.Spend("w1")
	again, _ := NewReserve(db)
	if total, _ := again.Balance(1); total != 2000 {
		t.Errorf("spent output persisted, total = %d", total)
	}
}

// TestSelectSigners tests ranking, capping and the quorum check.
func TestSelectSigners(t *testing.T) {
	members := make([]signing.Participant, 5)
	for i := range members {
		members[i] = signing.Participant{ID: []byte{byte(i + 1)}, Index: uint32(i + 1)}
	}

	scores := NewScores()
	scores.Miss(members[0].ID)
	scores.Miss(members[0].ID)
	scores.Miss(members[2].ID)

	got, err := selectSigners(members, nil, scores, 0, 3)
	if err != nil {
		t.Fatalf("selectSigners: %v", err)
	}

	var order []uint32
	for _, p := range got {
		order = append(order, p.Index)
	}
	want := []uint32{2, 4, 5, 3, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	capped, _ := selectSigners(members, nil, scores, 3, 3)
	if len(capped) != 3 {
		t.Errorf("capped to %d", len(capped))
	}

	exclude := map[string]bool{
		hex.EncodeToString(members[1].ID): true,
		hex.EncodeToString(members[3].ID): true,
		hex.EncodeToString(members[4].ID): true,
	}
	if _, err := selectSigners(members, exclude, scores, 0, 3); !errors.Is(err, signing.ErrInsufficientQuorum) {
		t.Errorf("too few eligible = %v", err)
	}
}

// TestScoresDecay tests that hits recover a missed trustee's score.
func TestScoresDecay(t *testing.T) {
	s := NewScores()
	id := []byte{1}

	s.Miss(id)
	low := s.Score(id)
	if low >= initialScore {
		t.Fatalf("score after miss = %f", low)
	}

	s.Hit(id)
	if s.Score(id) <= low {
		t.Error("hit did not raise the score")
	}
}

// TestSighashApprover tests that signers refuse messages other than the
// sighash of the transaction they are shown.
func TestSighashApprover(t *testing.T) {
	script := []byte{0x51, 0x20}
	script = append(script, bytes.Repeat([]byte{0x02}, 32)...)

	inputs := []btc.UTXO{utxo("in", 0, 50_000), utxo("in", 1, 20_000)}
	for i := range inputs {
		inputs[i].PkScript = script
	}

	tx, _, err := btc.BuildSpend(inputs, nil, 1000, script, btctest.Params)
	if err != nil {
		t.Fatalf("BuildSpend: %v", err)
	}

	hashes, err := btc.SigHashes(tx, inputs)
	if err != nil {
		t.Fatalf("SigHashes: %v", err)
	}

	payload, err := encodeSpendPayload(tx, inputs, 1)
	if err != nil {
		t.Fatalf("encodeSpendPayload: %v", err)
	}

	blocked := errors.New("blocked")

	tests := []struct {
		name    string
		req     signing.CommitRequest
		policy  Policy
		wantErr error
	}{
		{"matching sighash", signing.CommitRequest{Suite: signing.Secp256k1, Message: hashes[1], Payload: payload}, nil, nil},
		{"other input", signing.CommitRequest{Suite: signing.Secp256k1, Message: hashes[0], Payload: payload}, nil, ErrSighashMismatch},
		{"no payload", signing.CommitRequest{Suite: signing.Secp256k1, Message: hashes[1]}, nil, ErrNoPayload},
		{"policy veto", signing.CommitRequest{Suite: signing.Secp256k1, Message: hashes[1], Payload: payload}, func(*wire.MsgTx, []btc.UTXO) error { return blocked }, blocked},
		{"other suite", signing.CommitRequest{Suite: signing.Ed25519, Message: []byte("anything")}, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := SighashApprover(tt.policy)(&req)

			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestValidateRequest tests request validation.
func TestValidateRequest(t *testing.T) {
	addr := payee(t)

	tests := []struct {
		name    string
		outputs []btc.Output
		fee     int64
		ok      bool
	}{
		{"valid", []btc.Output{{Address: addr, Amount: 10_000}}, 500, true},
		{"no outputs", nil, 500, false},
		{"dust", []btc.Output{{Address: addr, Amount: btc.DustLimit - 1}}, 500, false},
		{"bad address", []btc.Output{{Address: "not-an-address", Amount: 10_000}}, 500, false},
		{"zero fee", []btc.Output{{Address: addr, Amount: 10_000}}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRequest(tt.outputs, tt.fee, btctest.Params)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

// TestParseStatus tests status names.
func TestParseStatus(t *testing.T) {
	for st := StatusPending; st <= StatusFailed; st++ {
		got, err := ParseStatus(st.String())
		if err != nil || got != st {
			t.Errorf("ParseStatus(%q) = %v, %v", st.String(), got, err)
		}
	}

	if _, err := ParseStatus("lost"); err == nil {
		t.Error("unknown status accepted")
	}
}
