package main

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/wire"

	"TrusteeBridge/internal/btc"
)

// testTx returns a small serialized transaction and its id.
func testTx(t *testing.T) ([]byte, string) {
	t.Helper()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(50_000, []byte{0x51}))

	return btc.SerializeTx(tx), tx.TxHash().String()
}

// hexKey encodes a key for peer strings.
func hexKey(b []byte) string {
	return hex.EncodeToString(b)
}

// TestEsploraBroadcast tests publishing through the REST endpoint.
func TestEsploraBroadcast(t *testing.T) {
	raw, txid := testTx(t)

	var posted string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/tx" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		posted = string(body)
		io.WriteString(w, txid)
	}))
	defer ts.Close()

	got, err := newBroadcaster(ts.URL+"/api/").Broadcast(context.Background(), raw)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if got.String() != txid {
		t.Errorf("txid = %s, want %s", got, txid)
	}
	if posted != hex.EncodeToString(raw) {
		t.Errorf("posted body = %q", posted)
	}
}

// TestEsploraBroadcastRejected tests error replies and mismatched ids.
func TestEsploraBroadcastRejected(t *testing.T) {
	raw, _ := testTx(t)

	tests := []struct {
		code  int
		reply string
	}{
		{http.StatusBadRequest, "sendrawtransaction RPC error: bad-txns-inputs-missingorspent"},
		{http.StatusOK, "00000000000000000000000000000000000000000000000000000000000000aa"},
		{http.StatusOK, "not a txid"},
	}

	for _, tt := range tests {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.code)
			io.WriteString(w, tt.reply)
		}))

		if _, err := newBroadcaster(ts.URL).Broadcast(context.Background(), raw); err == nil {
			t.Errorf("reply %d %q accepted", tt.code, tt.reply)
		}

		ts.Close()
	}
}

// TestDryRunBroadcast tests that the dry run returns the txid.
func TestDryRunBroadcast(t *testing.T) {
	raw, txid := testTx(t)

	got, err := newBroadcaster("").Broadcast(context.Background(), raw)
	if err != nil || got.String() != txid {
		t.Fatalf("Broadcast = %s, %v", got, err)
	}

	if _, err := newBroadcaster("").Broadcast(context.Background(), []byte{0x01}); err == nil {
		t.Error("garbage accepted")
	}
}
