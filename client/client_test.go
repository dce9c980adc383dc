package client

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"TrusteeBridge/internal/api"
	"TrusteeBridge/internal/bridge"
	"TrusteeBridge/internal/btc"
	"TrusteeBridge/internal/btc/btctest"
	syncer "TrusteeBridge/internal/sync"
	"TrusteeBridge/internal/trustee"
)

// nopBroadcaster accepts every transaction.
type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(_ context.Context, raw []byte) (chainhash.Hash, error) {
	tx, err := btc.DeserializeTx(raw)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return tx.TxHash(), nil
}

// newTestNode serves an observer bridge and returns a client for it.
func newTestNode(t *testing.T) (*bridge.Bridge, *Client) {
	t.Helper()

	ids := make([]trustee.Identity, 3)
	for i := range ids {
		pub, _, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		ids[i] = trustee.Identity{ID: pub}
	}

	set, _, err := trustee.Deal(1, 2, ids)
	if err != nil {
		t.Fatalf("Deal: %v", err)
	}

	b, err := bridge.New(bridge.Config{
		Params:   btctest.Params,
		Snapshot: syncer.ManagerConfig{Interval: 20 * time.Millisecond},
	}, bridge.Deps{Genesis: set, Broadcaster: nopBroadcaster{}})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	t.Cleanup(b.Close)

	ts := httptest.NewServer(api.New(":0", b).Handler())
	t.Cleanup(ts.Close)

	return b, New(ts.URL + "/")
}

// TestNewBaseURL tests address normalisation.
func TestNewBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"http://node:8080/", "http://node:8080"},
		{"https://node", "https://node"},
	}

	for _, tt := range tests {
		if got := New(tt.addr).baseURL; got != tt.want {
			t.Errorf("New(%q).baseURL = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

// TestStatusAndHeaders tests header submission and the status view.
func TestStatusAndHeaders(t *testing.T) {
	_, c := newTestNode(t)
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	var raws [][]byte
	for _, h := range btctest.Extend(btctest.Genesis(), 5, 1) {
		raws = append(raws, btc.EncodeHeader(h))
	}

	res, err := c.SubmitHeaders(ctx, raws)
	if err != nil {
		t.Fatalf("SubmitHeaders: %v", err)
	}
	if res.Accepted != 5 || res.Tip != 5 {
		t.Fatalf("result = %+v", res)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.TipHeight != 5 || st.Epoch != 1 {
		t.Errorf("status = %+v", st)
	}
}

// TestWithdrawalRoundTrip tests requesting, reading and cancelling.
func TestWithdrawalRoundTrip(t *testing.T) {
	_, c := newTestNode(t)
	ctx := context.Background()

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	addr, err := btc.TaprootAddress(priv.PubKey().SerializeCompressed(), btctest.Params)
	if err != nil {
		t.Fatalf("TaprootAddress: %v", err)
	}

	id, err := c.RequestWithdrawal(ctx, []api.Output{{Address: addr.EncodeAddress(), Amount: 20_000}}, 300)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}

	w, err := c.Withdrawal(ctx, id)
	if err != nil {
		t.Fatalf("Withdrawal: %v", err)
	}
	if w.Status != "pending" || w.ID != id {
		t.Errorf("withdrawal = %+v", w)
	}

	if w, err = c.CancelWithdrawal(ctx, id); err != nil || w.Status != "failed" {
		t.Fatalf("CancelWithdrawal = %+v, %v", w, err)
	}

	_, err = c.CancelWithdrawal(ctx, id)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusConflict || se.Message == "" {
		t.Errorf("second cancel error = %v", err)
	}

	if _, err := c.Withdrawal(ctx, "00000000-0000-0000-0000-000000000009"); !IsNotFound(err) {
		t.Errorf("unknown withdrawal error = %v", err)
	}
}

// TestFollowEvents tests that Follow delivers events in order.
func TestFollowEvents(t *testing.T) {
	b, c := newTestNode(t)

	b.Events().Append(bridge.Event{Kind: bridge.EventRotationCompleted, Epoch: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Events().Append(bridge.Event{Kind: bridge.EventConsistencyFault, Height: 7})
	}()

	var got []bridge.Event
	stop := errors.New("stop")

	err := c.Follow(ctx, 0, time.Second, func(e bridge.Event) error {
		got = append(got, e)
		if len(got) == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Follow error = %v", err)
	}

	if got[0].Seq != 1 || got[1].Seq != 2 || got[1].Height != 7 {
		t.Errorf("events = %+v", got)
	}
}

// TestSnapshot tests downloading the header snapshot.
func TestSnapshot(t *testing.T) {
	b, c := newTestNode(t)
	ctx := context.Background()

	if _, err := c.Snapshot(ctx); !IsNotFound(err) {
		t.Fatalf("snapshot before refresh error = %v", err)
	}

	var raws [][]byte
	for _, h := range btctest.Extend(btctest.Genesis(), 6, 3) {
		raws = append(raws, btc.EncodeHeader(h))
	}
	if _, err := c.SubmitHeaders(ctx, raws); err != nil {
		t.Fatalf("SubmitHeaders: %v", err)
	}

	b.Start()

	deadline := time.Now().Add(10 * time.Second)
	for {
		s, err := c.Snapshot(ctx)
		if err == nil && s.Tip() == 6 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never reached the tip: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
