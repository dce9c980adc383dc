package channel

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
)

// newIdentity generates an ed25519 identity.
func newIdentity(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	return priv
}

// openPair runs a handshake and returns both ends.
func openPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()

	alice, bob := newIdentity(t), newIdentity(t)
	bobPub := bob.Public().(ed25519.PublicKey)

	in, hello, err := Initiate(alice, bobPub)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	responder, reply, err := Respond(bob, hello, nil)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	initiator, err := in.Finish(reply)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	return initiator, responder
}

// TestHandshakeAndExchange tests a round trip in both directions.
func TestHandshakeAndExchange(t *testing.T) {
	a, b := openPair(t)

	if !bytes.Equal(a.Remote(), b.Local()) || !bytes.Equal(b.Remote(), a.Local()) {
		t.Fatalf("identities do not match")
	}

	for i := 0; i < 5; i++ {
		msg := []byte{byte(i), 'p', 'i', 'n', 'g'}

		frame, err := a.Seal(msg)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}

		got, err := b.Open(frame)
		if err != nil {
			t.Fatalf("Open(%d): %v", i, err)
		}

		if !bytes.Equal(got, msg) {
			t.Errorf("Open(%d) = %q, want %q", i, got, msg)
		}

		back, err := b.Seal(got)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}

		if _, err := a.Open(back); err != nil {
			t.Fatalf("Open(reply %d): %v", i, err)
		}
	}

	sent, received := a.Sequences()
	if sent != 5 || received != 5 {
		t.Errorf("Sequences() = %d, %d, want 5, 5", sent, received)
	}
}

// TestReplayAndReorderRejected tests that duplicates and older frames are
// rejected without disturbing later traffic.
func TestReplayAndReorderRejected(t *testing.T) {
	a, b := openPair(t)

	first, _ := a.Seal([]byte("one"))
	second, _ := a.Seal([]byte("two"))
	third, _ := a.Seal([]byte("three"))

	for _, frame := range [][]byte{first, second} {
		if _, err := b.Open(frame); err != nil {
			t.Fatalf("Open: %v", err)
		}
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"replay", second},
		{"older", first},
	}

	for _, tt := range tests {
		if _, err := b.Open(tt.frame); !errors.Is(err, ErrReplayOrOutOfOrder) {
			t.Errorf("Open(%s) = %v, want %v", tt.name, err, ErrReplayOrOutOfOrder)
		}
	}

	got, err := b.Open(third)
	if err != nil {
		t.Fatalf("Open(third) after rejections: %v", err)
	}

	if string(got) != "three" {
		t.Errorf("Open(third) = %q", got)
	}
}

// TestTamperedFrameLeavesState tests that a forged frame does not advance
// the receiving chain.
func TestTamperedFrameLeavesState(t *testing.T) {
	a, b := openPair(t)

	frame, _ := a.Seal([]byte("payload"))

	seq, ciphertext, err := decodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	ciphertext[0] ^= 0xff
	forged := encodeEnvelope(seq, ciphertext)

	if _, err := b.Open(forged); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Open(forged) = %v, want %v", err, ErrDecrypt)
	}

	if _, err := b.Open(frame); err != nil {
		t.Errorf("Open(original) after forgery: %v", err)
	}

	if _, err := b.Open([]byte{1, 2}); !errors.Is(err, ErrMalformed) {
		t.Errorf("Open(short) = %v, want %v", err, ErrMalformed)
	}
}

// TestSequenceGapRejected tests that a frame arriving ahead of a missing
// one is refused until the gap is filled.
func TestSequenceGapRejected(t *testing.T) {
	a, b := openPair(t)

	first, _ := a.Seal([]byte("first"))
	second, _ := a.Seal([]byte("second"))

	if _, err := b.Open(second); !errors.Is(err, ErrReplayOrOutOfOrder) {
		t.Fatalf("Open(second) = %v, want %v", err, ErrReplayOrOutOfOrder)
	}

	if _, received := b.Sequences(); received != 0 {
		t.Errorf("received = %d after rejected frame, want 0", received)
	}

	for _, frame := range [][]byte{first, second} {
		if _, err := b.Open(frame); err != nil {
			t.Fatalf("Open in order: %v", err)
		}
	}
}

// TestDirectionsAreIndependent tests that a frame cannot be reflected
// back to its sender.
func TestDirectionsAreIndependent(t *testing.T) {
	a, _ := openPair(t)

	frame, _ := a.Seal([]byte("reflect"))

	if _, err := a.Open(frame); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open(own frame) = %v, want %v", err, ErrDecrypt)
	}
}

// TestHandshakeRejections tests identity and signature checks.
func TestHandshakeRejections(t *testing.T) {
	alice, bob, mallory := newIdentity(t), newIdentity(t), newIdentity(t)
	bobPub := bob.Public().(ed25519.PublicKey)

	t.Run("responder allow list", func(t *testing.T) {
		_, hello, _ := Initiate(alice, bobPub)

		deny := func(ed25519.PublicKey) bool { return false }
		if _, _, err := Respond(bob, hello, deny); !errors.Is(err, ErrUnexpectedPeer) {
			t.Errorf("Respond = %v, want %v", err, ErrUnexpectedPeer)
		}
	})

	t.Run("hello for another responder", func(t *testing.T) {
		_, hello, _ := Initiate(alice, mallory.Public().(ed25519.PublicKey))

		if _, _, err := Respond(bob, hello, nil); !errors.Is(err, ErrBadHandshake) {
			t.Errorf("Respond = %v, want %v", err, ErrBadHandshake)
		}
	})

	t.Run("reply to another hello", func(t *testing.T) {
		first, _, _ := Initiate(alice, bobPub)
		_, hello, _ := Initiate(alice, bobPub)

		_, reply, err := Respond(bob, hello, nil)
		if err != nil {
			t.Fatalf("Respond: %v", err)
		}

		if _, err := first.Finish(reply); !errors.Is(err, ErrBadHandshake) {
			t.Errorf("Finish = %v, want %v", err, ErrBadHandshake)
		}
	})

	t.Run("reply from wrong identity", func(t *testing.T) {
		in, _, _ := Initiate(alice, bobPub)
		_, hello, _ := Initiate(alice, mallory.Public().(ed25519.PublicKey))

		_, reply, err := Respond(mallory, hello, nil)
		if err != nil {
			t.Fatalf("Respond: %v", err)
		}

		if _, err := in.Finish(reply); !errors.Is(err, ErrUnexpectedPeer) {
			t.Errorf("Finish = %v, want %v", err, ErrUnexpectedPeer)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, _, err := Respond(bob, []byte("nope"), nil); err == nil {
			t.Errorf("Respond(garbage) succeeded")
		}
	})
}

// TestClose tests that a closed channel refuses traffic.
func TestClose(t *testing.T) {
	a, b := openPair(t)

	frame, _ := a.Seal([]byte("x"))
	b.Close()

	if _, err := b.Open(frame); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close = %v, want %v", err, ErrClosed)
	}

	if _, err := b.Seal([]byte("y")); !errors.Is(err, ErrClosed) {
		t.Errorf("Seal after Close = %v, want %v", err, ErrClosed)
	}
}
