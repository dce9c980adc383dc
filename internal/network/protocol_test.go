package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// TestMessageFraming tests length-prefixed messages and request frames.
func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer

	req := frame(kindSealed, []byte("nonce commit"))
	if err := writeMessage(&buf, req); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}
	if buf.Len() != lengthPrefixSize+len(req) {
		t.Fatalf("wrote %d bytes", buf.Len())
	}

	got, err := readMessage(&buf)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}

	kind, body, err := splitFrame(got)
	if err != nil || kind != kindSealed || string(body) != "nonce commit" {
		t.Fatalf("splitFrame = %d, %q, %v", kind, body, err)
	}

	if _, _, err := splitFrame(nil); err == nil {
		t.Error("empty frame accepted")
	}

	if err := writeMessage(&buf, make([]byte, maxMessageSize+1)); !errors.Is(err, errTooLarge) {
		t.Errorf("oversized write error = %v", err)
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageSize+1)
	if _, err := readMessage(bytes.NewReader(prefix[:])); !errors.Is(err, errTooLarge) {
		t.Errorf("oversized read error = %v", err)
	}

	if _, err := readMessage(bytes.NewReader([]byte{0, 0, 0, 9, 'x'})); err == nil {
		t.Error("truncated payload accepted")
	}
}
