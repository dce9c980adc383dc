package network

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestDedupCheck tests that a relayed header is accepted once.
func TestDedupCheck(t *testing.T) {
	d := NewDedup()
	defer d.Close()

	header := []byte("header 800000")

	if !d.Check(header) {
		t.Fatal("first sighting rejected")
	}
	if d.Check(header) {
		t.Fatal("duplicate accepted")
	}
	if !d.Check([]byte("header 800001")) {
		t.Fatal("distinct header rejected")
	}
	if d.Len() != 2 {
		t.Errorf("Len = %d, want 2", d.Len())
	}
}

// TestDedupConcurrent tests that one of many racing relays wins.
func TestDedupConcurrent(t *testing.T) {
	d := NewDedup()
	defer d.Close()

	var accepted atomic.Int32
	var wg sync.WaitGroup

	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Check([]byte("same header")) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 {
		t.Errorf("accepted %d times", accepted.Load())
	}
}

// TestDedupExpiry tests that entries are forgotten after the TTL.
func TestDedupExpiry(t *testing.T) {
	d := NewDedupTTL(50 * time.Millisecond)
	defer d.Close()

	msg := []byte("expiring")
	d.Check(msg)

	if d.Check(msg) {
		t.Fatal("duplicate accepted before expiry")
	}

	time.Sleep(100 * time.Millisecond)

	if !d.Check(msg) {
		t.Error("entry still known after expiry")
	}

	d.cleanup()
	if d.Len() != 1 {
		t.Errorf("Len after cleanup = %d, want 1", d.Len())
	}
}

func BenchmarkDedupCheck(b *testing.B) {
	d := NewDedup()
	defer d.Close()

	msgs := make([][]byte, 1024)
	for i := range msgs {
		msgs[i] = fmt.Appendf(nil, "header-%d", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Check(msgs[i%len(msgs)])
	}
}
