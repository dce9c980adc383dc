package storage

import "testing"

type testRecord struct {
	Epoch   uint64   `codec:"epoch"`
	Members [][]byte `codec:"members"`
	Note    string   `codec:"note"`
}

// TestRecordRoundTrip tests msgpack records stored through PutRecord.
func TestRecordRoundTrip(t *testing.T) {
	s, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer s.Close()

	in := testRecord{Epoch: 7, Members: [][]byte{{1, 2}, {3}}, Note: "rotation"}
	key := Key("t:", []byte{0, 0, 0, 7})

	if err := s.PutRecord(key, &in); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	var out testRecord
	ok, err := s.GetRecord(key, &out)
	if err != nil || !ok {
		t.Fatalf("GetRecord = %v, %v", ok, err)
	}

	if out.Epoch != 7 || out.Note != "rotation" || len(out.Members) != 2 {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

// TestGetRecordMissing tests the not-found result.
func TestGetRecordMissing(t *testing.T) {
	s, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer s.Close()

	var out testRecord
	ok, err := s.GetRecord([]byte("missing"), &out)
	if err != nil || ok {
		t.Errorf("GetRecord = %v, %v, want false, nil", ok, err)
	}
}

// TestDecodeGarbage tests that malformed records fail to decode.
func TestDecodeGarbage(t *testing.T) {
	var out testRecord
	if err := Decode([]byte{0xc1, 0xff}, &out); err == nil {
		t.Error("expected decode error")
	}
}
