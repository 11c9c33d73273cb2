package frame

import (
	"bytes"
	"io"
	"testing"

	"lukechampine.com/frand"
)

func TestRoundTrip(t *testing.T) {
	tests := []Frame{
		NewData(1, FlagSYN, []byte("hello")),
		NewData(2, 0, nil),
		NewWindowUpdate(3, FlagACK, 1024),
		NewPing(0xdeadbeef, false),
		NewPing(0xdeadbeef, true),
		NewGoAway(0),
	}
	for i, f := range tests {
		enc, err := Encode(f, 1<<20)
		if err != nil {
			t.Fatalf("case %d: encode: %v", i, err)
		}
		got, err := Decode(bytes.NewReader(enc))
		if err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		if got.Header != f.Header {
			t.Fatalf("case %d: header mismatch: got %+v want %+v", i, got.Header, f.Header)
		}
		if !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("case %d: payload mismatch: got %x want %x", i, got.Payload, f.Payload)
		}
	}
}

func TestRoundTripRandom(t *testing.T) {
	for i := 0; i < 256; i++ {
		payload := make([]byte, frand.Intn(256))
		frand.Read(payload)
		f := NewData(uint32(frand.Uint64n(1<<32)), Flags(frand.Uint64n(16)), payload)
		enc, err := Encode(f, 1<<20)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(bytes.NewReader(enc))
		if err != nil {
			t.Fatal(err)
		}
		if got.Header != f.Header || !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("round trip mismatch at iteration %d", i)
		}
	}
}

func TestBadVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 1
	if _, err := Decode(bytes.NewReader(buf)); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestShortHeader(t *testing.T) {
	buf := make([]byte, HeaderSize-1)
	_, err := Decode(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestEOF(t *testing.T) {
	if _, err := Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("expected io.EOF on empty reader, got %v", err)
	}
}

func TestLengthMismatch(t *testing.T) {
	f := NewData(1, 0, []byte("hello world"))
	enc, err := Encode(f, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	truncated := enc[:HeaderSize+3]
	if _, err := Decode(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expected error decoding truncated payload")
	}
}

func TestEncodeTooLarge(t *testing.T) {
	f := NewData(1, 0, make([]byte, 100))
	if _, err := Encode(f, 10); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestPingPayload(t *testing.T) {
	f := NewPing(12345, false)
	id, err := PingID(f.Payload)
	if err != nil || id != 12345 {
		t.Fatalf("PingID() = %v, %v; want 12345, nil", id, err)
	}
	if _, err := PingID([]byte{1, 2, 3}); err != ErrBadPingPayload {
		t.Fatalf("expected ErrBadPingPayload, got %v", err)
	}
}

func TestGoAwayPayload(t *testing.T) {
	f := NewGoAway(42)
	code, err := GoAwayCode(f.Payload)
	if err != nil || code != 42 {
		t.Fatalf("GoAwayCode() = %v, %v; want 42, nil", code, err)
	}
}

func TestWindowUpdatePayload(t *testing.T) {
	f := NewWindowUpdate(7, 0, 4096)
	delta, err := WindowUpdateDelta(f.Payload)
	if err != nil || delta != 4096 {
		t.Fatalf("WindowUpdateDelta() = %v, %v; want 4096, nil", delta, err)
	}
}
