package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	Name  string            `cbor:"1,keyasint"`
	Count uint64            `cbor:"2,keyasint"`
	Tags  map[string]uint64 `cbor:"3,keyasint"`
}

// TestCanonicalBytes tests that map iteration order never changes the encoding.
func TestCanonicalBytes(t *testing.T) {
	a := sample{Name: "x", Count: 1, Tags: map[string]uint64{"b": 2, "a": 1, "c": 3}}
	b := sample{Name: "x", Count: 1, Tags: map[string]uint64{"c": 3, "a": 1, "b": 2}}

	for range 20 {
		if !bytes.Equal(MustMarshal(a), MustMarshal(b)) {
			t.Fatal("equal values encoded differently")
		}
	}
}

// TestFrameRoundTrip tests framing and type checks.
func TestFrameRoundTrip(t *testing.T) {
	frame, err := Encode(TypeFence, sample{Name: "/data/x", Count: 7})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if typ, err := Peek(frame); err != nil || typ != TypeFence {
		t.Fatalf("peek = %v, %v", typ, err)
	}

	var got sample
	if err := Decode(frame, TypeFence, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Name != "/data/x" || got.Count != 7 {
		t.Errorf("decoded %+v", got)
	}

	if err := Decode(frame, TypeShare, &got); err == nil {
		t.Error("decode accepted the wrong type")
	}

	if _, err := Peek([]byte{0x01}); err == nil {
		t.Error("peek accepted a bodiless frame")
	}
}

// TestDecodeRejectsGarbage tests that malformed bodies error instead of panicking.
func TestDecodeRejectsGarbage(t *testing.T) {
	var got sample

	frames := [][]byte{
		{byte(TypeCommit), 0xFF, 0xFF},
		{byte(TypeCommit), 0xBF, 0x01},
		append([]byte{byte(TypeCommit)}, bytes.Repeat([]byte{0x81}, 64)...),
	}

	for i, f := range frames {
		if err := Decode(f, TypeCommit, &got); err == nil {
			t.Errorf("frame %d decoded", i)
		}
	}
}
