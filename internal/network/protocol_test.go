package network

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cockroachdb/errors"
)

// TestFrameRoundTrip tests writing and reading frames back to back.
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	frames := [][]byte{[]byte("one"), {}, bytes.Repeat([]byte{7}, 4096)}
	for _, f := range frames {
		if err := writeFrame(&buf, f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for i, want := range frames {
		got, err := readFrame(&buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}

		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

// TestFrameTooLarge tests that oversized length prefixes are refused.
func TestFrameTooLarge(t *testing.T) {
	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], maxFrameSize+1)

	if _, err := readFrame(bytes.NewReader(prefix[:])); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("read = %v, want ErrFrameTooLarge", err)
	}

	if err := writeFrame(&bytes.Buffer{}, make([]byte, maxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("write = %v, want ErrFrameTooLarge", err)
	}
}

// TestFrameTruncated tests that a short payload is an error.
func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	_ = writeFrame(&buf, []byte("hello"))

	if _, err := readFrame(bytes.NewReader(buf.Bytes()[:6])); err == nil {
		t.Error("truncated frame read without error")
	}
}
