package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// newTestStorage creates an in-memory storage for testing.
func newTestStorage(t *testing.T) (*Storage, func()) {
	t.Helper()

	s, err := New("test", InMemory())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	return s, func() { s.Close() }
}

// TestSetAndGet tests basic writes, reads and deletes.
func TestSetAndGet(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	if err := s.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get([]byte("k"))
	if err != nil || !bytes.Equal(got, []byte("v")) {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := s.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err = s.Get([]byte("k"))
	if err != nil || got != nil {
		t.Errorf("Get after delete = %q, %v; want nil", got, err)
	}
}

// TestApplyBatch tests atomic mixed set/delete batches.
func TestApplyBatch(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	s.Set([]byte("old"), []byte("x"))

	err := s.Apply([]Op{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("old")},
	}, true)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if v, _ := s.Get([]byte("b")); !bytes.Equal(v, []byte("2")) {
		t.Errorf("b = %q", v)
	}

	if v, _ := s.Get([]byte("old")); v != nil {
		t.Errorf("old = %q, want deleted", v)
	}
}

// TestIteratePrefix tests bounded prefix scans and the last-key lookup.
func TestIteratePrefix(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	for _, k := range []string{"l/a", "l/b", "l/c", "m/a", "l"} {
		s.Set([]byte(k), []byte(k))
	}

	var keys []string
	err := s.IteratePrefix([]byte("l/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix: %v", err)
	}

	if fmt.Sprint(keys) != "[l/a l/b l/c]" {
		t.Errorf("keys = %v", keys)
	}

	last, value, err := s.LastWithPrefix([]byte("l/"))
	if err != nil || string(last) != "l/c" || string(value) != "l/c" {
		t.Errorf("LastWithPrefix = %q %q %v", last, value, err)
	}

	last, _, err = s.LastWithPrefix([]byte("z/"))
	if err != nil || last != nil {
		t.Errorf("LastWithPrefix on empty prefix = %q %v", last, err)
	}
}

// TestPrefixUpperBound tests the exclusive bound computation.
func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte("ab"), []byte("ac")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
	}

	for _, tt := range tests {
		if got := prefixUpperBound(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

// TestPersistence tests that data survives a close and reopen on disk.
func TestPersistence(t *testing.T) {
	dir, err := os.MkdirTemp("", "storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Set([]byte("fence"), []byte("cert"))
	s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if v, _ := s.Get([]byte("fence")); !bytes.Equal(v, []byte("cert")) {
		t.Errorf("after reopen = %q", v)
	}
}

// TestJournal tests ordered per-domain appends and sequence recovery.
func TestJournal(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	j := NewJournal(s)

	for i := 1; i <= 3; i++ {
		seq, err := j.Append(ctx, "/data/x", []byte(fmt.Sprintf("op-%d", i)))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}

		if seq != uint64(i) {
			t.Errorf("seq = %d, want %d", seq, i)
		}
	}

	j.Append(ctx, "/data/x/y", []byte("child"))

	ops, err := j.Read(ctx, "/data/x")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if len(ops) != 3 || string(ops[0]) != "op-1" || string(ops[2]) != "op-3" {
		t.Errorf("ops = %q", ops)
	}

	// A fresh journal recovers the sequence from storage.
	seq, err := NewJournal(s).Append(ctx, "/data/x", []byte("op-4"))
	if err != nil || seq != 4 {
		t.Errorf("recovered seq = %d, %v; want 4", seq, err)
	}
}
