package crdt

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/cockroachdb/errors"

	"Stratum/internal/hlc"
)

// TestORSetPartitionUnion tests that adds made on both sides of a split survive the merge.
func TestORSetPartitionUnion(t *testing.T) {
	a := NewORSet()
	a.Add("alice", Tag{Actor: "n1", TS: hlc.Timestamp{Physical: 10}})

	b := NewORSet()
	b.Add("bob", Tag{Actor: "n2", TS: hlc.Timestamp{Physical: 11}})

	ab := a.Merge(b)
	ba := b.Merge(a)

	if fmt.Sprint(ab.Elements()) != "[alice bob]" {
		t.Fatalf("merged elements = %v", ab.Elements())
	}

	if !Equal(FromORSet(ab), FromORSet(ba)) {
		t.Error("merge is not commutative")
	}

	if !Equal(FromORSet(ab.Merge(ab)), FromORSet(ab)) {
		t.Error("merge is not idempotent")
	}
}

// TestORSetAddWins tests that a remove only cancels the adds it observed.
func TestORSetAddWins(t *testing.T) {
	base := NewORSet()
	base.Add("x", Tag{Actor: "n1", TS: hlc.Timestamp{Physical: 1}})

	left := base.Clone()
	right := base.Clone()

	if n := left.Remove("x"); n != 1 {
		t.Fatalf("Remove cancelled %d tags, want 1", n)
	}

	right.Add("x", Tag{Actor: "n2", TS: hlc.Timestamp{Physical: 2}})

	merged := left.Merge(right)
	if !merged.Contains("x") {
		t.Error("concurrent add lost to remove")
	}

	// Removing after observing both adds clears the element everywhere.
	merged.Remove("x")

	final := merged.Merge(right).Merge(left)
	if final.Contains("x") {
		t.Error("observed remove did not stick")
	}
}

// TestPNCounter tests increments, decrements and max-merge.
func TestPNCounter(t *testing.T) {
	a := NewPNCounter()
	a.Increment("n1", 5)
	a.Decrement("n1", 2)

	b := a.Clone()
	b.Increment("n2", 4)
	a.Increment("n1", 1)

	m := a.Merge(b)
	if got := m.Value(); got != 8 {
		t.Errorf("merged value = %d, want 8", got)
	}

	if got := m.Merge(m).Value(); got != 8 {
		t.Errorf("self-merge value = %d, want 8", got)
	}
}

// TestLWWTieBreak tests ordering by timestamp, then writer, then value.
func TestLWWTieBreak(t *testing.T) {
	ts := hlc.Timestamp{Physical: 100}

	tests := []struct {
		name   string
		a, b   *LWWRegister
		winner string
	}{
		{"later timestamp", NewLWW([]byte("old"), ts, "z"), NewLWW([]byte("new"), ts.Add(1), "a"), "new"},
		{"writer order", NewLWW([]byte("from-a"), ts, "a"), NewLWW([]byte("from-b"), ts, "b"), "from-b"},
		{"value order", NewLWW([]byte("aaa"), ts, "w"), NewLWW([]byte("bbb"), ts, "w"), "bbb"},
	}

	for _, tt := range tests {
		ab := tt.a.Merge(tt.b)
		ba := tt.b.Merge(tt.a)

		if string(ab.Value) != tt.winner || string(ba.Value) != tt.winner {
			t.Errorf("%s: got %q / %q, want %q", tt.name, ab.Value, ba.Value, tt.winner)
		}
	}

	r := NewLWW([]byte("v1"), ts, "w")
	if r.Set([]byte("stale"), hlc.Timestamp{Physical: 1}, "w") {
		t.Error("Set accepted an older write")
	}

	if !r.Set([]byte("v2"), ts.Add(5), "w") || string(r.Value) != "v2" {
		t.Errorf("Set rejected a newer write: %q", r.Value)
	}
}

// TestMVRegisterConcurrent tests that concurrent writes survive until observed.
func TestMVRegisterConcurrent(t *testing.T) {
	base := NewMVRegister()
	base.Write("n1", []byte("v0"))

	left := base.Clone()
	right := base.Clone()

	left.Write("n1", []byte("left"))
	right.Write("n2", []byte("right"))

	merged := left.Merge(right)
	if vals := merged.Values(); len(vals) != 2 || string(vals[0]) != "left" || string(vals[1]) != "right" {
		t.Fatalf("concurrent values = %q", vals)
	}

	merged.Write("n3", []byte("resolved"))

	final := merged.Merge(left).Merge(right)
	if vals := final.Values(); len(vals) != 1 || string(vals[0]) != "resolved" {
		t.Errorf("after resolving write = %q", vals)
	}
}

// TestMergeKindMismatch tests that different kinds never merge.
func TestMergeKindMismatch(t *testing.T) {
	_, err := Merge(FromORSet(NewORSet()), FromPNCounter(NewPNCounter()))
	if !errors.Is(err, ErrKindMismatch) {
		t.Errorf("err = %v, want ErrKindMismatch", err)
	}

	bad := Record{Kind: KindLWW, ORSet: NewORSet()}
	if _, err := Merge(bad, bad); err == nil {
		t.Error("merge accepted a record whose payload does not match its kind")
	}
}

// TestRecordEncoding tests that every kind decodes to an equal record.
func TestRecordEncoding(t *testing.T) {
	s := NewORSet()
	s.Add("a", Tag{Actor: "n1", TS: hlc.Timestamp{Physical: 3, Logical: 1}})
	s.Add("b", Tag{Actor: "n1", TS: hlc.Timestamp{Physical: 4}})
	s.Remove("b")

	mv := NewMVRegister()
	mv.Write("n1", []byte("x"))

	records := []Record{
		FromORSet(s),
		FromPNCounter(NewPNCounter()),
		FromLWW(NewLWW([]byte("v"), hlc.Timestamp{Physical: 9}, "w")),
		FromMV(mv),
	}

	for _, r := range records {
		data, err := r.Encode()
		if err != nil {
			t.Fatalf("encode kind %d: %v", r.Kind, err)
		}

		back, err := Decode(data)
		if err != nil {
			t.Fatalf("decode kind %d: %v", r.Kind, err)
		}

		if !Equal(r, back) {
			t.Errorf("kind %d changed through encoding", r.Kind)
		}
	}
}

// randomRecords builds n replicas of one kind that saw different random updates.
func randomRecords(rng *rand.Rand, kind Kind, n int) []Record {
	out := make([]Record, n)
	actors := []string{"n1", "n2", "n3"}
	elems := []string{"a", "b", "c", "d"}

	for i := range out {
		actor := actors[i%len(actors)]

		switch kind {
		case KindORSet:
			s := NewORSet()
			for j := range rng.IntN(6) {
				s.Add(elems[rng.IntN(len(elems))], Tag{Actor: actor, TS: hlc.Timestamp{Physical: uint64(j), Logical: uint32(i)}})
			}

			if rng.IntN(2) == 0 {
				s.Remove(elems[rng.IntN(len(elems))])
			}

			out[i] = FromORSet(s)
		case KindPNCounter:
			c := NewPNCounter()
			c.Increment(actor, uint64(rng.IntN(20)))
			c.Decrement(actors[rng.IntN(len(actors))], uint64(rng.IntN(20)))
			out[i] = FromPNCounter(c)
		case KindLWW:
			out[i] = FromLWW(NewLWW([]byte(elems[rng.IntN(len(elems))]),
				hlc.Timestamp{Physical: uint64(rng.IntN(3))}, actor))
		case KindMV:
			r := NewMVRegister()
			for range rng.IntN(3) + 1 {
				r.Write(actor, []byte(elems[rng.IntN(len(elems))]))
			}

			out[i] = FromMV(r)
		}
	}

	return out
}

// TestMergeLaws tests commutativity, associativity and idempotence for every kind.
func TestMergeLaws(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	mustMerge := func(a, b Record) Record {
		t.Helper()

		m, err := Merge(a, b)
		if err != nil {
			t.Fatalf("merge: %v", err)
		}

		return m
	}

	for _, kind := range []Kind{KindORSet, KindPNCounter, KindLWW, KindMV} {
		for trial := range 50 {
			rs := randomRecords(rng, kind, 3)
			a, b, c := rs[0], rs[1], rs[2]

			if !Equal(mustMerge(a, b), mustMerge(b, a)) {
				t.Fatalf("kind %d trial %d: not commutative", kind, trial)
			}

			if !Equal(mustMerge(mustMerge(a, b), c), mustMerge(a, mustMerge(b, c))) {
				t.Fatalf("kind %d trial %d: not associative", kind, trial)
			}

			if !Equal(mustMerge(a, a), a) ||
				!Equal(mustMerge(mustMerge(a, b), b), mustMerge(a, b)) {
				t.Fatalf("kind %d trial %d: not idempotent", kind, trial)
			}
		}
	}
}
