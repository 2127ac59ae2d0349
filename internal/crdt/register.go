package crdt

import (
	"bytes"
	"cmp"
	"maps"
	"slices"

	"Stratum/internal/hlc"
)

// LWWRegister keeps the value with the greatest (timestamp, writer) pair.
// Equal pairs with different values resolve by byte order so every replica
// picks the same winner.
type LWWRegister struct {
	Value  []byte        `cbor:"1,keyasint,omitempty"` // Value is the current value
	TS     hlc.Timestamp `cbor:"2,keyasint"`           // TS is the write timestamp
	Writer string        `cbor:"3,keyasint,omitempty"` // Writer is the writing actor
}

// NewLWW creates a register holding value written at ts by writer.
func NewLWW(value []byte, ts hlc.Timestamp, writer string) *LWWRegister {
	return &LWWRegister{Value: bytes.Clone(value), TS: ts, Writer: writer}
}

// Set overwrites the register if (ts, writer) is newer than the current write.
// It reports whether the value changed.
func (r *LWWRegister) Set(value []byte, ts hlc.Timestamp, writer string) bool {
	next := LWWRegister{Value: value, TS: ts, Writer: writer}
	if compareLWW(&next, r) <= 0 {
		return false
	}

	r.Value = bytes.Clone(value)
	r.TS = ts
	r.Writer = writer

	return true
}

// Merge returns the winning write of r and o.
func (r *LWWRegister) Merge(o *LWWRegister) *LWWRegister {
	switch {
	case r == nil && o == nil:
		return &LWWRegister{}
	case r == nil:
		return o.Clone()
	case o == nil:
		return r.Clone()
	}

	if compareLWW(o, r) > 0 {
		return o.Clone()
	}

	return r.Clone()
}

// Clone returns a deep copy.
func (r *LWWRegister) Clone() *LWWRegister {
	return &LWWRegister{Value: bytes.Clone(r.Value), TS: r.TS, Writer: r.Writer}
}

func compareLWW(a, b *LWWRegister) int {
	if c := a.TS.Compare(b.TS); c != 0 {
		return c
	}

	if c := cmp.Compare(a.Writer, b.Writer); c != 0 {
		return c
	}

	return bytes.Compare(a.Value, b.Value)
}

// VersionVector counts the writes each actor has observed.
type VersionVector map[string]uint64

// Dominates reports whether v has seen everything o has and something more.
func (v VersionVector) Dominates(o VersionVector) bool {
	strict := false

	for actor, n := range o {
		if v[actor] < n {
			return false
		}
	}

	for actor, n := range v {
		if n > o[actor] {
			strict = true
		}
	}

	return strict
}

// Equal reports whether v and o count the same writes.
func (v VersionVector) Equal(o VersionVector) bool {
	for actor, n := range v {
		if o[actor] != n {
			return false
		}
	}

	for actor, n := range o {
		if v[actor] != n {
			return false
		}
	}

	return true
}

// MVEntry is one concurrent version held by a multi-value register.
type MVEntry struct {
	Value []byte        `cbor:"1,keyasint,omitempty"` // Value is the written value
	Clock VersionVector `cbor:"2,keyasint,omitempty"` // Clock is the causal context of the write
}

// MVRegister keeps every value whose write is not causally superseded.
// Concurrent writes all survive until a later write observes them.
type MVRegister struct {
	Entries []MVEntry `cbor:"1,keyasint,omitempty"` // Entries are sorted by canonical order
}

// NewMVRegister creates an empty register.
func NewMVRegister() *MVRegister {
	return &MVRegister{}
}

// Write replaces every version this replica has observed with value.
func (r *MVRegister) Write(actor string, value []byte) {
	clock := make(VersionVector)

	for _, e := range r.Entries {
		for a, n := range e.Clock {
			if n > clock[a] {
				clock[a] = n
			}
		}
	}

	clock[actor]++

	r.Entries = []MVEntry{{Value: bytes.Clone(value), Clock: clock}}
}

// Values returns the concurrent values in canonical order.
func (r *MVRegister) Values() [][]byte {
	out := make([][]byte, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = e.Value
	}

	return out
}

// Merge returns the union of both registers minus dominated versions.
func (r *MVRegister) Merge(o *MVRegister) *MVRegister {
	var all []MVEntry

	for _, src := range []*MVRegister{r, o} {
		if src != nil {
			all = append(all, src.Entries...)
		}
	}

	out := &MVRegister{}

	for i, e := range all {
		if dominated(e, all) || duplicated(e, all[:i]) {
			continue
		}

		out.Entries = append(out.Entries, MVEntry{Value: bytes.Clone(e.Value), Clock: maps.Clone(e.Clock)})
	}

	slices.SortFunc(out.Entries, compareEntries)

	return out
}

// Clone returns a deep copy.
func (r *MVRegister) Clone() *MVRegister {
	return r.Merge(nil)
}

func dominated(e MVEntry, all []MVEntry) bool {
	for _, o := range all {
		if o.Clock.Dominates(e.Clock) {
			return true
		}
	}

	return false
}

func duplicated(e MVEntry, prior []MVEntry) bool {
	for _, o := range prior {
		if o.Clock.Equal(e.Clock) && bytes.Equal(o.Value, e.Value) {
			return true
		}
	}

	return false
}

func compareEntries(a, b MVEntry) int {
	if c := bytes.Compare(a.Value, b.Value); c != 0 {
		return c
	}

	return compareClocks(a.Clock, b.Clock)
}

func compareClocks(a, b VersionVector) int {
	actors := slices.Sorted(maps.Keys(a))
	for _, k := range slices.Sorted(maps.Keys(b)) {
		if _, ok := a[k]; !ok {
			actors = append(actors, k)
		}
	}

	slices.Sort(actors)

	for _, k := range actors {
		if c := cmp.Compare(a[k], b[k]); c != 0 {
			return c
		}
	}

	return 0
}
