package crdt

import (
	"cmp"
	"maps"
	"slices"

	"Stratum/internal/codec"
	"Stratum/internal/hlc"
)

// Tag uniquely identifies one add operation.
type Tag struct {
	Actor string        `cbor:"1,keyasint"` // Actor performed the add
	TS    hlc.Timestamp `cbor:"2,keyasint"` // TS is the actor's clock at the add
}

func compareTags(a, b Tag) int {
	if c := cmp.Compare(a.Actor, b.Actor); c != 0 {
		return c
	}

	return a.TS.Compare(b.TS)
}

// ORSet is an observed-remove set of strings. A remove only cancels the adds
// it has observed, so an add concurrent with a remove survives the merge.
type ORSet struct {
	adds    map[Tag]string   // adds maps live add tags to their element
	removes map[Tag]struct{} // removes holds cancelled add tags
}

// NewORSet creates an empty set.
func NewORSet() *ORSet {
	return &ORSet{adds: make(map[Tag]string), removes: make(map[Tag]struct{})}
}

// Add inserts element under a fresh tag. Re-using a tag is a no-op.
func (s *ORSet) Add(element string, tag Tag) {
	s.init()

	if _, gone := s.removes[tag]; gone {
		return
	}

	s.adds[tag] = element
}

// Remove cancels every observed add of element and reports how many it cancelled.
func (s *ORSet) Remove(element string) int {
	s.init()

	n := 0

	for tag, e := range s.adds {
		if e == element {
			delete(s.adds, tag)
			s.removes[tag] = struct{}{}
			n++
		}
	}

	return n
}

// Contains reports whether element has a live add.
func (s *ORSet) Contains(element string) bool {
	for _, e := range s.adds {
		if e == element {
			return true
		}
	}

	return false
}

// Elements returns the live elements in sorted order.
func (s *ORSet) Elements() []string {
	seen := make(map[string]struct{}, len(s.adds))
	for _, e := range s.adds {
		seen[e] = struct{}{}
	}

	return slices.Sorted(maps.Keys(seen))
}

// Len returns the number of distinct live elements.
func (s *ORSet) Len() int {
	return len(s.Elements())
}

// Merge returns the join of s and o.
func (s *ORSet) Merge(o *ORSet) *ORSet {
	out := NewORSet()

	for _, src := range []*ORSet{s, o} {
		if src == nil {
			continue
		}

		for tag := range src.removes {
			out.removes[tag] = struct{}{}
		}
	}

	for _, src := range []*ORSet{s, o} {
		if src == nil {
			continue
		}

		for tag, e := range src.adds {
			if _, gone := out.removes[tag]; !gone {
				out.adds[tag] = e
			}
		}
	}

	return out
}

// Clone returns a deep copy.
func (s *ORSet) Clone() *ORSet {
	return s.Merge(nil)
}

func (s *ORSet) init() {
	if s.adds == nil {
		s.adds = make(map[Tag]string)
	}

	if s.removes == nil {
		s.removes = make(map[Tag]struct{})
	}
}

type orsetEntry struct {
	Tag     Tag    `cbor:"1,keyasint"`
	Element string `cbor:"2,keyasint"`
}

type orsetWire struct {
	Adds    []orsetEntry `cbor:"1,keyasint,omitempty"`
	Removes []Tag        `cbor:"2,keyasint,omitempty"`
}

// MarshalCBOR encodes the set with tags in sorted order.
func (s ORSet) MarshalCBOR() ([]byte, error) {
	var w orsetWire

	for tag, e := range s.adds {
		w.Adds = append(w.Adds, orsetEntry{Tag: tag, Element: e})
	}

	slices.SortFunc(w.Adds, func(a, b orsetEntry) int { return compareTags(a.Tag, b.Tag) })

	w.Removes = slices.SortedFunc(maps.Keys(s.removes), compareTags)

	return codec.Marshal(w)
}

// UnmarshalCBOR decodes the form written by MarshalCBOR.
func (s *ORSet) UnmarshalCBOR(data []byte) error {
	var w orsetWire
	if err := codec.Unmarshal(data, &w); err != nil {
		return err
	}

	*s = *NewORSet()

	for _, tag := range w.Removes {
		s.removes[tag] = struct{}{}
	}

	for _, e := range w.Adds {
		s.Add(e.Element, e.Tag)
	}

	return nil
}
