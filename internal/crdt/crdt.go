// Package crdt implements the state-based replicated data types used to
// reconcile partitions: an observed-remove set, a positive-negative counter,
// a last-writer-wins register and a multi-value register.
//
// Every Merge is pure, commutative, associative and idempotent, so replicas
// that have seen the same updates converge regardless of delivery order or
// duplication.
package crdt

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
)

// Kind tags the concrete type inside a Record.
type Kind uint8

// Record kinds.
const (
	KindORSet     Kind = 1 // KindORSet is an observed-remove set
	KindPNCounter Kind = 2 // KindPNCounter is a positive-negative counter
	KindLWW       Kind = 3 // KindLWW is a last-writer-wins register
	KindMV        Kind = 4 // KindMV is a multi-value register
)

// ErrKindMismatch is returned when merging records of different kinds.
var ErrKindMismatch = errors.New("crdt kind mismatch")

// Record is a closed union over the four kinds. Exactly one payload field,
// the one named by Kind, is set.
type Record struct {
	Kind      Kind         `cbor:"1,keyasint"`
	ORSet     *ORSet       `cbor:"2,keyasint,omitempty"`
	PNCounter *PNCounter   `cbor:"3,keyasint,omitempty"`
	LWW       *LWWRegister `cbor:"4,keyasint,omitempty"`
	MV        *MVRegister  `cbor:"5,keyasint,omitempty"`
}

// FromORSet wraps s.
func FromORSet(s *ORSet) Record { return Record{Kind: KindORSet, ORSet: s} }

// FromPNCounter wraps c.
func FromPNCounter(c *PNCounter) Record { return Record{Kind: KindPNCounter, PNCounter: c} }

// FromLWW wraps r.
func FromLWW(r *LWWRegister) Record { return Record{Kind: KindLWW, LWW: r} }

// FromMV wraps r.
func FromMV(r *MVRegister) Record { return Record{Kind: KindMV, MV: r} }

// Validate checks that the payload matches the kind.
func (r Record) Validate() error {
	set := 0
	for _, p := range []bool{r.ORSet != nil, r.PNCounter != nil, r.LWW != nil, r.MV != nil} {
		if p {
			set++
		}
	}

	if set != 1 {
		return errors.Newf("record of kind %d carries %d payloads", r.Kind, set)
	}

	ok := false

	switch r.Kind {
	case KindORSet:
		ok = r.ORSet != nil
	case KindPNCounter:
		ok = r.PNCounter != nil
	case KindLWW:
		ok = r.LWW != nil
	case KindMV:
		ok = r.MV != nil
	}

	if !ok {
		return errors.Newf("record kind %d does not match its payload", r.Kind)
	}

	return nil
}

// Merge combines two records of the same kind into a new record.
// Neither input is modified.
func Merge(a, b Record) (Record, error) {
	if a.Kind != b.Kind {
		return Record{}, errors.Wrapf(ErrKindMismatch, "merge kind %d with kind %d", a.Kind, b.Kind)
	}

	if err := a.Validate(); err != nil {
		return Record{}, err
	}

	if err := b.Validate(); err != nil {
		return Record{}, err
	}

	switch a.Kind {
	case KindORSet:
		return FromORSet(a.ORSet.Merge(b.ORSet)), nil
	case KindPNCounter:
		return FromPNCounter(a.PNCounter.Merge(b.PNCounter)), nil
	case KindLWW:
		return FromLWW(a.LWW.Merge(b.LWW)), nil
	case KindMV:
		return FromMV(a.MV.Merge(b.MV)), nil
	default:
		return Record{}, errors.AssertionFailedf("unhandled crdt kind %d", a.Kind)
	}
}

// Encode returns the canonical encoding of r.
func (r Record) Encode() ([]byte, error) {
	return codec.Marshal(r)
}

// Decode parses a canonical encoding and validates it.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := codec.Unmarshal(data, &r); err != nil {
		return Record{}, err
	}

	if err := r.Validate(); err != nil {
		return Record{}, err
	}

	return r, nil
}

// Equal reports whether a and b hold identical state.
func Equal(a, b Record) bool {
	ea, errA := a.Encode()
	eb, errB := b.Encode()

	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}
