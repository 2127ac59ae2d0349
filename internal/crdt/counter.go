package crdt

import "maps"

// PNCounter is a counter that supports increments and decrements. Each actor
// owns one slot in P and one in N; merging takes the pointwise maximum.
type PNCounter struct {
	P map[string]uint64 `cbor:"1,keyasint,omitempty"` // P holds per-actor increments
	N map[string]uint64 `cbor:"2,keyasint,omitempty"` // N holds per-actor decrements
}

// NewPNCounter creates a zero counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{P: make(map[string]uint64), N: make(map[string]uint64)}
}

// Increment adds n on behalf of actor.
func (c *PNCounter) Increment(actor string, n uint64) {
	if n == 0 {
		return
	}

	if c.P == nil {
		c.P = make(map[string]uint64)
	}

	c.P[actor] += n
}

// Decrement subtracts n on behalf of actor.
func (c *PNCounter) Decrement(actor string, n uint64) {
	if n == 0 {
		return
	}

	if c.N == nil {
		c.N = make(map[string]uint64)
	}

	c.N[actor] += n
}

// Value returns the sum of increments minus the sum of decrements.
func (c *PNCounter) Value() int64 {
	var v int64

	for _, n := range c.P {
		v += int64(n)
	}

	for _, n := range c.N {
		v -= int64(n)
	}

	return v
}

// Merge returns the pointwise maximum of c and o.
func (c *PNCounter) Merge(o *PNCounter) *PNCounter {
	out := NewPNCounter()

	for _, src := range []*PNCounter{c, o} {
		if src == nil {
			continue
		}

		mergeMax(out.P, src.P)
		mergeMax(out.N, src.N)
	}

	return out
}

// Clone returns a deep copy.
func (c *PNCounter) Clone() *PNCounter {
	return &PNCounter{P: maps.Clone(c.P), N: maps.Clone(c.N)}
}

func mergeMax(dst, src map[string]uint64) {
	for actor, n := range src {
		if n > dst[actor] {
			dst[actor] = n
		}
	}
}
