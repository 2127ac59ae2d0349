// Package hlc implements a hybrid logical clock.
//
// A timestamp pairs a physical wall-clock reading in milliseconds with a
// logical counter. Timestamps are totally ordered lexicographically, so
// events on different nodes can be compared without synchronized clocks
// while staying close to real time.
package hlc

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// EncodedSize is the size of a timestamp in its binary key form.
const EncodedSize = 12

// Timestamp is a hybrid logical clock reading.
type Timestamp struct {
	Physical uint64 `cbor:"1,keyasint"` // Physical is milliseconds since the Unix epoch
	Logical  uint32 `cbor:"2,keyasint"` // Logical orders events within one millisecond
}

// Zero is the smallest timestamp.
var Zero = Timestamp{}

// FromTime builds a timestamp with a zero logical component.
func FromTime(t time.Time) Timestamp {
	return Timestamp{Physical: uint64(t.UnixMilli())}
}

// Compare returns -1, 0 or +1 as t is before, equal to, or after o.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Physical < o.Physical:
		return -1
	case t.Physical > o.Physical:
		return 1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	default:
		return 0
	}
}

// Less reports whether t orders strictly before o.
func (t Timestamp) Less(o Timestamp) bool {
	return t.Compare(o) < 0
}

// After reports whether t orders strictly after o.
func (t Timestamp) After(o Timestamp) bool {
	return t.Compare(o) > 0
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t == Zero
}

// Add returns t shifted forward by d with the logical component reset.
// Negative durations are clamped at zero physical time.
func (t Timestamp) Add(d time.Duration) Timestamp {
	ms := d.Milliseconds()
	if ms < 0 && uint64(-ms) > t.Physical {
		return Zero
	}

	return Timestamp{Physical: uint64(int64(t.Physical) + ms)}
}

// Sub returns the physical distance t - o.
func (t Timestamp) Sub(o Timestamp) time.Duration {
	return time.Duration(int64(t.Physical)-int64(o.Physical)) * time.Millisecond
}

// Time returns the physical component as wall-clock time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t.Physical))
}

// Max returns the later of a and b.
func Max(a, b Timestamp) Timestamp {
	if a.Less(b) {
		return b
	}

	return a
}

// String renders the timestamp as "physical:logical".
func (t Timestamp) String() string {
	return strconv.FormatUint(t.Physical, 10) + ":" + strconv.FormatUint(uint64(t.Logical), 10)
}

// Parse reads the form produced by String.
func Parse(s string) (Timestamp, error) {
	p, l, ok := strings.Cut(s, ":")
	if !ok {
		return Zero, errors.Newf("malformed timestamp %q", s)
	}

	phys, err := strconv.ParseUint(p, 10, 64)
	if err != nil {
		return Zero, errors.Wrapf(err, "physical component of %q", s)
	}

	logical, err := strconv.ParseUint(l, 10, 32)
	if err != nil {
		return Zero, errors.Wrapf(err, "logical component of %q", s)
	}

	return Timestamp{Physical: phys, Logical: uint32(logical)}, nil
}

// Bytes encodes t big-endian so that byte order matches timestamp order.
func (t Timestamp) Bytes() []byte {
	buf := make([]byte, EncodedSize)
	binary.BigEndian.PutUint64(buf[0:8], t.Physical)
	binary.BigEndian.PutUint32(buf[8:12], t.Logical)

	return buf
}

// FromBytes decodes the form produced by Bytes.
func FromBytes(b []byte) (Timestamp, error) {
	if len(b) != EncodedSize {
		return Zero, fmt.Errorf("timestamp: expected %d bytes, got %d", EncodedSize, len(b))
	}

	return Timestamp{
		Physical: binary.BigEndian.Uint64(b[0:8]),
		Logical:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}
