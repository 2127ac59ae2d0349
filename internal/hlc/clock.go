package hlc

import (
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultDriftBound is the largest lead a remote physical time may have over local time.
const DefaultDriftBound = 60 * time.Second

// ErrClockDriftExceeded is returned when a remote timestamp is too far in the future.
var ErrClockDriftExceeded = errors.New("clock drift exceeded")

// PhysicalSource reads the local wall clock in milliseconds.
type PhysicalSource interface {
	NowMillis() uint64
}

// SystemSource reads time.Now.
type SystemSource struct{}

// NowMillis returns the current Unix time in milliseconds.
func (SystemSource) NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// ManualSource is a settable physical source for tests and simulation.
type ManualSource struct {
	mu sync.Mutex
	ms uint64
}

// NewManualSource creates a source frozen at ms.
func NewManualSource(ms uint64) *ManualSource {
	return &ManualSource{ms: ms}
}

// NowMillis returns the current manual reading.
func (m *ManualSource) NowMillis() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ms
}

// Set moves the reading to ms. Moving backwards is allowed to simulate clock steps.
func (m *ManualSource) Set(ms uint64) {
	m.mu.Lock()
	m.ms = ms
	m.mu.Unlock()
}

// Advance moves the reading forward by d.
func (m *ManualSource) Advance(d time.Duration) {
	m.mu.Lock()
	m.ms += uint64(d.Milliseconds())
	m.mu.Unlock()
}

// Clock is a hybrid logical clock. Every timestamp it returns is strictly
// greater than every timestamp it previously returned or observed.
type Clock struct {
	mu     sync.Mutex
	source PhysicalSource // source provides physical time
	drift  uint64         // drift is the accepted remote lead in milliseconds
	last   Timestamp      // last is the highest timestamp produced or observed
}

// Option configures a Clock.
type Option func(*Clock)

// WithSource overrides the physical time source.
func WithSource(s PhysicalSource) Option {
	return func(c *Clock) {
		c.source = s
	}
}

// WithDriftBound overrides the accepted remote lead.
func WithDriftBound(d time.Duration) Option {
	return func(c *Clock) {
		c.drift = uint64(d.Milliseconds())
	}
}

// New creates a clock backed by the system wall clock.
func New(opts ...Option) *Clock {
	c := &Clock{
		source: SystemSource{},
		drift:  uint64(DefaultDriftBound.Milliseconds()),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Now returns a new local timestamp.
func (c *Clock) Now() Timestamp {
	pt := c.source.NowMillis()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = next(c.last, pt)

	return c.last
}

// Observe merges a remote timestamp into the clock and returns a local
// timestamp greater than both the previous local value and remote.
// A remote physical time more than the drift bound ahead of local physical
// time is rejected and leaves the clock unchanged.
func (c *Clock) Observe(remote Timestamp) (Timestamp, error) {
	pt := c.source.NowMillis()

	if remote.Physical > pt && remote.Physical-pt > c.drift {
		return Zero, errors.Wrapf(ErrClockDriftExceeded,
			"remote %s leads local %d by %dms", remote, pt, remote.Physical-pt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = next(Max(c.last, remote), pt)

	return c.last, nil
}

// Last returns the highest timestamp seen without advancing the clock.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}

// Advance raises the clock floor to ts without producing a new timestamp.
// Used when restoring persisted state so restarts never move time backwards.
func (c *Clock) Advance(ts Timestamp) {
	c.mu.Lock()
	c.last = Max(c.last, ts)
	c.mu.Unlock()
}

// next returns the smallest timestamp strictly after floor with physical >= pt.
func next(floor Timestamp, pt uint64) Timestamp {
	if pt > floor.Physical {
		return Timestamp{Physical: pt}
	}

	if floor.Logical == math.MaxUint32 {
		return Timestamp{Physical: floor.Physical + 1}
	}

	return Timestamp{Physical: floor.Physical, Logical: floor.Logical + 1}
}
