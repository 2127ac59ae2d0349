package policyvm

import (
	"context"
	"math"
	"time"

	"Stratum/internal/lease"
)

// DefaultFuel is the metering budget of one policy call.
const DefaultFuel = 10_000

// DefaultCallTimeout bounds one policy call.
const DefaultCallTimeout = 50 * time.Millisecond

// thresholdModule returns true when the target's write share exceeds 60%:
//
//	(func (export "should_migrate") (param i64 i64 i32) (result i32)
//	  local.get 2
//	  i32.const 60
//	  i32.gt_s)
var thresholdModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x08, 0x01, 0x60, 0x03, 0x7e, 0x7e, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x12, 0x01, 0x0e,
	's', 'h', 'o', 'u', 'l', 'd', '_', 'm', 'i', 'g', 'r', 'a', 't', 'e',
	0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x02, 0x41, 0x3c, 0x4a, 0x0b,
}

// ThresholdModule returns the built-in share threshold policy.
func ThresholdModule() []byte {
	return append([]byte(nil), thresholdModule...)
}

// Policy is a lease.Policy backed by a loaded module.
type Policy struct {
	pool      *Pool
	id        ModuleID
	fuel      uint64
	timeout   time.Duration
	minWrites uint64 // minWrites skips the module for small samples
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithFuel sets the per-call metering budget.
func WithFuel(fuel uint64) PolicyOption {
	return func(p *Policy) {
		p.fuel = fuel
	}
}

// WithCallTimeout bounds each call.
func WithCallTimeout(d time.Duration) PolicyOption {
	return func(p *Policy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMinWrites skips candidates with fewer writes than n.
func WithMinWrites(n uint64) PolicyOption {
	return func(p *Policy) {
		p.minWrites = n
	}
}

// NewPolicy loads wasm into pool and wraps it as a policy.
func NewPolicy(ctx context.Context, pool *Pool, wasm []byte, opts ...PolicyOption) (*Policy, error) {
	id, err := pool.Load(ctx, wasm)
	if err != nil {
		return nil, err
	}

	p := &Policy{
		pool:      pool,
		id:        id,
		fuel:      DefaultFuel,
		timeout:   DefaultCallTimeout,
		minWrites: lease.DefaultLatencyPolicy().MinWrites,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// ModuleID returns the id of the wrapped module.
func (p *Policy) ModuleID() ModuleID {
	return p.id
}

// ShouldMigrate implements lease.Policy.
func (p *Policy) ShouldMigrate(ctx context.Context, c lease.Candidate) (bool, error) {
	if c.Target == "" || c.Target == c.Holder || c.Writes < p.minWrites {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	share := int32(math.Round(min(max(c.TargetShare, 0), 1) * 100))

	ok, _, err := p.pool.Call(ctx, p.id, c.HolderLatency.Microseconds(), c.TargetLatency.Microseconds(), share, p.fuel)

	return ok, err
}
