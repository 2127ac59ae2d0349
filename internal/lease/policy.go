package lease

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"Stratum/internal/crypto"
	"Stratum/internal/domain"
)

// Candidate describes a possible migration of d from Holder to Target.
type Candidate struct {
	Domain        domain.Domain
	Holder        crypto.Identity
	Target        crypto.Identity
	HolderLatency time.Duration // HolderLatency is the mean write latency seen by the holder
	TargetLatency time.Duration // TargetLatency is the mean write latency seen by the target
	TargetShare   float64       // TargetShare is the target's fraction of recent writes
	Writes        uint64        // Writes is the sample size behind the shares
}

// Policy decides whether a lease should move. Implementations are tuning
// only; safety never depends on them.
type Policy interface {
	ShouldMigrate(ctx context.Context, c Candidate) (bool, error)
}

// LatencyPolicy migrates when the target issues most writes and sees lower
// latency than the holder.
type LatencyPolicy struct {
	MinShare       float64       // MinShare is the target write share required
	MinImprovement time.Duration // MinImprovement is the latency gain required
	MinWrites      uint64        // MinWrites is the smallest sample considered
}

// DefaultLatencyPolicy requires a 60% write share and any latency gain.
func DefaultLatencyPolicy() LatencyPolicy {
	return LatencyPolicy{MinShare: 0.6, MinWrites: 10}
}

// ShouldMigrate implements Policy.
func (p LatencyPolicy) ShouldMigrate(_ context.Context, c Candidate) (bool, error) {
	if c.Writes < p.MinWrites || c.TargetShare < p.MinShare {
		return false, nil
	}

	return c.TargetLatency+p.MinImprovement < c.HolderLatency, nil
}

// latencyWeight is the smoothing factor of the latency moving average.
const latencyWeight = 0.2

type nodeAccess struct {
	writes  uint64
	latency float64 // latency is an exponential moving average in nanoseconds
}

// AccessTracker records per-domain write activity by node.
type AccessTracker struct {
	mu      sync.Mutex
	domains map[domain.Domain]map[crypto.Identity]*nodeAccess
}

// NewAccessTracker creates an empty tracker.
func NewAccessTracker() *AccessTracker {
	return &AccessTracker{domains: make(map[domain.Domain]map[crypto.Identity]*nodeAccess)}
}

// Record notes a write to d issued from node that took latency.
func (t *AccessTracker) Record(d domain.Domain, node crypto.Identity, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes, ok := t.domains[d]
	if !ok {
		nodes = make(map[crypto.Identity]*nodeAccess)
		t.domains[d] = nodes
	}

	a, ok := nodes[node]
	if !ok {
		a = &nodeAccess{latency: float64(latency)}
		nodes[node] = a
	}

	a.writes++
	a.latency = (1-latencyWeight)*a.latency + latencyWeight*float64(latency)
}

// Reset forgets activity on d.
func (t *AccessTracker) Reset(d domain.Domain) {
	t.mu.Lock()
	delete(t.domains, d)
	t.mu.Unlock()
}

// Candidate returns the busiest node other than holder for d.
func (t *AccessTracker) Candidate(d domain.Domain, holder crypto.Identity) (Candidate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes := t.domains[d]
	if len(nodes) == 0 {
		return Candidate{}, false
	}

	var (
		total uint64
		best  crypto.Identity
		top   *nodeAccess
	)

	for id, a := range nodes {
		total += a.writes

		if id == holder {
			continue
		}

		if top == nil || a.writes > top.writes || (a.writes == top.writes && id < best) {
			best, top = id, a
		}
	}

	if top == nil {
		return Candidate{}, false
	}

	c := Candidate{
		Domain:        d,
		Holder:        holder,
		Target:        best,
		TargetLatency: time.Duration(top.latency),
		TargetShare:   float64(top.writes) / float64(total),
		Writes:        total,
	}

	if h, ok := nodes[holder]; ok {
		c.HolderLatency = time.Duration(h.latency)
	}

	return c, true
}

// Rebalance asks policy about every live lease this node has authority over
// and migrates the ones it approves. It returns the new proofs.
func (m *Manager) Rebalance(ctx context.Context, tracker *AccessTracker, policy Policy) ([]*Proof, error) {
	now := m.clock.Now()

	var candidates []Candidate

	m.table.each(func(d domain.Domain, r *Record) bool {
		if !m.live(r, now) || !m.authorizedFor(d) {
			return true
		}

		if c, ok := tracker.Candidate(d, r.Holder); ok {
			candidates = append(candidates, c)
		}

		return true
	})

	var (
		moved []*Proof
		errs  error
	)

	for _, c := range candidates {
		ok, err := policy.ShouldMigrate(ctx, c)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "policy for %s", c.Domain))
			continue
		}

		if !ok {
			continue
		}

		p, err := m.Migrate(ctx, c.Domain, c.Target)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}

		tracker.Reset(c.Domain)
		moved = append(moved, p)

		m.log.Info("lease rebalanced", "domain", c.Domain, "to", c.Target, "share", c.TargetShare)
	}

	return moved, errs
}
