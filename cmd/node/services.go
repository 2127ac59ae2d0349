package main

import (
	"context"
	"time"

	"Stratum/internal/crypto"
	"Stratum/internal/domain"
	"Stratum/internal/lease"
)

// leaseService is the manager as the API sees it. Leases granted to this
// node are handed to the keeper for renewal.
type leaseService struct {
	*lease.Manager
	keeper *lease.Keeper
}

// RequestLease grants and, for self-held leases, starts renewing.
func (s leaseService) RequestLease(ctx context.Context, d domain.Domain, holder crypto.Identity, duration time.Duration, opts ...lease.RequestOption) (*lease.Proof, error) {
	p, err := s.Manager.RequestLease(ctx, d, holder, duration, opts...)
	if err != nil {
		return nil, err
	}

	if holder == s.Self() {
		s.keeper.Track(p)
	}

	return p, nil
}

// Release gives up the lease and stops renewing it.
func (s leaseService) Release(id lease.LeaseID, caller crypto.Identity) error {
	s.keeper.Untrack(id)
	return s.Manager.Release(id, caller)
}

// Migrate moves the lease and tracks it if it moved here.
func (s leaseService) Migrate(ctx context.Context, d domain.Domain, to crypto.Identity) (*lease.Proof, error) {
	p, err := s.Manager.Migrate(ctx, d, to)
	if err != nil {
		return nil, err
	}

	if to == s.Self() {
		s.keeper.Track(p)
	}

	return p, nil
}

// trackedStore feeds gated write latencies to the access tracker.
type trackedStore struct {
	gate    *lease.Gate
	tracker *lease.AccessTracker
	self    crypto.Identity
}

// Write implements api.Store.
func (s trackedStore) Write(ctx context.Context, d domain.Domain, id lease.LeaseID, op []byte) (uint64, error) {
	start := time.Now()

	seq, err := s.gate.Write(ctx, d, id, op)
	if err == nil {
		s.tracker.Record(d, s.self, time.Since(start))
	}

	return seq, err
}

// Read implements api.Store.
func (s trackedStore) Read(ctx context.Context, d domain.Domain) ([][]byte, error) {
	return s.gate.Read(ctx, d)
}

// quorumLiveness reports writes available while the owning group of a domain
// still has a quorum of reachable members.
type quorumLiveness struct {
	node *Node
}

// WritesAvailable implements lease.Liveness.
func (q quorumLiveness) WritesAvailable(d domain.Domain) bool {
	g, err := q.node.groups.Resolve(d)
	if err != nil {
		return true
	}

	reachable := []crypto.Identity{q.node.ID()}
	for _, p := range q.node.transport.Peers() {
		reachable = append(reachable, crypto.Identity(p))
	}

	return g.HasQuorum(reachable)
}
