package main

import (
	"context"

	"Stratum/internal/bft"
	"Stratum/internal/domain"
	"Stratum/internal/lease"
)

// consensusAgreer lets the lease manager grant outside its scope through
// the owning group's engine.
type consensusAgreer struct {
	coord *bft.Coordinator
}

// Agree implements lease.Agreer.
func (a consensusAgreer) Agree(ctx context.Context, groupID string, d domain.Domain, value []byte) (*lease.Agreement, error) {
	c, err := a.coord.Agree(ctx, groupID, string(d), value)
	if err != nil {
		return nil, err
	}

	return &lease.Agreement{
		Group:     c.Group,
		Round:     c.Round,
		Epoch:     c.Epoch,
		Aggregate: c.Aggregate,
	}, nil
}

// VerifyAgreement implements lease.Agreer by rebuilding the commit for value.
func (a consensusAgreer) VerifyAgreement(value []byte, ag *lease.Agreement) bool {
	if ag == nil {
		return false
	}

	return a.coord.VerifyCommit(&bft.Commit{
		Group:     ag.Group,
		Round:     ag.Round,
		Epoch:     ag.Epoch,
		Value:     value,
		Hash:      bft.HashValue(value),
		Aggregate: ag.Aggregate,
	})
}
