package lease

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"Stratum/internal/crypto"
	"Stratum/internal/domain"
	"Stratum/internal/hlc"
)

// IssueApproval signs an approval delegating scope to grantee for validFor.
// The issuer is this node; a chain is valid only if it starts at the root.
func (m *Manager) IssueApproval(grantee crypto.Identity, scope domain.Domain, validFor time.Duration) (DelegationApproval, error) {
	if _, err := domain.Parse(string(scope)); err != nil {
		return DelegationApproval{}, err
	}

	if validFor <= 0 {
		return DelegationApproval{}, errors.Wrapf(ErrInvalidDelegation, "non-positive validity %s", validFor)
	}

	a := DelegationApproval{
		ID:         uuid.New(),
		Issuer:     m.Self(),
		Grantee:    grantee,
		Scope:      scope,
		ValidUntil: m.clock.Now().Add(validFor),
	}
	a.Signature = m.signer.Sign(a.signingPayload())

	m.log.Info("delegation issued", "id", a.ID, "grantee", grantee, "scope", scope, "until", a.ValidUntil)

	return a, nil
}

// Extend appends a new link to chain delegating a narrower scope to grantee.
// This node must be the last grantee of chain.
func (m *Manager) Extend(chain []DelegationApproval, grantee crypto.Identity, scope domain.Domain, validFor time.Duration) ([]DelegationApproval, error) {
	if len(chain) == 0 {
		return nil, errors.Wrap(ErrInvalidDelegation, "empty chain")
	}

	last := chain[len(chain)-1]
	if last.Grantee != m.Self() {
		return nil, errors.Wrapf(ErrInvalidDelegation, "chain ends at %s, not %s", last.Grantee, m.Self())
	}

	if !last.Scope.Covers(scope) {
		return nil, errors.Wrapf(ErrInvalidDelegation, "%s outside delegated %s", scope, last.Scope)
	}

	a, err := m.IssueApproval(grantee, scope, validFor)
	if err != nil {
		return nil, err
	}

	if last.ValidUntil.Less(a.ValidUntil) {
		a.ValidUntil = last.ValidUntil
		a.Signature = m.signer.Sign(a.signingPayload())
	}

	out := append(append([]DelegationApproval(nil), chain...), a)

	return out, nil
}

// AddChain verifies chain and keeps it so later grants inside its scope use
// the delegated path without presenting approvals.
func (m *Manager) AddChain(chain []DelegationApproval) error {
	if len(chain) == 0 {
		return errors.Wrap(ErrInvalidDelegation, "empty chain")
	}

	scope := chain[len(chain)-1].Scope
	if err := m.VerifyChain(chain, scope, m.Self(), m.clock.Now()); err != nil {
		return err
	}

	m.chainsMu.Lock()
	m.chains = append(m.chains, append([]DelegationApproval(nil), chain...))
	m.chainsMu.Unlock()

	m.log.Info("delegation chain accepted", "scope", scope, "links", len(chain))

	return nil
}

// chainFor returns a held chain that currently authorizes this node on d,
// or nil. Expired chains are dropped.
func (m *Manager) chainFor(d domain.Domain) []DelegationApproval {
	now := m.clock.Now()

	m.chainsMu.Lock()
	defer m.chainsMu.Unlock()

	var found []DelegationApproval

	kept := m.chains[:0]
	for _, c := range m.chains {
		if chainExpired(c, now) {
			continue
		}

		kept = append(kept, c)

		if found == nil && c[len(c)-1].Scope.Covers(d) {
			found = c
		}
	}
	m.chains = kept

	return found
}

// VerifyChain checks that chain delegates d to grantee at now. The first
// link must be issued by the root, each later link by the previous grantee,
// each scope must lie inside the previous one and every link must be signed
// and unexpired.
func (m *Manager) VerifyChain(chain []DelegationApproval, d domain.Domain, grantee crypto.Identity, now hlc.Timestamp) error {
	if len(chain) == 0 {
		return errors.Wrap(ErrInvalidDelegation, "empty chain")
	}

	if m.root == "" {
		return errors.Wrap(ErrInvalidDelegation, "no root authority configured")
	}

	if chain[0].Issuer != m.root {
		return errors.Wrapf(ErrInvalidDelegation, "chain starts at %s, not root %s", chain[0].Issuer, m.root)
	}

	for i := range chain {
		link := &chain[i]

		if i > 0 {
			prev := chain[i-1]

			if link.Issuer != prev.Grantee {
				return errors.Wrapf(ErrInvalidDelegation, "link %d issued by %s, expected %s", i, link.Issuer, prev.Grantee)
			}

			if !prev.Scope.Covers(link.Scope) {
				return errors.Wrapf(ErrInvalidDelegation, "link %d widens %s to %s", i, prev.Scope, link.Scope)
			}
		}

		if !now.Less(link.ValidUntil) {
			return errors.Wrapf(ErrInvalidDelegation, "link %d expired at %s", i, link.ValidUntil)
		}

		if !m.keys.Verify(link.Issuer, link.signingPayload(), link.Signature) {
			return errors.Wrapf(ErrInvalidDelegation, "link %d: %v", i, ErrInvalidSignature)
		}
	}

	last := chain[len(chain)-1]

	if last.Grantee != grantee {
		return errors.Wrapf(ErrInvalidDelegation, "chain grants %s, not %s", last.Grantee, grantee)
	}

	if !last.Scope.Covers(d) {
		return errors.Wrapf(ErrInvalidDelegation, "%s outside delegated %s", d, last.Scope)
	}

	return nil
}

// capExpiry limits exp to the earliest ValidUntil in chain.
func capExpiry(exp hlc.Timestamp, chain []DelegationApproval) hlc.Timestamp {
	for _, a := range chain {
		if a.ValidUntil.Less(exp) {
			exp = a.ValidUntil
		}
	}

	return exp
}

func chainExpired(chain []DelegationApproval, now hlc.Timestamp) bool {
	for _, a := range chain {
		if !now.Less(a.ValidUntil) {
			return true
		}
	}

	return false
}
