package lease

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
	"Stratum/internal/crypto"
	"Stratum/internal/domain"
	"Stratum/internal/hlc"
)

// reservation is the grant an arbitrator signed for a domain.
type reservation struct {
	id    LeaseID
	until hlc.Timestamp
}

// ApplyGrant installs a grant or renewal flooded by a peer.
//
// A new lease must be authorized through consensus evidence, a delegation
// chain, the root or membership of the owning group. A renewal may only move
// the expiry forward and must be issued by the holder, the lease's grantor
// or an authority over the domain.
func (m *Manager) ApplyGrant(p *Proof) error {
	rec := p.Record.Clone()

	if err := m.verifyRecord(rec); err != nil {
		return err
	}

	if existing := m.table.fenced(rec.ID()); existing != nil {
		return errors.Wrapf(ErrLeaseFenced, "grant of %s", rec.ID())
	}

	if _, err := m.clock.Observe(rec.Updated); err != nil {
		return err
	}

	for {
		cur := m.table.get(rec.Domain)

		if cur != nil && cur.ID() == rec.ID() && !cur.Updated.Less(rec.Updated) {
			return nil
		}

		if err := m.admit(p, rec, cur); err != nil {
			return err
		}

		if cur != nil && cur.ID() != rec.ID() && m.live(cur, m.clock.Now()) && !m.replaces(rec, cur) {
			m.metrics.Conflict()
			return conflict(rec.Domain, cur.ID())
		}

		if m.table.cas(rec.Domain, cur, rec) {
			break
		}
	}

	m.table.remember(p)
	m.persist(rec)
	m.recount()
	m.installed(rec)

	m.log.Debug("grant applied", "lease", rec.ID(), "domain", rec.Domain, "issuer", rec.Issuer)

	return nil
}

// admit checks that rec, carried by p, may be installed over cur.
func (m *Manager) admit(p *Proof, rec, cur *Record) error {
	if cur != nil && cur.ID() == rec.ID() {
		return m.checkRenewal(cur, rec, p.Origin)
	}

	if o := p.Origin; o != nil {
		if o.ID() != rec.ID() {
			return errors.Wrapf(ErrUnauthorized, "origin %s does not match %s", o.ID(), rec.ID())
		}

		if err := m.verifyRecord(o); err != nil {
			return err
		}

		if err := m.authorizeGrant(o, p.Agreement); err != nil {
			return err
		}

		return m.checkRenewal(o, rec, o)
	}

	return m.authorizeGrant(rec, p.Agreement)
}

// checkRenewal checks that rec only extends base and that its issuer may
// renew. origin is the agreed record of a consensus grant, if known.
func (m *Manager) checkRenewal(base, rec, origin *Record) error {
	if !bytes.Equal(renewalCore(base), renewalCore(rec)) {
		return errors.Wrapf(ErrUnauthorized, "renewal of %s changes more than its expiry", rec.ID())
	}

	if !m.mayRenew(rec.Issuer, base, origin) {
		return errors.Wrapf(ErrUnauthorized, "%s may not renew %s", rec.Issuer, rec.ID())
	}

	if limit := capExpiry(rec.Updated.Add(rec.Duration), rec.Approvals); limit.Less(rec.Expiry) {
		return errors.Wrapf(ErrUnauthorized, "renewal of %s runs to %s, past %s", rec.ID(), rec.Expiry, limit)
	}

	return nil
}

// mayRenew reports whether issuer may sign a renewal of base.
func (m *Manager) mayRenew(issuer crypto.Identity, base, origin *Record) bool {
	if issuer == base.Holder || issuer == base.Issuer || m.issuerAuthorized(issuer, base.Domain) {
		return true
	}

	if n := len(base.Approvals); n > 0 && base.Approvals[n-1].Grantee == issuer {
		return true
	}

	if origin == nil {
		if p := m.table.origin(base.ID()); p != nil {
			origin = &p.Record
		}
	}

	return origin != nil && origin.Issuer == issuer
}

// renewalCore encodes the fields a renewal may not change.
func renewalCore(r *Record) []byte {
	core := *r
	core.Expiry = hlc.Zero
	core.Updated = hlc.Zero
	core.Issuer = ""
	core.Signature = nil

	return codec.MustMarshal(core)
}

// replaces reports whether rec legitimately succeeds the live record cur.
func (m *Manager) replaces(rec, cur *Record) bool {
	return rec.Predecessor != nil && *rec.Predecessor == cur.ID()
}

// authorizeGrant checks that rec's issuer may grant on its domain.
func (m *Manager) authorizeGrant(rec *Record, a *Agreement) error {
	if a != nil {
		if m.agreer == nil {
			return errors.Wrapf(ErrUnauthorized, "no agreer to verify %s", rec.ID())
		}

		value, err := codec.Marshal(rec)
		if err != nil {
			return err
		}

		if !m.agreer.VerifyAgreement(value, a) {
			return errors.Wrapf(ErrInvalidSignature, "agreement for %s in group %s", rec.ID(), a.Group)
		}

		return nil
	}

	if len(rec.Approvals) > 0 {
		return m.VerifyChain(rec.Approvals, rec.Domain, rec.Issuer, rec.Updated)
	}

	if m.root != "" && rec.Issuer == m.root {
		return nil
	}

	g, err := m.groups.Resolve(rec.Domain)
	if err != nil {
		return errors.Wrapf(ErrUnauthorized, "%s: %v", rec.Domain, err)
	}

	if !g.IsMember(rec.Issuer) {
		return errors.Wrapf(ErrUnauthorized, "%s is not a member of %s", rec.Issuer, g.ID)
	}

	return nil
}

// ValidateGrant is the check an arbitrator runs before signing a consensus
// grant proposed for this group's scope. value is the encoded record.
//
// A record that passes is reserved: until it is fenced, expires or the
// reservation window passes, no other grant on its domain validates here.
func (m *Manager) ValidateGrant(value []byte) error {
	var rec Record
	if err := codec.Unmarshal(value, &rec); err != nil {
		return errors.Wrap(err, "decode proposed grant")
	}

	if _, err := domain.Parse(string(rec.Domain)); err != nil {
		return err
	}

	if err := m.verifyRecord(&rec); err != nil {
		return err
	}

	if rec.Duration < m.cfg.MinDuration || rec.Duration > m.cfg.MaxDuration {
		return errors.Wrapf(ErrDurationOutOfBounds, "%s", rec.Duration)
	}

	g, err := m.groups.Resolve(rec.Domain)
	if err != nil || g.ID != m.groupID {
		return errors.Wrapf(ErrUnauthorized, "%s is outside group %s", rec.Domain, m.groupID)
	}

	if _, err := m.clock.Observe(rec.Updated); err != nil {
		return err
	}

	m.reserveMu.Lock()
	defer m.reserveMu.Unlock()

	now := m.clock.Now()

	if cur := m.table.get(rec.Domain); m.live(cur, now) && cur.ID() != rec.ID() {
		if !m.replaces(&rec, cur) {
			return conflict(rec.Domain, cur.ID())
		}

		if !m.issuerAuthorized(rec.Issuer, rec.Domain) {
			return errors.Wrapf(ErrUnauthorized, "%s may not replace %s", rec.Issuer, cur.ID())
		}
	}

	if res, ok := m.reserved[rec.Domain]; ok && res.id != rec.ID() && now.Less(res.until) && m.table.fenced(res.id) == nil {
		return errors.Wrapf(conflict(rec.Domain, res.id), "pending grant")
	}

	until := now.Add(m.cfg.ReservationWindow)
	if rec.Expiry.Less(until) {
		until = rec.Expiry
	}

	m.reserved[rec.Domain] = reservation{id: rec.ID(), until: until}

	return nil
}

// pruneReservations drops reservations that no longer block a domain.
func (m *Manager) pruneReservations(now hlc.Timestamp) {
	m.reserveMu.Lock()
	defer m.reserveMu.Unlock()

	for d, res := range m.reserved {
		if !now.Less(res.until) || m.table.fenced(res.id) != nil {
			delete(m.reserved, d)
		}
	}
}
