package lease

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
	"Stratum/internal/crypto"
	"Stratum/internal/domain"
	"Stratum/internal/hlc"
)

// Fence permanently revokes the current lease on d. Fencing an already
// fenced lease returns the existing certificate.
func (m *Manager) Fence(d domain.Domain, reason string) (*FenceCertificate, error) {
	return m.fence(d, reason, "")
}

func (m *Manager) fence(d domain.Domain, reason string, next crypto.Identity) (*FenceCertificate, error) {
	if !m.authorizedFor(d) {
		return nil, errors.Wrapf(ErrUnauthorizedFence, "%s has no authority over %s", m.Self(), d)
	}

	cur := m.table.get(d)
	if cur == nil {
		return nil, errors.Wrapf(ErrLeaseNotFound, "no lease on %s", d)
	}

	return m.revoke(cur, reason, next)
}

// revoke issues and floods a fence certificate for r signed by this node.
func (m *Manager) revoke(r *Record, reason string, next crypto.Identity) (*FenceCertificate, error) {
	d := r.Domain

	if existing := m.table.fenced(r.ID()); existing != nil {
		return existing, nil
	}

	cert := &FenceCertificate{
		Domain:     d,
		Fenced:     r.ID(),
		FenceTime:  m.clock.Now(),
		Issuer:     m.Self(),
		NextHolder: next,
		Reason:     reason,
	}
	cert.Signature = m.signer.Sign(cert.signingPayload())

	stored, fresh := m.table.fence(cert)
	if !fresh {
		return stored, nil
	}

	if m.store != nil {
		if err := m.store.PutFence(cert); err != nil {
			return nil, errors.Wrapf(err, "persist fence of %s", cert.Fenced)
		}
	}

	m.metrics.Fence()
	m.announce(codec.TypeFence, cert)

	m.log.Info("lease fenced", "domain", d, "lease", cert.Fenced, "reason", reason)

	// A node fencing its own lease acknowledges immediately.
	if cert.Fenced.Holder == m.Self() {
		m.acknowledge(cert)
	}

	return cert, nil
}

// IsFenced reports whether id has been fenced. It takes no locks.
func (m *Manager) IsFenced(id LeaseID) bool {
	return m.table.fenced(id) != nil
}

// FenceOf returns the certificate that fenced id.
func (m *Manager) FenceOf(id LeaseID) (*FenceCertificate, bool) {
	c := m.table.fenced(id)
	return c, c != nil
}

// Fences lists every recorded certificate.
func (m *Manager) Fences() []*FenceCertificate {
	var out []*FenceCertificate

	m.table.eachFence(func(c *FenceCertificate) bool {
		out = append(out, c)
		return true
	})

	return out
}

// ApplyFence records a certificate received from a peer. The signature must
// verify and the issuer must have authority over the domain or be the
// holder giving up its own lease. A holder receiving the fence of its own
// lease floods an acknowledgment.
func (m *Manager) ApplyFence(cert *FenceCertificate) error {
	if !m.keys.Verify(cert.Issuer, cert.signingPayload(), cert.Signature) {
		return errors.Wrapf(ErrInvalidSignature, "fence of %s by %s", cert.Fenced, cert.Issuer)
	}

	if cert.Issuer != cert.Fenced.Holder && !m.issuerAuthorized(cert.Issuer, cert.Domain) {
		return errors.Wrapf(ErrUnauthorizedFence, "%s has no authority over %s", cert.Issuer, cert.Domain)
	}

	if _, err := m.clock.Observe(cert.FenceTime); err != nil {
		return err
	}

	if _, fresh := m.table.fence(cert); !fresh {
		return nil
	}

	if m.store != nil {
		if err := m.store.PutFence(cert); err != nil {
			return errors.Wrapf(err, "persist fence of %s", cert.Fenced)
		}
	}

	m.metrics.Fence()
	m.log.Info("fence applied", "domain", cert.Domain, "lease", cert.Fenced, "issuer", cert.Issuer)

	if cert.Fenced.Holder == m.Self() {
		m.acknowledge(cert)
	}

	return nil
}

// acknowledge records and floods this node's ack of a fence on its own lease.
func (m *Manager) acknowledge(cert *FenceCertificate) {
	ack := &FenceAck{
		Domain: cert.Domain,
		Fenced: cert.Fenced,
		At:     m.clock.Now(),
		From:   m.Self(),
	}
	ack.Signature = m.signer.Sign(ack.signingPayload())

	m.markAcked(cert.Fenced)
	m.announce(codec.TypeFenceAck, ack)
}

// HandleFenceAck records a fenced holder's acknowledgment and wakes any
// migration waiting on it.
func (m *Manager) HandleFenceAck(ack *FenceAck) error {
	if ack.From != ack.Fenced.Holder {
		return errors.Wrapf(ErrNotHolder, "%s acknowledging %s", ack.From, ack.Fenced)
	}

	if !m.keys.Verify(ack.From, ack.signingPayload(), ack.Signature) {
		return errors.Wrapf(ErrInvalidSignature, "ack of %s", ack.Fenced)
	}

	if _, err := m.clock.Observe(ack.At); err != nil {
		return err
	}

	m.markAcked(ack.Fenced)

	return nil
}

func (m *Manager) markAcked(id LeaseID) {
	m.acked.Store(id, struct{}{})

	m.ackMu.Lock()
	if ch, ok := m.waiters[id]; ok {
		close(ch)
		delete(m.waiters, id)
	}
	m.ackMu.Unlock()
}

// awaitAck blocks until id is acknowledged, the timeout passes or ctx ends.
// It reports whether the ack arrived.
func (m *Manager) awaitAck(ctx context.Context, id LeaseID, timeout time.Duration) bool {
	m.ackMu.Lock()

	if _, ok := m.acked.Load(id); ok {
		m.ackMu.Unlock()
		return true
	}

	ch, ok := m.waiters[id]
	if !ok {
		ch = make(chan struct{})
		m.waiters[id] = ch
	}
	m.ackMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Migrate moves the lease on d to newHolder. The current holder is fenced
// first; the new lease starts no earlier than the fence time plus the
// propagation margin, and no earlier than the old expiry when the old
// holder did not acknowledge in time. Inside the local scope the successor
// is agreed by the group like any other grant.
func (m *Manager) Migrate(ctx context.Context, d domain.Domain, newHolder crypto.Identity) (*Proof, error) {
	old := m.table.get(d)
	if old == nil {
		return nil, errors.Wrapf(ErrLeaseNotFound, "no lease on %s", d)
	}

	cert, err := m.fence(d, "migrate", newHolder)
	if err != nil {
		return nil, err
	}

	// The slot may have moved on between the read and the fence.
	if cert.Fenced != old.ID() {
		return nil, errors.Wrapf(ErrLeaseSuperseded, "%s replaced by %s during migration", old.ID(), cert.Fenced)
	}

	acked := m.awaitAck(ctx, old.ID(), m.cfg.FenceAckTimeout)
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrapf(err, "migrate %s", d)
	}

	start := cert.FenceTime.Add(m.cfg.FencePropagationMargin)
	if !acked {
		start = hlc.Max(start, old.Expiry)
		m.log.Warn("fence not acknowledged, waiting out old lease", "domain", d, "lease", old.ID(), "start", start)
	}

	now := m.clock.Now()
	if start.Less(now) {
		start = now
	}

	pred := old.ID()
	rec := &Record{
		Domain:      d,
		Holder:      newHolder,
		Start:       start,
		Expiry:      capExpiry(start.Add(old.Duration), old.Approvals),
		Duration:    old.Duration,
		Issuer:      m.Self(),
		Group:       old.Group,
		Predecessor: &pred,
		Approvals:   old.Approvals,
		Updated:     now,
	}
	m.sign(rec)

	var agreement *Agreement

	if g, err := m.groups.Resolve(d); m.agreer != nil && err == nil && g.ID == m.groupID {
		value, err := codec.Marshal(rec)
		if err != nil {
			return nil, err
		}

		agreement, err = m.agreer.Agree(ctx, g.ID, d, value)
		if err != nil {
			return nil, errors.Wrapf(err, "agree migration of %s", d)
		}
	}

	if !m.table.cas(d, old, rec) {
		if winner := m.table.get(d); winner != nil {
			return nil, conflict(d, winner.ID())
		}

		return nil, errors.Wrapf(ErrLeaseConflict, "concurrent update of %s", d)
	}

	proof := &Proof{Record: *rec.Clone(), Agreement: agreement}
	m.table.remember(proof)
	m.persist(rec)
	m.metrics.Grant("migrate")

	m.announce(codec.TypeLeaseGrant, proof)

	m.log.Info("lease migrated", "domain", d, "from", old.Holder, "to", newHolder, "start", start, "acked", acked)

	return proof, nil
}

// authorizedFor reports whether this node may fence or grant on d.
func (m *Manager) authorizedFor(d domain.Domain) bool {
	if m.root != "" && m.Self() == m.root {
		return true
	}

	if g, err := m.groups.Resolve(d); err == nil && g.ID == m.groupID && g.IsMember(m.Self()) {
		return true
	}

	return m.chainFor(d) != nil
}

// issuerAuthorized reports whether a remote issuer may fence d.
func (m *Manager) issuerAuthorized(issuer crypto.Identity, d domain.Domain) bool {
	if m.root != "" && issuer == m.root {
		return true
	}

	g, err := m.groups.Resolve(d)

	return err == nil && g.IsMember(issuer)
}
