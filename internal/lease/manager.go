package lease

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
	"Stratum/internal/crypto"
	"Stratum/internal/domain"
	"Stratum/internal/group"
	"Stratum/internal/hlc"
	"Stratum/internal/logger"
	"Stratum/internal/metrics"
)

const (
	// DefaultDuration is the lease length when a request does not name one.
	DefaultDuration = 30 * time.Second

	// MinDuration is the shortest lease that may be requested.
	MinDuration = 10 * time.Second

	// MaxDuration is the longest lease that may be requested.
	MaxDuration = 300 * time.Second

	// DefaultFencePropagationMargin separates a fence from the next holder's start.
	DefaultFencePropagationMargin = 2 * time.Second

	// DefaultFenceAckTimeout bounds the wait for a fenced holder's acknowledgment.
	DefaultFenceAckTimeout = 3 * time.Second

	// DefaultTombstoneGrace keeps expired records around before cleanup.
	DefaultTombstoneGrace = 30 * time.Second

	// DefaultReservationWindow is how long an arbitrator holds a domain for
	// a grant it signed.
	DefaultReservationWindow = 5 * time.Second
)

// Config holds lease timing parameters.
type Config struct {
	DefaultDuration        time.Duration // DefaultDuration applies when a request passes zero
	MinDuration            time.Duration // MinDuration is the lower request bound
	MaxDuration            time.Duration // MaxDuration is the upper request bound
	FencePropagationMargin time.Duration // FencePropagationMargin delays a migrated lease's start
	FenceAckTimeout        time.Duration // FenceAckTimeout bounds the migration ack wait
	TombstoneGrace         time.Duration // TombstoneGrace delays removal of expired records
	ReservationWindow      time.Duration // ReservationWindow outlasts every consensus round of a signed grant
}

// DefaultConfig returns the standard timing parameters.
func DefaultConfig() Config {
	return Config{
		DefaultDuration:        DefaultDuration,
		MinDuration:            MinDuration,
		MaxDuration:            MaxDuration,
		FencePropagationMargin: DefaultFencePropagationMargin,
		FenceAckTimeout:        DefaultFenceAckTimeout,
		TombstoneGrace:         DefaultTombstoneGrace,
		ReservationWindow:      DefaultReservationWindow,
	}
}

// Broadcaster floods encoded messages to every peer.
type Broadcaster interface {
	Flood(data []byte) error
}

// Agreer runs consensus in the group owning a domain.
type Agreer interface {
	// Agree commits value for d in the named group and returns the commit evidence.
	Agree(ctx context.Context, groupID string, d domain.Domain, value []byte) (*Agreement, error)

	// VerifyAgreement checks commit evidence for value.
	VerifyAgreement(value []byte, a *Agreement) bool
}

// Manager owns the lease table for one consensus group. Managers for
// different groups share nothing and can run side by side in one process.
type Manager struct {
	cfg     Config
	signer  *crypto.Signer   // signer signs records and certificates as this node
	keys    *crypto.Keyring  // keys verifies peers
	clock   *hlc.Clock       // clock stamps every grant, renewal and fence
	groups  *group.Index     // groups resolves domain ownership
	groupID string           // groupID is the local consensus group
	root    crypto.Identity  // root is the authority every delegation chain starts from
	store   *Store           // store persists the table, nil for memory-only
	agreer  Agreer           // agreer orders grants through consensus, may be nil
	out     Broadcaster      // out floods fences, acks and grants, may be nil
	metrics *metrics.Metrics // metrics is nil-safe
	onHeld  func(*Proof)     // onHeld sees leases of this node installed by peers
	log     *slog.Logger

	table table

	reserveMu sync.Mutex
	reserved  map[domain.Domain]reservation // reserved are grants this node signed as arbitrator

	beforeRenewSwap func() // beforeRenewSwap runs between a renewal's fence check and its swap

	chainsMu sync.RWMutex
	chains   [][]DelegationApproval // chains are approvals granted to this node

	ackMu   sync.Mutex
	waiters map[LeaseID]chan struct{} // waiters are pending migrations
	acked   sync.Map                  // acked maps LeaseID to struct{} once acknowledged
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides timing parameters.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithStore persists the table and restores it on creation.
func WithStore(s *Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithAgreer orders grants through consensus in the owning group, the
// local one included.
func WithAgreer(a Agreer) Option {
	return func(m *Manager) {
		m.agreer = a
	}
}

// WithBroadcaster enables flooding of fences, acks and grants.
func WithBroadcaster(b Broadcaster) Option {
	return func(m *Manager) {
		m.out = b
	}
}

// WithMetrics records lease metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithOnHeld calls fn with every lease held by this node that a peer
// grants, renews or reconciles into the table.
func WithOnHeld(fn func(*Proof)) Option {
	return func(m *Manager) {
		m.onHeld = fn
	}
}

// WithRoot names the root authority for delegation chains.
func WithRoot(id crypto.Identity) Option {
	return func(m *Manager) {
		m.root = id
	}
}

// New creates a manager for groupID. With a store, persisted records and
// fences are loaded and the clock is advanced past them.
func New(signer *crypto.Signer, keys *crypto.Keyring, clock *hlc.Clock, groups *group.Index, groupID string, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:     DefaultConfig(),
		signer:  signer,
		keys:    keys,
		clock:   clock,
		groups:  groups,
		groupID: groupID,
		waiters:  make(map[LeaseID]chan struct{}),
		reserved: make(map[domain.Domain]reservation),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.log = logger.Component("lease").With("group", groupID, "node", string(signer.Identity()))

	if m.store != nil {
		if err := m.restore(); err != nil {
			return nil, errors.Wrap(err, "restore lease table")
		}
	}

	return m, nil
}

// Self returns this node's identity.
func (m *Manager) Self() crypto.Identity {
	return m.signer.Identity()
}

// Clock returns the manager's clock.
func (m *Manager) Clock() *hlc.Clock {
	return m.clock
}

type requestOptions struct {
	approvals []DelegationApproval
}

// RequestOption adjusts a single RequestLease call.
type RequestOption func(*requestOptions)

// WithApprovals presents a delegation chain authorizing this node for the domain.
func WithApprovals(chain []DelegationApproval) RequestOption {
	return func(o *requestOptions) {
		o.approvals = chain
	}
}

// RequestLease grants holder exclusive write authority over d.
//
// Inside the local group's scope the group's arbitrators agree on the grant
// when an agreer is set, so members granting at once cannot both win;
// without one the local table decides. Outside it a valid delegation chain
// ending at this node allows a local grant, otherwise the owning group must
// agree through consensus. A live lease on exactly d is a conflict; leases
// on enclosing domains are overridden.
func (m *Manager) RequestLease(ctx context.Context, d domain.Domain, holder crypto.Identity, duration time.Duration, opts ...RequestOption) (*Proof, error) {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	if duration == 0 {
		duration = m.cfg.DefaultDuration
	}

	if duration < m.cfg.MinDuration || duration > m.cfg.MaxDuration {
		return nil, errors.Wrapf(ErrDurationOutOfBounds, "%s not in [%s, %s]", duration, m.cfg.MinDuration, m.cfg.MaxDuration)
	}

	d, err := domain.Parse(string(d))
	if err != nil {
		return nil, err
	}

	path, chain, owner, err := m.grantPath(d, ro.approvals)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	cur := m.table.get(d)

	if m.live(cur, now) {
		m.metrics.Conflict()
		return nil, conflict(d, cur.ID())
	}

	rec := &Record{
		Domain:    d,
		Holder:    holder,
		Start:     now,
		Expiry:    capExpiry(now.Add(duration), chain),
		Duration:  duration,
		Issuer:    m.Self(),
		Group:     owner,
		Approvals: chain,
		Updated:   now,
	}
	m.sign(rec)

	var agreement *Agreement

	if path == "consensus" || (path == "local" && m.agreer != nil) {
		value, err := codec.Marshal(rec)
		if err != nil {
			return nil, err
		}

		agreement, err = m.agreer.Agree(ctx, owner, d, value)
		if err != nil {
			return nil, errors.Wrapf(err, "agree grant of %s in group %s", d, owner)
		}
	}

	// The slot may have been cleaned up or taken while the group agreed.
	for !m.table.cas(d, cur, rec) {
		cur = m.table.get(d)

		if cur != nil && cur.ID() == rec.ID() {
			break
		}

		if m.live(cur, m.clock.Now()) {
			m.metrics.Conflict()
			return nil, conflict(d, cur.ID())
		}
	}

	proof := &Proof{Record: *rec.Clone(), Agreement: agreement}
	m.table.remember(proof)
	m.persist(rec)
	m.metrics.Grant(path)

	m.announce(codec.TypeLeaseGrant, proof)

	m.log.Info("lease granted", "domain", d, "holder", holder, "path", path, "expiry", rec.Expiry)

	return proof, nil
}

// grantPath decides how a grant for d is authorized.
func (m *Manager) grantPath(d domain.Domain, presented []DelegationApproval) (path string, chain []DelegationApproval, owner string, err error) {
	g, resolveErr := m.groups.Resolve(d)
	if resolveErr == nil && g.ID == m.groupID {
		return "local", nil, g.ID, nil
	}

	if presented != nil {
		if err := m.VerifyChain(presented, d, m.Self(), m.clock.Now()); err != nil {
			return "", nil, "", err
		}

		return "delegated", presented, m.groupID, nil
	}

	if held := m.chainFor(d); held != nil {
		return "delegated", held, m.groupID, nil
	}

	if m.agreer != nil && resolveErr == nil {
		return "consensus", nil, g.ID, nil
	}

	if resolveErr != nil {
		return "", nil, "", errors.Wrapf(ErrUnauthorized, "%s: %v", d, resolveErr)
	}

	return "", nil, "", errors.Wrapf(ErrUnauthorized, "%s is owned by group %s", d, g.ID)
}

// RenewLease extends a live lease held by caller. The new expiry is the
// renewal time plus the lease's duration; the lease id does not change.
// The renewal is signed by this node, which must be the holder or have
// authority to renew the lease.
func (m *Manager) RenewLease(id LeaseID, caller crypto.Identity) (*Proof, error) {
	if m.table.fenced(id) != nil {
		return nil, errors.Wrapf(ErrAlreadyFenced, "renew %s", id)
	}

	if caller != id.Holder {
		return nil, errors.Wrapf(ErrNotHolder, "%s renewing %s", caller, id)
	}

	d, ok := m.table.lookup(id)
	if !ok {
		return nil, errors.Wrapf(ErrLeaseNotFound, "%s", id)
	}

	for {
		cur := m.table.get(d)
		if cur == nil {
			return nil, errors.Wrapf(ErrLeaseNotFound, "%s", id)
		}

		if cur.ID() != id {
			return nil, errors.Wrapf(ErrLeaseSuperseded, "%s replaced by %s", id, cur.ID())
		}

		if !m.mayRenew(m.Self(), cur, nil) {
			return nil, errors.Wrapf(ErrUnauthorized, "%s may not renew %s", m.Self(), id)
		}

		now := m.clock.Now()
		if !now.Less(cur.Expiry) {
			return nil, errors.Wrapf(ErrLeaseExpired, "%s expired at %s", id, cur.Expiry)
		}

		next := cur.Clone()
		next.Expiry = capExpiry(now.Add(cur.Duration), cur.Approvals)
		next.Updated = now
		next.Issuer = m.Self()
		m.sign(next)

		if m.table.fenced(id) != nil {
			return nil, errors.Wrapf(ErrAlreadyFenced, "renew %s", id)
		}

		if m.beforeRenewSwap != nil {
			m.beforeRenewSwap()
		}

		if !m.table.cas(d, cur, next) {
			continue
		}

		// A fence stored after the check above wins over the renewal.
		if m.table.fenced(id) != nil {
			return nil, errors.Wrapf(ErrAlreadyFenced, "renew %s", id)
		}

		m.persist(next)
		m.metrics.Renewal()

		proof := m.proofOf(next)
		m.announce(codec.TypeLeaseGrant, proof)

		m.log.Debug("lease renewed", "lease", id, "expiry", next.Expiry)

		return proof, nil
	}
}

// VerifyCaller checks that caller signed op on id. A node acting for
// itself needs no signature.
func (m *Manager) VerifyCaller(caller crypto.Identity, op string, id LeaseID, sig []byte) error {
	if caller == m.Self() {
		return nil
	}

	if !m.keys.Verify(caller, CallerPayload(op, id), sig) {
		return errors.Wrapf(ErrNotHolder, "%s did not sign %s of %s", caller, op, id)
	}

	return nil
}

// CheckWrite reports whether the lease id currently authorizes a write to d.
// It only reads local state.
func (m *Manager) CheckWrite(d domain.Domain, id LeaseID) error {
	if m.table.fenced(id) != nil {
		return errors.Wrapf(ErrLeaseFenced, "%s", id)
	}

	home, ok := m.table.lookup(id)
	if !ok || !home.Covers(d) {
		return errors.Wrapf(ErrLeaseNotFound, "%s for %s", id, d)
	}

	rec := m.table.get(home)
	if rec == nil {
		return errors.Wrapf(ErrLeaseNotFound, "%s", id)
	}

	if rec.ID() != id {
		return errors.Wrapf(ErrLeaseSuperseded, "%s replaced by %s", id, rec.ID())
	}

	now := m.clock.Now()

	if !now.Less(rec.Expiry) {
		return errors.Wrapf(ErrLeaseExpired, "%s expired at %s", id, rec.Expiry)
	}

	if now.Less(rec.Start) {
		return errors.Wrapf(ErrLeaseNotYetValid, "%s starts at %s", id, rec.Start)
	}

	// A live lease on a more specific domain between d and home takes precedence.
	for _, anc := range d.Ancestors() {
		if anc == home {
			break
		}

		if other := m.table.get(anc); m.live(other, now) {
			return errors.Wrapf(ErrLeaseSuperseded, "%s overridden on %s by %s", id, anc, other.ID())
		}
	}

	return nil
}

// Release gives up a lease before its expiry. The lease is fenced with a
// certificate signed by this node, so no merge can bring it back.
func (m *Manager) Release(id LeaseID, caller crypto.Identity) error {
	if caller != id.Holder {
		return errors.Wrapf(ErrNotHolder, "%s releasing %s", caller, id)
	}

	d, ok := m.table.lookup(id)
	if !ok {
		return errors.Wrapf(ErrLeaseNotFound, "%s", id)
	}

	cur := m.table.get(d)
	if cur == nil || cur.ID() != id {
		return errors.Wrapf(ErrLeaseSuperseded, "%s", id)
	}

	if m.Self() != id.Holder && !m.authorizedFor(d) {
		return errors.Wrapf(ErrUnauthorizedFence, "%s may not release %s", m.Self(), id)
	}

	if _, err := m.revoke(cur, "released", ""); err != nil {
		return errors.Wrapf(err, "release %s", id)
	}

	if m.table.cas(d, cur, nil) {
		m.table.forget(id)

		if m.store != nil {
			if err := m.store.DeleteRecord(d); err != nil {
				m.log.Warn("delete released lease", "lease", id, "error", err)
			}
		}
	}

	m.recount()
	m.log.Info("lease released", "domain", d, "lease", id)

	return nil
}

// Lookup returns the current record for d.
func (m *Manager) Lookup(d domain.Domain) (*Record, bool) {
	r := m.table.get(d)
	if r == nil {
		return nil, false
	}

	return r.Clone(), true
}

// Covering returns the most specific live lease covering d.
func (m *Manager) Covering(d domain.Domain) (*Record, bool) {
	now := m.clock.Now()

	for _, anc := range d.Ancestors() {
		if r := m.table.get(anc); m.live(r, now) {
			return r.Clone(), true
		}
	}

	return nil, false
}

// Leases lists every record in the table.
func (m *Manager) Leases() []*Record {
	var out []*Record

	m.table.each(func(_ domain.Domain, r *Record) bool {
		out = append(out, r.Clone())
		return true
	})

	return out
}

// HeldLeases lists the live leases held by this node.
func (m *Manager) HeldLeases() []*Proof {
	now := m.clock.Now()

	var out []*Proof

	m.table.each(func(_ domain.Domain, r *Record) bool {
		if r.Holder == m.Self() && m.live(r, now) {
			out = append(out, m.proofOf(r))
		}

		return true
	})

	return out
}

// LeasesNeedingRenewal lists holder's live leases expiring within window.
func (m *Manager) LeasesNeedingRenewal(holder crypto.Identity, window time.Duration) []*Record {
	now := m.clock.Now()
	horizon := now.Add(window)

	var out []*Record

	m.table.each(func(_ domain.Domain, r *Record) bool {
		if r.Holder == holder && m.live(r, now) && r.Expiry.Less(horizon) {
			out = append(out, r.Clone())
		}

		return true
	})

	return out
}

// Cleanup removes records that expired more than the tombstone grace ago
// and returns how many it removed. Fence certificates are kept.
func (m *Manager) Cleanup() int {
	now := m.clock.Now()
	removed := 0

	m.table.each(func(d domain.Domain, r *Record) bool {
		if !r.Expiry.Add(m.cfg.TombstoneGrace).Less(now) {
			return true
		}

		if m.table.cas(d, r, nil) {
			m.table.forget(r.ID())
			removed++

			if m.store != nil {
				if err := m.store.DeleteRecord(d); err != nil {
					m.log.Warn("delete tombstoned lease", "domain", d, "error", err)
				}
			}
		}

		return true
	})

	m.pruneReservations(now)

	if removed > 0 {
		m.recount()
		m.log.Debug("lease cleanup", "removed", removed)
	}

	return removed
}

// live reports whether r is set, unfenced and unexpired at now. Pending
// records whose start lies ahead count as live.
func (m *Manager) live(r *Record, now hlc.Timestamp) bool {
	return r != nil && m.table.fenced(r.ID()) == nil && now.Less(r.Expiry)
}

// recount refreshes the live lease gauge.
func (m *Manager) recount() {
	now := m.clock.Last()
	n := 0

	m.table.each(func(_ domain.Domain, r *Record) bool {
		if m.live(r, now) {
			n++
		}

		return true
	})

	m.metrics.SetActive(n)
}

func (m *Manager) sign(r *Record) {
	r.Signature = m.signer.Sign(r.signingPayload())
}

// verifyRecord checks the issuer's signature over r.
func (m *Manager) verifyRecord(r *Record) error {
	if !m.keys.Verify(r.Issuer, r.signingPayload(), r.Signature) {
		return errors.Wrapf(ErrInvalidSignature, "lease %s issued by %s", r.ID(), r.Issuer)
	}

	return nil
}

func (m *Manager) persist(r *Record) {
	if m.store == nil {
		return
	}

	if err := m.store.PutLease(m.proofOf(r)); err != nil {
		m.log.Warn("persist lease", "lease", r.ID(), "error", err)
	}
}

// proofOf pairs r with the agreement that granted it, if any.
func (m *Manager) proofOf(r *Record) *Proof {
	p := &Proof{Record: *r.Clone()}

	origin := m.table.origin(r.ID())
	if origin == nil {
		return p
	}

	p.Agreement = origin.Agreement
	if !bytes.Equal(origin.Record.Signature, r.Signature) {
		p.Origin = origin.Record.Clone()
	}

	return p
}

// installed hands a peer-installed lease of this node to the onHeld hook.
func (m *Manager) installed(r *Record) {
	if m.onHeld != nil && r.Holder == m.Self() {
		m.onHeld(m.proofOf(r))
	}
}

// announce floods a message if a broadcaster is configured.
func (m *Manager) announce(t codec.Type, v any) {
	if m.out == nil {
		return
	}

	frame, err := codec.Encode(t, v)
	if err != nil {
		m.log.Warn("encode announcement", "type", t, "error", err)
		return
	}

	if err := m.out.Flood(frame); err != nil {
		m.log.Warn("flood announcement", "type", t, "error", err)
	}
}

// Snapshot writes every record and fence certificate to the store.
func (m *Manager) Snapshot() error {
	if m.store == nil {
		return errors.New("lease manager has no store")
	}

	var errs error

	m.table.each(func(_ domain.Domain, r *Record) bool {
		errs = errors.CombineErrors(errs, m.store.PutLease(m.proofOf(r)))
		return true
	})

	m.table.eachFence(func(c *FenceCertificate) bool {
		errs = errors.CombineErrors(errs, m.store.PutFence(c))
		return true
	})

	return errs
}

// Restore reloads persisted state into the table. Records already present
// are kept; fences are always merged in.
func (m *Manager) Restore() error {
	if m.store == nil {
		return errors.New("lease manager has no store")
	}

	return m.restore()
}

// restore loads persisted state and advances the clock past it.
func (m *Manager) restore() error {
	records, fences, err := m.store.Load()
	if err != nil {
		return err
	}

	floor := hlc.Zero

	for _, c := range fences {
		m.table.fence(c)
		floor = hlc.Max(floor, c.FenceTime)
	}

	for _, p := range records {
		r := p.Record.Clone()
		m.table.remember(p)
		m.table.cas(r.Domain, nil, r)
		floor = hlc.Max(floor, hlc.Max(r.Updated, r.Start))
	}

	m.clock.Advance(floor)
	m.recount()

	m.log.Info("lease table restored", "records", len(records), "fences", len(fences))

	return nil
}
