package bft

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"Stratum/internal/codec"
	"Stratum/internal/crypto"
	"Stratum/internal/group"
	"Stratum/internal/hlc"
	"Stratum/internal/logger"
	"Stratum/internal/metrics"
)

const (
	// DefaultMaxRTT is the assumed worst round trip between arbitrators.
	DefaultMaxRTT = 250 * time.Millisecond

	// DefaultRoundTimeoutFloor is the shortest round timeout.
	DefaultRoundTimeoutFloor = time.Second

	// DefaultRetryLimit is how many extra rounds Agree runs after a timeout.
	DefaultRetryLimit = 3

	// finishedCacheSize bounds how many terminal rounds are remembered.
	finishedCacheSize = 4096

	// finishedTTL is how long a terminal round absorbs late messages.
	finishedTTL = 10 * time.Minute

	// signedLimit bounds how many rounds keep this node's signed hash.
	signedLimit = finishedCacheSize
)

var (
	// ErrConsensusTimeout is returned when no round commits within the retry limit.
	ErrConsensusTimeout = errors.New("consensus timeout")

	// ErrStaleRound is returned for messages of a round superseded by a newer one.
	ErrStaleRound = errors.New("stale round")

	// ErrInvalidProposal is returned for proposals that fail verification.
	ErrInvalidProposal = errors.New("invalid proposal")

	// ErrInvalidShare is returned for shares that fail verification.
	ErrInvalidShare = errors.New("invalid share")

	// ErrInvalidCommit is returned for commits whose aggregate does not verify.
	ErrInvalidCommit = errors.New("invalid commit")

	// ErrWrongGroup is returned for messages addressed to another group.
	ErrWrongGroup = errors.New("message for another group")
)

// Broadcaster floods encoded messages to every peer.
type Broadcaster interface {
	Flood(data []byte) error
}

// ProofValidator checks a proposed value before an arbitrator signs it.
type ProofValidator interface {
	ValidateProposal(value []byte) error
}

// ValidatorFunc adapts a function to ProofValidator.
type ValidatorFunc func(value []byte) error

// ValidateProposal implements ProofValidator.
func (f ValidatorFunc) ValidateProposal(value []byte) error {
	return f(value)
}

// Config holds round timing.
type Config struct {
	MaxRTT            time.Duration // MaxRTT is the assumed worst round trip
	RoundTimeoutFloor time.Duration // RoundTimeoutFloor bounds the timeout from below
	RetryLimit        int           // RetryLimit is the number of retries after the first round
	RetryBackoff      time.Duration // RetryBackoff is the base for jittered backoff between rounds
}

// DefaultConfig returns the standard timing.
func DefaultConfig() Config {
	return Config{
		MaxRTT:            DefaultMaxRTT,
		RoundTimeoutFloor: DefaultRoundTimeoutFloor,
		RetryLimit:        DefaultRetryLimit,
		RetryBackoff:      50 * time.Millisecond,
	}
}

// RoundTimeout is max(2*MaxRTT, RoundTimeoutFloor).
func (c Config) RoundTimeout() time.Duration {
	return max(2*c.MaxRTT, c.RoundTimeoutFloor)
}

// Round is the state of one round number.
type Round struct {
	Number   uint64
	Key      string
	Value    []byte
	Hash     Hash
	Proposer crypto.Identity
	Status   Status
	Commit   *Commit

	shares  map[Hash]map[crypto.Identity]Share // shares are grouped by the value hash they sign
	done    chan struct{}                      // done closes on commit or timeout
	timer   *time.Timer
	started time.Time
}

// Engine runs rounds for one consensus group. Engines for different groups
// share nothing.
type Engine struct {
	cfg       Config
	group     *group.Group
	roster    []crypto.Identity // roster fixes share indices
	rosterBLS [][]byte          // rosterBLS are the BLS keys in roster order
	signer    *crypto.Signer
	keys      *crypto.Keyring
	clock     *hlc.Clock
	validator ProofValidator // validator may be nil, accepting every value
	out       Broadcaster    // out may be nil for a single isolated engine
	metrics   *metrics.Metrics
	log       *slog.Logger

	mu       sync.Mutex
	rounds   map[uint64]*Round
	next     uint64                                // next is the highest round number seen
	latest   map[string]uint64                     // latest is the newest round per key
	signed   map[uint64]Hash                       // signed is the hash this node signed per round
	floor    uint64                                // floor is the highest round pruned from signed
	limit    int                                   // limit caps the size of signed
	finished *expirable.LRU[uint64, *Round]        // finished holds terminal rounds
	evidence map[crypto.Identity][]Evidence        // evidence lists equivocations by arbitrator
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides round timing.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithValidator sets the check run before signing a proposal.
func WithValidator(v ProofValidator) Option {
	return func(e *Engine) {
		e.validator = v
	}
}

// WithBroadcaster sets the flood transport.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) {
		e.out = b
	}
}

// WithMetrics records round metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an engine for g. signer may belong to a non-member, in
// which case the engine proposes, combines and verifies but never signs.
func NewEngine(g *group.Group, signer *crypto.Signer, keys *crypto.Keyring, clock *hlc.Clock, opts ...Option) (*Engine, error) {
	g = g.Clone()
	roster := g.Roster()

	blsKeys, err := keys.BLSKeys(roster)
	if err != nil {
		return nil, errors.Wrapf(err, "roster keys for group %s", g.ID)
	}

	e := &Engine{
		cfg:       DefaultConfig(),
		group:     g,
		roster:    roster,
		rosterBLS: blsKeys,
		signer:    signer,
		keys:      keys,
		clock:     clock,
		rounds:    make(map[uint64]*Round),
		latest:    make(map[string]uint64),
		signed:    make(map[uint64]Hash),
		limit:     signedLimit,
		finished:  expirable.NewLRU[uint64, *Round](finishedCacheSize, nil, finishedTTL),
		evidence:  make(map[crypto.Identity][]Evidence),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.log = logger.Component("bft").With("group", g.ID, "node", string(signer.Identity()))

	return e, nil
}

// Group returns a copy of the engine's group.
func (e *Engine) Group() *group.Group {
	return e.group.Clone()
}

// IsArbitrator reports whether this node signs shares.
func (e *Engine) IsArbitrator() bool {
	return e.group.IsMember(e.signer.Identity())
}

// Propose opens a new round for value and floods it. key scopes staleness:
// older rounds for the same key are abandoned.
func (e *Engine) Propose(key string, value []byte) (uint64, error) {
	r, err := e.propose(key, value)
	if err != nil {
		return 0, err
	}

	return r.Number, nil
}

func (e *Engine) propose(key string, value []byte) (*Round, error) {
	msg := &Propose{
		Group:     e.group.ID,
		Key:       key,
		Value:     bytes.Clone(value),
		Hash:      HashValue(value),
		Proposer:  e.signer.Identity(),
		Timestamp: e.clock.Now(),
	}

	e.mu.Lock()
	e.next++
	msg.Round = e.next
	e.latest[key] = msg.Round

	r := e.roundLocked(msg.Round)
	e.adoptLocked(r, msg)
	e.mu.Unlock()

	msg.Signature = e.signer.Sign(msg.signingPayload())

	e.flood(codec.TypePropose, msg)
	e.log.Debug("round proposed", "round", msg.Round, "key", key)

	e.vote(r, msg)

	return r, nil
}

// HandlePropose processes a proposal from the network.
func (e *Engine) HandlePropose(p *Propose) error {
	if p.Group != e.group.ID {
		return errors.Wrapf(ErrWrongGroup, "%s", p.Group)
	}

	if HashValue(p.Value) != p.Hash {
		return errors.Wrapf(ErrInvalidProposal, "round %d: value hash mismatch", p.Round)
	}

	if !e.keys.Verify(p.Proposer, p.signingPayload(), p.Signature) {
		return errors.Wrapf(ErrInvalidProposal, "round %d: bad signature from %s", p.Round, p.Proposer)
	}

	if _, err := e.clock.Observe(p.Timestamp); err != nil {
		return err
	}

	e.mu.Lock()

	if e.finished.Contains(p.Round) {
		e.mu.Unlock()
		return nil
	}

	if e.latest[p.Key] > p.Round {
		e.mu.Unlock()
		return errors.Wrapf(ErrStaleRound, "round %d for %q, latest %d", p.Round, p.Key, e.latest[p.Key])
	}

	e.latest[p.Key] = p.Round
	e.next = max(e.next, p.Round)

	r := e.roundLocked(p.Round)
	e.adoptLocked(r, p)

	commit := e.tryCommitLocked(r)
	e.mu.Unlock()

	if commit != nil {
		e.flood(codec.TypeCommit, commit)
		return nil
	}

	e.vote(r, p)

	return nil
}

// vote signs and floods a share for p if this node is an arbitrator, the
// value validates and nothing else was signed in the round.
func (e *Engine) vote(r *Round, p *Propose) {
	self := e.signer.Identity()
	if !e.group.IsMember(self) {
		return
	}

	if !e.maySign(p) {
		return
	}

	if e.validator != nil {
		if err := e.validator.ValidateProposal(p.Value); err != nil {
			e.log.Warn("proposal rejected", "round", p.Round, "proposer", p.Proposer, "error", err)
			return
		}
	}

	e.mu.Lock()

	if !e.maySignLocked(p) {
		e.mu.Unlock()
		return
	}

	e.signed[p.Round] = p.Hash
	e.mu.Unlock()

	share := &Share{
		Group:      e.group.ID,
		Round:      p.Round,
		Key:        p.Key,
		Hash:       p.Hash,
		Arbitrator: self,
		Signature:  e.signer.SignShare(RoundDigest(e.group.ID, p.Round, p.Hash)),
	}

	e.flood(codec.TypeShare, share)

	if err := e.HandleShare(share); err != nil {
		e.log.Debug("own share not recorded", "round", p.Round, "error", err)
	}
}

func (e *Engine) maySign(p *Propose) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.maySignLocked(p)
}

// maySignLocked reports whether nothing was signed in p's round and the
// round lies above the pruned floor.
func (e *Engine) maySignLocked(p *Propose) bool {
	if p.Round <= e.floor {
		e.log.Debug("proposal below signing floor", "round", p.Round, "floor", e.floor)
		return false
	}

	if prev, ok := e.signed[p.Round]; ok {
		if prev != p.Hash {
			e.log.Warn("conflicting proposal ignored", "round", p.Round, "proposer", p.Proposer)
		}

		return false
	}

	return true
}

// pruneSignedLocked runs once signed outgrows limit. It forgets the hashes
// of finished rounds more than limit/2 rounds behind the newest and raises
// the floor past them.
func (e *Engine) pruneSignedLocked() {
	keep := uint64(e.limit / 2)
	if len(e.signed) <= e.limit || e.next <= keep {
		return
	}

	floor := e.next - keep

	for round := range e.signed {
		if _, open := e.rounds[round]; round <= floor && !open {
			delete(e.signed, round)
		}
	}

	e.floor = max(e.floor, floor)
}

// HandleShare records an arbitrator's share. Shares may arrive before the
// proposal and are buffered by round.
func (e *Engine) HandleShare(s *Share) error {
	if s.Group != e.group.ID {
		return errors.Wrapf(ErrWrongGroup, "%s", s.Group)
	}

	if !e.group.IsMember(s.Arbitrator) {
		return errors.Wrapf(ErrInvalidShare, "%s is not an arbitrator", s.Arbitrator)
	}

	if !e.keys.VerifyShare(s.Arbitrator, RoundDigest(s.Group, s.Round, s.Hash), s.Signature) {
		return errors.Wrapf(ErrInvalidShare, "round %d from %s", s.Round, s.Arbitrator)
	}

	e.mu.Lock()

	if e.finished.Contains(s.Round) {
		e.mu.Unlock()
		return nil
	}

	if e.latest[s.Key] > s.Round {
		e.mu.Unlock()
		return errors.Wrapf(ErrStaleRound, "share for round %d", s.Round)
	}

	r := e.roundLocked(s.Round)

	var ev *Evidence

	for h, byArb := range r.shares {
		if h == s.Hash {
			continue
		}

		if prior, ok := byArb[s.Arbitrator]; ok {
			ev = &Evidence{Group: s.Group, Round: s.Round, Arbitrator: s.Arbitrator, First: prior, Second: *s}
			break
		}
	}

	byArb, ok := r.shares[s.Hash]
	if !ok {
		byArb = make(map[crypto.Identity]Share)
		r.shares[s.Hash] = byArb
	}

	if _, dup := byArb[s.Arbitrator]; !dup {
		byArb[s.Arbitrator] = *s
	}

	if ev != nil {
		e.recordEvidenceLocked(*ev)
	}

	commit := e.tryCommitLocked(r)
	e.mu.Unlock()

	if ev != nil {
		e.flood(codec.TypeEvidence, ev)
	}

	if commit != nil {
		e.flood(codec.TypeCommit, commit)
	}

	return nil
}

// HandleCommit accepts a commit after verifying its aggregate proof.
func (e *Engine) HandleCommit(c *Commit) error {
	if c.Group != e.group.ID {
		return errors.Wrapf(ErrWrongGroup, "%s", c.Group)
	}

	if !e.VerifyCommit(c) {
		return errors.Wrapf(ErrInvalidCommit, "round %d", c.Round)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prior, ok := e.finished.Get(c.Round); ok {
		if prior.Status == Committed && prior.Hash != c.Hash {
			e.log.Error("conflicting commits for one round", "round", c.Round)
			return errors.AssertionFailedf("round %d committed twice with different values", c.Round)
		}

		return nil
	}

	r := e.roundLocked(c.Round)
	r.Key = c.Key
	r.Value = bytes.Clone(c.Value)
	r.Hash = c.Hash

	e.next = max(e.next, c.Round)
	e.latest[c.Key] = max(e.latest[c.Key], c.Round)

	e.finishLocked(r, Committed, c)

	return nil
}

// HandleEvidence records an equivocation accusation after checking both shares.
func (e *Engine) HandleEvidence(ev *Evidence) error {
	if ev.Group != e.group.ID {
		return errors.Wrapf(ErrWrongGroup, "%s", ev.Group)
	}

	if !e.validEvidence(ev) {
		return errors.Wrapf(ErrInvalidShare, "evidence against %s", ev.Arbitrator)
	}

	e.mu.Lock()
	e.recordEvidenceLocked(*ev)
	e.mu.Unlock()

	return nil
}

func (e *Engine) validEvidence(ev *Evidence) bool {
	a, b := ev.First, ev.Second

	if a.Arbitrator != ev.Arbitrator || b.Arbitrator != ev.Arbitrator {
		return false
	}

	if a.Round != ev.Round || b.Round != ev.Round || a.Hash == b.Hash {
		return false
	}

	return e.keys.VerifyShare(a.Arbitrator, RoundDigest(e.group.ID, a.Round, a.Hash), a.Signature) &&
		e.keys.VerifyShare(b.Arbitrator, RoundDigest(e.group.ID, b.Round, b.Hash), b.Signature)
}

func (e *Engine) recordEvidenceLocked(ev Evidence) {
	for _, prior := range e.evidence[ev.Arbitrator] {
		if prior.Round == ev.Round {
			return
		}
	}

	e.evidence[ev.Arbitrator] = append(e.evidence[ev.Arbitrator], ev)
	e.metrics.Equivocation()

	e.log.Warn("arbitrator equivocated", "arbitrator", ev.Arbitrator, "round", ev.Round)
}

// Evidence lists the recorded equivocations of id.
func (e *Engine) Evidence(id crypto.Identity) []Evidence {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]Evidence(nil), e.evidence[id]...)
}

// VerifyCommit checks that c carries a quorum aggregate over its round digest.
func (e *Engine) VerifyCommit(c *Commit) bool {
	if c == nil || c.Aggregate == nil || c.Group != e.group.ID || HashValue(c.Value) != c.Hash {
		return false
	}

	signers := make([]crypto.Identity, 0, len(e.roster))

	for _, idx := range c.Aggregate.Signers() {
		if idx >= len(e.roster) {
			return false
		}

		signers = append(signers, e.roster[idx])
	}

	if !e.group.HasQuorum(signers) {
		return false
	}

	return crypto.VerifyAggregate(c.Aggregate, RoundDigest(c.Group, c.Round, c.Hash), e.rosterBLS, e.group.QuorumSize())
}

// Status returns the state of round n.
func (e *Engine) Status(n uint64) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.rounds[n]; ok {
		return r.Status, true
	}

	if r, ok := e.finished.Get(n); ok {
		return r.Status, true
	}

	return 0, false
}

// CommitOf returns the commit of round n, if it committed.
func (e *Engine) CommitOf(n uint64) (*Commit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.finished.Get(n)
	if !ok || r.Commit == nil {
		return nil, false
	}

	return r.Commit, true
}

// roundLocked returns round n, creating it with a running timeout.
func (e *Engine) roundLocked(n uint64) *Round {
	if r, ok := e.rounds[n]; ok {
		return r
	}

	r := &Round{
		Number:  n,
		Status:  Proposed,
		shares:  make(map[Hash]map[crypto.Identity]Share),
		done:    make(chan struct{}),
		started: time.Now(),
	}

	r.timer = time.AfterFunc(e.cfg.RoundTimeout(), func() { e.expire(r) })
	e.rounds[n] = r

	return r
}

// adoptLocked attaches the first proposal seen to r.
func (e *Engine) adoptLocked(r *Round, p *Propose) {
	if r.Value != nil {
		return
	}

	r.Key = p.Key
	r.Value = bytes.Clone(p.Value)
	r.Hash = p.Hash
	r.Proposer = p.Proposer
}

// tryCommitLocked combines shares once the proposed value has a quorum.
func (e *Engine) tryCommitLocked(r *Round) *Commit {
	if r.Status == Committed || r.Status == TimedOut || r.Value == nil {
		return nil
	}

	byArb := r.shares[r.Hash]
	signers := make([]crypto.Identity, 0, len(byArb))
	shares := make([]crypto.Share, 0, len(byArb))

	for id, s := range byArb {
		idx := e.group.IndexOf(id)
		if idx < 0 {
			continue
		}

		signers = append(signers, id)
		shares = append(shares, crypto.Share{Index: idx, Signature: s.Signature})
	}

	if !e.group.HasQuorum(signers) {
		return nil
	}

	r.Status = SharesCollected

	proof, err := crypto.Combine(shares, len(shares), len(e.roster))
	if err != nil {
		e.log.Warn("combine failed", "round", r.Number, "error", err)
		return nil
	}

	c := &Commit{
		Group:     e.group.ID,
		Round:     r.Number,
		Key:       r.Key,
		Epoch:     e.group.Epoch,
		Value:     r.Value,
		Hash:      r.Hash,
		Aggregate: proof,
	}

	e.finishLocked(r, Committed, c)

	return c
}

// finishLocked moves r to a terminal status and wakes waiters.
func (e *Engine) finishLocked(r *Round, status Status, c *Commit) {
	if r.Status == Committed || r.Status == TimedOut {
		return
	}

	r.timer.Stop()
	r.Status = status
	r.Commit = c

	delete(e.rounds, r.Number)
	e.finished.Add(r.Number, r)
	close(r.done)

	e.pruneSignedLocked()

	switch status {
	case Committed:
		e.metrics.RoundCommitted(time.Since(r.started).Seconds())
		e.log.Debug("round committed", "round", r.Number, "key", r.Key)
	case TimedOut:
		e.metrics.RoundTimedOut()
		e.log.Debug("round timed out", "round", r.Number, "key", r.Key)
	}
}

func (e *Engine) expire(r *Round) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.rounds[r.Number]; ok && cur == r {
		e.finishLocked(r, TimedOut, nil)
	}
}

func (e *Engine) flood(t codec.Type, v any) {
	if e.out == nil {
		return
	}

	frame, err := codec.Encode(t, v)
	if err != nil {
		e.log.Warn("encode message", "type", t, "error", err)
		return
	}

	if err := e.out.Flood(frame); err != nil {
		e.log.Debug("flood message", "type", t, "error", err)
	}
}
