package bft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
	"Stratum/internal/crypto"
	"Stratum/internal/group"
	"Stratum/internal/hlc"
)

// bus delivers flooded frames synchronously to every other registered engine.
type bus struct {
	mu      sync.Mutex
	engines map[crypto.Identity]*Engine
	drop    func(to crypto.Identity, t codec.Type) bool
	sent    map[crypto.Identity][]codec.Type
}

func newBus() *bus {
	return &bus{engines: make(map[crypto.Identity]*Engine), sent: make(map[crypto.Identity][]codec.Type)}
}

type endpoint struct {
	b    *bus
	self crypto.Identity
}

func (ep endpoint) Flood(frame []byte) error {
	t, err := codec.Peek(frame)
	if err != nil {
		return err
	}

	ep.b.mu.Lock()
	ep.b.sent[ep.self] = append(ep.b.sent[ep.self], t)
	targets := make(map[crypto.Identity]*Engine, len(ep.b.engines))
	for id, e := range ep.b.engines {
		targets[id] = e
	}
	drop := ep.b.drop
	ep.b.mu.Unlock()

	for id, e := range targets {
		if id == ep.self || (drop != nil && drop(id, t)) {
			continue
		}

		_ = e.Handle(frame)
	}

	return nil
}

func (b *bus) count(id crypto.Identity, t codec.Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0

	for _, s := range b.sent[id] {
		if s == t {
			n++
		}
	}

	return n
}

// testNet is a group of arbitrators with engines on one bus.
type testNet struct {
	bus     *bus
	group   *group.Group
	signers map[crypto.Identity]*crypto.Signer
	keys    *crypto.Keyring
	engines map[crypto.Identity]*Engine
}

// newTestNet creates a group of members; ids listed in outsiders get keys
// and engines without membership. Engines for ids in skip are not created.
func newTestNet(t testing.TB, members, outsiders, skip []crypto.Identity, opts ...Option) *testNet {
	t.Helper()

	n := &testNet{
		bus:     newBus(),
		group:   group.New("g", "/data", members...),
		signers: make(map[crypto.Identity]*crypto.Signer),
		keys:    crypto.NewKeyring(),
		engines: make(map[crypto.Identity]*Engine),
	}

	all := append(append([]crypto.Identity(nil), members...), outsiders...)

	for _, id := range all {
		s, err := crypto.GenerateSigner(id)
		if err != nil {
			t.Fatalf("generate %s: %v", id, err)
		}

		if err := n.keys.Add(id, s.PublicKeys()); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}

		n.signers[id] = s
	}

	skipped := make(map[crypto.Identity]bool)
	for _, id := range skip {
		skipped[id] = true
	}

	for _, id := range all {
		if skipped[id] {
			continue
		}

		eopts := append([]Option{WithBroadcaster(endpoint{b: n.bus, self: id})}, opts...)

		e, err := NewEngine(n.group, n.signers[id], n.keys, hlc.New(), eopts...)
		if err != nil {
			t.Fatalf("engine %s: %v", id, err)
		}

		n.engines[id] = e
		n.bus.engines[id] = e
	}

	return n
}

// share builds a share signed by id.
func (n *testNet) share(id crypto.Identity, round uint64, key string, value []byte) *Share {
	h := HashValue(value)

	return &Share{
		Group:      n.group.ID,
		Round:      round,
		Key:        key,
		Hash:       h,
		Arbitrator: id,
		Signature:  n.signers[id].SignShare(RoundDigest(n.group.ID, round, h)),
	}
}

var abcd = []crypto.Identity{"a", "b", "c", "d"}

// TestAgreeCommits tests that four honest arbitrators commit one value
// everywhere.
func TestAgreeCommits(t *testing.T) {
	n := newTestNet(t, abcd, nil, nil)
	value := []byte("grant /data/x")

	commit, err := n.engines["a"].Agree(context.Background(), "/data/x", value)
	if err != nil {
		t.Fatalf("Agree failed: %v", err)
	}

	if commit.Hash != HashValue(value) {
		t.Error("committed hash does not match the value")
	}

	for id, e := range n.engines {
		if !e.VerifyCommit(commit) {
			t.Errorf("%s rejects the commit", id)
		}

		got, ok := e.CommitOf(commit.Round)
		if !ok || got.Hash != commit.Hash {
			t.Errorf("%s has commit %v, want hash %x", id, got, commit.Hash[:4])
		}

		if s, _ := e.Status(commit.Round); s != Committed {
			t.Errorf("%s round status %s", id, s)
		}
	}
}

// TestByzantineShareDoesNotBlock tests that with f=1 three valid shares for
// V commit even when the fourth arbitrator signs V'.
func TestByzantineShareDoesNotBlock(t *testing.T) {
	n := newTestNet(t, abcd, nil, []crypto.Identity{"d"})
	value := []byte("V")

	// d signs a different value for round 1 before the proposal is seen.
	rogue := n.share("d", 1, "k", []byte("V'"))
	for _, id := range []crypto.Identity{"a", "b", "c"} {
		if err := n.engines[id].HandleShare(rogue); err != nil {
			t.Fatalf("%s rejected a well-formed share: %v", id, err)
		}
	}

	commit, err := n.engines["a"].Agree(context.Background(), "k", value)
	if err != nil {
		t.Fatalf("Agree failed: %v", err)
	}

	if commit.Round != 1 {
		t.Errorf("committed round %d, want 1", commit.Round)
	}

	if commit.Hash != HashValue(value) {
		t.Error("commit is not for V")
	}

	signers := commit.Aggregate.Signers()
	if len(signers) != 3 {
		t.Errorf("signers = %v, want 3", signers)
	}

	for _, idx := range signers {
		if n.group.Roster()[idx] == "d" {
			t.Error("byzantine share included in the commit")
		}
	}

	// A late share for V' changes nothing.
	if err := n.engines["b"].HandleShare(n.share("d", 1, "k", []byte("V''"))); err != nil {
		t.Errorf("late share: %v", err)
	}

	if got, _ := n.engines["b"].CommitOf(1); got.Hash != commit.Hash {
		t.Error("late share altered the commit")
	}
}

// TestEquivocationEvidence tests that two shares from one arbitrator in one
// round produce evidence that peers accept.
func TestEquivocationEvidence(t *testing.T) {
	n := newTestNet(t, abcd, nil, []crypto.Identity{"d"})
	b := n.engines["b"]

	if err := b.HandleShare(n.share("d", 7, "k", []byte("x"))); err != nil {
		t.Fatal(err)
	}

	if err := b.HandleShare(n.share("d", 7, "k", []byte("y"))); err != nil {
		t.Fatal(err)
	}

	ev := b.Evidence("d")
	if len(ev) != 1 || ev[0].Round != 7 {
		t.Fatalf("evidence = %+v, want one accusation for round 7", ev)
	}

	// b flooded the evidence; c verified and recorded it.
	if got := n.engines["c"].Evidence("d"); len(got) != 1 {
		t.Errorf("c has %d accusations, want 1", len(got))
	}

	forged := ev[0]
	forged.Second.Signature = forged.First.Signature

	if err := n.engines["a"].HandleEvidence(&forged); !errors.Is(err, ErrInvalidShare) {
		t.Errorf("forged evidence = %v, want ErrInvalidShare", err)
	}
}

// TestRoundTimesOut tests that rounds without quorum time out, retry and
// finally fail with ErrConsensusTimeout.
func TestRoundTimesOut(t *testing.T) {
	cfg := Config{MaxRTT: time.Millisecond, RoundTimeoutFloor: 20 * time.Millisecond, RetryLimit: 2, RetryBackoff: time.Millisecond}
	n := newTestNet(t, abcd, nil, nil, WithConfig(cfg))

	n.bus.drop = func(_ crypto.Identity, t codec.Type) bool { return t == codec.TypeShare }

	start := time.Now()

	_, err := n.engines["a"].Agree(context.Background(), "k", []byte("v"))
	if !errors.Is(err, ErrConsensusTimeout) {
		t.Fatalf("Agree = %v, want ErrConsensusTimeout", err)
	}

	if elapsed := time.Since(start); elapsed < 3*cfg.RoundTimeout() {
		t.Errorf("gave up after %s, want at least 3 round timeouts", elapsed)
	}

	if got := n.bus.count("a", codec.TypePropose); got != 3 {
		t.Errorf("proposed %d rounds, want 3", got)
	}

	if s, ok := n.engines["a"].Status(1); !ok || s != TimedOut {
		t.Errorf("round 1 status = %s, want timed_out", s)
	}
}

// TestAgreeContextCancel tests that a cancelled wait resolves to a timeout.
func TestAgreeContextCancel(t *testing.T) {
	n := newTestNet(t, abcd, nil, nil)
	n.bus.drop = func(crypto.Identity, codec.Type) bool { return true }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := n.engines["a"].Agree(ctx, "k", []byte("v"))
	if !errors.Is(err, ErrConsensusTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Agree = %v, want ErrConsensusTimeout marking the deadline", err)
	}
}

// TestStaleRoundIgnored tests that a round older than the newest for its key
// is rejected.
func TestStaleRoundIgnored(t *testing.T) {
	n := newTestNet(t, abcd, nil, nil)
	n.bus.drop = func(crypto.Identity, codec.Type) bool { return true }

	b := n.engines["b"]
	propose := func(round uint64) *Propose {
		p := &Propose{
			Group:     "g",
			Round:     round,
			Key:       "k",
			Value:     []byte("v"),
			Hash:      HashValue([]byte("v")),
			Proposer:  "a",
			Timestamp: hlc.New().Now(),
		}
		p.Signature = n.signers["a"].Sign(p.signingPayload())

		return p
	}

	if err := b.HandlePropose(propose(5)); err != nil {
		t.Fatalf("round 5: %v", err)
	}

	if err := b.HandlePropose(propose(3)); !errors.Is(err, ErrStaleRound) {
		t.Errorf("round 3 after 5 = %v, want ErrStaleRound", err)
	}

	if err := b.HandleShare(n.share("c", 2, "k", []byte("v"))); !errors.Is(err, ErrStaleRound) {
		t.Errorf("share for round 2 = %v, want ErrStaleRound", err)
	}
}

// TestOneValuePerRound tests that an honest arbitrator signs only the first
// of two conflicting proposals in a round.
func TestOneValuePerRound(t *testing.T) {
	n := newTestNet(t, abcd, nil, nil)
	n.bus.drop = func(crypto.Identity, codec.Type) bool { return true }

	b := n.engines["b"]

	for _, v := range []string{"first", "second"} {
		p := &Propose{Group: "g", Round: 1, Key: "k", Value: []byte(v), Hash: HashValue([]byte(v)), Proposer: "a", Timestamp: hlc.New().Now()}
		p.Signature = n.signers["a"].Sign(p.signingPayload())

		if err := b.HandlePropose(p); err != nil {
			t.Fatalf("propose %s: %v", v, err)
		}
	}

	if got := n.bus.count("b", codec.TypeShare); got != 1 {
		t.Errorf("b flooded %d shares, want 1", got)
	}
}

// TestSignedRoundsBounded tests that the per-round signing record stays
// bounded across many rounds and that pruned rounds are never signed again.
func TestSignedRoundsBounded(t *testing.T) {
	n := newTestNet(t, []crypto.Identity{"a"}, nil, nil)
	e := n.engines["a"]
	e.limit = 8

	ctx := context.Background()

	for i := range 40 {
		key := fmt.Sprintf("/data/%d", i)
		if _, err := e.Agree(ctx, key, []byte(key)); err != nil {
			t.Fatalf("Agree %d: %v", i, err)
		}
	}

	e.mu.Lock()
	size, floor := len(e.signed), e.floor
	e.mu.Unlock()

	if size > e.limit {
		t.Errorf("signed holds %d rounds, want at most %d", size, e.limit)
	}

	if floor == 0 {
		t.Fatal("floor not raised after pruning")
	}

	// Forget the round as if the finished cache had evicted it.
	e.finished.Remove(floor)

	shares := n.bus.count("a", codec.TypeShare)

	p := &Propose{Group: "g", Round: floor, Key: "/data/late", Value: []byte("late"), Hash: HashValue([]byte("late")), Proposer: "a", Timestamp: hlc.New().Now()}
	p.Signature = n.signers["a"].Sign(p.signingPayload())

	if err := e.HandlePropose(p); err != nil {
		t.Fatalf("HandlePropose: %v", err)
	}

	if got := n.bus.count("a", codec.TypeShare); got != shares {
		t.Errorf("signed round %d below the floor", floor)
	}
}

// TestInvalidMessages tests that malformed messages are rejected without
// state changes.
func TestInvalidMessages(t *testing.T) {
	n := newTestNet(t, abcd, []crypto.Identity{"x"}, nil)
	n.bus.drop = func(crypto.Identity, codec.Type) bool { return true }

	b := n.engines["b"]

	p := &Propose{Group: "g", Round: 1, Value: []byte("v"), Hash: HashValue([]byte("v")), Proposer: "a", Timestamp: hlc.New().Now()}
	p.Signature = n.signers["a"].Sign(p.signingPayload())

	tampered := *p
	tampered.Value = []byte("w")

	if err := b.HandlePropose(&tampered); !errors.Is(err, ErrInvalidProposal) {
		t.Errorf("tampered value = %v, want ErrInvalidProposal", err)
	}

	rehashed := tampered
	rehashed.Hash = HashValue(rehashed.Value)

	if err := b.HandlePropose(&rehashed); !errors.Is(err, ErrInvalidProposal) {
		t.Errorf("re-hashed value = %v, want ErrInvalidProposal", err)
	}

	if err := b.HandleShare(n.share("x", 1, "", []byte("v"))); !errors.Is(err, ErrInvalidShare) {
		t.Errorf("outsider share = %v, want ErrInvalidShare", err)
	}

	bad := n.share("c", 1, "", []byte("v"))
	bad.Signature = n.signers["a"].SignShare(RoundDigest("g", 1, bad.Hash))

	if err := b.HandleShare(bad); !errors.Is(err, ErrInvalidShare) {
		t.Errorf("share signed by another key = %v, want ErrInvalidShare", err)
	}

	other := *p
	other.Group = "h"

	if err := b.HandlePropose(&other); !errors.Is(err, ErrWrongGroup) {
		t.Errorf("foreign group = %v, want ErrWrongGroup", err)
	}

	// Two shares fall short of the quorum of three.
	h := HashValue([]byte("v"))
	var shares []crypto.Share

	for _, id := range []crypto.Identity{"a", "c"} {
		s := n.share(id, 1, "", []byte("v"))
		shares = append(shares, crypto.Share{Index: n.group.IndexOf(id), Signature: s.Signature})
	}

	agg, err := crypto.Combine(shares, 2, len(n.group.Roster()))
	if err != nil {
		t.Fatal(err)
	}

	short := &Commit{Group: "g", Round: 1, Value: []byte("v"), Hash: h, Aggregate: agg}

	if err := b.HandleCommit(short); !errors.Is(err, ErrInvalidCommit) {
		t.Errorf("sub-quorum commit = %v, want ErrInvalidCommit", err)
	}
}

// TestOutsiderProposer tests that a node outside the group can drive a
// round and obtain the commit.
func TestOutsiderProposer(t *testing.T) {
	n := newTestNet(t, abcd, []crypto.Identity{"x"}, nil)

	commit, err := n.engines["x"].Agree(context.Background(), "/data/y", []byte("cross-group"))
	if err != nil {
		t.Fatalf("Agree from outsider: %v", err)
	}

	if n.bus.count("x", codec.TypeShare) != 0 {
		t.Error("outsider signed a share")
	}

	if !n.engines["c"].VerifyCommit(commit) {
		t.Error("member rejects outsider's commit")
	}
}

// TestJointQuorum tests that during a membership change a commit needs a
// quorum of both configurations.
func TestJointQuorum(t *testing.T) {
	members := []crypto.Identity{"a", "b", "c", "d"}
	n := newTestNet(t, members, []crypto.Identity{"e", "f", "g", "h"}, nil)

	joint := n.group.Clone()
	if err := joint.BeginChange("e", "f", "g", "h"); err != nil {
		t.Fatal(err)
	}

	e, err := NewEngine(joint, n.signers["a"], n.keys, hlc.New())
	if err != nil {
		t.Fatal(err)
	}

	value := []byte("v")
	roster := joint.Roster()

	combine := func(ids ...crypto.Identity) *Commit {
		var shares []crypto.Share

		for _, id := range ids {
			s := n.share(id, 1, "", value)
			shares = append(shares, crypto.Share{Index: joint.IndexOf(id), Signature: s.Signature})
		}

		agg, err := crypto.Combine(shares, len(shares), len(roster))
		if err != nil {
			t.Fatal(err)
		}

		return &Commit{Group: "g", Round: 1, Value: value, Hash: HashValue(value), Aggregate: agg}
	}

	if e.VerifyCommit(combine("a", "b", "c", "d", "e")) {
		t.Error("commit without a new-configuration quorum verified")
	}

	if !e.VerifyCommit(combine("a", "b", "c", "e", "f", "g")) {
		t.Error("joint quorum commit rejected")
	}
}

// TestCoordinatorRoutes tests routing by group id.
func TestCoordinatorRoutes(t *testing.T) {
	n := newTestNet(t, abcd, nil, nil)

	coord := NewCoordinator()
	coord.Add(n.engines["a"])

	commit, err := coord.Agree(context.Background(), "g", "k", []byte("v"))
	if err != nil {
		t.Fatalf("Agree: %v", err)
	}

	if !coord.VerifyCommit(commit) {
		t.Error("coordinator rejects commit")
	}

	if _, err := coord.Agree(context.Background(), "missing", "k", []byte("v")); err == nil {
		t.Error("Agree on unknown group succeeded")
	}

	frame, err := codec.Encode(codec.TypeCommit, commit)
	if err != nil {
		t.Fatal(err)
	}

	if err := coord.Handle(frame); err != nil {
		t.Errorf("Handle commit: %v", err)
	}
}

// BenchmarkAgree measures a full round among four in-process arbitrators.
func BenchmarkAgree(b *testing.B) {
	n := newTestNet(b, abcd, nil, nil)
	ctx := context.Background()

	for b.Loop() {
		if _, err := n.engines["a"].Agree(ctx, "k", []byte("value")); err != nil {
			b.Fatal(err)
		}
	}
}
